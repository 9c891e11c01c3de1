package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Decoding errors
var (
	ErrEmptyDeviceID    = errors.New("device_id cannot be empty")
	ErrInvalidSeq       = errors.New("seq must be a positive integer")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
)

// Numeric field names rules may reference.
const (
	FieldA       = "field_a"
	FieldB       = "field_b"
	FieldBattery = "battery"
)

// TelemetryMessage is a single pre-validated device reading. The
// ingestion gateway owns schema validation; the engine only needs the
// identity and ordering fields to be usable.
type TelemetryMessage struct {
	DeviceID string  `json:"device_id"`
	TS       string  `json:"ts"`
	Seq      int64   `json:"seq"`
	FieldA   float64 `json:"field_a"`
	FieldB   float64 `json:"field_b"`
	Battery  float64 `json:"battery"`

	// Meta is carried through to alert payloads unchanged, never
	// interpreted by rules.
	Meta map[string]string `json:"meta,omitempty"`
}

// DecodeTelemetry unmarshals a broker payload into a TelemetryMessage.
// It rejects only what would make the message unroutable.
func DecodeTelemetry(data []byte) (*TelemetryMessage, error) {
	var msg TelemetryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.DeviceID) == "" {
		return nil, ErrEmptyDeviceID
	}
	if msg.Seq <= 0 {
		return nil, ErrInvalidSeq
	}
	return &msg, nil
}

// Field returns the named numeric field, reporting whether the name is
// one the engine knows about.
func (m *TelemetryMessage) Field(name string) (float64, bool) {
	switch name {
	case FieldA:
		return m.FieldA, true
	case FieldB:
		return m.FieldB, true
	case FieldBattery:
		return m.Battery, true
	default:
		return 0, false
	}
}

// IsNumericField reports whether rules may reference the given field.
func IsNumericField(name string) bool {
	switch name {
	case FieldA, FieldB, FieldBattery:
		return true
	default:
		return false
	}
}

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// ParseTimestamp parses the message's ts for display purposes. Ordering
// always comes from Seq, never from ts.
func (m *TelemetryMessage) ParseTimestamp() (time.Time, error) {
	ts := strings.TrimSpace(m.TS)
	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrInvalidTimestamp
}

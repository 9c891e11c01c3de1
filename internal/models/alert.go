package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Rule type labels attached to alerts.
const (
	RuleTypeInstant    = "instant"
	RuleTypePersistent = "persistent"
)

// Alert is an immutable record of a rule firing. The engine only ever
// creates alerts; it never updates one.
type Alert struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	RuleID      string    `json:"rule_id"`
	RuleType    string    `json:"rule_type"`
	TriggeredAt time.Time `json:"triggered_at"`

	// Seq is the triggering sequence number for instant alerts, the
	// window-end sequence number for persistent ones.
	Seq int64 `json:"seq"`

	// Payload holds the triggering message, or the retained window
	// snapshot for persistent rules (window-end message last).
	Payload []*TelemetryMessage `json:"payload"`

	Count    int `json:"count"`
	Severity int `json:"severity"`
}

// NewAlert creates an alert for the given firing. The window-end
// message must be the last element of payload.
func NewAlert(ruleID, ruleType, deviceID string, seq int64, count, severity int, payload []*TelemetryMessage) *Alert {
	return &Alert{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		RuleID:      ruleID,
		RuleType:    ruleType,
		TriggeredAt: time.Now().UTC(),
		Seq:         seq,
		Payload:     payload,
		Count:       count,
		Severity:    severity,
	}
}

// IdempotencyKey identifies this firing across redeliveries. Two alerts
// produced by reprocessing the same triggering message share a key and
// the sink keeps only the first.
func (a *Alert) IdempotencyKey() string {
	return IdempotencyKey(a.RuleID, a.DeviceID, a.Seq)
}

// IdempotencyKey derives the dedup key for a (rule, device, seq) firing.
func IdempotencyKey(ruleID, deviceID string, seq int64) string {
	return fmt.Sprintf("%s:%s:%d", ruleID, deviceID, seq)
}

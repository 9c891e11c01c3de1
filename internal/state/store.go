// Package state holds per-(device, rule) evaluation state. Each shard
// belongs to exactly one dispatch worker; routing guarantees the single
// writer, so shards need no locking.
package state

import (
	"time"

	"vigil/internal/models"
)

// Key addresses one state slot.
type Key struct {
	DeviceID string
	RuleID   string
}

// RuleState tracks a persistent rule's unbroken run for one device.
// The zero value is the initial state for a slot that has never seen a
// message.
type RuleState struct {
	// ConsecutiveCount is the length of the current unbroken run of
	// predicate matches.
	ConsecutiveCount int

	// LastSeqSeen is the last processed sequence number; 0 means no
	// message has been processed yet.
	LastSeqSeen int64

	// Fired records whether the current run already produced an alert,
	// so a run that keeps matching past threshold fires only once.
	Fired bool

	// Window retains recent matching messages for alert payloads,
	// window-end last.
	Window []*models.TelemetryMessage

	// Touched is maintained by the store for idle eviction.
	Touched time.Time
}

// AppendWindow adds a message to the retained window, keeping at most
// max entries.
func (s *RuleState) AppendWindow(msg *models.TelemetryMessage, max int) {
	if max <= 0 {
		max = 1
	}
	s.Window = append(s.Window, msg)
	if len(s.Window) > max {
		s.Window = s.Window[len(s.Window)-max:]
	}
}

// Shard is the state partition owned by one worker.
type Shard struct {
	slots map[Key]*RuleState
}

// NewShard creates an empty shard.
func NewShard() *Shard {
	return &Shard{slots: make(map[Key]*RuleState)}
}

// GetOrCreate returns the slot for the key, creating a zero-valued one
// on first use.
func (s *Shard) GetOrCreate(k Key) *RuleState {
	if st, ok := s.slots[k]; ok {
		return st
	}
	st := &RuleState{}
	s.slots[k] = st
	return st
}

// Put fully replaces the slot's state.
func (s *Shard) Put(k Key, st *RuleState) {
	st.Touched = time.Now()
	s.slots[k] = st
}

// Reset zeroes a slot in place, preserving nothing. Used when state
// corruption is detected: the slot restarts rather than halting the
// device's stream.
func (s *Shard) Reset(k Key) {
	s.slots[k] = &RuleState{Touched: time.Now()}
}

// Evict drops slots untouched since the cutoff and returns how many
// were removed.
func (s *Shard) Evict(cutoff time.Time) int {
	n := 0
	for k, st := range s.slots {
		if st.Touched.Before(cutoff) {
			delete(s.slots, k)
			n++
		}
	}
	return n
}

// Len returns the number of live slots.
func (s *Shard) Len() int { return len(s.slots) }

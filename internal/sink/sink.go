// Package sink provides durable alert storage behind an
// append-if-absent contract. Duplicate appends are a success, not an
// error: the idempotency key is what makes broker redelivery safe.
package sink

import (
	"context"
	"sync"

	"vigil/internal/models"
)

// Outcome is the tri-state result of an append.
type Outcome int

const (
	// OutcomeFailed means the append did not reach durable storage.
	OutcomeFailed Outcome = iota
	// OutcomeCreated means a new alert record was stored.
	OutcomeCreated
	// OutcomeDuplicate means an alert with this idempotency key
	// already exists; the original record is untouched.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

// Sink is the durable alert store the engine appends to.
type Sink interface {
	AppendIfAbsent(ctx context.Context, key string, alert *models.Alert) (Outcome, error)
	Close() error
}

// Memory is an in-process sink for tests and local runs.
type Memory struct {
	mu     sync.Mutex
	byKey  map[string]*models.Alert
	stored []*models.Alert
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{byKey: make(map[string]*models.Alert)}
}

// AppendIfAbsent stores the alert unless the key exists.
func (m *Memory) AppendIfAbsent(_ context.Context, key string, alert *models.Alert) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key]; ok {
		return OutcomeDuplicate, nil
	}
	m.byKey[key] = alert
	m.stored = append(m.stored, alert)
	return OutcomeCreated, nil
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }

// Alerts returns stored alerts in append order.
func (m *Memory) Alerts() []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Alert, len(m.stored))
	copy(out, m.stored)
	return out
}

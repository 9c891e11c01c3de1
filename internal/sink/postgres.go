package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"vigil/internal/logger"
	"vigil/internal/models"
)

// Schema matches the alerts table the previous engine generation wrote,
// plus the idempotency_key column that makes redelivery safe.
const createAlertsTable = `
CREATE TABLE IF NOT EXISTS alerts (
    id UUID PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    device_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_type TEXT NOT NULL CHECK (rule_type IN ('instant', 'persistent')),
    triggered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    payload JSONB NOT NULL,
    count INTEGER NOT NULL DEFAULT 1,
    severity INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS alerts_device_ts_idx ON alerts (device_id, triggered_at DESC);
CREATE INDEX IF NOT EXISTS alerts_rule_idx ON alerts (rule_id);
`

const insertAlert = `
INSERT INTO alerts (id, idempotency_key, device_id, rule_id, rule_type, triggered_at, payload, count, severity)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
ON CONFLICT (idempotency_key) DO NOTHING
`

// Postgres is the durable alert sink.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the connection, verifies it, and bootstraps the
// alerts schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, createAlertsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure alerts schema: %w", err)
	}

	log := logger.WithComponent("sink")
	log.Info().Msg("postgres alert sink ready")
	return &Postgres{db: db}, nil
}

// AppendIfAbsent inserts the alert unless its idempotency key already
// exists. A conflict is reported as OutcomeDuplicate with no error.
func (p *Postgres) AppendIfAbsent(ctx context.Context, key string, alert *models.Alert) (Outcome, error) {
	payload, err := json.Marshal(alert.Payload)
	if err != nil {
		// Serialization failure is deterministic; retrying cannot help.
		return OutcomeFailed, fmt.Errorf("marshal alert payload: %w", err)
	}

	res, err := p.db.ExecContext(ctx, insertAlert,
		alert.ID,
		key,
		alert.DeviceID,
		alert.RuleID,
		alert.RuleType,
		alert.TriggeredAt,
		payload,
		alert.Count,
		alert.Severity,
	)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("insert alert: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("insert alert result: %w", err)
	}
	if rows == 0 {
		return OutcomeDuplicate, nil
	}
	return OutcomeCreated, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

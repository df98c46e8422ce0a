package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresTabularSink writes audit records into generic JSONB-payload
// tables (the views cast payload fields to NUMERIC(20,8)) so analysts can
// run SQL against strategy_performance and
// contribution_summary views without touching the hot path's Redis store.
type PostgresTabularSink struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresTabularSink(db *sqlx.DB, logger *zap.Logger) *PostgresTabularSink {
	return &PostgresTabularSink{db: db, logger: logger.Named("audit.postgres")}
}

// schema is applied once at startup; it is additive and safe to re-run.
const schema = `
CREATE TABLE IF NOT EXISTS entity_snapshots (
	collection  TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	payload     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, entity_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	collection  TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	event       TEXT NOT NULL,
	payload     JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log (entity_id, occurred_at);

CREATE OR REPLACE VIEW strategy_performance AS
SELECT
	payload->>'strategy_id' AS strategy_id,
	COUNT(*) FILTER (WHERE payload->>'status' = 'closed') AS closed_positions,
	SUM((payload->>'realized_pnl')::NUMERIC(20,8)) FILTER (WHERE payload->>'status' = 'closed') AS total_realized_pnl
FROM entity_snapshots
WHERE collection = 'strategy_positions'
GROUP BY payload->>'strategy_id';

CREATE OR REPLACE VIEW contribution_summary AS
SELECT
	payload->>'exchange_position_key' AS exchange_position_key,
	COUNT(*) AS contribution_count,
	SUM((payload->>'quantity')::NUMERIC(20,8)) AS total_quantity
FROM entity_snapshots
WHERE collection = 'position_contributions'
GROUP BY payload->>'exchange_position_key';
`

// Migrate creates the tabular schema and analytical views if they don't
// already exist.
func (s *PostgresTabularSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresTabularSink) Upsert(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_snapshots (collection, entity_id, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, entity_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`, rec.Collection, rec.EntityID, body)
	return err
}

func (s *PostgresTabularSink) AppendLog(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (collection, entity_id, event, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Collection, rec.EntityID, rec.Event, body, rec.Timestamp)
	return err
}

func (s *PostgresTabularSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

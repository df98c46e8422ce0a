// Package audit implements spec.md §4.6/§6.3's dual-sink audit trail: a
// Redis document store for fast upsert-by-id lookups, and a Postgres
// tabular store for analytical queries, composed behind a FanoutSink that
// enforces the "no audit → no real trade" fail-safe.
package audit

import (
	"context"
	"time"
)

// Record is one audit-log entry: a named event against an entity, with an
// arbitrary JSON-able payload. Collection groups records the way spec.md
// §6.3 names them: positions, strategy_positions, position_contributions,
// exchange_positions, oco_pairs, audit_log.
type Record struct {
	Collection string
	EntityID   string
	Event      string
	Timestamp  time.Time
	Payload    map[string]any
}

// Sink persists audit records. Upsert is called for entity snapshots
// (positions, strategy positions, ...); AppendLog is called for the
// immutable audit_log event stream.
type Sink interface {
	Upsert(ctx context.Context, rec Record) error
	AppendLog(ctx context.Context, rec Record) error
	Ping(ctx context.Context) error
}

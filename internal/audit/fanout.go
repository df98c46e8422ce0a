package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
)

// FanoutSink writes every record to both the document store and the
// tabular store. Per spec.md §4.6/§7: if the primary sink cannot be
// confirmed healthy, the caller must not place a real order — Healthy
// reports false and the dispatcher forces DecisionSimulated instead of ever
// reaching the exchange. A failed primary write makes Upsert/AppendLog
// return a PersistenceError.
type FanoutSink struct {
	primary   Sink // Redis — fast path, required
	secondary Sink // Postgres — best-effort, logged on failure
	logger    *zap.Logger
}

func NewFanoutSink(primary, secondary Sink, logger *zap.Logger) *FanoutSink {
	return &FanoutSink{primary: primary, secondary: secondary, logger: logger.Named("audit.fanout")}
}

// Healthy pings the primary sink; the dispatcher calls this before
// accepting a signal into the pipeline, per the "no audit → no real trade"
// invariant.
func (f *FanoutSink) Healthy(ctx context.Context) bool {
	return f.primary.Ping(ctx) == nil
}

// Upsert writes to the primary synchronously and required; the secondary
// is attempted but its failure is logged, not propagated, since the
// tabular store is analytical, not the fail-safe gate.
func (f *FanoutSink) Upsert(ctx context.Context, rec Record) error {
	if err := f.primary.Upsert(ctx, rec); err != nil {
		return domain.NewPersistenceError("audit_upsert_failed:"+rec.Collection, err)
	}
	if f.secondary != nil {
		if err := f.secondary.Upsert(ctx, rec); err != nil {
			f.logger.Warn("secondary audit upsert failed",
				zap.String("collection", rec.Collection), zap.String("entity_id", rec.EntityID), zap.Error(err))
		}
	}
	return nil
}

func (f *FanoutSink) AppendLog(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := f.primary.AppendLog(ctx, rec); err != nil {
		return domain.NewPersistenceError("audit_log_failed:"+rec.Collection, err)
	}
	if f.secondary != nil {
		if err := f.secondary.AppendLog(ctx, rec); err != nil {
			f.logger.Warn("secondary audit log failed",
				zap.String("collection", rec.Collection), zap.String("entity_id", rec.EntityID), zap.Error(err))
		}
	}
	return nil
}

func (f *FanoutSink) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

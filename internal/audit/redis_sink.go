package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// auditLogRetention bounds how long a day's audit_log list survives in
// Redis; the Postgres sink is the durable long-term record.
const auditLogRetention = 30 * 24 * time.Hour

// RedisDocumentSink upserts one JSON document per entity under
// "trade-engine:doc:{collection}:{entity_id}", and appends audit_log events
// to a per-day list, expiring after auditLogRetention, for fast
// recent-activity reads. The list has no length cap.
type RedisDocumentSink struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisDocumentSink(rdb *redis.Client, logger *zap.Logger) *RedisDocumentSink {
	return &RedisDocumentSink{rdb: rdb, logger: logger.Named("audit.redis")}
}

func (s *RedisDocumentSink) Upsert(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	key := docKey(rec.Collection, rec.EntityID)
	return s.rdb.Set(ctx, key, body, 0).Err()
}

func (s *RedisDocumentSink) AppendLog(ctx context.Context, rec Record) error {
	body, err := json.Marshal(map[string]any{
		"entity_id": rec.EntityID,
		"event":     rec.Event,
		"timestamp": rec.Timestamp,
		"payload":   rec.Payload,
	})
	if err != nil {
		return fmt.Errorf("audit: marshal log entry: %w", err)
	}

	listKey := fmt.Sprintf("trade-engine:audit_log:%s", rec.Timestamp.UTC().Format("2006-01-02"))
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, listKey, body)
	pipe.Expire(ctx, listKey, auditLogRetention)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisDocumentSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func docKey(collection, entityID string) string {
	return fmt.Sprintf("trade-engine:doc:%s:%s", collection, entityID)
}

package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/audit"
)

func newTestRedisSink(t *testing.T) (*audit.RedisDocumentSink, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return audit.NewRedisDocumentSink(rdb, zap.NewNop()), rdb
}

func TestRedisDocumentSinkUpsertWritesJSONUnderTheDocKey(t *testing.T) {
	sink, rdb := newTestRedisSink(t)
	ctx := context.Background()

	err := sink.Upsert(ctx, audit.Record{Collection: "positions", EntityID: "BTCUSDT:long", Payload: map[string]any{"qty": "1.5"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := rdb.Get(ctx, "trade-engine:doc:positions:BTCUSDT:long").Result()
	if err != nil {
		t.Fatalf("expected the document to be stored: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("expected valid JSON, got error: %v", err)
	}
	if got["qty"] != "1.5" {
		t.Fatalf("expected qty 1.5, got %v", got["qty"])
	}
}

func TestRedisDocumentSinkUpsertOverwritesThePreviousDocument(t *testing.T) {
	sink, _ := newTestRedisSink(t)
	ctx := context.Background()

	rec := audit.Record{Collection: "positions", EntityID: "BTCUSDT:long"}
	rec.Payload = map[string]any{"qty": "1"}
	if err := sink.Upsert(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.Payload = map[string]any{"qty": "2"}
	if err := sink.Upsert(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRedisDocumentSinkAppendLogPushesToTheDailyList(t *testing.T) {
	sink, rdb := newTestRedisSink(t)
	ctx := context.Background()

	ts := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	err := sink.AppendLog(ctx, audit.Record{Collection: "audit_log", EntityID: "o-1", Event: "order_filled", Timestamp: ts})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	length, err := rdb.LLen(ctx, "trade-engine:audit_log:2026-01-15").Result()
	if err != nil {
		t.Fatalf("unexpected error checking list length: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected one entry in the daily log, got %d", length)
	}

	ttl, err := rdb.TTL(ctx, "trade-engine:audit_log:2026-01-15").Result()
	if err != nil {
		t.Fatalf("unexpected error checking ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatal("expected the daily log key to have a retention ttl set")
	}
}

func TestRedisDocumentSinkPingReflectsConnectivity(t *testing.T) {
	sink, _ := newTestRedisSink(t)
	if err := sink.Ping(context.Background()); err != nil {
		t.Fatalf("expected ping to succeed against a live store, got %v", err)
	}
}

package lockmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/lockmgr"
)

func newTestManager(t *testing.T) *lockmgr.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return lockmgr.New(rdb, zap.NewNop())
}

func TestAcquireGrantsAnUncontendedLease(t *testing.T) {
	m := newTestManager(t)
	lease, err := m.Acquire(context.Background(), "BTCUSDT:long", time.Second, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease == nil {
		t.Fatal("expected a lease")
	}
}

func TestAcquireTimesOutWhileHeldByAnotherHolder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "BTCUSDT:long", time.Second, 100*time.Millisecond); err != nil {
		t.Fatalf("unexpected error on first acquire: %v", err)
	}

	_, err := m.Acquire(ctx, "BTCUSDT:long", time.Second, 60*time.Millisecond)
	if err == nil {
		t.Fatal("expected the second acquire to time out while the key is held")
	}
}

func TestReleaseFreesTheLeaseForTheNextAcquirer(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "BTCUSDT:long", time.Second, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("unexpected error releasing: %v", err)
	}

	if _, err := m.Acquire(ctx, "BTCUSDT:long", time.Second, 100*time.Millisecond); err != nil {
		t.Fatalf("expected the lease to be free after release, got %v", err)
	}
}

// Releasing a lease that no longer exists in the store (already released,
// or expired and taken over by nobody) must not be treated as an error.
func TestReleaseOfAnAlreadyReleasedLeaseIsANoOp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "BTCUSDT:long", time.Second, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("expected releasing an already-released lease to be a no-op, got %v", err)
	}
}

func TestExtendRenewsTTLForTheHoldingToken(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "BTCUSDT:long", 50*time.Millisecond, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Extend(ctx, lease, 2*time.Second); err != nil {
		t.Fatalf("unexpected error extending: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	_, err = m.Acquire(ctx, "BTCUSDT:long", time.Second, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected the lease to still be held after extension outlasted the original TTL")
	}
}

package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/captjt/authgate/ratelimit"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("AUTHGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHGATE_TEST_REDIS_ADDR not set")
	}
	store, err := New(Config{Addr: addr, KeyPrefix: "authgate-test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreWindow(t *testing.T) {
	store := newIntegrationStore(t)
	clock := ratelimit.NewManualClock(time.Now().UTC().Truncate(time.Millisecond))
	l := ratelimit.New(ratelimit.WithStore(store), ratelimit.WithClock(clock))
	ctx := context.Background()

	var first ratelimit.Result
	for i := 1; i <= ratelimit.Auth.MaxRequests; i++ {
		res, err := l.Check(ctx, "1.2.3.4", ratelimit.Auth)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed || res.Remaining != ratelimit.Auth.MaxRequests-i {
			t.Fatalf("unexpected result on call %d: %+v", i, res)
		}
		if i == 1 {
			first = res
		}
	}

	res, err := l.Check(ctx, "1.2.3.4", ratelimit.Auth)
	if err != nil {
		t.Fatalf("check 6: %v", err)
	}
	if res.Allowed || res.Remaining != 0 || !res.ResetTime.Equal(first.ResetTime) {
		t.Fatalf("expected rejection with unchanged reset, got %+v (first %+v)", res, first)
	}

	peek, err := l.Peek(ctx, "1.2.3.4", ratelimit.Auth)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if peek.Remaining != 0 {
		t.Fatalf("expected peek remaining 0, got %d", peek.Remaining)
	}

	clock.Advance(ratelimit.Auth.Window + time.Millisecond)
	res, err = l.Check(ctx, "1.2.3.4", ratelimit.Auth)
	if err != nil {
		t.Fatalf("check after window: %v", err)
	}
	if !res.Allowed || res.Remaining != ratelimit.Auth.MaxRequests-1 {
		t.Fatalf("expected reset window, got %+v", res)
	}
}

func TestRedisStoreGetMissing(t *testing.T) {
	store := newIntegrationStore(t)
	_, ok, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to be absent")
	}
}

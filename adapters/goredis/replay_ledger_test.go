package goredis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLedger(t *testing.T) (*ReplayLedger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ledger, err := NewReplayLedger(client, WithPrefix("test:"))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger, mr
}

func TestReplayLedger_ClaimReleaseExpire(t *testing.T) {
	ledger, mr := newLedger(t)
	ctx := context.Background()

	claimed, err := ledger.Claim(ctx, "webhook:shopify:d-1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected first claim, got %v %v", claimed, err)
	}
	if !mr.Exists("test:webhook:shopify:d-1") {
		t.Fatalf("expected prefixed key in redis")
	}
	claimed, err = ledger.Claim(ctx, "webhook:shopify:d-1", time.Minute)
	if err != nil || claimed {
		t.Fatalf("expected duplicate claim refused, got %v %v", claimed, err)
	}

	if err := ledger.Release(ctx, "webhook:shopify:d-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if claimed, _ := ledger.Claim(ctx, "webhook:shopify:d-1", time.Minute); !claimed {
		t.Fatalf("expected claim after release")
	}

	mr.FastForward(2 * time.Minute)
	if claimed, _ := ledger.Claim(ctx, "webhook:shopify:d-1", time.Minute); !claimed {
		t.Fatalf("expected claim after expiry")
	}
}

func TestReplayLedger_Validation(t *testing.T) {
	if _, err := NewReplayLedger(nil); err == nil {
		t.Fatalf("expected nil client to be rejected")
	}
	ledger, mr := newLedger(t)
	if _, err := ledger.Claim(context.Background(), " ", time.Minute); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	mr.SetError("READONLY")
	if _, err := ledger.Claim(context.Background(), "k", time.Minute); err == nil {
		t.Fatalf("expected redis failure to surface")
	}
}

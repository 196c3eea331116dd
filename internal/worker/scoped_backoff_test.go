package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

func TestRedisScopedBackoffStore_ReadyWhenUnset(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisScopedBackoffStore(client)
	key := domain.ScopedBackoffKey{ReceiverDomain: "yahoo.com", SenderDomain: "mail1.example.com"}

	ready, _, attempts, err := store.Ready(context.Background(), key)
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if !ready {
		t.Error("Ready() = false for a key with no recorded backoff, want true")
	}
	if attempts != 0 {
		t.Errorf("Ready() attempts = %d, want 0", attempts)
	}
}

func TestRedisScopedBackoffStore_BlockThenNotReady(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisScopedBackoffStore(client)
	key := domain.ScopedBackoffKey{ReceiverDomain: "aol.com", SenderDomain: "mail1.example.com"}

	nextRetry, attempts, err := store.Block(context.Background(), key)
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("Block() attempts = %d, want 1", attempts)
	}
	if !nextRetry.After(time.Now()) {
		t.Errorf("Block() nextRetry = %v, want a time in the future", nextRetry)
	}

	ready, _, attempts, err := store.Ready(context.Background(), key)
	if err != nil {
		t.Fatalf("Ready() after Block() error = %v", err)
	}
	if ready {
		t.Error("Ready() = true immediately after Block(), want false")
	}
	if attempts != 1 {
		t.Errorf("Ready() attempts = %d, want 1", attempts)
	}
}

func TestRedisScopedBackoffStore_BlockCapsExponentialGrowth(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisScopedBackoffStore(client)
	store.BaseSeconds = 1
	store.CapSeconds = 4
	key := domain.ScopedBackoffKey{ReceiverDomain: "hotmail.com", SenderDomain: "mail2.example.com"}

	var lastAttempts int
	for i := 0; i < 6; i++ {
		_, attempts, err := store.Block(context.Background(), key)
		if err != nil {
			t.Fatalf("Block() iteration %d error = %v", i, err)
		}
		lastAttempts = attempts
	}
	if lastAttempts != 6 {
		t.Errorf("Block() attempts after 6 calls = %d, want 6", lastAttempts)
	}
}

func TestRedisScopedBackoffStore_ClearResetsState(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisScopedBackoffStore(client)
	key := domain.ScopedBackoffKey{ReceiverDomain: "gmail.com", SenderDomain: "mail1.example.com"}

	if _, _, err := store.Block(context.Background(), key); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if err := store.Clear(context.Background(), key); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	ready, _, attempts, err := store.Ready(context.Background(), key)
	if err != nil {
		t.Fatalf("Ready() after Clear() error = %v", err)
	}
	if !ready {
		t.Error("Ready() after Clear() = false, want true")
	}
	if attempts != 0 {
		t.Errorf("Ready() after Clear() attempts = %d, want 0", attempts)
	}
}

func TestInMemoryScopedBackoffStore_ReadyBlockClear(t *testing.T) {
	store := NewInMemoryScopedBackoffStore()
	key := domain.ScopedBackoffKey{ReceiverDomain: "outlook.com", SenderDomain: "mail3.example.com"}

	ready, _, _, err := store.Ready(context.Background(), key)
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if !ready {
		t.Error("Ready() on unseen key = false, want true")
	}

	nextRetry, attempts, err := store.Block(context.Background(), key)
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("Block() attempts = %d, want 1", attempts)
	}
	if !nextRetry.After(time.Now()) {
		t.Error("Block() nextRetry is not in the future")
	}

	ready, _, _, err = store.Ready(context.Background(), key)
	if err != nil {
		t.Fatalf("Ready() after Block() error = %v", err)
	}
	if ready {
		t.Error("Ready() immediately after Block() = true, want false")
	}

	if err := store.Clear(context.Background(), key); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	ready, _, attempts, err = store.Ready(context.Background(), key)
	if err != nil {
		t.Fatalf("Ready() after Clear() error = %v", err)
	}
	if !ready || attempts != 0 {
		t.Errorf("Ready() after Clear() = (%v, attempts=%d), want (true, 0)", ready, attempts)
	}
}

func TestNewScopedBackoffStore_FallsBackWithoutRedis(t *testing.T) {
	store := NewScopedBackoffStore(nil)
	if _, ok := store.(*InMemoryScopedBackoffStore); !ok {
		t.Errorf("NewScopedBackoffStore(nil) = %T, want *InMemoryScopedBackoffStore", store)
	}
}

func TestNewScopedBackoffStore_PrefersRedis(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewScopedBackoffStore(client)
	if _, ok := store.(*RedisScopedBackoffStore); !ok {
		t.Errorf("NewScopedBackoffStore(client) = %T, want *RedisScopedBackoffStore", store)
	}
}

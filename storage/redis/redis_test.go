package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	client := setupTestRedis(t)
	storage, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("New() with nil client should fail")
	}

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.config.KeyPrefix != "entitlements:" {
		t.Errorf("KeyPrefix = %q, want default", s.config.KeyPrefix)
	}
	if got := s.emailKey("Jane@Example.COM"); got != "entitlements:email:jane@example.com" {
		t.Errorf("emailKey = %q", got)
	}
}

func TestStorage_Accounts(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.GetAccount(ctx, "u1"); !errors.Is(err, entitlement.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}

	_ = storage.InsertAccount(ctx, &entitlement.Account{ID: "u1", Email: "Shared@Example.com", BillingCustomerID: "cus_1"})
	_ = storage.InsertAccount(ctx, &entitlement.Account{ID: "u2", Email: "shared@example.com"})

	got, err := storage.FindByCustomerID(ctx, "cus_1")
	if err != nil || got.ID != "u1" {
		t.Fatalf("FindByCustomerID = %v, %v; want u1", got, err)
	}

	matches, err := storage.FindByEmail(ctx, "SHARED@example.com")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("FindByEmail matched %d accounts, want 2", len(matches))
	}

	// Moving the customer id leaves the old index entry stale
	got.BillingCustomerID = "cus_2"
	got.CreditBalance = 5
	if err := storage.UpdateAccount(ctx, got); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}
	if _, err := storage.FindByCustomerID(ctx, "cus_1"); !errors.Is(err, entitlement.ErrAccountNotFound) {
		t.Errorf("stale customer index should miss, got %v", err)
	}
	moved, err := storage.FindByCustomerID(ctx, "cus_2")
	if err != nil || moved.CreditBalance != 5 {
		t.Errorf("FindByCustomerID(cus_2) = %v, %v", moved, err)
	}

	stale := *got
	stale.Version--
	if err := storage.UpdateAccount(ctx, &stale); !errors.Is(err, entitlement.ErrAccountConflict) {
		t.Errorf("Expected ErrAccountConflict for a stale version, got %v", err)
	}

	err = storage.UpdateAccount(ctx, &entitlement.Account{ID: "ghost"})
	if !errors.Is(err, entitlement.ErrAccountNotFound) {
		t.Fatalf("Expected ErrAccountNotFound, got %v", err)
	}
	if _, err := storage.GetAccount(ctx, "ghost"); !errors.Is(err, entitlement.ErrAccountNotFound) {
		t.Error("UpdateAccount must not create accounts")
	}
}

func TestStorage_Events(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.GetEvent(ctx, "evt_1"); !errors.Is(err, entitlement.ErrEventNotFound) {
		t.Errorf("Expected ErrEventNotFound, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	ev := &entitlement.BillingEvent{
		EventID:    "evt_1",
		EventType:  "invoice.paid",
		Status:     entitlement.StatusDone,
		ReceivedAt: now,
		Effect:     entitlement.EffectRenewal,
		Attempts:   1,
	}
	if err := storage.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent failed: %v", err)
	}

	got, err := storage.GetEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if got.Status != entitlement.StatusDone || got.Effect != entitlement.EffectRenewal || !got.ReceivedAt.Equal(now) {
		t.Errorf("GetEvent = %+v", got)
	}
}

func TestStorage_ClaimEvent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	claim := func(id string, at time.Time) *entitlement.BillingEvent {
		return &entitlement.BillingEvent{
			EventID:   id,
			EventType: "invoice.paid",
			Status:    entitlement.StatusProcessing,
			ClaimedAt: &at,
			Attempts:  1,
		}
	}

	res, err := storage.ClaimEvent(ctx, claim("evt_1", now), now.Add(-time.Minute))
	if err != nil || res != entitlement.ClaimAcquired {
		t.Fatalf("first claim = %v, %v; want acquired", res, err)
	}

	res, err = storage.ClaimEvent(ctx, claim("evt_1", now.Add(time.Second)), now.Add(-time.Minute))
	if err != nil || res != entitlement.ClaimInFlight {
		t.Errorf("fresh claim = %v, %v; want in_flight", res, err)
	}

	// once the holder is older than staleBefore the row can be taken over
	res, err = storage.ClaimEvent(ctx, claim("evt_1", now.Add(time.Minute)), now.Add(time.Second))
	if err != nil || res != entitlement.ClaimAcquired {
		t.Errorf("stale takeover = %v, %v; want acquired", res, err)
	}

	done := claim("evt_1", now)
	done.Status = entitlement.StatusDone
	if err := storage.PutEvent(ctx, done); err != nil {
		t.Fatalf("PutEvent failed: %v", err)
	}
	res, err = storage.ClaimEvent(ctx, claim("evt_1", now.Add(time.Hour)), now.Add(time.Hour))
	if err != nil || res != entitlement.ClaimDone {
		t.Errorf("claim on done = %v, %v; want done", res, err)
	}
}

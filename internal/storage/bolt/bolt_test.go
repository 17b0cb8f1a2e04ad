package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bark-labs/apns-relay/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBlacklistRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	record := &storage.BlacklistedToken{
		Token:         "aa11",
		Source:        "feedback service",
		BlacklistedAt: at,
	}
	if err := store.UpsertBlacklistedToken(ctx, record); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetBlacklistedToken(ctx, "aa11")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Source != "feedback service" || !got.BlacklistedAt.Equal(at) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped")
	}
}

func TestGetMissingTokenReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetBlacklistedToken(context.Background(), "absent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRefreshesExistingToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &storage.BlacklistedToken{Token: "aa11", Source: "feedback service"}
	if err := store.UpsertBlacklistedToken(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second := &storage.BlacklistedToken{Token: "aa11", Source: "error report"}
	if err := store.UpsertBlacklistedToken(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	records, err := store.ListBlacklistedTokens(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single record, got %d", len(records))
	}
	if records[0].Source != "error report" {
		t.Fatalf("upsert did not refresh: %+v", records[0])
	}
}

func TestDeleteBlacklistedToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := &storage.BlacklistedToken{Token: "aa11"}
	if err := store.UpsertBlacklistedToken(ctx, record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.DeleteBlacklistedToken(ctx, "aa11"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetBlacklistedToken(ctx, "aa11"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting a missing token is a no-op.
	if err := store.DeleteBlacklistedToken(ctx, "aa11"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestPushHistoryKeepsInsertionOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, status := range []string{storage.PushStatusDelivered, storage.PushStatusFailed, storage.PushStatusRejected} {
		err := store.AppendPushRecord(ctx, &storage.PushRecord{Token: "aa11", Alert: "hi", Status: status})
		if err != nil {
			t.Fatalf("append %s: %v", status, err)
		}
	}

	records, err := store.ListPushRecords(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	want := []string{storage.PushStatusDelivered, storage.PushStatusFailed, storage.PushStatusRejected}
	for i, record := range records {
		if record.Status != want[i] {
			t.Fatalf("record %d status %s, want %s", i, record.Status, want[i])
		}
		if record.ID != uint64(i+1) {
			t.Fatalf("record %d id %d", i, record.ID)
		}
	}
}

func TestCancelledContextShortCircuits(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.UpsertBlacklistedToken(ctx, &storage.BlacklistedToken{Token: "aa11"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.ListPushRecords(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

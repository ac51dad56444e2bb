package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func saveAt(t *testing.T, storage *Storage, id string, at time.Time) {
	t.Helper()

	msg := &Message{ID: id, BatchID: "b1", Mode: "capture", CapturedAt: at}
	if err := storage.Save(context.Background(), msg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestStoragePrune(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	saveAt(t, storage, "old-1", now.Add(-48*time.Hour))
	saveAt(t, storage, "old-2", now.Add(-25*time.Hour))
	for i := 0; i < 4; i++ {
		saveAt(t, storage, fmt.Sprintf("new-%d", i), now.Add(-time.Duration(4-i)*time.Minute))
	}

	deleted, err := storage.Prune(ctx, 24*time.Hour, 0)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("Prune() by age deleted %d, want 2", deleted)
	}

	deleted, err = storage.Prune(ctx, 0, 3)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Prune() by count deleted %d, want 1", deleted)
	}

	// The oldest of the recent messages went first
	if msg, _ := storage.Get(ctx, "new-0"); msg != nil {
		t.Error("new-0 should have been pruned")
	}
	if msg, _ := storage.Get(ctx, "new-3"); msg == nil {
		t.Error("new-3 should be kept")
	}

	deleted, _ = storage.Prune(ctx, 0, 0)
	if deleted != 0 {
		t.Errorf("Prune() without bounds deleted %d, want 0", deleted)
	}
}

func TestCleaner(t *testing.T) {
	storage := newTestStorage(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	saveAt(t, storage, "old", time.Now().Add(-2*time.Hour))
	saveAt(t, storage, "new", time.Now())

	c := NewCleaner(storage, CleanerConfig{MaxAge: time.Hour}, logger)
	if got := c.RunOnce(context.Background()); got != 1 {
		t.Errorf("RunOnce() = %d, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Stop()
	c.Stop()
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()

	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func newDraft(id string, priority int, start time.Time, customers ...string) *Draft {
	return &Draft{
		Batch: &Batch{
			ID:          id,
			TemplateID:  "tpl-1",
			CustomerIDs: customers,
			StartTime:   start,
			Priority:    priority,
		},
	}
}

func TestBoltStorage(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	if err := storage.Create(ctx, []*Draft{newDraft("b1", 0, now, "c1", "c2")}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := storage.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Get().Status = %v, want %v", got.Status, StatusPending)
	}
	if got.Seq == 0 {
		t.Error("Get().Seq should be assigned")
	}
	if got.PendingCount() != 2 {
		t.Errorf("PendingCount() = %d, want 2", got.PendingCount())
	}

	// Test Get nonexistent
	if _, err := storage.Get(ctx, "nonexistent"); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("Get() error = %v, want ErrBatchNotFound", err)
	}

	deliveries, err := storage.Deliveries(ctx, "b1")
	if err != nil {
		t.Fatalf("Deliveries() error = %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("Deliveries() returned %d records, want 2", len(deliveries))
	}
	if deliveries[0].CustomerID != "c1" || deliveries[1].CustomerID != "c2" {
		t.Errorf("Deliveries() order = %s,%s, want c1,c2", deliveries[0].CustomerID, deliveries[1].CustomerID)
	}

	// Claim
	claimed, err := storage.Claim(ctx, now, 1)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed == nil || claimed.ID != "b1" {
		t.Fatalf("Claim() = %v, want b1", claimed)
	}
	if claimed.Status != StatusSending {
		t.Errorf("Claim().Status = %v, want %v", claimed.Status, StatusSending)
	}
	if claimed.Attempts != 1 {
		t.Errorf("Claim().Attempts = %d, want 1", claimed.Attempts)
	}

	// Nothing else to claim
	empty, err := storage.Claim(ctx, now, 0)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if empty != nil {
		t.Error("Claim() expected nil with no pending batches")
	}

	if _, err := storage.RecordDelivery(ctx, "b1", 0, Outcome{Success: true, At: now}); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}

	// Finalize with a recipient left must fail
	if _, err := storage.Finalize(ctx, "b1", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Finalize() error = %v, want ErrInvalidTransition", err)
	}

	updated, err := storage.RecordDelivery(ctx, "b1", 1, Outcome{Error: "boom", At: now})
	if err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	if updated.SuccessCount != 1 || updated.FailedCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", updated.SuccessCount, updated.FailedCount)
	}

	final, err := storage.Finalize(ctx, "b1", now)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if final.Status != StatusFailed {
		t.Errorf("Finalize().Status = %v, want %v", final.Status, StatusFailed)
	}
	if final.CompletedAt == nil {
		t.Error("Finalize() should set CompletedAt")
	}

	deliveries, _ = storage.Deliveries(ctx, "b1")
	if deliveries[0].Status != DeliverySent || deliveries[0].SentAt == nil {
		t.Errorf("delivery 0 = %v, want sent with timestamp", deliveries[0].Status)
	}
	if deliveries[1].Status != DeliveryFailed || deliveries[1].Error != "boom" {
		t.Errorf("delivery 1 = %v %q, want failed boom", deliveries[1].Status, deliveries[1].Error)
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v, want 1 total 1 failed", stats)
	}
	if stats.MessagesSent != 1 || stats.MessagesFailed != 1 {
		t.Errorf("Stats() messages = %d/%d, want 1/1", stats.MessagesSent, stats.MessagesFailed)
	}
}

func TestBoltStorageCreateValidation(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name   string
		drafts []*Draft
		want   error
	}{
		{"no drafts", nil, ErrEmptyCustomerList},
		{"empty customers", []*Draft{newDraft("x", 0, now)}, ErrEmptyCustomerList},
		{"negative priority", []*Draft{newDraft("x", -1, now, "c1")}, ErrInvalidConfiguration},
		{
			"mismatched deliveries",
			[]*Draft{{
				Batch:      newDraft("x", 0, now, "c1").Batch,
				Deliveries: []*Delivery{{CustomerID: "c2"}},
			}},
			ErrInvalidConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := storage.Create(ctx, tt.drafts); !errors.Is(err, tt.want) {
				t.Errorf("Create() error = %v, want %v", err, tt.want)
			}
		})
	}

	// A bad draft anywhere rejects the whole set
	drafts := []*Draft{
		newDraft("ok", 0, now, "c1"),
		newDraft("bad", 0, now),
	}
	if err := storage.Create(ctx, drafts); err == nil {
		t.Fatal("Create() expected error")
	}
	if _, err := storage.Get(ctx, "ok"); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("Get(ok) error = %v, want ErrBatchNotFound", err)
	}
}

func TestBoltStorageCreateDuplicateRollsBack(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	if err := storage.Create(ctx, []*Draft{newDraft("dup", 0, now, "c1")}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := storage.Create(ctx, []*Draft{
		newDraft("fresh", 0, now, "c2"),
		newDraft("dup", 0, now, "c3"),
	})
	if err == nil {
		t.Fatal("Create() expected duplicate error")
	}

	if _, err := storage.Get(ctx, "fresh"); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("Get(fresh) error = %v, want ErrBatchNotFound", err)
	}
}

func TestBoltStorageClaimOrder(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	drafts := []*Draft{
		newDraft("late", 5, base.Add(time.Hour), "c1"),
		newDraft("low-early", 0, base.Add(-2*time.Minute), "c2"),
		newDraft("low-first", 0, base.Add(-5*time.Minute), "c3"),
		newDraft("high", 2, base, "c4"),
		newDraft("low-first-2", 0, base.Add(-5*time.Minute), "c5"),
	}
	if err := storage.Create(ctx, drafts); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var order []string
	for {
		b, err := storage.Claim(ctx, base, 0)
		if err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if b == nil {
			break
		}
		order = append(order, b.ID)
	}

	want := []string{"high", "low-first", "low-first-2", "low-early"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("claim order = %v, want %v", order, want)
	}

	// The future batch becomes eligible once its start time passes
	b, err := storage.Claim(ctx, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if b == nil || b.ID != "late" {
		t.Errorf("Claim() = %v, want late", b)
	}
}

func TestBoltStorageClaimMaxActive(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	storage.Create(ctx, []*Draft{
		newDraft("a", 0, now, "c1"),
		newDraft("b", 0, now, "c2"),
	})

	first, err := storage.Claim(ctx, now, 1)
	if err != nil || first == nil {
		t.Fatalf("Claim() = %v, %v", first, err)
	}

	second, err := storage.Claim(ctx, now, 1)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if second != nil {
		t.Errorf("Claim() = %s, want nil while a batch is sending", second.ID)
	}

	storage.RecordDelivery(ctx, first.ID, 0, Outcome{Success: true})
	if _, err := storage.Finalize(ctx, first.ID, now); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	second, err = storage.Claim(ctx, now, 1)
	if err != nil || second == nil {
		t.Fatalf("Claim() = %v, %v", second, err)
	}
}

func TestBoltStorageRecordDeliveryGuards(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	storage.Create(ctx, []*Draft{newDraft("b1", 0, now, "c1")})

	// Not sending yet
	if _, err := storage.RecordDelivery(ctx, "b1", 0, Outcome{Success: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("RecordDelivery() error = %v, want ErrInvalidTransition", err)
	}

	storage.Claim(ctx, now, 0)

	if _, err := storage.RecordDelivery(ctx, "b1", 0, Outcome{Success: true}); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}

	// Already sent
	if _, err := storage.RecordDelivery(ctx, "b1", 0, Outcome{Success: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("RecordDelivery() error = %v, want ErrInvalidTransition", err)
	}

	if _, err := storage.RecordDelivery(ctx, "b1", 7, Outcome{Success: true}); err == nil {
		t.Error("RecordDelivery() expected error for unknown position")
	}
}

func TestBoltStorageReschedule(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	storage.Create(ctx, []*Draft{
		newDraft("failing", 0, now, "c1", "c2"),
		newDraft("other", 3, now.Add(time.Hour), "c3"),
	})

	// Only failed batches can be rescheduled
	if _, err := storage.Reschedule(ctx, "failing", now); !errors.Is(err, ErrNotReschedulable) {
		t.Errorf("Reschedule() error = %v, want ErrNotReschedulable", err)
	}
	if _, err := storage.Reschedule(ctx, "missing", now); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("Reschedule() error = %v, want ErrBatchNotFound", err)
	}

	storage.Claim(ctx, now, 0)
	storage.RecordDelivery(ctx, "failing", 0, Outcome{Success: true})
	storage.RecordDelivery(ctx, "failing", 1, Outcome{Error: "unreachable"})
	storage.Finalize(ctx, "failing", now)

	later := now.Add(time.Minute)
	b, err := storage.Reschedule(ctx, "failing", later)
	if err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
	if b.Status != StatusPending {
		t.Errorf("Reschedule().Status = %v, want %v", b.Status, StatusPending)
	}
	if b.Priority != 4 {
		t.Errorf("Reschedule().Priority = %d, want 4", b.Priority)
	}
	if !b.StartTime.Equal(later) {
		t.Errorf("Reschedule().StartTime = %v, want %v", b.StartTime, later)
	}
	if b.SuccessCount != 1 || b.FailedCount != 1 {
		t.Errorf("counters = %d/%d, want preserved 1/1", b.SuccessCount, b.FailedCount)
	}

	// Rescheduling a pending batch again is rejected
	if _, err := storage.Reschedule(ctx, "failing", later); !errors.Is(err, ErrNotReschedulable) {
		t.Errorf("Reschedule() error = %v, want ErrNotReschedulable", err)
	}

	claimed, _ := storage.Claim(ctx, later, 0)
	if claimed == nil || claimed.ID != "failing" {
		t.Fatalf("Claim() = %v, want failing", claimed)
	}

	// The retry resolves the failed recipient
	b, err = storage.RecordDelivery(ctx, "failing", 1, Outcome{Success: true})
	if err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	if b.SuccessCount != 2 || b.FailedCount != 0 {
		t.Errorf("counters = %d/%d, want 2/0", b.SuccessCount, b.FailedCount)
	}

	b, _ = storage.Finalize(ctx, "failing", later)
	if b.Status != StatusCompleted {
		t.Errorf("Finalize().Status = %v, want %v", b.Status, StatusCompleted)
	}
}

func TestBoltStorageRescheduleMinimumPriority(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	storage.Create(ctx, []*Draft{newDraft("only", 0, now, "c1")})
	storage.Claim(ctx, now, 0)
	storage.RecordDelivery(ctx, "only", 0, Outcome{Error: "x"})
	storage.Finalize(ctx, "only", now)

	b, err := storage.Reschedule(ctx, "only", now)
	if err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
	if b.Priority != 1 {
		t.Errorf("Reschedule().Priority = %d, want 1", b.Priority)
	}
}

func TestBoltStorageRecoverSending(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	now := time.Now()

	storage, err := NewBoltStorage(dbPath)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}

	storage.Create(ctx, []*Draft{newDraft("b1", 0, now, "c1", "c2", "c3")})
	storage.Claim(ctx, now, 0)
	storage.RecordDelivery(ctx, "b1", 0, Outcome{Success: true})
	storage.Close()

	// Reopen as a restarted process would
	storage, err = NewBoltStorage(dbPath)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	defer storage.Close()

	recovered, err := storage.RecoverSending(ctx, now)
	if err != nil {
		t.Fatalf("RecoverSending() error = %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("RecoverSending() returned %d batches, want 1", len(recovered))
	}

	b, _ := storage.Get(ctx, "b1")
	if b.Status != StatusFailed {
		t.Errorf("Status = %v, want %v", b.Status, StatusFailed)
	}
	if b.SuccessCount != 1 || b.FailedCount != 2 {
		t.Errorf("counters = %d/%d, want 1/2", b.SuccessCount, b.FailedCount)
	}

	deliveries, _ := storage.Deliveries(ctx, "b1")
	if deliveries[2].Error != "interrupted" {
		t.Errorf("delivery error = %q, want interrupted", deliveries[2].Error)
	}

	// The sending index is clear, so new claims are admitted
	storage.Create(ctx, []*Draft{newDraft("b2", 0, now, "c4")})
	claimed, _ := storage.Claim(ctx, now, 1)
	if claimed == nil || claimed.ID != "b2" {
		t.Errorf("Claim() = %v, want b2", claimed)
	}
}

func TestBoltStorageAbort(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	storage.Create(ctx, []*Draft{
		newDraft("b1", 1, now, "c1", "c2", "c3"),
		newDraft("b2", 0, now, "c4"),
	})

	if _, err := storage.Abort(ctx, "b1", AbortedError, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Abort() on pending batch error = %v, want ErrInvalidTransition", err)
	}
	if _, err := storage.Abort(ctx, "missing", AbortedError, now); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("Abort() on missing batch error = %v, want ErrBatchNotFound", err)
	}

	storage.Claim(ctx, now, 1)
	storage.RecordDelivery(ctx, "b1", 0, Outcome{Success: true})

	b, err := storage.Abort(ctx, "b1", AbortedError, now)
	if err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if b.Status != StatusFailed || b.CompletedAt == nil {
		t.Errorf("Abort() = %v, want failed with completion time", b.Status)
	}
	if b.SuccessCount != 1 || b.FailedCount != 2 {
		t.Errorf("counters = %d/%d, want 1/2", b.SuccessCount, b.FailedCount)
	}

	deliveries, _ := storage.Deliveries(ctx, "b1")
	if deliveries[1].Error != AbortedError || deliveries[1].Status != DeliveryFailed {
		t.Errorf("delivery = %s/%q, want failed/aborted", deliveries[1].Status, deliveries[1].Error)
	}

	// The lane is free again
	claimed, _ := storage.Claim(ctx, now, 1)
	if claimed == nil || claimed.ID != "b2" {
		t.Errorf("Claim() = %v, want b2", claimed)
	}

	// An aborted batch can be rescheduled like any failed one
	if _, err := storage.Reschedule(ctx, "b1", now); err != nil {
		t.Errorf("Reschedule() error = %v", err)
	}
}

func TestBoltStorageList(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		d := newDraft(fmt.Sprintf("b%d", i), 0, now, "c1")
		if i%2 == 0 {
			d.Batch.CampaignID = "camp-a"
		}
		storage.Create(ctx, []*Draft{d})
	}

	all, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("List() returned %d batches, want 5", len(all))
	}
	if all[0].ID != "b4" {
		t.Errorf("List()[0] = %s, want newest b4", all[0].ID)
	}

	limited, _ := storage.List(ctx, ListFilter{Limit: 2, Offset: 1})
	if len(limited) != 2 || limited[0].ID != "b3" {
		t.Errorf("List(limit 2 offset 1) = %d items", len(limited))
	}

	campaign, _ := storage.List(ctx, ListFilter{CampaignID: "camp-a"})
	if len(campaign) != 3 {
		t.Errorf("List(campaign) returned %d, want 3", len(campaign))
	}

	storage.Claim(ctx, now, 0)
	sending, _ := storage.List(ctx, ListFilter{Status: StatusSending})
	if len(sending) != 1 {
		t.Errorf("List(sending) returned %d, want 1", len(sending))
	}

	beyond, _ := storage.List(ctx, ListFilter{Offset: 10})
	if len(beyond) != 0 {
		t.Errorf("List(offset 10) returned %d, want 0", len(beyond))
	}
}

func TestBoltStorageCorruptRecord(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	storage.Create(ctx, []*Draft{newDraft("b1", 0, now.Add(-time.Minute), "c1")})

	err := storage.DB().Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBatches).Put([]byte("bad"), []byte("{not json")); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put([]byte("bad"), nil)
	})
	if err != nil {
		t.Fatalf("failed to write corrupt record: %v", err)
	}

	if _, err := storage.List(ctx, ListFilter{}); err == nil {
		t.Error("List() should report the corrupt record")
	}
	if _, err := storage.Stats(ctx); err == nil {
		t.Error("Stats() should report the corrupt record")
	}

	// Claim skips it without dropping it from the index
	claimed, err := storage.Claim(ctx, now, 0)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed == nil || claimed.ID != "b1" {
		t.Fatalf("Claim() = %v, want b1", claimed)
	}

	storage.DB().View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPending).Get([]byte("bad")) == nil {
			t.Error("corrupt batch was removed from the pending index")
		}
		return nil
	})
}

func TestBoltStorageClaimIdleDoesNotWaitForWriter(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	storage.Create(ctx, []*Draft{newDraft("later", 0, now.Add(time.Hour), "c1")})

	// Hold the single writer lock
	holding := make(chan struct{})
	release := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		storage.DB().Update(func(tx *bolt.Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	result := make(chan *Batch, 1)
	go func() {
		b, _ := storage.Claim(ctx, now, 1)
		result <- b
	}()

	select {
	case b := <-result:
		if b != nil {
			t.Errorf("Claim() = %v, want nil for a future batch", b.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("Claim() with nothing due waited for the writer")
	}

	close(release)
	<-writerDone
}

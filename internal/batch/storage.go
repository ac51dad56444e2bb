package batch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBatches    = []byte("batches")
	bucketPending    = []byte("pending")
	bucketSending    = []byte("sending")
	bucketDeliveries = []byte("deliveries")
)

// BoltStorage implements Store using BoltDB.
//
// bbolt allows a single writer at a time, so every Update below is
// serialized against every other one. Readers run in View transactions
// against a consistent snapshot and never block the writer.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the database at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := NewBoltStorageFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewBoltStorageFromDB creates the batch buckets in an already open database
func NewBoltStorageFromDB(db *bolt.DB) (*BoltStorage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBatches, bucketPending, bucketSending, bucketDeliveries} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Create persists drafts as pending batches
func (s *BoltStorage) Create(ctx context.Context, drafts []*Draft) error {
	if len(drafts) == 0 {
		return ErrEmptyCustomerList
	}

	// Validate everything before the write transaction so nothing partial is stored
	for _, d := range drafts {
		if err := validateDraft(d); err != nil {
			return err
		}
	}

	now := time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		pending := tx.Bucket(bucketPending)
		deliveriesRoot := tx.Bucket(bucketDeliveries)

		for _, d := range drafts {
			b := d.Batch
			if b.ID == "" {
				b.ID = uuid.New().String()
			}
			if batches.Get([]byte(b.ID)) != nil {
				return fmt.Errorf("batch %s already exists", b.ID)
			}

			seq, err := batches.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate sequence: %w", err)
			}

			b.Seq = seq
			b.Status = StatusPending
			b.SuccessCount = 0
			b.FailedCount = 0
			b.Attempts = 0
			b.CreatedAt = now
			b.UpdatedAt = now
			b.CompletedAt = nil

			if err := putBatch(batches, b); err != nil {
				return err
			}
			if err := pending.Put([]byte(b.ID), nil); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}

			records, err := deliveriesRoot.CreateBucket([]byte(b.ID))
			if err != nil {
				return fmt.Errorf("failed to create deliveries for batch %s: %w", b.ID, err)
			}

			deliveries := d.Deliveries
			if deliveries == nil {
				deliveries = make([]*Delivery, len(b.CustomerIDs))
				for i, id := range b.CustomerIDs {
					deliveries[i] = &Delivery{CustomerID: id}
				}
			}

			for i, dl := range deliveries {
				dl.Position = i
				dl.Status = DeliveryPending
				dl.Attempts = 0
				dl.Error = ""
				dl.SentAt = nil
				dl.UpdatedAt = now
				if err := putDelivery(records, dl); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func validateDraft(d *Draft) error {
	if d == nil || d.Batch == nil {
		return fmt.Errorf("%w: nil batch", ErrInvalidConfiguration)
	}
	b := d.Batch
	if len(b.CustomerIDs) == 0 {
		return ErrEmptyCustomerList
	}
	if b.TemplateID == "" {
		return fmt.Errorf("%w: template id is required", ErrInvalidConfiguration)
	}
	if b.Priority < 0 {
		return fmt.Errorf("%w: priority must not be negative, got %d", ErrInvalidConfiguration, b.Priority)
	}
	if d.Deliveries != nil {
		if len(d.Deliveries) != len(b.CustomerIDs) {
			return fmt.Errorf("%w: %d deliveries for %d customers", ErrInvalidConfiguration, len(d.Deliveries), len(b.CustomerIDs))
		}
		for i, dl := range d.Deliveries {
			if dl.CustomerID != b.CustomerIDs[i] {
				return fmt.Errorf("%w: delivery %d is for customer %s, want %s", ErrInvalidConfiguration, i, dl.CustomerID, b.CustomerIDs[i])
			}
		}
	}
	return nil
}

// Get retrieves a batch by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Batch, error) {
	var b *Batch

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		b, err = getBatch(tx.Bucket(bucketBatches), id)
		return err
	})

	return b, err
}

// List returns batches matching the filter, newest first
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Batch, error) {
	var all []*Batch

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatches).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var b Batch
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("failed to unmarshal batch %s: %w", k, err)
			}

			if filter.Status != "" && b.Status != filter.Status {
				continue
			}
			if filter.CampaignID != "" && b.CampaignID != filter.CampaignID {
				continue
			}

			all = append(all, &b)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Seq > all[j].Seq })

	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}

	return all, nil
}

// Deliveries returns the per-recipient records of a batch in list order
func (s *BoltStorage) Deliveries(ctx context.Context, id string) ([]*Delivery, error) {
	var deliveries []*Delivery

	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBatches).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}

		records := tx.Bucket(bucketDeliveries).Bucket([]byte(id))
		if records == nil {
			return nil
		}

		// Big-endian position keys iterate in recipient order
		return records.ForEach(func(k, v []byte) error {
			var d Delivery
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("failed to unmarshal delivery: %w", err)
			}
			deliveries = append(deliveries, &d)
			return nil
		})
	})

	return deliveries, err
}

// Claim selects the next eligible batch and flips it to sending
func (s *BoltStorage) Claim(ctx context.Context, now time.Time, maxActive int) (*Batch, error) {
	// Most ticks find nothing due, so look before taking the write lock
	due, err := s.claimable(now, maxActive)
	if err != nil || !due {
		return nil, err
	}

	var claimed *Batch

	err = s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		pending := tx.Bucket(bucketPending)
		sending := tx.Bucket(bucketSending)

		if maxActive > 0 && countKeys(sending) >= maxActive {
			return nil
		}

		var best *Batch
		var stale [][]byte
		c := pending.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			b, err := getBatch(batches, string(k))
			if errors.Is(err, ErrBatchNotFound) {
				// Stale index entry, the batch record is gone
				stale = append(stale, append([]byte{}, k...))
				continue
			}
			if err != nil {
				continue
			}

			if !b.Eligible(now) {
				continue
			}
			if best == nil || dispatchBefore(b, best) {
				best = b
			}
		}

		for _, k := range stale {
			if err := pending.Delete(k); err != nil {
				return err
			}
		}

		if best == nil {
			return nil
		}

		best.Status = StatusSending
		best.Attempts++
		best.UpdatedAt = now

		if err := putBatch(batches, best); err != nil {
			return err
		}
		if err := pending.Delete([]byte(best.ID)); err != nil {
			return fmt.Errorf("failed to remove from pending index: %w", err)
		}
		if err := sending.Put([]byte(best.ID), nil); err != nil {
			return fmt.Errorf("failed to add to sending index: %w", err)
		}

		claimed = best
		return nil
	})

	return claimed, err
}

// claimable reports whether a lane is free and the pending index holds a
// due batch or a stale entry to clean up
func (s *BoltStorage) claimable(now time.Time, maxActive int) (bool, error) {
	var due bool

	err := s.db.View(func(tx *bolt.Tx) error {
		if maxActive > 0 && countKeys(tx.Bucket(bucketSending)) >= maxActive {
			return nil
		}

		batches := tx.Bucket(bucketBatches)
		c := tx.Bucket(bucketPending).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			b, err := getBatch(batches, string(k))
			if errors.Is(err, ErrBatchNotFound) || (err == nil && b.Eligible(now)) {
				due = true
				return nil
			}
		}
		return nil
	})

	return due, err
}

// RecordDelivery stores the outcome of one recipient and updates the counters
func (s *BoltStorage) RecordDelivery(ctx context.Context, id string, position int, outcome Outcome) (*Batch, error) {
	var updated *Batch

	if outcome.At.IsZero() {
		outcome.At = time.Now()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)

		b, err := getBatch(batches, id)
		if err != nil {
			return err
		}
		if b.Status != StatusSending {
			return fmt.Errorf("%w: cannot record delivery for %s batch %s", ErrInvalidTransition, b.Status, id)
		}

		records := tx.Bucket(bucketDeliveries).Bucket([]byte(id))
		if records == nil {
			return fmt.Errorf("deliveries for batch %s not found", id)
		}

		d, err := getDelivery(records, position)
		if err != nil {
			return err
		}

		switch d.Status {
		case DeliverySent:
			return fmt.Errorf("%w: recipient %d of batch %s already sent", ErrInvalidTransition, position, id)
		case DeliveryFailed:
			// A retry pass resolves a previous failure
			b.FailedCount--
		}

		d.Attempts++
		d.UpdatedAt = outcome.At
		if outcome.Success {
			at := outcome.At
			d.Status = DeliverySent
			d.Error = ""
			d.SentAt = &at
			b.SuccessCount++
		} else {
			d.Status = DeliveryFailed
			d.Error = outcome.Error
			b.FailedCount++
		}
		b.UpdatedAt = outcome.At

		if err := putDelivery(records, d); err != nil {
			return err
		}
		if err := putBatch(batches, b); err != nil {
			return err
		}

		updated = b
		return nil
	})

	return updated, err
}

// Finalize moves a sending batch to its terminal status
func (s *BoltStorage) Finalize(ctx context.Context, id string, now time.Time) (*Batch, error) {
	var updated *Batch

	err := s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)

		b, err := getBatch(batches, id)
		if err != nil {
			return err
		}
		if b.Status != StatusSending {
			return fmt.Errorf("%w: cannot finalize %s batch %s", ErrInvalidTransition, b.Status, id)
		}
		if b.PendingCount() != 0 {
			return fmt.Errorf("%w: batch %s has %d unattempted recipients", ErrInvalidTransition, id, b.PendingCount())
		}

		if b.FailedCount == 0 {
			b.Status = StatusCompleted
		} else {
			b.Status = StatusFailed
		}
		b.UpdatedAt = now
		b.CompletedAt = &now

		if err := putBatch(batches, b); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSending).Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to remove from sending index: %w", err)
		}

		updated = b
		return nil
	})

	return updated, err
}

// Reschedule moves a failed batch back to pending. Its priority is raised
// one level above every pending or sending batch (minimum 1) and its start
// time is reset to now. Recipients and counters are left untouched.
func (s *BoltStorage) Reschedule(ctx context.Context, id string, now time.Time) (*Batch, error) {
	var updated *Batch

	err := s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)

		b, err := getBatch(batches, id)
		if err != nil {
			return err
		}
		if b.Status != StatusFailed {
			return fmt.Errorf("%w: batch %s is %s", ErrNotReschedulable, id, b.Status)
		}

		maxPriority := 0
		for _, index := range [][]byte{bucketPending, bucketSending} {
			err := tx.Bucket(index).ForEach(func(k, _ []byte) error {
				other, err := getBatch(batches, string(k))
				if err != nil {
					return nil
				}
				if other.Priority > maxPriority {
					maxPriority = other.Priority
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		b.Priority = maxPriority + 1
		b.StartTime = now
		b.Status = StatusPending
		b.UpdatedAt = now
		b.CompletedAt = nil

		if err := putBatch(batches, b); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Put([]byte(id), nil); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}

		updated = b
		return nil
	})

	return updated, err
}

// RecoverSending fails every batch left in sending by a previous process.
// Recipients without an outcome are marked failed as "interrupted" so the
// counters add up, and nothing is resent until an explicit reschedule.
func (s *BoltStorage) RecoverSending(ctx context.Context, now time.Time) ([]*Batch, error) {
	var recovered []*Batch

	err := s.db.Update(func(tx *bolt.Tx) error {
		var ids [][]byte
		if err := tx.Bucket(bucketSending).ForEach(func(k, _ []byte) error {
			ids = append(ids, append([]byte{}, k...))
			return nil
		}); err != nil {
			return err
		}

		for _, k := range ids {
			b, err := failSending(tx, k, InterruptedError, now)
			if err != nil {
				return err
			}
			if b != nil {
				recovered = append(recovered, b)
			}
		}

		return nil
	})

	return recovered, err
}

// Abort fails one sending batch whose cycle could not complete. Recipients
// without an outcome are marked failed with reason.
func (s *BoltStorage) Abort(ctx context.Context, id string, reason string, now time.Time) (*Batch, error) {
	var aborted *Batch

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBatches).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		if tx.Bucket(bucketSending).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: batch %s is not sending", ErrInvalidTransition, id)
		}

		b, err := failSending(tx, []byte(id), reason, now)
		if err != nil {
			return err
		}
		aborted = b
		return nil
	})

	return aborted, err
}

// failSending removes k from the sending index and marks the batch failed,
// failing every recipient still pending. A missing batch record returns nil.
func failSending(tx *bolt.Tx, k []byte, reason string, now time.Time) (*Batch, error) {
	if err := tx.Bucket(bucketSending).Delete(k); err != nil {
		return nil, err
	}

	batches := tx.Bucket(bucketBatches)
	b, err := getBatch(batches, string(k))
	if err != nil {
		return nil, nil
	}

	if records := tx.Bucket(bucketDeliveries).Bucket(k); records != nil {
		var unsent []*Delivery
		c := records.Cursor()
		for rk, rv := c.First(); rk != nil; rk, rv = c.Next() {
			var d Delivery
			if err := json.Unmarshal(rv, &d); err != nil {
				return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
			}
			if d.Status == DeliveryPending {
				unsent = append(unsent, &d)
			}
		}

		for _, d := range unsent {
			d.Status = DeliveryFailed
			d.Error = reason
			d.UpdatedAt = now
			if err := putDelivery(records, d); err != nil {
				return nil, err
			}
			b.FailedCount++
		}
	}

	b.Status = StatusFailed
	b.UpdatedAt = now
	b.CompletedAt = &now

	if err := putBatch(batches, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Stats returns counts derived from the stored batches
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatches).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var b Batch
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("failed to unmarshal batch %s: %w", k, err)
			}

			stats.Total++
			stats.Recipients += int64(len(b.CustomerIDs))
			stats.MessagesSent += int64(b.SuccessCount)
			stats.MessagesFailed += int64(b.FailedCount)

			switch b.Status {
			case StatusPending:
				stats.Pending++
			case StatusSending:
				stats.Sending++
			case StatusCompleted:
				stats.Completed++
			case StatusFailed:
				stats.Failed++
			}
		}

		return nil
	})

	return stats, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Path returns the database file path
func (s *BoltStorage) Path() string {
	return s.db.Path()
}

func getBatch(bucket *bolt.Bucket, id string) (*Batch, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	b := &Batch{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return b, nil
}

func putBatch(bucket *bolt.Bucket, b *Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	if err := bucket.Put([]byte(b.ID), data); err != nil {
		return fmt.Errorf("failed to store batch: %w", err)
	}
	return nil
}

func getDelivery(bucket *bolt.Bucket, position int) (*Delivery, error) {
	data := bucket.Get(positionKey(position))
	if data == nil {
		return nil, fmt.Errorf("delivery %d not found", position)
	}

	d := &Delivery{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return d, nil
}

func putDelivery(bucket *bolt.Bucket, d *Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	if err := bucket.Put(positionKey(d.Position), data); err != nil {
		return fmt.Errorf("failed to store delivery: %w", err)
	}
	return nil
}

func countKeys(bucket *bolt.Bucket) int {
	n := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// positionKey encodes a recipient position as a sortable key
func positionKey(position int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(position))
	return key
}

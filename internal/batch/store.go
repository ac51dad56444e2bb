package batch

import (
	"context"
	"time"
)

// Store defines the batch store operations used by the dispatch engine
type Store interface {
	// Create persists drafts as pending batches in a single transaction.
	// Either every batch is written or none is.
	Create(ctx context.Context, drafts []*Draft) error

	// Get retrieves a batch by ID. Returns ErrBatchNotFound if missing.
	Get(ctx context.Context, id string) (*Batch, error)

	// List returns batches, newest first
	List(ctx context.Context, filter ListFilter) ([]*Batch, error)

	// Deliveries returns the per-recipient records of a batch in list order
	Deliveries(ctx context.Context, id string) ([]*Delivery, error)

	// Claim selects the next eligible batch and flips it to sending.
	// Returns nil, nil when nothing is eligible or maxActive batches are
	// already sending (maxActive <= 0 disables the check).
	Claim(ctx context.Context, now time.Time, maxActive int) (*Batch, error)

	// RecordDelivery stores the outcome for the recipient at position and
	// updates the batch counters in the same transaction
	RecordDelivery(ctx context.Context, id string, position int, outcome Outcome) (*Batch, error)

	// Finalize moves a sending batch to completed or failed
	Finalize(ctx context.Context, id string, now time.Time) (*Batch, error)

	// Reschedule moves a failed batch back to pending ahead of the others
	Reschedule(ctx context.Context, id string, now time.Time) (*Batch, error)

	// RecoverSending fails every batch left in sending by a previous process
	RecoverSending(ctx context.Context, now time.Time) ([]*Batch, error)

	// Abort fails a single sending batch whose cycle stopped on an error,
	// marking its unsent recipients failed with reason
	Abort(ctx context.Context, id string, reason string, now time.Time) (*Batch, error)

	// Stats returns counts derived from the stored batches
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the storage connection
	Close() error
}

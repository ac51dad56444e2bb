package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/foxzi/dispatchry/internal/batch"
	"github.com/foxzi/dispatchry/internal/events"
	"github.com/foxzi/dispatchry/internal/metrics"
)

// Rescheduler puts failed batches back in front of the queue
type Rescheduler struct {
	store  batch.Store
	events events.Publisher
	now    func() time.Time
	logger *slog.Logger
}

// NewRescheduler creates a new rescheduler
func NewRescheduler(store batch.Store, pub events.Publisher, logger *slog.Logger) *Rescheduler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Rescheduler{
		store:  store,
		events: pub,
		now:    time.Now,
		logger: logger,
	}
}

// Reschedule moves a failed batch to pending with a priority above every
// pending or sending batch and a start time of now. It returns
// batch.ErrBatchNotFound or batch.ErrNotReschedulable.
func (r *Rescheduler) Reschedule(ctx context.Context, id string) (*batch.Batch, error) {
	b, err := r.store.Reschedule(ctx, id, r.now())
	if err != nil {
		return nil, err
	}

	metrics.IncBatchesRescheduled()
	if err := r.events.Publish(ctx, events.NewBatchEvent(events.BatchRescheduled, b)); err != nil {
		r.logger.Warn("failed to publish event", "type", events.BatchRescheduled, "batch_id", b.ID, "error", err)
	}

	r.logger.Info("batch rescheduled", "batch_id", b.ID, "priority", b.Priority, "attempts", b.Attempts)
	return b, nil
}

// Recover fails every batch a previous process left in sending. It runs
// once at startup, before the scheduler, and never resends anything.
func Recover(ctx context.Context, store batch.Store, pub events.Publisher, logger *slog.Logger) ([]*batch.Batch, error) {
	if pub == nil {
		pub = events.Nop{}
	}

	recovered, err := store.RecoverSending(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	for _, b := range recovered {
		logger.Error("CrashRecoveryFailure: batch was sending at shutdown",
			"batch_id", b.ID,
			"success", b.SuccessCount,
			"failed", b.FailedCount,
			"recipients", b.Recipients(),
		)
		if err := pub.Publish(ctx, events.NewBatchEvent(events.BatchRecovered, b)); err != nil {
			logger.Warn("failed to publish event", "type", events.BatchRecovered, "batch_id", b.ID, "error", err)
		}
	}
	metrics.AddBatchesRecovered(len(recovered))

	return recovered, nil
}

// Package dispatch moves batches through their send cycle: the Scheduler
// claims eligible batches, the Sender delivers to each recipient and the
// Rescheduler re-queues failed batches ahead of the normal schedule.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/dispatchry/internal/batch"
	"github.com/foxzi/dispatchry/internal/events"
	"github.com/foxzi/dispatchry/internal/metrics"
	"github.com/foxzi/dispatchry/internal/transport"
)

// SenderConfig contains sender configuration
type SenderConfig struct {
	// SendTimeout bounds a single recipient delivery
	SendTimeout time.Duration
	// RatePerSecond throttles deliveries across all lanes, 0 disables it
	RatePerSecond float64
	Burst         int
}

// Sender delivers a claimed batch to its recipients in list order
type Sender struct {
	store       batch.Store
	transport   transport.Transport
	events      events.Publisher
	limiter     *rate.Limiter
	sendTimeout time.Duration
	logger      *slog.Logger
}

// NewSender creates a new batch sender
func NewSender(store batch.Store, t transport.Transport, pub events.Publisher, cfg SenderConfig, logger *slog.Logger) *Sender {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}

	s := &Sender{
		store:       store,
		transport:   t,
		events:      pub,
		sendTimeout: cfg.SendTimeout,
		logger:      logger,
	}

	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return s
}

// Send runs one send cycle for a batch already flipped to sending and
// finalizes it. Recipients already sent in an earlier cycle are skipped.
// When ctx is cancelled the cycle stops between recipients and the batch is
// left in sending for startup recovery. Any other error aborts the batch so
// it no longer holds a lane.
func (s *Sender) Send(ctx context.Context, b *batch.Batch) (*batch.Batch, error) {
	logger := s.logger.With("batch_id", b.ID, "attempt", b.Attempts)
	logger.Info("sending batch", "recipients", b.Recipients(), "priority", b.Priority)

	final, err := s.run(ctx, b, logger)
	if err == nil || ctx.Err() != nil {
		return final, err
	}

	logger.Error("send cycle failed, aborting batch", "error", err)

	aborted, abortErr := s.store.Abort(ctx, b.ID, batch.AbortedError, time.Now())
	if abortErr != nil {
		return nil, fmt.Errorf("%w (abort failed: %v)", err, abortErr)
	}

	metrics.IncBatchesFinished(string(aborted.Status))
	s.publish(ctx, events.BatchFinished, aborted)

	logger.Warn("batch aborted",
		"success", aborted.SuccessCount,
		"failed", aborted.FailedCount,
	)

	return aborted, err
}

func (s *Sender) run(ctx context.Context, b *batch.Batch, logger *slog.Logger) (*batch.Batch, error) {

	deliveries, err := s.store.Deliveries(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deliveries: %w", err)
	}

	for _, d := range deliveries {
		if d.Status == batch.DeliverySent {
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				logger.Warn("send cycle interrupted", "position", d.Position, "error", err)
				return nil, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("send cycle interrupted", "position", d.Position, "error", err)
			return nil, err
		}

		msg := &transport.Message{
			ID:         transport.MessageID(b.ID, d.Position),
			BatchID:    b.ID,
			Position:   d.Position,
			CustomerID: d.CustomerID,
			Name:       d.Name,
			Phone:      d.Phone,
			Email:      d.Email,
			Content:    d.Content,
		}

		start := time.Now()
		sendErr := s.deliver(ctx, msg)
		metrics.ObserveDeliveryDuration(s.transport.Name(), time.Since(start).Seconds())

		if ctx.Err() != nil {
			// Outcome unknown, recovery marks the recipient interrupted
			logger.Warn("send cycle interrupted", "position", d.Position, "error", ctx.Err())
			return nil, ctx.Err()
		}

		outcome := batch.Outcome{Success: sendErr == nil, At: time.Now()}
		if sendErr != nil {
			outcome.Error = sendErr.Error()
			metrics.IncDeliveries(s.transport.Name(), metrics.OutcomeFailed)
			logger.Warn("delivery failed",
				"position", d.Position,
				"customer_id", d.CustomerID,
				"temporary", transport.IsTemporaryError(sendErr),
				"error", sendErr,
			)
		} else {
			metrics.IncDeliveries(s.transport.Name(), metrics.OutcomeSent)
			logger.Debug("delivered", "position", d.Position, "customer_id", d.CustomerID)
		}

		if _, err := s.store.RecordDelivery(ctx, b.ID, d.Position, outcome); err != nil {
			return nil, fmt.Errorf("failed to record delivery %d: %w", d.Position, err)
		}
	}

	final, err := s.store.Finalize(ctx, b.ID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to finalize batch: %w", err)
	}

	metrics.IncBatchesFinished(string(final.Status))
	s.publish(ctx, events.BatchFinished, final)

	logger.Info("batch finished",
		"status", final.Status,
		"success", final.SuccessCount,
		"failed", final.FailedCount,
	)

	return final, nil
}

// deliver sends one message within the send timeout. The transport runs in
// its own goroutine so a transport that ignores ctx cannot stall the batch.
func (s *Sender) deliver(ctx context.Context, msg *transport.Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.transport.Send(sendCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return &transport.DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("send timed out after %s", s.sendTimeout),
		}
	}
}

func (s *Sender) publish(ctx context.Context, t events.Type, b *batch.Batch) {
	if err := s.events.Publish(ctx, events.NewBatchEvent(t, b)); err != nil {
		s.logger.Warn("failed to publish event", "type", t, "batch_id", b.ID, "error", err)
	}
}

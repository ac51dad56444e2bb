package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/foxzi/dispatchry/internal/batch"
	"github.com/foxzi/dispatchry/internal/events"
	"github.com/foxzi/dispatchry/internal/metrics"
)

// SchedulerConfig contains scheduler configuration
type SchedulerConfig struct {
	// Lanes is the number of batches allowed in sending at once
	Lanes        int
	PollInterval time.Duration
}

// Scheduler polls the store and hands eligible batches to the Sender
type Scheduler struct {
	store        batch.Store
	sender       *Sender
	events       events.Publisher
	lanes        int
	pollInterval time.Duration
	sem          *semaphore.Weighted
	busy         atomic.Int64
	now          func() time.Time
	logger       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
	inflight sync.WaitGroup
}

// NewScheduler creates a new dispatch scheduler
func NewScheduler(store batch.Store, sender *Sender, pub events.Publisher, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}

	return &Scheduler{
		store:        store,
		sender:       sender,
		events:       pub,
		lanes:        cfg.Lanes,
		pollInterval: cfg.PollInterval,
		sem:          semaphore.NewWeighted(int64(cfg.Lanes)),
		now:          time.Now,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the polling loop
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting dispatch scheduler", "lanes", s.lanes, "poll_interval", s.pollInterval)

	s.loop.Add(1)
	go s.run(ctx)
}

// Stop stops polling and waits for in-flight batches to finish
func (s *Scheduler) Stop() {
	s.logger.Info("stopping dispatch scheduler")
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loop.Wait()
	s.inflight.Wait()
	s.logger.Info("dispatch scheduler stopped")
}

// Wait blocks until every batch started so far has finished its cycle
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Busy returns the number of lanes currently sending
func (s *Scheduler) Busy() int {
	return int(s.busy.Load())
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loop.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped by context")
			return
		case <-s.stopCh:
			s.logger.Debug("scheduler stopped by signal")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick claims one eligible batch per free lane and starts sending each in
// its own goroutine. It returns the number of batches claimed.
func (s *Scheduler) Tick(ctx context.Context) int {
	claimed := 0

	for s.sem.TryAcquire(1) {
		b, err := s.store.Claim(ctx, s.now(), s.lanes)
		if err != nil {
			s.sem.Release(1)
			s.logger.Error("failed to claim batch", "error", err)
			break
		}
		if b == nil {
			s.sem.Release(1)
			break
		}

		claimed++
		metrics.IncBatchesClaimed()
		metrics.SetLanesBusy(int(s.busy.Add(1)))

		if err := s.events.Publish(ctx, events.NewBatchEvent(events.BatchClaimed, b)); err != nil {
			s.logger.Warn("failed to publish event", "type", events.BatchClaimed, "batch_id", b.ID, "error", err)
		}

		s.inflight.Add(1)
		go s.dispatch(ctx, b)
	}

	return claimed
}

func (s *Scheduler) dispatch(ctx context.Context, b *batch.Batch) {
	defer func() {
		metrics.SetLanesBusy(int(s.busy.Add(-1)))
		s.sem.Release(1)
		s.inflight.Done()
	}()

	if _, err := s.sender.Send(ctx, b); err != nil {
		s.logger.Error("batch send cycle failed", "batch_id", b.ID, "error", err)
	}
}

package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains outbox retention settings
type CleanerConfig struct {
	MaxAge   time.Duration
	MaxCount int
	Interval time.Duration
}

// Cleaner periodically prunes captured messages
type Cleaner struct {
	storage *Storage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// NewCleaner creates a new outbox cleaner
func NewCleaner(storage *Storage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start starts the cleanup loop. It does nothing when neither bound is set.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 && c.cfg.MaxCount <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("sandbox cleaner started",
		"max_age", c.cfg.MaxAge,
		"max_count", c.cfg.MaxCount,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the loop to exit
func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce prunes the outbox and returns the number of removed messages
func (c *Cleaner) RunOnce(ctx context.Context) int {
	deleted, err := c.storage.Prune(ctx, c.cfg.MaxAge, c.cfg.MaxCount)
	if err != nil {
		c.logger.Error("failed to prune sandbox outbox", "error", err)
		return 0
	}

	if deleted > 0 {
		c.logger.Info("pruned sandbox outbox", "deleted", deleted)
	}
	return deleted
}

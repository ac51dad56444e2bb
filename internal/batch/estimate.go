package batch

import (
	"fmt"
	"math"
	"time"
)

// EstimatorConfig contains the constants behind an Estimate
type EstimatorConfig struct {
	// Fixed cost of a split, independent of its size
	SplitOverhead time.Duration
	// Cost of partitioning and persisting one batch record
	PerBatchSplitCost time.Duration
	// Expected duration of one recipient send
	PerMessage time.Duration
	// Gap between consecutive batch starts. Zero derives it from the
	// single dispatch lane: one batch duration plus one poll interval.
	BatchSpacing time.Duration
	// Scheduler poll interval, used when BatchSpacing is zero
	PollInterval time.Duration
}

// DefaultEstimatorConfig returns the documented default constants
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		SplitOverhead:     50 * time.Millisecond,
		PerBatchSplitCost: 10 * time.Millisecond,
		PerMessage:        1500 * time.Millisecond,
		PollInterval:      2 * time.Second,
	}
}

// Estimate is an advisory timing estimate for a candidate split
type Estimate struct {
	TotalCustomers             int     `json:"total_customers"`
	BatchSize                  int     `json:"batch_size"`
	TotalBatches               int     `json:"total_batches"`
	SplitTimeSeconds           float64 `json:"split_time_seconds"`
	EstimatedCompletionMinutes float64 `json:"estimated_completion_minutes"`
}

// Estimator computes estimates. It is stateless and safe for concurrent use.
type Estimator struct {
	cfg EstimatorConfig
}

// NewEstimator creates a new estimator, filling zero values with defaults
func NewEstimator(cfg EstimatorConfig) *Estimator {
	def := DefaultEstimatorConfig()
	if cfg.SplitOverhead <= 0 {
		cfg.SplitOverhead = def.SplitOverhead
	}
	if cfg.PerBatchSplitCost <= 0 {
		cfg.PerBatchSplitCost = def.PerBatchSplitCost
	}
	if cfg.PerMessage <= 0 {
		cfg.PerMessage = def.PerMessage
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Estimator{cfg: cfg}
}

// Estimate computes batch count and timing for totalCustomers split by batchSize
func (e *Estimator) Estimate(totalCustomers, batchSize int) (*Estimate, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidConfiguration, batchSize)
	}
	if totalCustomers < 0 {
		return nil, fmt.Errorf("%w: total customers must not be negative, got %d", ErrInvalidConfiguration, totalCustomers)
	}

	totalBatches := Count(totalCustomers, batchSize)

	splitTime := e.cfg.SplitOverhead + time.Duration(totalBatches)*e.cfg.PerBatchSplitCost

	var completion time.Duration
	if totalBatches > 0 {
		perBatch := batchSize
		if totalCustomers < perBatch {
			perBatch = totalCustomers
		}
		single := time.Duration(perBatch) * e.cfg.PerMessage
		completion = time.Duration(totalBatches-1)*e.spacing(single) + single
	}

	return &Estimate{
		TotalCustomers:             totalCustomers,
		BatchSize:                  batchSize,
		TotalBatches:               totalBatches,
		SplitTimeSeconds:           round2(splitTime.Seconds()),
		EstimatedCompletionMinutes: round2(completion.Minutes()),
	}, nil
}

func (e *Estimator) spacing(single time.Duration) time.Duration {
	if e.cfg.BatchSpacing > 0 {
		return e.cfg.BatchSpacing
	}
	return single + e.cfg.PollInterval
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

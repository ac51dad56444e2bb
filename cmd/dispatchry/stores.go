package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/foxzi/dispatchry/internal/batch"
	"github.com/foxzi/dispatchry/internal/campaign"
	"github.com/foxzi/dispatchry/internal/customer"
	"github.com/foxzi/dispatchry/internal/dispatch"
	"github.com/foxzi/dispatchry/internal/template"
)

// stores opens the bbolt file directly for the management commands. bbolt
// takes an exclusive lock, so these commands wait while serve is running.
type stores struct {
	batches   *batch.BoltStorage
	templates *template.Storage
	customers *customer.Storage
	campaigns *campaign.Service
}

func openStores() (*stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	return openStoresAt(cfg.Storage.Path, batch.EstimatorConfig{
		SplitOverhead:     cfg.Estimate.SplitOverhead,
		PerBatchSplitCost: cfg.Estimate.PerBatchSplitCost,
		PerMessage:        cfg.Estimate.PerMessage,
		BatchSpacing:      cfg.Estimate.BatchSpacing,
		PollInterval:      cfg.Dispatch.PollInterval,
	})
}

func openStoresAt(path string, estimate batch.EstimatorConfig) (*stores, error) {
	bs, err := batch.NewBoltStorage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	templates, err := template.NewStorage(bs.DB())
	if err != nil {
		bs.Close()
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	customers, err := customer.NewStorage(bs.DB())
	if err != nil {
		bs.Close()
		return nil, fmt.Errorf("failed to create customer storage: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	campaigns := campaign.NewService(
		bs,
		templates,
		customers,
		batch.NewEstimator(estimate),
		dispatch.NewRescheduler(bs, nil, logger),
		logger,
	)

	return &stores{
		batches:   bs,
		templates: templates,
		customers: customers,
		campaigns: campaigns,
	}, nil
}

func (s *stores) Close() error {
	return s.batches.Close()
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

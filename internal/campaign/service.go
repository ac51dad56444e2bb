// Package campaign turns a template and a customer list into scheduled
// batches and exposes the read models built over the batch store.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/dispatchry/internal/batch"
	"github.com/foxzi/dispatchry/internal/customer"
	"github.com/foxzi/dispatchry/internal/dispatch"
	"github.com/foxzi/dispatchry/internal/template"
)

// CreateRequest describes a campaign to split into batches
type CreateRequest struct {
	TemplateID  string
	CustomerIDs []string
	BatchSize   int
	StartTime   time.Time
	Priority    int
}

// CreateResult is returned by CreateBatches
type CreateResult struct {
	CampaignID string         `json:"campaign_id"`
	Message    string         `json:"message"`
	Batches    []*batch.Batch `json:"batches"`
}

// DashboardStats is derived on read from the stores
type DashboardStats struct {
	TotalCustomers int64 `json:"total_customers"`
	MessagesSent   int64 `json:"messages_sent"`
	MessagesFailed int64 `json:"messages_failed"`
	ActiveBatches  int64 `json:"active_batches"`
	TemplatesCount int64 `json:"templates_count"`
}

// Service coordinates templates, customers and batches
type Service struct {
	batches     batch.Store
	templates   *template.Storage
	customers   *customer.Storage
	engine      *template.Engine
	estimator   *batch.Estimator
	rescheduler *dispatch.Rescheduler
	logger      *slog.Logger
}

// NewService creates a new campaign service
func NewService(
	batches batch.Store,
	templates *template.Storage,
	customers *customer.Storage,
	estimator *batch.Estimator,
	rescheduler *dispatch.Rescheduler,
	logger *slog.Logger,
) *Service {
	return &Service{
		batches:     batches,
		templates:   templates,
		customers:   customers,
		engine:      template.NewEngine(),
		estimator:   estimator,
		rescheduler: rescheduler,
		logger:      logger,
	}
}

// Estimate predicts the split for a customer count
func (s *Service) Estimate(totalCustomers, batchSize int) (*batch.Estimate, error) {
	return s.estimator.Estimate(totalCustomers, batchSize)
}

// CreateBatches splits the customers into pending batches with rendered
// messages. Every reference is checked before anything is written and the
// batches are stored in one transaction.
func (s *Service) CreateBatches(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1, got %d", batch.ErrInvalidConfiguration, req.BatchSize)
	}
	if req.Priority < 0 {
		return nil, fmt.Errorf("%w: priority must not be negative, got %d", batch.ErrInvalidConfiguration, req.Priority)
	}

	tmpl, err := s.templates.Get(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	if len(req.CustomerIDs) == 0 {
		return nil, batch.ErrEmptyCustomerList
	}

	seen := make(map[string]struct{}, len(req.CustomerIDs))
	for _, id := range req.CustomerIDs {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate customer %s", batch.ErrInvalidConfiguration, id)
		}
		seen[id] = struct{}{}
	}

	customers, err := s.customers.GetMany(ctx, req.CustomerIDs)
	if err != nil {
		return nil, err
	}

	defs, err := batch.Split(len(req.CustomerIDs), req.BatchSize, req.CustomerIDs)
	if err != nil {
		return nil, err
	}

	startTime := req.StartTime
	if startTime.IsZero() {
		startTime = time.Now()
	}

	campaignID := uuid.New().String()
	drafts := make([]*batch.Draft, 0, len(defs))
	offset := 0

	for _, def := range defs {
		deliveries := make([]*batch.Delivery, len(def.CustomerIDs))
		for i := range def.CustomerIDs {
			c := customers[offset+i]
			deliveries[i] = &batch.Delivery{
				CustomerID: c.ID,
				Name:       c.Name,
				Phone:      c.Phone,
				Email:      c.Email,
				Content:    s.engine.Render(tmpl.Content, c.Fields()),
			}
		}
		offset += len(def.CustomerIDs)

		drafts = append(drafts, &batch.Draft{
			Batch: &batch.Batch{
				ID:           uuid.New().String(),
				CampaignID:   campaignID,
				TemplateID:   tmpl.ID,
				CustomerIDs:  def.CustomerIDs,
				BatchNumber:  def.Number,
				TotalBatches: def.Total,
				StartTime:    startTime,
				Priority:     req.Priority,
			},
			Deliveries: deliveries,
		})
	}

	if err := s.batches.Create(ctx, drafts); err != nil {
		return nil, fmt.Errorf("failed to create batches: %w", err)
	}

	result := &CreateResult{
		CampaignID: campaignID,
		Message:    fmt.Sprintf("Created %d batches successfully", len(drafts)),
		Batches:    make([]*batch.Batch, len(drafts)),
	}
	for i, d := range drafts {
		result.Batches[i] = d.Batch
	}

	s.logger.Info("campaign created",
		"campaign_id", campaignID,
		"template_id", tmpl.ID,
		"customers", len(req.CustomerIDs),
		"batches", len(drafts),
		"start_time", startTime,
	)

	return result, nil
}

// ListBatches returns batches, newest first
func (s *Service) ListBatches(ctx context.Context, filter batch.ListFilter) ([]*batch.Batch, error) {
	return s.batches.List(ctx, filter)
}

// GetBatch returns a single batch
func (s *Service) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	return s.batches.Get(ctx, id)
}

// BatchMessages returns the per-recipient records of a batch
func (s *Service) BatchMessages(ctx context.Context, id string) ([]*batch.Delivery, error) {
	return s.batches.Deliveries(ctx, id)
}

// Reschedule re-queues a failed batch ahead of the normal schedule
func (s *Service) Reschedule(ctx context.Context, id string) (*batch.Batch, error) {
	return s.rescheduler.Reschedule(ctx, id)
}

// BatchStats returns batch counts by status
func (s *Service) BatchStats(ctx context.Context) (*batch.Stats, error) {
	return s.batches.Stats(ctx)
}

// DashboardStats aggregates counters from the stores
func (s *Service) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	bs, err := s.batches.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch stats: %w", err)
	}

	customers, err := s.customers.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count customers: %w", err)
	}

	ts, err := s.templates.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get template stats: %w", err)
	}

	return &DashboardStats{
		TotalCustomers: customers,
		MessagesSent:   bs.MessagesSent,
		MessagesFailed: bs.MessagesFailed,
		ActiveBatches:  bs.Pending + bs.Sending,
		TemplatesCount: ts.Total,
	}, nil
}

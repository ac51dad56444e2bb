package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/dispatchry/internal/batch"
	"github.com/foxzi/dispatchry/internal/campaign"
	"github.com/foxzi/dispatchry/internal/customer"
	"github.com/foxzi/dispatchry/internal/template"
)

// Error codes returned in ErrorResponse.Code
const (
	CodeValidation           = "ValidationError"
	CodeInvalidConfiguration = "InvalidConfiguration"
	CodeTemplateNotFound     = "TemplateNotFound"
	CodeTemplateExists       = "TemplateExists"
	CodeBatchNotFound        = "BatchNotFound"
	CodeCustomerNotFound     = "CustomerNotFound"
	CodeEmptyCustomerList    = "EmptyCustomerList"
	CodeNotReschedulable     = "NotReschedulable"
	CodeNotFound             = "NotFound"
	CodeInternal             = "InternalError"
)

// EstimateRequest is the request body for POST /batches/estimate
type EstimateRequest struct {
	TotalCustomers int `json:"total_customers" validate:"gte=0"`
	BatchSize      int `json:"batch_size"`
}

// CreateBatchesRequest is the request body for POST /batches
type CreateBatchesRequest struct {
	TemplateID  string     `json:"template_id" validate:"required"`
	CustomerIDs []string   `json:"customer_ids" validate:"dive,required"`
	BatchSize   int        `json:"batch_size"`
	StartTime   *time.Time `json:"start_time"`
	Priority    int        `json:"priority" validate:"gte=0"`
}

// CreateBatchesResponse is the response for POST /batches
type CreateBatchesResponse struct {
	CampaignID string          `json:"campaign_id"`
	Message    string          `json:"message"`
	Batches    []*BatchSummary `json:"batches"`
}

// BatchSummary is the list representation of a batch
type BatchSummary struct {
	ID           string       `json:"id"`
	CampaignID   string       `json:"campaign_id"`
	TemplateID   string       `json:"template_id"`
	BatchNumber  int          `json:"batch_number"`
	TotalBatches int          `json:"total_batches"`
	Recipients   int          `json:"customer_count"`
	StartTime    time.Time    `json:"start_time"`
	Status       batch.Status `json:"status"`
	Priority     int          `json:"priority"`
	SuccessCount int          `json:"success_count"`
	FailedCount  int          `json:"failed_count"`
	PendingCount int          `json:"pending_count"`
	Attempts     int          `json:"attempts"`
	CreatedAt    time.Time    `json:"created_at"`
}

// BatchListResponse is the response for GET /batches
type BatchListResponse struct {
	Batches []*BatchSummary `json:"batches"`
}

// BatchMessagesResponse is the response for GET /batches/{id}/messages
type BatchMessagesResponse struct {
	BatchID  string            `json:"batch_id"`
	Messages []*batch.Delivery `json:"messages"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Batches *batch.Stats `json:"batches,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

func newBatchSummary(b *batch.Batch) *BatchSummary {
	return &BatchSummary{
		ID:           b.ID,
		CampaignID:   b.CampaignID,
		TemplateID:   b.TemplateID,
		BatchNumber:  b.BatchNumber,
		TotalBatches: b.TotalBatches,
		Recipients:   b.Recipients(),
		StartTime:    b.StartTime,
		Status:       b.Status,
		Priority:     b.Priority,
		SuccessCount: b.SuccessCount,
		FailedCount:  b.FailedCount,
		PendingCount: b.PendingCount(),
		Attempts:     b.Attempts,
		CreatedAt:    b.CreatedAt,
	}
}

// handleEstimate handles POST /api/v1/batches/estimate
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	est, err := s.campaigns.Estimate(req.TotalCustomers, req.BatchSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, est)
}

// handleCreateBatches handles POST /api/v1/batches
func (s *Server) handleCreateBatches(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchesRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	creq := campaign.CreateRequest{
		TemplateID:  req.TemplateID,
		CustomerIDs: req.CustomerIDs,
		BatchSize:   req.BatchSize,
		Priority:    req.Priority,
	}
	if req.StartTime != nil {
		creq.StartTime = *req.StartTime
	}

	result, err := s.campaigns.CreateBatches(r.Context(), creq)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := CreateBatchesResponse{
		CampaignID: result.CampaignID,
		Message:    result.Message,
		Batches:    make([]*BatchSummary, len(result.Batches)),
	}
	for i, b := range result.Batches {
		resp.Batches[i] = newBatchSummary(b)
	}

	s.sendJSON(w, http.StatusCreated, resp)
}

// handleListBatches handles GET /api/v1/batches
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	filter := batch.ListFilter{
		Status:     batch.Status(r.URL.Query().Get("status")),
		CampaignID: r.URL.Query().Get("campaign_id"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}

	var ok bool
	if filter.Limit, filter.Offset, ok = s.parsePaging(w, r); !ok {
		return
	}

	batches, err := s.campaigns.ListBatches(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := BatchListResponse{Batches: make([]*BatchSummary, len(batches))}
	for i, b := range batches {
		resp.Batches[i] = newBatchSummary(b)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleGetBatch handles GET /api/v1/batches/{id}
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.campaigns.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, b)
}

// handleReschedule handles POST /api/v1/batches/{id}/reschedule
func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := s.campaigns.Reschedule(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("batch rescheduled via API", "batch_id", id, "priority", b.Priority)
	s.sendJSON(w, http.StatusOK, b)
}

// handleBatchMessages handles GET /api/v1/batches/{id}/messages
func (s *Server) handleBatchMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deliveries, err := s.campaigns.BatchMessages(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []*batch.Delivery{}
	}

	s.sendJSON(w, http.StatusOK, BatchMessagesResponse{BatchID: id, Messages: deliveries})
}

// handleDashboardStats handles GET /api/v1/dashboard/stats
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.campaigns.DashboardStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if stats, err := s.campaigns.BatchStats(r.Context()); err == nil {
		resp.Batches = stats
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// decodeAndValidate decodes a JSON body into v and runs struct validation.
// It writes the error response and returns false on failure.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, "Invalid request body")
		return false
	}

	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, err.Error())
			return false
		}

		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, validationMessage(fe))
		}
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    CodeValidation,
			Details: details,
		})
		return false
	}

	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Namespace(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Namespace(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag())
	}
}

// parsePaging reads limit and offset query parameters
func (s *Server) parsePaging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, "limit must be a non-negative integer")
			return 0, 0, false
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// writeServiceError maps domain errors to HTTP status codes
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrBatchNotFound):
		s.sendErrorCode(w, http.StatusNotFound, CodeBatchNotFound, err.Error())
	case errors.Is(err, template.ErrTemplateNotFound):
		s.sendErrorCode(w, http.StatusNotFound, CodeTemplateNotFound, err.Error())
	case errors.Is(err, batch.ErrNotReschedulable):
		s.sendErrorCode(w, http.StatusConflict, CodeNotReschedulable, err.Error())
	case errors.Is(err, template.ErrTemplateExists):
		s.sendErrorCode(w, http.StatusConflict, CodeTemplateExists, err.Error())
	case errors.Is(err, batch.ErrEmptyCustomerList):
		s.sendErrorCode(w, http.StatusBadRequest, CodeEmptyCustomerList, err.Error())
	case errors.Is(err, batch.ErrInvalidConfiguration):
		s.sendErrorCode(w, http.StatusBadRequest, CodeInvalidConfiguration, err.Error())
	case errors.Is(err, customer.ErrCustomerNotFound):
		s.sendErrorCode(w, http.StatusBadRequest, CodeCustomerNotFound, err.Error())
	case errors.Is(err, template.ErrInvalidTemplate), errors.Is(err, customer.ErrInvalidCustomer),
		errors.Is(err, customer.ErrUnsupportedFormat):
		s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendErrorCode(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) sendErrorCode(w http.ResponseWriter, status int, code, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message, Code: code})
}

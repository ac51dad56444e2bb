// Package batch holds the batch data model, the splitter that partitions a
// recipient list into fixed-size batches, the completion estimator and the
// bbolt-backed batch store.
//
// A batch moves through a small forward-only state machine:
//
//	pending --claim--> sending --finalize--> completed | failed
//	failed  --reschedule--> pending
//
// The store is the single source of truth for that state. Every transition
// and every counter update happens inside one bbolt write transaction, so a
// status flip and a counter increment on the same batch never interleave.
package batch

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a batch
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends a send cycle
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DeliveryStatus represents the outcome of a single recipient
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery errors recorded for recipients a send cycle never reached
const (
	InterruptedError = "interrupted"
	AbortedError     = "aborted"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrBatchNotFound        = errors.New("batch not found")
	ErrNotReschedulable     = errors.New("batch is not reschedulable")
	ErrEmptyCustomerList    = errors.New("customer list is empty")
	ErrInvalidTransition    = errors.New("invalid batch state transition")
)

// Batch is a fixed group of recipients scheduled to receive one template
type Batch struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	TemplateID   string     `json:"template_id"`
	CustomerIDs  []string   `json:"customer_ids"`
	BatchNumber  int        `json:"batch_number"`
	TotalBatches int        `json:"total_batches"`
	StartTime    time.Time  `json:"start_time"`
	Priority     int        `json:"priority"`
	Status       Status     `json:"status"`
	SuccessCount int        `json:"success_count"`
	FailedCount  int        `json:"failed_count"`
	Attempts     int        `json:"attempts"`
	Seq          uint64     `json:"seq"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Eligible reports whether the batch may be dispatched at now
func (b *Batch) Eligible(now time.Time) bool {
	return b.Status == StatusPending && !now.Before(b.StartTime)
}

// Recipients returns the number of recipients in the batch
func (b *Batch) Recipients() int {
	return len(b.CustomerIDs)
}

// PendingCount returns recipients without a recorded outcome
func (b *Batch) PendingCount() int {
	return len(b.CustomerIDs) - b.SuccessCount - b.FailedCount
}

// dispatchBefore orders eligible batches: priority descending, then
// start time ascending, then insertion order.
func dispatchBefore(a, b *Batch) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.Seq < b.Seq
}

// Delivery is the per-recipient record of a batch
type Delivery struct {
	Position   int            `json:"position"`
	CustomerID string         `json:"customer_id"`
	Name       string         `json:"customer_name,omitempty"`
	Phone      string         `json:"phone_number,omitempty"`
	Email      string         `json:"email,omitempty"`
	Content    string         `json:"message_content,omitempty"`
	Status     DeliveryStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Outcome is the result of one delivery attempt
type Outcome struct {
	Success bool
	Error   string
	At      time.Time
}

// Draft is a batch with its delivery records, ready to be persisted
type Draft struct {
	Batch      *Batch
	Deliveries []*Delivery
}

// Stats is a read model derived from the stored batches
type Stats struct {
	Pending        int64 `json:"pending"`
	Sending        int64 `json:"sending"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Total          int64 `json:"total"`
	Recipients     int64 `json:"recipients"`
	MessagesSent   int64 `json:"messages_sent"`
	MessagesFailed int64 `json:"messages_failed"`
}

// Active returns the number of batches still in flight or waiting
func (s *Stats) Active() int64 {
	return s.Pending + s.Sending
}

// ListFilter represents filter options for listing batches
type ListFilter struct {
	Status     Status
	CampaignID string
	Limit      int
	Offset     int
}

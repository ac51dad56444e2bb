// Package events publishes batch lifecycle events to a message broker.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/dispatchry/internal/batch"
)

// Type identifies a lifecycle event
type Type string

const (
	BatchClaimed     Type = "batch.claimed"
	BatchFinished    Type = "batch.finished"
	BatchRescheduled Type = "batch.rescheduled"
	BatchRecovered   Type = "batch.recovered"
)

var (
	ErrPublisherClosed = errors.New("publisher is closed")
	ErrBufferFull      = errors.New("event buffer is full")
)

// Event is a snapshot of a batch at a lifecycle transition
type Event struct {
	Type         Type         `json:"type"`
	BatchID      string       `json:"batch_id"`
	CampaignID   string       `json:"campaign_id,omitempty"`
	Status       batch.Status `json:"status"`
	Priority     int          `json:"priority"`
	Recipients   int          `json:"recipients"`
	SuccessCount int          `json:"success_count"`
	FailedCount  int          `json:"failed_count"`
	Attempts     int          `json:"attempts"`
	OccurredAt   time.Time    `json:"occurred_at"`
}

// NewBatchEvent builds an event from the current state of b
func NewBatchEvent(t Type, b *batch.Batch) Event {
	return Event{
		Type:         t,
		BatchID:      b.ID,
		CampaignID:   b.CampaignID,
		Status:       b.Status,
		Priority:     b.Priority,
		Recipients:   b.Recipients(),
		SuccessCount: b.SuccessCount,
		FailedCount:  b.FailedCount,
		Attempts:     b.Attempts,
		OccurredAt:   time.Now(),
	}
}

// Publisher delivers events. Publishing is best effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(ctx context.Context, ev Event) error { return nil }
func (Nop) Close() error                                { return nil }

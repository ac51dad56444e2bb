// Package transport delivers one rendered message to one recipient.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Message is a single personalized message addressed to one customer
type Message struct {
	ID         string `json:"id"`
	BatchID    string `json:"batch_id"`
	Position   int    `json:"position"`
	CustomerID string `json:"customer_id"`
	Name       string `json:"customer_name,omitempty"`
	Phone      string `json:"phone_number,omitempty"`
	Email      string `json:"email,omitempty"`
	Content    string `json:"message"`
}

// MessageID returns the stable id of the recipient at position in a batch
func MessageID(batchID string, position int) string {
	return fmt.Sprintf("%s-%d", batchID, position)
}

// Transport sends messages over one delivery channel
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Name() string
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

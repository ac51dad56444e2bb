package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/dispatchry/internal/transport"
)

// Transport captures messages instead of delivering them. In redirect mode
// every message is rewritten to a fixed test recipient and handed to a real
// transport.
type Transport struct {
	storage *Storage
	logger  *slog.Logger

	mu               sync.Mutex
	rnd              *rand.Rand
	simulateErrors   bool
	errorProbability float64 // 0.0 to 1.0
	delay            time.Duration

	realTransport transport.Transport
	redirectPhone string
	redirectEmail string
}

// NewTransport creates a new sandbox transport
func NewTransport(storage *Storage, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{
		storage:          storage,
		logger:           logger,
		rnd:              rand.New(rand.NewSource(time.Now().UnixNano())),
		errorProbability: 0.1, // 10% error rate when simulation is enabled
	}
}

// SetErrorSimulation enables/disables error simulation
func (t *Transport) SetErrorSimulation(enabled bool, probability float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		t.errorProbability = probability
	}
}

// SetDelay makes every send take at least d, bounded by the send context
func (t *Transport) SetDelay(d time.Duration) {
	t.delay = d
}

// SetRedirect forwards every message to phone/email through real
func (t *Transport) SetRedirect(real transport.Transport, phone, email string) {
	t.realTransport = real
	t.redirectPhone = phone
	t.redirectEmail = email
}

// Name returns the transport name
func (t *Transport) Name() string {
	return "sandbox"
}

// Send captures the message, or redirects it when a real transport is set
func (t *Transport) Send(ctx context.Context, msg *transport.Message) error {
	if t.delay > 0 {
		timer := time.NewTimer(t.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &transport.DeliveryError{
				Temporary: true,
				Message:   fmt.Sprintf("sandbox: %v", ctx.Err()),
			}
		case <-timer.C:
		}
	}

	if t.realTransport != nil {
		return t.handleRedirect(ctx, msg)
	}
	return t.handleCapture(ctx, msg)
}

// handleCapture stores the message instead of sending
func (t *Transport) handleCapture(ctx context.Context, msg *transport.Message) error {
	captured := capture(msg, "capture")

	if errMsg := t.simulatedError(); errMsg != "" {
		captured.SimulatedErr = errMsg

		if err := t.storage.Save(ctx, captured); err != nil {
			t.logger.Error("sandbox: failed to save message", "error", err)
		}

		return &transport.DeliveryError{
			Temporary: strings.HasPrefix(errMsg, "4"),
			Message:   errMsg,
		}
	}

	if err := t.storage.Save(ctx, captured); err != nil {
		return fmt.Errorf("sandbox: failed to save message: %w", err)
	}

	t.logger.Debug("sandbox: message captured",
		"id", msg.ID,
		"batch_id", msg.BatchID,
		"customer_id", msg.CustomerID,
	)

	return nil
}

// handleRedirect sends the message to the configured test recipient
func (t *Transport) handleRedirect(ctx context.Context, msg *transport.Message) error {
	redirected := *msg
	redirected.Phone = t.redirectPhone
	redirected.Email = t.redirectEmail

	t.logger.Info("redirect: redirecting message",
		"id", msg.ID,
		"original_phone", msg.Phone,
		"redirect_phone", t.redirectPhone,
		"redirect_email", t.redirectEmail,
	)

	// Store in sandbox for audit
	captured := capture(&redirected, "redirect")
	captured.OriginalTo = msg.Phone
	if msg.Email != "" {
		captured.OriginalTo = strings.TrimPrefix(captured.OriginalTo+","+msg.Email, ",")
	}
	if err := t.storage.Save(ctx, captured); err != nil {
		t.logger.Warn("redirect: failed to save to sandbox", "error", err)
	}

	return t.realTransport.Send(ctx, &redirected)
}

func (t *Transport) simulatedError() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.simulateErrors || t.rnd.Float64() >= t.errorProbability {
		return ""
	}

	errorTypes := []string{
		"550 Recipient unknown",
		"451 Temporary failure",
		"452 Gateway queue full",
		"421 Service not available",
	}
	return errorTypes[t.rnd.Intn(len(errorTypes))]
}

func capture(msg *transport.Message, mode string) *Message {
	return &Message{
		ID:         msg.ID,
		BatchID:    msg.BatchID,
		Position:   msg.Position,
		CustomerID: msg.CustomerID,
		Name:       msg.Name,
		Phone:      msg.Phone,
		Email:      msg.Email,
		Content:    msg.Content,
		Mode:       mode,
		CapturedAt: time.Now(),
	}
}

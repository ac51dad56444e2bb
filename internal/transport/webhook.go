package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig configures the HTTP gateway transport
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// WebhookTransport posts each message as JSON to a messaging gateway
type WebhookTransport struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhookTransport creates a new webhook transport
func NewWebhookTransport(cfg WebhookConfig) (*WebhookTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &WebhookTransport{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Name returns the transport name
func (t *WebhookTransport) Name() string {
	return "webhook"
}

type webhookRequest struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id"`
	CustomerID  string `json:"customer_id"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email,omitempty"`
	Message     string `json:"message"`
}

// Send posts the message and maps the response status to a delivery error
func (t *WebhookTransport) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(webhookRequest{
		ID:          msg.ID,
		BatchID:     msg.BatchID,
		CustomerID:  msg.CustomerID,
		PhoneNumber: msg.Phone,
		Email:       msg.Email,
		Message:     msg.Content,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("gateway request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return &DeliveryError{
		Temporary: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Message:   fmt.Sprintf("gateway returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)),
	}
}

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPConfig configures the email transport
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	Hostname string
	StartTLS bool
	Timeout  time.Duration
}

// SMTPTransport submits each message to a relay as a plain-text email
type SMTPTransport struct {
	cfg SMTPConfig
}

// NewSMTPTransport creates a new SMTP transport
func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg}, nil
}

// Name returns the transport name
func (t *SMTPTransport) Name() string {
	return "smtp"
}

// Send delivers the message to the customer's email address
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if msg.Email == "" {
		return &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("customer %s has no email address", msg.CustomerID),
		}
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	var (
		client *smtp.Client
		err    error
	)
	if t.cfg.StartTLS {
		// DialStartTLS greets the server itself before upgrading
		client, err = smtp.DialStartTLS(addr, &tls.Config{
			ServerName: t.cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer client.Close()

	timeout := t.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	client.CommandTimeout = timeout
	client.SubmissionTimeout = timeout

	if !t.cfg.StartTLS {
		if err := client.Hello(t.cfg.Hostname); err != nil {
			return categorizeError(err, "HELO")
		}
	}

	if t.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	data := t.buildMessage(msg)
	if err := client.SendMail(t.cfg.From, []string{msg.Email}, bytes.NewReader(data)); err != nil {
		return categorizeError(err, "SEND")
	}

	client.Quit()
	return nil
}

// buildMessage renders a minimal RFC 5322 text message
func (t *SMTPTransport) buildMessage(msg *Message) []byte {
	subject := t.cfg.Subject
	if subject == "" {
		subject = "Message for " + msg.Name
	}

	var b strings.Builder
	b.WriteString("From: " + t.cfg.From + "\r\n")
	b.WriteString("To: " + msg.Email + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + msg.ID + "@" + t.cfg.Hostname + ">\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Content, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code < 500,
			Message:   msg,
		}
	}

	if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		return &DeliveryError{
			Temporary: strings.HasPrefix(matches[1], "4"),
			Message:   msg,
		}
	}

	return &DeliveryError{
		Temporary: true,
		Message:   msg,
	}
}

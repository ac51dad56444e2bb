package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// AMQPConfig configures the AMQP publisher
type AMQPConfig struct {
	URL      string
	Exchange string // empty publishes to Queue on the default exchange
	Queue    string
	// DialTimeout bounds connecting and redialing (default: 5s)
	DialTimeout time.Duration
}

// AMQPPublisher publishes events as persistent JSON messages. A dropped
// connection is detected through NotifyClose and redialed on the next
// Publish.
type AMQPPublisher struct {
	cfg        AMQPConfig
	conn       *amqp.Connection
	ch         *amqp.Channel
	routingKey string
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewAMQPPublisher connects to the broker and declares the target
func NewAMQPPublisher(cfg AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if cfg.Exchange == "" && cfg.Queue == "" {
		return nil, fmt.Errorf("either exchange or queue is required")
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	p := &AMQPPublisher{cfg: cfg, logger: logger}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect dials the broker and declares the target. Caller holds mu or has
// exclusive access.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp.DialConfig(p.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(p.cfg.DialTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	routingKey := ""
	if p.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(
			p.cfg.Exchange,
			"topic",
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
	} else {
		q, err := ch.QueueDeclare(
			p.cfg.Queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare queue: %w", err)
		}
		routingKey = q.Name
	}

	p.conn = conn
	p.ch = ch
	p.routingKey = routingKey

	go p.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

// watch drops the connection once the broker closes it
func (p *AMQPPublisher) watch(conn *amqp.Connection, closed <-chan *amqp.Error) {
	err, ok := <-closed
	if !ok {
		// Closed by us
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == conn {
		p.logger.Warn("broker connection lost, will redial on next publish", "error", err)
		p.conn = nil
		p.ch = nil
	}
}

// reset closes the current connection so the next Publish redials
func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
}

// Publish sends the event. Topic exchanges route by event type.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.ch == nil {
		if err := p.connect(); err != nil {
			return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
		}
		p.logger.Info("reconnected to broker")
	}

	routingKey := p.routingKey
	if p.cfg.Exchange != "" {
		routingKey = string(ev.Type)
	}

	err = p.ch.Publish(
		p.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.New().String(),
			Timestamp:    ev.OccurredAt,
			Type:         string(ev.Type),
			Body:         body,
		},
	)
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}

	p.logger.Debug("event published", "type", ev.Type, "batch_id", ev.BatchID)
	return nil
}

// Close closes the channel and the connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	var err error
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
	return err
}

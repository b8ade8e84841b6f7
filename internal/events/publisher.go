package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/records"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeKindTopic     = "topic"
	contentTypeJSON       = "application/json"
	defaultBufferSize     = 256
	defaultPublishTimeout = 5 * time.Second
)

var (
	errMissingURL      = errors.New("events: amqp url required")
	errMissingExchange = errors.New("events: exchange required")
	errMissingChannel  = errors.New("events: channel required")
)

// PublisherConfig describes the broker the publisher writes to.
type PublisherConfig struct {
	URL            string
	Exchange       string
	BufferSize     int
	PublishTimeout time.Duration
	Logger         *zap.Logger
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher forwards accepted writes to a topic exchange with routing key
// "<kind>.<operation>". Events are queued in memory and published by Run, so a slow or
// unavailable broker never delays a write; when the queue is full the event is dropped.
type Publisher struct {
	conn           *amqp.Connection
	channel        channel
	exchange       string
	queue          chan records.ChangeEvent
	publishTimeout time.Duration
	logger         *zap.Logger
	clock          func() time.Time
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, errMissingExchange
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	publisher, err := newPublisher(ch, cfg)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	publisher.conn = conn
	return publisher, nil
}

func newPublisher(ch channel, cfg PublisherConfig) (*Publisher, error) {
	if ch == nil {
		return nil, errMissingChannel
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, errMissingExchange
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		channel:        ch,
		exchange:       cfg.Exchange,
		queue:          make(chan records.ChangeEvent, bufferSize),
		publishTimeout: timeout,
		logger:         logger,
		clock:          time.Now,
	}, nil
}

// RoutingKey returns the topic routing key of an event.
func RoutingKey(event records.ChangeEvent) string {
	return event.Kind.String() + "." + string(event.Operation)
}

// EntityChanged enqueues the event for publishing.
func (p *Publisher) EntityChanged(event records.ChangeEvent) {
	select {
	case p.queue <- event:
	default:
		p.logger.Warn("change event dropped: publish queue full",
			zap.String("kind", event.Kind.String()),
			zap.String("entity_id", event.EntityID.String()))
	}
}

// Run publishes queued events until ctx is done. Events still queued at that point are
// flushed with the publish timeout before Run returns.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case event := <-p.queue:
			p.publish(ctx, event)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case event := <-p.queue:
			p.publish(context.Background(), event)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, event records.ChangeEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("change event encode failed", zap.Error(err))
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	err = p.channel.PublishWithContext(publishCtx, p.exchange, RoutingKey(event), false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		Body:         body,
		Timestamp:    p.clock().UTC(),
		DeliveryMode: amqp.Persistent,
		Type:         "entity." + string(event.Operation),
	})
	if err != nil {
		p.logger.Warn("change event publish failed",
			zap.String("routing_key", RoutingKey(event)),
			zap.String("entity_id", event.EntityID.String()),
			zap.Error(err))
	}
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	var closeErr error
	if p.channel != nil {
		closeErr = p.channel.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

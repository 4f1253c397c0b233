// Package amqpsink publishes auth activity events to a RabbitMQ exchange.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-logger/glog"
	amqp "github.com/rabbitmq/amqp091-go"

	auth "github.com/goliatone/go-retail-auth"
	"github.com/goliatone/go-retail-auth/activitymap"
)

const (
	DefaultExchange       = "retail.auth.activity"
	DefaultPublishTimeout = 2 * time.Second
)

var ErrSinkClosed = errors.New("amqpsink: sink closed")

// Channel is the subset of *amqp.Channel the sink needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Sink implements auth.ActivitySink. Events are normalized and published
// as persistent JSON messages routed by event type.
type Sink struct {
	mu       sync.Mutex
	ch       Channel
	conn     *amqp.Connection
	exchange string
	timeout  time.Duration
	logger   glog.Logger
	mapOpts  []activitymap.Option
	closed   bool
}

var _ auth.ActivitySink = (*Sink)(nil)

type Option func(*Sink)

func WithExchange(name string) Option {
	return func(s *Sink) {
		if name != "" {
			s.exchange = name
		}
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l glog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNormalizeOptions forwards options to activitymap.Normalize.
func WithNormalizeOptions(opts ...activitymap.Option) Option {
	return func(s *Sink) {
		s.mapOpts = append(s.mapOpts, opts...)
	}
}

// Dial connects to the broker at url and declares the exchange.
func Dial(url string, opts ...Option) (*Sink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	sink, err := New(ch, opts...)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	sink.conn = conn

	return sink, nil
}

// New declares a durable topic exchange on ch and returns a sink over it.
func New(ch Channel, opts ...Option) (*Sink, error) {
	s := &Sink{
		ch:       ch,
		exchange: DefaultExchange,
		timeout:  DefaultPublishTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	_, s.logger = auth.ResolveLogger("auth.activity.amqp", nil, s.logger)

	if err := ch.ExchangeDeclare(
		s.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	); err != nil {
		return nil, err
	}

	return s, nil
}

// Record publishes the event. Errors are logged and returned; callers treat
// sinks as best effort.
func (s *Sink) Record(ctx context.Context, event auth.ActivityEvent) error {
	body, err := json.Marshal(activitymap.Normalize(event, s.mapOpts...))
	if err != nil {
		s.logger.Error("activity marshal failed", "event_type", event.EventType, "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt.UTC(),
		Type:         string(event.EventType),
		Body:         body,
	}

	if err := s.ch.PublishWithContext(ctx,
		s.exchange,              // exchange
		string(event.EventType), // routing key
		false,                   // mandatory
		false,                   // immediate
		pub,
	); err != nil {
		s.logger.Warn("activity publish failed", "event_type", event.EventType, "error", err)
		return err
	}

	return nil
}

// Close releases the channel and, when opened by Dial, the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.ch.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}

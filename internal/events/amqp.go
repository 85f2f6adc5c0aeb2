package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/jpillora/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
)

const maxConnectAttempts = 5

// Channel is the part of an AMQP channel the sink publishes through.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel to the broker. The returned close func releases the
// connection behind it.
type Dialer func(url string) (Channel, func() error, error)

// DialAMQP is the Dialer backed by amqp091.
func DialAMQP(url string) (Channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()

		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}

	return ch, conn.Close, nil
}

// AMQPSink publishes events as persistent JSON messages to a topic exchange,
// routed by event type.
type AMQPSink struct {
	url      string
	exchange string
	dial     Dialer
	backoff  backoff.Backoff

	mu        sync.Mutex
	ch        Channel
	closeConn func() error
}

// NewAMQPSink creates a sink that connects lazily on the first event.
func NewAMQPSink(url, exchange string, dial Dialer) *AMQPSink {
	if dial == nil {
		dial = DialAMQP
	}

	return &AMQPSink{
		url:      url,
		exchange: exchange,
		dial:     dial,
		backoff: backoff.Backoff{
			Min:    200 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

func (s *AMQPSink) Name() string {
	return "amqp"
}

// Handle publishes e, reconnecting first if the previous publish failed.
func (s *AMQPSink) Handle(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel(ctx)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, s.exchange, string(e.Type), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    e.Time,
		Body:         body,
	})
	if err != nil {
		s.reset()

		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

func (s *AMQPSink) channel(ctx context.Context) (Channel, error) {
	if s.ch != nil {
		return s.ch, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	s.backoff.Reset()

	for {
		ch, closeConn, err := s.dial(s.url)
		if err == nil {
			err = ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil)
			if err == nil {
				s.ch, s.closeConn = ch, closeConn
				return ch, nil
			}

			ch.Close()
			closeConn()
		}

		attempt := s.backoff.Attempt() + 1
		if attempt >= maxConnectAttempts {
			return nil, fmt.Errorf("exhausted %d attempts to reach the broker: %w", maxConnectAttempts, err)
		}

		wait := s.backoff.Duration()
		logger.Warn("failed to connect to broker, retrying", "attempt", attempt, "wait", wait, "err", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *AMQPSink) reset() {
	if s.ch != nil {
		s.ch.Close()
	}

	if s.closeConn != nil {
		s.closeConn()
	}

	s.ch, s.closeConn = nil, nil
}

// Close releases the broker connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()

	return nil
}

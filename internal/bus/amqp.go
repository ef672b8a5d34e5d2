package bus

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/metrics"
)

// AMQPBus speaks to a RabbitMQ broker. It declares a durable topic exchange,
// keeps the connection alive with backoff reconnects, and re-establishes
// topology after connection loss. Consumers use manual acknowledgement.
type AMQPBus struct {
	cfg    config.BrokerConfig
	uri    string
	logger zerolog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	pub  *amqp.Channel

	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewAMQP creates the bus and starts the connection manager. The first
// connection attempt happens asynchronously; readiness is reported through
// Connected.
func NewAMQP(cfg config.BrokerConfig) (*AMQPBus, error) {
	uri, err := cfg.EffectiveURI()
	if err != nil {
		return nil, fmt.Errorf("broker uri: %w", err)
	}
	b := &AMQPBus{
		cfg:    cfg,
		uri:    uri,
		logger: log.WithComponent("bus"),
		closed: make(chan struct{}),
	}
	go b.manage()
	return b, nil
}

// Connected reports whether the broker connection is currently established.
func (b *AMQPBus) Connected() bool { return b.connected.Load() }

// manage owns the connection lifecycle: dial, declare, watch, reconnect.
func (b *AMQPBus) manage() {
	backoff := b.cfg.ReconnectMin
	for {
		select {
		case <-b.closed:
			return
		default:
		}

		conn, pub, err := b.dial()
		if err != nil {
			metrics.IncBusReconnect()
			b.logger.Warn().
				Err(err).
				Str("event", "bus.reconnect").
				Dur("backoff", backoff).
				Msg("broker connection failed")
			if !b.sleep(jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, b.cfg.ReconnectMin, b.cfg.ReconnectMax)
			continue
		}

		b.mu.Lock()
		b.conn, b.pub = conn, pub
		b.mu.Unlock()
		b.connected.Store(true)
		metrics.SetBusConnected(true)
		backoff = b.cfg.ReconnectMin
		b.logger.Info().
			Str("event", "bus.connected").
			Str("exchange", b.cfg.Exchange).
			Msg("broker connected")

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.closed:
			_ = conn.Close()
			b.connected.Store(false)
			metrics.SetBusConnected(false)
			return
		case amqpErr := <-notify:
			b.mu.Lock()
			b.conn, b.pub = nil, nil
			b.mu.Unlock()
			b.connected.Store(false)
			metrics.SetBusConnected(false)
			b.logger.Warn().
				Err(amqpErr).
				Str("event", "bus.disconnected").
				Msg("broker connection lost")
		}
	}
}

func (b *AMQPBus) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(b.uri)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := pub.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, pub, nil
}

// sleep waits for d or until the bus closes; it reports false on close.
func (b *AMQPBus) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.closed:
		return false
	case <-t.C:
		return true
	}
}

// Publish sends a persistent message to the exchange under the topic
// routing key. Publishing while disconnected fails fast so callers can
// decide between retry and requeue.
func (b *AMQPBus) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	b.mu.RLock()
	pub := b.pub
	b.mu.RUnlock()
	if pub == nil {
		metrics.IncBusPublished(topic, false)
		return ErrNotConnected
	}

	err := pub.PublishWithContext(ctx, b.cfg.Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	metrics.IncBusPublished(topic, err == nil)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes the configured queue bound to the topic. The
// subscription survives reconnects: topology is re-declared and consumption
// resumes once the connection manager re-establishes the link.
func (b *AMQPBus) Subscribe(_ context.Context, topic string) (Subscriber, error) {
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}

	sub := &amqpSubscriber{
		bus:   b,
		topic: topic,
		out:   make(chan Delivery),
		done:  make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

// Close shuts down the connection manager and the broker connection.
func (b *AMQPBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		conn := b.conn
		b.conn, b.pub = nil, nil
		b.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		b.connected.Store(false)
		metrics.SetBusConnected(false)
	})
	return nil
}

func (b *AMQPBus) newChannel() (*amqp.Channel, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return conn.Channel()
}

type amqpSubscriber struct {
	bus   *AMQPBus
	topic string
	out   chan Delivery

	done      chan struct{}
	closeOnce sync.Once
}

func (s *amqpSubscriber) C() <-chan Delivery { return s.out }

func (s *amqpSubscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *amqpSubscriber) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.bus.closed:
			return
		default:
		}

		ch, err := s.bus.newChannel()
		if err != nil {
			if !s.wait(s.bus.cfg.ReconnectMin) {
				return
			}
			continue
		}

		deliveries, err := s.setup(ch)
		if err != nil {
			_ = ch.Close()
			s.bus.logger.Warn().
				Err(err).
				Str("event", "bus.subscribe_failed").
				Str("topic", s.topic).
				Msg("consumer setup failed")
			if !s.wait(s.bus.cfg.ReconnectMin) {
				return
			}
			continue
		}

		s.bus.logger.Info().
			Str("event", "bus.subscribed").
			Str("topic", s.topic).
			Str("queue", s.bus.cfg.Queue).
			Msg("consuming")
		s.pump(ch, deliveries)
	}
}

// setup declares the durable queue, binds it to the topic and to its own
// name (direct submissions), applies prefetch, and starts consuming.
func (s *amqpSubscriber) setup(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(s.bus.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(s.bus.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range bindKeys(q.Name, s.topic) {
		if err := ch.QueueBind(q.Name, key, s.bus.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(s.bus.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (s *amqpSubscriber) pump(ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer func() { _ = ch.Close() }()
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				// channel lost, run() will reconnect
				return
			}
			del := NewDelivery(s.topic, d.Body, &amqpAcker{d: d})
			del.Redelivered = d.Redelivered
			select {
			case s.out <- del:
			case <-s.done:
				// hand the message back for the next consumer
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func (s *amqpSubscriber) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return false
	case <-s.bus.closed:
		return false
	case <-t.C:
		return true
	}
}

type amqpAcker struct {
	d amqp.Delivery
}

func (a *amqpAcker) Ack() error              { return a.d.Ack(false) }
func (a *amqpAcker) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

// bindKeys returns the routing keys a queue is bound with: the subscribed
// topic plus the queue's own name for direct submissions. Duplicates
// collapse when the queue is named after the topic.
func bindKeys(queue, topic string) []string {
	if queue == topic {
		return []string{topic}
	}
	return []string{topic, queue}
}

func nextBackoff(cur, floor, ceil time.Duration) time.Duration {
	next := cur * 2
	if next > ceil {
		next = ceil
	}
	if next < floor {
		next = floor
	}
	return next
}

// jitter spreads reconnect storms: returns a duration in [d, 1.5d).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

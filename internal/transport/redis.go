package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RedisConfig configures the Redis pub/sub transport
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout    time.Duration
	ConfirmTimeout time.Duration
	BufferSize     int

	// BreakerFailures consecutive publish failures open the circuit for BreakerDelay
	BreakerFailures uint
	BreakerDelay    time.Duration
}

func (c *RedisConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = 5 * time.Second
	}
}

// RedisTransport implements core.ITransport on Redis PUBLISH/SUBSCRIBE. All
// subscriptions share one PubSub connection; messages fan out to per-channel
// dispatchers. Subscribe returns once this connection's own SUBSCRIBE has been
// acknowledged.
type RedisTransport struct {
	cfg    RedisConfig
	client *redis.Client
	logger core.ILogger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string]*dispatcher
	// channel -> callers waiting for a subscribe acknowledgement, oldest first
	pending map[string][]chan struct{}
	closed  bool
	wg      sync.WaitGroup

	publisher failsafe.Executor[any]
	dropped   atomic.Int64

	pubCounter  metric.Int64Counter
	recvCounter metric.Int64Counter
}

// NewRedisTransport connects to Redis and verifies the connection
func NewRedisTransport(ctx context.Context, cfg RedisConfig, logger core.ILogger) (*RedisTransport, error) {
	cfg.applyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, &apperrors.TransportError{Op: "connect", Channel: cfg.Addr, Err: err}
	}

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil }).
		WithFailureThreshold(cfg.BreakerFailures).
		WithDelay(cfg.BreakerDelay).
		Build()

	meter := telemetry.GetMeter("redis-transport")
	pubCounter, _ := meter.Int64Counter("bus_messages_published_total",
		metric.WithDescription("Messages published to the bus"))
	recvCounter, _ := meter.Int64Counter("bus_messages_received_total",
		metric.WithDescription("Messages received from the bus"))

	log := logger.WithField("component", "redis_transport")
	log.Info("Connected to Redis", "addr", cfg.Addr, "db", cfg.DB)

	return &RedisTransport{
		cfg:         cfg,
		client:      client,
		logger:      log,
		handlers:    make(map[string]*dispatcher),
		pending:     make(map[string][]chan struct{}),
		publisher:   failsafe.With[any](breaker),
		pubCounter:  pubCounter,
		recvCounter: recvCounter,
	}, nil
}

// Publish sends payload on channel. An open circuit fails fast.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	err := t.publisher.Run(func() error {
		return t.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("circuit open: %w", err)
		}
		return &apperrors.TransportError{Op: "publish", Channel: channel, Err: err}
	}
	t.pubCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	return nil
}

// Subscribe registers handler and returns once Redis acknowledges the
// subscription on this transport's connection
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, handler core.Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &apperrors.TransportError{Op: "subscribe", Channel: channel, Err: apperrors.ErrClosed}
	}

	d := newDispatcher(channel, handler, t.cfg.BufferSize, &t.dropped, t.logger)
	if prev, ok := t.handlers[channel]; ok {
		prev.stop()
	}
	t.handlers[channel] = d
	ack := make(chan struct{})
	t.pending[channel] = append(t.pending[channel], ack)

	var err error
	if t.pubsub == nil {
		t.pubsub = t.client.Subscribe(ctx, channel)
		t.wg.Add(1)
		go t.receiveLoop(t.pubsub.ChannelWithSubscriptions(redis.WithChannelSize(t.cfg.BufferSize)))
	} else {
		err = t.pubsub.Subscribe(ctx, channel)
	}
	t.mu.Unlock()

	if err == nil {
		err = t.awaitAck(ctx, channel, ack)
	}
	if err != nil {
		t.forgetAck(channel, ack)
	}
	if err != nil {
		t.dropHandler(channel, d)
		return &apperrors.TransportError{Op: "subscribe", Channel: channel, Err: err}
	}
	return nil
}

// awaitAck waits for the subscribe acknowledgement routed to ack by
// receiveLoop. Other clients subscribed to the same channel do not count.
func (t *RedisTransport) awaitAck(ctx context.Context, channel string, ack <-chan struct{}) error {
	timer := time.NewTimer(t.cfg.ConfirmTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("subscription to %s not confirmed: %w", channel, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("subscription to %s not confirmed within %s", channel, t.cfg.ConfirmTimeout)
	}
}

// ackSubscribed releases the oldest caller waiting on channel. Acknowledgements
// nobody waits for (resubscribes after a reconnect) are ignored.
func (t *RedisTransport) ackSubscribed(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	waiters := t.pending[channel]
	if len(waiters) == 0 {
		return
	}
	close(waiters[0])
	if len(waiters) == 1 {
		delete(t.pending, channel)
		return
	}
	t.pending[channel] = waiters[1:]
}

func (t *RedisTransport) forgetAck(channel string, ack chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	waiters := t.pending[channel]
	for i, w := range waiters {
		if w == ack {
			waiters = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(t.pending, channel)
		return
	}
	t.pending[channel] = waiters
}

func (t *RedisTransport) dropHandler(channel string, d *dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.handlers[channel]; ok && cur == d {
		delete(t.handlers, channel)
	}
	d.stop()
}

// Unsubscribe stops delivery for channel
func (t *RedisTransport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	d, ok := t.handlers[channel]
	if ok {
		delete(t.handlers, channel)
		d.stop()
	}
	pubsub := t.pubsub
	t.mu.Unlock()

	if !ok || pubsub == nil {
		return nil
	}
	if err := pubsub.Unsubscribe(ctx, channel); err != nil {
		return &apperrors.TransportError{Op: "unsubscribe", Channel: channel, Err: err}
	}
	return nil
}

func (t *RedisTransport) receiveLoop(ch <-chan interface{}) {
	defer t.wg.Done()
	for v := range ch {
		var msg *redis.Message
		switch m := v.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				t.ackSubscribed(m.Channel)
			}
			continue
		case *redis.Message:
			msg = m
		default:
			continue
		}

		t.mu.Lock()
		d, ok := t.handlers[msg.Channel]
		t.mu.Unlock()
		if !ok {
			continue
		}
		t.recvCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", msg.Channel)))
		d.deliver(core.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
	}
}

// CheckHealth pings Redis
func (t *RedisTransport) CheckHealth(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return &apperrors.TransportError{Op: "ping", Channel: t.cfg.Addr, Err: err}
	}
	return nil
}

// Dropped counts messages discarded because a subscriber queue was full
func (t *RedisTransport) Dropped() int64 {
	return t.dropped.Load()
}

// Close stops all subscriptions and closes the client
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for channel, d := range t.handlers {
		d.stop()
		delete(t.handlers, channel)
	}
	pubsub := t.pubsub
	t.mu.Unlock()

	var errs []error
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	if err := t.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

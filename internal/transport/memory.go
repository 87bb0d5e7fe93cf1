package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
)

var (
	errBrokerDown       = errors.New("broker unreachable")
	errConnectionClosed = errors.New("connection closed")
)

// MemoryBroker is an in-process bus. Each Connect returns an independent
// connection, mirroring separate clients of an external broker.
type MemoryBroker struct {
	mu         sync.RWMutex
	subs       map[string]map[*MemoryTransport]*dispatcher
	down       bool
	bufferSize int
	logger     core.ILogger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewMemoryBroker creates a broker whose subscriber queues hold bufferSize messages
func NewMemoryBroker(bufferSize int, logger core.ILogger) *MemoryBroker {
	return &MemoryBroker{
		subs:       make(map[string]map[*MemoryTransport]*dispatcher),
		bufferSize: bufferSize,
		logger:     logger.WithField("component", "memory_broker"),
	}
}

// Connect opens a new connection to the broker
func (b *MemoryBroker) Connect(name string) *MemoryTransport {
	return &MemoryTransport{broker: b, name: name}
}

// SetDown simulates the broker becoming unreachable
func (b *MemoryBroker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// Subscribers returns how many connections listen on channel
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Stats returns message counters
func (b *MemoryBroker) Stats() map[string]int64 {
	return map[string]int64{
		"published": b.published.Load(),
		"delivered": b.delivered.Load(),
		"dropped":   b.dropped.Load(),
	}
}

// MemoryTransport is one connection to a MemoryBroker. It implements core.ITransport.
type MemoryTransport struct {
	broker *MemoryBroker
	name   string
	closed atomic.Bool
}

func (t *MemoryTransport) check(op, channel string) error {
	if t.closed.Load() {
		return &apperrors.TransportError{Op: op, Channel: channel, Err: errConnectionClosed}
	}
	t.broker.mu.RLock()
	down := t.broker.down
	t.broker.mu.RUnlock()
	if down {
		return &apperrors.TransportError{Op: op, Channel: channel, Err: errBrokerDown}
	}
	return nil
}

// Publish delivers payload to every current subscriber of channel. Having no
// subscribers is not an error.
func (t *MemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	if err := t.check("publish", channel); err != nil {
		return err
	}
	b := t.broker
	b.published.Add(1)

	msg := core.Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, d := range b.subs[channel] {
		if d.deliver(msg) {
			b.delivered.Add(1)
		}
	}
	return nil
}

// Subscribe registers handler for channel on this connection, replacing any previous one
func (t *MemoryTransport) Subscribe(_ context.Context, channel string, handler core.Handler) error {
	if err := t.check("subscribe", channel); err != nil {
		return err
	}
	b := t.broker
	d := newDispatcher(channel, handler, b.bufferSize, &b.dropped, b.logger.WithField("connection", t.name))

	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.subs[channel]
	if !ok {
		conns = make(map[*MemoryTransport]*dispatcher)
		b.subs[channel] = conns
	}
	if prev, exists := conns[t]; exists {
		prev.stop()
	}
	conns[t] = d
	return nil
}

// Unsubscribe removes this connection's handler for channel
func (t *MemoryTransport) Unsubscribe(_ context.Context, channel string) error {
	t.broker.removeSub(channel, t)
	return nil
}

// CheckHealth reports whether the broker is reachable
func (t *MemoryTransport) CheckHealth(context.Context) error {
	return t.check("ping", "")
}

// Close drops every subscription of this connection
func (t *MemoryTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, conns := range b.subs {
		if d, ok := conns[t]; ok {
			d.stop()
			delete(conns, t)
		}
		if len(conns) == 0 {
			delete(b.subs, channel)
		}
	}
	return nil
}

func (b *MemoryBroker) removeSub(channel string, t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.subs[channel]
	if d, ok := conns[t]; ok {
		d.stop()
		delete(conns, t)
	}
	if len(conns) == 0 {
		delete(b.subs, channel)
	}
}

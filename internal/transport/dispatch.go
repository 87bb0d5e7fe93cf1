// Package transport provides the publish/subscribe bus implementations.
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"execution_core/internal/core"
)

const defaultBufferSize = 1024

// dispatcher runs one subscription's handler on its own goroutine so that a
// slow or blocked handler only delays its own channel.
type dispatcher struct {
	channel string
	handler core.Handler
	queue   chan core.Message
	logger  core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	dropped *atomic.Int64
}

func newDispatcher(channel string, handler core.Handler, buffer int, dropped *atomic.Int64, logger core.ILogger) *dispatcher {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		channel: channel,
		handler: handler,
		queue:   make(chan core.Message, buffer),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		dropped: dropped,
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case msg := <-d.queue:
			d.invoke(msg)
		}
	}
}

func (d *dispatcher) invoke(msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Subscriber handler panicked", "channel", d.channel, "panic", r)
		}
	}()
	d.handler(d.ctx, msg)
}

// deliver enqueues msg without blocking; a full queue drops the message
func (d *dispatcher) deliver(msg core.Message) bool {
	if d.ctx.Err() != nil {
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		if d.dropped != nil {
			d.dropped.Add(1)
		}
		d.logger.Warn("Subscriber queue full, dropping message", "channel", d.channel)
		return false
	}
}

// stop ends the dispatcher. It does not wait, so a handler may unsubscribe its own channel.
func (d *dispatcher) stop() {
	d.once.Do(d.cancel)
}

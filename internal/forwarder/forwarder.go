// Package forwarder relays allow-listed requests from an upstream channel to
// the venue and routes each reply back to the channel its requester named.
package forwarder

import (
	"context"
	"sync/atomic"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/rpc"
	"execution_core/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultAllowed are the request types relayed by default
var DefaultAllowed = []rpc.RequestType{
	rpc.TypeGetPositions,
	rpc.TypeGetAccounts,
	rpc.TypeGetContracts,
	rpc.TypeClosePosition,
	rpc.TypeUpdateSLTP,
	rpc.TypeGetWorkingOrders,
}

// DefaultTTL is how long a route is kept waiting for its reply
const DefaultTTL = 35 * time.Second

// Config names the channels the forwarder bridges
type Config struct {
	InboundChannel            string // upstream requests arrive here
	DownstreamRequestChannel  string // requests are republished here
	DownstreamResponseChannel string // the responder replies here
	TTL                       time.Duration
	Allowed                   []rpc.RequestType
}

// Forwarder bridges upstream requesters and the downstream responder. Payloads
// are relayed byte for byte; only the routing header is read.
type Forwarder struct {
	cfg       Config
	transport core.ITransport
	routes    *rpc.Registry
	allowed   map[rpc.RequestType]bool
	logger    core.ILogger

	forwarded atomic.Int64
	relayed   atomic.Int64
	ignored   atomic.Int64
	expired   atomic.Int64

	counter metric.Int64Counter
}

// New creates a forwarder using its own route registry
func New(cfg Config, transport core.ITransport, logger core.ILogger) *Forwarder {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if len(cfg.Allowed) == 0 {
		cfg.Allowed = DefaultAllowed
	}
	allowed := make(map[rpc.RequestType]bool, len(cfg.Allowed))
	for _, t := range cfg.Allowed {
		allowed[t] = true
	}

	log := logger.WithField("component", "forwarder")
	f := &Forwarder{
		cfg:       cfg,
		transport: transport,
		routes:    rpc.NewRegistry(log),
		allowed:   allowed,
		logger:    log,
	}
	f.counter, _ = telemetry.GetMeter("forwarder").Int64Counter("forwarder_messages_total",
		metric.WithDescription("Forwarder traffic by result"))
	f.routes.OnExpire(func(p *rpc.Pending) {
		f.expired.Add(1)
		f.count("expired")
		f.logger.Warn("Route expired without reply", "request_id", p.RequestID, "type", p.RequestType)
	})
	return f
}

// Start subscribes the inbound and downstream response channels
func (f *Forwarder) Start(ctx context.Context) error {
	if err := f.transport.Subscribe(ctx, f.cfg.DownstreamResponseChannel, f.handleResponse); err != nil {
		return err
	}
	if err := f.transport.Subscribe(ctx, f.cfg.InboundChannel, f.handleRequest); err != nil {
		_ = f.transport.Unsubscribe(ctx, f.cfg.DownstreamResponseChannel)
		return err
	}
	f.logger.Info("Forwarder started",
		"inbound", f.cfg.InboundChannel,
		"downstream", f.cfg.DownstreamRequestChannel,
		"responses", f.cfg.DownstreamResponseChannel)
	return nil
}

// Stop unsubscribes and drops all pending routes
func (f *Forwarder) Stop(ctx context.Context) error {
	err1 := f.transport.Unsubscribe(ctx, f.cfg.InboundChannel)
	err2 := f.transport.Unsubscribe(ctx, f.cfg.DownstreamResponseChannel)
	f.routes.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Pending returns the number of routes awaiting a reply
func (f *Forwarder) Pending() int {
	return f.routes.Len()
}

// Stats returns traffic counters
func (f *Forwarder) Stats() map[string]int64 {
	return map[string]int64{
		"forwarded": f.forwarded.Load(),
		"relayed":   f.relayed.Load(),
		"ignored":   f.ignored.Load(),
		"expired":   f.expired.Load(),
	}
}

func (f *Forwarder) handleRequest(ctx context.Context, msg core.Message) {
	h, err := rpc.PeekHeader(msg.Payload)
	if err != nil {
		f.ignore("malformed request", err)
		return
	}
	if !f.allowed[h.Type] {
		f.ignored.Add(1)
		f.count("not_allowed")
		f.logger.Debug("Request type not forwarded", "type", h.Type)
		return
	}
	if h.RequestID == "" || h.ResponseChannel == "" {
		f.ignore("request without requestId or responseChannel", nil)
		return
	}

	if _, err := f.routes.Register(h.RequestID, f.cfg.TTL,
		rpc.WithResponseChannel(h.ResponseChannel),
		rpc.WithRequestType(h.Type),
	); err != nil {
		f.ignore("cannot register route", err)
		return
	}

	if err := f.transport.Publish(ctx, f.cfg.DownstreamRequestChannel, msg.Payload); err != nil {
		f.routes.Discard(h.RequestID)
		f.count("publish_failed")
		f.logger.Error("Failed to forward request", "type", h.Type, "request_id", h.RequestID, "error", err)
		return
	}
	f.forwarded.Add(1)
	f.count("forwarded")
}

func (f *Forwarder) handleResponse(ctx context.Context, msg core.Message) {
	resp, err := rpc.ParseResponse(msg.Payload)
	if err != nil {
		f.ignore("malformed response", err)
		return
	}

	route, ok := f.routes.Take(resp.RequestID)
	if !ok {
		f.ignored.Add(1)
		f.count("unknown_request")
		f.logger.Debug("No route for response", "request_id", resp.RequestID)
		return
	}

	if err := f.transport.Publish(ctx, route.ResponseChannel, msg.Payload); err != nil {
		f.count("publish_failed")
		f.logger.Error("Failed to relay response", "request_id", resp.RequestID, "channel", route.ResponseChannel, "error", err)
		return
	}
	f.relayed.Add(1)
	f.count("relayed")
}

func (f *Forwarder) ignore(reason string, err error) {
	f.ignored.Add(1)
	f.count("ignored")
	if err != nil {
		f.logger.Warn("Ignoring message", "reason", reason, "error", err)
		return
	}
	f.logger.Warn("Ignoring message", "reason", reason)
}

func (f *Forwarder) count(result string) {
	if f.counter != nil {
		f.counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

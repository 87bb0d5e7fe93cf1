package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects how a call receives its response
type Mode int

const (
	// ModeShared listens on the client's well-known response channel and
	// filters by request id
	ModeShared Mode = iota
	// ModeEphemeral subscribes a fresh channel for this call only
	ModeEphemeral
)

// CallOptions tune a single call
type CallOptions struct {
	Timeout time.Duration
	Mode    Mode
}

// ClientConfig names the channels used by the client
type ClientConfig struct {
	RequestChannel  string
	ResponseChannel string
	EphemeralPrefix string
	DefaultTimeout  time.Duration
}

// Client issues correlated requests over a transport
type Client struct {
	transport core.ITransport
	registry  *Registry
	cfg       ClientConfig
	logger    core.ILogger

	mu      sync.Mutex
	started bool

	tracer       trace.Tracer
	callCounter  metric.Int64Counter
	callDuration metric.Float64Histogram
}

// NewClient creates a client. Start subscribes the shared response channel;
// shared-mode calls start it lazily otherwise.
func NewClient(transport core.ITransport, registry *Registry, cfg ClientConfig, logger core.ILogger) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}

	meter := telemetry.GetMeter("rpc-client")
	callCounter, _ := meter.Int64Counter("rpc_calls_total",
		metric.WithDescription("Correlated calls by request type and outcome"))
	callDuration, _ := meter.Float64Histogram("rpc_call_duration_seconds",
		metric.WithDescription("Time from publish to resolution"))

	return &Client{
		transport:    transport,
		registry:     registry,
		cfg:          cfg,
		logger:       logger.WithField("component", "rpc_client"),
		tracer:       telemetry.GetTracer("rpc-client"),
		callCounter:  callCounter,
		callDuration: callDuration,
	}
}

// Registry exposes the correlation registry backing this client
func (c *Client) Registry() *Registry {
	return c.registry
}

// Start subscribes the shared response channel
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx)
}

func (c *Client) startLocked(ctx context.Context) error {
	if c.started {
		return nil
	}
	if err := c.transport.Subscribe(ctx, c.cfg.ResponseChannel, c.HandleResponse); err != nil {
		return err
	}
	c.started = true
	c.logger.Info("Listening for responses", "channel", c.cfg.ResponseChannel)
	return nil
}

// Stop unsubscribes the shared response channel
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	return c.transport.Unsubscribe(ctx, c.cfg.ResponseChannel)
}

// HandleResponse resolves the pending request a response belongs to
func (c *Client) HandleResponse(_ context.Context, msg core.Message) {
	resp, err := ParseResponse(msg.Payload)
	if err != nil {
		c.logger.Warn("Ignoring malformed response", "channel", msg.Channel, "error", err)
		return
	}
	c.registry.Resolve(resp.RequestID, resp)
}

// Call publishes req and waits for its single resolution. Remote rejection,
// timeout and transport failure are reported through Result.Outcome; Call
// never blocks past the timeout.
func (c *Client) Call(ctx context.Context, req Request, opts CallOptions) *Result {
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}
	req.Timestamp = time.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	ctx, span := c.tracer.Start(ctx, "RPC "+string(req.Type),
		trace.WithAttributes(
			attribute.String("rpc.request_id", req.RequestID),
			attribute.String("rpc.type", string(req.Type)),
		),
	)
	defer span.End()

	start := time.Now()
	res := c.call(ctx, req, opts.Mode, timeout)

	attrs := metric.WithAttributes(
		attribute.String("type", string(req.Type)),
		attribute.String("outcome", res.Outcome.String()),
	)
	c.callCounter.Add(ctx, 1, attrs)
	c.callDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	span.SetAttributes(attribute.String("rpc.outcome", res.Outcome.String()))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (c *Client) call(ctx context.Context, req Request, mode Mode, timeout time.Duration) *Result {
	if mode == ModeEphemeral {
		req.ResponseChannel = EphemeralChannel(c.cfg.EphemeralPrefix)
		// Subscribe before publishing so a fast reply cannot be missed.
		if err := c.transport.Subscribe(ctx, req.ResponseChannel, c.HandleResponse); err != nil {
			return transportFailure(req.RequestID, req.Type, asTransportError("subscribe", req.ResponseChannel, err))
		}
		defer func() {
			if err := c.transport.Unsubscribe(context.Background(), req.ResponseChannel); err != nil {
				c.logger.Warn("Failed to drop ephemeral channel", "channel", req.ResponseChannel, "error", err)
			}
		}()
	} else {
		c.mu.Lock()
		err := c.startLocked(ctx)
		c.mu.Unlock()
		if err != nil {
			return transportFailure(req.RequestID, req.Type, asTransportError("subscribe", c.cfg.ResponseChannel, err))
		}
		req.ResponseChannel = c.cfg.ResponseChannel
	}

	pending, err := c.registry.Register(req.RequestID, timeout,
		WithResponseChannel(req.ResponseChannel),
		WithRequestType(req.Type),
	)
	if err != nil {
		return transportFailure(req.RequestID, req.Type, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		c.registry.Discard(req.RequestID)
		return transportFailure(req.RequestID, req.Type, err)
	}

	if err := c.transport.Publish(ctx, c.cfg.RequestChannel, payload); err != nil {
		c.registry.Discard(req.RequestID)
		c.logger.Error("Failed to publish request", "type", req.Type, "request_id", req.RequestID, "error", err)
		return transportFailure(req.RequestID, req.Type, asTransportError("publish", c.cfg.RequestChannel, err))
	}

	select {
	case res := <-pending.Done():
		if res.Outcome == OutcomeTimedOut {
			c.logger.Warn("Request timed out, outcome unknown", "type", req.Type, "request_id", req.RequestID, "timeout", timeout)
		}
		return res
	case <-ctx.Done():
		c.registry.Expire(req.RequestID)
		res := <-pending.Done()
		if res.Outcome == OutcomeTimedOut {
			res.Err = errors.Join(res.Err, ctx.Err())
		}
		return res
	}
}

func asTransportError(op, channel string, err error) error {
	if apperrors.IsTransport(err) {
		return err
	}
	return &apperrors.TransportError{Op: op, Channel: channel, Err: err}
}

package rpc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"
)

// Pending is one outstanding correlated request. It resolves exactly once:
// by a matching response, by its deadline, or by registry shutdown.
type Pending struct {
	RequestID       string
	RequestType     RequestType
	ResponseChannel string
	IssuedAt        time.Time
	Deadline        time.Time

	done  chan *Result
	timer *time.Timer
}

// Done delivers the single Result of this request
func (p *Pending) Done() <-chan *Result {
	return p.done
}

// RegisterOption customizes a pending entry
type RegisterOption func(*Pending)

// WithResponseChannel records where a reply for this request must be sent
func WithResponseChannel(channel string) RegisterOption {
	return func(p *Pending) { p.ResponseChannel = channel }
}

// WithRequestType tags the entry for error messages and metrics
func WithRequestType(t RequestType) RegisterOption {
	return func(p *Pending) { p.RequestType = t }
}

// Registry maps request ids to pending requests
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Pending
	onExpire []func(*Pending)
	closed   bool

	late    atomic.Int64
	expired atomic.Int64
	logger  core.ILogger
}

// NewRegistry creates an empty registry
func NewRegistry(logger core.ILogger) *Registry {
	return &Registry{
		entries: make(map[string]*Pending),
		logger:  logger.WithField("component", "correlation_registry"),
	}
}

// OnExpire adds a hook called (outside the lock) for every entry that times out
func (r *Registry) OnExpire(fn func(*Pending)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = append(r.onExpire, fn)
}

// Register adds a pending entry that expires after timeout
func (r *Registry) Register(requestID string, timeout time.Duration, opts ...RegisterOption) (*Pending, error) {
	if requestID == "" {
		return nil, &apperrors.ValidationError{Field: "requestId", Message: "must not be empty"}
	}

	now := time.Now()
	p := &Pending{
		RequestID: requestID,
		IssuedAt:  now,
		Deadline:  now.Add(timeout),
		done:      make(chan *Result, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("correlation registry: %w", apperrors.ErrClosed)
	}
	if _, exists := r.entries[requestID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDuplicateRequest, requestID)
	}
	r.entries[requestID] = p
	p.timer = time.AfterFunc(timeout, func() { r.Expire(requestID) })
	n := len(r.entries)
	r.mu.Unlock()

	telemetry.GetGlobalMetrics().SetPendingRequests(int64(n))
	return p, nil
}

// remove takes the entry out of the map. Whoever removes it owns its resolution.
func (r *Registry) remove(requestID string) (*Pending, bool) {
	r.mu.Lock()
	p, ok := r.entries[requestID]
	if ok {
		delete(r.entries, requestID)
		p.timer.Stop()
	}
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		telemetry.GetGlobalMetrics().SetPendingRequests(int64(n))
	}
	return p, ok
}

// Resolve completes a pending request with resp. It returns false when the id
// is unknown, already resolved or expired; such late responses are counted and dropped.
func (r *Registry) Resolve(requestID string, resp *Response) bool {
	p, ok := r.remove(requestID)
	if !ok {
		r.late.Add(1)
		r.logger.Debug("Dropping response for unknown or expired request", "request_id", requestID)
		return false
	}
	p.done <- resultFromResponse(p, resp)
	return true
}

// Take resolves and returns the entry without a response body. Used by relays
// that only need the stored response channel.
func (r *Registry) Take(requestID string) (*Pending, bool) {
	p, ok := r.remove(requestID)
	if !ok {
		r.late.Add(1)
		return nil, false
	}
	p.done <- &Result{Outcome: OutcomeSuccess, RequestID: requestID, RequestType: p.RequestType}
	return p, true
}

// Expire resolves the entry as timed out. No-op if it already resolved.
func (r *Registry) Expire(requestID string) bool {
	p, ok := r.remove(requestID)
	if !ok {
		return false
	}
	r.expired.Add(1)
	p.done <- timedOutResult(p)

	r.mu.Lock()
	hooks := append([]func(*Pending){}, r.onExpire...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(p)
	}
	return true
}

// Discard drops an entry without delivering a result. Used when the request
// never left the process.
func (r *Registry) Discard(requestID string) {
	r.remove(requestID)
}

// Len returns the number of outstanding requests
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// LateResponses counts responses that arrived after resolution
func (r *Registry) LateResponses() int64 {
	return r.late.Load()
}

// Expired counts entries resolved by deadline
func (r *Registry) Expired() int64 {
	return r.expired.Load()
}

// Close expires every outstanding entry and rejects new registrations
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Expire(id)
	}
}

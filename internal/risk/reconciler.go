// Package risk keeps the local position ledger aligned with the venue.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/exchange"
	"execution_core/internal/rpc"
	"execution_core/pkg/telemetry"
)

// Pass and per-account status values
const (
	StatusNeverRun         = "never_run"
	StatusRunning          = "running"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusSkippedTrading   = "skipped_trading_in_flight"
	StatusSkippedTimeout   = "skipped_timeout"
	StatusSkippedNoAccount = "skipped_no_accounts"
)

// DefaultPassTimeout bounds one scheduled pass
const DefaultPassTimeout = 30 * time.Second

// PositionSource is the venue side of reconciliation
type PositionSource interface {
	GetAccounts(ctx context.Context) exchange.Reply[[]core.Account]
	GetPositions(ctx context.Context, accountID string) exchange.Reply[[]core.Position]
}

// PositionBook is the local side of reconciliation
type PositionBook interface {
	ReplaceAccount(accountID string, snapshot []core.Position) []string
}

// AccountResult is the outcome of reconciling one account
type AccountResult struct {
	AccountID string   `json:"accountId"`
	Status    string   `json:"status"`
	Positions int      `json:"positions"`
	Removed   []string `json:"removed,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Status describes the latest pass
type Status struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
	Results     []AccountResult `json:"results,omitempty"`
}

// Reconciler periodically replaces each account's local positions with the
// venue snapshot. It never runs against an account while a trading operation
// holds the lock, and a timed-out query is treated as "no data", not "no positions".
type Reconciler struct {
	venue    PositionSource
	book     PositionBook
	lock     core.ITradingLock
	logger   core.ILogger
	accounts []string
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastResult Status
	statusMu   sync.RWMutex

	listenersMu      sync.RWMutex
	listeners        []func(Status)
	accountListeners []func([]core.Account)

	venueAccounts []core.Account
	accountsMu    sync.RWMutex
}

// NewReconciler creates a reconciler. An empty accounts list means every
// account reported by GET_ACCOUNTS.
func NewReconciler(
	venue PositionSource,
	book PositionBook,
	lock core.ITradingLock,
	logger core.ILogger,
	accounts []string,
	interval time.Duration,
) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		venue:      venue,
		book:       book,
		lock:       lock,
		logger:     logger.WithField("component", "reconciler"),
		accounts:   append([]string(nil), accounts...),
		interval:   interval,
		ctx:        ctx,
		cancel:     cancel,
		lastResult: Status{Status: StatusNeverRun},
	}
}

// OnComplete registers a listener called after every pass
func (r *Reconciler) OnComplete(fn func(Status)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// OnAccounts registers a listener called with every successful GET_ACCOUNTS result
func (r *Reconciler) OnAccounts(fn func([]core.Account)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.accountListeners = append(r.accountListeners, fn)
}

// Accounts returns the accounts from the last successful GET_ACCOUNTS query
func (r *Reconciler) Accounts() []core.Account {
	r.accountsMu.RLock()
	defer r.accountsMu.RUnlock()
	return append([]core.Account(nil), r.venueAccounts...)
}

// RefreshAccounts queries the venue for its accounts and notifies OnAccounts
// listeners. A failed query keeps the previous list.
func (r *Reconciler) RefreshAccounts(ctx context.Context) ([]core.Account, error) {
	reply := r.venue.GetAccounts(ctx)
	if !reply.OK() {
		return nil, fmt.Errorf("failed to list accounts (%s): %w", reply.Outcome, reply.Err)
	}
	accounts := append([]core.Account(nil), reply.Value...)

	r.accountsMu.Lock()
	r.venueAccounts = accounts
	r.accountsMu.Unlock()

	r.listenersMu.RLock()
	listeners := r.accountListeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(append([]core.Account(nil), accounts...))
	}
	return accounts, nil
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", r.interval)
	}
	r.logger.Info("Starting reconciler", "interval", r.interval, "accounts", r.accounts)

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

// Stop stops the loop and waits for any pass in progress
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, DefaultPassTimeout)
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation failed", "error", err)
			}
			cancel()
		}
	}
}

// TriggerManual runs a pass immediately
func (r *Reconciler) TriggerManual(ctx context.Context) error {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx)
}

// TriggerAccount schedules an asynchronous pass over one account
func (r *Reconciler) TriggerAccount(accountID string) {
	select {
	case <-r.ctx.Done():
		return
	default:
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, DefaultPassTimeout)
		defer cancel()
		if err := r.runPass(ctx, []string{accountID}); err != nil {
			r.logger.Error("Account reconciliation failed", "account", accountID, "error", err)
		}
	}()
}

// Reconcile performs one pass over every configured account
func (r *Reconciler) Reconcile(ctx context.Context) error {
	return r.runPass(ctx, nil)
}

func (r *Reconciler) runPass(ctx context.Context, only []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := Status{
		ID:        fmt.Sprintf("rec_%d", time.Now().UnixNano()),
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	r.setStatus(status)

	if tag, held := r.lock.Holder(); held {
		r.logger.Info("Skipping reconciliation, trading in flight", "operation", tag)
		status.Status = StatusSkippedTrading
		r.finish(status)
		return nil
	}

	accounts := only
	if len(accounts) == 0 {
		var err error
		accounts, err = r.resolveAccounts(ctx)
		if err != nil {
			status.Status = StatusFailed
			r.finish(status)
			return err
		}
	}
	if len(accounts) == 0 {
		status.Status = StatusSkippedNoAccount
		r.finish(status)
		return nil
	}

	r.logger.Info("Starting reconciliation pass", "id", status.ID, "accounts", len(accounts))

	var errs []error
	for _, id := range accounts {
		res := r.reconcileAccount(ctx, id)
		if res.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("account %s: %s", id, res.Error))
		}
		status.Results = append(status.Results, res)
	}

	status.Status = StatusCompleted
	if len(errs) == len(accounts) {
		status.Status = StatusFailed
	}
	r.finish(status)

	r.logger.Info("Reconciliation pass completed", "id", status.ID, "status", status.Status)
	return errors.Join(errs...)
}

func (r *Reconciler) resolveAccounts(ctx context.Context) ([]string, error) {
	if len(r.accounts) > 0 {
		return r.accounts, nil
	}
	accounts, err := r.RefreshAccounts(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (r *Reconciler) reconcileAccount(ctx context.Context, accountID string) AccountResult {
	res := AccountResult{AccountID: accountID}

	if tag, held := r.lock.Holder(); held {
		r.logger.Info("Skipping account, trading in flight", "account", accountID, "operation", tag)
		res.Status = StatusSkippedTrading
		return res
	}

	reply := r.venue.GetPositions(ctx, accountID)
	switch reply.Outcome {
	case rpc.OutcomeSuccess:
	case rpc.OutcomeTimedOut:
		r.logger.Warn("Position query timed out, keeping local state", "account", accountID)
		res.Status = StatusSkippedTimeout
		return res
	default:
		res.Status = StatusFailed
		if reply.Err != nil {
			res.Error = reply.Err.Error()
		} else {
			res.Error = reply.Outcome.String()
		}
		return res
	}

	// an order may have started while the query was in flight
	if tag, held := r.lock.Holder(); held {
		r.logger.Info("Discarding snapshot, trading started during query", "account", accountID, "operation", tag)
		res.Status = StatusSkippedTrading
		return res
	}

	res.Removed = r.book.ReplaceAccount(accountID, reply.Value)
	res.Positions = len(reply.Value)
	res.Status = StatusCompleted
	telemetry.GetGlobalMetrics().RecordReconcileRemoval(ctx, accountID, len(res.Removed))
	return res
}

func (r *Reconciler) setStatus(s Status) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.lastResult = s
}

func (r *Reconciler) finish(s Status) {
	s.CompletedAt = time.Now()
	r.setStatus(s)

	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// GetStatus returns a copy of the latest pass status
func (r *Reconciler) GetStatus() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	s := r.lastResult
	s.Results = append([]AccountResult(nil), s.Results...)
	return s
}

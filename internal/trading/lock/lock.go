// Package lock implements the process-wide single-flight guard for trading
// operations. Acquisition never waits: a held lock fails fast.
package lock

import (
	"sync"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"
)

// TradingLock allows one trading operation at a time
type TradingLock struct {
	mu         sync.Mutex
	held       bool
	tag        string
	acquiredAt time.Time
	generation uint64
	logger     core.ILogger
}

// New creates an unheld lock
func New(logger core.ILogger) *TradingLock {
	return &TradingLock{logger: logger.WithField("component", "trading_lock")}
}

// TryAcquire takes the lock for tag if it is free
func (l *TradingLock) TryAcquire(tag string) bool {
	_, ok := l.tryAcquire(tag)
	return ok
}

func (l *TradingLock) tryAcquire(tag string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return 0, false
	}
	l.held = true
	l.tag = tag
	l.acquiredAt = time.Now()
	l.generation++
	telemetry.GetGlobalMetrics().SetLockHeld(true)
	return l.generation, true
}

// Release frees the lock. Releasing a free lock is a no-op.
func (l *TradingLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
}

func (l *TradingLock) releaseLocked() {
	if !l.held {
		return
	}
	l.logger.Debug("Trading lock released", "operation", l.tag, "held_for", time.Since(l.acquiredAt))
	l.held = false
	l.tag = ""
	telemetry.GetGlobalMetrics().SetLockHeld(false)
}

// Acquire takes the lock or returns a LockedError naming the current holder.
// The returned release func is idempotent and only frees the acquisition it
// belongs to.
func (l *TradingLock) Acquire(tag string) (func(), error) {
	gen, ok := l.tryAcquire(tag)
	if !ok {
		current, _ := l.Holder()
		return nil, &apperrors.LockedError{CurrentOperation: current}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.generation == gen {
				l.releaseLocked()
			}
		})
	}, nil
}

// Do runs fn while holding the lock. The lock is released when fn returns,
// fails or panics.
func (l *TradingLock) Do(tag string, fn func() error) error {
	release, err := l.Acquire(tag)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Holder reports the tag of the running operation
func (l *TradingLock) Holder() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tag, l.held
}

// IsHeld reports whether an operation is in flight
func (l *TradingLock) IsHeld() bool {
	_, held := l.Holder()
	return held
}

// Package concurrency wraps alitto/pond for fire-and-forget fan-out work.
package concurrency

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"execution_core/internal/core"

	"github.com/alitto/pond"
)

// ErrPoolFull is returned by Submit on a non-blocking pool with no free queue slot
var ErrPoolFull = errors.New("worker pool is full")

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail with ErrPoolFull instead of waiting for a slot
	NonBlocking bool
}

// Stats is a point-in-time view of pool activity
type Stats struct {
	Running   int    `json:"running"`
	Waiting   uint64 `json:"waiting"`
	Completed uint64 `json:"completed"`
	Panicked  uint64 `json:"panicked"`
	Dropped   int64  `json:"dropped"`
}

// WorkerPool runs submitted tasks on a bounded set of goroutines. A panicking
// task is logged and does not take the pool down.
type WorkerPool struct {
	pool    *pond.WorkerPool
	name    string
	cfg     PoolConfig
	logger  core.ILogger
	dropped atomic.Int64
}

// NewWorkerPool creates a started pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}

	wp := &WorkerPool{
		name:   cfg.Name,
		cfg:    cfg,
		logger: logger.WithFields(map[string]interface{}{"component": "worker_pool", "pool": cfg.Name}),
	}
	wp.pool = pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			wp.logger.Error("Task panicked", "panic", p)
		}),
	)
	return wp
}

// Submit queues task. On a non-blocking pool a full queue drops the task.
func (wp *WorkerPool) Submit(task func()) error {
	if !wp.cfg.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if wp.pool.TrySubmit(task) {
		return nil
	}
	wp.dropped.Add(1)
	return fmt.Errorf("%w: %s (capacity %d)", ErrPoolFull, wp.name, wp.cfg.MaxCapacity)
}

// Stop drains queued tasks and stops the workers
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// StopTimeout drains for at most d; tasks still queued afterwards are discarded
func (wp *WorkerPool) StopTimeout(d time.Duration) {
	wp.pool.StopAndWaitFor(d)
	if left := wp.pool.WaitingTasks(); left > 0 {
		wp.logger.Warn("Pool stopped with queued tasks", "discarded", left)
	}
}

// Stats returns current counters
func (wp *WorkerPool) Stats() Stats {
	return Stats{
		Running:   wp.pool.RunningWorkers(),
		Waiting:   wp.pool.WaitingTasks(),
		Completed: wp.pool.CompletedTasks(),
		Panicked:  wp.pool.FailedTasks(),
		Dropped:   wp.dropped.Load(),
	}
}

package concurrency

import (
	"fmt"

	"execution_core/internal/core"

	"github.com/cespare/xxhash/v2"
)

// KeyedPool spreads tasks over single-worker lanes chosen by key. Tasks that
// share a key run one at a time in submission order; different keys may run
// in parallel.
type KeyedPool struct {
	lanes []*WorkerPool
}

// NewKeyedPool creates cfg.MaxWorkers lanes, each queueing up to
// cfg.MaxCapacity tasks
func NewKeyedPool(cfg PoolConfig, logger core.ILogger) *KeyedPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	lanes := make([]*WorkerPool, cfg.MaxWorkers)
	for i := range lanes {
		lane := cfg
		lane.Name = fmt.Sprintf("%s-%d", cfg.Name, i)
		lane.MaxWorkers = 1
		lanes[i] = NewWorkerPool(lane, logger)
	}
	return &KeyedPool{lanes: lanes}
}

func (kp *KeyedPool) lane(key string) *WorkerPool {
	return kp.lanes[xxhash.Sum64String(key)%uint64(len(kp.lanes))]
}

// Submit queues task on the lane owning key
func (kp *KeyedPool) Submit(key string, task func()) error {
	return kp.lane(key).Submit(task)
}

// Stop drains every lane
func (kp *KeyedPool) Stop() {
	for _, l := range kp.lanes {
		l.Stop()
	}
}

// Stats sums the lane counters
func (kp *KeyedPool) Stats() Stats {
	var s Stats
	for _, l := range kp.lanes {
		ls := l.Stats()
		s.Running += ls.Running
		s.Waiting += ls.Waiting
		s.Completed += ls.Completed
		s.Panicked += ls.Panicked
		s.Dropped += ls.Dropped
	}
	return s
}

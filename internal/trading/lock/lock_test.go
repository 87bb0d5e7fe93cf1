package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradingLock_FailsFastWhenHeld(t *testing.T) {
	l := New(logging.NopLogger{})
	release, err := l.Acquire("placeOrder")
	require.NoError(t, err)

	_, err = l.Acquire("closePosition")
	var locked *apperrors.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "placeOrder", locked.CurrentOperation)
	assert.True(t, apperrors.IsLocked(err))

	release()
	tag, held := l.Holder()
	assert.False(t, held)
	assert.Empty(t, tag)

	assert.True(t, l.TryAcquire("closePosition"))
}

func TestTradingLock_ReleaseIsIdempotent(t *testing.T) {
	l := New(logging.NopLogger{})
	release, err := l.Acquire("first")
	require.NoError(t, err)
	release()

	release2, err := l.Acquire("second")
	require.NoError(t, err)

	release()
	assert.True(t, l.IsHeld(), "stale release must not free a newer holder")

	release2()
	assert.False(t, l.IsHeld())
}

func TestTradingLock_DoReleasesOnEveryExit(t *testing.T) {
	l := New(logging.NopLogger{})

	require.NoError(t, l.Do("ok", func() error { return nil }))
	assert.False(t, l.IsHeld())

	boom := errors.New("boom")
	assert.ErrorIs(t, l.Do("fail", func() error { return boom }), boom)
	assert.False(t, l.IsHeld())

	assert.Panics(t, func() {
		_ = l.Do("panic", func() error { panic("kaboom") })
	})
	assert.False(t, l.IsHeld())
}

func TestTradingLock_OneWinnerUnderContention(t *testing.T) {
	l := New(logging.NopLogger{})
	var winners atomic.Int32
	start := make(chan struct{})
	hold := make(chan struct{})

	var attempted, done sync.WaitGroup
	for i := 0; i < 50; i++ {
		attempted.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			<-start
			release, err := l.Acquire("op")
			attempted.Done()
			if err == nil {
				winners.Add(1)
				<-hold
				release()
			}
		}()
	}
	close(start)
	attempted.Wait()
	close(hold)
	done.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.False(t, l.IsHeld())
}

func TestTradingLock_ReleaseWhenFree(t *testing.T) {
	l := New(logging.NopLogger{})
	assert.NotPanics(t, l.Release)
	assert.True(t, l.TryAcquire("x"))
	l.Release()
	assert.False(t, l.IsHeld())
}

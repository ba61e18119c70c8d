package workers

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, workers int) *Pool {
	cfg := DefaultPoolConfig("test")
	cfg.NumWorkers = workers
	cfg.QueueSize = 64
	cfg.ShutdownTimeout = time.Second
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestSubmitFuncRunsOnAWorker(t *testing.T) {
	p := newTestPool(t, 2)
	var ran int32
	require.NoError(t, p.SubmitFunc(func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
}

func TestSubmitWaitBlocksUntilTaskCompletes(t *testing.T) {
	p := newTestPool(t, 2)
	err := p.SubmitWait(TaskFunc(func() error { return errors.New("boom") }))
	assert.EqualError(t, err, "boom")
}

func TestSubmitAfterStopReturnsErrPoolStopped(t *testing.T) {
	cfg := DefaultPoolConfig("test")
	cfg.NumWorkers = 1
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	require.NoError(t, p.Stop())

	err := p.SubmitFunc(func() error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestSubmitBatchRunsAllTasksConcurrently(t *testing.T) {
	p := newTestPool(t, 4)
	var completed int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = TaskFunc(func() error {
			atomic.AddInt32(&completed, 1)
			return nil
		})
	}

	submitted, err := p.SubmitBatch(tasks)
	require.NoError(t, err)
	assert.Equal(t, len(tasks), submitted)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&completed) == int32(len(tasks)) }, time.Second, time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := DefaultPoolConfig("test")
	cfg.NumWorkers = 1
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	require.NoError(t, p.Stop())
	assert.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}

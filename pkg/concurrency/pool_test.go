package concurrency

import (
	"sync/atomic"
	"taoquant_grid/pkg/logging"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunAllWaits(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 3, MaxCapacity: 16}, logging.NewNopLogger())
	defer pool.Stop()

	var n int64
	tasks := make([]func(), 10)
	for i := range tasks {
		tasks[i] = func() { atomic.AddInt64(&n, 1) }
	}
	pool.RunAll(tasks)
	assert.Equal(t, int64(10), atomic.LoadInt64(&n))

	pool.RunAll(nil)
}

func TestWorkerPool_SubmitAndStop(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", NonBlocking: true}, logging.NewNopLogger())

	var n int64
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func() { atomic.AddInt64(&n, 1) }))
	}
	pool.Stop()
	assert.Equal(t, int64(5), atomic.LoadInt64(&n))
	assert.Contains(t, pool.Stats(), "submitted_tasks")
}

func TestWorkerPool_PanicIsRecovered(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test"}, logging.NewNopLogger())
	defer pool.Stop()

	var ran int64
	pool.RunAll([]func(){
		func() { panic("boom") },
		func() { atomic.AddInt64(&ran, 1) },
	})
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

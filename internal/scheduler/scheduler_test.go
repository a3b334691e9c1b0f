// Package scheduler_test tests admission control, deadline handling, and the
// concurrency bound.
package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/scheduler"
)

// blockingExecutor holds every job until released, recording peak concurrency.
type blockingExecutor struct {
	mu      sync.Mutex
	running int
	peak    int
	release chan struct{}
	result  core.JobResult
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{release: make(chan struct{})}
}

func (e *blockingExecutor) Execute(
	ctx context.Context, req *core.SynthesisRequest, lease *device.Lease,
) core.JobResult {
	e.mu.Lock()
	e.running++

	if e.running > e.peak {
		e.peak = e.running
	}
	e.mu.Unlock()

	select {
	case <-e.release:
	case <-ctx.Done():
	}

	e.mu.Lock()
	e.running--
	e.mu.Unlock()

	if ctx.Err() != nil {
		return core.JobResult{
			RequestID: req.ID,
			Status:    core.StatusTimedOut,
			ErrorKind: core.ErrorKindTimedOut,
		}
	}

	result := e.result
	if result.Status == "" {
		result = core.JobResult{RequestID: req.ID, Status: core.StatusCompleted}
	}

	result.RequestID = req.ID
	result.DeviceUsed = lease.Kind()

	return result
}

func (e *blockingExecutor) runningNow() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.running
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "scheduler-test.log")
	require.NoError(t, err)

	return log
}

func newScheduler(
	t *testing.T, gpuCapacity, queueDepth int, executor scheduler.Executor,
) (*scheduler.Scheduler, context.CancelFunc) {
	t.Helper()

	log := testLogger(t)

	arbiter, err := device.NewArbiter([]*device.Device{
		{ID: "gpu0", Kind: core.DeviceGPU, Capacity: gpuCapacity},
	}, device.Options{FaultThreshold: 3, Cooldown: time.Minute}, log)
	require.NoError(t, err)

	sched, err := scheduler.New(arbiter, executor, scheduler.Config{
		QueueDepth:       queueDepth,
		ExecutionTimeout: 5 * time.Second,
		DispatchWait:     time.Second,
	}, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Wait()
	})

	return sched, cancel
}

func newRequest(deadline time.Time) *core.SynthesisRequest {
	return &core.SynthesisRequest{
		ID:         uuid.NewString(),
		Text:       "hello",
		Voice:      core.VoiceRef{Name: "default"},
		ReceivedAt: time.Now(),
		Deadline:   deadline,
	}
}

func waitForRunning(t *testing.T, executor *blockingExecutor, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return executor.runningNow() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	executor := newBlockingExecutor()
	sched, _ := newScheduler(t, 2, 3, executor)

	results, err := sched.Submit(newRequest(time.Time{}))
	require.NoError(t, err)

	waitForRunning(t, executor, 1)
	close(executor.release)

	result := <-results
	assert.Equal(t, core.StatusCompleted, result.Status)
	assert.Equal(t, core.DeviceGPU, result.DeviceUsed)
}

func TestBurstAdmission(t *testing.T) {
	t.Parallel()

	// 10 concurrent requests against GPU capacity 2, queue depth 3, no CPU
	// fallback: 2 running, 3 queued, 5 rejected.
	executor := newBlockingExecutor()
	sched, _ := newScheduler(t, 2, 3, executor)

	var (
		accepted []<-chan core.JobResult
		rejected int
	)

	// Fill the two runner slots first so queue accounting is deterministic.
	for range 2 {
		results, err := sched.Submit(newRequest(time.Time{}))
		require.NoError(t, err)

		accepted = append(accepted, results)
	}

	waitForRunning(t, executor, 2)

	for range 8 {
		results, err := sched.Submit(newRequest(time.Time{}))
		if err != nil {
			require.ErrorIs(t, err, core.ErrNoCapacity)

			rejected++

			continue
		}

		accepted = append(accepted, results)
	}

	assert.Equal(t, 5, rejected)
	assert.Len(t, accepted, 5)

	stats := sched.Snapshot()
	assert.Equal(t, int64(2), stats.Running)
	assert.Equal(t, 3, stats.QueueDepth[core.DeviceGPU])
	assert.Equal(t, int64(5), stats.Rejected)

	close(executor.release)

	for _, results := range accepted {
		result := <-results
		assert.Equal(t, core.StatusCompleted, result.Status)
	}
}

func TestMixedDeploymentDrivesCPUSlots(t *testing.T) {
	t.Parallel()

	executor := newBlockingExecutor()
	log := testLogger(t)

	arbiter, err := device.NewArbiter([]*device.Device{
		{ID: "gpu0", Kind: core.DeviceGPU, Capacity: 1},
		{ID: "cpu0", Kind: core.DeviceCPU, Capacity: 1},
	}, device.Options{CPUFallback: true, FaultThreshold: 3, Cooldown: time.Minute}, log)
	require.NoError(t, err)

	sched, err := scheduler.New(arbiter, executor, scheduler.Config{
		QueueDepth:       3,
		ExecutionTimeout: 5 * time.Second,
		DispatchWait:     time.Second,
	}, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Wait()
	})

	first, err := sched.Submit(newRequest(time.Time{}))
	require.NoError(t, err)

	second, err := sched.Submit(newRequest(time.Time{}))
	require.NoError(t, err)

	// Both slots must fill: the CPU runner drains the queue instead of
	// idling behind the GPU runner.
	waitForRunning(t, executor, 2)
	close(executor.release)

	devicesUsed := map[core.DeviceKind]int{}
	for _, results := range []<-chan core.JobResult{first, second} {
		result := <-results
		assert.Equal(t, core.StatusCompleted, result.Status)
		devicesUsed[result.DeviceUsed]++
	}

	assert.Equal(t, 1, devicesUsed[core.DeviceGPU])
	assert.Equal(t, 1, devicesUsed[core.DeviceCPU])
}

func TestExpiredDeadlineNeverRuns(t *testing.T) {
	t.Parallel()

	executor := newBlockingExecutor()
	sched, _ := newScheduler(t, 1, 3, executor)

	// Occupy the only slot so the expiring job waits in the queue.
	blocker, err := sched.Submit(newRequest(time.Time{}))
	require.NoError(t, err)

	waitForRunning(t, executor, 1)

	results, err := sched.Submit(newRequest(time.Now().Add(20 * time.Millisecond)))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	close(executor.release)

	result := <-results
	assert.Equal(t, core.StatusTimedOut, result.Status)
	assert.Equal(t, core.ErrorKindTimedOut, result.ErrorKind)

	blocked := <-blocker
	assert.Equal(t, core.StatusCompleted, blocked.Status)

	assert.Equal(t, 1, executor.peak, "the expired job must never reach the executor")
}

func TestRunningJobTimesOut(t *testing.T) {
	t.Parallel()

	executor := newBlockingExecutor()

	log := testLogger(t)
	arbiter, err := device.NewArbiter([]*device.Device{
		{ID: "gpu0", Kind: core.DeviceGPU, Capacity: 1},
	}, device.Options{FaultThreshold: 3, Cooldown: time.Minute}, log)
	require.NoError(t, err)

	sched, err := scheduler.New(arbiter, executor, scheduler.Config{
		QueueDepth:       2,
		ExecutionTimeout: 30 * time.Millisecond,
		DispatchWait:     time.Second,
	}, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	results, err := sched.Submit(newRequest(time.Time{}))
	require.NoError(t, err)

	result := <-results
	assert.Equal(t, core.StatusTimedOut, result.Status)

	// The slot must be free again for the next job.
	close(executor.release)

	next, err := sched.Submit(newRequest(time.Time{}))
	require.NoError(t, err)

	nextResult := <-next
	assert.Equal(t, core.StatusCompleted, nextResult.Status)
}

func TestSubmitRejectsWithinBoundedTime(t *testing.T) {
	t.Parallel()

	executor := newBlockingExecutor()
	sched, _ := newScheduler(t, 1, 1, executor)

	_, err := sched.Submit(newRequest(time.Time{}))
	require.NoError(t, err)

	waitForRunning(t, executor, 1)

	_, err = sched.Submit(newRequest(time.Time{}))
	require.NoError(t, err)

	start := time.Now()

	_, err = sched.Submit(newRequest(time.Time{}))
	require.ErrorIs(t, err, core.ErrNoCapacity)
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"rejection must be fail-fast, not queued")

	close(executor.release)
}

// Package scheduler bounds in-flight synthesis jobs per device class, queues
// excess requests behind a configurable depth, and rejects the rest fast.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
)

// acquireRetryInterval paces slot probes while every matching device is
// saturated or cooling down.
const acquireRetryInterval = 25 * time.Millisecond

// ErrQueueDepth indicates a non-positive queue depth in the configuration.
var ErrQueueDepth = errors.New("queue depth must be positive")

// Executor runs one dispatched job on a leased device slot and returns its
// result. Implementations release every lease they hold on all exit paths and
// never panic through; the initial lease release is additionally guaranteed
// by the runner.
type Executor interface {
	Execute(ctx context.Context, req *core.SynthesisRequest, lease *device.Lease) core.JobResult
}

// Config bounds the scheduler.
type Config struct {
	// QueueDepth is the bounded queue size per device class.
	QueueDepth int
	// ExecutionTimeout is the maximum wall time one job may hold a slot.
	ExecutionTimeout time.Duration
	// DispatchWait is how long a dequeued job may wait for a device slot
	// before it is rejected.
	DispatchWait time.Duration
}

type job struct {
	req     *core.SynthesisRequest
	results chan core.JobResult
}

// Scheduler is the admission controller. Jobs move
// Queued -> Dispatched -> Running -> terminal; FIFO order holds within the
// admission queue. All requests enter one queue for the primary device class;
// runners of each class drain it, so CPU slots receive work directly when
// fallback is enabled instead of idling behind the GPU runners.
type Scheduler struct {
	arbiter  *device.Arbiter
	executor Executor
	cfg      Config
	log      *logger.Logger

	primary core.DeviceKind
	queue   chan *job

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64

	wg      sync.WaitGroup
	started atomic.Bool
}

// Stats is a point-in-time scheduler view for the health signal.
type Stats struct {
	QueueDepth map[core.DeviceKind]int
	Running    int64
	Completed  int64
	Failed     int64
	Rejected   int64
	TimedOut   int64
}

// New creates a scheduler over the arbiter's device classes. One runner
// goroutine per slot keeps total Running jobs within each class's capacity.
func New(
	arbiter *device.Arbiter,
	executor Executor,
	cfg Config,
	log *logger.Logger,
) (*Scheduler, error) {
	if cfg.QueueDepth <= 0 {
		return nil, ErrQueueDepth
	}

	primary := core.DeviceCPU
	if arbiter.CapacityOf(core.DeviceGPU) > 0 {
		primary = core.DeviceGPU
	}

	var queue chan *job
	if arbiter.CapacityOf(primary) > 0 {
		queue = make(chan *job, cfg.QueueDepth)
	}

	return &Scheduler{
		arbiter:  arbiter,
		executor: executor,
		cfg:      cfg,
		log:      log,
		primary:  primary,
		queue:    queue,
	}, nil
}

// Start launches the runner pool. Runners drain until ctx is cancelled; Wait
// blocks for them afterwards.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	for _, kind := range []core.DeviceKind{core.DeviceGPU, core.DeviceCPU} {
		if !s.runsClass(kind) {
			continue
		}

		for slot := range s.arbiter.CapacityOf(kind) {
			s.wg.Add(1)

			go s.runLoop(ctx, kind, slot)
		}
	}
}

// runsClass reports whether runners of the given class drain the queue. CPU
// runners only join a GPU-primary deployment when fallback is enabled,
// otherwise their slots are unreachable by policy.
func (s *Scheduler) runsClass(kind core.DeviceKind) bool {
	if s.arbiter.CapacityOf(kind) == 0 {
		return false
	}

	return kind == s.primary ||
		(kind == core.DeviceCPU && s.arbiter.CPUFallbackEnabled())
}

// Wait blocks until every runner has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Submit admits a request into the admission queue. A full queue rejects
// immediately with ErrNoCapacity; the returned channel delivers exactly one
// result once the job reaches a terminal state.
func (s *Scheduler) Submit(req *core.SynthesisRequest) (<-chan core.JobResult, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("%w: no device queues configured", core.ErrNoCapacity)
	}

	entry := &job{
		req:     req,
		results: make(chan core.JobResult, 1),
	}

	select {
	case s.queue <- entry:
		return entry.results, nil
	default:
		s.rejected.Add(1)

		return nil, fmt.Errorf("%w: admission queue full", core.ErrNoCapacity)
	}
}

func (s *Scheduler) runLoop(ctx context.Context, kind core.DeviceKind, slot int) {
	defer s.wg.Done()

	s.log.Info("Scheduler runner %d started for %s", slot, kind)

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-s.queue:
			// Every dispatch prefers the primary class; the arbiter
			// degrades to CPU under pressure.
			s.dispatch(ctx, s.primary, entry)
		}
	}
}

// dispatch takes one queued job to a terminal state: skipped when past its
// deadline, rejected when no slot frees up in time, otherwise executed.
func (s *Scheduler) dispatch(ctx context.Context, kind core.DeviceKind, entry *job) {
	req := entry.req

	if deadlinePassed(req) {
		s.timedOut.Add(1)
		entry.results <- timedOutResult(req)

		return
	}

	lease, acquireErr := s.acquireWithWait(ctx, kind, req)
	if acquireErr != nil {
		result := rejectedResult(req, acquireErr)
		s.count(result.Status)
		entry.results <- result

		return
	}

	timeout := s.executionBudget(req)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)

	s.running.Add(1)

	result := s.executor.Execute(jobCtx, req, lease)

	s.running.Add(-1)
	cancel()
	// The executor releases on every exit path; this is the backstop.
	s.arbiter.Release(lease)

	s.count(result.Status)
	entry.results <- result
}

// acquireWithWait probes for a slot until one frees, the dispatch budget
// runs out, or the job's deadline passes.
func (s *Scheduler) acquireWithWait(
	ctx context.Context, kind core.DeviceKind, req *core.SynthesisRequest,
) (*device.Lease, error) {
	waitUntil := time.Now().Add(s.cfg.DispatchWait)

	for {
		lease, err := s.arbiter.Acquire(kind)
		if err == nil {
			return lease, nil
		}

		if deadlinePassed(req) {
			return nil, core.ErrTimedOut
		}

		if time.Now().After(waitUntil) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: scheduler stopping", core.ErrNoCapacity)
		case <-time.After(acquireRetryInterval):
		}
	}
}

func (s *Scheduler) executionBudget(req *core.SynthesisRequest) time.Duration {
	timeout := s.cfg.ExecutionTimeout

	if !req.Deadline.IsZero() {
		remaining := time.Until(req.Deadline)
		if remaining < timeout {
			timeout = remaining
		}
	}

	return timeout
}

func (s *Scheduler) count(status core.JobStatus) {
	switch status {
	case core.StatusCompleted:
		s.completed.Add(1)
	case core.StatusFailed:
		s.failed.Add(1)
	case core.StatusRejected:
		s.rejected.Add(1)
	case core.StatusTimedOut:
		s.timedOut.Add(1)
	}
}

// Snapshot reports queue depth and terminal-state counters.
func (s *Scheduler) Snapshot() Stats {
	depths := make(map[core.DeviceKind]int, 1)
	if s.queue != nil {
		depths[s.primary] = len(s.queue)
	}

	return Stats{
		QueueDepth: depths,
		Running:    s.running.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Rejected:   s.rejected.Load(),
		TimedOut:   s.timedOut.Load(),
	}
}

func deadlinePassed(req *core.SynthesisRequest) bool {
	return !req.Deadline.IsZero() && time.Now().After(req.Deadline)
}

func timedOutResult(req *core.SynthesisRequest) core.JobResult {
	return core.JobResult{
		RequestID:    req.ID,
		Status:       core.StatusTimedOut,
		ErrorKind:    core.ErrorKindTimedOut,
		ErrorMessage: "deadline elapsed before dispatch",
		LatencyMs:    time.Since(req.ReceivedAt).Milliseconds(),
	}
}

func rejectedResult(req *core.SynthesisRequest, cause error) core.JobResult {
	status := core.StatusRejected
	kind := core.ErrorKindNoCapacity

	if errors.Is(cause, core.ErrTimedOut) {
		status = core.StatusTimedOut
		kind = core.ErrorKindTimedOut
	}

	return core.JobResult{
		RequestID:    req.ID,
		Status:       status,
		ErrorKind:    kind,
		ErrorMessage: cause.Error(),
		LatencyMs:    time.Since(req.ReceivedAt).Milliseconds(),
	}
}

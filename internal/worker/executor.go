package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/conditioning"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
)

// Executor runs one dispatched job: conditioning-profile lookup, then the
// stage pipeline on the leased device. A GPU device fault is retried once on
// CPU before surfacing. No fault, including a panic in a stage, escapes as
// anything but a Failed result.
type Executor struct {
	cache        *conditioning.Cache
	pipe         *pipeline.Pipeline
	arbiter      *device.Arbiter
	defaultVoice string
	cpuRetry     bool
	log          *logger.Logger
}

// NewExecutor wires the executor. cpuRetry enables the one-shot CPU retry
// after a GPU device fault.
func NewExecutor(
	cache *conditioning.Cache,
	pipe *pipeline.Pipeline,
	arbiter *device.Arbiter,
	defaultVoice string,
	cpuRetry bool,
	log *logger.Logger,
) *Executor {
	return &Executor{
		cache:        cache,
		pipe:         pipe,
		arbiter:      arbiter,
		defaultVoice: defaultVoice,
		cpuRetry:     cpuRetry,
		log:          log,
	}
}

// Execute implements scheduler.Executor. The initial lease is released here
// on every exit path.
func (e *Executor) Execute(
	ctx context.Context, req *core.SynthesisRequest, lease *device.Lease,
) (result core.JobResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.log.Error("Recovered panic while executing job %s: %v", req.ID, recovered)
			e.arbiter.Release(lease)

			result = core.JobResult{
				RequestID:    req.ID,
				Status:       core.StatusFailed,
				ErrorKind:    core.ErrorKindInternal,
				ErrorMessage: fmt.Sprintf("unexpected fault: %v", recovered),
				LatencyMs:    latencyMs(req),
			}
		}
	}()

	defer e.arbiter.Release(lease)

	profile, err := e.cache.GetOrCompute(ctx, e.resolveVoice(req.Voice))
	if err != nil {
		return failedResult(req, err)
	}

	result = e.runOnDevice(ctx, req, profile, lease)

	if e.shouldRetryOnCPU(result, lease) {
		e.log.Warn("Job %s hit a GPU device fault, retrying once on CPU", req.ID)

		// Free the faulted GPU slot before taking a CPU one.
		e.arbiter.Release(lease)

		retryResult, retried := e.retryOnCPU(ctx, req, profile)
		if retried {
			return retryResult
		}
	}

	return result
}

func (e *Executor) resolveVoice(ref core.VoiceRef) core.VoiceRef {
	if ref.Name == "" && ref.AudioKey == "" {
		return core.VoiceRef{Name: e.defaultVoice}
	}

	return ref
}

func (e *Executor) shouldRetryOnCPU(result core.JobResult, lease *device.Lease) bool {
	return e.cpuRetry &&
		result.Status == core.StatusFailed &&
		result.ErrorKind == core.ErrorKindDevice &&
		lease.Kind() == core.DeviceGPU
}

func (e *Executor) retryOnCPU(
	ctx context.Context, req *core.SynthesisRequest, profile *conditioning.Profile,
) (core.JobResult, bool) {
	cpuLease, err := e.arbiter.Acquire(core.DeviceCPU)
	if err != nil {
		e.log.Warn("No CPU slot free for retry of job %s: %v", req.ID, err)

		return core.JobResult{}, false
	}

	defer e.arbiter.Release(cpuLease)

	return e.runOnDevice(ctx, req, profile, cpuLease), true
}

// runOnDevice drives the pipeline once on the leased device and maps the
// outcome to a JobResult, updating device health along the way.
func (e *Executor) runOnDevice(
	ctx context.Context,
	req *core.SynthesisRequest,
	profile *conditioning.Profile,
	lease *device.Lease,
) core.JobResult {
	pipeCtx := pipeline.NewContext(req.Text, req.LanguageHint, profile, lease.Kind())

	// Cooperative cancellation: the context deadline flips the flag the
	// stages check at their boundaries.
	stop := context.AfterFunc(ctx, pipeCtx.Cancel)
	defer stop()

	err := e.pipe.Run(ctx, pipeCtx)
	if err != nil {
		if core.IsDeviceFault(err) {
			e.arbiter.ReportFault(lease)
		}

		if errors.Is(err, core.ErrTimedOut) {
			return core.JobResult{
				RequestID:    req.ID,
				Status:       core.StatusTimedOut,
				ErrorKind:    core.ErrorKindTimedOut,
				ErrorMessage: "execution budget exceeded",
				DeviceUsed:   lease.Kind(),
				LatencyMs:    latencyMs(req),
			}
		}

		result := failedResult(req, err)
		result.DeviceUsed = lease.Kind()

		return result
	}

	e.arbiter.ReportSuccess(lease)

	pcm := audio.Float32ToPCM16(pipeCtx.Waveform)

	return core.JobResult{
		RequestID:  req.ID,
		Status:     core.StatusCompleted,
		Audio:      audio.EncodeWAV(pcm, audio.ModelSampleRate),
		DeviceUsed: lease.Kind(),
		Truncated:  pipeCtx.Truncated,
		LatencyMs:  latencyMs(req),
	}
}

func failedResult(req *core.SynthesisRequest, err error) core.JobResult {
	return core.JobResult{
		RequestID:    req.ID,
		Status:       core.StatusFailed,
		ErrorKind:    core.ErrorKindOf(err),
		ErrorMessage: err.Error(),
		LatencyMs:    latencyMs(req),
	}
}

func latencyMs(req *core.SynthesisRequest) int64 {
	if req.ReceivedAt.IsZero() {
		return 0
	}

	return time.Since(req.ReceivedAt).Milliseconds()
}

package synth

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-clone-service/internal/conditioning"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
)

const warmupText = "This is a warm up run for the synthesis models."

// Warmup runs one short synthesis through the full pipeline with the given
// voice so the first real request does not pay model-load latency. A warm-up
// failure is the caller's to log; it should not abort startup.
func Warmup(
	ctx context.Context,
	pipe *pipeline.Pipeline,
	cache *conditioning.Cache,
	arbiter *device.Arbiter,
	voice string,
	log *logger.Logger,
) error {
	profile, err := cache.GetOrCompute(ctx, core.VoiceRef{Name: voice})
	if err != nil {
		return fmt.Errorf("failed to resolve warm-up voice '%s': %w", voice, err)
	}

	lease, err := arbiter.Acquire(core.DeviceGPU)
	if err != nil {
		return fmt.Errorf("failed to acquire device for warm-up: %w", err)
	}

	defer arbiter.Release(lease)

	req := pipeline.NewContext(warmupText, "", profile, lease.Kind())

	err = pipe.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("warm-up synthesis failed: %w", err)
	}

	log.Info("Warm-up synthesis completed on %s (%d samples)", lease.Kind(), len(req.Waveform))

	return nil
}

// main package for the voice-clone-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-clone-service/internal/conditioning"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/device"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/scheduler"
	"github.com/book-expert/voice-clone-service/internal/synth"
	"github.com/book-expert/voice-clone-service/internal/worker"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "voice-clone-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

// serve wires the service together and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	referenceStore, err := objectstore.New(
		jetstreamContext, cfg.NATS.ReferenceBucket, cfg.ReferenceTTL(),
	)
	if err != nil {
		return fmt.Errorf("failed to open reference bucket: %w", err)
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.NATS.AudioBucket, 0)
	if err != nil {
		return fmt.Errorf("failed to open audio bucket: %w", err)
	}

	backend := synth.NewRemoteBackend(cfg.Synthesis.ModelRuntimeURL, cfg.RequestTimeout())

	cache, err := conditioning.New(referenceStore, backend, cfg.Cache.MaxEntries, log)
	if err != nil {
		return fmt.Errorf("failed to create conditioning cache: %w", err)
	}

	for name, audioKey := range cfg.Voices {
		pinErr := cache.PinVoice(ctx, name, audioKey)
		if pinErr != nil {
			return fmt.Errorf("failed to pin voice '%s': %w", name, pinErr)
		}

		log.Info("Pinned voice '%s'", name)
	}

	arbiter, err := device.NewArbiter(buildDevices(cfg), device.Options{
		CPUFallback:    cfg.Devices.CPUFallback,
		FaultThreshold: cfg.Devices.FaultThreshold,
		Cooldown:       cfg.Cooldown(),
		Clock:          nil,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create device arbiter: %w", err)
	}

	pipe, err := pipeline.New(synth.Stages(backend, cfg.Synthesis.MaxAcousticTokens), log)
	if err != nil {
		return fmt.Errorf("failed to create stage pipeline: %w", err)
	}

	if cfg.Synthesis.WarmupEnabled {
		warmupErr := synth.Warmup(ctx, pipe, cache, arbiter, cfg.Synthesis.DefaultVoice, log)
		if warmupErr != nil {
			log.Warn("Warm-up synthesis failed: %v", warmupErr)
		}
	}

	executor := worker.NewExecutor(
		cache, pipe, arbiter, cfg.Synthesis.DefaultVoice, cfg.Devices.CPUFallback, log,
	)

	sched, err := scheduler.New(arbiter, executor, scheduler.Config{
		QueueDepth:       cfg.Scheduler.QueueDepth,
		ExecutionTimeout: cfg.ExecutionTimeout(),
		DispatchWait:     cfg.DispatchWait(),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	sched.Start(ctx)
	defer sched.Wait()

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.SynthesisSubject,
		cfg.NATS.StatsSubject,
		cfg.StatsInterval(),
		audioStore,
		sched,
		cache,
		arbiter,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System(
		"Voice-clone service initialized. Listening for jobs on subject: %s",
		cfg.NATS.SynthesisSubject,
	)

	runErr := natsWorker.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("worker stopped: %w", runErr)
	}

	return nil
}

// buildDevices expands the device configuration into concrete devices, GPUs
// first so the arbiter probes them first.
func buildDevices(cfg *config.Config) []*device.Device {
	devices := make([]*device.Device, 0, cfg.Devices.GPUCount+1)

	for index := range cfg.Devices.GPUCount {
		devices = append(devices, &device.Device{
			ID:       fmt.Sprintf("gpu-%d", index),
			Kind:     core.DeviceGPU,
			Capacity: cfg.Devices.GPUCapacity,
		})
	}

	if cfg.Devices.CPUCapacity > 0 {
		devices = append(devices, &device.Device{
			ID:       "cpu-0",
			Kind:     core.DeviceCPU,
			Capacity: cfg.Devices.CPUCapacity,
		})
	}

	return devices
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}

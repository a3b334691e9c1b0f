// Package pipeline_test tests stage ordering, cancellation, and failure
// isolation.
package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-clone-service/internal/conditioning"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
)

var errMockStage = errors.New("mock stage error")

// recordingStage appends its name to a shared trace and can fail or cancel.
type recordingStage struct {
	name        string
	trace       *[]string
	failWith    error
	cancelAfter bool
}

func (s *recordingStage) Name() string { return s.name }

func (s *recordingStage) Kind() core.DeviceKind { return core.DeviceCPU }

func (s *recordingStage) Run(_ context.Context, req *pipeline.Context) error {
	*s.trace = append(*s.trace, s.name)

	if s.failWith != nil {
		return s.failWith
	}

	if s.cancelAfter {
		req.Cancel()
	}

	req.Waveform = append(req.Waveform, float32(len(*s.trace)))

	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	return log
}

func testProfile() *conditioning.Profile {
	return &conditioning.Profile{Fingerprint: "fp", Embedding: []float32{1}}
}

func TestRunExecutesStagesInOrder(t *testing.T) {
	t.Parallel()

	var trace []string

	pipe, err := pipeline.New([]pipeline.Stage{
		&recordingStage{name: "first", trace: &trace},
		&recordingStage{name: "second", trace: &trace},
		&recordingStage{name: "third", trace: &trace},
	}, testLogger(t))
	require.NoError(t, err)

	req := pipeline.NewContext("text", "", testProfile(), core.DeviceGPU)

	err = pipe.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, trace)
	assert.Len(t, req.Waveform, 3)
}

func TestRunStageFailureDiscardsPartialContext(t *testing.T) {
	t.Parallel()

	var trace []string

	pipe, err := pipeline.New([]pipeline.Stage{
		&recordingStage{name: "first", trace: &trace},
		&recordingStage{name: "second", trace: &trace, failWith: errMockStage},
		&recordingStage{name: "third", trace: &trace},
	}, testLogger(t))
	require.NoError(t, err)

	req := pipeline.NewContext("text", "", testProfile(), core.DeviceGPU)

	err = pipe.Run(context.Background(), req)
	require.Error(t, err)

	var stageErr *core.StageError

	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "second", stageErr.Stage)
	require.ErrorIs(t, err, errMockStage)

	assert.Equal(t, []string{"first", "second"}, trace, "stages after the failure must not run")
	assert.Nil(t, req.Waveform, "partial outputs must be discarded")
}

func TestRunDeviceFaultPassesThroughUnwrapped(t *testing.T) {
	t.Parallel()

	var trace []string

	fault := &core.DeviceFault{Device: core.DeviceGPU, Cause: errMockStage}

	pipe, err := pipeline.New([]pipeline.Stage{
		&recordingStage{name: "first", trace: &trace, failWith: fault},
	}, testLogger(t))
	require.NoError(t, err)

	req := pipeline.NewContext("text", "", testProfile(), core.DeviceGPU)

	err = pipe.Run(context.Background(), req)
	assert.True(t, core.IsDeviceFault(err))
}

func TestRunCancellationStopsAtStageBoundary(t *testing.T) {
	t.Parallel()

	var trace []string

	pipe, err := pipeline.New([]pipeline.Stage{
		&recordingStage{name: "first", trace: &trace, cancelAfter: true},
		&recordingStage{name: "second", trace: &trace},
	}, testLogger(t))
	require.NoError(t, err)

	req := pipeline.NewContext("text", "", testProfile(), core.DeviceGPU)

	err = pipe.Run(context.Background(), req)
	require.ErrorIs(t, err, core.ErrTimedOut)

	assert.Equal(t, []string{"first"}, trace, "cancellation is checked before each stage")
}

func TestRunContextCancellationStopsPipeline(t *testing.T) {
	t.Parallel()

	var trace []string

	pipe, err := pipeline.New([]pipeline.Stage{
		&recordingStage{name: "first", trace: &trace},
	}, testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := pipeline.NewContext("text", "", testProfile(), core.DeviceGPU)

	err = pipe.Run(ctx, req)
	require.ErrorIs(t, err, core.ErrTimedOut)
	assert.Empty(t, trace)
}

func TestRunIsIdempotentForIdenticalInputs(t *testing.T) {
	t.Parallel()

	var trace []string

	stages := []pipeline.Stage{
		&recordingStage{name: "only", trace: &trace},
	}

	pipe, err := pipeline.New(stages, testLogger(t))
	require.NoError(t, err)

	profile := testProfile()

	first := pipeline.NewContext("same text", "", profile, core.DeviceGPU)
	require.NoError(t, pipe.Run(context.Background(), first))

	trace = trace[:0]

	second := pipeline.NewContext("same text", "", profile, core.DeviceGPU)
	require.NoError(t, pipe.Run(context.Background(), second))

	assert.Equal(t, first.Waveform, second.Waveform,
		"replaying the same inputs must yield identical output")
}

func TestNewRejectsEmptyStageList(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(nil, testLogger(t))
	require.ErrorIs(t, err, pipeline.ErrNoStages)
}

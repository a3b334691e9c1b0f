// Package synth_test tests the model stage adapters.
package synth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-clone-service/internal/conditioning"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/synth"
)

var errMockBackend = errors.New("mock backend error")

// fakeBackend is a deterministic stand-in for the model runtime.
type fakeBackend struct {
	acousticPerToken int
	failStage        string
	deviceFaultOn    core.DeviceKind
}

func (f *fakeBackend) Encode(_ context.Context, text, _ string) ([]int32, error) {
	if f.failStage == synth.StageTokenize {
		return nil, errMockBackend
	}

	tokens := make([]int32, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int32(r))
	}

	return tokens, nil
}

func (f *fakeBackend) Generate(
	_ context.Context, tokens []int32, _ []float32, _ int, deviceUsed core.DeviceKind,
) ([]int32, error) {
	if f.failStage == synth.StageAcoustic {
		if f.deviceFaultOn == deviceUsed {
			return nil, &core.DeviceFault{Device: deviceUsed, Cause: errMockBackend}
		}

		return nil, errMockBackend
	}

	perToken := f.acousticPerToken
	if perToken == 0 {
		perToken = 2
	}

	acoustic := make([]int32, 0, len(tokens)*perToken)
	for _, tok := range tokens {
		for j := range perToken {
			acoustic = append(acoustic, tok*2+int32(j))
		}
	}

	return acoustic, nil
}

func (f *fakeBackend) Decode(
	_ context.Context, acoustic []int32, _ core.DeviceKind,
) ([][]float32, error) {
	if f.failStage == synth.StageMel {
		return nil, errMockBackend
	}

	mel := make([][]float32, len(acoustic))
	for i, tok := range acoustic {
		mel[i] = []float32{float32(tok), float32(tok) / 2}
	}

	return mel, nil
}

func (f *fakeBackend) Vocode(
	_ context.Context, mel [][]float32, _ core.DeviceKind,
) ([]float32, error) {
	if f.failStage == synth.StageVocode {
		return nil, errMockBackend
	}

	waveform := make([]float32, len(mel))
	for i, frame := range mel {
		waveform[i] = frame[0] / 100000
	}

	return waveform, nil
}

func (f *fakeBackend) Extract(_ context.Context, pcm []int16, _ int) ([]float32, error) {
	return []float32{float32(len(pcm))}, nil
}

func testProfile() *conditioning.Profile {
	return &conditioning.Profile{
		Fingerprint: "test-fingerprint",
		Embedding:   []float32{0.1, 0.2},
	}
}

func TestStagesOrderAndNames(t *testing.T) {
	t.Parallel()

	stages := synth.Stages(&fakeBackend{}, 600)
	require.Len(t, stages, 4)

	assert.Equal(t, synth.StageTokenize, stages[0].Name())
	assert.Equal(t, synth.StageAcoustic, stages[1].Name())
	assert.Equal(t, synth.StageMel, stages[2].Name())
	assert.Equal(t, synth.StageVocode, stages[3].Name())

	assert.Equal(t, core.DeviceCPU, stages[0].Kind())
	assert.Equal(t, core.DeviceGPU, stages[1].Kind())
}

func TestTokenizeStageRejectsEmptyText(t *testing.T) {
	t.Parallel()

	stages := synth.Stages(&fakeBackend{}, 600)
	req := pipeline.NewContext("   ", "", testProfile(), core.DeviceCPU)

	err := stages[0].Run(context.Background(), req)
	require.ErrorIs(t, err, core.ErrTextEmpty)
}

func TestAcousticStageTruncatesLongSequences(t *testing.T) {
	t.Parallel()

	const maxTokens = 10

	backend := &fakeBackend{acousticPerToken: 4}
	stages := synth.Stages(backend, maxTokens)
	req := pipeline.NewContext("hello world", "", testProfile(), core.DeviceGPU)

	require.NoError(t, stages[0].Run(context.Background(), req))
	require.NoError(t, stages[1].Run(context.Background(), req))

	assert.Len(t, req.Acoustic, maxTokens)
	assert.True(t, req.Truncated, "overflow must be reported as truncation, not failure")
}

func TestShortSequenceIsNotTruncated(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{acousticPerToken: 1}
	stages := synth.Stages(backend, 600)
	req := pipeline.NewContext("hi", "", testProfile(), core.DeviceGPU)

	require.NoError(t, stages[0].Run(context.Background(), req))
	require.NoError(t, stages[1].Run(context.Background(), req))

	assert.False(t, req.Truncated)
	assert.Len(t, req.Acoustic, 2)
}

func TestStageErrorsPropagate(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{failStage: synth.StageMel}
	stages := synth.Stages(backend, 600)
	req := pipeline.NewContext("hello", "", testProfile(), core.DeviceGPU)

	require.NoError(t, stages[0].Run(context.Background(), req))
	require.NoError(t, stages[1].Run(context.Background(), req))

	err := stages[2].Run(context.Background(), req)
	require.ErrorIs(t, err, errMockBackend)
}

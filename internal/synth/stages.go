// Package synth adapts the opaque model backends into ordered pipeline
// stages: tokenize, acoustic-token generation, mel decode, vocode.
package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/text"
)

// Stage names, which also appear in StageError reports.
const (
	StageTokenize = "tokenize"
	StageAcoustic = "acoustic"
	StageMel      = "mel"
	StageVocode   = "vocode"
)

var (
	// ErrNoTokens indicates tokenization produced an empty sequence.
	ErrNoTokens = errors.New("tokenization produced no tokens")
	// ErrEmptyMel indicates the mel decoder produced no frames.
	ErrEmptyMel = errors.New("mel decoding produced no frames")
	// ErrEmptyWaveform indicates the vocoder produced no samples.
	ErrEmptyWaveform = errors.New("vocoding produced no samples")
)

// Stages builds the ordered stage list for the given backend. The acoustic
// stage truncates sequences above maxAcousticTokens and flags the request
// context instead of failing.
func Stages(backend core.ModelBackend, maxAcousticTokens int) []pipeline.Stage {
	return []pipeline.Stage{
		&tokenizeStage{tokenizer: backend, normalizer: text.NewNormalizer()},
		&acousticStage{generator: backend, maxTokens: maxAcousticTokens},
		&melStage{decoder: backend},
		&vocodeStage{vocoder: backend},
	}
}

type tokenizeStage struct {
	tokenizer  core.TextTokenizer
	normalizer *text.Normalizer
}

func (s *tokenizeStage) Name() string { return StageTokenize }

func (s *tokenizeStage) Kind() core.DeviceKind { return core.DeviceCPU }

func (s *tokenizeStage) Run(ctx context.Context, req *pipeline.Context) error {
	normalized := s.normalizer.Normalize(req.Text)
	if normalized == "" {
		return core.ErrTextEmpty
	}

	tokens, err := s.tokenizer.Encode(ctx, normalized, req.Language)
	if err != nil {
		return fmt.Errorf("failed to encode text: %w", err)
	}

	if len(tokens) == 0 {
		return ErrNoTokens
	}

	req.Text = normalized
	req.Tokens = tokens

	return nil
}

type acousticStage struct {
	generator core.AcousticGenerator
	maxTokens int
}

func (s *acousticStage) Name() string { return StageAcoustic }

func (s *acousticStage) Kind() core.DeviceKind { return core.DeviceGPU }

func (s *acousticStage) Run(ctx context.Context, req *pipeline.Context) error {
	acoustic, err := s.generator.Generate(
		ctx, req.Tokens, req.Profile.Embedding, s.maxTokens, req.Device,
	)
	if err != nil {
		return fmt.Errorf("failed to generate acoustic tokens: %w", err)
	}

	if len(acoustic) > s.maxTokens {
		acoustic = acoustic[:s.maxTokens]
		req.Truncated = true
	}

	req.Acoustic = acoustic

	return nil
}

type melStage struct {
	decoder core.MelDecoder
}

func (s *melStage) Name() string { return StageMel }

func (s *melStage) Kind() core.DeviceKind { return core.DeviceGPU }

func (s *melStage) Run(ctx context.Context, req *pipeline.Context) error {
	mel, err := s.decoder.Decode(ctx, req.Acoustic, req.Device)
	if err != nil {
		return fmt.Errorf("failed to decode mel-spectrogram: %w", err)
	}

	if len(mel) == 0 {
		return ErrEmptyMel
	}

	req.Mel = mel

	return nil
}

type vocodeStage struct {
	vocoder core.Vocoder
}

func (s *vocodeStage) Name() string { return StageVocode }

func (s *vocodeStage) Kind() core.DeviceKind { return core.DeviceGPU }

func (s *vocodeStage) Run(ctx context.Context, req *pipeline.Context) error {
	waveform, err := s.vocoder.Vocode(ctx, req.Mel, req.Device)
	if err != nil {
		return fmt.Errorf("failed to vocode waveform: %w", err)
	}

	if len(waveform) == 0 {
		return ErrEmptyWaveform
	}

	req.Waveform = waveform

	return nil
}

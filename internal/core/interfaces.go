package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// ProfileExtractor derives a fixed-size speaker embedding from normalized
// reference audio (16-bit PCM at the model sample rate).
type ProfileExtractor interface {
	Extract(ctx context.Context, pcm []int16, sampleRate int) ([]float32, error)
}

// TextTokenizer converts normalized text into a model token sequence.
type TextTokenizer interface {
	Encode(ctx context.Context, text, language string) ([]int32, error)
}

// AcousticGenerator produces acoustic tokens conditioned on the text tokens
// and the speaker embedding. Implementations must not return more than
// maxTokens tokens; a DeviceFault is returned for device-specific failures.
type AcousticGenerator interface {
	Generate(
		ctx context.Context,
		tokens []int32,
		embedding []float32,
		maxTokens int,
		device DeviceKind,
	) ([]int32, error)
}

// MelDecoder decodes acoustic tokens into a mel-spectrogram, one frame per
// inner slice.
type MelDecoder interface {
	Decode(ctx context.Context, acoustic []int32, device DeviceKind) ([][]float32, error)
}

// Vocoder renders a mel-spectrogram into a raw waveform at the model sample
// rate.
type Vocoder interface {
	Vocode(ctx context.Context, mel [][]float32, device DeviceKind) ([]float32, error)
}

// ModelBackend bundles the opaque model stages the pipeline drives.
type ModelBackend interface {
	TextTokenizer
	AcousticGenerator
	MelDecoder
	Vocoder
	ProfileExtractor
}

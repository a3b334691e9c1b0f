// Package audio provides WAV decoding and encoding, mono mixdown, and sample
// rate conversion for the synthesis service. All model-facing audio is 16-bit
// PCM mono at 24 kHz.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// ModelSampleRate is the sample rate required by the model stages and
	// produced in result audio.
	ModelSampleRate = 24000

	// MinReferenceSeconds is the shortest usable reference-audio duration.
	MinReferenceSeconds = 3.0
	// MaxReferenceSeconds is the longest usable reference-audio duration.
	MaxReferenceSeconds = 10.0

	bitsPerSample  = 16
	bytesPerSample = 2
	wavHeaderSize  = 44
)

var (
	// ErrNotWAV indicates the payload is not a RIFF/WAVE container.
	ErrNotWAV = errors.New("data is not a WAV file")
	// ErrUnsupportedFormat indicates a WAV encoding other than 16-bit PCM.
	ErrUnsupportedFormat = errors.New("unsupported WAV format")
	// ErrReferenceTooShort indicates reference audio under the minimum duration.
	ErrReferenceTooShort = errors.New("reference audio too short")
	// ErrReferenceTooLong indicates reference audio over the maximum duration.
	ErrReferenceTooLong = errors.New("reference audio too long")
)

// Clip is decoded audio: 16-bit PCM samples, mono, at SampleRate.
type Clip struct {
	PCM        []int16
	SampleRate int
}

// DurationSeconds returns the clip length in seconds.
func (c Clip) DurationSeconds() float64 {
	if c.SampleRate <= 0 {
		return 0
	}

	return float64(len(c.PCM)) / float64(c.SampleRate)
}

// DecodeWAV parses a 16-bit PCM WAV payload into a mono clip. Stereo input is
// mixed down by channel averaging.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < wavHeaderSize {
		return Clip{}, fmt.Errorf("%w: %d bytes is smaller than a WAV header", ErrNotWAV, len(data))
	}

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: missing RIFF/WAVE markers", ErrNotWAV)
	}

	fmtChunk, dataChunk, err := findChunks(data[12:])
	if err != nil {
		return Clip{}, err
	}

	audioFormat := binary.LittleEndian.Uint16(fmtChunk[0:2])
	channels := int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
	sampleRate := int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
	bitDepth := int(binary.LittleEndian.Uint16(fmtChunk[14:16]))

	if audioFormat != 1 || bitDepth != bitsPerSample {
		return Clip{}, fmt.Errorf(
			"%w: format %d with %d-bit samples", ErrUnsupportedFormat, audioFormat, bitDepth,
		)
	}

	if channels < 1 || channels > 2 {
		return Clip{}, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
	}

	frames := len(dataChunk) / (bytesPerSample * channels)
	pcm := make([]int16, frames)

	for frame := range frames {
		var sum int32

		for ch := range channels {
			offset := (frame*channels + ch) * bytesPerSample
			sum += int32(int16(binary.LittleEndian.Uint16(dataChunk[offset : offset+2])))
		}

		pcm[frame] = int16(sum / int32(channels))
	}

	return Clip{PCM: pcm, SampleRate: sampleRate}, nil
}

// findChunks walks the RIFF chunk list and returns the fmt and data chunk
// bodies.
func findChunks(chunks []byte) (fmtChunk, dataChunk []byte, err error) {
	for len(chunks) >= 8 {
		chunkID := string(chunks[0:4])
		chunkSize := int(binary.LittleEndian.Uint32(chunks[4:8]))

		if chunkSize < 0 || chunkSize > len(chunks)-8 {
			chunkSize = len(chunks) - 8
		}

		body := chunks[8 : 8+chunkSize]

		switch chunkID {
		case "fmt ":
			fmtChunk = body
		case "data":
			dataChunk = body
		}

		// Chunks are word-aligned.
		advance := 8 + chunkSize + (chunkSize % 2)
		if advance > len(chunks) {
			break
		}

		chunks = chunks[advance:]
	}

	if len(fmtChunk) < 16 {
		return nil, nil, fmt.Errorf("%w: missing fmt chunk", ErrNotWAV)
	}

	if dataChunk == nil {
		return nil, nil, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
	}

	return fmtChunk, dataChunk, nil
}

// EncodeWAV wraps mono 16-bit PCM samples in a WAV container.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	dataSize := len(pcm) * bytesPerSample
	out := make([]byte, wavHeaderSize+dataSize)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], 1)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*bytesPerSample))
	binary.LittleEndian.PutUint16(out[32:34], bytesPerSample)
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))

	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(out[wavHeaderSize+i*2:], uint16(sample))
	}

	return out
}

// Resample converts a clip to the target sample rate using linear
// interpolation. The input clip is not modified.
func Resample(clip Clip, targetRate int) Clip {
	if clip.SampleRate == targetRate || len(clip.PCM) == 0 {
		out := Clip{PCM: append([]int16(nil), clip.PCM...), SampleRate: targetRate}

		return out
	}

	ratio := float64(clip.SampleRate) / float64(targetRate)
	outLen := int(float64(len(clip.PCM)) / ratio)
	out := make([]int16, outLen)

	for i := range outLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		if idx+1 >= len(clip.PCM) {
			out[i] = clip.PCM[len(clip.PCM)-1]

			continue
		}

		a := float64(clip.PCM[idx])
		b := float64(clip.PCM[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}

	return Clip{PCM: out, SampleRate: targetRate}
}

// ValidateReferenceDuration enforces the 3-10 second reference-audio band.
func ValidateReferenceDuration(clip Clip) error {
	seconds := clip.DurationSeconds()

	if seconds < MinReferenceSeconds {
		return fmt.Errorf("%w: %.2f seconds", ErrReferenceTooShort, seconds)
	}

	if seconds > MaxReferenceSeconds {
		return fmt.Errorf("%w: %.2f seconds", ErrReferenceTooLong, seconds)
	}

	return nil
}

// Float32ToPCM16 converts a [-1, 1] float waveform to 16-bit PCM with
// clipping.
func Float32ToPCM16(waveform []float32) []int16 {
	pcm := make([]int16, len(waveform))

	for i, sample := range waveform {
		scaled := float64(sample) * float64(math.MaxInt16)

		switch {
		case scaled > math.MaxInt16:
			pcm[i] = math.MaxInt16
		case scaled < math.MinInt16:
			pcm[i] = math.MinInt16
		default:
			pcm[i] = int16(scaled)
		}
	}

	return pcm
}

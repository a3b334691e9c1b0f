package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/voice-clone-service/internal/core"
)

// Model runtime endpoints, relative to the configured base URL.
const (
	pathTokenize = "/v1/tokenize"
	pathAcoustic = "/v1/acoustic"
	pathMel      = "/v1/mel"
	pathVocode   = "/v1/vocode"
	pathEmbed    = "/v1/embed"
)

// ErrBackendRequest indicates the model runtime returned a non-success
// response that is not a device fault.
var ErrBackendRequest = errors.New("model runtime request failed")

// RemoteBackend drives the neural stages over HTTP against a standalone model
// runtime. Each stage call is one request/response with a bounded timeout;
// device faults reported by the runtime surface as core.DeviceFault so the
// caller can retry on CPU.
type RemoteBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteBackend creates a backend client for the model runtime at baseURL.
func NewRemoteBackend(baseURL string, timeout time.Duration) *RemoteBackend {
	return &RemoteBackend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type errorResponse struct {
	Error       string `json:"error"`
	DeviceFault bool   `json:"deviceFault"`
}

type tokenizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type tokenizeResponse struct {
	Tokens []int32 `json:"tokens"`
}

type acousticRequest struct {
	Tokens    []int32         `json:"tokens"`
	Embedding []float32       `json:"embedding"`
	MaxTokens int             `json:"maxTokens"`
	Device    core.DeviceKind `json:"device"`
}

type acousticResponse struct {
	Acoustic []int32 `json:"acoustic"`
}

type melRequest struct {
	Acoustic []int32         `json:"acoustic"`
	Device   core.DeviceKind `json:"device"`
}

type melResponse struct {
	Mel [][]float32 `json:"mel"`
}

type vocodeRequest struct {
	Mel    [][]float32     `json:"mel"`
	Device core.DeviceKind `json:"device"`
}

type vocodeResponse struct {
	Waveform []float32 `json:"waveform"`
}

type embedRequest struct {
	PCM        []int16 `json:"pcm"`
	SampleRate int     `json:"sampleRate"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Encode implements core.TextTokenizer.
func (b *RemoteBackend) Encode(ctx context.Context, textInput, language string) ([]int32, error) {
	var out tokenizeResponse

	err := b.post(ctx, pathTokenize, tokenizeRequest{Text: textInput, Language: language}, &out, core.DeviceCPU)
	if err != nil {
		return nil, err
	}

	return out.Tokens, nil
}

// Generate implements core.AcousticGenerator.
func (b *RemoteBackend) Generate(
	ctx context.Context,
	tokens []int32,
	embedding []float32,
	maxTokens int,
	deviceUsed core.DeviceKind,
) ([]int32, error) {
	var out acousticResponse

	err := b.post(ctx, pathAcoustic, acousticRequest{
		Tokens:    tokens,
		Embedding: embedding,
		MaxTokens: maxTokens,
		Device:    deviceUsed,
	}, &out, deviceUsed)
	if err != nil {
		return nil, err
	}

	return out.Acoustic, nil
}

// Decode implements core.MelDecoder.
func (b *RemoteBackend) Decode(
	ctx context.Context, acoustic []int32, deviceUsed core.DeviceKind,
) ([][]float32, error) {
	var out melResponse

	err := b.post(ctx, pathMel, melRequest{Acoustic: acoustic, Device: deviceUsed}, &out, deviceUsed)
	if err != nil {
		return nil, err
	}

	return out.Mel, nil
}

// Vocode implements core.Vocoder.
func (b *RemoteBackend) Vocode(
	ctx context.Context, mel [][]float32, deviceUsed core.DeviceKind,
) ([]float32, error) {
	var out vocodeResponse

	err := b.post(ctx, pathVocode, vocodeRequest{Mel: mel, Device: deviceUsed}, &out, deviceUsed)
	if err != nil {
		return nil, err
	}

	return out.Waveform, nil
}

// Extract implements core.ProfileExtractor.
func (b *RemoteBackend) Extract(ctx context.Context, pcm []int16, sampleRate int) ([]float32, error) {
	var out embedResponse

	err := b.post(ctx, pathEmbed, embedRequest{PCM: pcm, SampleRate: sampleRate}, &out, core.DeviceCPU)
	if err != nil {
		return nil, err
	}

	return out.Embedding, nil
}

// post sends one JSON request and decodes the JSON response. Runtime-reported
// device faults are wrapped as core.DeviceFault against deviceUsed.
func (b *RemoteBackend) post(
	ctx context.Context, path string, payload, result any, deviceUsed core.DeviceKind,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call model runtime at %s: %w", path, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return b.decodeError(resp, path, deviceUsed)
	}

	err = json.NewDecoder(resp.Body).Decode(result)
	if err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}

	return nil
}

func (b *RemoteBackend) decodeError(resp *http.Response, path string, deviceUsed core.DeviceKind) error {
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%w: %s returned status %d", ErrBackendRequest, path, resp.StatusCode)
	}

	var errResp errorResponse

	unmarshalErr := json.Unmarshal(data, &errResp)
	if unmarshalErr == nil && errResp.DeviceFault {
		return &core.DeviceFault{
			Device: deviceUsed,
			Cause:  fmt.Errorf("%w: %s: %s", ErrBackendRequest, path, errResp.Error),
		}
	}

	return fmt.Errorf(
		"%w: %s returned status %d: %s", ErrBackendRequest, path, resp.StatusCode, string(data),
	)
}

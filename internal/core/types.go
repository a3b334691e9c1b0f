// Package core defines the shared types, interfaces, and error taxonomy for the
// voice-clone synthesis service.
package core

import "time"

// DeviceKind identifies the class of compute device a job runs on.
type DeviceKind string

const (
	// DeviceGPU is the preferred device class for model stages.
	DeviceGPU DeviceKind = "gpu"
	// DeviceCPU is the fallback device class.
	DeviceCPU DeviceKind = "cpu"
)

// JobStatus is the terminal outcome of a synthesis job.
type JobStatus string

const (
	// StatusCompleted indicates the job produced a waveform.
	StatusCompleted JobStatus = "completed"
	// StatusFailed indicates a non-recoverable processing failure.
	StatusFailed JobStatus = "failed"
	// StatusRejected indicates the job was refused at admission time.
	StatusRejected JobStatus = "rejected"
	// StatusTimedOut indicates the job missed its deadline or execution budget.
	StatusTimedOut JobStatus = "timed_out"
)

// VoiceRef identifies the speaker to clone: either a named voice from the
// manifest, or a reference-audio object in the store. Exactly one of the two
// fields is set.
type VoiceRef struct {
	Name     string
	AudioKey string
}

// SynthesisRequest is an accepted job. It is immutable once admitted; the
// scheduler owns it until dispatch, after which ownership transfers to the
// executing worker.
type SynthesisRequest struct {
	ID           string
	Text         string
	Voice        VoiceRef
	LanguageHint string
	ReceivedAt   time.Time
	// Deadline is the zero time when the client set none.
	Deadline time.Time
}

// JobResult records the outcome of a synthesis job. Audio holds a complete WAV
// payload (24 kHz, 16-bit, mono) when Status is StatusCompleted.
type JobResult struct {
	RequestID    string
	Status       JobStatus
	Audio        []byte
	ErrorKind    string
	ErrorMessage string
	LatencyMs    int64
	DeviceUsed   DeviceKind
	Truncated    bool
}

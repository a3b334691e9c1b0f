package core

import (
	"errors"
	"fmt"
)

// Error kinds reported to clients so their retry behavior can differ.
const (
	ErrorKindExtraction = "extraction_error"
	ErrorKindStage      = "stage_error"
	ErrorKindDevice     = "device_fault"
	ErrorKindNoCapacity = "no_capacity"
	ErrorKindTimedOut   = "timed_out"
	ErrorKindInternal   = "internal_error"
)

var (
	// ErrExtraction indicates the reference audio could not be turned into a
	// conditioning profile (unreadable, too short, or too long).
	ErrExtraction = errors.New("reference audio extraction failed")
	// ErrNoCapacity indicates all matching device slots, or the admission
	// queue, are saturated.
	ErrNoCapacity = errors.New("no capacity")
	// ErrTimedOut indicates a job missed its deadline or execution budget.
	ErrTimedOut = errors.New("job timed out")
	// ErrTextEmpty indicates the request carried no text to synthesize.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrVoiceRefEmpty indicates the request named no voice and carried no
	// reference-audio key.
	ErrVoiceRefEmpty = errors.New("voice reference cannot be empty")
)

// StageError wraps a failure of one pipeline stage. The remaining stages for
// that request are skipped and partial context is discarded.
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// DeviceFault is a device-specific failure (out-of-memory, driver error). It
// is the only error class retried on an alternate device within the same job.
type DeviceFault struct {
	Device DeviceKind
	Cause  error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("device fault on %s: %v", e.Device, e.Cause)
}

func (e *DeviceFault) Unwrap() error {
	return e.Cause
}

// IsDeviceFault reports whether any error in err's chain is a DeviceFault.
func IsDeviceFault(err error) bool {
	var fault *DeviceFault

	return errors.As(err, &fault)
}

// ErrorKindOf maps an error chain to the client-visible error kind.
func ErrorKindOf(err error) string {
	var stageErr *StageError

	switch {
	case errors.Is(err, ErrExtraction):
		return ErrorKindExtraction
	case errors.Is(err, ErrNoCapacity):
		return ErrorKindNoCapacity
	case errors.Is(err, ErrTimedOut):
		return ErrorKindTimedOut
	case IsDeviceFault(err):
		return ErrorKindDevice
	case errors.As(err, &stageErr):
		return ErrorKindStage
	default:
		return ErrorKindInternal
	}
}

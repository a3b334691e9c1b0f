// Package pipeline runs an ordered sequence of inference stages over a
// per-request context. Stages are pure with respect to the context: a stage
// failure aborts the rest of the pipeline for that request only.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-clone-service/internal/conditioning"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ErrNoStages indicates a pipeline was constructed without stages.
var ErrNoStages = errors.New("pipeline requires at least one stage")

// Stage is one ordered unit of the pipeline. Kind declares the stage's
// resource class; every stage is idempotent given identical inputs, which
// makes whole-job retry safe.
type Stage interface {
	Name() string
	Kind() core.DeviceKind
	Run(ctx context.Context, req *Context) error
}

// Context is the mutable, single-owner, per-request state flowing through the
// stages. It is created at dispatch and discarded after result publication.
type Context struct {
	Text     string
	Language string
	Profile  *conditioning.Profile
	Device   core.DeviceKind

	Tokens   []int32
	Acoustic []int32
	Mel      [][]float32
	Waveform []float32

	// Truncated is set when the acoustic stage clipped the token sequence
	// to its budget.
	Truncated bool

	cancelled atomic.Bool
}

// NewContext creates the per-request pipeline state bound to one device.
func NewContext(text, language string, profile *conditioning.Profile, deviceUsed core.DeviceKind) *Context {
	return &Context{
		Text:     text,
		Language: language,
		Profile:  profile,
		Device:   deviceUsed,
	}
}

// Cancel requests cooperative cancellation. Stages observe it only at stage
// boundaries; the currently running stage finishes first.
func (c *Context) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (c *Context) Cancelled() bool {
	return c.cancelled.Load()
}

// discard drops intermediate outputs after a failure so no partial state
// leaks to the caller.
func (c *Context) discard() {
	c.Tokens = nil
	c.Acoustic = nil
	c.Mel = nil
	c.Waveform = nil
}

// Pipeline is the ordered stage list.
type Pipeline struct {
	stages []Stage
	log    *logger.Logger
}

// New creates a pipeline that executes the given stages strictly in order.
func New(stages []Stage, log *logger.Logger) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	return &Pipeline{stages: stages, log: log}, nil
}

// Run drives the request context through every stage in order. Cancellation
// is checked before each stage; a stage error wraps into a StageError and the
// partial context is discarded.
func (p *Pipeline) Run(ctx context.Context, req *Context) error {
	for _, stage := range p.stages {
		if req.Cancelled() || ctx.Err() != nil {
			req.discard()

			return core.ErrTimedOut
		}

		err := stage.Run(ctx, req)
		if err != nil {
			req.discard()

			if core.IsDeviceFault(err) {
				return err
			}

			return &core.StageError{Stage: stage.Name(), Cause: err}
		}
	}

	return nil
}

// Stages exposes the ordered stage list, mainly for logging and tests.
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Package engine defines the inference engine contract used by a decoding
// session and its concrete backends.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/speech-worker/internal/config"
)

// Request is one inference step.
type Request struct {
	RequestID   string
	Samples     []float32
	Final       bool
	Prompt      string
	PronsLength []int
}

// Output is the result of one inference step.
type Output struct {
	// Tokens are decoded text pieces committed to the transcript.
	Tokens []string
	// Approx are tentative tokens derived from the engine's search state.
	// They are shown in a partial but never committed.
	Approx []string
	// Scores carries scorer fields such as weighted_score or pronunciation.
	Scores map[string]float64
}

// Engine runs streaming inference for one session at a time.
type Engine interface {
	// Init loads the model described by cfg. It is called once, before the
	// first request.
	Init(ctx context.Context, cfg config.ModelConfig) error
	Infer(ctx context.Context, req *Request) (*Output, error)
	// ResetState discards accumulated decoder context. A complete reset
	// also drops any speaker adaptation.
	ResetState(ctx context.Context, complete bool) error
	Close() error
}

// AdaptationStater is implemented by engines that can export their
// speaker adaptation state at the end of a request.
type AdaptationStater interface {
	AdaptationState(ctx context.Context) ([]byte, error)
}

// Checker is implemented by engines with a health probe.
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

// Factory creates one engine per worker slot.
type Factory func(ctx context.Context) (Engine, error)

// WithInit returns a factory whose engines are initialized with cfg.
// An engine that fails to initialize is closed.
func WithInit(build Factory, cfg config.ModelConfig) Factory {
	return func(ctx context.Context) (Engine, error) {
		eng, err := build(ctx)
		if err != nil {
			return nil, err
		}
		if err := eng.Init(ctx, cfg); err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("failed to initialize engine: %w", err)
		}
		return eng, nil
	}
}

// ErrorKind classifies inference failures.
type ErrorKind string

const (
	KindOOV       ErrorKind = "oov"
	KindAlignment ErrorKind = "alignment-failure"
	KindService   ErrorKind = "service"
)

// Error is an inference failure reported to the master.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error. Unknown kinds are treated as service errors.
func NewError(kind, message string) *Error {
	switch ErrorKind(kind) {
	case KindOOV, KindAlignment:
		return &Error{Kind: ErrorKind(kind), Message: message}
	default:
		return &Error{Kind: KindService, Message: message}
	}
}

// AsError converts any error into an *Error, keeping the kind when err
// already carries one.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindService, Message: err.Error(), Err: err}
}

package inference

import (
	"context"
	"errors"
	"time"
)

// ErrInferenceFailure covers a failed, timed out, or empty generation.
var ErrInferenceFailure = errors.New("inference failed")

// Params are passed to the runner on every call. CtxSize and Temperature are
// carried for configuration compatibility and not forwarded to the script.
type Params struct {
	NPredict     int
	Threads      int
	CtxSize      int
	Temperature  float64
	ModelPath    string
	Conversation bool
	Timeout      time.Duration
}

func DefaultParams() Params {
	return Params{
		NPredict:    128,
		Threads:     2,
		CtxSize:     2048,
		Temperature: 0.8,
		Timeout:     60 * time.Second,
	}
}

// Engine turns a prompt into reply text.
type Engine interface {
	Generate(ctx context.Context, prompt string, p Params) (string, error)
	// Available reports why the engine cannot run, or nil.
	Available() error
}

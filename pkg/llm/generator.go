// Package llm provides text/vision generators and recovery helpers for
// failed generation calls.
package llm

import (
	"context"
	"fmt"

	"github.com/cpunion/chorus/pkg/types"
)

// Generator produces text for a prompt and an optional image.
type Generator interface {
	Generate(ctx context.Context, prompt string, img *types.Image) (string, error)
}

// RawResponder is implemented by generators that keep the raw payload of
// their most recent call.
type RawResponder interface {
	LastRawResponse() (string, bool)
}

// GenerationError is returned when a generator call fails. Raw carries the
// provider payload, if any, so callers can try to salvage partial output.
type GenerationError struct {
	Provider string
	Err      error
	Raw      string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generate failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

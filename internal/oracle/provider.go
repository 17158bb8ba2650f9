// Package oracle is the contract between the engine and the external
// reasoning model: prompt assembly, provider calls and strict decoding
// of the structured answers.
package oracle

import (
	"context"
	"errors"
	"fmt"
)

// Prompt is one request to a language model.
type Prompt struct {
	System string
	User   string
	// Model overrides the provider's default model when set.
	Model string
	// JSON asks the provider for a JSON-only response.
	JSON bool
}

// Completion is a provider response. Token counts are zero when the
// provider does not report them.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Provider is a language model backend.
type Provider interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// ProviderError wraps a backend failure.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("oracle: %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrDisabled is returned by Disabled.
var ErrDisabled = errors.New("oracle disabled")

// Disabled is the provider used when no model is configured. Every call
// fails, so running jorbs pause instead of acting.
type Disabled struct{}

func (Disabled) Complete(context.Context, Prompt) (Completion, error) {
	return Completion{}, &ProviderError{Provider: "none", Err: ErrDisabled}
}

// Package llm defines the Provider interface for the external Large Language
// Model APIs the gateway forwards prompts to.
//
// A provider performs exactly one outbound call per [Provider.Generate]
// invocation and never retries. The raw JSON body of a successful response is
// handed back untouched so that the gateway can normalise heterogeneous
// response shapes in one place (see package reply).
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when no provider credentials are present.
var ErrNotConfigured = errors.New("llm: no provider configured")

// Result is the outcome of a successful provider call.
type Result struct {
	// Provider is the name of the provider that produced the result.
	Provider string

	// Model is the model the request was sent to.
	Model string

	// Body is the raw JSON response body. Never nil on success.
	Body []byte
}

// UpstreamError reports a non-success HTTP status returned by the provider.
// Status and Body are relayed verbatim to gateway callers for diagnosis.
type UpstreamError struct {
	// Provider is the name of the provider that failed.
	Provider string

	// Status is the HTTP status code returned by the provider.
	Status int

	// Body is the raw error body (usually JSON) returned by the provider.
	Body string
}

// Error implements error.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm: %s returned status %d", e.Provider, e.Status)
}

// Provider is the abstraction over one configured LLM backend.
type Provider interface {
	// Name returns a short identifier such as "gemini" or "openai".
	Name() string

	// Generate sends prompt as a single user turn and returns the raw
	// response. A non-success HTTP status is reported as *[UpstreamError];
	// any other error means the provider could not be reached or its response
	// could not be read.
	Generate(ctx context.Context, prompt string) (*Result, error)
}

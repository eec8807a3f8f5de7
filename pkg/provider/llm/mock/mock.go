// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify which prompts the gateway forwards and
// to feed controlled raw response bodies without a live LLM backend.
//
// Example:
//
//	p := &mock.Provider{ProviderName: "gemini", Body: `{"text":"Hello!"}`}
//	res, err := p.Generate(ctx, "hi")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/talkbuddy/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Prompt is the prompt passed to Generate.
	Prompt string
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Body is the raw JSON returned in the Result.
	Body string

	// Err, if non-nil, is returned from Generate instead of a Result.
	Err error

	// GenerateFunc, if set, overrides Body and Err.
	GenerateFunc func(ctx context.Context, prompt string) (*llm.Result, error)

	// Calls records every invocation of Generate in order.
	Calls []GenerateCall
}

var _ llm.Provider = (*Provider)(nil)

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Generate records the call and returns the configured response.
func (p *Provider) Generate(ctx context.Context, prompt string) (*llm.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, GenerateCall{Ctx: ctx, Prompt: prompt})
	fn, body, err := p.GenerateFunc, p.Body, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt)
	}
	if err != nil {
		return nil, err
	}
	return &llm.Result{Provider: p.Name(), Body: []byte(body)}, nil
}

// CallCount returns the number of Generate invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

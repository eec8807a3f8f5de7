// Package openai provides provider B: an OpenAI-compatible chat-completions
// backend (POST {base}/chat/completions with bearer authentication).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/talkbuddy/pkg/provider/llm"
)

// DefaultBaseURL is the public OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 300
)

// Provider implements llm.Provider using the OpenAI chat-completions API.
type Provider struct {
	client      oai.Client
	model       string
	temperature float64
	maxTokens   int
}

var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL     string
	timeout     time.Duration
	httpClient  *http.Client
	temperature float64
	maxTokens   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default API base URL. Any OpenAI-compatible
// vendor (e.g. https://api.groq.com/openai/v1) can be targeted this way.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for outbound calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) Option {
	return func(c *config) {
		c.temperature = t
	}
}

// WithMaxTokens caps the number of completion tokens.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// New constructs a new chat-completions Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{
		baseURL:     DefaultBaseURL,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		// The gateway relays upstream failures verbatim; it never retries.
		option.WithMaxRetries(0),
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "openai" }

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, prompt string) (*llm.Result, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(prompt))
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			body := apiErr.RawJSON()
			if body == "" {
				body = apiErr.Error()
			}
			return nil, &llm.UpstreamError{
				Provider: p.Name(),
				Status:   apiErr.StatusCode,
				Body:     body,
			}
		}
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}

	raw := []byte(resp.RawJSON())
	if len(raw) == 0 {
		if raw, err = json.Marshal(resp); err != nil {
			return nil, fmt.Errorf("openai: encode response: %w", err)
		}
	}
	return &llm.Result{Provider: p.Name(), Model: p.model, Body: raw}, nil
}

// buildParams converts a prompt into the single-user-turn request body:
// {model, messages:[{role:"user", content}], temperature, max_tokens}.
func (p *Provider) buildParams(prompt string) oai.ChatCompletionNewParams {
	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    []oai.ChatCompletionMessageParamUnion{oai.UserMessage(prompt)},
		Temperature: param.NewOpt(p.temperature),
	}
	if p.maxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(p.maxTokens))
	}
	return params
}

// Package gemini provides provider A: Google's generateContent API
// (POST {base}/models/{model}:generateContent with the key in the
// x-goog-api-key header), backed by google.golang.org/genai.
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/talkbuddy/pkg/provider/llm"
)

// DefaultBaseURL is the public Gemini API endpoint including its version.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider implements llm.Provider using the Gemini generateContent API.
type Provider struct {
	client *genai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type config struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API endpoint. The URL may carry the API version
// as its last path segment (e.g. "https://proxy.example.com/v1beta").
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

// New constructs a Gemini Provider. No network traffic happens until the
// first call to Generate.
func New(ctx context.Context, apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("gemini: model must not be empty")
	}

	cfg := &config{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}

	base, version := splitBaseURL(cfg.baseURL)
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    base,
			APIVersion: version,
		},
	}
	hc := &http.Client{Timeout: cfg.timeout}
	if cfg.httpClient != nil {
		c := *cfg.httpClient
		hc = &c
	}
	hc.Transport = &captureTransport{base: hc.Transport}
	cc.HTTPClient = hc

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "gemini" }

// Generate implements llm.Provider. The request body is
// {contents:[{parts:[{text:prompt}], role:"user"}]}. The result carries the
// upstream body exactly as received so that the reply extractor sees every
// field, including ones genai does not model.
func (p *Provider) Generate(ctx context.Context, prompt string) (*llm.Result, error) {
	raw := &rawResponse{}
	ctx = context.WithValue(ctx, rawResponseKey{}, raw)

	_, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), nil)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			body := string(raw.body)
			if !raw.captured {
				body = apiErr.Message
			}
			return nil, &llm.UpstreamError{Provider: p.Name(), Status: apiErr.Code, Body: body}
		}
		// genai could not decode a 2xx body of an unfamiliar shape; the
		// extractor may still understand it.
		if !raw.ok() {
			return nil, fmt.Errorf("gemini: generate content: %w", err)
		}
	}
	if !raw.ok() {
		return nil, fmt.Errorf("gemini: generate content: response body not captured")
	}
	return &llm.Result{Provider: p.Name(), Model: p.model, Body: raw.body}, nil
}

type rawResponseKey struct{}

// rawResponse holds the body of the generateContent response made under
// the context that carries it.
type rawResponse struct {
	captured bool
	status   int
	body     []byte
}

func (r *rawResponse) ok() bool {
	return r.captured && r.status >= 200 && r.status < 300
}

// captureTransport copies response bodies into the [rawResponse] found on
// the request context and hands genai an identical reader.
type captureTransport struct {
	base http.RoundTripper
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	raw, _ := req.Context().Value(rawResponseKey{}).(*rawResponse)
	if raw == nil {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	raw.captured = true
	raw.status = resp.StatusCode
	raw.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// splitBaseURL separates a trailing API version segment ("v1", "v1beta",
// "v1alpha", ...) from url. genai expects the two separately and the base
// with a trailing slash.
func splitBaseURL(url string) (base, version string) {
	url = strings.TrimRight(url, "/")
	version = "v1beta"
	if i := strings.LastIndex(url, "/"); i >= 0 {
		last := url[i+1:]
		if strings.HasPrefix(last, "v1") || strings.HasPrefix(last, "v2") {
			version = last
			url = url[:i]
		}
	}
	return url + "/", version
}

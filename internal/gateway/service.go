// Package gateway implements the LLM Gateway: it forwards a prompt to the
// first configured provider, normalises the reply, and exposes the result
// both in-process ([Service.Generate]) and over HTTP ([Handler]).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/talkbuddy/internal/observe"
	"github.com/MrWong99/talkbuddy/pkg/provider/llm"
	"github.com/MrWong99/talkbuddy/pkg/reply"
)

// ServiceName is reported by the status endpoint.
const ServiceName = "talkbuddy"

// Slots lists the provider names in priority order. Provider A ("gemini")
// wins over provider B ("openai") when both are configured.
var Slots = []string{"gemini", "openai"}

// DefaultTimeout bounds a provider call when no timeout was configured.
const DefaultTimeout = 30 * time.Second

// Selection is an immutable snapshot of the configured providers.
type Selection struct {
	// Providers in priority order. Only the first one is ever called.
	Providers []llm.Provider

	// TTS is the configured speech synthesis provider name, or "".
	TTS string

	// Timeout bounds every provider call.
	Timeout time.Duration
}

// Active returns the provider that serves requests, or nil.
func (s *Selection) Active() llm.Provider {
	if s == nil || len(s.Providers) == 0 {
		return nil
	}
	return s.Providers[0]
}

// Service forwards prompts to the active provider. The provider selection is
// swapped atomically on config reload so in-flight requests keep the snapshot
// they started with. Service is safe for concurrent use.
type Service struct {
	sel     atomic.Pointer[Selection]
	metrics *observe.Metrics
}

// NewService returns a Service serving sel. A nil metrics uses
// [observe.DefaultMetrics].
func NewService(sel Selection, metrics *observe.Metrics) *Service {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Service{metrics: metrics}
	s.Swap(sel)
	return s
}

// Swap replaces the provider selection.
func (s *Service) Swap(sel Selection) {
	if sel.Timeout <= 0 {
		sel.Timeout = DefaultTimeout
	}
	sel.Providers = append([]llm.Provider(nil), sel.Providers...)
	s.sel.Store(&sel)
}

// Selection returns the current snapshot.
func (s *Service) Selection() *Selection {
	return s.sel.Load()
}

// Ready reports [llm.ErrNotConfigured] when no provider is available.
func (s *Service) Ready(_ context.Context) error {
	if s.sel.Load().Active() == nil {
		return llm.ErrNotConfigured
	}
	return nil
}

// Generate sends prompt to the active provider and returns the extracted
// reply. Errors are [llm.ErrNotConfigured], *[llm.UpstreamError], or a
// wrapped transport/parse failure. Generate never retries.
func (s *Service) Generate(ctx context.Context, prompt string) (string, error) {
	sel := s.sel.Load()
	p := sel.Active()
	if p == nil {
		return "", llm.ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, sel.Timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "llm.generate", attribute.String("llm.provider", p.Name()))
	defer span.End()

	start := time.Now()
	res, err := p.Generate(ctx, prompt)
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", p.Name())))

	if err != nil {
		kind := "transport"
		var upErr *llm.UpstreamError
		if errors.As(err, &upErr) {
			kind = "upstream"
		}
		s.metrics.RecordProviderRequest(ctx, p.Name(), "error")
		s.metrics.RecordProviderError(ctx, p.Name(), kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		observe.WithTrace(ctx, nil).Warn("provider call failed", "provider", p.Name(), "kind", kind, "err", err)
		return "", err
	}
	s.metrics.RecordProviderRequest(ctx, p.Name(), "ok")

	text, err := reply.ExtractJSON(res.Body)
	if err != nil {
		kind := "parse"
		if errors.Is(err, reply.ErrNoReply) {
			kind = "empty"
		}
		s.metrics.RecordProviderError(ctx, p.Name(), kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		return "", fmt.Errorf("gateway: %s response: %w", p.Name(), err)
	}
	return text, nil
}

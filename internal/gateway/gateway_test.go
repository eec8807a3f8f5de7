package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/talkbuddy/pkg/provider/llm"
	"github.com/MrWong99/talkbuddy/pkg/provider/llm/mock"
)

func newTestMux(sel Selection) (*http.ServeMux, *Service) {
	svc := NewService(sel, nil)
	mux := http.NewServeMux()
	NewHandler(svc).Register(mux)
	return mux, svc
}

func do(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return rec, out
}

func TestChat_Success(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		ProviderName: "gemini",
		Body:         `{"candidates":[{"content":{"parts":[{"text":"Great job!"}]}}]}`,
	}
	mux, _ := newTestMux(Selection{Providers: []llm.Provider{p}})

	for _, path := range []string{"/api/chat", "/api/generate"} {
		t.Run(path, func(t *testing.T) {
			rec, out := do(t, mux, "POST", path, `{"prompt":"hello"}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 (%v)", rec.Code, out)
			}
			if out["ok"] != true || out["reply"] != "Great job!" {
				t.Errorf("body = %v, want ok:true reply:Great job!", out)
			}
		})
	}
	if got := p.Calls[0].Prompt; got != "hello" {
		t.Errorf("forwarded prompt = %q, want hello", got)
	}
}

func TestChat_AliasField(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Body: `{"text":"hi"}`}
	mux, _ := newTestMux(Selection{Providers: []llm.Provider{p}})

	rec, out := do(t, mux, "POST", "/api/chat", `{"message":"from alias"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", rec.Code, out)
	}
	if p.Calls[0].Prompt != "from alias" {
		t.Errorf("forwarded prompt = %q, want from alias", p.Calls[0].Prompt)
	}
}

func TestChat_InvalidInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"missing prompt", `{"tier":"beginner","lang":"en"}`},
		{"empty prompt", `{"prompt":""}`},
		{"blank prompt", `{"prompt":"   "}`},
		{"number prompt", `{"prompt":42}`},
		{"null prompt", `{"prompt":null}`},
		{"prompt wins over alias", `{"prompt":"","message":"hi"}`},
		{"not json", `prompt=hi`},
		{"json array", `["hi"]`},
		{"empty body", ``},
		{"too large", `{"prompt":"` + strings.Repeat("a", MaxBodyBytes) + `"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{Body: `{"text":"hi"}`}
			mux, _ := newTestMux(Selection{Providers: []llm.Provider{p}})

			rec, out := do(t, mux, "POST", "/api/chat", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if out["ok"] != false || out["error"] == "" {
				t.Errorf("body = %v, want ok:false with error", out)
			}
			if p.CallCount() != 0 {
				t.Errorf("provider called %d times on invalid input", p.CallCount())
			}
		})
	}
}

func TestChat_NotConfigured(t *testing.T) {
	t.Parallel()
	mux, _ := newTestMux(Selection{})

	for _, prompt := range []string{"hello", "I want to practice introducing myself"} {
		rec, out := do(t, mux, "POST", "/api/chat", `{"prompt":"`+prompt+`"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
		if out["error"] != "no LLM provider configured" {
			t.Errorf("error = %v", out["error"])
		}
		if d, _ := out["details"].(string); !strings.Contains(d, "GEMINI_API_KEY") {
			t.Errorf("details should carry remediation, got %q", d)
		}
	}
}

func TestChat_FirstProviderWins(t *testing.T) {
	t.Parallel()
	a := &mock.Provider{ProviderName: "gemini", Body: `{"text":"from A"}`}
	b := &mock.Provider{ProviderName: "openai", Body: `{"text":"from B"}`}
	mux, _ := newTestMux(Selection{Providers: []llm.Provider{a, b}})

	_, out := do(t, mux, "POST", "/api/chat", `{"prompt":"hi"}`)
	if out["reply"] != "from A" {
		t.Errorf("reply = %v, want from A", out["reply"])
	}
	if b.CallCount() != 0 {
		t.Errorf("provider B called %d times", b.CallCount())
	}
}

func TestChat_UpstreamError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Err: &llm.UpstreamError{
		Provider: "gemini",
		Status:   429,
		Body:     `{"error":{"message":"quota"}}`,
	}}
	mux, _ := newTestMux(Selection{Providers: []llm.Provider{p}})

	rec, out := do(t, mux, "POST", "/api/chat", `{"prompt":"hi"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if out["status"] != float64(429) {
		t.Errorf("status field = %v, want 429", out["status"])
	}
	body, ok := out["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should be relayed as JSON, got %T", out["body"])
	}
	if body["error"].(map[string]any)["message"] != "quota" {
		t.Errorf("relayed body = %v", body)
	}
	if p.CallCount() != 1 {
		t.Errorf("provider called %d times, want exactly 1 (no retry)", p.CallCount())
	}
}

func TestChat_UpstreamErrorPlainBody(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Err: &llm.UpstreamError{Provider: "openai", Status: 503, Body: "Service Unavailable"}}
	mux, _ := newTestMux(Selection{Providers: []llm.Provider{p}})

	_, out := do(t, mux, "POST", "/api/chat", `{"prompt":"hi"}`)
	if out["body"] != "Service Unavailable" {
		t.Errorf("body = %v, want plain string", out["body"])
	}
}

func TestChat_TransportAndParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    *mock.Provider
	}{
		{"unreachable", &mock.Provider{Err: errors.New("dial tcp: connection refused")}},
		{"invalid json", &mock.Provider{Body: `<html>oops</html>`}},
		{"null body", &mock.Provider{Body: `null`}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mux, _ := newTestMux(Selection{Providers: []llm.Provider{tc.p}})
			rec, out := do(t, mux, "POST", "/api/chat", `{"prompt":"hi"}`)
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", rec.Code)
			}
			if out["ok"] != false {
				t.Errorf("ok = %v, want false", out["ok"])
			}
			if d, _ := out["details"].(string); d == "" {
				t.Error("details should describe the cause")
			}
		})
	}
}

func TestChat_UnknownShapeReturnsRaw(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Body: `{"foo":"bar"}`}
	mux, _ := newTestMux(Selection{Providers: []llm.Provider{p}})

	_, out := do(t, mux, "POST", "/api/chat", `{"prompt":"hi"}`)
	if out["reply"] != `{"foo":"bar"}` {
		t.Errorf("reply = %v, want serialised body", out["reply"])
	}
}

func TestService_Timeout(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{GenerateFunc: func(ctx context.Context, _ string) (*llm.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	svc := NewService(Selection{Providers: []llm.Provider{p}, Timeout: 20 * time.Millisecond}, nil)

	_, err := svc.Generate(context.Background(), "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestService_SwapAndReady(t *testing.T) {
	t.Parallel()
	svc := NewService(Selection{}, nil)
	if err := svc.Ready(context.Background()); !errors.Is(err, llm.ErrNotConfigured) {
		t.Errorf("Ready = %v, want ErrNotConfigured", err)
	}
	if got := svc.Selection().Timeout; got != DefaultTimeout {
		t.Errorf("default timeout = %v, want %v", got, DefaultTimeout)
	}

	svc.Swap(Selection{Providers: []llm.Provider{&mock.Provider{ProviderName: "openai", Body: `{"text":"ok"}`}}})
	if err := svc.Ready(context.Background()); err != nil {
		t.Errorf("Ready after swap = %v", err)
	}
	text, err := svc.Generate(context.Background(), "hi")
	if err != nil || text != "ok" {
		t.Errorf("Generate = %q, %v", text, err)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	mux, _ := newTestMux(Selection{
		Providers: []llm.Provider{&mock.Provider{ProviderName: "openai"}},
		TTS:       "browser",
	})

	rec, out := do(t, mux, "GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out["service"] != ServiceName || out["active_provider"] != "openai" || out["tts"] != true {
		t.Errorf("body = %v", out)
	}
	providers := out["providers"].(map[string]any)
	if providers["gemini"] != false || providers["openai"] != true {
		t.Errorf("providers = %v", providers)
	}
}

func TestTTS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		tts        string
		body       string
		wantStatus int
	}{
		{"missing text", "browser", `{}`, http.StatusBadRequest},
		{"no provider", "", `{"text":"hi"}`, http.StatusInternalServerError},
		{"not implemented", "browser", `{"text":"hi"}`, http.StatusNotImplemented},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mux, _ := newTestMux(Selection{TTS: tc.tts})
			rec, out := do(t, mux, "POST", "/api/tts", tc.body)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if out["ok"] != false {
				t.Errorf("ok = %v, want false", out["ok"])
			}
		})
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/talkbuddy/internal/observe"
	"github.com/MrWong99/talkbuddy/pkg/provider/llm"
)

// MaxBodyBytes caps request bodies accepted by the gateway endpoints.
const MaxBodyBytes = 64 << 10

// promptFields lists the accepted request fields in lookup order.
var promptFields = []string{"prompt", "message"}

// remediation is attached to the unconfigured-provider error.
const remediation = "set GEMINI_API_KEY (preferred) or OPENAI_API_KEY, or configure providers.gemini/providers.openai in the config file"

// inputError is an InvalidInput failure; its message is returned verbatim.
type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }

// envelope is the JSON response body of every gateway endpoint.
type envelope struct {
	OK      bool   `json:"ok"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
	Body    any    `json:"body,omitempty"`
	Details string `json:"details,omitempty"`
}

// statusBody is the response of GET /.
type statusBody struct {
	OK             bool            `json:"ok"`
	Service        string          `json:"service"`
	Providers      map[string]bool `json:"providers"`
	ActiveProvider string          `json:"active_provider"`
	TTS            bool            `json:"tts"`
}

// Handler is the HTTP surface of the gateway.
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler serving svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register adds the gateway routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Status)
	mux.HandleFunc("POST /api/chat", h.Chat)
	mux.HandleFunc("POST /api/generate", h.Chat)
	mux.HandleFunc("POST /api/tts", h.TTS)
}

// Status reports which providers are configured.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	sel := h.svc.Selection()
	body := statusBody{
		OK:        true,
		Service:   ServiceName,
		Providers: make(map[string]bool, len(Slots)),
		TTS:       sel.TTS != "",
	}
	for _, slot := range Slots {
		body.Providers[slot] = false
	}
	for _, p := range sel.Providers {
		body.Providers[p.Name()] = true
	}
	if p := sel.Active(); p != nil {
		body.ActiveProvider = p.Name()
	}
	writeJSON(w, http.StatusOK, body)
}

// Chat serves POST /api/chat and POST /api/generate.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	fields, err := readObject(w, r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	prompt, err := promptFrom(fields)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	text, err := h.svc.Generate(r.Context(), prompt)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Reply: text})
}

// TTS serves POST /api/tts. Speech synthesis happens on the device, so the
// endpoint only validates its input and reports the capability as absent.
func (h *Handler) TTS(w http.ResponseWriter, r *http.Request) {
	fields, err := readObject(w, r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if _, err := stringField(fields, "text"); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if h.svc.Selection().TTS == "" {
		writeJSON(w, http.StatusInternalServerError, envelope{Error: "no TTS provider configured"})
		return
	}
	writeJSON(w, http.StatusNotImplemented, envelope{Error: "text-to-speech is not implemented"})
}

// readObject decodes the request body as a JSON object.
func readObject(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &inputError{"request body too large"}
		}
		return nil, &inputError{"failed to read request body"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, &inputError{"request body must be a JSON object"}
	}
	return fields, nil
}

// promptFrom returns the prompt, falling back to the alias field only when
// "prompt" is absent.
func promptFrom(fields map[string]json.RawMessage) (string, error) {
	for _, name := range promptFields {
		if _, ok := fields[name]; ok {
			return stringField(fields, name)
		}
	}
	return "", &inputError{"prompt is required"}
}

// stringField returns fields[name] when it is a non-blank JSON string.
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", &inputError{name + " is required"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &inputError{name + " must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", &inputError{name + " must not be empty"}
	}
	return s, nil
}

// writeError maps an error to the {ok:false,...} envelope.
//
//	inputError          400
//	llm.ErrNotConfigured 500 with remediation
//	*llm.UpstreamError  502 with upstream status and body
//	anything else       500 with the cause in details
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		inErr *inputError
		upErr *llm.UpstreamError
	)
	switch {
	case errors.As(err, &inErr):
		writeJSON(w, http.StatusBadRequest, envelope{Error: inErr.msg})
	case errors.Is(err, llm.ErrNotConfigured):
		writeJSON(w, http.StatusInternalServerError, envelope{
			Error:   "no LLM provider configured",
			Details: remediation,
		})
	case errors.As(err, &upErr):
		writeJSON(w, http.StatusBadGateway, envelope{
			Error:  "upstream provider error",
			Status: upErr.Status,
			Body:   relayBody(upErr.Body),
		})
	default:
		observe.WithTrace(ctx, nil).Error("chat request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, envelope{
			Error:   "provider request failed",
			Details: err.Error(),
		})
	}
}

// relayBody returns body as raw JSON when it is valid JSON, else as a string.
func relayBody(body string) any {
	if body != "" && json.Valid([]byte(body)) {
		return json.RawMessage(body)
	}
	return body
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

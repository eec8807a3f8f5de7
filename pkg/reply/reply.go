// Package reply normalises the heterogeneous JSON bodies returned by LLM
// providers into a single reply string.
//
// Extraction is an ordered list of [Matcher] values over a generic decoded
// JSON value (the output of encoding/json into an any). The first matcher
// that yields a non-empty string wins. When nothing matches, the whole body
// is serialised and returned, so extraction never fails on a non-nil value.
package reply

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoReply is returned by [ExtractJSON] for a body that decodes to JSON
// null and so carries nothing to say.
var ErrNoReply = errors.New("reply: response body is null")

// Matcher attempts to pull a reply out of one known response shape.
type Matcher struct {
	// Name describes the shape, for logs and tests.
	Name string

	// Match returns the reply and true when v has this shape.
	Match func(v any) (string, bool)
}

// Matchers is the extraction order.
var Matchers = []Matcher{
	{Name: "candidate content parts", Match: candidateParts},
	{Name: "outputs content", Match: outputsContent},
	{Name: "text", Match: topLevelText},
	{Name: "response text", Match: responseText},
	{Name: "choices message content", Match: choicesMessageContent},
	{Name: "multi-part concatenation", Match: concatenatedParts},
}

// Extract returns the reply contained in v. For an unrecognised shape it
// returns the JSON serialisation of v. A nil v yields "".
func Extract(v any) string {
	s, _ := ExtractWith(v)
	return s
}

// ExtractWith is like [Extract] but also reports which matcher produced the
// reply; the name is "raw" when the fallback serialisation was used.
func ExtractWith(v any) (string, string) {
	if v == nil {
		return "", ""
	}
	for _, m := range Matchers {
		if s, ok := m.Match(v); ok {
			return s, m.Name
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), "raw"
	}
	return string(b), "raw"
}

// ExtractJSON decodes raw and extracts the reply from it. It fails when raw
// is not valid JSON or is null; any other value yields a non-empty reply.
func ExtractJSON(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("reply: decode body: %w", err)
	}
	if v == nil {
		return "", ErrNoReply
	}
	return Extract(v), nil
}

func candidateParts(v any) (string, bool) {
	return nonEmpty(lookup(v, "candidates", 0, "content", "parts", 0, "text"))
}

func outputsContent(v any) (string, bool) {
	c, ok := lookup(v, "outputs", 0, "content")
	if !ok {
		return "", false
	}
	if s, ok := nonEmpty(c, true); ok {
		return s, true
	}
	return joinTexts(c)
}

func topLevelText(v any) (string, bool) {
	return nonEmpty(lookup(v, "text"))
}

func responseText(v any) (string, bool) {
	return nonEmpty(lookup(v, "response", "text"))
}

func choicesMessageContent(v any) (string, bool) {
	c, ok := lookup(v, "choices", 0, "message", "content")
	if !ok {
		return "", false
	}
	if s, ok := nonEmpty(c, true); ok {
		return s, true
	}
	// Some compatible vendors return content as a list of typed parts.
	return joinTexts(c)
}

// concatenatedParts joins every text part of every candidate, falling back
// to top-level content.parts and parts arrays.
func concatenatedParts(v any) (string, bool) {
	var b strings.Builder
	if cands, ok := lookup(v, "candidates"); ok {
		if list, ok := cands.([]any); ok {
			for _, c := range list {
				if parts, ok := lookup(c, "content", "parts"); ok {
					s, _ := joinTexts(parts)
					b.WriteString(s)
				}
			}
		}
	}
	for _, path := range [][]any{{"content", "parts"}, {"parts"}} {
		if parts, ok := lookup(v, path...); ok {
			s, _ := joinTexts(parts)
			b.WriteString(s)
		}
	}
	return nonEmpty(b.String(), true)
}

// joinTexts concatenates the "text" fields of a list of part objects.
func joinTexts(v any) (string, bool) {
	list, ok := v.([]any)
	if !ok {
		return "", false
	}
	var b strings.Builder
	for _, p := range list {
		if s, ok := nonEmpty(lookup(p, "text")); ok {
			b.WriteString(s)
		}
	}
	return nonEmpty(b.String(), true)
}

// lookup walks v along path, where string elements index objects and int
// elements index arrays.
func lookup(v any, path ...any) (any, bool) {
	cur := v
	for _, step := range path {
		switch k := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			if cur, ok = m[k]; !ok {
				return nil, false
			}
		case int:
			a, ok := cur.([]any)
			if !ok || k < 0 || k >= len(a) {
				return nil, false
			}
			cur = a[k]
		default:
			return nil, false
		}
	}
	return cur, true
}

func nonEmpty(v any, ok bool) (string, bool) {
	if !ok {
		return "", false
	}
	s, isStr := v.(string)
	if !isStr || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

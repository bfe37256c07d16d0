package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shelfsight/shelfscan/internal/model"
)

type rawAnswer struct {
	Items []rawItem `json:"items"`
}

type rawItem struct {
	Position        string             `json:"position"`
	Payload         map[string]any     `json:"payload"`
	Confidence      float64            `json:"confidence"`
	FieldConfidence map[string]float64 `json:"field_confidence"`
}

// parseItems decodes the model's answer text into candidate items. Models
// wrap JSON in markdown fences or preamble text often enough that the object
// is located by brace matching rather than decoded directly.
func parseItems(executor, text string) ([]model.CandidateItem, error) {
	body, ok := extractJSON(text)
	if !ok {
		return nil, &MalformedOutputError{Executor: executor, Reason: "no JSON object in answer"}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var raw rawAnswer
	if err := dec.Decode(&raw); err != nil {
		return nil, &MalformedOutputError{Executor: executor, Reason: fmt.Sprintf("decode: %v", err)}
	}
	if raw.Items == nil {
		return nil, &MalformedOutputError{Executor: executor, Reason: `missing "items" array`}
	}

	items := make([]model.CandidateItem, 0, len(raw.Items))
	for i, ri := range raw.Items {
		if ri.Position == "" {
			return nil, &MalformedOutputError{Executor: executor, Reason: fmt.Sprintf("item %d has no position", i)}
		}
		if len(ri.Payload) == 0 {
			return nil, &MalformedOutputError{Executor: executor, Reason: fmt.Sprintf("item at %s has no payload", ri.Position)}
		}
		items = append(items, model.CandidateItem{
			Position:        ri.Position,
			Payload:         normalizeNumbers(ri.Payload),
			Confidence:      clamp01(ri.Confidence),
			FieldConfidence: clampAll(ri.FieldConfidence),
		})
	}
	return items, nil
}

// extractJSON returns the first balanced top-level JSON object in text.
// String contents are skipped so braces inside payload values don't break
// the balance count.
func extractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// normalizeNumbers converts json.Number payload values to float64 so
// downstream schema coercion sees the types encoding/json would produce.
func normalizeNumbers(payload map[string]any) map[string]any {
	for k, v := range payload {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				payload[k] = f
			}
		}
	}
	return payload
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampAll(m map[string]float64) map[string]float64 {
	for k, v := range m {
		m[k] = clamp01(v)
	}
	return m
}

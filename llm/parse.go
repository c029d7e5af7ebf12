package llm

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedResponse = errors.New("malformed model response")

// ExtractJSON pulls the JSON object out of a model reply that may be
// wrapped in code fences or surrounded by prose. Models are told to
// answer with bare JSON but do not always comply.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if fenced := strings.Index(s, "```"); fenced >= 0 {
		s = s[fenced+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", errors.WithMessagef(ErrMalformedResponse, "no JSON object in %q", truncate(raw, 120))
	}
	return s[start : end+1], nil
}

// DecodeTyped extracts and unmarshals the model's JSON reply into T.
func DecodeTyped[T any](raw string) (T, error) {
	var out T
	body, err := ExtractJSON(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, errors.WithMessagef(ErrMalformedResponse, "%v in %q", err, truncate(body, 120))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

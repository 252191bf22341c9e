package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"finledger/pkg/normalize"
)

// ErrParseFailed is returned when the model's text output cannot be parsed
// as the expected record shape. This is a hard error, never a silent default.
var ErrParseFailed = errors.New("extraction output parse failed")

// ParseRecord strips Markdown code fences the model may have added despite
// instructions and decodes the remaining text as a single JSON object.
func ParseRecord(raw string) (normalize.Record, error) {
	clean := stripFences(raw)
	var rec normalize.Record
	if err := json.Unmarshal([]byte(clean), &rec); err != nil {
		return normalize.Record{}, fmt.Errorf("%w: %v (raw: %.200s)", ErrParseFailed, err, raw)
	}
	return rec, nil
}

// stripFences removes ``` / ```json wrappers and keeps only the outermost
// JSON object when the model surrounded it with prose.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

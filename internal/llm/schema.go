package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeInto parses model output into v. Models wrap JSON in markdown fences
// or chatter around it often enough that one repair pass is standard: strip
// fences, then cut to the outermost JSON value, then decode. Failure after
// repair is a KindBadOutput error, which the caller treats like any other
// provider failure (fallback, then safe default).
func DecodeInto(provider, raw string, v any) error {
	cleaned := StripCodeFences(raw)
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}
	if inner := extractJSON(cleaned); inner != "" {
		if err := json.Unmarshal([]byte(inner), v); err == nil {
			return nil
		}
	}
	return &Error{
		Kind:     KindBadOutput,
		Provider: provider,
		Err:      fmt.Errorf("response does not match schema: %.120s", cleaned),
	}
}

// StripCodeFences removes a surrounding ```json ... ``` (or bare ```) block.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// extractJSON cuts the first balanced top-level JSON object or array out of
// surrounding prose. Returns "" when none is found.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

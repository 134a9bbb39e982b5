package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrNoJSON = errors.New("no JSON object in response")

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ExtractJSONObject returns the first balanced, valid JSON object in a model
// reply. Reasoning blocks and markdown fences around it are ignored.
func ExtractJSONObject(reply string) (string, error) {
	s := thinkBlock.ReplaceAllString(reply, "")

	for offset := 0; offset < len(s); {
		start := strings.IndexByte(s[offset:], '{')
		if start < 0 {
			break
		}
		start += offset

		candidate, ok := balancedObject(s[start:])
		if ok && json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		offset = start + 1
	}
	return "", ErrNoJSON
}

// balancedObject scans from an opening brace to its matching close, skipping
// braces inside string literals.
func balancedObject(s string) (string, bool) {
	depth := 0
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// DecodeJSON extracts the JSON object from reply and unmarshals it into T.
func DecodeJSON[T any](reply string) (T, error) {
	var out T

	raw, err := ExtractJSONObject(reply)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decode model JSON: %w", err)
	}
	return out, nil
}

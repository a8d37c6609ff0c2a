package artifact

import (
	"encoding/json"
	"errors"
	"strings"
)

// ExtractJSON returns the first JSON object or array embedded in text.
//
// Model responses often wrap the document in a fenced ```json block or add
// prose around it. A fenced block is preferred; otherwise the outermost
// balanced {...} or [...] span that parses as JSON is returned.
func ExtractJSON(text string) (string, error) {
	if fenced, ok := fencedBlock(text); ok && json.Valid([]byte(fenced)) {
		return fenced, nil
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", errors.New("empty response")
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	for i, r := range trimmed {
		if r != '{' && r != '[' {
			continue
		}
		if end := matchClose(trimmed[i:]); end > 0 {
			candidate := trimmed[i : i+end]
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
	}
	return "", errors.New("no JSON document found in response")
}

// fencedBlock returns the body of the first ``` fence, skipping an optional
// language tag.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// matchClose returns the length of the balanced span opening at s[0],
// ignoring brackets inside strings, or -1.
func matchClose(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

package util

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON extracts the first JSON array or object from a model response.
// Markdown code fences and leading prose are dropped, and a value cut off by
// the token limit is closed so it still parses.
func ExtractJSON(s string) string {
	if matches := jsonCodeBlockRegex.FindStringSubmatch(s); len(matches) > 1 {
		s = matches[1]
	}
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}
	s = s[start:]

	openChar, closeChar := '{', '}'
	if s[0] == '[' {
		openChar, closeChar = '[', ']'
	}
	if end := findMatchingBracket(s, 0, openChar, closeChar); end != -1 {
		return s[:end+1]
	}
	return closeTruncated(s)
}

// findMatchingBracket finds the matching closing bracket for an opening bracket,
// ignoring brackets inside strings. Returns -1 if there is none.
func findMatchingBracket(s string, startPos int, openChar, closeChar rune) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := rune(s[i])

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}

	return -1
}

// closeTruncated closes every bracket still open at the end of s. When the
// cut landed somewhere that cannot be closed cleanly (inside a key, say) it
// falls back to the last comma and drops the partial member.
func closeTruncated(s string) string {
	var stack, commaStack []byte
	lastComma := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ',':
			lastComma = i
			commaStack = append(commaStack[:0], stack...)
		}
	}

	prefix := s
	if inString {
		prefix += `"`
	}
	candidate := finishJSON(prefix, stack)
	if json.Valid([]byte(candidate)) || lastComma == -1 {
		return candidate
	}
	return finishJSON(s[:lastComma], commaStack)
}

func finishJSON(prefix string, closers []byte) string {
	prefix = strings.TrimRight(prefix, " \t\r\n")
	if strings.HasSuffix(prefix, ":") {
		prefix += " null"
	}
	prefix = strings.TrimRight(prefix, " \t\r\n,")

	var b strings.Builder
	b.WriteString(prefix)
	for i := len(closers) - 1; i >= 0; i-- {
		b.WriteByte(closers[i])
	}
	return b.String()
}

// RepairJSON fixes the mistakes models commonly make in otherwise valid
// JSON: raw newlines inside strings and trailing commas before a closing
// bracket
func RepairJSON(s string) string {
	s = SanitizeJSON(s)

	var result strings.Builder
	inString := false
	escaped := false
	pendingCommas := 0
	var pendingSpace strings.Builder

	flush := func() {
		for ; pendingCommas > 0; pendingCommas-- {
			result.WriteByte(',')
		}
		result.WriteString(pendingSpace.String())
		pendingSpace.Reset()
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			result.WriteByte(ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}

		switch ch {
		case ',':
			// Collapse runs of commas; they are only written once a value follows.
			pendingCommas = 1
			pendingSpace.Reset()
		case ' ', '\t', '\n', '\r':
			if pendingCommas > 0 {
				pendingSpace.WriteByte(ch)
			} else {
				result.WriteByte(ch)
			}
		case '}', ']':
			pendingCommas = 0
			result.WriteString(pendingSpace.String())
			pendingSpace.Reset()
			result.WriteByte(ch)
		default:
			flush()
			if ch == '"' {
				inString = true
			}
			result.WriteByte(ch)
		}
	}
	flush()

	return result.String()
}

// SanitizeJSON escapes literal newlines inside JSON string values
func SanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}

		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}

		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}

		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}

		result.WriteByte(ch)
	}

	return result.String()
}

// DecodeJSON extracts, repairs and decodes the JSON value in a model
// response into v
func DecodeJSON(response string, v any) error {
	raw := RepairJSON(ExtractJSON(response))
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode JSON from response: %w", err)
	}
	return nil
}

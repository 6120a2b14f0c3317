// Package repair recovers JSON objects from model output that wraps, pads or
// slightly mangles them. Every step is a heuristic: it fixes the common
// failure shapes (code fences, prose around the object, trailing commas,
// raw newlines inside strings) and nothing more.
package repair

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrUnrepairable is returned when no candidate parses as a JSON object.
var ErrUnrepairable = errors.New("no valid JSON object found")

var fenceRegex = regexp.MustCompile("(?m)^[ \t]*```[a-zA-Z0-9_-]*[ \t]*$")

// StripFences removes Markdown code fences (``` or ```json) and trims the result.
func StripFences(s string) string {
	s = fenceRegex.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// NormalizeLineBreaks converts CRLF and CR to LF and escapes raw newlines
// and tabs that appear inside string literals.
func NormalizeLineBreaks(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var b strings.Builder
	b.Grow(len(s))
	walk(s, func(i int, c byte, inString bool) {
		if inString {
			switch c {
			case '\n':
				b.WriteString(`\n`)
				return
			case '\t':
				b.WriteString(`\t`)
				return
			}
		}
		b.WriteByte(c)
	})
	return b.String()
}

// RemoveTrailingCommas drops commas that directly precede (ignoring
// whitespace) a closing brace or bracket outside string literals.
func RemoveTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	walk(s, func(i int, c byte, inString bool) {
		if !inString && c == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				return
			}
		}
		b.WriteByte(c)
	})
	return b.String()
}

// ExtractObject returns the span from the first '{' to the last '}', or ""
// when there is no such span.
func ExtractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// BalancedObject returns the first brace-balanced object, skipping braces
// inside string literals. It recovers an object followed by trailing prose
// that itself contains a '}'.
func BalancedObject(s string) string {
	start, depth := -1, 0
	result := ""
	walk(s, func(i int, c byte, inString bool) {
		if inString || result != "" {
			return
		}
		switch c {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				return
			}
			depth--
			if depth == 0 && start != -1 {
				result = s[start : i+1]
			}
		}
	})
	return result
}

// Repair runs the cleanup steps in order and returns the first candidate
// that is a valid JSON object.
func Repair(raw string) (string, error) {
	s := StripFences(raw)
	s = NormalizeLineBreaks(s)
	s = RemoveTrailingCommas(s)

	candidates := []string{
		strings.TrimSpace(s),
		ExtractObject(s),
		BalancedObject(s),
	}
	for _, c := range candidates {
		if c == "" || c[0] != '{' {
			continue
		}
		if json.Valid([]byte(c)) {
			return c, nil
		}
	}
	return "", ErrUnrepairable
}

// walk calls fn for every byte of s with whether it lies inside a JSON
// string literal. The opening and closing quotes report inString=false.
func walk(s string, fn func(i int, c byte, inString bool)) {
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				fn(i, c, true)
				continue
			}
			switch c {
			case '\\':
				escaped = true
				fn(i, c, true)
			case '"':
				inString = false
				fn(i, c, false)
			default:
				fn(i, c, true)
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		fn(i, c, false)
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

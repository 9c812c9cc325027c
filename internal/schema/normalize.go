package schema

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\n?(.*?)\\s*```$")

// Normalize applies local, call-free cleanups to raw model output:
// it strips markdown code fences, keeps the first balanced JSON object
// and drops trailing commas before closing brackets.
// Output that contains no object is returned trimmed but otherwise untouched.
func Normalize(raw string) string {
	s := StripFences(raw)
	if obj, ok := ExtractObject(s); ok {
		s = obj
	}
	return DropTrailingCommas(s)
}

// StripFences removes a surrounding ```json ... ``` block.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// ExtractObject returns the first balanced top-level JSON object in s.
// Braces inside string literals are ignored once the object has started.
func ExtractObject(s string) (string, bool) {
	depth := 0
	start := -1
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		b := s[i]
		if depth > 0 {
			if escape {
				escape = false
				continue
			}
			if inString {
				switch b {
				case '\\':
					escape = true
				case '"':
					inString = false
				}
				continue
			}
			if b == '"' {
				inString = true
				continue
			}
		}
		switch b {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// DropTrailingCommas removes commas that directly precede } or ] outside strings.
func DropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

package verifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/metalagman/anchor/internal/search"
	"github.com/metalagman/anchor/internal/timepolicy"
)

var (
	sourceLine    = regexp.MustCompile(`(?i)\bfuentes?\b|\bsources?:`)
	relativeDay   = regexp.MustCompile(`(?i)\b(hoy|ma[nñ]ana|ayer|today|tomorrow|yesterday)\b`)
	isoDateInText = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
)

const maxSourceLinks = 2

// Finalize rewrites a verified response before release. Source lines are
// removed when nothing was retrieved, a "Fuentes:" block is appended when
// documents exist and no source line is present, and a reference date is appended to
// answers that use relative day words without an absolute date.
func Finalize(text string, tc timepolicy.Context, sources []search.Document) string {
	text = strings.TrimSpace(text)
	if len(sources) == 0 && sourceLine.MatchString(text) {
		var kept []string
		for _, line := range strings.Split(text, "\n") {
			if !sourceLine.MatchString(line) {
				kept = append(kept, line)
			}
		}
		text = strings.TrimSpace(strings.Join(kept, "\n"))
	}

	if !tc.IsZero() && relativeDay.MatchString(text) && !isoDateInText.MatchString(text) {
		text = fmt.Sprintf("%s\n\nFecha de referencia usada: %s.", text, tc.Date)
	}

	if len(sources) > 0 && !sourceLine.MatchString(text) {
		if urls := sourceURLs(sources); len(urls) > 0 {
			var b strings.Builder
			b.WriteString(text)
			b.WriteString("\n\nFuentes:")
			for _, u := range urls {
				b.WriteString("\n- ")
				b.WriteString(u)
			}
			text = b.String()
		}
	}
	return text
}

func sourceURLs(docs []search.Document) []string {
	seen := make(map[string]bool, len(docs))
	var out []string
	for _, d := range docs {
		u := strings.TrimSpace(d.URL)
		key := strings.ToLower(u)
		if u == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, u)
		if len(out) == maxSourceLinks {
			break
		}
	}
	return out
}

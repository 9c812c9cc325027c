// Package verifier checks a candidate response for date claims that
// contradict the injected time context, missing source attribution and
// schema drift before it is released.
package verifier

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/metalagman/anchor/internal/capability"
	"github.com/metalagman/anchor/internal/schema"
	"github.com/metalagman/anchor/internal/search"
	"github.com/metalagman/anchor/internal/timepolicy"
	"github.com/tidwall/gjson"
)

// Violation is one verification failure reason.
type Violation string

// Closed set of violations.
const (
	TemporalIncoherence      Violation = "temporal-incoherence"
	MissingSourceAttribution Violation = "missing-source-attribution"
	SchemaDrift              Violation = "schema-drift"
)

// Candidate is the response under verification.
type Candidate struct {
	Text    string
	Payload json.RawMessage
	// Schema is the capability output schema; nil skips the drift check.
	Schema *schema.Schema
	Class  capability.Class
}

// Result is the verification outcome.
type Result struct {
	Passed     bool
	Violations []Violation
	// Details explain each violation for logs and corrective prompts.
	Details []string
}

// Has reports whether v was found.
func (r Result) Has(v Violation) bool {
	for _, got := range r.Violations {
		if got == v {
			return true
		}
	}
	return false
}

// Feedback renders the violations for a corrective regeneration prompt.
func (r Result) Feedback() string {
	if r.Passed {
		return ""
	}
	var b strings.Builder
	b.WriteString("The previous answer failed verification:\n")
	for _, d := range r.Details {
		b.WriteString("- ")
		b.WriteString(d)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Result) add(v Violation, format string, args ...any) {
	if !r.Has(v) {
		r.Violations = append(r.Violations, v)
	}
	r.Details = append(r.Details, fmt.Sprintf("%s: %s", v, fmt.Sprintf(format, args...)))
}

// Verify runs every check. It never passes an empty candidate.
func Verify(c Candidate, tc timepolicy.Context, sources []search.Document) Result {
	var res Result
	checkSchema(&res, c)
	if !tc.IsZero() {
		checkTemporal(&res, c, tc)
	}
	if len(sources) > 0 {
		checkAttribution(&res, c, sources)
	}
	res.Passed = len(res.Violations) == 0
	return res
}

func checkSchema(res *Result, c Candidate) {
	if strings.TrimSpace(c.Text) == "" {
		res.add(SchemaDrift, "response text is empty")
	}
	if c.Schema == nil {
		return
	}
	if len(c.Payload) == 0 {
		res.add(SchemaDrift, "payload is missing")
		return
	}
	for _, e := range c.Schema.Validate(c.Payload) {
		res.add(SchemaDrift, "%s", e)
	}
}

func checkTemporal(res *Result, c Candidate, tc timepolicy.Context) {
	text := longDatesToISO(c.Text, tc.Now.Year())
	for _, claim := range relativeClaims(text) {
		want := tc.Now.AddDate(0, 0, claim.offset)
		if claim.date != "" && claim.date != want.Format(time.DateOnly) {
			res.add(TemporalIncoherence, "%q refers to %s but the response says %s",
				claim.word, want.Format(time.DateOnly), claim.date)
		}
		if claim.hasWeekday && claim.weekday != want.Weekday() {
			res.add(TemporalIncoherence, "%q is %s but the response says %s",
				claim.word, timepolicy.WeekdayName(want.Weekday(), tc.Locale()),
				timepolicy.WeekdayName(claim.weekday, tc.Locale()))
		}
	}
	for _, m := range weekdayDateMismatches(text) {
		res.add(TemporalIncoherence, "%s is a %s, not %s", m.date,
			timepolicy.WeekdayName(m.actual, tc.Locale()), m.word)
	}

	if c.Class != capability.ClassDateTime || len(c.Payload) == 0 {
		return
	}
	payload := gjson.ParseBytes(c.Payload)
	if d := payload.Get("date"); d.Exists() && d.String() != tc.Date {
		res.add(TemporalIncoherence, "payload date %s differs from the current date %s", d.String(), tc.Date)
	}
	if w := payload.Get("weekday"); w.Exists() && w.String() != "" {
		day, ok := weekdays[normalizeWord(w.String())]
		if ok && day != tc.Now.Weekday() {
			res.add(TemporalIncoherence, "payload weekday %s differs from %s", w.String(), tc.Weekday)
		}
	}
}

func checkAttribution(res *Result, c Candidate, sources []search.Document) {
	haystack := strings.ToLower(c.Text)
	if len(c.Payload) > 0 {
		for _, s := range gjson.GetBytes(c.Payload, "sources").Array() {
			haystack += "\n" + strings.ToLower(s.String())
		}
	}
	for _, d := range sources {
		if referenced(haystack, d) {
			return
		}
	}
	res.add(MissingSourceAttribution, "none of the %d retrieved documents is referenced", len(sources))
}

const minTitleMatch = 8

func referenced(haystack string, d search.Document) bool {
	if u := strings.ToLower(strings.TrimSpace(d.URL)); u != "" && strings.Contains(haystack, u) {
		return true
	}
	if h := d.Host(); h != "" && strings.Contains(haystack, h) {
		return true
	}
	title := strings.ToLower(strings.TrimSpace(d.Title))
	return len(title) >= minTitleMatch && strings.Contains(haystack, title)
}

var (
	sentenceBreak = regexp.MustCompile(`[.!?]+(?:\s+|$)|\n+`)
	isoDate       = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	weekdays      = timepolicy.WeekdayNames()
	months        = timepolicy.MonthNames()

	monthPattern = func() string {
		names := make([]string, 0, len(months))
		for n := range months {
			names = append(names, regexp.QuoteMeta(n))
		}
		slices.Sort(names)
		return strings.Join(names, "|")
	}()
	// "15 de octubre de 2026", "15 de octubre", "15 October 2026".
	dayMonthDate = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:de\s+|of\s+)?(` +
		monthPattern + `)(?:,?\s+(?:de\s+|del\s+)?(\d{4}))?\b`)
	// "October 15, 2026", "October 15".
	monthDayDate = regexp.MustCompile(`(?i)\b(` + monthPattern +
		`)\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)
)

// longDatesToISO rewrites long-form dates as YYYY-MM-DD so they are checked
// like ISO dates. A missing year defaults to year. Impossible dates are left
// untouched.
func longDatesToISO(text string, year int) string {
	text = replaceDates(text, dayMonthDate, year, 1, 2, 3)
	return replaceDates(text, monthDayDate, year, 2, 1, 3)
}

func replaceDates(text string, re *regexp.Regexp, year, dayIdx, monthIdx, yearIdx int) string {
	return re.ReplaceAllStringFunc(text, func(match string) string {
		m := re.FindStringSubmatch(match)
		day, err := strconv.Atoi(m[dayIdx])
		if err != nil {
			return match
		}
		month, ok := months[strings.ToLower(m[monthIdx])]
		if !ok {
			return match
		}
		y := year
		if m[yearIdx] != "" {
			if y, err = strconv.Atoi(m[yearIdx]); err != nil {
				return match
			}
		}
		t := time.Date(y, month, day, 0, 0, 0, 0, time.UTC)
		if t.Day() != day || t.Month() != month {
			return match
		}
		return t.Format(time.DateOnly)
	})
}

type weekdayMismatch struct {
	word   string
	date   string
	actual time.Weekday
}

// weekdayDateMismatches finds a weekday written right before a date that
// falls on another day, such as "lunes 2026-10-15".
func weekdayDateMismatches(text string) []weekdayMismatch {
	var out []weekdayMismatch
	for _, sentence := range sentenceBreak.Split(text, -1) {
		words := splitWords(sentence)
		for i := 0; i+1 < len(words); i++ {
			day, ok := weekdays[words[i]]
			if !ok || !isoDate.MatchString(words[i+1]) {
				continue
			}
			t, err := time.Parse(time.DateOnly, words[i+1])
			if err != nil || t.Weekday() == day {
				continue
			}
			out = append(out, weekdayMismatch{word: words[i], date: words[i+1], actual: t.Weekday()})
		}
	}
	return out
}

// maxWeekdayDistance bounds how far a weekday may sit from the relative word
// it is read against, in words.
const maxWeekdayDistance = 3

type claim struct {
	word       string
	offset     int
	date       string
	weekday    time.Weekday
	hasWeekday bool
}

type token struct {
	text string
	pos  int
}

// relativeClaims pairs every relative day word with the ISO date and weekday
// it introduces. A word owns the span up to the next relative word; when that
// span holds no date, the closest one since the previous relative word is used.
func relativeClaims(text string) []claim {
	var out []claim
	for _, sentence := range sentenceBreak.Split(text, -1) {
		words := splitWords(sentence)
		var dates, days []token
		type relative struct {
			pos    int
			offset int
		}
		var rels []relative
		for i, w := range words {
			if isoDate.MatchString(w) {
				dates = append(dates, token{w, i})
			}
			if _, ok := weekdays[w]; ok {
				days = append(days, token{w, i})
			}
			if offset, ok := relativeOffset(words, i); ok {
				rels = append(rels, relative{i, offset})
			}
		}
		if len(dates) == 0 && len(days) == 0 {
			continue
		}
		for n, r := range rels {
			lo, hi := -1, len(words)
			if n > 0 {
				lo = rels[n-1].pos
			}
			if n+1 < len(rels) {
				hi = rels[n+1].pos
			}
			cl := claim{word: words[r.pos], offset: r.offset}
			if d, ok := owned(dates, r.pos, lo, hi, len(words)); ok {
				cl.date = d.text
			}
			if d, ok := owned(days, r.pos, lo, hi, maxWeekdayDistance); ok {
				cl.weekday = weekdays[d.text]
				cl.hasWeekday = true
			}
			if cl.date != "" || cl.hasWeekday {
				out = append(out, cl)
			}
		}
	}
	return out
}

// owned returns the first token after pos and before hi, or else the last
// token before pos and after lo, within maxDistance words of pos.
func owned(tokens []token, pos, lo, hi, maxDistance int) (token, bool) {
	for _, t := range tokens {
		if t.pos > pos && t.pos < hi && t.pos-pos <= maxDistance {
			return t, true
		}
	}
	for i := len(tokens) - 1; i >= 0; i-- {
		t := tokens[i]
		if t.pos < pos && t.pos > lo && pos-t.pos <= maxDistance {
			return t, true
		}
	}
	return token{}, false
}

func relativeOffset(words []string, i int) (int, bool) {
	prev := func(n int) string {
		if i-n < 0 {
			return ""
		}
		return words[i-n]
	}
	switch words[i] {
	case "hoy", "today":
		return 0, true
	case "ayer", "yesterday":
		return -1, true
	case "mañana", "manana":
		switch prev(1) {
		case "pasado":
			return 2, true
		case "la", "esta", "cada", "una":
			// "por la mañana", "esta mañana": morning, not tomorrow.
			return 0, false
		}
		return 1, true
	case "tomorrow":
		if prev(1) == "after" && prev(2) == "day" {
			return 2, true
		}
		return 1, true
	}
	return 0, false
}

func splitWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, "-"); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func normalizeWord(s string) string {
	words := splitWords(s)
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

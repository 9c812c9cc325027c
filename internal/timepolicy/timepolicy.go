// Package timepolicy decides which capabilities need the current date and
// renders the time context injected into generation prompts.
package timepolicy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/metalagman/anchor/internal/capability"
)

var temporalReference = regexp.MustCompile(`(?i)\b(` +
	`hoy|ma[nñ]ana|pasado\s+ma[nñ]ana|ayer|anoche|actual|actualmente|ahora|` +
	`esta\s+semana|este\s+mes|este\s+a[nñ]o|` +
	`lunes|martes|mi[eé]rcoles|jueves|viernes|s[aá]bado|domingo|` +
	`today|tonight|tomorrow|yesterday|now|currently|this\s+(?:week|month|year)|` +
	`monday|tuesday|wednesday|thursday|friday|saturday|sunday|` +
	`\d{1,2}:\d{2}|\d{1,2}\s*(?:am|pm)` +
	`)\b`)

// HasTemporalReference reports whether text mentions relative time.
func HasTemporalReference(text string) bool {
	return temporalReference.MatchString(text)
}

var extraSpaces = regexp.MustCompile(`\s{2,}`)

// StripTemporal removes relative time words from text, for broader queries.
func StripTemporal(text string) string {
	out := temporalReference.ReplaceAllString(text, " ")
	return strings.TrimSpace(extraSpaces.ReplaceAllString(out, " "))
}

// Resolver looks up capability descriptors.
type Resolver interface {
	Resolve(id string) (capability.Descriptor, error)
}

// Policy answers time questions about capabilities.
type Policy struct {
	registry Resolver
	loc      *time.Location
	locale   string
}

// New returns a Policy. loc defaults to time.Local, locale to "es".
func New(registry Resolver, loc *time.Location, locale string) *Policy {
	if loc == nil {
		loc = time.Local
	}
	if _, ok := weekdayNames[locale]; !ok {
		locale = "es"
	}
	return &Policy{registry: registry, loc: loc, locale: locale}
}

// RequiresTime reports the static requires-time flag of a capability.
// Unknown ids report false.
func (p *Policy) RequiresTime(id string) bool {
	d, err := p.registry.Resolve(id)
	if err != nil {
		return false
	}
	return d.RequiresTime
}

// Location returns the policy time zone.
func (p *Policy) Location() *time.Location { return p.loc }

// Context is the time context handed to generation and verification.
type Context struct {
	Now      time.Time
	ISO      string
	Date     string
	Clock    string
	Weekday  string
	Rendered string
	Zone     string
	locale   string
}

// BuildContext renders now in the policy zone.
func (p *Policy) BuildContext(now time.Time) Context {
	local := now.In(p.loc)
	zone, _ := local.Zone()
	return Context{
		Now:      local,
		ISO:      local.Format(time.RFC3339),
		Date:     local.Format(time.DateOnly),
		Clock:    local.Format("15:04"),
		Weekday:  WeekdayName(local.Weekday(), p.locale),
		Rendered: Render(local, p.locale),
		Zone:     zone,
		locale:   p.locale,
	}
}

// IsZero reports whether the context was never built.
func (c Context) IsZero() bool { return c.Now.IsZero() }

// Stale reports whether the context is older than bound relative to now.
func (c Context) Stale(now time.Time, bound time.Duration) bool {
	if c.IsZero() {
		return true
	}
	return now.Sub(c.Now) > bound
}

// Locale returns the rendering locale.
func (c Context) Locale() string { return c.locale }

// Block returns the text block injected into system prompts.
func (c Context) Block() string {
	if c.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Mandatory time context:\n")
	fmt.Fprintf(&b, "- Current date and time (ISO 8601): %s\n", c.ISO)
	fmt.Fprintf(&b, "- Current date: %s\n", c.Date)
	fmt.Fprintf(&b, "- Weekday: %s\n", c.Weekday)
	fmt.Fprintf(&b, "- Time zone: %s\n", c.Zone)
	b.WriteString("Resolve relative references (today, tomorrow, now, this week) against this date. ")
	b.WriteString("Never contradict it.")
	return b.String()
}

// Tomorrow returns the calendar date after the context date.
func (c Context) Tomorrow() string {
	return c.Now.AddDate(0, 0, 1).Format(time.DateOnly)
}

// Yesterday returns the calendar date before the context date.
func (c Context) Yesterday() string {
	return c.Now.AddDate(0, 0, -1).Format(time.DateOnly)
}

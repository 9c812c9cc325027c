package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/metalagman/anchor/internal/capability"
	"github.com/metalagman/anchor/internal/search"
	"github.com/metalagman/anchor/internal/timepolicy"
)

var dueLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// render turns a validated payload into the user-facing text.
func render(d capability.Descriptor, payload map[string]any, tc timepolicy.Context) string {
	if text := field(payload, "response"); text != "" {
		return text
	}
	switch d.Class {
	case capability.ClassSearch:
		return field(payload, "answer")
	case capability.ClassDateTime:
		return renderDateTime(payload, tc)
	case capability.ClassReminder:
		return renderReminder(payload, tc)
	}
	return ""
}

func renderDateTime(payload map[string]any, tc timepolicy.Context) string {
	loc := time.UTC
	if !tc.IsZero() {
		loc = tc.Now.Location()
	}
	day, err := time.ParseInLocation(time.DateOnly, field(payload, "date"), loc)
	if err != nil {
		return ""
	}
	text := "Hoy es " + timepolicy.RenderDate(day, tc.Locale())
	if clock := field(payload, "time"); clock != "" {
		text += ", son las " + clock
	}
	return text + "."
}

func renderReminder(payload map[string]any, tc timepolicy.Context) string {
	task := field(payload, "task")
	raw := field(payload, "due_at")
	loc := time.UTC
	if !tc.IsZero() {
		loc = tc.Now.Location()
	}
	when := raw
	for _, layout := range dueLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			when = fmt.Sprintf("el %s a las %s", timepolicy.RenderDate(t, tc.Locale()), t.Format("15:04"))
			break
		}
	}
	return fmt.Sprintf("Listo, te recordaré «%s» %s.", task, when)
}

// digest lists the retrieved documents when no answer could be generated.
func digest(docs []search.Document) string {
	var b strings.Builder
	b.WriteString("No pude redactar una respuesta verificada, pero encontré estas fuentes:")
	for _, d := range docs {
		title := strings.TrimSpace(d.Title)
		if title == "" {
			title = d.Host()
		}
		fmt.Fprintf(&b, "\n- %s (%s)", title, d.URL)
	}
	return b.String()
}

func field(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return strings.TrimSpace(s)
}

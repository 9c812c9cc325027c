package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/metalagman/anchor/internal/capability"
	"github.com/metalagman/anchor/internal/llm"
	"github.com/metalagman/anchor/internal/memory"
	"github.com/metalagman/anchor/internal/search"
	"github.com/metalagman/anchor/internal/timepolicy"
)

const defaultPersona = "You are a careful personal assistant. Reply in the language of the user. " +
	"Never invent facts, dates or sources."

const maxSnippet = 400

// request assembles the generation request for a run.
func (p *Pipeline) request(r *run) llm.Request {
	sections := []string{p.cfg.Persona, classInstructions(r.desc)}
	if r.inject {
		sections = append(sections, r.tc.Block())
	}
	if block := memory.Block(r.facts); block != "" {
		sections = append(sections, block)
	}
	if len(r.sources) > 0 {
		sections = append(sections, documentsBlock(r.sources, r.tc))
	}

	req := llm.Request{
		System:      joinSections(sections),
		Prompt:      userPrompt(r.utterance, r.decision.Slots, r.desc),
		Model:       r.user.Options.Model,
		ThinkMode:   r.user.Options.ThinkMode,
		Temperature: r.user.Options.Temperature,
	}
	return req
}

func classInstructions(d capability.Descriptor) string {
	head := fmt.Sprintf("Capability: %s. %s", d.ID, d.Summary)
	switch d.Class {
	case capability.ClassDateTime:
		return head + "\nAnswer only from the time context. Put the current date in `date` and the weekday in `weekday`."
	case capability.ClassReminder:
		return head + "\nResolve the due time to an absolute local timestamp (YYYY-MM-DDTHH:MM) using the time context."
	case capability.ClassSearch:
		return head + "\nAnswer only from the retrieved documents and list the URLs you used in `sources`."
	case capability.ClassMemory:
		return head + "\nUse only the known facts about the user. Say so when nothing is known."
	default:
		return head
	}
}

func documentsBlock(docs []search.Document, tc timepolicy.Context) string {
	var b strings.Builder
	b.WriteString("Retrieved documents:")
	for i, d := range docs {
		fmt.Fprintf(&b, "\n[%d] %s\n    url: %s", i+1, strings.TrimSpace(d.Title), d.URL)
		if d.PublishedAt != nil {
			when := *d.PublishedAt
			if !tc.IsZero() {
				when = when.In(tc.Now.Location())
			}
			fmt.Fprintf(&b, "\n    published: %s", when.Format("2006-01-02 15:04"))
		}
		if s := truncate(strings.TrimSpace(d.Snippet), maxSnippet); s != "" {
			fmt.Fprintf(&b, "\n    %s", s)
		}
	}
	return b.String()
}

func userPrompt(utterance string, slots map[string]string, d capability.Descriptor) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(strings.TrimSpace(utterance))

	if in := d.Input(); in != nil {
		b.WriteString("\n\nInput schema for ")
		b.WriteString(d.ID)
		b.WriteString(":\n")
		b.Write(in.JSON())
	}

	fields := slotFields(slots)
	if len(fields) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	b.WriteString("\n\nExtracted fields:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, fields[k])
	}
	return b.String()
}

// slotFields returns the router slots that describe the request itself.
func slotFields(slots map[string]string) map[string]any {
	out := make(map[string]any, len(slots))
	for k, v := range slots {
		if k == "temporal_reference" {
			continue
		}
		out[k] = v
	}
	return out
}

// slotErrors checks the router slots against the capability input schema.
func slotErrors(d capability.Descriptor, slots map[string]string) []string {
	in := d.Input()
	if in == nil {
		return nil
	}
	return in.ValidateValue(slotFields(slots))
}

func joinSections(sections []string) string {
	out := sections[:0]
	for _, s := range sections {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n\n")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

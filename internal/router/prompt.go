package router

import (
	"strings"

	"github.com/metalagman/anchor/internal/capability"
)

const systemPrompt = "You are an intent classifier for a personal assistant. " +
	"Pick exactly one capability for the user message and report your confidence between 0 and 1. " +
	"Extract useful slots (for example query, task, due_at) as strings. " +
	"Return only one JSON object."

func buildPrompt(utterance string, candidates []capability.Descriptor, schemaJSON []byte) string {
	var b strings.Builder
	b.WriteString("Capabilities:\n")
	for _, c := range candidates {
		b.WriteString("- ")
		b.WriteString(c.ID)
		if c.Summary != "" {
			b.WriteString(": ")
			b.WriteString(c.Summary)
		}
		if len(c.Slots) > 0 {
			b.WriteString(" (slots: ")
			b.WriteString(strings.Join(c.Slots, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nOutput schema:\n")
	b.Write(schemaJSON)
	b.WriteString("\n\nUser message:\n")
	b.WriteString(utterance)
	return b.String()
}

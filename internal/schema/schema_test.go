package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reminderSchema = `{
	"type": "object",
	"properties": {
		"task": {"type": "string", "minLength": 1},
		"due_at": {"type": "string"},
		"meta": {"type": "object", "properties": {"source": {"type": "string"}}}
	},
	"required": ["task", "due_at"]
}`

func TestCompile_ClosesObjects(t *testing.T) {
	t.Parallel()

	s, err := Compile([]byte(reminderSchema))
	require.NoError(t, err)

	assert.Nil(t, s.Validate([]byte(`{"task":"call mom","due_at":"2026-10-16T09:00:00Z"}`)))

	errs := s.Validate([]byte(`{"task":"call mom","due_at":"x","extra":true}`))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "extra")

	errs = s.Validate([]byte(`{"task":"a","due_at":"x","meta":{"source":"s","other":1}}`))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "other")
}

func TestValidate_ReportsSortedErrors(t *testing.T) {
	t.Parallel()

	s := MustCompile(reminderSchema)
	errs := s.Validate([]byte(`{"task":""}`))
	require.Len(t, errs, 2)
	assert.True(t, errs[0] < errs[1])
}

func TestValidate_InvalidJSON(t *testing.T) {
	t.Parallel()

	s := MustCompile(reminderSchema)
	errs := s.Validate([]byte(`{"task":`))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "invalid JSON")

	var verr *ValidationError
	require.ErrorAs(t, s.Check([]byte(`nope`)), &verr)
	assert.NotEmpty(t, verr.Errors)
}

func TestCompile_RejectsBrokenSchema(t *testing.T) {
	t.Parallel()

	_, err := Compile([]byte(`{"type": 12}`))
	require.Error(t, err)

	_, err = Compile([]byte(`{}`))
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fenced",
			in:   "```json\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "prose around object",
			in:   `Sure! Here it is: {"a": {"b": "}"}} hope it helps`,
			want: `{"a": {"b": "}"}}`,
		},
		{
			name: "trailing commas",
			in:   `{"a": [1, 2,], "b": "x, }",}`,
			want: `{"a": [1, 2], "b": "x, }"}`,
		},
		{
			name: "no object",
			in:   "  plain text  ",
			want: "plain text",
		},
		{
			name: "quotes before object",
			in:   `He said "hi" {"ok": true}`,
			want: `{"ok": true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	in := "```\n{\"a\": [1,],}\n```"
	once := Normalize(in)
	assert.Equal(t, once, Normalize(once))
}

package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/metalagman/anchor/internal/llm"
	"github.com/metalagman/anchor/internal/llm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	inner := llmtest.New().
		Fail(llm.Transient(errors.New("429 too many requests"))).
		Fail(llm.Transient(errors.New("502 bad gateway"))).
		Reply(`{"ok":true}`)

	c := llm.WithRetry(inner, llm.RetryPolicy{MaxRetries: 3, Base: time.Millisecond})
	out, err := c.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, 3, inner.Calls())
}

func TestWithRetry_StopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	permanent := errors.New("401 unauthorized")
	inner := llmtest.New().Fail(permanent).Reply("never")

	c := llm.WithRetry(inner, llm.RetryPolicy{MaxRetries: 3, Base: time.Millisecond})
	_, err := c.Complete(context.Background(), llm.Request{})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, inner.Calls())
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	inner := llmtest.New()
	for range 5 {
		inner.Fail(llm.Transient(errors.New("503")))
	}

	c := llm.WithRetry(inner, llm.RetryPolicy{MaxRetries: 2, Base: time.Millisecond})
	_, err := c.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Equal(t, 3, inner.Calls())
}

func TestWithRetry_ZeroRetriesIsPassthrough(t *testing.T) {
	t.Parallel()

	inner := llmtest.New("x")
	assert.Same(t, inner, llm.WithRetry(inner, llm.RetryPolicy{}))
}

func TestRequest_EffectiveTemperature(t *testing.T) {
	t.Parallel()

	temp := 0.7
	got, ok := llm.Request{Temperature: &temp}.EffectiveTemperature()
	assert.True(t, ok)
	assert.InDelta(t, 0.7, got, 1e-9)

	got, ok = llm.Request{Temperature: &temp, Deterministic: true}.EffectiveTemperature()
	assert.True(t, ok)
	assert.Zero(t, got)

	_, ok = llm.Request{}.EffectiveTemperature()
	assert.False(t, ok)
}

package reasoning

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/cohort/internal/config"
	"github.com/ShayCichocki/cohort/internal/metrics"
)

func TestRateLimitedDisabled(t *testing.T) {
	base := ClientFunc(func(context.Context, string) (string, error) { return "ok", nil })
	_, isFunc := NewRateLimited(base, 0).(ClientFunc)
	assert.True(t, isFunc)
}

func TestRateLimitedWaits(t *testing.T) {
	var calls atomic.Int32
	base := ClientFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	c := NewRateLimited(base, 60) // one per second, burst 1

	_, err := c.Generate(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, "b")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindTransport, rerr.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInstrumentedPassesThrough(t *testing.T) {
	collector := metrics.NewCollector(nil)
	boom := errors.New("boom")

	ok := NewInstrumented(ClientFunc(func(context.Context, string) (string, error) { return "fine", nil }), "cli", collector)
	out, err := ok.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "fine", out)

	bad := NewInstrumented(ClientFunc(func(context.Context, string) (string, error) { return "", boom }), "cli", collector)
	_, err = bad.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, boom)

	count, err := testutil.GatherAndCount(collector.Registry(), "cohort_reasoning_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInstrumentedNilCollector(t *testing.T) {
	c := NewInstrumented(ClientFunc(func(context.Context, string) (string, error) { return "x", nil }), "api", nil)
	out, err := c.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	c, err := New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Instrumented{}, c)

	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg.Reasoning.Backend = "api"
	_, err = New(context.Background(), cfg, nil, nil)
	assert.ErrorIs(t, err, config.ErrNoAPIKey)

	cfg.Reasoning.Backend = "carrier-pigeon"
	_, err = New(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

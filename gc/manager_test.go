package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestManagerRunNow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	pinned := putBlock(t, env.bs, "kept by pin")
	require.NoError(t, env.pins.Pin(ctx, pinned, false))
	garbage := putBlock(t, env.bs, "swept")

	m := New(env.bs, env.pins, env.roots, DefaultConfig(),
		WithMetrics(noop.NewMeterProvider().Meter("test")),
	)

	report, err := m.RunNow(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, report.MarkSetSize)
	assert.Equal(t, int64(2), report.BlocksScanned)
	assert.Equal(t, int64(1), report.BlocksRemoved)
	assert.Empty(t, report.Errors)

	assertHas(t, env.bs, pinned, true)
	assertHas(t, env.bs, garbage, false)

	assert.Equal(t, report, m.Status())
}

func TestManagerStartStop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	putBlock(t, env.bs, "scheduled sweep target")

	config := Config{
		Interval:     time.Hour,
		StartupDelay: 10 * time.Millisecond,
	}

	m := New(env.bs, env.pins, env.roots, config)
	m.Start(ctx)

	require.Eventually(t, func() bool {
		return m.Status() != nil
	}, 5*time.Second, 10*time.Millisecond)

	report := m.Status()
	assert.Equal(t, int64(1), report.BlocksRemoved)

	require.NoError(t, m.Stop(ctx))

	// Stopping twice is a no-op.
	require.NoError(t, m.Stop(ctx))
}

func TestManagerStatusBeforeAnyRun(t *testing.T) {
	env := newTestEnv(t)

	m := New(env.bs, env.pins, env.roots, DefaultConfig())
	assert.Nil(t, m.Status())
}

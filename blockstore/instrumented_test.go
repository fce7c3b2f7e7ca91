package blockstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blockvault "github.com/wolfeidau/blockvault"
)

func TestInstrumentedPassthrough(t *testing.T) {
	ctx := context.Background()
	inner := newTestStore(t)
	bs := NewInstrumented(inner, "filesystem")

	data := []byte("instrumented block")
	c := blockvault.NewCid(data)

	require.NoError(t, bs.Put(ctx, c, data))

	got, err := bs.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := bs.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	ch, err := bs.AllKeysChan(ctx)
	require.NoError(t, err)
	var n int
	for range ch {
		n++
	}
	assert.Equal(t, 1, n)

	require.NoError(t, bs.DeleteBlock(ctx, c))
	_, err = bs.Get(ctx, c)
	require.ErrorIs(t, err, ErrNotFound)

	assert.Same(t, inner, bs.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	assert.Equal(t, "success", outcomeFromError(nil))
	assert.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	assert.Equal(t, "error", outcomeFromError(errors.New("disk on fire")))
}

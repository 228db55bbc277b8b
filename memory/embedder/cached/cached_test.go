package cached

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperhq/vesper-go/memory/embedder/mock"
)

func TestCacheHitSkipsInner(t *testing.T) {
	inner := mock.New(8)
	e, err := New(inner, 1<<20, nil)
	require.NoError(t, err)
	defer e.Close()

	first, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	e.Wait()

	second, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.Calls(), "second call must be served from the cache")
}

func TestDistinctTextsMiss(t *testing.T) {
	inner := mock.New(8)
	e, err := New(inner, 1<<20, nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "one")
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Calls())
}

func TestFailuresAreNotCached(t *testing.T) {
	inner := mock.New(8)
	e, err := New(inner, 1<<20, nil)
	require.NoError(t, err)
	defer e.Close()

	inner.FailAll(errors.New("down"))
	_, err = e.Embed(context.Background(), "hello")
	require.Error(t, err)

	inner.FailAll(nil)
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
}

func TestPassthroughMetadata(t *testing.T) {
	inner := mock.New(16)
	e, err := New(inner, 1<<20, nil)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 16, e.Dimensions())
	assert.Equal(t, inner.Name(), e.Name(), "the cache must be invisible to the index epoch")
}

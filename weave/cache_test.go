package weave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisCache(t *testing.T) {
	t.Parallel()

	newMethod := func() *Method {
		return newStaticMethod("Run", int32Type, nil,
			NewInstruction(OpLdcI41, nil),
			NewInstruction(OpLdcI42, nil),
			NewInstruction(OpAdd, nil),
			NewInstruction(OpRet, nil),
		)
	}

	t.Run("hit_until_commit", func(t *testing.T) {
		cache, err := NewAnalysisCache(1 << 10)
		require.NoError(t, err)
		t.Cleanup(cache.Close)
		m := newMethod()

		first, err := cache.Analyze(m)
		require.NoError(t, err)
		cache.cache.Wait()
		second, err := cache.Analyze(m)
		require.NoError(t, err)
		assert.Same(t, first, second)

		editor, err := OpenBody(m)
		require.NoError(t, err)
		require.NoError(t, editor.InsertBefore(m.Body.Instructions[0], NewInstruction(OpNop, nil)))
		during, err := cache.Analyze(m)
		require.NoError(t, err)
		assert.NotSame(t, first, during)
		require.NoError(t, editor.Close())

		third, err := cache.Analyze(m)
		require.NoError(t, err)
		assert.NotSame(t, first, third)
		assert.Equal(t, 5, third.Blocks()[0].End)
	})

	t.Run("bodies_not_shared", func(t *testing.T) {
		cache, err := NewAnalysisCache(1 << 10)
		require.NoError(t, err)
		t.Cleanup(cache.Close)
		a, b := newMethod(), newMethod()

		first, err := cache.Analyze(a)
		require.NoError(t, err)
		cache.cache.Wait()
		second, err := cache.Analyze(b)
		require.NoError(t, err)
		assert.Same(t, a, first.Method())
		assert.Same(t, b, second.Method())
	})

	t.Run("nil_cache", func(t *testing.T) {
		var cache *AnalysisCache
		m := newMethod()
		first, err := cache.Analyze(m)
		require.NoError(t, err)
		second, err := cache.Analyze(m)
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, 2, second.MaxStack())
		cache.Close()
	})

	t.Run("errors_not_cached", func(t *testing.T) {
		cache, err := NewAnalysisCache(1 << 10)
		require.NoError(t, err)
		t.Cleanup(cache.Close)
		m := newStaticMethod("Broken", nil, nil, NewInstruction(OpPop, nil), NewInstruction(OpRet, nil))

		_, err = cache.Analyze(m)
		assert.ErrorIs(t, err, ErrMalformedInput)
		_, err = cache.Analyze(m)
		assert.ErrorIs(t, err, ErrMalformedInput)
	})
}

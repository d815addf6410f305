package weave

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageCommon(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		store Storage
	}{
		{
			name:  "mem",
			store: NewMemStorage(),
		},
		{
			name:  "scoped",
			store: KeyPrefixStorage(NewMemStorage(), "app.ilz"),
		},
	}

	if !testing.Short() {
		dir := filepath.Join(t.TempDir(), "badger")
		badgerStorage, err := NewBadgerStorage(dir, 64, true)
		require.NoError(t, err)
		t.Cleanup(func() { badgerStorage.Close() })

		tests = append(tests, struct {
			name  string
			store Storage
		}{
			name:  "badger",
			store: badgerStorage,
		})
	}

	for _, tc := range tests {
		t.Run(tc.name+"_put_drop_all", func(t *testing.T) {
			require.NoError(t, tc.store.Put("t1", []byte{1, 2, 3}))
			require.NoError(t, tc.store.DropPrefix(""))

			keys, err := tc.store.Keys("")
			require.NoError(t, err)
			assert.Empty(t, keys)
			_, ok, err := tc.store.Get("t1")
			require.NoError(t, err)
			assert.False(t, ok)
		})

		t.Run(tc.name+"_put_get", func(t *testing.T) {
			require.NoError(t, tc.store.DropPrefix(""))
			data := []byte{1, 2, 0, 4}

			require.NoError(t, tc.store.Put("t1", data))
			got, ok, err := tc.store.Get("t1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, data, got)

			require.NoError(t, tc.store.Put("t1", []byte{5}))
			got, _, err = tc.store.Get("t1")
			require.NoError(t, err)
			assert.Equal(t, []byte{5}, got)
		})

		t.Run(tc.name+"_empty_value", func(t *testing.T) {
			require.NoError(t, tc.store.DropPrefix(""))

			require.NoError(t, tc.store.Put("empty", []byte{}))
			got, ok, err := tc.store.Get("empty")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Empty(t, got)
		})

		t.Run(tc.name+"_keys_drop_prefix", func(t *testing.T) {
			require.NoError(t, tc.store.DropPrefix(""))

			require.NoError(t, tc.store.Put("b1", []byte{3}))
			require.NoError(t, tc.store.Put("a2", []byte{2}))
			require.NoError(t, tc.store.Put("a1", []byte{1}))

			keys, err := tc.store.Keys("")
			require.NoError(t, err)
			assert.Equal(t, []string{"a1", "a2", "b1"}, keys)

			keys, err = tc.store.Keys("a")
			require.NoError(t, err)
			assert.Equal(t, []string{"a1", "a2"}, keys)

			require.NoError(t, tc.store.DropPrefix("a"))
			keys, err = tc.store.Keys("")
			require.NoError(t, err)
			assert.Equal(t, []string{"b1"}, keys)
		})

		t.Run(tc.name+"_value_isolation", func(t *testing.T) {
			require.NoError(t, tc.store.DropPrefix(""))
			data := []byte{7, 8, 9}

			require.NoError(t, tc.store.Put("iso", data))
			data[0] = 0
			got, ok, err := tc.store.Get("iso")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte{7, 8, 9}, got)
			got[1] = 0
			again, _, err := tc.store.Get("iso")
			require.NoError(t, err)
			assert.Equal(t, []byte{7, 8, 9}, again)
		})
	}
}

func TestKeyPrefixStorageIsolation(t *testing.T) {
	t.Parallel()

	shared := NewMemStorage()
	a := KeyPrefixStorage(shared, "a")
	b := KeyPrefixStorage(shared, "b")

	require.NoError(t, a.Put("key", []byte{1}))
	require.NoError(t, b.Put("key", []byte{2}))

	got, ok, err := a.Get("key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, got)

	keys, err := b.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"key"}, keys)

	require.NoError(t, a.DropPrefix(""))
	keys, err = shared.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"b;key"}, keys)

	a.Close()
	require.NoError(t, shared.Put("c", nil))

	assert.Same(t, shared, KeyPrefixStorage(shared, ""))
}

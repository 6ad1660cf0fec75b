package kv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreBasics(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Get([]byte("missing"))
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put([]byte("a:1"), []byte("one")))
	require.NoError(t, s.Put([]byte("a:2"), []byte("two")))
	require.NoError(t, s.Put([]byte("b:1"), []byte("other")))

	v, err := s.Get([]byte("a:1"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))

	wrote, err := s.PutIfAbsent([]byte("a:1"), []byte("again"))
	require.NoError(t, err)
	assert.False(t, wrote)

	var keys []string
	require.NoError(t, s.Scan([]byte("a:"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"a:1", "a:2"}, keys)

	require.NoError(t, s.Delete([]byte("a:1")))
	ok, err := s.Has([]byte("a:1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

package bolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/blockmirror/internal/blocks/repos/kv"
)

type assertErr struct{}

func (assertErr) Error() string { return "assert error" }

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cache.db")
}

func TestStore_RoundTrip(t *testing.T) {
	st, err := New(tempDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, ok, err := st.Get("blockcache:v2:meta")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Set("blockcache:v2:meta", []byte{1, 2, 3}))
	got, ok, err := st.Get("blockcache:v2:meta")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	// empty values are still present
	require.NoError(t, st.Set("empty", nil))
	got, ok, err = st.Get("empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)

	require.NoError(t, st.Remove("blockcache:v2:meta"))
	_, ok, err = st.Get("blockcache:v2:meta")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := tempDB(t)
	st, err := New(path)
	require.NoError(t, err)
	require.NoError(t, st.Set("k", []byte("v")))
	require.NoError(t, st.Close())

	st, err = New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	got, ok, err := st.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestStore_Closed(t *testing.T) {
	st, err := New(tempDB(t))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, _, err = st.Get("k")
	assert.ErrorIs(t, err, kv.ErrClosed)
	assert.ErrorIs(t, st.Set("k", []byte("v")), kv.ErrClosed)
}

func TestNew_OpenError(t *testing.T) {
	badPath := filepath.Join(t.TempDir(), "no-such-dir", "cache.db")
	st, err := New(badPath)
	assert.Error(t, err)
	assert.Nil(t, st)
}

func TestNew_EnsureBucketError(t *testing.T) {
	old := ensureBucketFn
	ensureBucketFn = func(bucketCreator) error { return assertErr{} }
	defer func() { ensureBucketFn = old }()

	st, err := New(tempDB(t))
	assert.ErrorIs(t, err, assertErr{})
	assert.Nil(t, st)
}

func TestStore_MissingBucket(t *testing.T) {
	st, err := New(tempDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	bs := st.(*boltStore)
	require.NoError(t, bs.db.Update(func(tx *bbolt.Tx) error { return tx.DeleteBucket(bucketData) }))

	_, ok, err := st.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, st.Remove("k"))

	// Set recreates the bucket
	require.NoError(t, st.Set("k", []byte("v")))
	_, ok, err = st.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
}

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("ride/active", []byte(`{"id":"ride-1"}`)))

	got, err := s.Get("ride/active")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"ride-1"}`, string(got))

	require.NoError(t, s.Delete("ride/active"))
	_, err = s.Get("ride/active")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("no/such/key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByPrefixReturnsCreationOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// insert out of order on purpose
	require.NoError(t, s.Put(ChatKey("ride-1", "m-3", base.Add(2*time.Second)), []byte("three")))
	require.NoError(t, s.Put(ChatKey("ride-1", "m-1", base), []byte("one")))
	require.NoError(t, s.Put(ChatKey("ride-1", "m-2", base.Add(time.Second)), []byte("two")))
	// another ride must not leak into the listing
	require.NoError(t, s.Put(ChatKey("ride-2", "m-x", base), []byte("other")))

	entries, err := s.ListByPrefix(ChatPrefix("ride-1"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "one", string(entries[0].Value))
	assert.Equal(t, "two", string(entries[1].Value))
	assert.Equal(t, "three", string(entries[2].Value))
}

func TestListByPrefixEmpty(t *testing.T) {
	s := openTestStore(t)
	entries, err := s.ListByPrefix(ChatPrefix("ride-absent"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOverwriteKeepsLatest(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(SOSKey("ride-1"), []byte(`{"active":true}`)))
	require.NoError(t, s.Put(SOSKey("ride-1"), []byte(`{"active":false}`)))

	got, err := s.Get(SOSKey("ride-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"active":false}`, string(got))
}

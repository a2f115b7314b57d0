package kv

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "kv.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)

	raw, version, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Zero(t, version)
}

func TestSetBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "k", []string{"a"}))
	require.NoError(t, s.Set(ctx, "k", []string{"a", "b"}))

	raw, version, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(raw))
	assert.Equal(t, int64(2), version)

	got, err := Load[[]string](ctx, s, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.CompareAndSwap(ctx, "k", 0, []byte(`1`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = s.CompareAndSwap(ctx, "k", 0, []byte(`2`))
	assert.ErrorIs(t, err, ErrVersionConflict, "insert over an existing key")

	_, err = s.CompareAndSwap(ctx, "k", 7, []byte(`2`))
	assert.ErrorIs(t, err, ErrVersionConflict, "stale version")

	v, err = s.CompareAndSwap(ctx, "k", 1, []byte(`2`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestLoadTreatsCorruptValueAsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "k", map[string]string{"not": "a list"}))

	got, err := Load[[]string](ctx, s, "k")
	require.NoError(t, err)
	assert.Empty(t, got)

	// the next update starts from empty and replaces the corrupt value
	updated, err := Update(ctx, s, "k", func(cur []string) ([]string, error) {
		return append(cur, "fresh"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, updated)
}

func TestUpdateDoesNotLoseConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := Update(ctx, s, "list", func(cur []int) ([]int, error) {
				return append(cur, i), nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := Load[[]int](ctx, s, "list")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, got)
}

func TestUpdateCallbackErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Set(ctx, "k", []int{1}))

	boom := errors.New("boom")
	_, err := Update(ctx, s, "k", func(cur []int) ([]int, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	cur, err := Update(ctx, s, "k", func(cur []int) ([]int, error) { return nil, ErrNoChange })
	require.NoError(t, err)
	assert.Equal(t, []int{1}, cur)

	_, version, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version, "no write happened")
}

func TestRemoveAndKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, KeyPreferences, []int{}))
	require.NoError(t, s.Set(ctx, KeyChats, []int{}))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyChats, KeyPreferences}, keys)

	require.NoError(t, s.Remove(ctx, KeyChats))
	require.NoError(t, s.Remove(ctx, KeyChats))

	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyPreferences}, keys)
}

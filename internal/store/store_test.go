package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askloop/promptfeed/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.NewConfig(filepath.Join(t.TempDir(), "state.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)

	val, ok, err := s.Get(context.Background(), store.KeyPrompts)
	require.NoError(t, err)
	assert.False(t, ok, "a never-written key is absent, not an error")
	assert.Empty(t, val)
}

func TestSetGetRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, store.KeyPrompts, `[{"id":"abc"}]`))

	val, ok, err := s.Get(ctx, store.KeyPrompts)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"id":"abc"}]`, val)
}

func TestSetOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, store.KeyLastScheduleCheck, "2025-06-03T07:00:00Z"))
	require.NoError(t, s.Set(ctx, store.KeyLastScheduleCheck, "2025-06-03T08:00:00Z"))

	val, ok, err := s.Get(ctx, store.KeyLastScheduleCheck)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-06-03T08:00:00Z", val)
}

func TestKeysAreIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, store.KeyPrompts, "[]"))
	require.NoError(t, s.Set(ctx, store.KeyLastScheduleCheck, "2025-06-03T07:00:00Z"))

	prompts, ok, err := s.Get(ctx, store.KeyPrompts)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[]", prompts)

	check, ok, err := s.Get(ctx, store.KeyLastScheduleCheck)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-06-03T07:00:00Z", check)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	s, err := store.Open(store.NewConfig(path))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", "v"))
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := store.Open(store.NewConfig(path))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, store.KeyPrompts, `[{"id":"persisted"}]`))
	require.NoError(t, s.Close())

	s, err = store.Open(store.NewConfig(path))
	require.NoError(t, err)
	defer s.Close()

	val, ok, err := s.Get(ctx, store.KeyPrompts)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"id":"persisted"}]`, val)
}

package coordstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSet(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v"))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestMemoryStore_SetIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	won, err := s.SetIfAbsent(ctx, "lease", "node-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	// Second writer loses while the first claim is live
	won, err = s.SetIfAbsent(ctx, "lease", "node-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	v, ok, err := s.Get(ctx, "lease")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-1", v)
}

func TestMemoryStore_SetIfAbsent_ExpiredKeyIsAbsent(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	won, err := s.SetIfAbsent(ctx, "lease", "node-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, won)

	time.Sleep(20 * time.Millisecond)

	won, err = s.SetIfAbsent(ctx, "lease", "node-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMemoryStore_Expire(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	ok, err := s.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v"))
	ok, err = s.Expire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Hash(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "nodes", "node-1", "primary"))
	require.NoError(t, s.HashSet(ctx, "nodes", "node-2", "secondary"))
	require.NoError(t, s.HashSet(ctx, "nodes", "node-1", "secondary"))

	h, err := s.HashGetAll(ctx, "nodes")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"node-1": "secondary",
		"node-2": "secondary",
	}, h)
}

func TestMemoryStore_ListPushTrim(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.ListPush(ctx, "events", v))
	}

	// Keep the last three entries, redis LTRIM semantics
	require.NoError(t, s.ListTrim(ctx, "events", -3, -1))

	got, err := s.ListRange(ctx, "events", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, got)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.HashSet(ctx, "k", "f", "v"))
	require.NoError(t, s.ListPush(ctx, "k", "v"))
	require.NoError(t, s.Delete(ctx, "k"))

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	h, err := s.HashGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, h)

	l, err := s.ListRange(ctx, "k", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, l)
}

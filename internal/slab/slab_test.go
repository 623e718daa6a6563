package slab_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuian/goshadow/internal/slab"
)

func TestAllocInsertGetRemove(t *testing.T) {
	s := slab.New(4)

	tok, err := s.Alloc()
	require.NoError(t, err)

	_, ok := s.Get(tok)
	require.True(t, ok)

	s.Insert(tok, "owner-1")
	owner, ok := s.Get(tok)
	require.True(t, ok)
	require.Equal(t, "owner-1", owner)

	removed, ok := s.Remove(tok)
	require.True(t, ok)
	require.Equal(t, "owner-1", removed)

	_, ok = s.Get(tok)
	require.False(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := slab.New(2)
	tok, err := s.Alloc()
	require.NoError(t, err)

	_, ok := s.Remove(tok)
	require.True(t, ok)

	_, ok = s.Remove(tok)
	require.False(t, ok, "second remove of the same token must be a no-op")
}

func TestExhaustion(t *testing.T) {
	s := slab.New(2)
	_, err := s.Alloc()
	require.NoError(t, err)
	_, err = s.Alloc()
	require.NoError(t, err)

	_, err = s.Alloc()
	require.ErrorIs(t, err, slab.ErrExhausted)
}

func TestFreedSlotIsReissuable(t *testing.T) {
	s := slab.New(1)
	t1, err := s.Alloc()
	require.NoError(t, err)
	_, _ = s.Remove(t1)

	t2, err := s.Alloc()
	require.NoError(t, err)
	require.Equal(t, t1, t2, "a freed slot should be reused before growing capacity")
}

func TestGetUnknownToken(t *testing.T) {
	s := slab.New(4)
	_, ok := s.Get(slab.Token(99))
	require.False(t, ok)
}

func TestEachVisitsOnlyAllocatedSlots(t *testing.T) {
	s := slab.New(4)

	t1, err := s.Alloc()
	require.NoError(t, err)
	s.Insert(t1, "a")

	t2, err := s.Alloc()
	require.NoError(t, err)
	s.Insert(t2, "b")

	t3, err := s.Alloc()
	require.NoError(t, err)
	s.Insert(t3, "c")
	_, _ = s.Remove(t2)

	seen := make(map[slab.Token]any)
	s.Each(func(tok slab.Token, owner any) {
		seen[tok] = owner
	})

	require.Len(t, seen, 2)
	require.Equal(t, "a", seen[t1])
	require.Equal(t, "c", seen[t3])
	require.NotContains(t, seen, t2)
}

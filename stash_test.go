package dbpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStashPushTryPop(t *testing.T) {
	s := newStash[int]()

	_, ok := s.tryPop()
	require.False(t, ok, "tryPop on empty stash should report false")

	s.push(1)
	s.push(2)
	s.push(3)
	require.Equal(t, 3, s.len())

	v, ok := s.tryPop()
	require.True(t, ok)
	require.Equal(t, 3, v, "tryPop should return the most recently pushed value (LIFO)")

	v, ok = s.tryPop()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestStashDrain(t *testing.T) {
	s := newStash[string]()
	s.push("a")
	s.push("b")

	drained := s.drain()
	require.ElementsMatch(t, []string{"a", "b"}, drained)
	require.Equal(t, 0, s.len())

	_, ok := s.tryPop()
	require.False(t, ok, "stash should be empty after drain")
}

func TestStashDrainEmpty(t *testing.T) {
	s := newStash[int]()
	require.Empty(t, s.drain())
}

package sieve_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sunwet.dev/sunwet/internal/sieve"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	s := sieve.New[string, int](4, nil)
	_, ok := s.Get("missing")
	require.False(t, ok)
}

func TestAddAndGetRoundTrip(t *testing.T) {
	s := sieve.New[string, int](4, nil)
	replaced := s.Add("a", 1)
	require.False(t, replaced)

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 1, s.Len())
}

func TestAddOverwritesExistingKey(t *testing.T) {
	s := sieve.New[string, int](4, nil)
	s.Add("a", 1)
	replaced := s.Add("a", 2)
	require.True(t, replaced)

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 1, s.Len())
}

func TestDeleteRemovesKey(t *testing.T) {
	s := sieve.New[string, int](4, nil)
	s.Add("a", 1)
	require.True(t, s.Delete("a"))
	require.False(t, s.Delete("a"))

	_, ok := s.Get("a")
	require.False(t, ok)
}

func TestEvictionAtCapacityCallsRemoveCB(t *testing.T) {
	var evicted []int
	s := sieve.New[string, int](2, func(v int) { evicted = append(evicted, v) })

	s.Add("a", 1)
	s.Add("b", 2)
	s.Add("c", 3) // forces an eviction since capacity is 2

	require.Equal(t, 2, s.Len())
	require.Len(t, evicted, 1)
}

func TestVisitedKeysSurviveOneEvictionPass(t *testing.T) {
	s := sieve.New[string, int](2, nil)
	s.Add("a", 1)
	s.Add("b", 2)

	// Touching "a" marks it visited, so the next eviction should spare
	// it and take "b" instead.
	s.Get("a")
	s.Add("c", 3)

	_, aStillPresent := s.Get("a")
	require.True(t, aStillPresent)
	_, bStillPresent := s.Get("b")
	require.False(t, bStillPresent)
}

func TestCapReportsConfiguredCapacity(t *testing.T) {
	s := sieve.New[string, int](7, nil)
	require.Equal(t, 7, s.Cap())
}

// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package csync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapBasicOperations(t *testing.T) {
	m := NewMap[string, int]()
	_, ok := m.Get("missing")
	require.False(t, ok)

	m.Set("a", 1)
	m.Set("b", 2)
	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	m.Delete("a")
	_, ok = m.Get("a")
	require.False(t, ok)

	seen := map[string]int{}
	for k, v := range m.Seq2() {
		seen[k] = v
	}
	require.Equal(t, map[string]int{"b": 2}, seen)

	m.Clear()
	_, ok = m.Get("b")
	require.False(t, ok)
}

func TestMapConcurrentWriters(t *testing.T) {
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i, i*i)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 64; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.Equal(t, i*i, v)
	}
}

func TestSliceAppendAndRange(t *testing.T) {
	s := NewSlice[string]()
	s.Append("x")
	s.Append("y")
	require.Equal(t, 2, s.Len())

	v, ok := s.Get(1)
	require.True(t, ok)
	require.Equal(t, "y", v)
	_, ok = s.Get(5)
	require.False(t, ok)

	var collected []string
	s.Range(func(_ int, item string) bool {
		collected = append(collected, item)
		return true
	})
	require.Equal(t, []string{"x", "y"}, collected)

	items := s.Items()
	items[0] = "mutated"
	first, _ := s.Get(0)
	require.Equal(t, "x", first, "Items must copy")
}

func TestMapLen(t *testing.T) {
	m := NewMap[string, int]()
	require.Zero(t, m.Len())
	m.Set("a", 1)
	m.Set("b", 2)
	require.Equal(t, 2, m.Len())
	m.Delete("a")
	require.Equal(t, 1, m.Len())
}

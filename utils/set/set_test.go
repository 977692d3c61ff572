// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package set

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	require := require.New(t)

	s := Of("a", "b")
	require.Equal(2, s.Len())
	require.True(s.Contains("a"))
	require.False(s.Contains("c"))

	s.Add("c", "c")
	require.Equal(3, s.Len())

	s.Remove("a", "b")
	require.Equal(1, s.Len())
	require.Equal([]string{"c"}, s.List())
}

func TestNilSetAdd(t *testing.T) {
	require := require.New(t)

	var s Set[int]
	s.Add(1)
	require.True(s.Contains(1))
}

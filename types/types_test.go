// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	tests := []struct {
		name     string
		dt       DataType
		expected string
	}{
		{
			name:     "primitive",
			dt:       Int,
			expected: "int",
		},
		{
			name:     "list",
			dt:       NewList(Timestamp),
			expected: "list<timestamp>",
		},
		{
			name:     "nested set",
			dt:       NewSet(NewList(Varchar)),
			expected: "set<list<varchar>>",
		},
		{
			name:     "map",
			dt:       NewMap(Int, Text),
			expected: "map<int, text>",
		},
		{
			name:     "tuple",
			dt:       NewTuple(Int, Varchar, Double),
			expected: "tuple<int, varchar, double>",
		},
		{
			name:     "udt",
			dt:       NewUDT("ks", "address", UDTField{Name: "street", Type: Varchar}),
			expected: "ks.address",
		},
		{
			name:     "custom",
			dt:       NewCustom("org.example.Type"),
			expected: "custom<org.example.Type>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.dt.String())
		})
	}
}

func TestEqual(t *testing.T) {
	require := require.New(t)

	require.True(Equal(Int, Int))
	require.False(Equal(Int, Bigint))
	require.True(Equal(NewList(Int), NewList(Int)))
	require.False(Equal(NewList(Int), NewList(Bigint)))
	require.False(Equal(NewList(Int), NewSet(Int)))
	require.True(Equal(NewMap(Int, Text), NewMap(Int, Text)))
	require.False(Equal(NewMap(Int, Text), NewMap(Text, Int)))
	require.True(Equal(
		NewTuple(Int, Varchar),
		NewTuple(Int, Varchar),
	))
	require.False(Equal(
		NewTuple(Int, Varchar),
		NewTuple(Int),
	))
	require.True(Equal(
		NewUDT("ks", "t", UDTField{Name: "a", Type: Int}),
		NewUDT("ks", "t", UDTField{Name: "a", Type: Int}),
	))
	require.False(Equal(
		NewUDT("ks", "t", UDTField{Name: "a", Type: Int}),
		NewUDT("ks", "t", UDTField{Name: "b", Type: Int}),
	))
	require.True(Equal(NewCustom("a.b"), NewCustom("a.b")))
	require.False(Equal(NewCustom("a.b"), NewCustom("a.c")))
	require.False(Equal(nil, Int))
	require.True(Equal(nil, nil))
}

func TestDepth(t *testing.T) {
	require := require.New(t)

	require.Zero(Depth(Int))
	require.Zero(Depth(NewCustom("x")))
	require.Equal(1, Depth(NewList(Int)))
	require.Equal(2, Depth(NewList(NewList(Int))))
	require.Equal(2, Depth(NewMap(Int, NewSet(Text))))
	require.Equal(2, Depth(NewTuple(Int, NewList(Int))))
	require.Equal(1, Depth(NewUDT("ks", "t", UDTField{Name: "a", Type: Int})))
}

func TestPrimitiveLookup(t *testing.T) {
	require := require.New(t)

	for kind, want := range primitivesByKind {
		require.Same(want, Primitive(kind))
	}
	require.Nil(Primitive(KindList))
	require.Nil(Primitive(KindUDT))
}

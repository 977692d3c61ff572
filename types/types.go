// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types models the database's column type system: a descriptor for
// every native type plus the parameterized collection, tuple, user-defined
// and custom forms that own their element descriptors.
package types

import (
	"fmt"
	"strings"
)

// Kind identifies a column type. Values match the option ids used on the
// wire inside result metadata.
type Kind uint16

const (
	KindCustom    Kind = 0x0000
	KindAscii     Kind = 0x0001
	KindBigint    Kind = 0x0002
	KindBlob      Kind = 0x0003
	KindBoolean   Kind = 0x0004
	KindCounter   Kind = 0x0005
	KindDecimal   Kind = 0x0006
	KindDouble    Kind = 0x0007
	KindFloat     Kind = 0x0008
	KindInt       Kind = 0x0009
	KindText      Kind = 0x000A
	KindTimestamp Kind = 0x000B
	KindUUID      Kind = 0x000C
	KindVarchar   Kind = 0x000D
	KindVarint    Kind = 0x000E
	KindTimeUUID  Kind = 0x000F
	KindInet      Kind = 0x0010
	KindDate      Kind = 0x0011
	KindTime      Kind = 0x0012
	KindSmallint  Kind = 0x0013
	KindTinyint   Kind = 0x0014
	KindList      Kind = 0x0020
	KindMap       Kind = 0x0021
	KindSet       Kind = 0x0022
	KindUDT       Kind = 0x0030
	KindTuple     Kind = 0x0031
)

// DataType is a structural descriptor of a column type. Descriptors are
// immutable once constructed and safe to share.
type DataType interface {
	Kind() Kind
	// String returns the CQL rendering of the type, e.g. "map<int, text>".
	String() string
}

// PrimitiveType describes a non-parameterized native type.
type PrimitiveType struct {
	kind Kind
	name string
}

func (p *PrimitiveType) Kind() Kind     { return p.kind }
func (p *PrimitiveType) String() string { return p.name }

// The singleton descriptors for every native type.
var (
	Ascii     = &PrimitiveType{KindAscii, "ascii"}
	Bigint    = &PrimitiveType{KindBigint, "bigint"}
	Blob      = &PrimitiveType{KindBlob, "blob"}
	Boolean   = &PrimitiveType{KindBoolean, "boolean"}
	Counter   = &PrimitiveType{KindCounter, "counter"}
	Decimal   = &PrimitiveType{KindDecimal, "decimal"}
	Double    = &PrimitiveType{KindDouble, "double"}
	Float     = &PrimitiveType{KindFloat, "float"}
	Int       = &PrimitiveType{KindInt, "int"}
	Text      = &PrimitiveType{KindText, "text"}
	Timestamp = &PrimitiveType{KindTimestamp, "timestamp"}
	UUID      = &PrimitiveType{KindUUID, "uuid"}
	Varchar   = &PrimitiveType{KindVarchar, "varchar"}
	Varint    = &PrimitiveType{KindVarint, "varint"}
	TimeUUID  = &PrimitiveType{KindTimeUUID, "timeuuid"}
	Inet      = &PrimitiveType{KindInet, "inet"}
	Date      = &PrimitiveType{KindDate, "date"}
	Time      = &PrimitiveType{KindTime, "time"}
	Smallint  = &PrimitiveType{KindSmallint, "smallint"}
	Tinyint   = &PrimitiveType{KindTinyint, "tinyint"}
)

var primitivesByKind = map[Kind]*PrimitiveType{
	KindAscii: Ascii, KindBigint: Bigint, KindBlob: Blob, KindBoolean: Boolean,
	KindCounter: Counter, KindDecimal: Decimal, KindDouble: Double,
	KindFloat: Float, KindInt: Int, KindText: Text, KindTimestamp: Timestamp,
	KindUUID: UUID, KindVarchar: Varchar, KindVarint: Varint,
	KindTimeUUID: TimeUUID, KindInet: Inet, KindDate: Date, KindTime: Time,
	KindSmallint: Smallint, KindTinyint: Tinyint,
}

// Primitive returns the singleton descriptor for [kind], or nil if the kind
// is not a primitive.
func Primitive(kind Kind) *PrimitiveType {
	return primitivesByKind[kind]
}

// ListType describes list<Elem>.
type ListType struct {
	Elem DataType
}

func NewList(elem DataType) *ListType { return &ListType{Elem: elem} }

func (l *ListType) Kind() Kind     { return KindList }
func (l *ListType) String() string { return fmt.Sprintf("list<%s>", l.Elem) }

// SetType describes set<Elem>.
type SetType struct {
	Elem DataType
}

func NewSet(elem DataType) *SetType { return &SetType{Elem: elem} }

func (s *SetType) Kind() Kind     { return KindSet }
func (s *SetType) String() string { return fmt.Sprintf("set<%s>", s.Elem) }

// MapType describes map<Key, Value>.
type MapType struct {
	Key   DataType
	Value DataType
}

func NewMap(key, value DataType) *MapType { return &MapType{Key: key, Value: value} }

func (m *MapType) Kind() Kind     { return KindMap }
func (m *MapType) String() string { return fmt.Sprintf("map<%s, %s>", m.Key, m.Value) }

// TupleType describes tuple<Elems...>.
type TupleType struct {
	Elems []DataType
}

func NewTuple(elems ...DataType) *TupleType { return &TupleType{Elems: elems} }

func (t *TupleType) Kind() Kind { return KindTuple }

func (t *TupleType) String() string {
	names := make([]string, len(t.Elems))
	for i, e := range t.Elems {
		names[i] = e.String()
	}
	return fmt.Sprintf("tuple<%s>", strings.Join(names, ", "))
}

// UDTField is one named field of a user-defined type.
type UDTField struct {
	Name string
	Type DataType
}

// UDTType describes a user-defined type. Field order is the declared order
// and is significant on the wire.
type UDTType struct {
	Keyspace string
	Name     string
	Fields   []UDTField
}

func NewUDT(keyspace, name string, fields ...UDTField) *UDTType {
	return &UDTType{Keyspace: keyspace, Name: name, Fields: fields}
}

func (u *UDTType) Kind() Kind { return KindUDT }

func (u *UDTType) String() string {
	if u.Keyspace == "" {
		return u.Name
	}
	return u.Keyspace + "." + u.Name
}

// FieldIndex returns the position of the named field, or -1.
func (u *UDTType) FieldIndex(name string) int {
	for i, f := range u.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// CustomType describes a server-side custom type identified by its class
// name. Values are carried as opaque bytes.
type CustomType struct {
	ClassName string
}

func NewCustom(className string) *CustomType { return &CustomType{ClassName: className} }

func (c *CustomType) Kind() Kind     { return KindCustom }
func (c *CustomType) String() string { return fmt.Sprintf("custom<%s>", c.ClassName) }

// Equal reports structural equality of two descriptors.
func Equal(a, b DataType) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch at := a.(type) {
	case *PrimitiveType:
		return true
	case *ListType:
		return Equal(at.Elem, b.(*ListType).Elem)
	case *SetType:
		return Equal(at.Elem, b.(*SetType).Elem)
	case *MapType:
		bt := b.(*MapType)
		return Equal(at.Key, bt.Key) && Equal(at.Value, bt.Value)
	case *TupleType:
		bt := b.(*TupleType)
		if len(at.Elems) != len(bt.Elems) {
			return false
		}
		for i := range at.Elems {
			if !Equal(at.Elems[i], bt.Elems[i]) {
				return false
			}
		}
		return true
	case *UDTType:
		bt := b.(*UDTType)
		if at.Keyspace != bt.Keyspace || at.Name != bt.Name || len(at.Fields) != len(bt.Fields) {
			return false
		}
		for i := range at.Fields {
			if at.Fields[i].Name != bt.Fields[i].Name || !Equal(at.Fields[i].Type, bt.Fields[i].Type) {
				return false
			}
		}
		return true
	case *CustomType:
		return at.ClassName == b.(*CustomType).ClassName
	default:
		return false
	}
}

// Depth returns the nesting depth of a descriptor: primitives and custom
// types have depth 0, a parameterized type is one deeper than its deepest
// child.
func Depth(dt DataType) int {
	switch t := dt.(type) {
	case *ListType:
		return 1 + Depth(t.Elem)
	case *SetType:
		return 1 + Depth(t.Elem)
	case *MapType:
		return 1 + max(Depth(t.Key), Depth(t.Value))
	case *TupleType:
		d := 0
		for _, e := range t.Elems {
			d = max(d, Depth(e))
		}
		return 1 + d
	case *UDTType:
		d := 0
		for _, f := range t.Fields {
			d = max(d, Depth(f.Type))
		}
		return 1 + d
	default:
		return 0
	}
}

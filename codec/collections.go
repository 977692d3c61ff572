// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/luxfi/cql/types"
	"github.com/luxfi/cql/wire"
)

// Collection wire framing changed in v3: counts and element lengths widened
// from [short] to [int].

func packCollection(pv wire.ProtocolVersion, elems [][]byte) []byte {
	p := wire.NewPacker()
	if pv >= wire.V3 {
		p.PackInt(int32(len(elems)))
		for _, e := range elems {
			p.PackBytes(e)
		}
	} else {
		p.PackShort(uint16(len(elems)))
		for _, e := range elems {
			p.PackShortBytes(e)
		}
	}
	return p.Bytes()
}

func unpackCollection(pv wire.ProtocolVersion, b []byte) ([][]byte, error) {
	u := wire.NewUnpacker(b)
	var n int
	if pv >= wire.V3 {
		n = int(u.UnpackInt())
	} else {
		n = int(u.UnpackShort())
	}
	if err := u.Err(); err != nil {
		return nil, err
	}
	elems := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if pv >= wire.V3 {
			elems = append(elems, u.UnpackBytes())
		} else {
			elems = append(elems, u.UnpackShortBytes())
		}
		if err := u.Err(); err != nil {
			return nil, err
		}
	}
	return elems, nil
}

// listCodec is the synthesized codec for list<E> and set<E>.
type listCodec struct {
	dt     types.DataType
	elem   Codec
	goType reflect.Type
	weight int64
}

func newListCodec(dt types.DataType, elem Codec, weight int64) Codec {
	return &listCodec{
		dt:     dt,
		elem:   elem,
		goType: reflect.SliceOf(elem.GoType()),
		weight: weight,
	}
}

func (c *listCodec) DataType() types.DataType { return c.dt }
func (c *listCodec) GoType() reflect.Type     { return c.goType }
func (c *listCodec) Weight() int64            { return c.weight }

func (c *listCodec) Accepts(dt types.DataType) bool {
	return types.Equal(c.dt, dt)
}

func (c *listCodec) AcceptsGoType(t reflect.Type) bool {
	return t == c.goType || (t.Kind() == reflect.Slice && c.elem.AcceptsGoType(t.Elem()))
}

func (c *listCodec) AcceptsValue(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return false
	}
	return rv.Len() == 0 || c.elem.AcceptsValue(rv.Index(0).Interface())
}

func (c *listCodec) Serialize(v any, pv wire.ProtocolVersion) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot serialize %T as %s", v, c.dt)
	}
	elems := make([][]byte, rv.Len())
	for i := range elems {
		b, err := c.elem.Serialize(rv.Index(i).Interface(), pv)
		if err != nil {
			return nil, fmt.Errorf("%s element %d: %w", c.dt, i, err)
		}
		elems[i] = b
	}
	return packCollection(pv, elems), nil
}

func (c *listCodec) Deserialize(b []byte, pv wire.ProtocolVersion) (any, error) {
	if b == nil {
		return nil, nil
	}
	elems, err := unpackCollection(pv, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.dt, err)
	}
	out := reflect.MakeSlice(c.goType, len(elems), len(elems))
	for i, eb := range elems {
		ev, err := c.elem.Deserialize(eb, pv)
		if err != nil {
			return nil, fmt.Errorf("%s element %d: %w", c.dt, i, err)
		}
		if ev != nil {
			out.Index(i).Set(reflect.ValueOf(ev))
		}
	}
	return out.Interface(), nil
}

func (c *listCodec) Format(v any) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return "", fmt.Errorf("cannot format %T as %s", v, c.dt)
	}
	parts := make([]string, rv.Len())
	for i := range parts {
		s, err := c.elem.Format(rv.Index(i).Interface())
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	open, closing := "[", "]"
	if c.dt.Kind() == types.KindSet {
		open, closing = "{", "}"
	}
	return open + strings.Join(parts, ", ") + closing, nil
}

func (c *listCodec) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil, nil
	}
	inner, err := stripBrackets(s, "[]", "{}")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.dt, err)
	}
	parts := splitTopLevel(inner)
	out := reflect.MakeSlice(c.goType, len(parts), len(parts))
	for i, p := range parts {
		ev, err := c.elem.Parse(p)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out.Index(i).Set(reflect.ValueOf(ev))
		}
	}
	return out.Interface(), nil
}

// mapCodec is the synthesized codec for map<K, V>.
type mapCodec struct {
	dt     *types.MapType
	key    Codec
	value  Codec
	goType reflect.Type
	weight int64
}

func newMapCodec(dt *types.MapType, key, value Codec, weight int64) Codec {
	return &mapCodec{
		dt:     dt,
		key:    key,
		value:  value,
		goType: reflect.MapOf(key.GoType(), value.GoType()),
		weight: weight,
	}
}

func (c *mapCodec) DataType() types.DataType { return c.dt }
func (c *mapCodec) GoType() reflect.Type     { return c.goType }
func (c *mapCodec) Weight() int64            { return c.weight }

func (c *mapCodec) Accepts(dt types.DataType) bool {
	return types.Equal(c.dt, dt)
}

func (c *mapCodec) AcceptsGoType(t reflect.Type) bool {
	if t == c.goType {
		return true
	}
	return t.Kind() == reflect.Map &&
		c.key.AcceptsGoType(t.Key()) && c.value.AcceptsGoType(t.Elem())
}

func (c *mapCodec) AcceptsValue(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return false
	}
	if rv.Len() == 0 {
		return true
	}
	iter := rv.MapRange()
	iter.Next()
	return c.key.AcceptsValue(iter.Key().Interface()) &&
		c.value.AcceptsValue(iter.Value().Interface())
}

func (c *mapCodec) Serialize(v any, pv wire.ProtocolVersion) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, fmt.Errorf("cannot serialize %T as %s", v, c.dt)
	}
	p := wire.NewPacker()
	if pv >= wire.V3 {
		p.PackInt(int32(rv.Len()))
	} else {
		p.PackShort(uint16(rv.Len()))
	}
	iter := rv.MapRange()
	for iter.Next() {
		kb, err := c.key.Serialize(iter.Key().Interface(), pv)
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", c.dt, err)
		}
		vb, err := c.value.Serialize(iter.Value().Interface(), pv)
		if err != nil {
			return nil, fmt.Errorf("%s value: %w", c.dt, err)
		}
		if pv >= wire.V3 {
			p.PackBytes(kb)
			p.PackBytes(vb)
		} else {
			p.PackShortBytes(kb)
			p.PackShortBytes(vb)
		}
	}
	return p.Bytes(), nil
}

func (c *mapCodec) Deserialize(b []byte, pv wire.ProtocolVersion) (any, error) {
	if b == nil {
		return nil, nil
	}
	u := wire.NewUnpacker(b)
	var n int
	if pv >= wire.V3 {
		n = int(u.UnpackInt())
	} else {
		n = int(u.UnpackShort())
	}
	out := reflect.MakeMapWithSize(c.goType, n)
	for i := 0; i < n && u.Err() == nil; i++ {
		var kb, vb []byte
		if pv >= wire.V3 {
			kb = u.UnpackBytes()
			vb = u.UnpackBytes()
		} else {
			kb = u.UnpackShortBytes()
			vb = u.UnpackShortBytes()
		}
		kv, err := c.key.Deserialize(kb, pv)
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", c.dt, err)
		}
		vv, err := c.value.Deserialize(vb, pv)
		if err != nil {
			return nil, fmt.Errorf("%s value: %w", c.dt, err)
		}
		val := reflect.Zero(c.goType.Elem())
		if vv != nil {
			val = reflect.ValueOf(vv)
		}
		out.SetMapIndex(reflect.ValueOf(kv), val)
	}
	if err := u.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", c.dt, err)
	}
	return out.Interface(), nil
}

func (c *mapCodec) Format(v any) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return "", fmt.Errorf("cannot format %T as %s", v, c.dt)
	}
	parts := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		ks, err := c.key.Format(iter.Key().Interface())
		if err != nil {
			return "", err
		}
		vs, err := c.value.Format(iter.Value().Interface())
		if err != nil {
			return "", err
		}
		parts = append(parts, ks+": "+vs)
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

func (c *mapCodec) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil, nil
	}
	inner, err := stripBrackets(s, "{}")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.dt, err)
	}
	parts := splitTopLevel(inner)
	out := reflect.MakeMapWithSize(c.goType, len(parts))
	for _, p := range parts {
		colon := indexTopLevel(p, ':')
		if colon < 0 {
			return nil, fmt.Errorf("%s: missing ':' in entry %q", c.dt, p)
		}
		kv, err := c.key.Parse(p[:colon])
		if err != nil {
			return nil, err
		}
		vv, err := c.value.Parse(p[colon+1:])
		if err != nil {
			return nil, err
		}
		val := reflect.Zero(c.goType.Elem())
		if vv != nil {
			val = reflect.ValueOf(vv)
		}
		out.SetMapIndex(reflect.ValueOf(kv), val)
	}
	return out.Interface(), nil
}

// stripBrackets removes one matching pair of surrounding brackets.
func stripBrackets(s string, pairs ...string) (string, error) {
	for _, pair := range pairs {
		if len(s) >= 2 && s[0] == pair[0] && s[len(s)-1] == pair[1] {
			return s[1 : len(s)-1], nil
		}
	}
	return "", fmt.Errorf("not a bracketed literal: %q", s)
}

// splitTopLevel splits on commas outside quotes and nested brackets.
func splitTopLevel(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		parts  []string
		depth  int
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			quoted = !quoted
		case '[', '{', '(':
			if !quoted {
				depth++
			}
		case ']', '}', ')':
			if !quoted {
				depth--
			}
		case ',':
			if !quoted && depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}

// indexTopLevel finds the first occurrence of sep outside quotes and
// nested brackets, or -1.
func indexTopLevel(s string, sep byte) int {
	var depth int
	var quoted bool
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			quoted = !quoted
		case '[', '{', '(':
			if !quoted {
				depth++
			}
		case ']', '}', ')':
			if !quoted {
				depth--
			}
		case sep:
			if !quoted && depth == 0 {
				return i
			}
		}
	}
	return -1
}

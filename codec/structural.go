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

// tupleCodec is the structural codec for tuple<...>, keyed by the wire
// descriptor. Values are []any with one entry per element.
type tupleCodec struct {
	dt     *types.TupleType
	elems  []Codec
	weight int64
}

var anySliceType = reflect.TypeOf([]any(nil))

func newTupleCodec(dt *types.TupleType, elems []Codec, weight int64) Codec {
	return &tupleCodec{dt: dt, elems: elems, weight: weight}
}

func (c *tupleCodec) DataType() types.DataType { return c.dt }
func (c *tupleCodec) GoType() reflect.Type     { return anySliceType }
func (c *tupleCodec) Weight() int64            { return c.weight }

func (c *tupleCodec) Accepts(dt types.DataType) bool {
	return types.Equal(c.dt, dt)
}

func (c *tupleCodec) AcceptsGoType(t reflect.Type) bool {
	return t == anySliceType
}

func (c *tupleCodec) AcceptsValue(v any) bool {
	vs, ok := v.([]any)
	return ok && len(vs) == len(c.elems)
}

func (c *tupleCodec) Serialize(v any, pv wire.ProtocolVersion) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	vs, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cannot serialize %T as %s", v, c.dt)
	}
	if len(vs) != len(c.elems) {
		return nil, fmt.Errorf("%s: expected %d elements, got %d", c.dt, len(c.elems), len(vs))
	}
	p := wire.NewPacker()
	for i, ec := range c.elems {
		b, err := ec.Serialize(vs[i], pv)
		if err != nil {
			return nil, fmt.Errorf("%s element %d: %w", c.dt, i, err)
		}
		p.PackBytes(b)
	}
	return p.Bytes(), nil
}

func (c *tupleCodec) Deserialize(b []byte, pv wire.ProtocolVersion) (any, error) {
	if b == nil {
		return nil, nil
	}
	u := wire.NewUnpacker(b)
	out := make([]any, len(c.elems))
	for i, ec := range c.elems {
		eb := u.UnpackBytes()
		if err := u.Err(); err != nil {
			return nil, fmt.Errorf("%s element %d: %w", c.dt, i, err)
		}
		ev, err := ec.Deserialize(eb, pv)
		if err != nil {
			return nil, fmt.Errorf("%s element %d: %w", c.dt, i, err)
		}
		out[i] = ev
	}
	return out, nil
}

func (c *tupleCodec) Format(v any) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	vs, ok := v.([]any)
	if !ok || len(vs) != len(c.elems) {
		return "", fmt.Errorf("cannot format %T as %s", v, c.dt)
	}
	parts := make([]string, len(vs))
	for i, ec := range c.elems {
		s, err := ec.Format(vs[i])
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, ", ") + ")", nil
}

func (c *tupleCodec) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil, nil
	}
	inner, err := stripBrackets(s, "()")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.dt, err)
	}
	parts := splitTopLevel(inner)
	if len(parts) != len(c.elems) {
		return nil, fmt.Errorf("%s: expected %d elements, got %d", c.dt, len(c.elems), len(parts))
	}
	out := make([]any, len(parts))
	for i, ec := range c.elems {
		ev, err := ec.Parse(parts[i])
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

// udtCodec is the structural codec for a user-defined type. Values are
// map[string]any keyed by field name; fields absent from the map serialize
// as null, and fields the server did not send are absent after decode.
type udtCodec struct {
	dt     *types.UDTType
	fields []Codec
	weight int64
}

var stringAnyMapType = reflect.TypeOf(map[string]any(nil))

func newUDTCodec(dt *types.UDTType, fields []Codec, weight int64) Codec {
	return &udtCodec{dt: dt, fields: fields, weight: weight}
}

func (c *udtCodec) DataType() types.DataType { return c.dt }
func (c *udtCodec) GoType() reflect.Type     { return stringAnyMapType }
func (c *udtCodec) Weight() int64            { return c.weight }

func (c *udtCodec) Accepts(dt types.DataType) bool {
	return types.Equal(c.dt, dt)
}

func (c *udtCodec) AcceptsGoType(t reflect.Type) bool {
	return t == stringAnyMapType
}

func (c *udtCodec) AcceptsValue(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func (c *udtCodec) Serialize(v any, pv wire.ProtocolVersion) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	vs, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cannot serialize %T as %s", v, c.dt)
	}
	p := wire.NewPacker()
	for i, f := range c.dt.Fields {
		fv, present := vs[f.Name]
		if !present {
			p.PackBytes(nil)
			continue
		}
		b, err := c.fields[i].Serialize(fv, pv)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.dt, f.Name, err)
		}
		p.PackBytes(b)
	}
	return p.Bytes(), nil
}

func (c *udtCodec) Deserialize(b []byte, pv wire.ProtocolVersion) (any, error) {
	if b == nil {
		return nil, nil
	}
	u := wire.NewUnpacker(b)
	out := make(map[string]any, len(c.fields))
	for i, f := range c.dt.Fields {
		// Trailing fields added after the value was written may be
		// missing entirely.
		if u.Remaining() == 0 {
			break
		}
		fb := u.UnpackBytes()
		if err := u.Err(); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.dt, f.Name, err)
		}
		fv, err := c.fields[i].Deserialize(fb, pv)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.dt, f.Name, err)
		}
		out[f.Name] = fv
	}
	return out, nil
}

func (c *udtCodec) Format(v any) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	vs, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("cannot format %T as %s", v, c.dt)
	}
	parts := make([]string, 0, len(c.dt.Fields))
	for i, f := range c.dt.Fields {
		fv, present := vs[f.Name]
		if !present {
			continue
		}
		s, err := c.fields[i].Format(fv)
		if err != nil {
			return "", err
		}
		parts = append(parts, f.Name+": "+s)
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

func (c *udtCodec) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil, nil
	}
	inner, err := stripBrackets(s, "{}")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.dt, err)
	}
	out := make(map[string]any)
	for _, part := range splitTopLevel(inner) {
		colon := indexTopLevel(part, ':')
		if colon < 0 {
			return nil, fmt.Errorf("%s: missing ':' in field %q", c.dt, part)
		}
		name := strings.TrimSpace(part[:colon])
		idx := c.dt.FieldIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%s: unknown field %q", c.dt, name)
		}
		fv, err := c.fields[idx].Parse(part[colon+1:])
		if err != nil {
			return nil, err
		}
		out[name] = fv
	}
	return out, nil
}

// customCodec passes values of a server-side custom type through as raw
// bytes.
type customCodec struct {
	dt *types.CustomType
}

var byteSliceType = reflect.TypeOf([]byte(nil))

func newCustomCodec(dt *types.CustomType) Codec {
	return &customCodec{dt: dt}
}

func (c *customCodec) DataType() types.DataType { return c.dt }
func (c *customCodec) GoType() reflect.Type     { return byteSliceType }
func (c *customCodec) Weight() int64            { return 1 }

func (c *customCodec) Accepts(dt types.DataType) bool {
	return types.Equal(c.dt, dt)
}

func (c *customCodec) AcceptsGoType(t reflect.Type) bool {
	return t == byteSliceType
}

func (c *customCodec) AcceptsValue(v any) bool {
	_, ok := v.([]byte)
	return ok
}

func (c *customCodec) Serialize(v any, _ wire.ProtocolVersion) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("cannot serialize %T as %s", v, c.dt)
	}
	return b, nil
}

func (c *customCodec) Deserialize(b []byte, _ wire.ProtocolVersion) (any, error) {
	if b == nil {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (c *customCodec) Format(v any) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	b, ok := v.([]byte)
	if !ok {
		return "", fmt.Errorf("cannot format %T as %s", v, c.dt)
	}
	return "0x" + fmt.Sprintf("%x", b), nil
}

func (c *customCodec) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("%s: literal must start with 0x", c.dt)
	}
	var out []byte
	if _, err := fmt.Sscanf(s[2:], "%x", &out); err != nil {
		return nil, err
	}
	return out, nil
}

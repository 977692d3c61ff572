// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec resolves, and when necessary synthesizes, bidirectional
// converters between wire column types and Go values. The registry caches
// synthesized codecs in a weighted cache so that deeply nested one-off
// codecs are evicted first while registered codecs are never displaced.
package codec

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/luxfi/cql/types"
	"github.com/luxfi/cql/wire"
)

// ErrCodecNotFound is returned when no registered codec accepts the
// requested mapping and no codec could be synthesized for it.
var ErrCodecNotFound = errors.New("codec not found")

// Codec converts between one wire type and one Go type. Implementations
// are immutable and safe for concurrent use once constructed.
type Codec interface {
	// DataType is the wire type this codec is bound to.
	DataType() types.DataType
	// GoType is the Go type this codec produces and consumes.
	GoType() reflect.Type

	// Accepts reports whether this codec can handle the wire type.
	Accepts(dt types.DataType) bool
	// AcceptsGoType reports whether this codec can handle the Go type.
	AcceptsGoType(t reflect.Type) bool
	// AcceptsValue is a runtime shape test on a concrete value.
	AcceptsValue(v any) bool

	// Serialize encodes a value for the given protocol version. A nil
	// value serializes to nil (a null cell).
	Serialize(v any, pv wire.ProtocolVersion) ([]byte, error)
	// Deserialize decodes a cell. A nil cell deserializes to nil.
	Deserialize(b []byte, pv wire.ProtocolVersion) (any, error)

	// Format renders the value as a CQL literal.
	Format(v any) (string, error)
	// Parse reads a CQL literal.
	Parse(s string) (any, error)
}

// weighted is implemented by synthesized codecs; registered and primitive
// codecs weigh zero.
type weighted interface {
	Weight() int64
}

// CodecWeight returns the cache weight of a codec.
func CodecWeight(c Codec) int64 {
	if w, ok := c.(weighted); ok {
		return w.Weight()
	}
	return 0
}

// Decimal is an arbitrary-precision decimal: Unscaled × 10^-Scale.
type Decimal struct {
	Scale    int32
	Unscaled *big.Int
}

func (d *Decimal) String() string {
	if d == nil || d.Unscaled == nil {
		return "null"
	}
	s := d.Unscaled.String()
	if d.Scale == 0 {
		return s
	}
	neg := ""
	if s[0] == '-' {
		neg, s = "-", s[1:]
	}
	scale := int(d.Scale)
	if scale < 0 {
		for i := 0; i < -scale; i++ {
			s += "0"
		}
		return neg + s
	}
	for len(s) <= scale {
		s = "0" + s
	}
	return neg + s[:len(s)-scale] + "." + s[len(s)-scale:]
}

// Date is a day count relative to the Unix epoch; negative values are days
// before it. The wire form is the count biased by 2^31.
type Date int32

// DateOf truncates a time to its UTC calendar day.
func DateOf(t time.Time) Date {
	t = t.UTC()
	days := t.Unix() / 86400
	if t.Unix()%86400 < 0 {
		days--
	}
	return Date(days)
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

func (d Date) String() string {
	return d.Time().Format("2006-01-02")
}

// Time is a nanosecond count since midnight.
type Time int64

func (t Time) String() string {
	ns := int64(t)
	return fmt.Sprintf("%02d:%02d:%02d.%09d",
		ns/3600e9, ns/60e9%60, ns/1e9%60, ns%1e9)
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/cql/types"
	"github.com/luxfi/cql/wire"
)

// localDate is a user value type used to exercise custom registration.
type localDate struct {
	Year, Month, Day int
}

// localDateCodec maps timestamp <-> localDate.
type localDateCodec struct{}

func (localDateCodec) DataType() types.DataType { return types.Timestamp }
func (localDateCodec) GoType() reflect.Type     { return reflect.TypeOf(localDate{}) }

func (localDateCodec) Accepts(dt types.DataType) bool {
	return types.Equal(dt, types.Timestamp)
}

func (c localDateCodec) AcceptsGoType(t reflect.Type) bool {
	return t == c.GoType()
}

func (c localDateCodec) AcceptsValue(v any) bool {
	_, ok := v.(localDate)
	return ok
}

func (localDateCodec) Serialize(v any, pv wire.ProtocolVersion) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	d := v.(localDate)
	ts := time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
	return newTimestampCodec().Serialize(ts, pv)
}

func (localDateCodec) Deserialize(b []byte, pv wire.ProtocolVersion) (any, error) {
	if b == nil {
		return nil, nil
	}
	v, err := newTimestampCodec().Deserialize(b, pv)
	if err != nil {
		return nil, err
	}
	ts := v.(time.Time)
	return localDate{Year: ts.Year(), Month: int(ts.Month()), Day: ts.Day()}, nil
}

func (localDateCodec) Format(any) (string, error) { return "NULL", nil }
func (localDateCodec) Parse(string) (any, error)  { return nil, nil }

// TestListCodecSynthesis is the list<timestamp> <-> []localDate scenario:
// registering only the element codec is enough, the list codec is
// synthesized and the second lookup is served by the cache.
func TestListCodecSynthesis(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	r.Register(localDateCodec{})

	listDT := types.NewList(types.Timestamp)
	goType := reflect.TypeOf([]localDate(nil))

	first, err := r.CodecForGoType(listDT, goType)
	require.NoError(err)
	require.True(first.Accepts(listDT))
	require.True(first.AcceptsGoType(goType))

	// Round trip through the synthesized codec.
	in := []localDate{{Year: 2024, Month: 2, Day: 29}, {Year: 1970, Month: 1, Day: 1}}
	b, err := first.Serialize(in, wire.V4)
	require.NoError(err)
	out, err := first.Deserialize(b, wire.V4)
	require.NoError(err)
	require.Equal(in, out)

	// Ristretto publishes asynchronously; drain before asserting the
	// cache hit.
	r.cache.Wait()
	second, err := r.CodecForGoType(listDT, goType)
	require.NoError(err)
	require.Same(first, second)
}

// TestRegistryPrecedence: the first registered codec accepting a mapping
// wins over later ones.
func TestRegistryPrecedence(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	// The built-in timestamp codec was seeded first, so a fresh
	// timestamp codec registered later never shadows it for time.Time.
	c, err := r.CodecForGoType(types.Timestamp, reflect.TypeOf(time.Time{}))
	require.NoError(err)

	r.Register(localDateCodec{})
	again, err := r.CodecForGoType(types.Timestamp, reflect.TypeOf(time.Time{}))
	require.NoError(err)
	require.Same(c, again)

	// The user codec still wins for its own Go type.
	ld, err := r.CodecForGoType(types.Timestamp, reflect.TypeOf(localDate{}))
	require.NoError(err)
	require.IsType(localDateCodec{}, ld)
}

// TestSynthesisConsistency: codec_for(list<W>, []L) equals the list codec
// built over codec_for(W, L).
func TestSynthesisConsistency(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	elem, err := r.CodecForGoType(types.Int, reflect.TypeOf(int32(0)))
	require.NoError(err)

	listCdc, err := r.CodecForGoType(types.NewList(types.Int), reflect.TypeOf([]int32(nil)))
	require.NoError(err)
	lc, ok := listCdc.(*listCodec)
	require.True(ok)
	require.Same(elem, lc.elem)
}

// TestWeightMonotonicity: weight(W) <= weight(list<W>) <= weight(list<list<W>>).
func TestWeightMonotonicity(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	w0, err := r.CodecFor(types.Int)
	require.NoError(err)
	w1, err := r.CodecFor(types.NewList(types.Int))
	require.NoError(err)
	w2, err := r.CodecFor(types.NewList(types.NewList(types.Int)))
	require.NoError(err)

	require.LessOrEqual(CodecWeight(w0), CodecWeight(w1))
	require.LessOrEqual(CodecWeight(w1), CodecWeight(w2))
	require.Zero(CodecWeight(w0))
}

func TestRegisterCollisionIgnored(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	r.Register(localDateCodec{})
	before := len(r.codecs)
	// Same mapping again: ignored with a warning, never reached.
	r.Register(localDateCodec{})
	require.Equal(before, len(r.codecs))
}

func TestCodecForValue(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()

	c, err := r.CodecForValue(int32(7))
	require.NoError(err)
	require.True(types.Equal(types.Int, c.DataType()))

	c, err = r.CodecForValue("text")
	require.NoError(err)
	// ascii is seeded before varchar; first match wins.
	require.True(types.Equal(types.Ascii, c.DataType()))

	c, err = r.CodecForValue([]int64{1, 2})
	require.NoError(err)
	require.True(types.Equal(types.NewList(types.Bigint), c.DataType()))

	_, err = r.CodecForValue(nil)
	require.ErrorIs(err, ErrCodecNotFound)

	_, err = r.CodecForValue(struct{ X int }{})
	require.ErrorIs(err, ErrCodecNotFound)
}

// TestEmptyCollectionInfersBlob: an empty container with no known element
// type synthesizes over BLOB elements.
func TestEmptyCollectionInfersBlob(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	c, err := r.CodecForValue([]any{})
	require.NoError(err)
	require.True(types.Equal(types.NewList(types.Blob), c.DataType()))
}

func TestCodecForTypeValue(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	dt := types.NewList(types.Bigint)

	c, err := r.CodecForTypeValue(dt, []int64{3})
	require.NoError(err)
	require.True(c.Accepts(dt))
	require.True(c.AcceptsValue([]int64{3}))

	// nil value degrades to the wire-only lookup.
	c, err = r.CodecForTypeValue(dt, nil)
	require.NoError(err)
	require.True(c.Accepts(dt))

	// A value the element codec rejects fails joint acceptance.
	_, err = r.CodecForTypeValue(types.NewList(types.Bigint), []string{"x"})
	require.Error(err)
}

func TestCustomTypePassThrough(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	dt := types.NewCustom("org.example.Custom")
	c, err := r.CodecFor(dt)
	require.NoError(err)
	require.Equal(int64(1), CodecWeight(c))

	raw := []byte{1, 2, 3}
	b, err := c.Serialize(raw, wire.V4)
	require.NoError(err)
	require.Equal(raw, b)
	v, err := c.Deserialize(b, wire.V4)
	require.NoError(err)
	require.Equal(raw, v)
}

func TestTupleCodec(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	dt := types.NewTuple(types.Int, types.Varchar)
	c, err := r.CodecFor(dt)
	require.NoError(err)

	in := []any{int32(1), "one"}
	b, err := c.Serialize(in, wire.V4)
	require.NoError(err)
	out, err := c.Deserialize(b, wire.V4)
	require.NoError(err)
	require.Equal(in, out)

	_, err = c.Serialize([]any{int32(1)}, wire.V4)
	require.ErrorContains(err, "expected 2 elements")
}

func TestUDTCodec(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	dt := types.NewUDT("ks", "addr",
		types.UDTField{Name: "street", Type: types.Varchar},
		types.UDTField{Name: "number", Type: types.Int},
	)
	c, err := r.CodecFor(dt)
	require.NoError(err)

	in := map[string]any{"street": "Main St", "number": int32(12)}
	b, err := c.Serialize(in, wire.V4)
	require.NoError(err)
	out, err := c.Deserialize(b, wire.V4)
	require.NoError(err)
	require.Equal(in, out)

	// A field absent from the map serializes as null and round-trips to
	// a nil entry.
	partial := map[string]any{"street": "Main St"}
	b, err = c.Serialize(partial, wire.V4)
	require.NoError(err)
	out, err = c.Deserialize(b, wire.V4)
	require.NoError(err)
	require.Equal(map[string]any{"street": "Main St", "number": nil}, out)
}

func TestMapCodec(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	dt := types.NewMap(types.Varchar, types.Int)
	c, err := r.CodecFor(dt)
	require.NoError(err)

	in := map[string]int32{"a": 1, "b": 2}
	for _, pv := range allVersions {
		b, err := c.Serialize(in, pv)
		require.NoError(err)
		out, err := c.Deserialize(b, pv)
		require.NoError(err)
		require.Equal(in, out)
	}
}

func TestCollectionVersionFraming(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	c, err := r.CodecFor(types.NewList(types.Int))
	require.NoError(err)

	in := []int32{7}
	b2, err := c.Serialize(in, wire.V2)
	require.NoError(err)
	b4, err := c.Serialize(in, wire.V4)
	require.NoError(err)
	// v1/v2 use short counts and short lengths, v3+ ints.
	require.Len(b2, 2+2+4)
	require.Len(b4, 4+4+4)
}

func TestSynthesisVerificationFailure(t *testing.T) {
	require := require.New(t)

	// A registry can synthesize list<timestamp> for []localDate only if
	// the element mapping exists; without it the element lookup fails
	// and no codec is produced.
	r := NewRegistry()
	_, err := r.CodecForGoType(types.NewList(types.Timestamp), reflect.TypeOf([]localDate(nil)))
	require.ErrorIs(err, ErrCodecNotFound)
}

func TestCollectionFormatParse(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	c, err := r.CodecFor(types.NewList(types.Int))
	require.NoError(err)

	s, err := c.Format([]int32{1, 2, 3})
	require.NoError(err)
	require.Equal("[1, 2, 3]", s)

	v, err := c.Parse("[1, 2, 3]")
	require.NoError(err)
	require.Equal([]int32{1, 2, 3}, v)

	mc, err := r.CodecFor(types.NewMap(types.Varchar, types.Int))
	require.NoError(err)
	v, err = mc.Parse("{'a': 1}")
	require.NoError(err)
	require.Equal(map[string]int32{"a": 1}, v)
}

func TestDefaultRegistryShared(t *testing.T) {
	require := require.New(t)
	require.Same(DefaultRegistry(), DefaultRegistry())
}

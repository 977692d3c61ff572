// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/luxfi/cql/types"
)

// defaultCacheMaxWeight bounds the total weight of cached synthesized
// codecs. Registered and primitive codecs weigh zero and are effectively
// pinned; deeply nested synthetic codecs are the first evicted.
const defaultCacheMaxWeight int64 = 1 << 16

// Registry resolves codecs for (wire type, Go type, value) lookups with a
// stable precedence: cached entries first, then registered codecs in scan
// order (primitives before user registrations), then on-the-fly synthesis.
//
// Lookups keyed by a value are never cached: AcceptsValue is a runtime
// structural test and the resolved Go type need not be stable.
//
// All methods are safe for concurrent use. Cache writes are eventually
// visible: a lookup racing a synthesis may synthesize again and observe a
// different (equivalent) codec instance.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	codecs []Codec

	cache *ristretto.Cache[string, Codec]
}

// Option configures a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	log       *zap.Logger
	maxWeight int64
}

// WithLogger sets the logger used for registration warnings.
func WithLogger(log *zap.Logger) Option {
	return func(o *registryOptions) { o.log = log }
}

// WithCacheMaxWeight bounds the total weight of the synthesized-codec
// cache.
func WithCacheMaxWeight(w int64) Option {
	return func(o *registryOptions) { o.maxWeight = w }
}

// NewRegistry builds a registry seeded with the built-in primitive codecs.
func NewRegistry(opts ...Option) *Registry {
	o := registryOptions{
		log:       zap.NewNop(),
		maxWeight: defaultCacheMaxWeight,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Codec]{
		NumCounters:        o.maxWeight * 10,
		MaxCost:            o.maxWeight,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		panic(err) // static configuration, cannot fail
	}
	return &Registry{
		log:    o.log,
		codecs: primitiveCodecs(),
		cache:  cache,
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the process-wide registry, built on first use.
// It is shared by every cluster that does not configure its own; tests
// should construct their own instances instead of mutating it.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register adds codecs, in order, behind the primitives. A codec whose
// (wire type, Go type) mapping is already covered by a registered codec is
// ignored with a warning; the detection is best-effort under concurrent
// registration, and the worst outcome of a miss is a never-reached codec.
func (r *Registry) Register(cs ...Codec) *Registry {
	for _, c := range cs {
		r.register(c)
	}
	return r
}

func (r *Registry) register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.codecs {
		if existing.Accepts(c.DataType()) && existing.AcceptsGoType(c.GoType()) {
			r.log.Warn("ignoring codec registration, mapping already covered",
				zap.Stringer("wire_type", c.DataType()),
				zap.Stringer("go_type", c.GoType()),
			)
			return
		}
	}
	r.codecs = append(r.codecs, c)
}

func cacheKey(dt types.DataType, goType reflect.Type) string {
	if goType == nil {
		return dt.String()
	}
	return dt.String() + "\x00" + goType.String()
}

// scan returns the first registered codec matching the predicate.
func (r *Registry) scan(match func(Codec) bool) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.codecs {
		if match(c) {
			return c
		}
	}
	return nil
}

func notFoundErr(dt types.DataType, goType reflect.Type) error {
	if goType == nil {
		return fmt.Errorf("%w for %s", ErrCodecNotFound, dt)
	}
	return fmt.Errorf("%w for %s <-> %s", ErrCodecNotFound, dt, goType)
}

// CodecFor resolves a codec by wire type alone. Results are cached.
func (r *Registry) CodecFor(dt types.DataType) (Codec, error) {
	key := cacheKey(dt, nil)
	if c, ok := r.cache.Get(key); ok {
		return c, nil
	}
	c := r.scan(func(c Codec) bool { return c.Accepts(dt) })
	if c == nil {
		var err error
		if c, err = r.synthesize(dt, nil); err != nil {
			return nil, err
		}
	}
	if !c.Accepts(dt) {
		return nil, notFoundErr(dt, nil)
	}
	r.cache.Set(key, c, CodecWeight(c))
	return c, nil
}

// CodecForGoType resolves a codec by wire type and Go type. Results are
// cached.
func (r *Registry) CodecForGoType(dt types.DataType, goType reflect.Type) (Codec, error) {
	key := cacheKey(dt, goType)
	if c, ok := r.cache.Get(key); ok {
		return c, nil
	}
	c := r.scan(func(c Codec) bool { return c.Accepts(dt) && c.AcceptsGoType(goType) })
	if c == nil {
		var err error
		if c, err = r.synthesize(dt, goType); err != nil {
			return nil, err
		}
	}
	// Synthesis can resolve loosely, e.g. list<B> built over the only
	// registered element codec A. Verify before publishing.
	if !c.Accepts(dt) || !c.AcceptsGoType(goType) {
		return nil, notFoundErr(dt, goType)
	}
	r.cache.Set(key, c, CodecWeight(c))
	return c, nil
}

// CodecForValue resolves a codec by runtime value shape alone. Never
// cached.
func (r *Registry) CodecForValue(v any) (Codec, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: cannot infer a codec for nil", ErrCodecNotFound)
	}
	if c := r.scan(func(c Codec) bool { return c.AcceptsValue(v) }); c != nil {
		return c, nil
	}
	dt := r.inferDataType(v)
	if dt == nil {
		return nil, fmt.Errorf("%w for value of type %T", ErrCodecNotFound, v)
	}
	c, err := r.synthesizeForValue(dt, v)
	if err != nil {
		return nil, err
	}
	if !c.AcceptsValue(v) {
		return nil, fmt.Errorf("%w for value of type %T", ErrCodecNotFound, v)
	}
	return c, nil
}

// CodecForTypeValue resolves a codec by joint acceptance of a wire type
// and a runtime value. Never cached.
func (r *Registry) CodecForTypeValue(dt types.DataType, v any) (Codec, error) {
	if v == nil {
		return r.CodecFor(dt)
	}
	if c := r.scan(func(c Codec) bool { return c.Accepts(dt) && c.AcceptsValue(v) }); c != nil {
		return c, nil
	}
	c, err := r.synthesizeForValue(dt, v)
	if err != nil {
		return nil, err
	}
	if !c.Accepts(dt) || !c.AcceptsValue(v) {
		return nil, notFoundErr(dt, reflect.TypeOf(v))
	}
	return c, nil
}

// synthesize builds a codec for a parameterized wire type, recursing into
// element lookups. goType, when non-nil, guides element Go types.
func (r *Registry) synthesize(dt types.DataType, goType reflect.Type) (Codec, error) {
	switch t := dt.(type) {
	case *types.ListType:
		elem, err := r.elementCodec(t.Elem, sliceElem(goType))
		if err != nil {
			return nil, err
		}
		return newListCodec(dt, elem, collectionWeight(dt, elem)), nil
	case *types.SetType:
		elem, err := r.elementCodec(t.Elem, sliceElem(goType))
		if err != nil {
			return nil, err
		}
		return newListCodec(dt, elem, collectionWeight(dt, elem)), nil
	case *types.MapType:
		var keyGo, valGo reflect.Type
		if goType != nil && goType.Kind() == reflect.Map {
			keyGo, valGo = goType.Key(), goType.Elem()
		}
		key, err := r.elementCodec(t.Key, keyGo)
		if err != nil {
			return nil, err
		}
		val, err := r.elementCodec(t.Value, valGo)
		if err != nil {
			return nil, err
		}
		w := CodecWeight(key) + CodecWeight(val) + int64(types.Depth(dt))
		return newMapCodec(t, key, val, w), nil
	case *types.TupleType:
		elems := make([]Codec, len(t.Elems))
		var w int64
		for i, et := range t.Elems {
			ec, err := r.CodecFor(et)
			if err != nil {
				return nil, err
			}
			elems[i] = ec
			w += CodecWeight(ec)
		}
		return newTupleCodec(t, elems, w+int64(types.Depth(dt))), nil
	case *types.UDTType:
		fields := make([]Codec, len(t.Fields))
		var w int64
		for i, f := range t.Fields {
			fc, err := r.CodecFor(f.Type)
			if err != nil {
				return nil, err
			}
			fields[i] = fc
			w += CodecWeight(fc)
		}
		return newUDTCodec(t, fields, w+int64(types.Depth(dt))), nil
	case *types.CustomType:
		return newCustomCodec(t), nil
	default:
		return nil, notFoundErr(dt, goType)
	}
}

func sliceElem(t reflect.Type) reflect.Type {
	if t != nil && (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) {
		return t.Elem()
	}
	return nil
}

func (r *Registry) elementCodec(dt types.DataType, goType reflect.Type) (Codec, error) {
	if goType == nil {
		return r.CodecFor(dt)
	}
	return r.CodecForGoType(dt, goType)
}

func collectionWeight(dt types.DataType, elem Codec) int64 {
	return CodecWeight(elem) + int64(types.Depth(dt))
}

// synthesizeForValue builds a codec for a parameterized wire type, letting
// the value's first element drive nested codec discovery.
func (r *Registry) synthesizeForValue(dt types.DataType, v any) (Codec, error) {
	switch t := dt.(type) {
	case *types.ListType:
		return r.collectionForValue(dt, t.Elem, v)
	case *types.SetType:
		return r.collectionForValue(dt, t.Elem, v)
	case *types.MapType:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map || rv.Len() == 0 {
			return r.synthesize(dt, nil)
		}
		iter := rv.MapRange()
		iter.Next()
		key, err := r.CodecForTypeValue(t.Key, iter.Key().Interface())
		if err != nil {
			return nil, err
		}
		val, err := r.CodecForTypeValue(t.Value, iter.Value().Interface())
		if err != nil {
			return nil, err
		}
		w := CodecWeight(key) + CodecWeight(val) + int64(types.Depth(dt))
		return newMapCodec(t, key, val, w), nil
	default:
		return r.synthesize(dt, nil)
	}
}

func (r *Registry) collectionForValue(dt, elemDT types.DataType, v any) (Codec, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return r.synthesize(dt, nil)
	}
	elem, err := r.CodecForTypeValue(elemDT, rv.Index(0).Interface())
	if err != nil {
		return nil, err
	}
	return newListCodec(dt, elem, collectionWeight(dt, elem)), nil
}

// inferDataType maps a runtime value to a wire type for value-only
// lookups. Primitive shapes are handled by the registered-codec scan
// before this is consulted, so only container shapes matter here. An
// empty container infers BLOB elements.
func (r *Registry) inferDataType(v any) types.DataType {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Len() == 0 {
			return types.NewList(types.Blob)
		}
		first := rv.Index(0).Interface()
		ec, err := r.CodecForValue(first)
		if err != nil {
			return nil
		}
		return types.NewList(ec.DataType())
	case reflect.Map:
		if rv.Len() == 0 {
			return types.NewMap(types.Blob, types.Blob)
		}
		iter := rv.MapRange()
		iter.Next()
		kc, err := r.CodecForValue(iter.Key().Interface())
		if err != nil {
			return nil
		}
		vc, err := r.CodecForValue(iter.Value().Interface())
		if err != nil {
			return nil
		}
		return types.NewMap(kc.DataType(), vc.DataType())
	default:
		return nil
	}
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/cql/types"
	"github.com/luxfi/cql/wire"
)

// primitiveCodec binds one native wire type to one Go type. The transform
// functions never see nil: null handling is centralized here.
type primitiveCodec struct {
	dt     types.DataType
	goType reflect.Type
	ser    func(v any) ([]byte, error)
	deser  func(b []byte) (any, error)
	format func(v any) (string, error)
	parse  func(s string) (any, error)
}

func (c *primitiveCodec) DataType() types.DataType { return c.dt }
func (c *primitiveCodec) GoType() reflect.Type     { return c.goType }

func (c *primitiveCodec) Accepts(dt types.DataType) bool {
	return types.Equal(c.dt, dt)
}

func (c *primitiveCodec) AcceptsGoType(t reflect.Type) bool {
	return t == c.goType
}

func (c *primitiveCodec) AcceptsValue(v any) bool {
	return v != nil && reflect.TypeOf(v) == c.goType
}

func (c *primitiveCodec) Serialize(v any, _ wire.ProtocolVersion) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if !c.AcceptsValue(v) {
		return nil, fmt.Errorf("cannot serialize %T as %s", v, c.dt)
	}
	return c.ser(v)
}

func (c *primitiveCodec) Deserialize(b []byte, _ wire.ProtocolVersion) (any, error) {
	if b == nil {
		return nil, nil
	}
	return c.deser(b)
}

func (c *primitiveCodec) Format(v any) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	if !c.AcceptsValue(v) {
		return "", fmt.Errorf("cannot format %T as %s", v, c.dt)
	}
	return c.format(v)
}

func (c *primitiveCodec) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil, nil
	}
	return c.parse(s)
}

func fixedLen(dt types.DataType, want int, b []byte) error {
	if len(b) != want {
		return fmt.Errorf("%s: expected %d bytes, got %d", dt, want, len(b))
	}
	return nil
}

// quote renders a CQL string literal, doubling embedded quotes.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", fmt.Errorf("not a quoted literal: %q", s)
	}
	return strings.ReplaceAll(s[1:len(s)-1], "''", "'"), nil
}

// bigIntBytes encodes a big.Int as minimal big-endian two's complement.
func bigIntBytes(x *big.Int) []byte {
	switch x.Sign() {
	case 0:
		return []byte{0}
	case 1:
		b := x.Bytes()
		if b[0]&0x80 != 0 {
			return append([]byte{0}, b...)
		}
		return b
	default:
		// Two's complement: 2^(8n) + x for the smallest n that holds x
		// with the sign bit set. -2^(8n-1) fits in n bytes, hence the
		// +1 before taking the bit length.
		n := new(big.Int).Add(x, big.NewInt(1)).BitLen()/8 + 1
		shifted := new(big.Int).Lsh(big.NewInt(1), uint(8*n))
		shifted.Add(shifted, x)
		b := shifted.Bytes()
		for len(b) < n {
			b = append([]byte{0}, b...)
		}
		return b[len(b)-n:]
	}
}

// bytesBigInt decodes minimal big-endian two's complement.
func bytesBigInt(b []byte) *big.Int {
	if len(b) == 0 {
		return new(big.Int)
	}
	x := new(big.Int).SetBytes(b)
	if x.Sign() == 0 {
		// Same representation as big.NewInt(0).
		return new(big.Int)
	}
	if b[0]&0x80 != 0 {
		shifted := new(big.Int).Lsh(big.NewInt(1), uint(8*len(b)))
		x.Sub(x, shifted)
	}
	return x
}

func stringCodec(dt types.DataType) Codec {
	return &primitiveCodec{
		dt:     dt,
		goType: reflect.TypeOf(""),
		ser:    func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		deser:  func(b []byte) (any, error) { return string(b), nil },
		format: func(v any) (string, error) { return quote(v.(string)), nil },
		parse: func(s string) (any, error) {
			return unquote(s)
		},
	}
}

func longCodec(dt types.DataType) Codec {
	return &primitiveCodec{
		dt:     dt,
		goType: reflect.TypeOf(int64(0)),
		ser: func(v any) ([]byte, error) {
			return binary.BigEndian.AppendUint64(nil, uint64(v.(int64))), nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(dt, 8, b); err != nil {
				return nil, err
			}
			return int64(binary.BigEndian.Uint64(b)), nil
		},
		format: func(v any) (string, error) {
			return strconv.FormatInt(v.(int64), 10), nil
		},
		parse: func(s string) (any, error) {
			return strconv.ParseInt(s, 10, 64)
		},
	}
}

func newAsciiCodec() Codec   { return stringCodec(types.Ascii) }
func newVarcharCodec() Codec { return stringCodec(types.Varchar) }
func newTextCodec() Codec    { return stringCodec(types.Text) }

func newBigintCodec() Codec  { return longCodec(types.Bigint) }
func newCounterCodec() Codec { return longCodec(types.Counter) }

func newBlobCodec() Codec {
	return &primitiveCodec{
		dt:     types.Blob,
		goType: reflect.TypeOf([]byte(nil)),
		ser:    func(v any) ([]byte, error) { return v.([]byte), nil },
		deser: func(b []byte) (any, error) {
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		},
		format: func(v any) (string, error) {
			return "0x" + hex.EncodeToString(v.([]byte)), nil
		},
		parse: func(s string) (any, error) {
			if !strings.HasPrefix(s, "0x") {
				return nil, fmt.Errorf("blob literal must start with 0x: %q", s)
			}
			return hex.DecodeString(s[2:])
		},
	}
}

func newBooleanCodec() Codec {
	return &primitiveCodec{
		dt:     types.Boolean,
		goType: reflect.TypeOf(false),
		ser: func(v any) ([]byte, error) {
			if v.(bool) {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Boolean, 1, b); err != nil {
				return nil, err
			}
			return b[0] != 0, nil
		},
		format: func(v any) (string, error) {
			return strconv.FormatBool(v.(bool)), nil
		},
		parse: func(s string) (any, error) {
			return strconv.ParseBool(strings.ToLower(s))
		},
	}
}

func newIntCodec() Codec {
	return &primitiveCodec{
		dt:     types.Int,
		goType: reflect.TypeOf(int32(0)),
		ser: func(v any) ([]byte, error) {
			return binary.BigEndian.AppendUint32(nil, uint32(v.(int32))), nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Int, 4, b); err != nil {
				return nil, err
			}
			return int32(binary.BigEndian.Uint32(b)), nil
		},
		format: func(v any) (string, error) {
			return strconv.FormatInt(int64(v.(int32)), 10), nil
		},
		parse: func(s string) (any, error) {
			n, err := strconv.ParseInt(s, 10, 32)
			return int32(n), err
		},
	}
}

func newSmallintCodec() Codec {
	return &primitiveCodec{
		dt:     types.Smallint,
		goType: reflect.TypeOf(int16(0)),
		ser: func(v any) ([]byte, error) {
			return binary.BigEndian.AppendUint16(nil, uint16(v.(int16))), nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Smallint, 2, b); err != nil {
				return nil, err
			}
			return int16(binary.BigEndian.Uint16(b)), nil
		},
		format: func(v any) (string, error) {
			return strconv.FormatInt(int64(v.(int16)), 10), nil
		},
		parse: func(s string) (any, error) {
			n, err := strconv.ParseInt(s, 10, 16)
			return int16(n), err
		},
	}
}

func newTinyintCodec() Codec {
	return &primitiveCodec{
		dt:     types.Tinyint,
		goType: reflect.TypeOf(int8(0)),
		ser: func(v any) ([]byte, error) {
			return []byte{byte(v.(int8))}, nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Tinyint, 1, b); err != nil {
				return nil, err
			}
			return int8(b[0]), nil
		},
		format: func(v any) (string, error) {
			return strconv.FormatInt(int64(v.(int8)), 10), nil
		},
		parse: func(s string) (any, error) {
			n, err := strconv.ParseInt(s, 10, 8)
			return int8(n), err
		},
	}
}

func newDoubleCodec() Codec {
	return &primitiveCodec{
		dt:     types.Double,
		goType: reflect.TypeOf(float64(0)),
		ser: func(v any) ([]byte, error) {
			return binary.BigEndian.AppendUint64(nil, math.Float64bits(v.(float64))), nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Double, 8, b); err != nil {
				return nil, err
			}
			return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
		},
		format: func(v any) (string, error) {
			return strconv.FormatFloat(v.(float64), 'g', -1, 64), nil
		},
		parse: func(s string) (any, error) {
			return strconv.ParseFloat(s, 64)
		},
	}
}

func newFloatCodec() Codec {
	return &primitiveCodec{
		dt:     types.Float,
		goType: reflect.TypeOf(float32(0)),
		ser: func(v any) ([]byte, error) {
			return binary.BigEndian.AppendUint32(nil, math.Float32bits(v.(float32))), nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Float, 4, b); err != nil {
				return nil, err
			}
			return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
		},
		format: func(v any) (string, error) {
			return strconv.FormatFloat(float64(v.(float32)), 'g', -1, 32), nil
		},
		parse: func(s string) (any, error) {
			f, err := strconv.ParseFloat(s, 32)
			return float32(f), err
		},
	}
}

func newTimestampCodec() Codec {
	return &primitiveCodec{
		dt:     types.Timestamp,
		goType: reflect.TypeOf(time.Time{}),
		ser: func(v any) ([]byte, error) {
			return binary.BigEndian.AppendUint64(nil, uint64(v.(time.Time).UnixMilli())), nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Timestamp, 8, b); err != nil {
				return nil, err
			}
			ms := int64(binary.BigEndian.Uint64(b))
			return time.UnixMilli(ms).UTC(), nil
		},
		format: func(v any) (string, error) {
			return quote(v.(time.Time).UTC().Format("2006-01-02T15:04:05.000Z07:00")), nil
		},
		parse: func(s string) (any, error) {
			raw, err := unquote(s)
			if err != nil {
				raw = s
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		},
	}
}

func uuidCodec(dt types.DataType) Codec {
	return &primitiveCodec{
		dt:     dt,
		goType: reflect.TypeOf(uuid.UUID{}),
		ser: func(v any) ([]byte, error) {
			u := v.(uuid.UUID)
			return u[:], nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(dt, 16, b); err != nil {
				return nil, err
			}
			return uuid.FromBytes(b)
		},
		format: func(v any) (string, error) {
			return v.(uuid.UUID).String(), nil
		},
		parse: func(s string) (any, error) {
			return uuid.Parse(s)
		},
	}
}

func newUUIDCodec() Codec     { return uuidCodec(types.UUID) }
func newTimeUUIDCodec() Codec { return uuidCodec(types.TimeUUID) }

func newVarintCodec() Codec {
	return &primitiveCodec{
		dt:     types.Varint,
		goType: reflect.TypeOf((*big.Int)(nil)),
		ser: func(v any) ([]byte, error) {
			return bigIntBytes(v.(*big.Int)), nil
		},
		deser: func(b []byte) (any, error) {
			return bytesBigInt(b), nil
		},
		format: func(v any) (string, error) {
			return v.(*big.Int).String(), nil
		},
		parse: func(s string) (any, error) {
			x, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, fmt.Errorf("invalid varint literal %q", s)
			}
			return x, nil
		},
	}
}

func newDecimalCodec() Codec {
	return &primitiveCodec{
		dt:     types.Decimal,
		goType: reflect.TypeOf((*Decimal)(nil)),
		ser: func(v any) ([]byte, error) {
			d := v.(*Decimal)
			out := binary.BigEndian.AppendUint32(nil, uint32(d.Scale))
			return append(out, bigIntBytes(d.Unscaled)...), nil
		},
		deser: func(b []byte) (any, error) {
			if len(b) < 4 {
				return nil, fmt.Errorf("decimal: expected at least 4 bytes, got %d", len(b))
			}
			return &Decimal{
				Scale:    int32(binary.BigEndian.Uint32(b)),
				Unscaled: bytesBigInt(b[4:]),
			}, nil
		},
		format: func(v any) (string, error) {
			return v.(*Decimal).String(), nil
		},
		parse: func(s string) (any, error) {
			dot := strings.IndexByte(s, '.')
			if dot < 0 {
				x, ok := new(big.Int).SetString(s, 10)
				if !ok {
					return nil, fmt.Errorf("invalid decimal literal %q", s)
				}
				return &Decimal{Unscaled: x}, nil
			}
			digits := s[:dot] + s[dot+1:]
			x, ok := new(big.Int).SetString(digits, 10)
			if !ok {
				return nil, fmt.Errorf("invalid decimal literal %q", s)
			}
			return &Decimal{Scale: int32(len(s) - dot - 1), Unscaled: x}, nil
		},
	}
}

func newInetCodec() Codec {
	return &primitiveCodec{
		dt:     types.Inet,
		goType: reflect.TypeOf(net.IP(nil)),
		ser: func(v any) ([]byte, error) {
			ip := v.(net.IP)
			if v4 := ip.To4(); v4 != nil {
				return v4, nil
			}
			if len(ip) != net.IPv6len {
				return nil, fmt.Errorf("inet: invalid address length %d", len(ip))
			}
			return ip, nil
		},
		deser: func(b []byte) (any, error) {
			if len(b) != net.IPv4len && len(b) != net.IPv6len {
				return nil, fmt.Errorf("inet: expected 4 or 16 bytes, got %d", len(b))
			}
			ip := make(net.IP, len(b))
			copy(ip, b)
			return ip, nil
		},
		format: func(v any) (string, error) {
			return quote(v.(net.IP).String()), nil
		},
		parse: func(s string) (any, error) {
			raw, err := unquote(s)
			if err != nil {
				raw = s
			}
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid inet literal %q", s)
			}
			if v4 := ip.To4(); v4 != nil {
				return v4, nil
			}
			return ip, nil
		},
	}
}

// dateWireBias shifts the signed day count into the unsigned wire form.
const dateWireBias = int64(1) << 31

func newDateCodec() Codec {
	return &primitiveCodec{
		dt:     types.Date,
		goType: reflect.TypeOf(Date(0)),
		ser: func(v any) ([]byte, error) {
			return binary.BigEndian.AppendUint32(nil, uint32(int64(v.(Date))+dateWireBias)), nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Date, 4, b); err != nil {
				return nil, err
			}
			return Date(int64(binary.BigEndian.Uint32(b)) - dateWireBias), nil
		},
		format: func(v any) (string, error) {
			return quote(v.(Date).String()), nil
		},
		parse: func(s string) (any, error) {
			raw, err := unquote(s)
			if err != nil {
				raw = s
			}
			t, err := time.Parse("2006-01-02", raw)
			if err != nil {
				return nil, err
			}
			return DateOf(t), nil
		},
	}
}

func newTimeCodec() Codec {
	return &primitiveCodec{
		dt:     types.Time,
		goType: reflect.TypeOf(Time(0)),
		ser: func(v any) ([]byte, error) {
			return binary.BigEndian.AppendUint64(nil, uint64(v.(Time))), nil
		},
		deser: func(b []byte) (any, error) {
			if err := fixedLen(types.Time, 8, b); err != nil {
				return nil, err
			}
			return Time(binary.BigEndian.Uint64(b)), nil
		},
		format: func(v any) (string, error) {
			return quote(v.(Time).String()), nil
		},
		parse: func(s string) (any, error) {
			raw, err := unquote(s)
			if err != nil {
				raw = s
			}
			var h, m, sec, ns int64
			if _, err := fmt.Sscanf(raw, "%d:%d:%d.%d", &h, &m, &sec, &ns); err != nil {
				if _, err := fmt.Sscanf(raw, "%d:%d:%d", &h, &m, &sec); err != nil {
					return nil, fmt.Errorf("invalid time literal %q", s)
				}
			}
			return Time(h*3600e9 + m*60e9 + sec*1e9 + ns), nil
		},
	}
}

// primitiveCodecs returns the built-in codecs in their scan order.
func primitiveCodecs() []Codec {
	return []Codec{
		newAsciiCodec(),
		newBigintCodec(),
		newBlobCodec(),
		newBooleanCodec(),
		newCounterCodec(),
		newDecimalCodec(),
		newDoubleCodec(),
		newFloatCodec(),
		newIntCodec(),
		newTextCodec(),
		newTimestampCodec(),
		newUUIDCodec(),
		newVarcharCodec(),
		newVarintCodec(),
		newTimeUUIDCodec(),
		newInetCodec(),
		newDateCodec(),
		newTimeCodec(),
		newSmallintCodec(),
		newTinyintCodec(),
	}
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

var errInsufficientBytes = errors.New("wire: insufficient bytes")

// Packer assembles a frame body from the protocol's primitive notations.
// All integers are big-endian. [bytes] and [value] use an int length where
// a negative length denotes null.
type Packer struct {
	b []byte
}

func NewPacker() *Packer { return &Packer{} }

// Bytes returns the assembled body.
func (p *Packer) Bytes() []byte { return p.b }

func (p *Packer) PackByte(v byte) { p.b = append(p.b, v) }

func (p *Packer) PackShort(v uint16) {
	p.b = binary.BigEndian.AppendUint16(p.b, v)
}

func (p *Packer) PackInt(v int32) {
	p.b = binary.BigEndian.AppendUint32(p.b, uint32(v))
}

func (p *Packer) PackLong(v int64) {
	p.b = binary.BigEndian.AppendUint64(p.b, uint64(v))
}

// PackString packs a [short] length followed by UTF-8 bytes.
func (p *Packer) PackString(s string) {
	p.PackShort(uint16(len(s)))
	p.b = append(p.b, s...)
}

// PackLongString packs an [int] length followed by UTF-8 bytes.
func (p *Packer) PackLongString(s string) {
	p.PackInt(int32(len(s)))
	p.b = append(p.b, s...)
}

// PackBytes packs an [int] length followed by the bytes; nil packs as -1.
func (p *Packer) PackBytes(b []byte) {
	if b == nil {
		p.PackInt(-1)
		return
	}
	p.PackInt(int32(len(b)))
	p.b = append(p.b, b...)
}

// PackShortBytes packs a [short] length followed by the bytes.
func (p *Packer) PackShortBytes(b []byte) {
	p.PackShort(uint16(len(b)))
	p.b = append(p.b, b...)
}

func (p *Packer) PackStringList(ss []string) {
	p.PackShort(uint16(len(ss)))
	for _, s := range ss {
		p.PackString(s)
	}
}

func (p *Packer) PackStringMap(m map[string]string) {
	p.PackShort(uint16(len(m)))
	for k, v := range m {
		p.PackString(k)
		p.PackString(v)
	}
}

func (p *Packer) PackConsistency(c Consistency) {
	p.PackShort(uint16(c))
}

// PackInet packs [byte n][n address bytes][int port].
func (p *Packer) PackInet(ip net.IP, port int) {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	p.PackByte(byte(len(ip)))
	p.b = append(p.b, ip...)
	p.PackInt(int32(port))
}

// Unpacker disassembles a frame body. The first decode failure latches in
// Err and turns every subsequent call into a zero-value no-op, so decoders
// can run straight-line and check Err once.
type Unpacker struct {
	b   []byte
	pos int
	err error
}

func NewUnpacker(b []byte) *Unpacker { return &Unpacker{b: b} }

func (u *Unpacker) Err() error     { return u.err }
func (u *Unpacker) Remaining() int { return len(u.b) - u.pos }

func (u *Unpacker) setErr(e error) {
	if u.err == nil {
		u.err = e
	}
}

func (u *Unpacker) take(n int) []byte {
	if u.err != nil {
		return nil
	}
	if n < 0 || u.Remaining() < n {
		u.setErr(errInsufficientBytes)
		return nil
	}
	b := u.b[u.pos : u.pos+n]
	u.pos += n
	return b
}

func (u *Unpacker) UnpackByte() byte {
	b := u.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (u *Unpacker) UnpackShort() uint16 {
	b := u.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (u *Unpacker) UnpackInt() int32 {
	b := u.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (u *Unpacker) UnpackLong() int64 {
	b := u.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (u *Unpacker) UnpackString() string {
	n := int(u.UnpackShort())
	return string(u.take(n))
}

func (u *Unpacker) UnpackLongString() string {
	n := int(u.UnpackInt())
	return string(u.take(n))
}

// UnpackBytes returns nil for a negative length.
func (u *Unpacker) UnpackBytes() []byte {
	n := u.UnpackInt()
	if u.err != nil || n < 0 {
		return nil
	}
	b := u.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (u *Unpacker) UnpackShortBytes() []byte {
	n := int(u.UnpackShort())
	b := u.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (u *Unpacker) UnpackStringList() []string {
	n := int(u.UnpackShort())
	if u.err != nil {
		return nil
	}
	ss := make([]string, 0, n)
	for i := 0; i < n && u.err == nil; i++ {
		ss = append(ss, u.UnpackString())
	}
	return ss
}

func (u *Unpacker) UnpackStringMultiMap() map[string][]string {
	n := int(u.UnpackShort())
	if u.err != nil {
		return nil
	}
	m := make(map[string][]string, n)
	for i := 0; i < n && u.err == nil; i++ {
		k := u.UnpackString()
		m[k] = u.UnpackStringList()
	}
	return m
}

func (u *Unpacker) UnpackConsistency() Consistency {
	return Consistency(u.UnpackShort())
}

// UnpackInet unpacks [byte n][n address bytes][int port].
func (u *Unpacker) UnpackInet() (net.IP, int) {
	n := int(u.UnpackByte())
	b := u.take(n)
	if b == nil {
		return nil, 0
	}
	ip := make(net.IP, len(b))
	copy(ip, b)
	port := int(u.UnpackInt())
	return ip, port
}

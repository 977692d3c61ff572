// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame header flag bits.
const (
	FlagCompressed byte = 0x01
	FlagTracing    byte = 0x02
)

// directionBit marks a frame as a response in the version byte.
const directionBit byte = 0x80

// maxFrameLength bounds a frame body. Anything larger is treated as a
// corrupt stream rather than an allocation request.
const maxFrameLength = 256 * 1024 * 1024

// Header is the fixed-size frame prefix. Stream is signed: servers push
// events on negative ids (the reserved -1 from v3 on).
type Header struct {
	Version  ProtocolVersion
	Response bool
	Flags    byte
	Stream   int16
	Op       Opcode
	Length   int32
}

// Frame pairs a header with its (uncompressed) body.
type Frame struct {
	Header Header
	Body   []byte
}

// FrameCodec reads and writes frames on a stream, applying the configured
// body compression. STARTUP and OPTIONS are never compressed; everything
// after a successful startup handshake is, when compression is set.
type FrameCodec struct {
	compression Compression
}

func NewFrameCodec(c Compression) *FrameCodec {
	return &FrameCodec{compression: c}
}

// SetCompression switches body compression; used once STARTUP has been
// acknowledged, since the STARTUP frame itself travels uncompressed.
func (fc *FrameCodec) SetCompression(c Compression) {
	fc.compression = c
}

func (fc *FrameCodec) Compression() Compression {
	return fc.compression
}

// WriteFrame encodes and writes one frame.
func (fc *FrameCodec) WriteFrame(w io.Writer, f *Frame) error {
	v := f.Header.Version
	if !v.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidProtocolVersion, byte(v))
	}

	body := f.Body
	flags := f.Header.Flags
	compress := fc.compression != CompressionNone &&
		f.Header.Op != OpStartup && f.Header.Op != OpOptions && len(body) > 0
	if compress {
		var err error
		if body, err = fc.compression.Compress(body); err != nil {
			return err
		}
		flags |= FlagCompressed
	}

	buf := make([]byte, 0, v.HeaderLength()+len(body))
	versionByte := byte(v)
	if f.Header.Response {
		versionByte |= directionBit
	}
	buf = append(buf, versionByte, flags)
	if v.Uses2ByteStreams() {
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Header.Stream))
	} else {
		buf = append(buf, byte(int8(f.Header.Stream)))
	}
	buf = append(buf, byte(f.Header.Op))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame, decompressing the body if flagged.
func (fc *FrameCodec) ReadFrame(r io.Reader) (*Frame, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return nil, err
	}
	v := ProtocolVersion(first[0] &^ directionBit)
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProtocolVersion, first[0]&^directionBit)
	}

	rest := make([]byte, v.HeaderLength()-1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	h := Header{
		Version:  v,
		Response: first[0]&directionBit != 0,
		Flags:    rest[0],
	}
	var opIdx int
	if v.Uses2ByteStreams() {
		h.Stream = int16(binary.BigEndian.Uint16(rest[1:3]))
		opIdx = 3
	} else {
		h.Stream = int16(int8(rest[1]))
		opIdx = 2
	}
	h.Op = Opcode(rest[opIdx])
	h.Length = int32(binary.BigEndian.Uint32(rest[opIdx+1 : opIdx+5]))

	if h.Length < 0 || h.Length > maxFrameLength {
		return nil, fmt.Errorf("frame length %d out of range", h.Length)
	}

	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if h.Flags&FlagCompressed != 0 {
		var err error
		if body, err = fc.compression.Decompress(body); err != nil {
			return nil, err
		}
	}
	h.Length = int32(len(body))

	return &Frame{Header: h, Body: body}, nil
}

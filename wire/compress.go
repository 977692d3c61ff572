// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Compression names the per-frame body compression negotiated at startup.
// The zero value disables compression.
type Compression string

const (
	CompressionNone   Compression = ""
	CompressionSnappy Compression = "snappy"
	CompressionLZ4    Compression = "lz4"
)

func (c Compression) Valid() bool {
	switch c {
	case CompressionNone, CompressionSnappy, CompressionLZ4:
		return true
	}
	return false
}

// Compress encodes a frame body. The lz4 format prepends the uncompressed
// length as a big-endian int, matching what servers expect.
func (c Compression) Compress(body []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionSnappy:
		return snappy.Encode(nil, body), nil
	case CompressionLZ4:
		out := make([]byte, 4+lz4.CompressBlockBound(len(body)))
		binary.BigEndian.PutUint32(out, uint32(len(body)))
		var comp lz4.Compressor
		n, err := comp.CompressBlock(body, out[4:])
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return out[:4+n], nil
	default:
		return nil, fmt.Errorf("unknown compression %q", string(c))
	}
}

// Decompress decodes a frame body produced by Compress.
func (c Compression) Decompress(body []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		if len(body) < 4 {
			return nil, errInsufficientBytes
		}
		size := binary.BigEndian.Uint32(body)
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body[4:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unknown compression %q", string(c))
	}
}

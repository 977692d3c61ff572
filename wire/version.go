// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the framed, length-prefixed binary protocol the
// database speaks: frame headers for protocol v1 through v4, the primitive
// notations bodies are assembled from, request/response message encoding,
// and per-frame body compression.
package wire

import (
	"errors"
	"fmt"
)

// ProtocolVersion is the native protocol version carried in the low seven
// bits of the first header byte.
type ProtocolVersion byte

const (
	V1 ProtocolVersion = 1
	V2 ProtocolVersion = 2
	V3 ProtocolVersion = 3
	V4 ProtocolVersion = 4

	// MaxSupported is the highest version this library negotiates.
	MaxSupported = V4
	// MinSupported is the floor of the downgrade path. Downgrading below
	// it is fatal.
	MinSupported = V1
)

// ErrInvalidProtocolVersion is returned when a frame carries a version the
// library cannot speak, or negotiation would downgrade below MinSupported.
var ErrInvalidProtocolVersion = errors.New("invalid protocol version")

func (v ProtocolVersion) Valid() bool {
	return v >= MinSupported && v <= MaxSupported
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("v%d", byte(v))
}

// Uses2ByteStreams reports whether stream ids occupy two header bytes.
func (v ProtocolVersion) Uses2ByteStreams() bool {
	return v >= V3
}

// MaxStreams is the size of the stream-id space: ids 0..MaxStreams-1 are
// usable by requests.
func (v ProtocolVersion) MaxStreams() int {
	if v.Uses2ByteStreams() {
		return 32768
	}
	return 128
}

// EventStreamID is the stream id servers use for pushed events. In v1/v2
// any negative id marks an event; -1 is the reserved value from v3 on.
func (v ProtocolVersion) EventStreamID() int16 {
	return -1
}

// HeaderLength is the fixed frame header size for this version.
func (v ProtocolVersion) HeaderLength() int {
	if v.Uses2ByteStreams() {
		return 9
	}
	return 8
}

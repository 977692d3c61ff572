// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		version ProtocolVersion
		stream  int16
	}{
		{name: "v1 single byte stream", version: V1, stream: 127},
		{name: "v2 negative stream", version: V2, stream: -1},
		{name: "v3 two byte stream", version: V3, stream: 300},
		{name: "v4 max stream", version: V4, stream: 32767},
		{name: "v4 event stream", version: V4, stream: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			fc := NewFrameCodec(CompressionNone)
			in := &Frame{
				Header: Header{
					Version:  tt.version,
					Response: true,
					Stream:   tt.stream,
					Op:       OpResult,
				},
				Body: []byte{1, 2, 3, 4},
			}
			var buf bytes.Buffer
			require.NoError(fc.WriteFrame(&buf, in))

			out, err := fc.ReadFrame(&buf)
			require.NoError(err)
			require.Equal(tt.version, out.Header.Version)
			require.True(out.Header.Response)
			require.Equal(tt.stream, out.Header.Stream)
			require.Equal(OpResult, out.Header.Op)
			require.Equal(in.Body, out.Body)
		})
	}
}

func TestFrameCompression(t *testing.T) {
	body := bytes.Repeat([]byte("abcdefgh"), 512)
	for _, comp := range []Compression{CompressionSnappy, CompressionLZ4} {
		t.Run(string(comp), func(t *testing.T) {
			require := require.New(t)

			fc := NewFrameCodec(comp)
			in := &Frame{
				Header: Header{Version: V4, Stream: 7, Op: OpQuery},
				Body:   body,
			}
			var buf bytes.Buffer
			require.NoError(fc.WriteFrame(&buf, in))
			// The wire form is smaller than the body plus header.
			require.Less(buf.Len(), len(body))

			out, err := fc.ReadFrame(&buf)
			require.NoError(err)
			require.Equal(body, out.Body)
		})
	}
}

func TestStartupNeverCompressed(t *testing.T) {
	require := require.New(t)

	fc := NewFrameCodec(CompressionSnappy)
	in := &Frame{
		Header: Header{Version: V4, Stream: 0, Op: OpStartup},
		Body:   []byte("CQL_VERSION"),
	}
	var buf bytes.Buffer
	require.NoError(fc.WriteFrame(&buf, in))

	// A codec without compression can still read it back.
	plain := NewFrameCodec(CompressionNone)
	out, err := plain.ReadFrame(&buf)
	require.NoError(err)
	require.Zero(out.Header.Flags & FlagCompressed)
	require.Equal(in.Body, out.Body)
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	require := require.New(t)

	fc := NewFrameCodec(CompressionNone)
	_, err := fc.ReadFrame(bytes.NewReader([]byte{0x7F, 0, 0, 0, 0, 0, 0, 0, 0}))
	require.ErrorIs(err, ErrInvalidProtocolVersion)
}

func TestCompressionRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("x"),
		bytes.Repeat([]byte{0xAB}, 100000),
		[]byte("the quick brown fox jumps over the lazy dog"),
	}
	for _, comp := range []Compression{CompressionSnappy, CompressionLZ4} {
		t.Run(string(comp), func(t *testing.T) {
			require := require.New(t)
			for _, payload := range payloads {
				enc, err := comp.Compress(payload)
				require.NoError(err)
				dec, err := comp.Decompress(enc)
				require.NoError(err)
				require.Equal(payload, dec)
			}
		})
	}
}

func TestMaxStreams(t *testing.T) {
	require := require.New(t)

	require.Equal(128, V1.MaxStreams())
	require.Equal(128, V2.MaxStreams())
	require.Equal(32768, V3.MaxStreams())
	require.Equal(32768, V4.MaxStreams())
	require.Equal(int16(-1), V4.EventStreamID())
}

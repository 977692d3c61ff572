// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/cql/types"
)

func eventFrame(v ProtocolVersion, body []byte) *Frame {
	return &Frame{
		Header: Header{Version: v, Response: true, Stream: -1, Op: OpEvent},
		Body:   body,
	}
}

func TestSchemaChangeEventV4(t *testing.T) {
	require := require.New(t)

	// v4 layout with an explicit FUNCTION target carrying a signature.
	p := NewPacker()
	p.PackString(EventSchemaChange)
	p.PackString("UPDATED")
	p.PackString(TargetFunction)
	p.PackString("ks")
	p.PackString("f")
	p.PackStringList([]string{"int", "text"})

	resp, err := DecodeResponse(eventFrame(V4, p.Bytes()))
	require.NoError(err)
	ev, ok := resp.(*SchemaChangeEvent)
	require.True(ok)
	require.Equal("UPDATED", ev.Change)
	require.Equal(TargetFunction, ev.Target)
	require.Equal("ks", ev.Keyspace)
	require.Equal("f", ev.Name)
	require.Equal([]string{"int", "text"}, ev.Signature)
}

func TestSchemaChangeEventV2Inference(t *testing.T) {
	tests := []struct {
		name     string
		ksName   string
		objName  string
		expected string
	}{
		{name: "empty name means keyspace", ksName: "ks", objName: "", expected: TargetKeyspace},
		{name: "non-empty name means table", ksName: "ks", objName: "t", expected: TargetTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			p := NewPacker()
			p.PackString(EventSchemaChange)
			p.PackString("CREATED")
			p.PackString(tt.ksName)
			p.PackString(tt.objName)

			resp, err := DecodeResponse(eventFrame(V2, p.Bytes()))
			require.NoError(err)
			ev := resp.(*SchemaChangeEvent)
			require.Equal(tt.expected, ev.Target)
			require.Equal(tt.ksName, ev.Keyspace)
			require.Equal(tt.objName, ev.Name)
		})
	}
}

func TestStatusChangeEvent(t *testing.T) {
	require := require.New(t)

	p := NewPacker()
	p.PackString(EventStatusChange)
	p.PackString("DOWN")
	p.PackInet([]byte{10, 0, 0, 7}, 9042)

	resp, err := DecodeResponse(eventFrame(V4, p.Bytes()))
	require.NoError(err)
	ev := resp.(*StatusChangeEvent)
	require.Equal("DOWN", ev.Change)
	require.Equal("10.0.0.7:9042", ev.Address.String())
}

func TestDecodeUnavailableError(t *testing.T) {
	require := require.New(t)

	p := NewPacker()
	EncodeError(p, NewUnavailableError("not enough replicas", Quorum, 3, 1))
	f := &Frame{
		Header: Header{Version: V4, Response: true, Stream: 1, Op: OpError},
		Body:   p.Bytes(),
	}
	resp, err := DecodeResponse(f)
	require.NoError(err)
	ue, ok := resp.(*UnavailableError)
	require.True(ok)
	require.Equal(CodeUnavailable, ue.ErrorCode())
	require.Equal(Quorum, ue.Consistency)
	require.Equal(int32(3), ue.Required)
	require.Equal(int32(1), ue.Alive)
	require.ErrorContains(ue, "not enough replicas")
}

func TestDecodeUnpreparedError(t *testing.T) {
	require := require.New(t)

	p := NewPacker()
	EncodeError(p, NewUnpreparedError("evicted", []byte{1, 2, 3}))
	f := &Frame{
		Header: Header{Version: V3, Response: true, Stream: 1, Op: OpError},
		Body:   p.Bytes(),
	}
	resp, err := DecodeResponse(f)
	require.NoError(err)
	ue := resp.(*UnpreparedError)
	require.Equal([]byte{1, 2, 3}, ue.ID)
}

func TestDataTypeRoundTrip(t *testing.T) {
	dts := []types.DataType{
		types.Int,
		types.Varchar,
		types.NewList(types.Timestamp),
		types.NewSet(types.NewList(types.Int)),
		types.NewMap(types.UUID, types.NewSet(types.Text)),
		types.NewTuple(types.Int, types.Double, types.Inet),
		types.NewUDT("ks", "addr",
			types.UDTField{Name: "street", Type: types.Varchar},
			types.UDTField{Name: "zips", Type: types.NewList(types.Int)},
		),
		types.NewCustom("org.example.Blob"),
	}
	for _, dt := range dts {
		t.Run(dt.String(), func(t *testing.T) {
			require := require.New(t)

			p := NewPacker()
			PackDataType(p, dt)
			u := NewUnpacker(p.Bytes())
			out := UnpackDataType(u, V4)
			require.NoError(u.Err())
			require.True(types.Equal(dt, out), "decoded %s", out)
		})
	}
}

func TestDecodeRowsResult(t *testing.T) {
	require := require.New(t)

	p := NewPacker()
	p.PackInt(2) // rows
	p.PackInt(0) // flags: per-column specs
	p.PackInt(2) // columns
	p.PackString("ks")
	p.PackString("t")
	p.PackString("id")
	PackDataType(p, types.Int)
	p.PackString("ks")
	p.PackString("t")
	p.PackString("name")
	PackDataType(p, types.Varchar)
	p.PackInt(2) // rows
	p.PackBytes([]byte{0, 0, 0, 1})
	p.PackBytes([]byte("alice"))
	p.PackBytes([]byte{0, 0, 0, 2})
	p.PackBytes(nil) // null cell

	f := &Frame{
		Header: Header{Version: V4, Response: true, Stream: 3, Op: OpResult},
		Body:   p.Bytes(),
	}
	resp, err := DecodeResponse(f)
	require.NoError(err)
	rows, ok := resp.(*RowsResult)
	require.True(ok)
	require.Equal(2, rows.Metadata.ColumnCount)
	require.Equal("id", rows.Metadata.Columns[0].Name)
	require.True(types.Equal(types.Varchar, rows.Metadata.Columns[1].Type))
	require.Len(rows.Rows, 2)
	require.Equal([]byte("alice"), rows.Rows[0][1])
	require.Nil(rows.Rows[1][1])
}

func TestQueryParamsV1RejectsValues(t *testing.T) {
	require := require.New(t)

	q := &Query{
		Statement: "SELECT * FROM t WHERE id = ?",
		Params: QueryParams{
			Consistency: One,
			Values:      [][]byte{{0, 0, 0, 1}},
		},
	}
	_, err := EncodeRequest(q, V1, 1)
	require.ErrorIs(err, errValuesUnsupported)

	// The same statement is encodable from v2 on.
	_, err = EncodeRequest(q, V2, 1)
	require.NoError(err)
}

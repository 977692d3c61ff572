// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"fmt"
	"net"

	"github.com/luxfi/cql/types"
)

// Response is a server-originated message body.
type Response interface {
	Op() Opcode
}

// Ready acknowledges a STARTUP on an unauthenticated cluster.
type Ready struct{}

func (Ready) Op() Opcode { return OpReady }

// Authenticate demands an authentication exchange after STARTUP.
type Authenticate struct {
	Class string
}

func (*Authenticate) Op() Opcode { return OpAuthenticate }

// AuthChallenge continues a SASL exchange.
type AuthChallenge struct {
	Token []byte
}

func (*AuthChallenge) Op() Opcode { return OpAuthChallenge }

// AuthSuccess terminates a successful authentication exchange.
type AuthSuccess struct {
	Token []byte
}

func (*AuthSuccess) Op() Opcode { return OpAuthSuccess }

// Supported answers OPTIONS with the server's startup option space.
type Supported struct {
	Options map[string][]string
}

func (*Supported) Op() Opcode { return OpSupported }

// Result kinds.
const (
	resultKindVoid         int32 = 0x0001
	resultKindRows         int32 = 0x0002
	resultKindSetKeyspace  int32 = 0x0003
	resultKindPrepared     int32 = 0x0004
	resultKindSchemaChange int32 = 0x0005
)

// VoidResult is a RESULT carrying nothing.
type VoidResult struct{}

func (VoidResult) Op() Opcode { return OpResult }

// SetKeyspaceResult acknowledges a USE statement.
type SetKeyspaceResult struct {
	Keyspace string
}

func (*SetKeyspaceResult) Op() Opcode { return OpResult }

// ColumnSpec describes one column of a row set.
type ColumnSpec struct {
	Keyspace string
	Table    string
	Name     string
	Type     types.DataType
}

// Rows-metadata flag bits.
const (
	rowsFlagGlobalTableSpec int32 = 0x0001
	rowsFlagHasMorePages    int32 = 0x0002
	rowsFlagNoMetadata      int32 = 0x0004
)

// ResultMetadata describes the shape of a row set.
type ResultMetadata struct {
	ColumnCount int
	Columns     []ColumnSpec
	PagingState []byte
	HasMore     bool
}

// RowsResult is a RESULT of kind Rows: raw cells, decoded on demand by the
// codec registry.
type RowsResult struct {
	Metadata ResultMetadata
	Rows     [][][]byte
}

func (*RowsResult) Op() Opcode { return OpResult }

// PreparedResult is a RESULT of kind Prepared.
type PreparedResult struct {
	ID             []byte
	Metadata       ResultMetadata
	ResultMetadata ResultMetadata
}

func (*PreparedResult) Op() Opcode { return OpResult }

// SchemaChange is the payload of both a SCHEMA_CHANGE event and a RESULT of
// kind SchemaChange. Name is empty for keyspace targets; Signature is only
// present for function and aggregate targets on v4.
type SchemaChange struct {
	Change    string
	Target    string
	Keyspace  string
	Name      string
	Signature []string
}

func (*SchemaChange) Op() Opcode { return OpResult }

// Schema-change target types.
const (
	TargetKeyspace  = "KEYSPACE"
	TargetTable     = "TABLE"
	TargetType      = "TYPE"
	TargetFunction  = "FUNCTION"
	TargetAggregate = "AGGREGATE"
)

// Server-push event classes.
const (
	EventTopologyChange = "TOPOLOGY_CHANGE"
	EventStatusChange   = "STATUS_CHANGE"
	EventSchemaChange   = "SCHEMA_CHANGE"
)

// TopologyChangeEvent announces a node joining, leaving or moving.
type TopologyChangeEvent struct {
	Change  string // NEW_NODE, REMOVED_NODE, MOVED_NODE
	Address *net.TCPAddr
}

func (*TopologyChangeEvent) Op() Opcode { return OpEvent }

// StatusChangeEvent announces a node going up or down.
type StatusChangeEvent struct {
	Change  string // UP, DOWN
	Address *net.TCPAddr
}

func (*StatusChangeEvent) Op() Opcode { return OpEvent }

// SchemaChangeEvent announces a schema mutation.
type SchemaChangeEvent struct {
	SchemaChange
}

func (*SchemaChangeEvent) Op() Opcode { return OpEvent }

// DecodeResponse decodes a response frame body into its typed message.
// ERROR frames decode into the matching server error type, returned as the
// Response (every server error also implements error).
func DecodeResponse(f *Frame) (Response, error) {
	u := NewUnpacker(f.Body)
	v := f.Header.Version

	var (
		resp Response
		err  error
	)
	switch f.Header.Op {
	case OpReady:
		resp = Ready{}
	case OpAuthenticate:
		resp = &Authenticate{Class: u.UnpackString()}
	case OpAuthChallenge:
		resp = &AuthChallenge{Token: u.UnpackBytes()}
	case OpAuthSuccess:
		resp = &AuthSuccess{Token: u.UnpackBytes()}
	case OpSupported:
		resp = &Supported{Options: u.UnpackStringMultiMap()}
	case OpResult:
		resp, err = decodeResult(u, v)
	case OpEvent:
		resp, err = decodeEvent(u, v)
	case OpError:
		resp = decodeError(u, v)
	default:
		return nil, fmt.Errorf("unexpected response opcode %s", f.Header.Op)
	}
	if err != nil {
		return nil, err
	}
	if uerr := u.Err(); uerr != nil {
		return nil, fmt.Errorf("decoding %s body: %w", f.Header.Op, uerr)
	}
	return resp, nil
}

func decodeResult(u *Unpacker, v ProtocolVersion) (Response, error) {
	kind := u.UnpackInt()
	switch kind {
	case resultKindVoid:
		return VoidResult{}, nil
	case resultKindRows:
		meta := decodeResultMetadata(u, v)
		rowCount := int(u.UnpackInt())
		if u.Err() != nil {
			return nil, u.Err()
		}
		rows := make([][][]byte, 0, rowCount)
		for i := 0; i < rowCount && u.Err() == nil; i++ {
			row := make([][]byte, meta.ColumnCount)
			for c := 0; c < meta.ColumnCount; c++ {
				row[c] = u.UnpackBytes()
			}
			rows = append(rows, row)
		}
		return &RowsResult{Metadata: meta, Rows: rows}, nil
	case resultKindSetKeyspace:
		return &SetKeyspaceResult{Keyspace: u.UnpackString()}, nil
	case resultKindPrepared:
		p := &PreparedResult{ID: u.UnpackShortBytes()}
		p.Metadata = decodeResultMetadata(u, v)
		if v >= V2 {
			p.ResultMetadata = decodeResultMetadata(u, v)
		}
		return p, nil
	case resultKindSchemaChange:
		return decodeSchemaChange(u, v)
	default:
		return nil, fmt.Errorf("unknown result kind 0x%04X", kind)
	}
}

func decodeResultMetadata(u *Unpacker, v ProtocolVersion) ResultMetadata {
	flags := u.UnpackInt()
	count := int(u.UnpackInt())
	meta := ResultMetadata{ColumnCount: count}
	if flags&rowsFlagHasMorePages != 0 {
		meta.HasMore = true
		meta.PagingState = u.UnpackBytes()
	}
	if flags&rowsFlagNoMetadata != 0 {
		return meta
	}
	var gks, gtable string
	if flags&rowsFlagGlobalTableSpec != 0 {
		gks = u.UnpackString()
		gtable = u.UnpackString()
	}
	meta.Columns = make([]ColumnSpec, 0, count)
	for i := 0; i < count && u.Err() == nil; i++ {
		spec := ColumnSpec{Keyspace: gks, Table: gtable}
		if flags&rowsFlagGlobalTableSpec == 0 {
			spec.Keyspace = u.UnpackString()
			spec.Table = u.UnpackString()
		}
		spec.Name = u.UnpackString()
		spec.Type = UnpackDataType(u, v)
		meta.Columns = append(meta.Columns, spec)
	}
	return meta
}

// decodeSchemaChange handles both body layouts: v1/v2 infer the target from
// an empty name, v3/v4 spell the target and append a signature for function
// and aggregate targets.
func decodeSchemaChange(u *Unpacker, v ProtocolVersion) (*SchemaChange, error) {
	sc := &SchemaChange{Change: u.UnpackString()}
	if v < V3 {
		sc.Keyspace = u.UnpackString()
		sc.Name = u.UnpackString()
		if sc.Name == "" {
			sc.Target = TargetKeyspace
		} else {
			sc.Target = TargetTable
		}
		return sc, u.Err()
	}
	sc.Target = u.UnpackString()
	sc.Keyspace = u.UnpackString()
	switch sc.Target {
	case TargetKeyspace:
	case TargetTable, TargetType:
		sc.Name = u.UnpackString()
	case TargetFunction, TargetAggregate:
		sc.Name = u.UnpackString()
		sc.Signature = u.UnpackStringList()
	default:
		return nil, fmt.Errorf("unknown schema change target %q", sc.Target)
	}
	return sc, u.Err()
}

func decodeEvent(u *Unpacker, v ProtocolVersion) (Response, error) {
	class := u.UnpackString()
	switch class {
	case EventTopologyChange:
		change := u.UnpackString()
		ip, port := u.UnpackInet()
		return &TopologyChangeEvent{
			Change:  change,
			Address: &net.TCPAddr{IP: ip, Port: port},
		}, nil
	case EventStatusChange:
		change := u.UnpackString()
		ip, port := u.UnpackInet()
		return &StatusChangeEvent{
			Change:  change,
			Address: &net.TCPAddr{IP: ip, Port: port},
		}, nil
	case EventSchemaChange:
		sc, err := decodeSchemaChange(u, v)
		if err != nil {
			return nil, err
		}
		return &SchemaChangeEvent{SchemaChange: *sc}, nil
	default:
		return nil, fmt.Errorf("unknown event class %q", class)
	}
}

// UnpackDataType decodes a type option from result metadata.
func UnpackDataType(u *Unpacker, v ProtocolVersion) types.DataType {
	id := types.Kind(u.UnpackShort())
	switch id {
	case types.KindCustom:
		return types.NewCustom(u.UnpackString())
	case types.KindList:
		return types.NewList(UnpackDataType(u, v))
	case types.KindSet:
		return types.NewSet(UnpackDataType(u, v))
	case types.KindMap:
		k := UnpackDataType(u, v)
		return types.NewMap(k, UnpackDataType(u, v))
	case types.KindUDT:
		ks := u.UnpackString()
		name := u.UnpackString()
		n := int(u.UnpackShort())
		fields := make([]types.UDTField, 0, n)
		for i := 0; i < n && u.Err() == nil; i++ {
			fname := u.UnpackString()
			fields = append(fields, types.UDTField{Name: fname, Type: UnpackDataType(u, v)})
		}
		return types.NewUDT(ks, name, fields...)
	case types.KindTuple:
		n := int(u.UnpackShort())
		elems := make([]types.DataType, 0, n)
		for i := 0; i < n && u.Err() == nil; i++ {
			elems = append(elems, UnpackDataType(u, v))
		}
		return types.NewTuple(elems...)
	default:
		if p := types.Primitive(id); p != nil {
			return p
		}
		u.setErr(fmt.Errorf("unknown type option 0x%04X", uint16(id)))
		return nil
	}
}

// PackDataType is the inverse of UnpackDataType. The driver itself never
// sends type options; this exists for metadata round-trips in tests and
// tooling.
func PackDataType(p *Packer, dt types.DataType) {
	p.PackShort(uint16(dt.Kind()))
	switch t := dt.(type) {
	case *types.CustomType:
		p.PackString(t.ClassName)
	case *types.ListType:
		PackDataType(p, t.Elem)
	case *types.SetType:
		PackDataType(p, t.Elem)
	case *types.MapType:
		PackDataType(p, t.Key)
		PackDataType(p, t.Value)
	case *types.UDTType:
		p.PackString(t.Keyspace)
		p.PackString(t.Name)
		p.PackShort(uint16(len(t.Fields)))
		for _, f := range t.Fields {
			p.PackString(f.Name)
			PackDataType(p, f.Type)
		}
	case *types.TupleType:
		p.PackShort(uint16(len(t.Elems)))
		for _, e := range t.Elems {
			PackDataType(p, e)
		}
	}
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"errors"
	"fmt"
)

// Request is a client-originated message body.
type Request interface {
	Op() Opcode
	// EncodeBody appends the body for [v] to the packer.
	EncodeBody(p *Packer, v ProtocolVersion) error
}

// CQLVersion is the CQL version string announced at startup.
const CQLVersion = "3.0.0"

// Startup opens the connection-level handshake.
type Startup struct {
	Compression Compression
}

func (*Startup) Op() Opcode { return OpStartup }

func (s *Startup) EncodeBody(p *Packer, _ ProtocolVersion) error {
	opts := map[string]string{"CQL_VERSION": CQLVersion}
	if s.Compression != CompressionNone {
		opts["COMPRESSION"] = string(s.Compression)
	}
	p.PackStringMap(opts)
	return nil
}

// Options asks the server for its supported startup options. Also doubles
// as the heartbeat probe.
type Options struct{}

func (Options) Op() Opcode                                { return OpOptions }
func (Options) EncodeBody(*Packer, ProtocolVersion) error { return nil }

// Register subscribes the connection to server-push event classes.
type Register struct {
	EventTypes []string
}

func (*Register) Op() Opcode { return OpRegister }

func (r *Register) EncodeBody(p *Packer, _ ProtocolVersion) error {
	p.PackStringList(r.EventTypes)
	return nil
}

// AuthResponse carries an authenticator-produced token.
type AuthResponse struct {
	Token []byte
}

func (*AuthResponse) Op() Opcode { return OpAuthResponse }

func (a *AuthResponse) EncodeBody(p *Packer, _ ProtocolVersion) error {
	p.PackBytes(a.Token)
	return nil
}

// Query-parameter flag bits (v2+).
const (
	flagValues            byte = 0x01
	flagSkipMetadata      byte = 0x02
	flagPageSize          byte = 0x04
	flagWithPagingState   byte = 0x08
	flagSerialConsistency byte = 0x10
	flagDefaultTimestamp  byte = 0x20
)

// QueryParams are the per-statement execution parameters shared by QUERY
// and EXECUTE.
type QueryParams struct {
	Consistency       Consistency
	Values            [][]byte
	SkipMetadata      bool
	PageSize          int32
	PagingState       []byte
	SerialConsistency Consistency
	DefaultTimestamp  int64
}

var errValuesUnsupported = errors.New("bound values require protocol v2 or later in QUERY")

func (q *QueryParams) encode(p *Packer, v ProtocolVersion, allowValues bool) error {
	if v == V1 {
		// v1 QUERY is bare statement+consistency; v1 EXECUTE carries its
		// values ahead of the consistency.
		if len(q.Values) > 0 && !allowValues {
			return errValuesUnsupported
		}
		if allowValues {
			p.PackShort(uint16(len(q.Values)))
			for _, val := range q.Values {
				p.PackBytes(val)
			}
		}
		p.PackConsistency(q.Consistency)
		return nil
	}

	p.PackConsistency(q.Consistency)
	var flags byte
	if len(q.Values) > 0 {
		flags |= flagValues
	}
	if q.SkipMetadata {
		flags |= flagSkipMetadata
	}
	if q.PageSize > 0 {
		flags |= flagPageSize
	}
	if len(q.PagingState) > 0 {
		flags |= flagWithPagingState
	}
	if q.SerialConsistency != 0 {
		flags |= flagSerialConsistency
	}
	if v >= V3 && q.DefaultTimestamp != 0 {
		flags |= flagDefaultTimestamp
	}
	p.PackByte(flags)

	if flags&flagValues != 0 {
		p.PackShort(uint16(len(q.Values)))
		for _, val := range q.Values {
			p.PackBytes(val)
		}
	}
	if flags&flagPageSize != 0 {
		p.PackInt(q.PageSize)
	}
	if flags&flagWithPagingState != 0 {
		p.PackBytes(q.PagingState)
	}
	if flags&flagSerialConsistency != 0 {
		p.PackConsistency(q.SerialConsistency)
	}
	if flags&flagDefaultTimestamp != 0 {
		p.PackLong(q.DefaultTimestamp)
	}
	return nil
}

// Query executes a CQL statement.
type Query struct {
	Statement string
	Params    QueryParams
}

func (*Query) Op() Opcode { return OpQuery }

func (q *Query) EncodeBody(p *Packer, v ProtocolVersion) error {
	p.PackLongString(q.Statement)
	return q.Params.encode(p, v, false)
}

// Prepare asks the server to parse and cache a statement.
type Prepare struct {
	Statement string
}

func (*Prepare) Op() Opcode { return OpPrepare }

func (r *Prepare) EncodeBody(p *Packer, _ ProtocolVersion) error {
	p.PackLongString(r.Statement)
	return nil
}

// Execute runs a previously prepared statement.
type Execute struct {
	ID     []byte
	Params QueryParams
}

func (*Execute) Op() Opcode { return OpExecute }

func (e *Execute) EncodeBody(p *Packer, v ProtocolVersion) error {
	p.PackShortBytes(e.ID)
	return e.Params.encode(p, v, true)
}

// BatchType selects the batch atomicity mode.
type BatchType byte

const (
	BatchLogged   BatchType = 0
	BatchUnlogged BatchType = 1
	BatchCounter  BatchType = 2
)

// BatchChild is one statement inside a batch: either a query string or a
// prepared id.
type BatchChild struct {
	Statement string
	ID        []byte
	Values    [][]byte
}

// Batch groups statements for atomic execution. Requires protocol v2+.
type Batch struct {
	Type              BatchType
	Children          []BatchChild
	Consistency       Consistency
	SerialConsistency Consistency
	DefaultTimestamp  int64
}

func (*Batch) Op() Opcode { return OpBatch }

func (b *Batch) EncodeBody(p *Packer, v ProtocolVersion) error {
	if v < V2 {
		return fmt.Errorf("BATCH requires protocol v2 or later, got %s", v)
	}
	p.PackByte(byte(b.Type))
	p.PackShort(uint16(len(b.Children)))
	for _, c := range b.Children {
		if c.ID != nil {
			p.PackByte(1)
			p.PackShortBytes(c.ID)
		} else {
			p.PackByte(0)
			p.PackLongString(c.Statement)
		}
		p.PackShort(uint16(len(c.Values)))
		for _, val := range c.Values {
			p.PackBytes(val)
		}
	}
	p.PackConsistency(b.Consistency)
	if v >= V3 {
		var flags byte
		if b.SerialConsistency != 0 {
			flags |= flagSerialConsistency
		}
		if b.DefaultTimestamp != 0 {
			flags |= flagDefaultTimestamp
		}
		p.PackByte(flags)
		if flags&flagSerialConsistency != 0 {
			p.PackConsistency(b.SerialConsistency)
		}
		if flags&flagDefaultTimestamp != 0 {
			p.PackLong(b.DefaultTimestamp)
		}
	}
	return nil
}

// EncodeRequest assembles a complete frame for [req] on [stream].
func EncodeRequest(req Request, v ProtocolVersion, stream int16) (*Frame, error) {
	p := NewPacker()
	if err := req.EncodeBody(p, v); err != nil {
		return nil, err
	}
	return &Frame{
		Header: Header{
			Version: v,
			Stream:  stream,
			Op:      req.Op(),
		},
		Body: p.Bytes(),
	}, nil
}

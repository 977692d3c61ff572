// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package servertest runs a scriptable in-process server speaking the
// native protocol, enough of it to drive connections, pools, the control
// channel and the request handler through real sockets in tests.
package servertest

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/cql/codec"
	"github.com/luxfi/cql/types"
	"github.com/luxfi/cql/wire"
)

// Column names and types one column of a scripted row set.
type Column struct {
	Name string
	Type types.DataType
}

// RowsSpec is a scripted row set; cells are Go values serialized through
// the codec registry at reply time, with the connection's version.
type RowsSpec struct {
	Columns []Column
	Rows    [][]any
}

// Reply scripts the response to one request.
type Reply struct {
	// Delay postpones the response without blocking other streams.
	Delay time.Duration
	// Err, when set, answers with an ERROR frame.
	Err wire.ServerError
	// Rows, when set, answers with a rows result; otherwise void.
	Rows *RowsSpec
}

// Void is the default successful reply.
func Void() Reply { return Reply{} }

// PeerRow scripts one system.peers entry.
type PeerRow struct {
	RPCAddress net.IP
	Peer       net.IP
	DC         string
	Rack       string
	Release    string
	Tokens     []string
}

// Server is the scripted fake node.
type Server struct {
	// MaxVersion caps the protocol; a STARTUP above it is answered with
	// a ProtocolError, driving client downgrade.
	MaxVersion wire.ProtocolVersion

	// OnQuery scripts QUERY replies for non-catalog statements.
	OnQuery func(stmt string) Reply
	// OnSchemaQuery observes schema_version fetches; used to count
	// debounced refreshes.
	OnSchemaQuery func()
	// OnExecute scripts EXECUTE replies by prepared id.
	OnExecute func(id []byte) Reply
	// OnBatch scripts BATCH replies.
	OnBatch func() Reply

	// Peers populates system.peers.
	Peers []PeerRow

	// DC and Rack describe the local node.
	DC   string
	Rack string

	ln       net.Listener
	registry *codec.Registry
	schema   uuid.UUID

	mu    sync.Mutex
	conns []*serverConn
	done  bool
}

type serverConn struct {
	nc      net.Conn
	fc      *wire.FrameCodec
	version wire.ProtocolVersion
	writeMu sync.Mutex
}

// Start listens on a loopback port and serves until Close.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		MaxVersion: wire.MaxSupported,
		DC:         "dc1",
		Rack:       "rack1",
		ln:         ln,
		registry:   codec.NewRegistry(),
		schema:     uuid.New(),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr is the host:port clients dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() {
	s.mu.Lock()
	s.done = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	s.ln.Close()
	for _, c := range conns {
		c.nc.Close()
	}
}

// ConnCount reports currently accepted connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{nc: nc, fc: wire.NewFrameCodec(wire.CompressionNone)}
		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go s.serve(sc)
	}
}

func (s *Server) dropConn(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == sc {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *Server) serve(sc *serverConn) {
	defer func() {
		s.dropConn(sc)
		sc.nc.Close()
	}()
	for {
		f, err := sc.fc.ReadFrame(sc.nc)
		if err != nil {
			return
		}
		s.handle(sc, f)
	}
}

func (s *Server) handle(sc *serverConn, f *wire.Frame) {
	h := f.Header
	switch h.Op {
	case wire.OpStartup:
		if h.Version > s.MaxVersion {
			s.writeError(sc, h, wire.NewServerError(wire.CodeProtocolError,
				"Invalid or unsupported protocol version"))
			return
		}
		sc.version = h.Version
		s.writeBody(sc, h, wire.OpReady, nil)
	case wire.OpOptions:
		p := wire.NewPacker()
		p.PackShort(0) // no options advertised
		s.writeBody(sc, h, wire.OpSupported, p.Bytes())
	case wire.OpRegister:
		s.writeBody(sc, h, wire.OpReady, nil)
	case wire.OpQuery:
		u := wire.NewUnpacker(f.Body)
		stmt := u.UnpackLongString()
		s.answerQuery(sc, h, stmt)
	case wire.OpPrepare:
		s.writePrepared(sc, h)
	case wire.OpExecute:
		u := wire.NewUnpacker(f.Body)
		id := u.UnpackShortBytes()
		reply := Void()
		if s.OnExecute != nil {
			reply = s.OnExecute(id)
		}
		s.writeReply(sc, h, reply)
	case wire.OpBatch:
		reply := Void()
		if s.OnBatch != nil {
			reply = s.OnBatch()
		}
		s.writeReply(sc, h, reply)
	default:
		s.writeError(sc, h, wire.NewServerError(wire.CodeProtocolError,
			"unexpected opcode "+h.Op.String()))
	}
}

func (s *Server) answerQuery(sc *serverConn, h wire.Header, stmt string) {
	switch {
	case strings.Contains(stmt, "schema_version"):
		if s.OnSchemaQuery != nil {
			s.OnSchemaQuery()
		}
		s.writeReply(sc, h, Reply{Rows: &RowsSpec{
			Columns: []Column{{Name: "schema_version", Type: types.UUID}},
			Rows:    [][]any{{s.schema}},
		}})
	case strings.Contains(stmt, "system.local"):
		host, _, _ := net.SplitHostPort(s.Addr())
		s.writeReply(sc, h, Reply{Rows: &RowsSpec{
			Columns: []Column{
				{Name: "data_center", Type: types.Varchar},
				{Name: "rack", Type: types.Varchar},
				{Name: "release_version", Type: types.Varchar},
				{Name: "tokens", Type: types.NewSet(types.Varchar)},
				{Name: "listen_address", Type: types.Inet},
			},
			Rows: [][]any{{s.DC, s.Rack, "4.0.0", []string{"0"}, net.ParseIP(host)}},
		}})
	case strings.Contains(stmt, "system.peers"):
		rows := make([][]any, 0, len(s.Peers))
		for _, p := range s.Peers {
			rows = append(rows, []any{
				p.RPCAddress, p.Peer, p.DC, p.Rack, p.Release, p.Tokens,
			})
		}
		s.writeReply(sc, h, Reply{Rows: &RowsSpec{
			Columns: []Column{
				{Name: "rpc_address", Type: types.Inet},
				{Name: "peer", Type: types.Inet},
				{Name: "data_center", Type: types.Varchar},
				{Name: "rack", Type: types.Varchar},
				{Name: "release_version", Type: types.Varchar},
				{Name: "tokens", Type: types.NewSet(types.Varchar)},
			},
			Rows: rows,
		}})
	default:
		reply := Void()
		if s.OnQuery != nil {
			reply = s.OnQuery(stmt)
		}
		s.writeReply(sc, h, reply)
	}
}

func (s *Server) writeReply(sc *serverConn, h wire.Header, reply Reply) {
	write := func() {
		switch {
		case reply.Err != nil:
			s.writeError(sc, h, reply.Err)
		case reply.Rows != nil:
			body, err := s.encodeRows(sc.version, reply.Rows)
			if err != nil {
				s.writeError(sc, h, wire.NewServerError(wire.CodeServerError, err.Error()))
				return
			}
			s.writeBody(sc, h, wire.OpResult, body)
		default:
			p := wire.NewPacker()
			p.PackInt(1) // void
			s.writeBody(sc, h, wire.OpResult, p.Bytes())
		}
	}
	if reply.Delay > 0 {
		time.AfterFunc(reply.Delay, write)
		return
	}
	write()
}

func (s *Server) encodeRows(pv wire.ProtocolVersion, spec *RowsSpec) ([]byte, error) {
	p := wire.NewPacker()
	p.PackInt(2) // rows
	p.PackInt(0) // no flags: per-column table specs
	p.PackInt(int32(len(spec.Columns)))
	for _, col := range spec.Columns {
		p.PackString("ks")
		p.PackString("t")
		p.PackString(col.Name)
		wire.PackDataType(p, col.Type)
	}
	p.PackInt(int32(len(spec.Rows)))
	for _, row := range spec.Rows {
		if len(row) != len(spec.Columns) {
			return nil, errors.New("row width does not match columns")
		}
		for i, v := range row {
			if v == nil {
				p.PackBytes(nil)
				continue
			}
			cdc, err := s.registry.CodecForTypeValue(spec.Columns[i].Type, v)
			if err != nil {
				return nil, err
			}
			b, err := cdc.Serialize(v, pv)
			if err != nil {
				return nil, err
			}
			p.PackBytes(b)
		}
	}
	return p.Bytes(), nil
}

var preparedID = []byte{0xCA, 0xFE, 0xBA, 0xBE}

// PreparedID is the id every PREPARE answers with.
func PreparedID() []byte { return append([]byte(nil), preparedID...) }

func (s *Server) writePrepared(sc *serverConn, h wire.Header) {
	p := wire.NewPacker()
	p.PackInt(4) // prepared
	p.PackShortBytes(preparedID)
	p.PackInt(0) // variable metadata: no flags
	p.PackInt(0) // no variables
	if sc.version >= wire.V2 {
		p.PackInt(0) // result metadata: no flags
		p.PackInt(0)
	}
	s.writeBody(sc, h, wire.OpResult, p.Bytes())
}

func (s *Server) writeError(sc *serverConn, h wire.Header, e wire.ServerError) {
	p := wire.NewPacker()
	wire.EncodeError(p, e)
	s.writeBody(sc, h, wire.OpError, p.Bytes())
}

func (s *Server) writeBody(sc *serverConn, req wire.Header, op wire.Opcode, body []byte) {
	f := &wire.Frame{
		Header: wire.Header{
			Version:  req.Version,
			Response: true,
			Stream:   req.Stream,
			Op:       op,
		},
		Body: body,
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.fc.WriteFrame(sc.nc, f)
}

// PushStatusChange broadcasts a STATUS_CHANGE event on every open
// connection's event stream.
func (s *Server) PushStatusChange(change string, addr *net.TCPAddr) {
	p := wire.NewPacker()
	p.PackString(wire.EventStatusChange)
	p.PackString(change)
	p.PackInet(addr.IP, addr.Port)
	s.broadcastEvent(p.Bytes())
}

// PushTopologyChange broadcasts a TOPOLOGY_CHANGE event.
func (s *Server) PushTopologyChange(change string, addr *net.TCPAddr) {
	p := wire.NewPacker()
	p.PackString(wire.EventTopologyChange)
	p.PackString(change)
	p.PackInet(addr.IP, addr.Port)
	s.broadcastEvent(p.Bytes())
}

// PushSchemaChange broadcasts a SCHEMA_CHANGE event in the v3/v4 layout
// (or the v1/v2 one on older connections).
func (s *Server) PushSchemaChange(change, target, keyspace, name string, signature []string) {
	s.mu.Lock()
	conns := make([]*serverConn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()
	for _, sc := range conns {
		p := wire.NewPacker()
		p.PackString(wire.EventSchemaChange)
		p.PackString(change)
		if sc.version >= wire.V3 {
			p.PackString(target)
			p.PackString(keyspace)
			switch target {
			case wire.TargetKeyspace:
			case wire.TargetFunction, wire.TargetAggregate:
				p.PackString(name)
				p.PackStringList(signature)
			default:
				p.PackString(name)
			}
		} else {
			p.PackString(keyspace)
			p.PackString(name)
		}
		s.writeEvent(sc, p.Bytes())
	}
}

func (s *Server) broadcastEvent(body []byte) {
	s.mu.Lock()
	conns := make([]*serverConn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()
	for _, sc := range conns {
		s.writeEvent(sc, body)
	}
}

func (s *Server) writeEvent(sc *serverConn, body []byte) {
	if sc.version == 0 {
		return // not past STARTUP yet
	}
	f := &wire.Frame{
		Header: wire.Header{
			Version:  sc.version,
			Response: true,
			Stream:   sc.version.EventStreamID(),
			Op:       wire.OpEvent,
		},
		Body: body,
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.fc.WriteFrame(sc.nc, f)
}

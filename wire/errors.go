// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import "fmt"

// ErrorCode is the server error code carried in an ERROR frame.
type ErrorCode int32

const (
	CodeServerError     ErrorCode = 0x0000
	CodeProtocolError   ErrorCode = 0x000A
	CodeAuthError       ErrorCode = 0x0100
	CodeUnavailable     ErrorCode = 0x1000
	CodeOverloaded      ErrorCode = 0x1001
	CodeIsBootstrapping ErrorCode = 0x1002
	CodeTruncateError   ErrorCode = 0x1003
	CodeWriteTimeout    ErrorCode = 0x1100
	CodeReadTimeout     ErrorCode = 0x1200
	CodeReadFailure     ErrorCode = 0x1300
	CodeFunctionFailure ErrorCode = 0x1400
	CodeWriteFailure    ErrorCode = 0x1500
	CodeSyntaxError     ErrorCode = 0x2000
	CodeUnauthorized    ErrorCode = 0x2100
	CodeInvalid         ErrorCode = 0x2200
	CodeConfigError     ErrorCode = 0x2300
	CodeAlreadyExists   ErrorCode = 0x2400
	CodeUnprepared      ErrorCode = 0x2500
)

// ServerError is any error surfaced by the server in an ERROR frame. Every
// concrete type below also implements Response.
type ServerError interface {
	error
	Response
	ErrorCode() ErrorCode
}

// baseError carries the code and message every ERROR frame starts with.
type baseError struct {
	Code    ErrorCode
	Message string
}

func (e *baseError) Op() Opcode           { return OpError }
func (e *baseError) ErrorCode() ErrorCode { return e.Code }

func (e *baseError) Error() string {
	return fmt.Sprintf("server error 0x%04X: %s", int32(e.Code), e.Message)
}

// GenericServerError covers codes without extra payload: server error,
// truncate error, overloaded, bootstrapping, and anything unrecognized.
type GenericServerError struct {
	baseError
}

// ProtocolViolationError reports a protocol-level violation; during startup
// it drives version downgrade.
type ProtocolViolationError struct {
	baseError
}

// AuthenticationError reports failed authentication. Fatal to the request.
type AuthenticationError struct {
	baseError
}

// UnavailableError reports too few live replicas for the consistency level.
type UnavailableError struct {
	baseError
	Consistency Consistency
	Required    int32
	Alive       int32
}

// WriteTimeoutError reports a server-side write timeout.
type WriteTimeoutError struct {
	baseError
	Consistency Consistency
	Received    int32
	BlockFor    int32
	WriteType   string
}

// ReadTimeoutError reports a server-side read timeout.
type ReadTimeoutError struct {
	baseError
	Consistency Consistency
	Received    int32
	BlockFor    int32
	DataPresent bool
}

// ReadFailureError reports replica-side read failures (v4).
type ReadFailureError struct {
	baseError
	Consistency Consistency
	Received    int32
	BlockFor    int32
	NumFailures int32
	DataPresent bool
}

// WriteFailureError reports replica-side write failures (v4).
type WriteFailureError struct {
	baseError
	Consistency Consistency
	Received    int32
	BlockFor    int32
	NumFailures int32
	WriteType   string
}

// FunctionFailureError reports a failed user-defined function execution (v4).
type FunctionFailureError struct {
	baseError
	Keyspace  string
	Function  string
	Signature []string
}

// SyntaxError reports an unparsable statement. Fatal to the request.
type SyntaxError struct {
	baseError
}

// UnauthorizedError reports missing permissions. Fatal to the request.
type UnauthorizedError struct {
	baseError
}

// InvalidQueryError reports a syntactically correct but invalid statement.
// Fatal to the request.
type InvalidQueryError struct {
	baseError
}

// ConfigError reports a configuration-level rejection.
type ConfigError struct {
	baseError
}

// AlreadyExistsError reports creation of an existing keyspace or table.
type AlreadyExistsError struct {
	baseError
	Keyspace string
	Table    string
}

// UnpreparedError reports that the server evicted the prepared statement;
// the driver re-prepares on the same host and retries.
type UnpreparedError struct {
	baseError
	ID []byte
}

func decodeError(u *Unpacker, _ ProtocolVersion) ServerError {
	base := baseError{
		Code:    ErrorCode(u.UnpackInt()),
		Message: u.UnpackString(),
	}
	switch base.Code {
	case CodeProtocolError:
		return &ProtocolViolationError{baseError: base}
	case CodeAuthError:
		return &AuthenticationError{baseError: base}
	case CodeUnavailable:
		return &UnavailableError{
			baseError:   base,
			Consistency: u.UnpackConsistency(),
			Required:    u.UnpackInt(),
			Alive:       u.UnpackInt(),
		}
	case CodeWriteTimeout:
		return &WriteTimeoutError{
			baseError:   base,
			Consistency: u.UnpackConsistency(),
			Received:    u.UnpackInt(),
			BlockFor:    u.UnpackInt(),
			WriteType:   u.UnpackString(),
		}
	case CodeReadTimeout:
		return &ReadTimeoutError{
			baseError:   base,
			Consistency: u.UnpackConsistency(),
			Received:    u.UnpackInt(),
			BlockFor:    u.UnpackInt(),
			DataPresent: u.UnpackByte() != 0,
		}
	case CodeReadFailure:
		return &ReadFailureError{
			baseError:   base,
			Consistency: u.UnpackConsistency(),
			Received:    u.UnpackInt(),
			BlockFor:    u.UnpackInt(),
			NumFailures: u.UnpackInt(),
			DataPresent: u.UnpackByte() != 0,
		}
	case CodeWriteFailure:
		return &WriteFailureError{
			baseError:   base,
			Consistency: u.UnpackConsistency(),
			Received:    u.UnpackInt(),
			BlockFor:    u.UnpackInt(),
			NumFailures: u.UnpackInt(),
			WriteType:   u.UnpackString(),
		}
	case CodeFunctionFailure:
		return &FunctionFailureError{
			baseError: base,
			Keyspace:  u.UnpackString(),
			Function:  u.UnpackString(),
			Signature: u.UnpackStringList(),
		}
	case CodeSyntaxError:
		return &SyntaxError{baseError: base}
	case CodeUnauthorized:
		return &UnauthorizedError{baseError: base}
	case CodeInvalid:
		return &InvalidQueryError{baseError: base}
	case CodeConfigError:
		return &ConfigError{baseError: base}
	case CodeAlreadyExists:
		return &AlreadyExistsError{
			baseError: base,
			Keyspace:  u.UnpackString(),
			Table:     u.UnpackString(),
		}
	case CodeUnprepared:
		return &UnpreparedError{
			baseError: base,
			ID:        u.UnpackShortBytes(),
		}
	default:
		return &GenericServerError{baseError: base}
	}
}

// EncodeError assembles an ERROR frame body; the counterpart of
// decodeError, used by test servers.
func EncodeError(p *Packer, e ServerError) {
	p.PackInt(int32(e.ErrorCode()))
	switch t := e.(type) {
	case *UnavailableError:
		p.PackString(t.Message)
		p.PackConsistency(t.Consistency)
		p.PackInt(t.Required)
		p.PackInt(t.Alive)
	case *WriteTimeoutError:
		p.PackString(t.Message)
		p.PackConsistency(t.Consistency)
		p.PackInt(t.Received)
		p.PackInt(t.BlockFor)
		p.PackString(t.WriteType)
	case *ReadTimeoutError:
		p.PackString(t.Message)
		p.PackConsistency(t.Consistency)
		p.PackInt(t.Received)
		p.PackInt(t.BlockFor)
		if t.DataPresent {
			p.PackByte(1)
		} else {
			p.PackByte(0)
		}
	case *AlreadyExistsError:
		p.PackString(t.Message)
		p.PackString(t.Keyspace)
		p.PackString(t.Table)
	case *UnpreparedError:
		p.PackString(t.Message)
		p.PackShortBytes(t.ID)
	default:
		p.PackString(errMessage(e))
	}
}

func errMessage(e ServerError) string {
	type messaged interface{ message() string }
	if m, ok := e.(messaged); ok {
		return m.message()
	}
	return e.Error()
}

func (e *baseError) message() string { return e.Message }

// NewUnavailableError builds an UnavailableError; used by test servers
// and retry-policy tests.
func NewUnavailableError(msg string, cl Consistency, required, alive int32) *UnavailableError {
	return &UnavailableError{
		baseError:   baseError{Code: CodeUnavailable, Message: msg},
		Consistency: cl,
		Required:    required,
		Alive:       alive,
	}
}

// NewReadTimeoutError builds a ReadTimeoutError.
func NewReadTimeoutError(msg string, cl Consistency, received, blockFor int32, dataPresent bool) *ReadTimeoutError {
	return &ReadTimeoutError{
		baseError:   baseError{Code: CodeReadTimeout, Message: msg},
		Consistency: cl,
		Received:    received,
		BlockFor:    blockFor,
		DataPresent: dataPresent,
	}
}

// NewWriteTimeoutError builds a WriteTimeoutError.
func NewWriteTimeoutError(msg string, cl Consistency, received, blockFor int32, writeType string) *WriteTimeoutError {
	return &WriteTimeoutError{
		baseError:   baseError{Code: CodeWriteTimeout, Message: msg},
		Consistency: cl,
		Received:    received,
		BlockFor:    blockFor,
		WriteType:   writeType,
	}
}

// NewUnpreparedError builds an UnpreparedError.
func NewUnpreparedError(msg string, id []byte) *UnpreparedError {
	return &UnpreparedError{
		baseError: baseError{Code: CodeUnprepared, Message: msg},
		ID:        id,
	}
}

// NewServerError builds a payload-free server error for the given code;
// used by test servers and fakes.
func NewServerError(code ErrorCode, msg string) ServerError {
	base := baseError{Code: code, Message: msg}
	switch code {
	case CodeProtocolError:
		return &ProtocolViolationError{baseError: base}
	case CodeAuthError:
		return &AuthenticationError{baseError: base}
	case CodeSyntaxError:
		return &SyntaxError{baseError: base}
	case CodeUnauthorized:
		return &UnauthorizedError{baseError: base}
	case CodeInvalid:
		return &InvalidQueryError{baseError: base}
	case CodeConfigError:
		return &ConfigError{baseError: base}
	default:
		return &GenericServerError{baseError: base}
	}
}

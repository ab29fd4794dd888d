package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/registry"
	"github.com/phoenixkv/phoenix/lib/wire"
)

// --------------------------------------------------------------------------
// Status Codes
// --------------------------------------------------------------------------

// Status is the first byte of every RESP_ERR payload
type Status uint8

const (
	StatusOK                  Status = 0
	StatusNotFound            Status = 1
	StatusDatabaseNotFound    Status = 2
	StatusAlreadyExists       Status = 3
	StatusCapacityExceeded    Status = 4
	StatusProtocolError       Status = 5
	StatusInternalError       Status = 6
	StatusDatabaseUnavailable Status = 7
	StatusBusy                Status = 8
)

// String returns the string representation of a Status
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusDatabaseNotFound:
		return "DATABASE_NOT_FOUND"
	case StatusAlreadyExists:
		return "ALREADY_EXISTS"
	case StatusCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusDatabaseUnavailable:
		return "DATABASE_UNAVAILABLE"
	case StatusBusy:
		return "BUSY"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// MarshalJSON serializes the status as its name
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StatusOf maps an error of the storage, registry or codec layer to its status code
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, db.ErrKeyNotFound):
		return StatusNotFound
	case errors.Is(err, registry.ErrDatabaseNotFound):
		return StatusDatabaseNotFound
	case errors.Is(err, registry.ErrDatabaseExists):
		return StatusAlreadyExists
	case errors.Is(err, db.ErrCapacityExceeded):
		return StatusCapacityExceeded
	case errors.Is(err, wire.ErrProtocol):
		return StatusProtocolError
	case errors.Is(err, registry.ErrDatabaseUnavailable):
		return StatusDatabaseUnavailable
	case errors.Is(err, ErrBusy):
		return StatusBusy
	default:
		return StatusInternalError
	}
}

// ErrBusy is reported to connections that could not get a worker in time
var ErrBusy = errors.New("server busy")

// --------------------------------------------------------------------------
// Response Structure
// --------------------------------------------------------------------------

// Response is the answer to exactly one command
type Response struct {
	Type    wire.Type `json:"type"`              // RESP_OK, RESP_DATA or RESP_ERR
	Status  Status    `json:"status"`            // StatusOK unless Type is RESP_ERR
	Payload []byte    `json:"payload,omitempty"` // result bytes, or the error message for RESP_ERR
}

// --------------------------------------------------------------------------
// Response Factory Functions
// --------------------------------------------------------------------------

// NewOKResponse creates a RESP_OK response without payload
func NewOKResponse() Response {
	return Response{Type: wire.TypeRespOK}
}

// NewUint64Response creates a RESP_OK response carrying an 8 byte big endian number (version or count)
func NewUint64Response(v uint64) Response {
	return Response{Type: wire.TypeRespOK, Payload: wire.PutUint64(v, nil)}
}

// NewDataResponse creates a RESP_DATA response
func NewDataResponse(data []byte) Response {
	return Response{Type: wire.TypeRespData, Payload: data}
}

// NewErrorResponse creates a RESP_ERR response with a status and a message
func NewErrorResponse(status Status, msg string) Response {
	return Response{Type: wire.TypeRespErr, Status: status, Payload: []byte(msg)}
}

// NewErrorResponseFrom creates a RESP_ERR response for err
func NewErrorResponseFrom(err error) Response {
	return NewErrorResponse(StatusOf(err), err.Error())
}

// --------------------------------------------------------------------------
// Frame <-> Response
// --------------------------------------------------------------------------

// Frame encodes the response. RESP_ERR payloads are the status byte followed by the message.
func (r Response) Frame() wire.Frame {
	if r.Type == wire.TypeRespErr {
		value := make([]byte, 0, 1+len(r.Payload))
		value = append(value, byte(r.Status))
		value = append(value, r.Payload...)
		return wire.Frame{Type: wire.TypeRespErr, Value: value}
	}
	return wire.Frame{Type: r.Type, Value: r.Payload}
}

// ParseResponse decodes a response frame
func ParseResponse(f wire.Frame) (Response, error) {
	switch f.Type {
	case wire.TypeRespOK, wire.TypeRespData:
		return Response{Type: f.Type, Payload: f.Value}, nil
	case wire.TypeRespErr:
		if len(f.Value) == 0 {
			return Response{}, protocolError("error response without status")
		}
		r := Response{Type: f.Type, Status: Status(f.Value[0])}
		if len(f.Value) > 1 {
			r.Payload = f.Value[1:]
		}
		return r, nil
	default:
		return Response{}, protocolError("%s frame is not a response", f.Type)
	}
}

// IsError reports whether the response is a RESP_ERR
func (r Response) IsError() bool {
	return r.Type == wire.TypeRespErr
}

// Uint64 reads the number carried by a version or count response
func (r Response) Uint64() (uint64, error) {
	v, _, err := wire.SplitUint64(r.Payload)
	return v, err
}

// Pairs decodes the pair list of a LOOKUP_ALL response
func (r Response) Pairs() ([]db.Pair, error) {
	pairs, err := wire.DecodePairs(r.Payload)
	if err != nil {
		return nil, err
	}
	return PairsFromWire(pairs), nil
}

func (r Response) String() string {
	if r.IsError() {
		return fmt.Sprintf("%s %s: %s", r.Type, r.Status, r.Payload)
	}
	return fmt.Sprintf("%s (%d bytes)", r.Type, len(r.Payload))
}

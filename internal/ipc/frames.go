// Package ipc implements the binary frame protocol spoken between the
// daemon and its local clients over a unix stream socket: a fixed
// 24-byte command header with up to three length-prefixed property-list
// payloads, answered by a fixed 24-byte response header with an
// optional payload. The layout is an external interface and is kept
// bit-exact.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// CommandHeaderSize and ResponseHeaderSize are the fixed frame sizes.
const (
	CommandHeaderSize  = 24
	ResponseHeaderSize = 24
)

// maxPayload bounds any single attached payload; a client sending a
// larger length is broken or hostile.
const maxPayload = 1 << 20

// FuncCode selects the daemon command variant.
type FuncCode uint16

const (
	// FuncLogin logs in a target: with a portal payload, one
	// connection; with a target payload only, every known portal.
	FuncLogin FuncCode = 1

	// FuncLogout logs out a session or a single connection.
	FuncLogout FuncCode = 2

	// FuncActiveTargets enumerates targets with live sessions.
	FuncActiveTargets FuncCode = 3

	// FuncActivePortals enumerates a target's live portals.
	FuncActivePortals FuncCode = 4

	// FuncIsTargetActive asks whether a session exists for a target.
	FuncIsTargetActive FuncCode = 5

	// FuncIsPortalActive asks whether any connection uses a portal.
	FuncIsPortalActive FuncCode = 6

	// FuncQueryAuthMethod interrogates a target for its preferred
	// authentication method.
	FuncQueryAuthMethod FuncCode = 7

	// FuncQueryTargets runs SendTargets discovery against a portal.
	FuncQueryTargets FuncCode = 8

	// FuncSessionProperties reports a session's negotiated parameters.
	FuncSessionProperties FuncCode = 9

	// FuncConnectionProperties reports a connection's negotiated
	// parameters.
	FuncConnectionProperties FuncCode = 10

	// FuncUpdateDiscovery re-reads discovery settings and re-arms the
	// periodic timer.
	FuncUpdateDiscovery FuncCode = 11

	// FuncShutdown closes the client connection; the daemon keeps
	// running.
	FuncShutdown FuncCode = 12
)

// String returns the human-readable name for the func code.
func (f FuncCode) String() string {
	switch f {
	case FuncLogin:
		return "Login"
	case FuncLogout:
		return "Logout"
	case FuncActiveTargets:
		return "ArrayOfActiveTargets"
	case FuncActivePortals:
		return "ArrayOfActivePortalsForTarget"
	case FuncIsTargetActive:
		return "IsTargetActive"
	case FuncIsPortalActive:
		return "IsPortalActive"
	case FuncQueryAuthMethod:
		return "QueryTargetForAuthMethod"
	case FuncQueryTargets:
		return "QueryPortalForTargets"
	case FuncSessionProperties:
		return "PropertiesForSession"
	case FuncConnectionProperties:
		return "PropertiesForConnection"
	case FuncUpdateDiscovery:
		return "UpdateDiscovery"
	case FuncShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(f))
	}
}

// Sentinel errors for frame handling.
var (
	// ErrUnknownFunc indicates a command header with an unassigned
	// func code.
	ErrUnknownFunc = errors.New("unknown function code")

	// ErrPayloadTooLarge indicates a declared payload length above the
	// per-payload bound.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// CommandHeader is the fixed client-to-daemon frame.
//
// Wire layout (big-endian):
//
//	offset  size  field
//	0       2     func_code
//	2       2     reserved
//	4       4     field1 (e.g. session id)
//	8       4     field2 (e.g. connection id)
//	12      4     length1
//	16      4     length2
//	20      4     length3
type CommandHeader struct {
	Func    FuncCode
	Field1  uint32
	Field2  uint32
	Length1 uint32
	Length2 uint32
	Length3 uint32
}

// Marshal serializes the command header.
func (h *CommandHeader) Marshal() [CommandHeaderSize]byte {
	var b [CommandHeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(h.Func))
	binary.BigEndian.PutUint32(b[4:8], h.Field1)
	binary.BigEndian.PutUint32(b[8:12], h.Field2)
	binary.BigEndian.PutUint32(b[12:16], h.Length1)
	binary.BigEndian.PutUint32(b[16:20], h.Length2)
	binary.BigEndian.PutUint32(b[20:24], h.Length3)

	return b
}

// ParseCommandHeader decodes a command header.
func ParseCommandHeader(b [CommandHeaderSize]byte) CommandHeader {
	return CommandHeader{
		Func:    FuncCode(binary.BigEndian.Uint16(b[0:2])),
		Field1:  binary.BigEndian.Uint32(b[4:8]),
		Field2:  binary.BigEndian.Uint32(b[8:12]),
		Length1: binary.BigEndian.Uint32(b[12:16]),
		Length2: binary.BigEndian.Uint32(b[16:20]),
		Length3: binary.BigEndian.Uint32(b[20:24]),
	}
}

// ResponseHeader is the fixed daemon-to-client frame.
//
// Wire layout (big-endian):
//
//	offset  size  field
//	0       1     func_code
//	1       1     reserved
//	2       4     error_code (POSIX-style errno, 0 on success)
//	6       2     status_code (protocol login/logout status)
//	8       4     field1 (e.g. session id assigned)
//	12      4     field2 (e.g. connection id assigned)
//	16      4     data_length
//	20      4     reserved
type ResponseHeader struct {
	Func       uint8
	ErrorCode  uint32
	StatusCode uint16
	Field1     uint32
	Field2     uint32
	DataLength uint32
}

// Marshal serializes the response header.
func (h *ResponseHeader) Marshal() [ResponseHeaderSize]byte {
	var b [ResponseHeaderSize]byte
	b[0] = h.Func
	binary.BigEndian.PutUint32(b[2:6], h.ErrorCode)
	binary.BigEndian.PutUint16(b[6:8], h.StatusCode)
	binary.BigEndian.PutUint32(b[8:12], h.Field1)
	binary.BigEndian.PutUint32(b[12:16], h.Field2)
	binary.BigEndian.PutUint32(b[16:20], h.DataLength)

	return b
}

// ParseResponseHeader decodes a response header.
func ParseResponseHeader(b [ResponseHeaderSize]byte) ResponseHeader {
	return ResponseHeader{
		Func:       b[0],
		ErrorCode:  binary.BigEndian.Uint32(b[2:6]),
		StatusCode: binary.BigEndian.Uint16(b[6:8]),
		Field1:     binary.BigEndian.Uint32(b[8:12]),
		Field2:     binary.BigEndian.Uint32(b[12:16]),
		DataLength: binary.BigEndian.Uint32(b[16:20]),
	}
}

// ReadCommand reads one command frame: the header plus the payloads
// its length fields announce.
func ReadCommand(r io.Reader) (CommandHeader, [][]byte, error) {
	var raw [CommandHeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return CommandHeader{}, nil, fmt.Errorf("read command header: %w", err)
	}
	hdr := ParseCommandHeader(raw)

	payloads := make([][]byte, 0, 3)
	for _, length := range []uint32{hdr.Length1, hdr.Length2, hdr.Length3} {
		if length == 0 {
			payloads = append(payloads, nil)
			continue
		}
		if length > maxPayload {
			return CommandHeader{}, nil, fmt.Errorf("payload of %d bytes: %w",
				length, ErrPayloadTooLarge)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return CommandHeader{}, nil, fmt.Errorf("read command payload: %w", err)
		}
		payloads = append(payloads, buf)
	}

	return hdr, payloads, nil
}

// WriteCommand writes one command frame with its payloads. The
// header's length fields are set from the payloads.
func WriteCommand(w io.Writer, hdr CommandHeader, payloads ...[]byte) error {
	lengths := [3]uint32{}
	for i, p := range payloads {
		if i >= 3 {
			return fmt.Errorf("%d payloads: %w", len(payloads), ErrPayloadTooLarge)
		}
		lengths[i] = uint32(len(p))
	}
	hdr.Length1, hdr.Length2, hdr.Length3 = lengths[0], lengths[1], lengths[2]

	raw := hdr.Marshal()
	if _, err := w.Write(raw[:]); err != nil {
		return fmt.Errorf("write command header: %w", err)
	}
	for _, p := range payloads {
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("write command payload: %w", err)
		}
	}

	return nil
}

// ReadResponse reads one response frame and its payload.
func ReadResponse(r io.Reader) (ResponseHeader, []byte, error) {
	var raw [ResponseHeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return ResponseHeader{}, nil, fmt.Errorf("read response header: %w", err)
	}
	hdr := ParseResponseHeader(raw)

	if hdr.DataLength == 0 {
		return hdr, nil, nil
	}
	if hdr.DataLength > maxPayload {
		return ResponseHeader{}, nil, fmt.Errorf("payload of %d bytes: %w",
			hdr.DataLength, ErrPayloadTooLarge)
	}
	buf := make([]byte, hdr.DataLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ResponseHeader{}, nil, fmt.Errorf("read response payload: %w", err)
	}

	return hdr, buf, nil
}

// WriteResponse writes one response frame; DataLength is set from the
// payload.
func WriteResponse(w io.Writer, hdr ResponseHeader, payload []byte) error {
	hdr.DataLength = uint32(len(payload))

	raw := hdr.Marshal()
	if _, err := w.Write(raw[:]); err != nil {
		return fmt.Errorf("write response header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write response payload: %w", err)
		}
	}

	return nil
}

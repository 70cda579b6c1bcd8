// Package pdu implements the iSCSI PDU codec (RFC 3720 Section 10).
//
// This covers the Basic Header Segment variants used on the control
// path (Login, Logout, Text, Reject), the NUL-separated key-value text
// format carried in their data segments, and the optional CRC32C
// header/data digests.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants — RFC 3720 Section 10.2.1
// -------------------------------------------------------------------------

// BHSSize is the fixed Basic Header Segment size in bytes
// (RFC 3720 Section 10.2.1: "The BHS is 48 bytes long").
const BHSSize = 48

// DataSegmentLengthSize is the width of the DataSegmentLength field:
// a 24-bit big-endian integer at bytes 5-7 (RFC 3720 Section 10.2.1.11).
const DataSegmentLengthSize = 3

// MaxDataSegmentLength is the largest value the 24-bit DataSegmentLength
// field can carry.
const MaxDataSegmentLength = 1<<24 - 1

// DigestSize is the width of a header or data digest (RFC 3720
// Section 10.2.3: CRC32C, 4 bytes).
const DigestSize = 4

// dataPadding is the alignment of the data segment (RFC 3720
// Section 10.2.3: segments are padded to a 4-byte boundary).
const dataPadding = 4

// VersionMax and VersionMin are the protocol versions advertised on
// login requests (RFC 3720 Section 10.12.4: this document defines
// version 0x00).
const (
	VersionMax uint8 = 0x00
	VersionMin uint8 = 0x00
)

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Opcodes — RFC 3720 Section 10.2.1.2
// -------------------------------------------------------------------------

// Opcode identifies the PDU type carried in the low six bits of byte 0.
type Opcode uint8

const (
	// OpLoginReq is the Login Request opcode (RFC 3720 Section 10.12).
	OpLoginReq Opcode = 0x03

	// OpTextReq is the Text Request opcode (RFC 3720 Section 10.10).
	OpTextReq Opcode = 0x04

	// OpLogoutReq is the Logout Request opcode (RFC 3720 Section 10.14).
	OpLogoutReq Opcode = 0x06

	// OpLoginRsp is the Login Response opcode (RFC 3720 Section 10.13).
	OpLoginRsp Opcode = 0x23

	// OpTextRsp is the Text Response opcode (RFC 3720 Section 10.11).
	OpTextRsp Opcode = 0x24

	// OpLogoutRsp is the Logout Response opcode (RFC 3720 Section 10.15).
	OpLogoutRsp Opcode = 0x26

	// OpReject is the Reject opcode (RFC 3720 Section 10.17).
	OpReject Opcode = 0x3F
)

// immediateBit marks an initiator PDU for immediate delivery
// (RFC 3720 Section 10.2.1.2: the I bit, 0x40 of byte 0).
const immediateBit = 0x40

// opcodeMask extracts the opcode from byte 0 of a BHS.
const opcodeMask = 0x3F

// String returns the human-readable name for the opcode.
func (o Opcode) String() string {
	switch o {
	case OpLoginReq:
		return "LoginRequest"
	case OpLoginRsp:
		return "LoginResponse"
	case OpLogoutReq:
		return "LogoutRequest"
	case OpLogoutRsp:
		return "LogoutResponse"
	case OpTextReq:
		return "TextRequest"
	case OpTextRsp:
		return "TextResponse"
	case OpReject:
		return "Reject"
	default:
		return fmt.Sprintf(unknownFmt, uint8(o))
	}
}

// -------------------------------------------------------------------------
// Login Stages — RFC 3720 Section 10.12.3
// -------------------------------------------------------------------------

// LoginStage is a 2-bit current/next stage value in the login flags byte.
type LoginStage uint8

const (
	// StageSecurityNegotiation is the security negotiation stage
	// (RFC 3720 Section 10.12.3: value 0).
	StageSecurityNegotiation LoginStage = 0

	// StageOperationalNegotiation is the login operational negotiation
	// stage (RFC 3720 Section 10.12.3: value 1).
	StageOperationalNegotiation LoginStage = 1

	// StageFullFeaturePhase is the full feature phase
	// (RFC 3720 Section 10.12.3: value 3; value 2 is reserved).
	StageFullFeaturePhase LoginStage = 3
)

// String returns the human-readable name for the login stage.
func (s LoginStage) String() string {
	switch s {
	case StageSecurityNegotiation:
		return "SecurityNegotiation"
	case StageOperationalNegotiation:
		return "OperationalNegotiation"
	case StageFullFeaturePhase:
		return "FullFeaturePhase"
	default:
		return fmt.Sprintf(unknownFmt, uint8(s))
	}
}

// Login flags byte layout (RFC 3720 Section 10.12.3):
// bit 7 Transit, bit 6 Continue, bits 3-2 CSG, bits 1-0 NSG.
const (
	loginTransitFlag  = 0x80
	loginContinueFlag = 0x40
	loginCSGShift     = 2
	loginStageMask    = 0x03
)

// -------------------------------------------------------------------------
// Logout Reasons and Responses — RFC 3720 Sections 10.14.1, 10.15.1
// -------------------------------------------------------------------------

// LogoutReason is the reason code of a Logout Request.
type LogoutReason uint8

const (
	// LogoutCloseSession terminates the session and all its connections
	// (RFC 3720 Section 10.14.1: value 0).
	LogoutCloseSession LogoutReason = 0x00

	// LogoutCloseConnection terminates a single connection
	// (RFC 3720 Section 10.14.1: value 1).
	LogoutCloseConnection LogoutReason = 0x01

	// LogoutRemoveConnectionForRecovery removes the connection for
	// recovery (RFC 3720 Section 10.14.1: value 2).
	LogoutRemoveConnectionForRecovery LogoutReason = 0x02
)

// logoutReasonFlag is the mandatory high bit of the reason-code byte
// (RFC 3720 Section 10.14: byte 1 is 1|Reason).
const logoutReasonFlag = 0x80

// String returns the human-readable name for the logout reason.
func (r LogoutReason) String() string {
	switch r {
	case LogoutCloseSession:
		return "CloseSession"
	case LogoutCloseConnection:
		return "CloseConnection"
	case LogoutRemoveConnectionForRecovery:
		return "RemoveConnectionForRecovery"
	default:
		return fmt.Sprintf(unknownFmt, uint8(r))
	}
}

// LogoutResponseCode is the Response field of a Logout Response
// (RFC 3720 Section 10.15.1).
type LogoutResponseCode uint8

const (
	// LogoutSuccess indicates the connection or session was closed.
	LogoutSuccess LogoutResponseCode = 0x00

	// LogoutCIDNotFound indicates the CID was not found.
	LogoutCIDNotFound LogoutResponseCode = 0x01

	// LogoutRecoveryUnsupported indicates connection recovery is not
	// supported (ErrorRecoveryLevel below 2).
	LogoutRecoveryUnsupported LogoutResponseCode = 0x02

	// LogoutCleanupFailed indicates cleanup failed for various reasons.
	LogoutCleanupFailed LogoutResponseCode = 0x03
)

// String returns the human-readable name for the logout response code.
func (c LogoutResponseCode) String() string {
	switch c {
	case LogoutSuccess:
		return "Success"
	case LogoutCIDNotFound:
		return "CIDNotFound"
	case LogoutRecoveryUnsupported:
		return "RecoveryUnsupported"
	case LogoutCleanupFailed:
		return "CleanupFailed"
	default:
		return fmt.Sprintf(unknownFmt, uint8(c))
	}
}

// -------------------------------------------------------------------------
// Text Flags — RFC 3720 Section 10.10
// -------------------------------------------------------------------------

// Text flags byte layout: bit 7 Final, bit 6 Continue.
const (
	textFinalFlag    = 0x80
	textContinueFlag = 0x40
)

// ReservedTargetTransferTag is the TargetTransferTag carried on
// initiator text requests (RFC 3720 Section 10.10.3: 0xffffffff).
const ReservedTargetTransferTag uint32 = 0xFFFFFFFF

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for PDU validation failures.
var (
	// ErrTruncated indicates the buffer is shorter than a full BHS or
	// the declared data segment.
	ErrTruncated = errors.New("truncated PDU")

	// ErrOpcodeMismatch indicates the BHS opcode does not match the
	// variant being decoded.
	ErrOpcodeMismatch = errors.New("opcode mismatch")

	// ErrHeaderDigest indicates the received header digest does not
	// match the computed CRC32C (RFC 3720 Section 10.2.3).
	ErrHeaderDigest = errors.New("header digest mismatch")

	// ErrDataDigest indicates the received data digest does not match
	// the computed CRC32C (RFC 3720 Section 10.2.3).
	ErrDataDigest = errors.New("data digest mismatch")

	// ErrDataTooLong indicates the data segment exceeds the 24-bit
	// DataSegmentLength field.
	ErrDataTooLong = errors.New("data segment exceeds 24-bit length field")

	// ErrReservedStage indicates a login stage value of 2, which is
	// reserved (RFC 3720 Section 10.12.3).
	ErrReservedStage = errors.New("reserved login stage")
)

// -------------------------------------------------------------------------
// BHS — common accessors
// -------------------------------------------------------------------------

// BHS is a fixed 48-byte Basic Header Segment.
type BHS [BHSSize]byte

// Opcode returns the PDU opcode from byte 0, with the I bit masked off.
func (b *BHS) Opcode() Opcode {
	return Opcode(b[0] & opcodeMask)
}

// DataSegmentLength returns the 24-bit big-endian data segment length
// from bytes 5-7 (RFC 3720 Section 10.2.1.11).
func (b *BHS) DataSegmentLength() int {
	return int(b[5])<<16 | int(b[6])<<8 | int(b[7])
}

// SetDataSegmentLength writes the 24-bit big-endian data segment length
// into bytes 5-7. Values above MaxDataSegmentLength are rejected.
func (b *BHS) SetDataSegmentLength(n int) error {
	if n < 0 || n > MaxDataSegmentLength {
		return fmt.Errorf("data segment length %d: %w", n, ErrDataTooLong)
	}
	b[5] = uint8(n >> 16)
	b[6] = uint8(n >> 8)
	b[7] = uint8(n)

	return nil
}

// PaddedLen returns n rounded up to the 4-byte data segment alignment.
func PaddedLen(n int) int {
	return (n + dataPadding - 1) &^ (dataPadding - 1)
}

// -------------------------------------------------------------------------
// LoginRequest — RFC 3720 Section 10.12
// -------------------------------------------------------------------------

// LoginRequest is the Login Request BHS (opcode 0x03).
//
// Wire format (RFC 3720 Section 10.12):
//
//	Byte 0:      0x40 | 0x03 (immediate Login Request)
//	Byte 1:      T | C | 0 0 | CSG(2) | NSG(2)
//	Byte 2:      Version-max
//	Byte 3:      Version-min
//	Byte 4:      TotalAHSLength (0 on the control path)
//	Bytes 5-7:   DataSegmentLength
//	Bytes 8-13:  ISID
//	Bytes 14-15: TSIH (0 on a leading login)
//	Bytes 16-19: Initiator Task Tag
//	Bytes 20-21: CID
//	Bytes 24-27: CmdSN
//	Bytes 28-31: ExpStatSN
type LoginRequest struct {
	// Transit requests a transition from CSG to NSG
	// (RFC 3720 Section 10.12.2).
	Transit bool

	// Continue indicates the text in this request is incomplete and
	// more Login Requests follow (RFC 3720 Section 10.12.2).
	Continue bool

	// CSG is the current login stage (RFC 3720 Section 10.12.3).
	CSG LoginStage

	// NSG is the next login stage requested when Transit is set.
	NSG LoginStage

	// ISID is the initiator-assigned session identifier component
	// (RFC 3720 Section 10.12.5).
	ISID [6]byte

	// TSIH is the target session identifying handle: zero on a leading
	// login, the target-assigned value afterwards
	// (RFC 3720 Section 10.12.6).
	TSIH uint16

	// InitiatorTaskTag tags this login exchange
	// (RFC 3720 Section 10.12.7).
	InitiatorTaskTag uint32

	// CID is the connection ID within the session
	// (RFC 3720 Section 10.12.8).
	CID uint16

	// CmdSN is the command sequence number (RFC 3720 Section 10.12.9).
	CmdSN uint32

	// ExpStatSN is the next expected target StatSN
	// (RFC 3720 Section 10.12.10).
	ExpStatSN uint32
}

// Marshal serializes the Login Request into a BHS. The
// DataSegmentLength field is left zero; the framing layer fills it in.
func (r *LoginRequest) Marshal() BHS {
	var b BHS
	b[0] = immediateBit | uint8(OpLoginReq)
	b[1] = loginFlags(r.Transit, r.Continue, r.CSG, r.NSG)
	b[2] = VersionMax
	b[3] = VersionMin
	copy(b[8:14], r.ISID[:])
	binary.BigEndian.PutUint16(b[14:16], r.TSIH)
	binary.BigEndian.PutUint32(b[16:20], r.InitiatorTaskTag)
	binary.BigEndian.PutUint16(b[20:22], r.CID)
	binary.BigEndian.PutUint32(b[24:28], r.CmdSN)
	binary.BigEndian.PutUint32(b[28:32], r.ExpStatSN)

	return b
}

// ParseLoginRequest decodes a Login Request BHS.
func ParseLoginRequest(b BHS) (LoginRequest, error) {
	if b.Opcode() != OpLoginReq {
		return LoginRequest{}, fmt.Errorf("parse login request: opcode %#x: %w",
			uint8(b.Opcode()), ErrOpcodeMismatch)
	}

	transit, cont, csg, nsg, err := parseLoginFlags(b[1])
	if err != nil {
		return LoginRequest{}, fmt.Errorf("parse login request: %w", err)
	}

	req := LoginRequest{
		Transit:          transit,
		Continue:         cont,
		CSG:              csg,
		NSG:              nsg,
		TSIH:             binary.BigEndian.Uint16(b[14:16]),
		InitiatorTaskTag: binary.BigEndian.Uint32(b[16:20]),
		CID:              binary.BigEndian.Uint16(b[20:22]),
		CmdSN:            binary.BigEndian.Uint32(b[24:28]),
		ExpStatSN:        binary.BigEndian.Uint32(b[28:32]),
	}
	copy(req.ISID[:], b[8:14])

	return req, nil
}

// -------------------------------------------------------------------------
// LoginResponse — RFC 3720 Section 10.13
// -------------------------------------------------------------------------

// LoginResponse is the Login Response BHS (opcode 0x23).
type LoginResponse struct {
	// Transit mirrors the request's Transit bit when the target agrees
	// to the stage transition (RFC 3720 Section 10.13.1).
	Transit bool

	// Continue indicates the text response spans further Login
	// Responses (RFC 3720 Section 10.13.2).
	Continue bool

	// CSG is the current stage echoed by the target.
	CSG LoginStage

	// NSG is the next stage granted when Transit is set.
	NSG LoginStage

	// ISID echoes the initiator session ID.
	ISID [6]byte

	// TSIH is the target-assigned session handle; on the final leading
	// login response this is the session's TSIH
	// (RFC 3720 Section 10.13.3).
	TSIH uint16

	// InitiatorTaskTag echoes the request tag.
	InitiatorTaskTag uint32

	// StatSN is the target status sequence number
	// (RFC 3720 Section 10.13.4).
	StatSN uint32

	// ExpCmdSN and MaxCmdSN window the command sequence numbers.
	ExpCmdSN uint32
	MaxCmdSN uint32

	// StatusClass and StatusDetail report the login outcome
	// (RFC 3720 Section 10.13.5: 0x00/0x00 is success).
	StatusClass  uint8
	StatusDetail uint8
}

// Marshal serializes the Login Response into a BHS (used by test
// fixtures acting as a target).
func (r *LoginResponse) Marshal() BHS {
	var b BHS
	b[0] = uint8(OpLoginRsp)
	b[1] = loginFlags(r.Transit, r.Continue, r.CSG, r.NSG)
	b[2] = VersionMax
	b[3] = VersionMin
	copy(b[8:14], r.ISID[:])
	binary.BigEndian.PutUint16(b[14:16], r.TSIH)
	binary.BigEndian.PutUint32(b[16:20], r.InitiatorTaskTag)
	binary.BigEndian.PutUint32(b[24:28], r.StatSN)
	binary.BigEndian.PutUint32(b[28:32], r.ExpCmdSN)
	binary.BigEndian.PutUint32(b[32:36], r.MaxCmdSN)
	b[36] = r.StatusClass
	b[37] = r.StatusDetail

	return b
}

// ParseLoginResponse decodes a Login Response BHS.
func ParseLoginResponse(b BHS) (LoginResponse, error) {
	if b.Opcode() != OpLoginRsp {
		return LoginResponse{}, fmt.Errorf("parse login response: opcode %#x: %w",
			uint8(b.Opcode()), ErrOpcodeMismatch)
	}

	transit, cont, csg, nsg, err := parseLoginFlags(b[1])
	if err != nil {
		return LoginResponse{}, fmt.Errorf("parse login response: %w", err)
	}

	rsp := LoginResponse{
		Transit:          transit,
		Continue:         cont,
		CSG:              csg,
		NSG:              nsg,
		TSIH:             binary.BigEndian.Uint16(b[14:16]),
		InitiatorTaskTag: binary.BigEndian.Uint32(b[16:20]),
		StatSN:           binary.BigEndian.Uint32(b[24:28]),
		ExpCmdSN:         binary.BigEndian.Uint32(b[28:32]),
		MaxCmdSN:         binary.BigEndian.Uint32(b[32:36]),
		StatusClass:      b[36],
		StatusDetail:     b[37],
	}
	copy(rsp.ISID[:], b[8:14])

	return rsp, nil
}

// Status combines the status class and detail into the single value
// used throughout the engine: (class << 8) | detail.
func (r *LoginResponse) Status() uint16 {
	return uint16(r.StatusClass)<<8 | uint16(r.StatusDetail)
}

// loginFlags assembles the login flags byte.
func loginFlags(transit, cont bool, csg, nsg LoginStage) uint8 {
	var f uint8
	if transit {
		f |= loginTransitFlag
	}
	if cont {
		f |= loginContinueFlag
	}
	f |= (uint8(csg) & loginStageMask) << loginCSGShift
	// RFC 3720 Section 10.12.3: NSG is reserved (zero) unless T is set.
	if transit {
		f |= uint8(nsg) & loginStageMask
	}

	return f
}

// parseLoginFlags splits the login flags byte, rejecting the reserved
// stage value 2.
func parseLoginFlags(f uint8) (transit, cont bool, csg, nsg LoginStage, err error) {
	transit = f&loginTransitFlag != 0
	cont = f&loginContinueFlag != 0
	csg = LoginStage(f >> loginCSGShift & loginStageMask)
	nsg = LoginStage(f & loginStageMask)

	if csg == 2 || (transit && nsg == 2) {
		return false, false, 0, 0, ErrReservedStage
	}

	return transit, cont, csg, nsg, nil
}

// -------------------------------------------------------------------------
// LogoutRequest — RFC 3720 Section 10.14
// -------------------------------------------------------------------------

// LogoutRequest is the Logout Request BHS (opcode 0x06).
type LogoutRequest struct {
	// Reason selects session close, connection close, or connection
	// removal for recovery (RFC 3720 Section 10.14.1).
	Reason LogoutReason

	// InitiatorTaskTag tags this logout exchange.
	InitiatorTaskTag uint32

	// CID is the connection being closed; ignored for CloseSession.
	CID uint16

	// CmdSN and ExpStatSN sequence the request.
	CmdSN     uint32
	ExpStatSN uint32
}

// Marshal serializes the Logout Request into a BHS.
func (r *LogoutRequest) Marshal() BHS {
	var b BHS
	b[0] = immediateBit | uint8(OpLogoutReq)
	b[1] = logoutReasonFlag | uint8(r.Reason)
	binary.BigEndian.PutUint32(b[16:20], r.InitiatorTaskTag)
	binary.BigEndian.PutUint16(b[20:22], r.CID)
	binary.BigEndian.PutUint32(b[24:28], r.CmdSN)
	binary.BigEndian.PutUint32(b[28:32], r.ExpStatSN)

	return b
}

// ParseLogoutRequest decodes a Logout Request BHS.
func ParseLogoutRequest(b BHS) (LogoutRequest, error) {
	if b.Opcode() != OpLogoutReq {
		return LogoutRequest{}, fmt.Errorf("parse logout request: opcode %#x: %w",
			uint8(b.Opcode()), ErrOpcodeMismatch)
	}

	return LogoutRequest{
		Reason:           LogoutReason(b[1] &^ logoutReasonFlag),
		InitiatorTaskTag: binary.BigEndian.Uint32(b[16:20]),
		CID:              binary.BigEndian.Uint16(b[20:22]),
		CmdSN:            binary.BigEndian.Uint32(b[24:28]),
		ExpStatSN:        binary.BigEndian.Uint32(b[28:32]),
	}, nil
}

// -------------------------------------------------------------------------
// LogoutResponse — RFC 3720 Section 10.15
// -------------------------------------------------------------------------

// LogoutResponse is the Logout Response BHS (opcode 0x26).
type LogoutResponse struct {
	// Response reports the logout outcome (RFC 3720 Section 10.15.1).
	Response LogoutResponseCode

	// InitiatorTaskTag echoes the request tag.
	InitiatorTaskTag uint32

	// StatSN, ExpCmdSN, MaxCmdSN sequence the response.
	StatSN   uint32
	ExpCmdSN uint32
	MaxCmdSN uint32

	// Time2Wait and Time2Retain report the reconnection window in
	// seconds (RFC 3720 Sections 10.15.2, 10.15.3).
	Time2Wait   uint16
	Time2Retain uint16
}

// Marshal serializes the Logout Response into a BHS (test fixtures).
func (r *LogoutResponse) Marshal() BHS {
	var b BHS
	b[0] = uint8(OpLogoutRsp)
	b[1] = 0x80 // Final bit: logout responses are always final.
	b[2] = uint8(r.Response)
	binary.BigEndian.PutUint32(b[16:20], r.InitiatorTaskTag)
	binary.BigEndian.PutUint32(b[24:28], r.StatSN)
	binary.BigEndian.PutUint32(b[28:32], r.ExpCmdSN)
	binary.BigEndian.PutUint32(b[32:36], r.MaxCmdSN)
	binary.BigEndian.PutUint16(b[40:42], r.Time2Wait)
	binary.BigEndian.PutUint16(b[42:44], r.Time2Retain)

	return b
}

// ParseLogoutResponse decodes a Logout Response BHS.
func ParseLogoutResponse(b BHS) (LogoutResponse, error) {
	if b.Opcode() != OpLogoutRsp {
		return LogoutResponse{}, fmt.Errorf("parse logout response: opcode %#x: %w",
			uint8(b.Opcode()), ErrOpcodeMismatch)
	}

	return LogoutResponse{
		Response:         LogoutResponseCode(b[2]),
		InitiatorTaskTag: binary.BigEndian.Uint32(b[16:20]),
		StatSN:           binary.BigEndian.Uint32(b[24:28]),
		ExpCmdSN:         binary.BigEndian.Uint32(b[28:32]),
		MaxCmdSN:         binary.BigEndian.Uint32(b[32:36]),
		Time2Wait:        binary.BigEndian.Uint16(b[40:42]),
		Time2Retain:      binary.BigEndian.Uint16(b[42:44]),
	}, nil
}

// -------------------------------------------------------------------------
// TextRequest — RFC 3720 Section 10.10
// -------------------------------------------------------------------------

// TextRequest is the Text Request BHS (opcode 0x04).
type TextRequest struct {
	// Final marks the last request of a text sequence
	// (RFC 3720 Section 10.10.1).
	Final bool

	// Continue indicates more request text follows
	// (RFC 3720 Section 10.10.2).
	Continue bool

	// InitiatorTaskTag tags the text exchange.
	InitiatorTaskTag uint32

	// TargetTransferTag is ReservedTargetTransferTag on initiator
	// requests unless continuing a target-driven exchange
	// (RFC 3720 Section 10.10.3).
	TargetTransferTag uint32

	// CmdSN and ExpStatSN sequence the request.
	CmdSN     uint32
	ExpStatSN uint32
}

// Marshal serializes the Text Request into a BHS.
func (r *TextRequest) Marshal() BHS {
	var b BHS
	b[0] = immediateBit | uint8(OpTextReq)
	b[1] = textFlags(r.Final, r.Continue)
	binary.BigEndian.PutUint32(b[16:20], r.InitiatorTaskTag)
	binary.BigEndian.PutUint32(b[20:24], r.TargetTransferTag)
	binary.BigEndian.PutUint32(b[24:28], r.CmdSN)
	binary.BigEndian.PutUint32(b[28:32], r.ExpStatSN)

	return b
}

// ParseTextRequest decodes a Text Request BHS.
func ParseTextRequest(b BHS) (TextRequest, error) {
	if b.Opcode() != OpTextReq {
		return TextRequest{}, fmt.Errorf("parse text request: opcode %#x: %w",
			uint8(b.Opcode()), ErrOpcodeMismatch)
	}

	return TextRequest{
		Final:             b[1]&textFinalFlag != 0,
		Continue:          b[1]&textContinueFlag != 0,
		InitiatorTaskTag:  binary.BigEndian.Uint32(b[16:20]),
		TargetTransferTag: binary.BigEndian.Uint32(b[20:24]),
		CmdSN:             binary.BigEndian.Uint32(b[24:28]),
		ExpStatSN:         binary.BigEndian.Uint32(b[28:32]),
	}, nil
}

// -------------------------------------------------------------------------
// TextResponse — RFC 3720 Section 10.11
// -------------------------------------------------------------------------

// TextResponse is the Text Response BHS (opcode 0x24).
type TextResponse struct {
	// Final marks the last response of the text sequence.
	Final bool

	// Continue indicates more response text follows in further Text
	// Responses (RFC 3720 Section 10.11.2).
	Continue bool

	// InitiatorTaskTag echoes the request tag.
	InitiatorTaskTag uint32

	// TargetTransferTag is set by the target when Continue is set.
	TargetTransferTag uint32

	// StatSN, ExpCmdSN, MaxCmdSN sequence the response.
	StatSN   uint32
	ExpCmdSN uint32
	MaxCmdSN uint32
}

// Marshal serializes the Text Response into a BHS (test fixtures).
func (r *TextResponse) Marshal() BHS {
	var b BHS
	b[0] = uint8(OpTextRsp)
	b[1] = textFlags(r.Final, r.Continue)
	binary.BigEndian.PutUint32(b[16:20], r.InitiatorTaskTag)
	binary.BigEndian.PutUint32(b[20:24], r.TargetTransferTag)
	binary.BigEndian.PutUint32(b[24:28], r.StatSN)
	binary.BigEndian.PutUint32(b[28:32], r.ExpCmdSN)
	binary.BigEndian.PutUint32(b[32:36], r.MaxCmdSN)

	return b
}

// ParseTextResponse decodes a Text Response BHS.
func ParseTextResponse(b BHS) (TextResponse, error) {
	if b.Opcode() != OpTextRsp {
		return TextResponse{}, fmt.Errorf("parse text response: opcode %#x: %w",
			uint8(b.Opcode()), ErrOpcodeMismatch)
	}

	return TextResponse{
		Final:             b[1]&textFinalFlag != 0,
		Continue:          b[1]&textContinueFlag != 0,
		InitiatorTaskTag:  binary.BigEndian.Uint32(b[16:20]),
		TargetTransferTag: binary.BigEndian.Uint32(b[20:24]),
		StatSN:            binary.BigEndian.Uint32(b[24:28]),
		ExpCmdSN:          binary.BigEndian.Uint32(b[28:32]),
		MaxCmdSN:          binary.BigEndian.Uint32(b[32:36]),
	}, nil
}

// textFlags assembles the text flags byte.
func textFlags(final, cont bool) uint8 {
	var f uint8
	if final {
		f |= textFinalFlag
	}
	if cont {
		f |= textContinueFlag
	}

	return f
}

// -------------------------------------------------------------------------
// Reject — RFC 3720 Section 10.17
// -------------------------------------------------------------------------

// Reject is the Reject BHS (opcode 0x3F). The data segment carries the
// header of the rejected PDU.
type Reject struct {
	// Reason is the reject reason code (RFC 3720 Section 10.17.1).
	Reason uint8

	// StatSN, ExpCmdSN, MaxCmdSN sequence the response.
	StatSN   uint32
	ExpCmdSN uint32
	MaxCmdSN uint32
}

// Marshal serializes the Reject into a BHS (test fixtures).
func (r *Reject) Marshal() BHS {
	var b BHS
	b[0] = uint8(OpReject)
	b[1] = 0x80
	b[2] = r.Reason
	binary.BigEndian.PutUint32(b[24:28], r.StatSN)
	binary.BigEndian.PutUint32(b[28:32], r.ExpCmdSN)
	binary.BigEndian.PutUint32(b[32:36], r.MaxCmdSN)

	return b
}

// ParseReject decodes a Reject BHS.
func ParseReject(b BHS) (Reject, error) {
	if b.Opcode() != OpReject {
		return Reject{}, fmt.Errorf("parse reject: opcode %#x: %w",
			uint8(b.Opcode()), ErrOpcodeMismatch)
	}

	return Reject{
		Reason:   b[2],
		StatSN:   binary.BigEndian.Uint32(b[24:28]),
		ExpCmdSN: binary.BigEndian.Uint32(b[28:32]),
		MaxCmdSN: binary.BigEndian.Uint32(b[32:36]),
	}, nil
}

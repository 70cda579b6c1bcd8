package iscsi

// This file carries the synchronous login round-trip machinery shared
// by the authenticator and the operational negotiator. Login is
// strictly request/response during the login phase (RFC 3720
// Section 5.3), so a blocking exchange bounded by the connection
// deadline is sufficient.

import (
	"crypto/rand"
	"fmt"

	"github.com/goiscsi/iscsid/internal/pdu"
)

// maxLoginRounds bounds any login stage against a target that never
// sets Transit.
const maxLoginRounds = 16

// isidPrefix sets the ISID type bits to the random format for locally
// assigned identifiers (RFC 3720 Section 10.12.5: T=10b random qualifier).
const isidPrefix = 0x80

// NewISID draws a random ISID with the locally-assigned format bits.
func NewISID() ([6]byte, error) {
	var isid [6]byte
	if _, err := rand.Read(isid[:]); err != nil {
		return isid, fmt.Errorf("generate ISID: %w", err)
	}
	isid[0] = isidPrefix

	return isid, nil
}

// loginConn tracks the sequencing state of one connection's login
// exchange.
type loginConn struct {
	transport Transport
	sid       SessionID
	cid       ConnectionID

	isid  [6]byte
	tsih  uint16
	cid16 uint16

	itt       uint32
	cmdSN     uint32
	expStatSN uint32
}

// roundTrip sends one Login Request carrying pairs and collects the
// full (possibly continued) Login Response text. The returned map
// accumulates every key the target sent.
func (lc *loginConn) roundTrip(
	csg, nsg pdu.LoginStage,
	transit bool,
	pairs []pdu.Pair,
) (pdu.LoginResponse, map[string]string, error) {
	rsp, text, err := lc.exchange(csg, nsg, transit, false, pdu.MarshalText(pairs))
	if err != nil {
		return pdu.LoginResponse{}, nil, err
	}

	// RFC 3720 Section 10.13.2: while the target sets Continue, the
	// initiator requests the rest with empty text.
	rounds := 0
	for rsp.Continue {
		if rounds++; rounds > maxLoginRounds {
			return pdu.LoginResponse{}, nil, fmt.Errorf(
				"login text continuation did not terminate: %w", ErrUnsupportedParameter)
		}
		var next pdu.LoginResponse
		var more []byte
		next, more, err = lc.exchange(csg, nsg, false, false, nil)
		if err != nil {
			return pdu.LoginResponse{}, nil, err
		}
		text = append(text, more...)
		rsp = next
	}

	keys, err := pdu.UnmarshalText(text)
	if err != nil {
		return pdu.LoginResponse{}, nil, fmt.Errorf("login response text: %w: %w",
			ErrUnsupportedParameter, err)
	}

	return rsp, keys, nil
}

// exchange performs a single Login Request / Login Response PDU pair.
func (lc *loginConn) exchange(
	csg, nsg pdu.LoginStage,
	transit, cont bool,
	text []byte,
) (pdu.LoginResponse, []byte, error) {
	req := pdu.LoginRequest{
		Transit:          transit,
		Continue:         cont,
		CSG:              csg,
		NSG:              nsg,
		ISID:             lc.isid,
		TSIH:             lc.tsih,
		InitiatorTaskTag: lc.itt,
		CID:              lc.cid16,
		CmdSN:            lc.cmdSN,
		ExpStatSN:        lc.expStatSN,
	}

	if err := lc.transport.Send(lc.sid, lc.cid, req.Marshal(), text); err != nil {
		return pdu.LoginResponse{}, nil, err
	}

	bhs, data, err := lc.transport.Recv(lc.sid, lc.cid)
	if err != nil {
		return pdu.LoginResponse{}, nil, err
	}

	// A Reject during login aborts the whole exchange.
	if bhs.Opcode() == pdu.OpReject {
		rej, _ := pdu.ParseReject(bhs)
		return pdu.LoginResponse{}, nil, fmt.Errorf(
			"login rejected by target (reason %#02x): %w", rej.Reason, ErrUnsupportedParameter)
	}

	rsp, err := pdu.ParseLoginResponse(bhs)
	if err != nil {
		return pdu.LoginResponse{}, nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	lc.expStatSN = rsp.StatSN + 1

	return rsp, data, nil
}

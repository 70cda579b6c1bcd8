package iscsi_test

// In-process fake target and transport for driving the manager through
// complete login, logout, and discovery exchanges without sockets. The
// fake target implements just enough of the target side of RFC 3720 to
// answer the initiator's control PDUs.

import (
	"context"
	"crypto/md5" //nolint:gosec // G501: the fake target verifies RFC 1994 CHAP
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/pdu"
)

// fakeTarget scripts the target side of the control exchanges.
type fakeTarget struct {
	mu sync.Mutex

	// method is the AuthMethod the target answers with.
	method string

	// tpgt is the TargetPortalGroupTag sent on normal-session logins;
	// empty omits the key.
	tpgt string

	// tsih is assigned on the final operational response.
	tsih uint16

	// CHAP state: the challenge the target issues and the credentials
	// it expects back.
	chapID        byte
	chapChallenge []byte
	chapUser      string
	chapSecret    string

	// Mutual CHAP: the name and secret the target uses to answer the
	// initiator's challenge.
	mutualName   string
	mutualSecret string

	// failStatus, when nonzero, is returned on the first security
	// response as (class<<8)|detail.
	failStatus uint16

	// negotiateAnswers overrides echoed operational keys.
	negotiateAnswers map[string]string

	// sendTargets is the SendTargets response text; textChunk splits
	// it into multiple Text Responses when > 0.
	sendTargets []byte
	textChunk   int
	textOffset  int

	// Recorded observations for assertions.
	lastLogoutReason pdu.LogoutReason
	sawValidCHAP     bool

	statSN uint32
}

// handle answers one initiator PDU.
func (ft *fakeTarget) handle(bhs pdu.BHS, data []byte) (pdu.BHS, []byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	switch bhs.Opcode() {
	case pdu.OpLoginReq:
		return ft.handleLogin(bhs, data)
	case pdu.OpLogoutReq:
		return ft.handleLogout(bhs)
	case pdu.OpTextReq:
		return ft.handleText(bhs)
	default:
		return pdu.BHS{}, nil, fmt.Errorf("fake target: unexpected opcode %s", bhs.Opcode())
	}
}

func (ft *fakeTarget) handleLogin(bhs pdu.BHS, data []byte) (pdu.BHS, []byte, error) {
	req, err := pdu.ParseLoginRequest(bhs)
	if err != nil {
		return pdu.BHS{}, nil, err
	}
	keys, err := pdu.UnmarshalText(data)
	if err != nil {
		return pdu.BHS{}, nil, err
	}

	rsp := pdu.LoginResponse{
		CSG:              req.CSG,
		ISID:             req.ISID,
		TSIH:             req.TSIH,
		InitiatorTaskTag: req.InitiatorTaskTag,
		StatSN:           ft.nextStatSN(),
		ExpCmdSN:         req.CmdSN,
		MaxCmdSN:         req.CmdSN + 16,
	}

	switch {
	case keys[pdu.KeyAuthMethod] != "":
		if ft.failStatus != 0 {
			rsp.StatusClass = uint8(ft.failStatus >> 8)
			rsp.StatusDetail = uint8(ft.failStatus)
			return rsp.Marshal(), nil, nil
		}
		var reply []pdu.Pair
		reply = append(reply, pdu.Pair{Key: pdu.KeyAuthMethod, Value: ft.method})
		if keys[pdu.KeySessionType] == pdu.ValSessionTypeNormal && ft.tpgt != "" {
			reply = append(reply, pdu.Pair{Key: pdu.KeyTargetPortalGroupTag, Value: ft.tpgt})
		}
		if req.Transit && ft.method == pdu.ValAuthMethodNone {
			rsp.Transit = true
			rsp.NSG = req.NSG
		}
		return rsp.Marshal(), pdu.MarshalText(reply), nil

	case keys[pdu.KeyCHAPAlgorithm] != "":
		reply := []pdu.Pair{
			{Key: pdu.KeyCHAPAlgorithm, Value: pdu.ValCHAPAlgMD5},
			{Key: pdu.KeyCHAPID, Value: strconv.Itoa(int(ft.chapID))},
			{Key: pdu.KeyCHAPChallenge, Value: "0x" + hex.EncodeToString(ft.chapChallenge)},
		}
		return rsp.Marshal(), pdu.MarshalText(reply), nil

	case keys[pdu.KeyCHAPResponse] != "":
		expected := chapDigest(ft.chapID, ft.chapSecret, ft.chapChallenge)
		got := strings.TrimPrefix(strings.ToLower(keys[pdu.KeyCHAPResponse]), "0x")
		if keys[pdu.KeyCHAPName] != ft.chapUser || got != expected {
			rsp.StatusClass = 0x02
			rsp.StatusDetail = 0x01
			return rsp.Marshal(), nil, nil
		}
		ft.sawValidCHAP = true

		var reply []pdu.Pair
		if keys[pdu.KeyCHAPChallenge] != "" {
			// Mutual round: answer the initiator's challenge.
			id, _ := strconv.Atoi(keys[pdu.KeyCHAPID])
			challenge, derr := hex.DecodeString(
				strings.TrimPrefix(strings.ToLower(keys[pdu.KeyCHAPChallenge]), "0x"))
			if derr != nil {
				return pdu.BHS{}, nil, derr
			}
			reply = append(reply,
				pdu.Pair{Key: pdu.KeyCHAPName, Value: ft.mutualName},
				pdu.Pair{Key: pdu.KeyCHAPResponse, Value: "0x" + chapDigest(byte(id), ft.mutualSecret, challenge)},
			)
		}
		rsp.Transit = req.Transit
		rsp.NSG = req.NSG
		return rsp.Marshal(), pdu.MarshalText(reply), nil

	case req.CSG == pdu.StageOperationalNegotiation:
		reply := make([]pdu.Pair, 0, len(keys))
		for k, v := range keys {
			if override, ok := ft.negotiateAnswers[k]; ok {
				v = override
			}
			reply = append(reply, pdu.Pair{Key: k, Value: v})
		}
		rsp.Transit = true
		rsp.NSG = pdu.StageFullFeaturePhase
		rsp.TSIH = ft.tsih
		return rsp.Marshal(), pdu.MarshalText(reply), nil

	default:
		return pdu.BHS{}, nil, fmt.Errorf("fake target: unhandled login round: %v", keys)
	}
}

func (ft *fakeTarget) handleLogout(bhs pdu.BHS) (pdu.BHS, []byte, error) {
	req, err := pdu.ParseLogoutRequest(bhs)
	if err != nil {
		return pdu.BHS{}, nil, err
	}
	ft.lastLogoutReason = req.Reason

	rsp := pdu.LogoutResponse{
		Response:         pdu.LogoutSuccess,
		InitiatorTaskTag: req.InitiatorTaskTag,
		StatSN:           ft.nextStatSN(),
		Time2Wait:        2,
		Time2Retain:      20,
	}
	return rsp.Marshal(), nil, nil
}

func (ft *fakeTarget) handleText(bhs pdu.BHS) (pdu.BHS, []byte, error) {
	req, err := pdu.ParseTextRequest(bhs)
	if err != nil {
		return pdu.BHS{}, nil, err
	}

	payload := ft.sendTargets[ft.textOffset:]
	cont := false
	if ft.textChunk > 0 && len(payload) > ft.textChunk {
		payload = payload[:ft.textChunk]
		cont = true
	}
	ft.textOffset += len(payload)
	if !cont {
		ft.textOffset = 0
	}

	rsp := pdu.TextResponse{
		Final:             !cont,
		Continue:          cont,
		InitiatorTaskTag:  req.InitiatorTaskTag,
		TargetTransferTag: 0x1000,
		StatSN:            ft.nextStatSN(),
		ExpCmdSN:          req.CmdSN,
		MaxCmdSN:          req.CmdSN + 16,
	}
	if !cont {
		rsp.TargetTransferTag = pdu.ReservedTargetTransferTag
	}
	return rsp.Marshal(), payload, nil
}

func (ft *fakeTarget) nextStatSN() uint32 {
	ft.statSN++
	return ft.statSN
}

// chapDigest computes the lowercase hex MD5(id || secret || challenge).
func chapDigest(id byte, secret string, challenge []byte) string {
	h := md5.New() //nolint:gosec // G401: MD5 is the CHAP digest
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	return hex.EncodeToString(h.Sum(nil))
}

// -------------------------------------------------------------------------
// fakeTransport — Transport backed by the fake target
// -------------------------------------------------------------------------

type fakeConn struct {
	queue   [][2]any // [pdu.BHS, []byte]
	active  bool
	digests pdu.Digests
}

type fakeSession struct {
	conns  map[iscsi.ConnectionID]*fakeConn
	nextID iscsi.ConnectionID
}

type fakeTransport struct {
	mu       sync.Mutex
	target   *fakeTarget
	sessions map[iscsi.SessionID]*fakeSession
	nextSID  iscsi.SessionID
}

var _ iscsi.Transport = (*fakeTransport)(nil)

func newFakeTransport(target *fakeTarget) *fakeTransport {
	return &fakeTransport{
		target:   target,
		sessions: make(map[iscsi.SessionID]*fakeSession),
	}
}

func (t *fakeTransport) AllocateSession(_ context.Context) (iscsi.SessionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sid := t.nextSID
	t.nextSID++
	t.sessions[sid] = &fakeSession{conns: make(map[iscsi.ConnectionID]*fakeConn)}
	return sid, nil
}

func (t *fakeTransport) ReleaseSession(sid iscsi.SessionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sid]; !ok {
		return fmt.Errorf("release session %d: %w", sid, iscsi.ErrNoDevice)
	}
	delete(t.sessions, sid)
	return nil
}

func (t *fakeTransport) CreateConnection(_ context.Context, sid iscsi.SessionID, _, _ *net.TCPAddr, _ string) (iscsi.ConnectionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sid]
	if !ok {
		return iscsi.ConnectionIDInvalid, fmt.Errorf("session %d: %w", sid, iscsi.ErrNoDevice)
	}
	cid := sess.nextID
	sess.nextID++
	sess.conns[cid] = &fakeConn{}
	return cid, nil
}

func (t *fakeTransport) ReleaseConnection(sid iscsi.SessionID, cid iscsi.ConnectionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sid]
	if !ok {
		return fmt.Errorf("session %d: %w", sid, iscsi.ErrNoDevice)
	}
	delete(sess.conns, cid)
	return nil
}

func (t *fakeTransport) Send(sid iscsi.SessionID, cid iscsi.ConnectionID, bhs pdu.BHS, data []byte) error {
	c, err := t.lookup(sid, cid)
	if err != nil {
		return err
	}

	rspBHS, rspData, err := t.target.handle(bhs, data)
	if err != nil {
		return fmt.Errorf("%w: %w", iscsi.ErrIO, err)
	}

	t.mu.Lock()
	c.queue = append(c.queue, [2]any{rspBHS, rspData})
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Recv(sid iscsi.SessionID, cid iscsi.ConnectionID) (pdu.BHS, []byte, error) {
	c, err := t.lookup(sid, cid)
	if err != nil {
		return pdu.BHS{}, nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(c.queue) == 0 {
		return pdu.BHS{}, nil, fmt.Errorf("recv with empty queue: %w", iscsi.ErrIO)
	}
	entry := c.queue[0]
	c.queue = c.queue[1:]

	bhs := entry[0].(pdu.BHS)
	data, _ := entry[1].([]byte)
	return bhs, data, nil
}

func (t *fakeTransport) SetDigests(sid iscsi.SessionID, cid iscsi.ConnectionID, d pdu.Digests) error {
	c, err := t.lookup(sid, cid)
	if err != nil {
		return err
	}
	t.mu.Lock()
	c.digests = d
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SetDeadline(sid iscsi.SessionID, cid iscsi.ConnectionID, _ time.Time) error {
	_, err := t.lookup(sid, cid)
	return err
}

func (t *fakeTransport) Activate(sid iscsi.SessionID, cid iscsi.ConnectionID) error {
	c, err := t.lookup(sid, cid)
	if err != nil {
		return err
	}
	t.mu.Lock()
	c.active = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Deactivate(sid iscsi.SessionID, cid iscsi.ConnectionID) error {
	c, err := t.lookup(sid, cid)
	if err != nil {
		return err
	}
	t.mu.Lock()
	c.active = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Addresses(sid iscsi.SessionID, cid iscsi.ConnectionID) (string, string, error) {
	if _, err := t.lookup(sid, cid); err != nil {
		return "", "", err
	}
	return "10.0.0.2:40000", "10.0.0.1:3260", nil
}

func (t *fakeTransport) lookup(sid iscsi.SessionID, cid iscsi.ConnectionID) (*fakeConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sid, iscsi.ErrNoDevice)
	}
	c, ok := sess.conns[cid]
	if !ok {
		return nil, fmt.Errorf("connection %d/%d: %w", sid, cid, iscsi.ErrNoDevice)
	}
	return c, nil
}

func (t *fakeTransport) liveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

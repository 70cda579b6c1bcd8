package iscsi

// This file is the transport facade: the narrow surface the session
// manager uses to move control PDUs on a connection. This
// implementation has no kernel split -- it owns plain TCP sockets and
// the per-session/per-connection parameter records live directly on
// the manager's Session/Connection structs. Activation marks a
// connection as owned by the data path; control-plane I/O on an
// activated connection is refused until it is deactivated again.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goiscsi/iscsid/internal/pdu"
)

// Transport moves control PDUs for the session manager and owns the
// session/connection slot tables.
type Transport interface {
	// AllocateSession reserves a session slot.
	AllocateSession(ctx context.Context) (SessionID, error)

	// ReleaseSession frees a session slot and closes any remaining
	// connections.
	ReleaseSession(sid SessionID) error

	// CreateConnection dials the peer, optionally binding the local
	// address and device, and reserves a connection slot.
	CreateConnection(ctx context.Context, sid SessionID, peer, host *net.TCPAddr, hostIface string) (ConnectionID, error)

	// ReleaseConnection closes the socket and frees the slot.
	ReleaseConnection(sid SessionID, cid ConnectionID) error

	// Send writes one PDU, applying the connection's digests.
	Send(sid SessionID, cid ConnectionID, bhs pdu.BHS, data []byte) error

	// Recv reads one PDU, verifying the connection's digests.
	Recv(sid SessionID, cid ConnectionID) (pdu.BHS, []byte, error)

	// SetDigests installs the negotiated digest configuration.
	SetDigests(sid SessionID, cid ConnectionID, d pdu.Digests) error

	// SetDeadline bounds subsequent Send/Recv calls.
	SetDeadline(sid SessionID, cid ConnectionID, t time.Time) error

	// Activate hands the connection to the data path after login.
	Activate(sid SessionID, cid ConnectionID) error

	// Deactivate reclaims the connection for control PDUs.
	Deactivate(sid SessionID, cid ConnectionID) error

	// Addresses reports the connection's local and peer addresses.
	Addresses(sid SessionID, cid ConnectionID) (local, peer string, err error)
}

// maxSessions bounds the session slot table.
const maxSessions = 64

// Sentinel errors for the transport facade.
var (
	// ErrConnActive indicates a control-plane operation on a
	// connection currently owned by the data path.
	ErrConnActive = errors.New("connection is activated for the data path")
)

// tcpConn is one connection slot.
type tcpConn struct {
	sock    net.Conn
	digests pdu.Digests
	active  bool
}

// tcpSession is one session slot.
type tcpSession struct {
	conns  map[ConnectionID]*tcpConn
	nextID ConnectionID
}

// TCPTransport implements Transport over in-process TCP sockets.
type TCPTransport struct {
	mu       sync.Mutex
	sessions map[SessionID]*tcpSession
	nextSID  SessionID
}

// verify interface compliance at compile time.
var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport returns an empty transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{sessions: make(map[SessionID]*tcpSession)}
}

// AllocateSession reserves a session slot. Returns ErrBusy when the
// table is full. IDs are monotonic and reused only after release.
func (t *TCPTransport) AllocateSession(_ context.Context) (SessionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.sessions) >= maxSessions {
		return SessionIDInvalid, fmt.Errorf("allocate session: %w", ErrBusy)
	}

	for range maxSessions + 1 {
		sid := t.nextSID
		t.nextSID++
		if t.nextSID == SessionIDInvalid {
			t.nextSID = 0
		}
		if _, taken := t.sessions[sid]; !taken && sid != SessionIDInvalid {
			t.sessions[sid] = &tcpSession{conns: make(map[ConnectionID]*tcpConn)}
			return sid, nil
		}
	}

	return SessionIDInvalid, fmt.Errorf("allocate session: %w", ErrBusy)
}

// ReleaseSession closes all connections and frees the slot.
func (t *TCPTransport) ReleaseSession(sid SessionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[sid]
	if !ok {
		return fmt.Errorf("release session %d: %w", sid, ErrNoDevice)
	}
	for _, c := range sess.conns {
		_ = c.sock.Close()
	}
	delete(t.sessions, sid)

	return nil
}

// CreateConnection dials peer over TCP. When hostIface names a real
// interface the socket is bound to it (SO_BINDTODEVICE); host supplies
// the local address, or a family wildcard.
func (t *TCPTransport) CreateConnection(
	ctx context.Context,
	sid SessionID,
	peer, host *net.TCPAddr,
	hostIface string,
) (ConnectionID, error) {
	t.mu.Lock()
	sess, ok := t.sessions[sid]
	t.mu.Unlock()
	if !ok {
		return ConnectionIDInvalid, fmt.Errorf("create connection: session %d: %w", sid, ErrNoDevice)
	}

	dialer := net.Dialer{}
	if host != nil && !host.IP.IsUnspecified() {
		dialer.LocalAddr = host
	}
	if hostIface != "" && hostIface != DefaultHostInterface {
		dialer.Control = bindToDevice(hostIface)
	}

	sock, err := dialer.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		return ConnectionIDInvalid, fmt.Errorf("dial %s: %w: %w", peer, ErrIO, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	cid := sess.nextID
	sess.nextID++
	sess.conns[cid] = &tcpConn{sock: sock}

	return cid, nil
}

// bindToDevice returns a dialer control function that binds the socket
// to the named interface before connecting.
func bindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, raw syscall.RawConn) error {
		var bindErr error
		err := raw.Control(func(fd uintptr) {
			bindErr = unix.BindToDevice(int(fd), iface)
		})
		if err != nil {
			return err
		}
		return bindErr
	}
}

// ReleaseConnection closes the socket and frees the slot.
func (t *TCPTransport) ReleaseConnection(sid SessionID, cid ConnectionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.lookupLocked(sid, cid)
	if err != nil {
		return err
	}
	_ = c.sock.Close()
	delete(t.sessions[sid].conns, cid)

	return nil
}

// Send writes one framed PDU on the connection.
func (t *TCPTransport) Send(sid SessionID, cid ConnectionID, bhs pdu.BHS, data []byte) error {
	c, err := t.controlConn(sid, cid)
	if err != nil {
		return err
	}

	wire, err := pdu.Encode(bhs, data, c.digests)
	if err != nil {
		return err
	}
	if _, err := c.sock.Write(wire); err != nil {
		return wrapNetErr("send PDU", err)
	}

	return nil
}

// Recv reads one framed PDU from the connection.
func (t *TCPTransport) Recv(sid SessionID, cid ConnectionID) (pdu.BHS, []byte, error) {
	c, err := t.controlConn(sid, cid)
	if err != nil {
		return pdu.BHS{}, nil, err
	}

	bhs, data, err := pdu.Read(c.sock, c.digests)
	if err != nil {
		return pdu.BHS{}, nil, wrapNetErr("recv PDU", err)
	}

	return bhs, data, nil
}

// SetDigests installs the negotiated digest configuration.
func (t *TCPTransport) SetDigests(sid SessionID, cid ConnectionID, d pdu.Digests) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.lookupLocked(sid, cid)
	if err != nil {
		return err
	}
	c.digests = d

	return nil
}

// SetDeadline bounds subsequent socket I/O.
func (t *TCPTransport) SetDeadline(sid SessionID, cid ConnectionID, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.lookupLocked(sid, cid)
	if err != nil {
		return err
	}
	if err := c.sock.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w: %w", ErrIO, err)
	}

	return nil
}

// Activate hands the connection to the data path.
func (t *TCPTransport) Activate(sid SessionID, cid ConnectionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.lookupLocked(sid, cid)
	if err != nil {
		return err
	}
	c.active = true

	return nil
}

// Deactivate reclaims the connection for control PDUs.
func (t *TCPTransport) Deactivate(sid SessionID, cid ConnectionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.lookupLocked(sid, cid)
	if err != nil {
		return err
	}
	c.active = false

	return nil
}

// Addresses reports the connection's endpoint addresses.
func (t *TCPTransport) Addresses(sid SessionID, cid ConnectionID) (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.lookupLocked(sid, cid)
	if err != nil {
		return "", "", err
	}

	return c.sock.LocalAddr().String(), c.sock.RemoteAddr().String(), nil
}

// controlConn returns the connection if it is usable for control PDUs.
func (t *TCPTransport) controlConn(sid SessionID, cid ConnectionID) (*tcpConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.lookupLocked(sid, cid)
	if err != nil {
		return nil, err
	}
	if c.active {
		return nil, fmt.Errorf("connection %d/%d: %w", sid, cid, ErrConnActive)
	}

	return c, nil
}

// lookupLocked finds a connection slot. Caller holds t.mu.
func (t *TCPTransport) lookupLocked(sid SessionID, cid ConnectionID) (*tcpConn, error) {
	sess, ok := t.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sid, ErrNoDevice)
	}
	c, ok := sess.conns[cid]
	if !ok {
		return nil, fmt.Errorf("connection %d/%d: %w", sid, cid, ErrNoDevice)
	}

	return c, nil
}

// wrapNetErr translates socket errors into the engine taxonomy,
// preserving timeouts.
func wrapNetErr(op string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

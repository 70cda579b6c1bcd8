package iscsi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goiscsi/iscsid/internal/pdu"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

// Sentinel errors for Manager operations.
var (
	// ErrSessionNotFound indicates no session exists for the handle or
	// target.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConnectionNotFound indicates no connection exists for the
	// handle.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrDuplicateSession indicates a session already exists for the
	// target IQN; the engine allows at most one.
	ErrDuplicateSession = errors.New("session already exists for target")

	// ErrTooManyConnections indicates the session reached its
	// negotiated MaxConnections.
	ErrTooManyConnections = errors.New("session connection limit reached")
)

// defaultLoginTimeout bounds a full login, logout, or text exchange.
// The wire protocol gives no per-login timer; this is the engine's own
// bound (see DESIGN.md).
const defaultLoginTimeout = 30 * time.Second

// -------------------------------------------------------------------------
// MetricsSink — optional instrumentation hook
// -------------------------------------------------------------------------

// MetricsSink receives engine events. The prometheus collector in
// internal/metrics implements it; a nil sink disables instrumentation.
type MetricsSink interface {
	SessionOpened()
	SessionClosed()
	ConnectionOpened()
	ConnectionClosed()
	LoginResult(ok bool)
	LogoutResult(ok bool)
	AuthFailure()
}

// -------------------------------------------------------------------------
// Session and Connection records
// -------------------------------------------------------------------------

// Connection is one TCP connection within a session.
type Connection struct {
	id    ConnectionID
	cid16 uint16
	state ConnState

	portal Portal
	config ConnectionConfig

	// params holds the connection-scoped negotiated keys.
	params map[string]string

	// expStatSN is the next expected target StatSN, seeded from the
	// final login response.
	expStatSN uint32

	localAddr string
	peerAddr  string
}

// Session is one initiator-target association.
type Session struct {
	id     SessionID
	target Target
	isid   [6]byte
	tsih   uint16
	tpgt   uint16
	config SessionConfig

	// params holds the session-scoped negotiated keys.
	params map[string]string

	conns     map[ConnectionID]*Connection
	nextCID16 uint16
	cmdSN     uint32
	discovery bool
}

// maxConnections returns the negotiated connection limit.
func (s *Session) maxConnections() int {
	if v, ok := s.params[pdu.KeyMaxConnections]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return int(s.config.MaxConnections)
}

// lowestConn returns the connection with the lowest ID; session-scope
// PDUs are sent on it.
func (s *Session) lowestConn() *Connection {
	var best *Connection
	for _, c := range s.conns {
		if best == nil || c.id < best.id {
			best = c
		}
	}
	return best
}

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

// Manager owns every session and connection of the engine and drives
// their login, logout, and teardown flows.
type Manager struct {
	mu sync.Mutex

	logger    *slog.Logger
	transport Transport
	metrics   MetricsSink

	initiatorIQN   string
	initiatorAlias string
	loginTimeout   time.Duration

	sessions map[SessionID]*Session
	byIQN    map[string]SessionID
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics wires an instrumentation sink.
func WithManagerMetrics(sink MetricsSink) ManagerOption {
	return func(m *Manager) { m.metrics = sink }
}

// WithLoginTimeout overrides the per-exchange deadline.
func WithLoginTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.loginTimeout = d
		}
	}
}

// NewManager creates a Manager bound to a transport and the
// initiator's identity.
func NewManager(logger *slog.Logger, transport Transport, initiatorIQN, initiatorAlias string, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:         logger.With(slog.String("component", "session-manager")),
		transport:      transport,
		initiatorIQN:   initiatorIQN,
		initiatorAlias: initiatorAlias,
		loginTimeout:   defaultLoginTimeout,
		sessions:       make(map[SessionID]*Session),
		byIQN:          make(map[string]SessionID),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// -------------------------------------------------------------------------
// Portal resolution
// -------------------------------------------------------------------------

// ResolvePortal resolves a portal into peer and host TCP addresses.
// The peer is resolved over DNS with no family preference; the host is
// a wildcard of the peer's family, or the matching address of the
// named interface. A host interface with no address in the peer's
// family fails with ErrAddressFamilyNotSupported before any PDU is
// sent.
func ResolvePortal(ctx context.Context, p Portal) (*net.TCPAddr, *net.TCPAddr, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", p.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve port %q: %w: %w", p.Port, ErrInvalidArgument, err)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, p.Address)
	if err != nil || len(addrs) == 0 {
		return nil, nil, fmt.Errorf("resolve %q: %w: %w", p.Address, ErrIO, err)
	}
	peer := &net.TCPAddr{IP: addrs[0].IP, Port: port, Zone: addrs[0].Zone}

	host, err := hostAddrFor(peer, p.HostInterface)
	if err != nil {
		return nil, nil, err
	}

	return peer, host, nil
}

// hostAddrFor picks the local address for the connection.
func hostAddrFor(peer *net.TCPAddr, hostIface string) (*net.TCPAddr, error) {
	peerIs4 := peer.IP.To4() != nil

	if hostIface == "" || hostIface == DefaultHostInterface {
		if peerIs4 {
			return &net.TCPAddr{IP: net.IPv4zero}, nil
		}
		return &net.TCPAddr{IP: net.IPv6unspecified}, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w: %w", ErrIO, err)
	}

	for _, iface := range ifaces {
		if !strings.EqualFold(iface.Name, hostIface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("interface %s addresses: %w: %w", iface.Name, ErrIO, err)
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if (ipnet.IP.To4() != nil) == peerIs4 {
				return &net.TCPAddr{IP: ipnet.IP}, nil
			}
		}
		return nil, fmt.Errorf("interface %s has no %s address: %w",
			hostIface, familyName(peerIs4), ErrAddressFamilyNotSupported)
	}

	return nil, fmt.Errorf("interface %s not found: %w", hostIface, ErrAddressFamilyNotSupported)
}

// familyName names an address family for error messages.
func familyName(v4 bool) string {
	if v4 {
		return "IPv4"
	}
	return "IPv6"
}

// -------------------------------------------------------------------------
// Login flows
// -------------------------------------------------------------------------

// LoginSession performs a leading login: it resolves the portal,
// allocates session and connection slots, drives security and
// operational negotiation, and on success activates the connection for
// the data path (discovery sessions stay on the control path).
//
// On any local failure or non-success login status, every resource
// allocated for the attempt is released before returning.
func (m *Manager) LoginSession(
	ctx context.Context,
	target Target,
	portal Portal,
	auth Auth,
	sc SessionConfig,
	cc ConnectionConfig,
) (SessionID, ConnectionID, LoginStatus, error) {
	discovery := target.IsDiscovery()
	if !discovery {
		if err := target.Validate(); err != nil {
			return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus, err
		}
	}
	if err := auth.Validate(); err != nil {
		return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus, err
	}
	if err := sc.Validate(); err != nil {
		return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus, err
	}

	if !discovery {
		m.mu.Lock()
		_, exists := m.byIQN[target.IQN]
		m.mu.Unlock()
		if exists {
			return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus,
				fmt.Errorf("%w: %s", ErrDuplicateSession, target.IQN)
		}
	}

	peer, host, err := ResolvePortal(ctx, portal)
	if err != nil {
		return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus, err
	}

	sid, err := m.transport.AllocateSession(ctx)
	if err != nil {
		return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus, err
	}

	cid, err := m.transport.CreateConnection(ctx, sid, peer, host, portal.HostInterface)
	if err != nil {
		_ = m.transport.ReleaseSession(sid)
		return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus, err
	}

	isid, err := NewISID()
	if err != nil {
		_ = m.transport.ReleaseSession(sid)
		return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus, err
	}

	sess := &Session{
		id:        sid,
		target:    target,
		isid:      isid,
		config:    sc,
		params:    make(map[string]string),
		conns:     make(map[ConnectionID]*Connection),
		discovery: discovery,
	}
	conn := &Connection{id: cid, cid16: 0, state: ConnCreated, portal: portal, config: cc}
	sess.nextCID16 = 1

	status, err := m.loginConnection(ctx, sess, conn, auth, true)
	if err != nil || status != LoginSuccess {
		m.releaseAttempt(sid, target, portal, status, err)
		return SessionIDInvalid, ConnectionIDInvalid, status, err
	}

	if !discovery {
		if err := m.transport.Activate(sid, cid); err != nil {
			m.releaseAttempt(sid, target, portal, status, err)
			return SessionIDInvalid, ConnectionIDInvalid, LoginInvalidStatus, err
		}
	}

	sess.conns[cid] = conn

	m.mu.Lock()
	m.sessions[sid] = sess
	if !discovery {
		m.byIQN[target.IQN] = sid
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionOpened()
		m.metrics.ConnectionOpened()
		m.metrics.LoginResult(true)
	}
	m.logger.Info("session logged in",
		slog.String("target", targetLabel(target)),
		slog.String("portal", portal.String()),
		slog.Int("session_id", int(sid)),
		slog.Int("tsih", int(sess.tsih)),
	)

	return sid, cid, status, nil
}

// LoginConnection adds a connection to an existing session. Each new
// connection runs its own security and operational negotiation with
// the session's nonzero TSIH (RFC 3720 Section 5.3.1).
func (m *Manager) LoginConnection(
	ctx context.Context,
	sid SessionID,
	portal Portal,
	auth Auth,
	cc ConnectionConfig,
) (ConnectionID, LoginStatus, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return ConnectionIDInvalid, LoginInvalidStatus,
			fmt.Errorf("session %d: %w", sid, ErrSessionNotFound)
	}
	if len(sess.conns) >= sess.maxConnections() {
		m.mu.Unlock()
		return ConnectionIDInvalid, LoginInvalidStatus,
			fmt.Errorf("session %d at %d connections: %w",
				sid, len(sess.conns), ErrTooManyConnections)
	}
	m.mu.Unlock()

	peer, host, err := ResolvePortal(ctx, portal)
	if err != nil {
		return ConnectionIDInvalid, LoginInvalidStatus, err
	}

	cid, err := m.transport.CreateConnection(ctx, sid, peer, host, portal.HostInterface)
	if err != nil {
		return ConnectionIDInvalid, LoginInvalidStatus, err
	}

	conn := &Connection{id: cid, state: ConnCreated, portal: portal, config: cc}
	m.mu.Lock()
	conn.cid16 = sess.nextCID16
	sess.nextCID16++
	m.mu.Unlock()

	status, err := m.loginConnection(ctx, sess, conn, auth, false)
	if err != nil || status != LoginSuccess {
		_ = m.transport.ReleaseConnection(sid, cid)
		if m.metrics != nil {
			m.metrics.LoginResult(false)
		}
		return ConnectionIDInvalid, status, err
	}

	if err := m.transport.Activate(sid, cid); err != nil {
		_ = m.transport.ReleaseConnection(sid, cid)
		return ConnectionIDInvalid, LoginInvalidStatus, err
	}

	m.mu.Lock()
	sess.conns[cid] = conn
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionOpened()
		m.metrics.LoginResult(true)
	}

	return cid, status, nil
}

// advance moves a connection through the login state machine. An
// invalid transition indicates a sequencing bug and is logged rather
// than applied.
func (m *Manager) advance(conn *Connection, event ConnEvent) {
	next, ok := NextConnState(conn.state, event)
	if !ok {
		m.logger.Warn("invalid connection state transition",
			slog.String("state", conn.state.String()),
			slog.String("event", event.String()),
		)
		return
	}
	conn.state = next
}

// loginConnection drives one connection through security and
// operational negotiation. The caller owns slot cleanup on failure.
func (m *Manager) loginConnection(
	ctx context.Context,
	sess *Session,
	conn *Connection,
	auth Auth,
	leading bool,
) (LoginStatus, error) {
	deadline := time.Now().Add(m.loginTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.transport.SetDeadline(sess.id, conn.id, deadline); err != nil {
		return LoginInvalidStatus, err
	}

	lc := &loginConn{
		transport: m.transport,
		sid:       sess.id,
		cid:       conn.id,
		isid:      sess.isid,
		tsih:      sess.tsih,
		cid16:     conn.cid16,
		cmdSN:     sess.cmdSN,
	}

	m.advance(conn, EventAuthStart)
	res, err := authenticate(lc, sess.target, m.initiatorIQN, m.initiatorAlias, auth, leading, sess.tpgt)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) && m.metrics != nil {
			m.metrics.AuthFailure()
		}
		m.advance(conn, EventFail)
		return LoginInvalidStatus, err
	}
	if status := LoginStatusFromWire(res.rsp.Status()); status != LoginSuccess {
		m.advance(conn, EventFail)
		return status, nil
	}

	m.advance(conn, EventAuthOK)
	negotiated, rsp, err := negotiateOperational(lc, sess.discovery, sess.config, conn.config)
	if err != nil {
		m.advance(conn, EventFail)
		return LoginInvalidStatus, err
	}
	if status := LoginStatusFromWire(rsp.Status()); status != LoginSuccess {
		m.advance(conn, EventFail)
		return status, nil
	}

	// Record the outcome: TSIH and portal group tag on the leading
	// login, split the negotiated keys by scope, and install digests.
	if leading {
		sess.tsih = rsp.TSIH
		if !sess.discovery {
			sess.tpgt = res.tpgt
			sess.config.TargetPortalGroupTag = res.tpgt
		}
	}

	conn.params = make(map[string]string)
	for k, v := range negotiated {
		if connectionScopedKeys[k] {
			conn.params[k] = v
		} else {
			sess.params[k] = v
		}
	}
	conn.expStatSN = lc.expStatSN
	sess.cmdSN = lc.cmdSN

	digests := pdu.Digests{
		Header: conn.params[pdu.KeyHeaderDigest] == pdu.ValDigestCRC32C,
		Data:   conn.params[pdu.KeyDataDigest] == pdu.ValDigestCRC32C,
	}
	if err := m.transport.SetDigests(sess.id, conn.id, digests); err != nil {
		m.advance(conn, EventFail)
		return LoginInvalidStatus, err
	}
	if err := m.transport.SetDeadline(sess.id, conn.id, time.Time{}); err != nil {
		m.advance(conn, EventFail)
		return LoginInvalidStatus, err
	}

	m.advance(conn, EventNegotiateOK)
	return LoginSuccess, nil
}

// releaseAttempt tears down a failed leading login and logs it.
func (m *Manager) releaseAttempt(sid SessionID, target Target, portal Portal, status LoginStatus, err error) {
	_ = m.transport.ReleaseSession(sid)
	if m.metrics != nil {
		m.metrics.LoginResult(false)
	}
	m.logger.Warn("login failed",
		slog.String("target", targetLabel(target)),
		slog.String("portal", portal.String()),
		slog.String("status", status.String()),
		slog.Any("error", err),
	)
}

// targetLabel names a target for log output.
func targetLabel(t Target) string {
	if t.IsDiscovery() {
		return "<discovery>"
	}
	return t.IQN
}

// -------------------------------------------------------------------------
// Logout flows
// -------------------------------------------------------------------------

// LogoutSession closes the session: a CloseSession logout on the
// lowest-ID connection, then teardown of every connection and the
// session slot.
func (m *Manager) LogoutSession(ctx context.Context, sid SessionID) (LogoutStatus, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sid]
	m.mu.Unlock()
	if !ok {
		return LogoutInvalidStatus, fmt.Errorf("session %d: %w", sid, ErrSessionNotFound)
	}

	conn := sess.lowestConn()
	if conn == nil {
		m.destroySession(sess)
		return LogoutSuccess, nil
	}

	status, err := m.logoutExchange(ctx, sess, conn, pdu.LogoutCloseSession, conn.cid16)

	// The session is gone regardless of the target's answer.
	m.destroySession(sess)
	if m.metrics != nil {
		m.metrics.LogoutResult(err == nil && status == LogoutSuccess)
	}
	m.logger.Info("session logged out",
		slog.String("target", targetLabel(sess.target)),
		slog.String("status", status.String()),
	)

	return status, err
}

// LogoutConnection closes one connection. Closing the last connection
// of a session is promoted to a session logout.
func (m *Manager) LogoutConnection(ctx context.Context, sid SessionID, cid ConnectionID) (LogoutStatus, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return LogoutInvalidStatus, fmt.Errorf("session %d: %w", sid, ErrSessionNotFound)
	}
	conn, ok := sess.conns[cid]
	last := len(sess.conns) == 1
	m.mu.Unlock()
	if !ok {
		return LogoutInvalidStatus, fmt.Errorf("connection %d/%d: %w", sid, cid, ErrConnectionNotFound)
	}

	if last {
		return m.LogoutSession(ctx, sid)
	}

	status, err := m.logoutExchange(ctx, sess, conn, pdu.LogoutCloseConnection, conn.cid16)

	_ = m.transport.ReleaseConnection(sid, cid)
	m.mu.Lock()
	delete(sess.conns, cid)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ConnectionClosed()
		m.metrics.LogoutResult(err == nil && status == LogoutSuccess)
	}

	return status, err
}

// logoutExchange performs the Logout Request/Response pair on conn.
func (m *Manager) logoutExchange(
	ctx context.Context,
	sess *Session,
	conn *Connection,
	reason pdu.LogoutReason,
	closeCID uint16,
) (LogoutStatus, error) {
	m.advance(conn, EventLogoutStart)

	// Reclaim the connection from the data path for the exchange.
	if err := m.transport.Deactivate(sess.id, conn.id); err != nil {
		return LogoutInvalidStatus, err
	}

	deadline := time.Now().Add(m.loginTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.transport.SetDeadline(sess.id, conn.id, deadline); err != nil {
		return LogoutInvalidStatus, err
	}

	req := pdu.LogoutRequest{
		Reason:           reason,
		InitiatorTaskTag: sess.cmdSN,
		CID:              closeCID,
		CmdSN:            sess.cmdSN,
		ExpStatSN:        conn.expStatSN,
	}
	if err := m.transport.Send(sess.id, conn.id, req.Marshal(), nil); err != nil {
		return LogoutInvalidStatus, err
	}

	bhs, _, err := m.transport.Recv(sess.id, conn.id)
	if err != nil {
		return LogoutInvalidStatus, err
	}
	rsp, err := pdu.ParseLogoutResponse(bhs)
	if err != nil {
		return LogoutInvalidStatus, fmt.Errorf("%w: %w", ErrIO, err)
	}

	conn.expStatSN = rsp.StatSN + 1
	m.advance(conn, EventLogoutDone)

	return LogoutStatusFromWire(uint8(rsp.Response)), nil
}

// destroySession removes the session from every table and releases
// the transport slots.
func (m *Manager) destroySession(sess *Session) {
	_ = m.transport.ReleaseSession(sess.id)

	m.mu.Lock()
	nconns := len(sess.conns)
	delete(m.sessions, sess.id)
	if !sess.discovery {
		delete(m.byIQN, sess.target.IQN)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionClosed()
		for range nconns {
			m.metrics.ConnectionClosed()
		}
	}
}

// -------------------------------------------------------------------------
// Text commands (discovery support)
// -------------------------------------------------------------------------

// TextCommand sends a final Text Request on the connection and
// collects the complete (possibly multi-PDU) response text.
func (m *Manager) TextCommand(ctx context.Context, sid SessionID, cid ConnectionID, pairs []pdu.Pair) ([]byte, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %d: %w", sid, ErrSessionNotFound)
	}
	conn, ok := sess.conns[cid]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connection %d/%d: %w", sid, cid, ErrConnectionNotFound)
	}

	deadline := time.Now().Add(m.loginTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.transport.SetDeadline(sid, cid, deadline); err != nil {
		return nil, err
	}

	ttt := pdu.ReservedTargetTransferTag
	data := pdu.MarshalText(pairs)
	var text []byte

	for round := 0; ; round++ {
		if round > maxLoginRounds {
			return nil, fmt.Errorf("text response did not terminate: %w", ErrIO)
		}

		req := pdu.TextRequest{
			Final:             true,
			InitiatorTaskTag:  sess.cmdSN,
			TargetTransferTag: ttt,
			CmdSN:             sess.cmdSN,
			ExpStatSN:         conn.expStatSN,
		}
		if err := m.transport.Send(sid, cid, req.Marshal(), data); err != nil {
			return nil, err
		}

		bhs, payload, err := m.transport.Recv(sid, cid)
		if err != nil {
			return nil, err
		}
		if bhs.Opcode() == pdu.OpReject {
			rej, _ := pdu.ParseReject(bhs)
			return nil, fmt.Errorf("text command rejected (reason %#02x): %w",
				rej.Reason, ErrUnsupportedParameter)
		}
		rsp, err := pdu.ParseTextResponse(bhs)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}

		conn.expStatSN = rsp.StatSN + 1
		text = append(text, payload...)

		if !rsp.Continue {
			break
		}
		// RFC 3720 Section 10.10.2: continue the exchange with the
		// target's transfer tag and no further keys.
		ttt = rsp.TargetTransferTag
		data = nil
	}

	sess.cmdSN++

	return text, nil
}

// -------------------------------------------------------------------------
// Interrogation
// -------------------------------------------------------------------------

// QueryTargetForAuthMethod opens a transient security-stage session
// offering every RFC 3720 method and reports the target's choice.
func (m *Manager) QueryTargetForAuthMethod(ctx context.Context, portal Portal, target Target) (string, LoginStatus, error) {
	if err := target.Validate(); err != nil {
		return "", LoginInvalidStatus, err
	}

	peer, host, err := ResolvePortal(ctx, portal)
	if err != nil {
		return "", LoginInvalidStatus, err
	}

	sid, err := m.transport.AllocateSession(ctx)
	if err != nil {
		return "", LoginInvalidStatus, err
	}
	defer func() { _ = m.transport.ReleaseSession(sid) }()

	cid, err := m.transport.CreateConnection(ctx, sid, peer, host, portal.HostInterface)
	if err != nil {
		return "", LoginInvalidStatus, err
	}

	if err := m.transport.SetDeadline(sid, cid, time.Now().Add(m.loginTimeout)); err != nil {
		return "", LoginInvalidStatus, err
	}

	isid, err := NewISID()
	if err != nil {
		return "", LoginInvalidStatus, err
	}

	lc := &loginConn{transport: m.transport, sid: sid, cid: cid, isid: isid}
	method, rsp, err := probeAuthMethod(lc, target, m.initiatorIQN, m.initiatorAlias)
	if err != nil {
		return "", LoginInvalidStatus, err
	}

	return method, LoginStatusFromWire(rsp.Status()), nil
}

// -------------------------------------------------------------------------
// Queries and snapshots
// -------------------------------------------------------------------------

// SessionForTarget returns the session handle for a target IQN.
func (m *Manager) SessionForTarget(iqn string) (SessionID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byIQN[iqn]
	return sid, ok
}

// ActiveTargets lists the targets with a live session, sorted by IQN.
func (m *Manager) ActiveTargets() []Target {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Target, 0, len(m.byIQN))
	for iqn := range m.byIQN {
		out = append(out, Target{IQN: iqn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IQN < out[j].IQN })

	return out
}

// ActivePortalsForTarget lists the portals of a target's live
// connections in connection-ID order.
func (m *Manager) ActivePortalsForTarget(iqn string) []Portal {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.byIQN[iqn]
	if !ok {
		return nil
	}
	sess := m.sessions[sid]

	conns := make([]*Connection, 0, len(sess.conns))
	for _, c := range sess.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })

	out := make([]Portal, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.portal)
	}

	return out
}

// IsTargetActive reports whether a session exists for the target.
func (m *Manager) IsTargetActive(iqn string) bool {
	_, ok := m.SessionForTarget(iqn)
	return ok
}

// IsPortalActive reports whether any live connection uses the portal.
func (m *Manager) IsPortalActive(p Portal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		for _, c := range sess.conns {
			if strings.EqualFold(c.portal.Address, p.Address) && c.portal.Port == p.Port {
				return true
			}
		}
	}

	return false
}

// ConnectionForPortal finds the connection of a session that uses the
// given portal.
func (m *Manager) ConnectionForPortal(sid SessionID, p Portal) (ConnectionID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sid]
	if !ok {
		return ConnectionIDInvalid, false
	}
	for _, c := range sess.conns {
		if strings.EqualFold(c.portal.Address, p.Address) && c.portal.Port == p.Port {
			return c.id, true
		}
	}

	return ConnectionIDInvalid, false
}

// SessionProperties returns the session's negotiated parameters keyed
// by RFC 3720 key names, plus the session identifiers.
func (m *Manager) SessionProperties(sid SessionID) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sid, ErrSessionNotFound)
	}

	out := make(map[string]string, len(sess.params)+4)
	for k, v := range sess.params {
		out[k] = v
	}
	out[pdu.KeyTargetName] = sess.target.IQN
	out[pdu.KeyTargetPortalGroupTag] = strconv.Itoa(int(sess.tpgt))
	out["TSIH"] = strconv.Itoa(int(sess.tsih))
	out["SessionId"] = strconv.Itoa(int(sess.id))

	return out, nil
}

// ConnectionProperties returns a connection's negotiated parameters.
func (m *Manager) ConnectionProperties(sid SessionID, cid ConnectionID) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sid, ErrSessionNotFound)
	}
	conn, ok := sess.conns[cid]
	if !ok {
		return nil, fmt.Errorf("connection %d/%d: %w", sid, cid, ErrConnectionNotFound)
	}

	out := make(map[string]string, len(conn.params)+2)
	for k, v := range conn.params {
		out[k] = v
	}
	out["ConnectionId"] = strconv.Itoa(int(conn.id))
	out["Portal"] = conn.portal.String()

	return out, nil
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// -------------------------------------------------------------------------
// Bulk operations
// -------------------------------------------------------------------------

// QuiesceAll reclaims every connection from the data path; used when
// the system prepares for sleep.
func (m *Manager) QuiesceAll() {
	m.mu.Lock()
	type pair struct {
		sid SessionID
		cid ConnectionID
	}
	var pairs []pair
	for sid, sess := range m.sessions {
		for cid := range sess.conns {
			pairs = append(pairs, pair{sid: sid, cid: cid})
		}
	}
	m.mu.Unlock()

	for _, p := range pairs {
		if err := m.transport.Deactivate(p.sid, p.cid); err != nil {
			m.logger.Warn("quiesce connection",
				slog.Int("session_id", int(p.sid)),
				slog.Any("error", err),
			)
		}
	}
}

// LogoutAll logs out every session, best effort. Used at daemon
// shutdown.
func (m *Manager) LogoutAll(ctx context.Context) {
	m.mu.Lock()
	sids := make([]SessionID, 0, len(m.sessions))
	for sid := range m.sessions {
		sids = append(sids, sid)
	}
	m.mu.Unlock()

	for _, sid := range sids {
		if _, err := m.LogoutSession(ctx, sid); err != nil {
			m.logger.Warn("logout at shutdown",
				slog.Int("session_id", int(sid)),
				slog.Any("error", err),
			)
		}
	}
}

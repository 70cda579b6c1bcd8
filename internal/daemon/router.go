// Package daemon implements the long-running coordinator: the request
// router on the local client socket, the periodic discovery scheduler,
// and the system power handler.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/goiscsi/iscsid/internal/ipc"
	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/keychain"
	"github.com/goiscsi/iscsid/internal/store"
)

// clientIOTimeout bounds response writes so a dead client cannot hang
// its handler on a write. Command reads carry no deadline: neither the
// wait for the next command header nor the read of its payloads is
// bounded.
const clientIOTimeout = 250 * time.Millisecond

// Server accepts client connections on the daemon socket and
// dispatches their commands to the engine. One request is in flight
// per client connection; different clients are served concurrently.
type Server struct {
	logger     *slog.Logger
	manager    *iscsi.Manager
	discoverer *iscsi.Discoverer
	store      *store.Store
	keychain   keychain.Keychain
	scheduler  *Scheduler

	initiatorIQN string
}

// NewServer wires the router to its collaborators.
func NewServer(
	logger *slog.Logger,
	manager *iscsi.Manager,
	discoverer *iscsi.Discoverer,
	st *store.Store,
	kc keychain.Keychain,
	scheduler *Scheduler,
	initiatorIQN string,
) *Server {
	return &Server{
		logger:       logger.With(slog.String("component", "router")),
		manager:      manager,
		discoverer:   discoverer,
		store:        st,
		keychain:     kc,
		scheduler:    scheduler,
		initiatorIQN: initiatorIQN,
	}
}

// Serve accepts clients until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept client: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveClient(ctx, conn)
		}()
	}
}

// serveClient runs one client's command loop to completion.
func (s *Server) serveClient(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		hdr, payloads, err := ipc.ReadCommand(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("client read", slog.Any("error", err))
			}
			return
		}

		rsp, payload, closeConn := s.dispatch(ctx, hdr, payloads)

		_ = conn.SetWriteDeadline(time.Now().Add(clientIOTimeout))
		if err := ipc.WriteResponse(conn, rsp, payload); err != nil {
			s.logger.Debug("client write", slog.Any("error", err))
			return
		}
		_ = conn.SetWriteDeadline(time.Time{})

		if closeConn {
			return
		}
	}
}

// dispatch routes one command. The returned bool asks the caller to
// close the client connection afterwards.
func (s *Server) dispatch(ctx context.Context, hdr ipc.CommandHeader, payloads [][]byte) (ipc.ResponseHeader, []byte, bool) {
	s.logger.Debug("command", slog.String("func", hdr.Func.String()))

	rsp := ipc.ResponseHeader{Func: uint8(hdr.Func)}

	var payload []byte
	var err error
	closeConn := false

	switch hdr.Func {
	case ipc.FuncLogin:
		err = s.handleLogin(ctx, payloads, &rsp)
	case ipc.FuncLogout:
		err = s.handleLogout(ctx, payloads, &rsp)
	case ipc.FuncActiveTargets:
		payload, err = iscsi.MarshalTargets(s.manager.ActiveTargets())
	case ipc.FuncActivePortals:
		payload, err = s.handleActivePortals(payloads)
	case ipc.FuncIsTargetActive:
		err = s.handleIsTargetActive(payloads, &rsp)
	case ipc.FuncIsPortalActive:
		err = s.handleIsPortalActive(payloads, &rsp)
	case ipc.FuncQueryAuthMethod:
		payload, err = s.handleQueryAuthMethod(ctx, payloads, &rsp)
	case ipc.FuncQueryTargets:
		payload, err = s.handleQueryTargets(ctx, payloads)
	case ipc.FuncSessionProperties:
		payload, err = s.handleSessionProperties(payloads)
	case ipc.FuncConnectionProperties:
		payload, err = s.handleConnectionProperties(payloads)
	case ipc.FuncUpdateDiscovery:
		err = s.handleUpdateDiscovery()
	case ipc.FuncShutdown:
		closeConn = true
	default:
		err = fmt.Errorf("%w: %w: %d", iscsi.ErrInvalidArgument, ipc.ErrUnknownFunc, uint16(hdr.Func))
	}

	if err != nil {
		rsp.ErrorCode = iscsi.Errno(err)
		s.logger.Warn("command failed",
			slog.String("func", hdr.Func.String()),
			slog.String("error", err.Error()),
		)
		payload = nil
	}
	rsp.DataLength = uint32(len(payload))

	return rsp, payload, closeConn
}

// payloadAt returns the nth payload or nil.
func payloadAt(payloads [][]byte, n int) []byte {
	if n >= len(payloads) {
		return nil
	}
	return payloads[n]
}

// decodeTargetPortal decodes the target (+ optional portal) payload
// pair shared by Login and Logout.
func decodeTargetPortal(payloads [][]byte) (iscsi.Target, *iscsi.Portal, error) {
	tb := payloadAt(payloads, 0)
	if tb == nil {
		return iscsi.Target{}, nil, fmt.Errorf("missing target payload: %w", iscsi.ErrInvalidArgument)
	}
	target, err := iscsi.UnmarshalTarget(tb)
	if err != nil {
		return iscsi.Target{}, nil, err
	}

	pb := payloadAt(payloads, 1)
	if pb == nil {
		return target, nil, nil
	}
	portal, err := iscsi.UnmarshalPortal(pb)
	if err != nil {
		return iscsi.Target{}, nil, err
	}

	return target, &portal, nil
}

// authForTarget assembles the login credentials from the store and the
// keychain.
func (s *Server) authForTarget(iqn string) iscsi.Auth {
	if s.store.AuthMethod(iqn) != "CHAP" {
		return iscsi.AuthNone()
	}

	secret, err := s.keychain.CHAPSecretForNode(iqn)
	if err != nil {
		s.logger.Warn("no CHAP secret for target", slog.String("target", iqn))
		return iscsi.AuthNone()
	}
	auth := iscsi.AuthCHAP(s.store.CHAPUser(iqn), secret)

	if mutualUser := s.store.MutualCHAPUser(iqn); mutualUser != "" {
		mutualSecret, err := s.keychain.CHAPSecretForNode(s.initiatorIQN)
		if err != nil {
			s.logger.Warn("no mutual CHAP secret for initiator")
		} else {
			auth.InitiatorUser = mutualUser
			auth.InitiatorSecret = mutualSecret
		}
	}

	return auth
}

// handleLogin logs in one connection (target+portal) or every known
// portal of the target (target only).
func (s *Server) handleLogin(ctx context.Context, payloads [][]byte, rsp *ipc.ResponseHeader) error {
	target, portal, err := decodeTargetPortal(payloads)
	if err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	auth := s.authForTarget(target.IQN)
	sc := s.store.SessionConfig(target.IQN)
	cc := s.store.ConnectionConfig(target.IQN)

	portals := []iscsi.Portal{}
	if portal != nil {
		portals = append(portals, *portal)
	} else {
		portals = s.store.PortalsForTarget(target.IQN)
		if len(portals) == 0 {
			return fmt.Errorf("no portals configured for %s: %w",
				target.IQN, iscsi.ErrInvalidArgument)
		}
	}

	var status iscsi.LoginStatus
	for _, p := range portals {
		if sid, ok := s.manager.SessionForTarget(target.IQN); ok {
			var cid iscsi.ConnectionID
			cid, status, err = s.manager.LoginConnection(ctx, sid, p, auth, cc)
			if errors.Is(err, iscsi.ErrTooManyConnections) {
				// The session reached its negotiated limit; the
				// remaining portals stay unused.
				err = nil
				break
			}
			if err != nil {
				return err
			}
			rsp.Field1 = uint32(sid)
			rsp.Field2 = uint32(cid)
		} else {
			var sid iscsi.SessionID
			var cid iscsi.ConnectionID
			sid, cid, status, err = s.manager.LoginSession(ctx, target, p, auth, sc, cc)
			if err != nil {
				return err
			}
			rsp.Field1 = uint32(sid)
			rsp.Field2 = uint32(cid)
		}
		if status != iscsi.LoginSuccess {
			break
		}
	}
	rsp.StatusCode = uint16(status)

	return nil
}

// handleLogout logs out a session (target only) or one connection
// (target + portal; the last connection promotes to session logout in
// the manager).
func (s *Server) handleLogout(ctx context.Context, payloads [][]byte, rsp *ipc.ResponseHeader) error {
	target, portal, err := decodeTargetPortal(payloads)
	if err != nil {
		return err
	}

	sid, ok := s.manager.SessionForTarget(target.IQN)
	if !ok {
		return fmt.Errorf("%s: %w", target.IQN, iscsi.ErrNoDevice)
	}

	var status iscsi.LogoutStatus
	if portal == nil {
		status, err = s.manager.LogoutSession(ctx, sid)
	} else {
		cid, found := s.manager.ConnectionForPortal(sid, *portal)
		if !found {
			return fmt.Errorf("no connection to %s: %w", portal.String(), iscsi.ErrNoDevice)
		}
		status, err = s.manager.LogoutConnection(ctx, sid, cid)
	}
	if err != nil {
		return err
	}
	rsp.StatusCode = uint16(status)
	rsp.Field1 = uint32(sid)

	return nil
}

func (s *Server) handleActivePortals(payloads [][]byte) ([]byte, error) {
	target, _, err := decodeTargetPortal(payloads)
	if err != nil {
		return nil, err
	}
	return iscsi.MarshalPortals(s.manager.ActivePortalsForTarget(target.IQN))
}

func (s *Server) handleIsTargetActive(payloads [][]byte, rsp *ipc.ResponseHeader) error {
	target, _, err := decodeTargetPortal(payloads)
	if err != nil {
		return err
	}
	if s.manager.IsTargetActive(target.IQN) {
		rsp.Field1 = 1
	}
	return nil
}

func (s *Server) handleIsPortalActive(payloads [][]byte, rsp *ipc.ResponseHeader) error {
	pb := payloadAt(payloads, 0)
	if pb == nil {
		return fmt.Errorf("missing portal payload: %w", iscsi.ErrInvalidArgument)
	}
	portal, err := iscsi.UnmarshalPortal(pb)
	if err != nil {
		return err
	}
	if s.manager.IsPortalActive(portal) {
		rsp.Field1 = 1
	}
	return nil
}

func (s *Server) handleQueryAuthMethod(ctx context.Context, payloads [][]byte, rsp *ipc.ResponseHeader) ([]byte, error) {
	target, portal, err := decodeTargetPortal(payloads)
	if err != nil {
		return nil, err
	}
	if portal == nil {
		return nil, fmt.Errorf("missing portal payload: %w", iscsi.ErrInvalidArgument)
	}

	method, status, err := s.manager.QueryTargetForAuthMethod(ctx, *portal, target)
	if err != nil {
		return nil, err
	}
	rsp.StatusCode = uint16(status)

	return iscsi.MarshalStringDict(map[string]string{"AuthMethod": method})
}

func (s *Server) handleQueryTargets(ctx context.Context, payloads [][]byte) ([]byte, error) {
	pb := payloadAt(payloads, 0)
	if pb == nil {
		return nil, fmt.Errorf("missing portal payload: %w", iscsi.ErrInvalidArgument)
	}
	portal, err := iscsi.UnmarshalPortal(pb)
	if err != nil {
		return nil, err
	}

	auth := iscsi.AuthNone()
	if ab := payloadAt(payloads, 1); ab != nil {
		auth, err = iscsi.UnmarshalAuth(ab)
		if err != nil {
			return nil, err
		}
	}

	record, _, err := s.discoverer.QueryPortalForTargets(ctx, portal, auth)
	if err != nil {
		return nil, err
	}

	return record.MarshalBytes()
}

func (s *Server) handleSessionProperties(payloads [][]byte) ([]byte, error) {
	target, _, err := decodeTargetPortal(payloads)
	if err != nil {
		return nil, err
	}
	sid, ok := s.manager.SessionForTarget(target.IQN)
	if !ok {
		return nil, fmt.Errorf("%s: %w", target.IQN, iscsi.ErrNoDevice)
	}
	props, err := s.manager.SessionProperties(sid)
	if err != nil {
		return nil, err
	}
	return iscsi.MarshalStringDict(props)
}

func (s *Server) handleConnectionProperties(payloads [][]byte) ([]byte, error) {
	target, portal, err := decodeTargetPortal(payloads)
	if err != nil {
		return nil, err
	}
	if portal == nil {
		return nil, fmt.Errorf("missing portal payload: %w", iscsi.ErrInvalidArgument)
	}
	sid, ok := s.manager.SessionForTarget(target.IQN)
	if !ok {
		return nil, fmt.Errorf("%s: %w", target.IQN, iscsi.ErrNoDevice)
	}
	cid, found := s.manager.ConnectionForPortal(sid, *portal)
	if !found {
		return nil, fmt.Errorf("no connection to %s: %w", portal.String(), iscsi.ErrNoDevice)
	}
	props, err := s.manager.ConnectionProperties(sid, cid)
	if err != nil {
		return nil, err
	}
	return iscsi.MarshalStringDict(props)
}

// AutoLogin logs in every target the store marks auto_login. Called
// once at daemon start; failures are logged and skipped.
func (s *Server) AutoLogin(ctx context.Context) {
	for _, iqn := range s.store.Targets() {
		if !s.store.AutoLogin(iqn) {
			continue
		}

		var rsp ipc.ResponseHeader
		tb, err := iscsi.Target{IQN: iqn}.MarshalBytes()
		if err != nil {
			continue
		}
		if err := s.handleLogin(ctx, [][]byte{tb}, &rsp); err != nil {
			s.logger.Warn("auto-login failed",
				slog.String("target", iqn),
				slog.Any("error", err),
			)
			continue
		}
		s.logger.Info("auto-login",
			slog.String("target", iqn),
			slog.String("status", iscsi.LoginStatusFromWire(rsp.StatusCode).String()),
		)
	}
}

// handleUpdateDiscovery re-reads the store and re-arms the discovery
// timer.
func (s *Server) handleUpdateDiscovery() error {
	if err := s.store.Synchronize(); err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Rearm()
	}
	return nil
}

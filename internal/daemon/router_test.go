package daemon_test

// End-to-end daemon tests: a real Server on a unix socket, the real
// session manager and TCP transport, and a scripted TCP target that
// accepts unauthenticated logins.

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goiscsi/iscsid/internal/daemon"
	"github.com/goiscsi/iscsid/internal/ipc"
	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/keychain"
	"github.com/goiscsi/iscsid/internal/pdu"
	"github.com/goiscsi/iscsid/internal/store"
)

const testTargetIQN = "iqn.2015-01.com.example:tgt0"

// tcpTarget is a minimal scripted iSCSI target over real TCP. It
// accepts AuthMethod=None logins, echoes operational keys, answers
// logouts, and serves a fixed SendTargets response.
type tcpTarget struct {
	ln          net.Listener
	tsih        uint16
	tpgt        string
	sendTargets []byte

	wg sync.WaitGroup
}

func startTCPTarget(t *testing.T) *tcpTarget {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tt := &tcpTarget{ln: ln, tsih: 0x0101, tpgt: "1"}

	tt.wg.Add(1)
	go func() {
		defer tt.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			tt.wg.Add(1)
			go func() {
				defer tt.wg.Done()
				tt.serve(conn)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		tt.wg.Wait()
	})

	return tt
}

// port returns the target's TCP port as a string.
func (tt *tcpTarget) port() string {
	return strconv.Itoa(tt.ln.Addr().(*net.TCPAddr).Port)
}

// portal returns a Portal pointing at the target.
func (tt *tcpTarget) portal() iscsi.Portal {
	return iscsi.Portal{
		Address:       "127.0.0.1",
		Port:          tt.port(),
		HostInterface: iscsi.DefaultHostInterface,
	}
}

// serve answers PDUs on one connection until it closes.
func (tt *tcpTarget) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var statSN uint32
	next := func() uint32 { statSN++; return statSN }

	for {
		bhs, data, err := pdu.Read(conn, pdu.Digests{})
		if err != nil {
			return
		}

		var rspBHS pdu.BHS
		var rspData []byte

		switch bhs.Opcode() {
		case pdu.OpLoginReq:
			req, perr := pdu.ParseLoginRequest(bhs)
			if perr != nil {
				return
			}
			keys, perr := pdu.UnmarshalText(data)
			if perr != nil {
				return
			}

			rsp := pdu.LoginResponse{
				CSG:              req.CSG,
				ISID:             req.ISID,
				TSIH:             req.TSIH,
				InitiatorTaskTag: req.InitiatorTaskTag,
				StatSN:           next(),
				ExpCmdSN:         req.CmdSN,
				MaxCmdSN:         req.CmdSN + 16,
			}

			var reply []pdu.Pair
			if keys[pdu.KeyAuthMethod] != "" {
				reply = append(reply, pdu.Pair{Key: pdu.KeyAuthMethod, Value: pdu.ValAuthMethodNone})
				if keys[pdu.KeySessionType] == pdu.ValSessionTypeNormal {
					reply = append(reply, pdu.Pair{Key: pdu.KeyTargetPortalGroupTag, Value: tt.tpgt})
				}
				rsp.Transit = req.Transit
				rsp.NSG = req.NSG
			} else {
				// Operational stage: echo everything.
				for k, v := range keys {
					reply = append(reply, pdu.Pair{Key: k, Value: v})
				}
				rsp.Transit = true
				rsp.NSG = pdu.StageFullFeaturePhase
				rsp.TSIH = tt.tsih
			}
			rspBHS = rsp.Marshal()
			rspData = pdu.MarshalText(reply)

		case pdu.OpLogoutReq:
			req, perr := pdu.ParseLogoutRequest(bhs)
			if perr != nil {
				return
			}
			rsp := pdu.LogoutResponse{
				Response:         pdu.LogoutSuccess,
				InitiatorTaskTag: req.InitiatorTaskTag,
				StatSN:           next(),
			}
			rspBHS = rsp.Marshal()

		case pdu.OpTextReq:
			req, perr := pdu.ParseTextRequest(bhs)
			if perr != nil {
				return
			}
			rsp := pdu.TextResponse{
				Final:             true,
				InitiatorTaskTag:  req.InitiatorTaskTag,
				TargetTransferTag: pdu.ReservedTargetTransferTag,
				StatSN:            next(),
			}
			rspBHS = rsp.Marshal()
			rspData = tt.sendTargets

		default:
			return
		}

		wire, werr := pdu.Encode(rspBHS, rspData, pdu.Digests{})
		if werr != nil {
			return
		}
		if _, werr := conn.Write(wire); werr != nil {
			return
		}
	}
}

// testDaemon bundles a running Server and its collaborators.
type testDaemon struct {
	store    *store.Store
	client   *ipc.Client
	sockPath string
}

// startDaemon wires a full daemon (minus the power monitor) on a unix
// socket in a temp dir and connects a client.
func startDaemon(t *testing.T, tt *tcpTarget) *testDaemon {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "nodes.yaml"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	kc := keychain.Open(filepath.Join(dir, "chap.yaml"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := iscsi.NewTCPTransport()
	manager := iscsi.NewManager(logger, transport, "iqn.2016-04.com.goiscsi:test", "test",
		iscsi.WithLoginTimeout(5*time.Second))
	discoverer := iscsi.NewDiscoverer(manager, logger)
	scheduler := daemon.NewScheduler(logger, st, discoverer, nil)
	server := daemon.NewServer(logger, manager, discoverer, st, kc, scheduler, "iqn.2016-04.com.goiscsi:test")

	sockPath := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, ln)
	}()

	client, err := ipc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial daemon: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-done
		manager.LogoutAll(context.Background())
	})

	if tt != nil {
		if err := st.AddTarget(testTargetIQN, store.ConfigTypeStatic); err != nil {
			t.Fatalf("add target: %v", err)
		}
		if err := st.AddPortalForTarget(testTargetIQN, tt.portal()); err != nil {
			t.Fatalf("add portal: %v", err)
		}
	}

	return &testDaemon{store: st, client: client, sockPath: sockPath}
}

func TestLoginLogoutOverSocket(t *testing.T) {
	tt := startTCPTarget(t)
	d := startDaemon(t, tt)

	target := iscsi.Target{IQN: testTargetIQN}

	// Login via the store's configured portals (no portal payload).
	status, err := d.client.Login(target, nil)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if status != iscsi.LoginSuccess {
		t.Fatalf("login status = %s", status)
	}

	active, err := d.client.IsTargetActive(target)
	if err != nil {
		t.Fatalf("IsTargetActive: %v", err)
	}
	if !active {
		t.Error("target not active after login")
	}

	targets, err := d.client.ActiveTargets()
	if err != nil {
		t.Fatalf("ActiveTargets: %v", err)
	}
	if len(targets) != 1 || targets[0].IQN != testTargetIQN {
		t.Errorf("ActiveTargets = %v", targets)
	}

	portals, err := d.client.ActivePortals(target)
	if err != nil {
		t.Fatalf("ActivePortals: %v", err)
	}
	if len(portals) != 1 || portals[0].Port != tt.port() {
		t.Errorf("ActivePortals = %v", portals)
	}

	portalActive, err := d.client.IsPortalActive(tt.portal())
	if err != nil {
		t.Fatalf("IsPortalActive: %v", err)
	}
	if !portalActive {
		t.Error("portal not active after login")
	}

	props, err := d.client.SessionProperties(target)
	if err != nil {
		t.Fatalf("SessionProperties: %v", err)
	}
	if props["TSIH"] != "257" { // 0x0101
		t.Errorf("TSIH = %s", props["TSIH"])
	}
	if props[pdu.KeyTargetPortalGroupTag] != "1" {
		t.Errorf("TPGT = %s", props[pdu.KeyTargetPortalGroupTag])
	}

	connProps, err := d.client.ConnectionProperties(target, tt.portal())
	if err != nil {
		t.Fatalf("ConnectionProperties: %v", err)
	}
	if connProps[pdu.KeyHeaderDigest] != "None" {
		t.Errorf("HeaderDigest = %s", connProps[pdu.KeyHeaderDigest])
	}

	// Session logout.
	lstatus, err := d.client.Logout(target, nil)
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if lstatus != iscsi.LogoutSuccess {
		t.Errorf("logout status = %s", lstatus)
	}

	active, err = d.client.IsTargetActive(target)
	if err != nil {
		t.Fatalf("IsTargetActive: %v", err)
	}
	if active {
		t.Error("target still active after logout")
	}
}

func TestConnectionLogoutPromotion(t *testing.T) {
	tt := startTCPTarget(t)
	d := startDaemon(t, tt)

	target := iscsi.Target{IQN: testTargetIQN}
	portal := tt.portal()

	if _, err := d.client.Login(target, &portal); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Logging out the only connection tears down the session.
	status, err := d.client.Logout(target, &portal)
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if status != iscsi.LogoutSuccess {
		t.Errorf("logout status = %s", status)
	}
	active, err := d.client.IsTargetActive(target)
	if err != nil {
		t.Fatalf("IsTargetActive: %v", err)
	}
	if active {
		t.Error("session survived last-connection logout")
	}
}

func TestQueryTargetsOverSocket(t *testing.T) {
	tt := startTCPTarget(t)
	tt.sendTargets = []byte("TargetName=iqn.2015-01.com.example:tgt0\x00" +
		"TargetAddress=192.168.1.115:3260,1\x00")
	d := startDaemon(t, nil)

	rec, err := d.client.QueryTargets(tt.portal(), iscsi.AuthNone())
	if err != nil {
		t.Fatalf("QueryTargets: %v", err)
	}
	targets := rec.Targets()
	if len(targets) != 1 || targets[0] != "iqn.2015-01.com.example:tgt0" {
		t.Fatalf("targets = %v", targets)
	}
	portals := rec.Portals(targets[0], "1")
	if len(portals) != 1 || portals[0].Address != "192.168.1.115" {
		t.Errorf("portals = %v", portals)
	}
}

func TestLogoutInactiveTarget(t *testing.T) {
	d := startDaemon(t, nil)

	_, err := d.client.Logout(iscsi.Target{IQN: "iqn.not-logged-in"}, nil)
	if !errors.Is(err, iscsi.ErrNoDevice) {
		t.Errorf("err = %v, want ErrNoDevice", err)
	}
}

func TestUnknownFuncCode(t *testing.T) {
	d := startDaemon(t, nil)

	// Speak the raw frame protocol directly for an unassigned code.
	conn, err := net.Dial("unix", d.sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := ipc.WriteCommand(conn, ipc.CommandHeader{Func: ipc.FuncCode(99)}); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	rsp, _, err := ipc.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if rsp.ErrorCode != iscsi.Errno(iscsi.ErrInvalidArgument) {
		t.Errorf("error code = %d, want EINVAL", rsp.ErrorCode)
	}
}

func TestLoginMissingPayload(t *testing.T) {
	d := startDaemon(t, nil)

	conn, err := net.Dial("unix", d.sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := ipc.WriteCommand(conn, ipc.CommandHeader{Func: ipc.FuncLogin}); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	rsp, _, err := ipc.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if rsp.ErrorCode != iscsi.Errno(iscsi.ErrInvalidArgument) {
		t.Errorf("error code = %d, want EINVAL", rsp.ErrorCode)
	}
}

func TestUpdateDiscoveryCommand(t *testing.T) {
	d := startDaemon(t, nil)

	if err := d.client.UpdateDiscovery(); err != nil {
		t.Fatalf("UpdateDiscovery: %v", err)
	}
}

func TestShutdownClosesClient(t *testing.T) {
	d := startDaemon(t, nil)

	if err := d.client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// The daemon closes this client connection afterwards; the next
	// call fails.
	if _, err := d.client.ActiveTargets(); err == nil {
		t.Error("connection still usable after Shutdown")
	}
}

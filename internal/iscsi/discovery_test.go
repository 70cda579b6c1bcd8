package iscsi_test

import (
	"context"
	"errors"
	"testing"

	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/pdu"
)

func TestParseSendTargetsSinglePortal(t *testing.T) {
	t.Parallel()

	// Discovery round trip from the engine's acceptance scenario.
	text := []byte("TargetName=iqn.2015-01.com.example:tgt0\x00" +
		"TargetAddress=192.168.1.115:3260,1\x00")
	queried := iscsi.Portal{Address: "192.168.1.115", Port: "3260", HostInterface: "en0"}

	rec, err := iscsi.ParseSendTargets(text, queried)
	if err != nil {
		t.Fatalf("ParseSendTargets: %v", err)
	}

	targets := rec.Targets()
	if len(targets) != 1 || targets[0] != "iqn.2015-01.com.example:tgt0" {
		t.Fatalf("targets = %v", targets)
	}
	groups := rec.PortalGroups(targets[0])
	if len(groups) != 1 || groups[0] != "1" {
		t.Fatalf("groups = %v", groups)
	}
	portals := rec.Portals(targets[0], "1")
	if len(portals) != 1 {
		t.Fatalf("portals = %v", portals)
	}
	if portals[0].Address != "192.168.1.115" || portals[0].Port != "3260" {
		t.Errorf("portal = %+v", portals[0])
	}
}

func TestParseSendTargetsMultipleTargetsAndFallback(t *testing.T) {
	t.Parallel()

	text := []byte("TargetName=iqn.a\x00" +
		"TargetAddress=10.0.0.1:3260,1\x00" +
		"TargetAddress=10.0.0.2:860,2\x00" +
		"TargetName=iqn.noportals\x00" +
		"TargetName=iqn.v6\x00" +
		"TargetAddress=[fd00::c0de]:3260,3\x00")
	queried := iscsi.NewPortal("192.168.1.1")

	rec, err := iscsi.ParseSendTargets(text, queried)
	if err != nil {
		t.Fatalf("ParseSendTargets: %v", err)
	}

	if got := rec.Portals("iqn.a", "1"); len(got) != 1 || got[0].Address != "10.0.0.1" {
		t.Errorf("iqn.a group 1 = %v", got)
	}
	if got := rec.Portals("iqn.a", "2"); len(got) != 1 || got[0].Port != "860" {
		t.Errorf("iqn.a group 2 = %v", got)
	}

	// A target advertised with no addresses records the discovery
	// portal under group "0".
	if got := rec.Portals("iqn.noportals", "0"); len(got) != 1 || got[0].Address != "192.168.1.1" {
		t.Errorf("fallback portal = %v", got)
	}

	// IPv6: the last colon separates the port; brackets are stripped.
	if got := rec.Portals("iqn.v6", "3"); len(got) != 1 || got[0].Address != "fd00::c0de" || got[0].Port != "3260" {
		t.Errorf("ipv6 portal = %v", got)
	}
}

func TestParseSendTargetsAddressBeforeName(t *testing.T) {
	t.Parallel()

	text := []byte("TargetAddress=10.0.0.1:3260,1\x00")
	if _, err := iscsi.ParseSendTargets(text, iscsi.NewPortal("10.0.0.9")); !errors.Is(err, iscsi.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestQueryPortalForTargets(t *testing.T) {
	t.Parallel()

	ft := &fakeTarget{
		method: pdu.ValAuthMethodNone,
		tsih:   1,
		sendTargets: []byte("TargetName=iqn.2015-01.com.example:tgt0\x00" +
			"TargetAddress=192.168.1.115:3260,1\x00"),
	}
	mgr, tr := newTestManager(t, ft)
	disc := iscsi.NewDiscoverer(mgr, testLogger())

	rec, status, err := disc.QueryPortalForTargets(
		context.Background(),
		iscsi.NewPortal("127.0.0.1"),
		iscsi.AuthNone(),
	)
	if err != nil {
		t.Fatalf("QueryPortalForTargets: %v", err)
	}
	if status != iscsi.LoginSuccess {
		t.Fatalf("status = %s", status)
	}

	targets := rec.Targets()
	if len(targets) != 1 || targets[0] != "iqn.2015-01.com.example:tgt0" {
		t.Fatalf("targets = %v", targets)
	}
	if got := rec.Portals(targets[0], "1"); len(got) != 1 || got[0].Address != "192.168.1.115" {
		t.Errorf("portals = %v", got)
	}

	// The discovery session is transient: nothing stays behind.
	if mgr.SessionCount() != 0 || tr.liveSessions() != 0 {
		t.Error("discovery session leaked")
	}
	if ft.lastLogoutReason != pdu.LogoutCloseSession {
		t.Errorf("discovery logout reason = %s", ft.lastLogoutReason)
	}
}

func TestQueryPortalForTargetsMultiPDUText(t *testing.T) {
	t.Parallel()

	// Split the response across several Text Response PDUs to force
	// the continuation path.
	ft := &fakeTarget{
		method: pdu.ValAuthMethodNone,
		tsih:   1,
		sendTargets: []byte("TargetName=iqn.a\x00TargetAddress=10.0.0.1:3260,1\x00" +
			"TargetName=iqn.b\x00TargetAddress=10.0.0.2:3260,1\x00"),
		textChunk: 16,
	}
	mgr, _ := newTestManager(t, ft)
	disc := iscsi.NewDiscoverer(mgr, testLogger())

	rec, _, err := disc.QueryPortalForTargets(
		context.Background(),
		iscsi.NewPortal("127.0.0.1"),
		iscsi.AuthNone(),
	)
	if err != nil {
		t.Fatalf("QueryPortalForTargets: %v", err)
	}
	if len(rec.Targets()) != 2 {
		t.Errorf("targets = %v, want 2 entries", rec.Targets())
	}
}

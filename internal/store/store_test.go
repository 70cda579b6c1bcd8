package store_test

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/store"
)

const testIQN = "iqn.2015-01.com.example:tgt0"

func openTempStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st, path
}

func TestInitiatorIdentity(t *testing.T) {
	t.Parallel()

	st, path := openTempStore(t)
	if err := st.SetInitiator("iqn.2016-04.com.goiscsi:host", "host"); err != nil {
		t.Fatalf("SetInitiator: %v", err)
	}
	if got := st.InitiatorIQN(); got != "iqn.2016-04.com.goiscsi:host" {
		t.Errorf("InitiatorIQN = %q", got)
	}
	if got := st.InitiatorAlias(); got != "host" {
		t.Errorf("InitiatorAlias = %q", got)
	}

	// Identity survives a reopen.
	st2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := st2.InitiatorIQN(); got != "iqn.2016-04.com.goiscsi:host" {
		t.Errorf("after reopen InitiatorIQN = %q", got)
	}
}

func TestTargetLifecycle(t *testing.T) {
	t.Parallel()

	st, _ := openTempStore(t)

	if err := st.AddTarget(testIQN, store.ConfigTypeStatic); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := st.AddTarget(testIQN, store.ConfigTypeStatic); !errors.Is(err, store.ErrTargetExists) {
		t.Errorf("duplicate add: err = %v, want ErrTargetExists", err)
	}
	if !st.HasTarget(testIQN) {
		t.Error("HasTarget = false after add")
	}
	if got := st.ConfigType(testIQN); got != store.ConfigTypeStatic {
		t.Errorf("ConfigType = %q", got)
	}
	if got := st.Targets(); !reflect.DeepEqual(got, []string{testIQN}) {
		t.Errorf("Targets = %v", got)
	}

	if err := st.RemoveTarget(testIQN); err != nil {
		t.Fatalf("RemoveTarget: %v", err)
	}
	if err := st.RemoveTarget(testIQN); !errors.Is(err, store.ErrTargetNotFound) {
		t.Errorf("second remove: err = %v, want ErrTargetNotFound", err)
	}
}

func TestTargetOptionsAndConfigs(t *testing.T) {
	t.Parallel()

	st, _ := openTempStore(t)
	if err := st.AddTarget(testIQN, store.ConfigTypeStatic); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	for key, val := range map[string]any{
		"auth_method":          "CHAP",
		"chap_user":            "alice",
		"mutual_chap_user":     "bob",
		"auto_login":           true,
		"max_connections":      4,
		"error_recovery_level": 1,
		"header_digest":        "CRC32C",
		"data_digest":          "None",
	} {
		if err := st.SetTargetOption(testIQN, key, val); err != nil {
			t.Fatalf("SetTargetOption(%s): %v", key, err)
		}
	}

	if got := st.AuthMethod(testIQN); got != "CHAP" {
		t.Errorf("AuthMethod = %q", got)
	}
	if got := st.CHAPUser(testIQN); got != "alice" {
		t.Errorf("CHAPUser = %q", got)
	}
	if got := st.MutualCHAPUser(testIQN); got != "bob" {
		t.Errorf("MutualCHAPUser = %q", got)
	}
	if !st.AutoLogin(testIQN) {
		t.Error("AutoLogin = false")
	}

	sc := st.SessionConfig(testIQN)
	if sc.MaxConnections != 4 || sc.ErrorRecoveryLevel != 1 {
		t.Errorf("SessionConfig = %+v", sc)
	}
	cc := st.ConnectionConfig(testIQN)
	if cc.HeaderDigest != iscsi.DigestCRC32C || cc.DataDigest != iscsi.DigestNone {
		t.Errorf("ConnectionConfig = %+v", cc)
	}

	// Unconfigured targets fall back to defaults.
	if got := st.AuthMethod("iqn.unknown"); got != "None" {
		t.Errorf("unknown target AuthMethod = %q", got)
	}
	if got := st.SessionConfig("iqn.unknown"); got != iscsi.DefaultSessionConfig() {
		t.Errorf("unknown target SessionConfig = %+v", got)
	}
}

func TestTargetPortals(t *testing.T) {
	t.Parallel()

	st, _ := openTempStore(t)
	if err := st.AddTarget(testIQN, store.ConfigTypeStatic); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	p1 := iscsi.NewPortal("192.168.1.115")
	p2 := iscsi.Portal{Address: "192.168.1.116", Port: "860", HostInterface: "eth1"}

	if err := st.AddPortalForTarget(testIQN, p1); err != nil {
		t.Fatalf("AddPortalForTarget: %v", err)
	}
	if err := st.AddPortalForTarget(testIQN, p2); err != nil {
		t.Fatalf("AddPortalForTarget: %v", err)
	}
	// Duplicate endpoints are ignored.
	if err := st.AddPortalForTarget(testIQN, p1); err != nil {
		t.Fatalf("duplicate AddPortalForTarget: %v", err)
	}

	got := st.PortalsForTarget(testIQN)
	if !reflect.DeepEqual(got, []iscsi.Portal{p1, p2}) {
		t.Errorf("PortalsForTarget = %v", got)
	}

	if err := st.RemovePortalForTarget(testIQN, p1); err != nil {
		t.Fatalf("RemovePortalForTarget: %v", err)
	}
	got = st.PortalsForTarget(testIQN)
	if !reflect.DeepEqual(got, []iscsi.Portal{p2}) {
		t.Errorf("after remove PortalsForTarget = %v", got)
	}

	if err := st.AddPortalForTarget("iqn.unknown", p1); !errors.Is(err, store.ErrTargetNotFound) {
		t.Errorf("portal on unknown target: err = %v", err)
	}
}

func TestDiscoverySettings(t *testing.T) {
	t.Parallel()

	st, _ := openTempStore(t)

	if st.SendTargetsEnabled() {
		t.Error("discovery enabled by default")
	}
	if err := st.SetSendTargets(true, 2*time.Minute); err != nil {
		t.Fatalf("SetSendTargets: %v", err)
	}
	if !st.SendTargetsEnabled() {
		t.Error("discovery not enabled")
	}
	if got := st.SendTargetsInterval(); got != 2*time.Minute {
		t.Errorf("SendTargetsInterval = %s", got)
	}

	dp := iscsi.NewPortal("192.168.1.1")
	if err := st.AddDiscoveryPortal(dp); err != nil {
		t.Fatalf("AddDiscoveryPortal: %v", err)
	}
	if got := st.DiscoveryPortals(); len(got) != 1 || got[0] != dp {
		t.Errorf("DiscoveryPortals = %v", got)
	}
	if err := st.RemoveDiscoveryPortal(dp); err != nil {
		t.Fatalf("RemoveDiscoveryPortal: %v", err)
	}
	if got := st.DiscoveryPortals(); len(got) != 0 {
		t.Errorf("after remove DiscoveryPortals = %v", got)
	}
}

func TestDynamicTargetReconciliation(t *testing.T) {
	t.Parallel()

	st, _ := openTempStore(t)
	owner := iscsi.NewPortal("192.168.1.1")

	portals := []iscsi.Portal{iscsi.NewPortal("192.168.1.115")}
	if err := st.RecordDynamicTarget("iqn.dyn", owner, portals); err != nil {
		t.Fatalf("RecordDynamicTarget: %v", err)
	}
	if got := st.ConfigType("iqn.dyn"); got != store.ConfigTypeDynamic {
		t.Errorf("ConfigType = %q", got)
	}
	if got := st.DynamicTargetsOwnedBy(owner); !reflect.DeepEqual(got, []string{"iqn.dyn"}) {
		t.Errorf("DynamicTargetsOwnedBy = %v", got)
	}
	if got := st.PortalsForTarget("iqn.dyn"); !reflect.DeepEqual(got, portals) {
		t.Errorf("PortalsForTarget = %v", got)
	}

	// Refresh replaces the portal list.
	portals2 := []iscsi.Portal{iscsi.NewPortal("192.168.1.116")}
	if err := st.RecordDynamicTarget("iqn.dyn", owner, portals2); err != nil {
		t.Fatalf("refresh RecordDynamicTarget: %v", err)
	}
	if got := st.PortalsForTarget("iqn.dyn"); !reflect.DeepEqual(got, portals2) {
		t.Errorf("refreshed PortalsForTarget = %v", got)
	}

	// Static entries are never modified by discovery.
	if err := st.AddTarget("iqn.static", store.ConfigTypeStatic); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	err := st.RecordDynamicTarget("iqn.static", owner, portals)
	if !errors.Is(err, store.ErrStaticCollision) {
		t.Errorf("static collision: err = %v, want ErrStaticCollision", err)
	}
	if got := st.ConfigType("iqn.static"); got != store.ConfigTypeStatic {
		t.Errorf("static target modified: ConfigType = %q", got)
	}

	// A different owner sees no dynamic targets.
	if got := st.DynamicTargetsOwnedBy(iscsi.NewPortal("10.9.9.9")); len(got) != 0 {
		t.Errorf("foreign owner sees %v", got)
	}
}

func TestSynchronizePersists(t *testing.T) {
	t.Parallel()

	st, path := openTempStore(t)
	if err := st.AddTarget(testIQN, store.ConfigTypeStatic); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := st.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	st2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !st2.HasTarget(testIQN) {
		t.Error("target lost across reopen")
	}
}

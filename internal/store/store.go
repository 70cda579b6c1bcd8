// Package store is the persistent node database of the initiator: the
// initiator's identity, per-target settings and portals, and the
// discovery configuration. It is the Go rendition of the property-list
// store the daemon and CLI share; the daemon re-reads it between
// operations and flushes after each transactional change.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/goiscsi/iscsid/internal/iscsi"
)

// delim is the koanf path delimiter. Target IQNs contain dots, so the
// tree is addressed with slashes.
const delim = "/"

// Config-type values for targets.
const (
	// ConfigTypeStatic marks a target added explicitly; discovery
	// never modifies it.
	ConfigTypeStatic = "static"

	// ConfigTypeDynamic marks a target owned by a SendTargets
	// discovery portal.
	ConfigTypeDynamic = "dynamic-sendtargets"
)

// defaultSendTargetsInterval is used when discovery is enabled with no
// interval configured.
const defaultSendTargetsInterval = 300 * time.Second

// Sentinel errors for store operations.
var (
	// ErrTargetNotFound indicates the target IQN is not in the store.
	ErrTargetNotFound = errors.New("target not in store")

	// ErrTargetExists indicates the target IQN is already configured.
	ErrTargetExists = errors.New("target already in store")

	// ErrStaticCollision indicates discovery tried to modify a target
	// with a static configuration.
	ErrStaticCollision = errors.New("discovered target collides with static configuration")
)

// Store is the on-disk node database. All access is serialized; the
// daemon touches it only between operations.
type Store struct {
	mu   sync.Mutex
	path string

	// root is the authoritative tree, flushed to disk as YAML.
	root map[string]any

	// k mirrors root for typed reads.
	k *koanf.Koanf
}

// Open loads the store at path, creating an empty one if the file does
// not exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, root: map[string]any{}}

	if _, err := os.Stat(path); err == nil {
		k := koanf.New(delim)
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return nil, fmt.Errorf("load store %s: %w", path, err)
		}
		s.k = k
		s.root = k.Raw()
	} else {
		s.k = koanf.New(delim)
	}

	return s, nil
}

// Synchronize flushes the tree to disk and re-reads it, picking up
// external edits.
func (s *Store) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

// syncLocked writes root as YAML and reloads the koanf mirror.
func (s *Store) syncLocked() error {
	out, err := yaml.Marshal(s.root)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}

	k := koanf.New(delim)
	if err := k.Load(file.Provider(s.path), koanfyaml.Parser()); err != nil {
		return fmt.Errorf("reload store: %w", err)
	}
	s.k = k
	s.root = k.Raw()

	return nil
}

// -------------------------------------------------------------------------
// Initiator identity
// -------------------------------------------------------------------------

// InitiatorIQN returns the configured initiator name.
func (s *Store) InitiatorIQN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.String("initiator" + delim + "iqn")
}

// InitiatorAlias returns the configured initiator alias.
func (s *Store) InitiatorAlias() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.String("initiator" + delim + "alias")
}

// SetInitiator records the initiator identity.
func (s *Store) SetInitiator(iqn, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root["initiator"] = map[string]any{"iqn": iqn, "alias": alias}
	return s.syncLocked()
}

// -------------------------------------------------------------------------
// Targets
// -------------------------------------------------------------------------

// targetsTree returns the mutable targets subtree.
func (s *Store) targetsTree() map[string]any {
	t, ok := s.root["targets"].(map[string]any)
	if !ok {
		t = map[string]any{}
		s.root["targets"] = t
	}
	return t
}

// targetTree returns the mutable subtree of one target.
func (s *Store) targetTree(iqn string) (map[string]any, bool) {
	t, ok := s.targetsTree()[iqn].(map[string]any)
	return t, ok
}

// Targets lists the configured target IQNs, sorted.
func (s *Store) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree := s.targetsTree()
	out := make([]string, 0, len(tree))
	for iqn := range tree {
		out = append(out, iqn)
	}
	sort.Strings(out)

	return out
}

// HasTarget reports whether the IQN is configured.
func (s *Store) HasTarget(iqn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.targetTree(iqn)
	return ok
}

// AddTarget creates a target entry with defaults.
func (s *Store) AddTarget(iqn, configType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targetTree(iqn); ok {
		return fmt.Errorf("%s: %w", iqn, ErrTargetExists)
	}
	s.targetsTree()[iqn] = map[string]any{
		"config_type":          configType,
		"auto_login":           false,
		"max_connections":      1,
		"error_recovery_level": 0,
		"header_digest":        "None",
		"data_digest":          "None",
		"auth_method":          "None",
		"portals":              []any{},
	}

	return s.syncLocked()
}

// RemoveTarget deletes a target entry.
func (s *Store) RemoveTarget(iqn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targetTree(iqn); !ok {
		return fmt.Errorf("%s: %w", iqn, ErrTargetNotFound)
	}
	delete(s.targetsTree(), iqn)

	return s.syncLocked()
}

// ConfigType reports how the target entered the store.
func (s *Store) ConfigType(iqn string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.String("targets" + delim + iqn + delim + "config_type")
}

// SetTargetOption sets one scalar option on a target. Known options:
// auto_login (bool), max_connections, error_recovery_level (int),
// header_digest, data_digest, auth_method, chap_user,
// mutual_chap_user, discovery_portal (string).
func (s *Store) SetTargetOption(iqn, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targetTree(iqn)
	if !ok {
		return fmt.Errorf("%s: %w", iqn, ErrTargetNotFound)
	}
	t[key] = value

	return s.syncLocked()
}

// targetKey builds the koanf path for one target option.
func targetKey(iqn, key string) string {
	return "targets" + delim + iqn + delim + key
}

// AutoLogin reports whether the target is logged in at daemon start.
func (s *Store) AutoLogin(iqn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Bool(targetKey(iqn, "auto_login"))
}

// AuthMethod returns the configured method name ("None" or "CHAP").
func (s *Store) AuthMethod(iqn string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.k.String(targetKey(iqn, "auth_method")); m != "" {
		return m
	}
	return "None"
}

// CHAPUser returns the CHAP name presented to the target.
func (s *Store) CHAPUser(iqn string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.String(targetKey(iqn, "chap_user"))
}

// MutualCHAPUser returns the name expected back from the target.
func (s *Store) MutualCHAPUser(iqn string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.String(targetKey(iqn, "mutual_chap_user"))
}

// SessionConfig builds the login session config for a target.
func (s *Store) SessionConfig(iqn string) iscsi.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := iscsi.DefaultSessionConfig()
	if n := s.k.Int(targetKey(iqn, "max_connections")); n >= 1 && n <= 65535 {
		cfg.MaxConnections = uint16(n)
	}
	if n := s.k.Int(targetKey(iqn, "error_recovery_level")); n >= 0 && n <= 2 {
		cfg.ErrorRecoveryLevel = uint8(n)
	}

	return cfg
}

// ConnectionConfig builds the login connection config for a target.
func (s *Store) ConnectionConfig(iqn string) iscsi.ConnectionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := iscsi.DefaultConnectionConfig()
	if s.k.String(targetKey(iqn, "header_digest")) == "CRC32C" {
		cfg.HeaderDigest = iscsi.DigestCRC32C
	}
	if s.k.String(targetKey(iqn, "data_digest")) == "CRC32C" {
		cfg.DataDigest = iscsi.DigestCRC32C
	}

	return cfg
}

// -------------------------------------------------------------------------
// Target portals
// -------------------------------------------------------------------------

// portalToMap converts a portal to its stored form.
func portalToMap(p iscsi.Portal) map[string]any {
	return map[string]any{
		"address":        p.Address,
		"port":           p.Port,
		"host_interface": p.HostInterface,
	}
}

// portalFromMap converts a stored portal back.
func portalFromMap(m map[string]any) iscsi.Portal {
	str := func(k string) string {
		v, _ := m[k].(string)
		return v
	}
	p := iscsi.Portal{
		Address:       str("address"),
		Port:          str("port"),
		HostInterface: str("host_interface"),
	}
	if p.Port == "" {
		p.Port = iscsi.DefaultPort
	}
	if p.HostInterface == "" {
		p.HostInterface = iscsi.DefaultHostInterface
	}

	return p
}

// PortalsForTarget lists the configured portals of a target.
func (s *Store) PortalsForTarget(iqn string) []iscsi.Portal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return portalsFromTree(s.targetPortalsLocked(iqn))
}

// targetPortalsLocked returns the raw portal list of a target.
func (s *Store) targetPortalsLocked(iqn string) []any {
	t, ok := s.targetTree(iqn)
	if !ok {
		return nil
	}
	list, _ := t["portals"].([]any)
	return list
}

// portalsFromTree converts a raw portal list.
func portalsFromTree(list []any) []iscsi.Portal {
	out := make([]iscsi.Portal, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, portalFromMap(m))
		}
	}
	return out
}

// AddPortalForTarget attaches a portal to a target, ignoring a portal
// whose address and port are already listed (the host interface is not
// compared).
func (s *Store) AddPortalForTarget(iqn string, p iscsi.Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targetTree(iqn)
	if !ok {
		return fmt.Errorf("%s: %w", iqn, ErrTargetNotFound)
	}
	for _, existing := range portalsFromTree(s.targetPortalsLocked(iqn)) {
		if samePortal(existing, p) {
			return nil
		}
	}
	t["portals"] = append(s.targetPortalsLocked(iqn), portalToMap(p))

	return s.syncLocked()
}

// RemovePortalForTarget detaches a portal from a target.
func (s *Store) RemovePortalForTarget(iqn string, p iscsi.Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targetTree(iqn)
	if !ok {
		return fmt.Errorf("%s: %w", iqn, ErrTargetNotFound)
	}
	var kept []any
	for _, entry := range s.targetPortalsLocked(iqn) {
		m, ok := entry.(map[string]any)
		if ok && samePortal(portalFromMap(m), p) {
			continue
		}
		kept = append(kept, entry)
	}
	t["portals"] = kept

	return s.syncLocked()
}

// samePortal compares portals by endpoint.
func samePortal(a, b iscsi.Portal) bool {
	return strings.EqualFold(a.Address, b.Address) && a.Port == b.Port
}

// -------------------------------------------------------------------------
// Discovery configuration
// -------------------------------------------------------------------------

// discoveryTree returns the mutable discovery subtree.
func (s *Store) discoveryTree() map[string]any {
	t, ok := s.root["discovery"].(map[string]any)
	if !ok {
		t = map[string]any{}
		s.root["discovery"] = t
	}
	return t
}

// SendTargetsEnabled reports whether periodic discovery is on.
func (s *Store) SendTargetsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.k.Bool("discovery" + delim + "sendtargets_enabled")
}

// SendTargetsInterval returns the discovery period.
func (s *Store) SendTargetsInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if secs := s.k.Int("discovery" + delim + "sendtargets_interval"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultSendTargetsInterval
}

// SetSendTargets configures periodic discovery.
func (s *Store) SetSendTargets(enabled bool, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.discoveryTree()
	t["sendtargets_enabled"] = enabled
	if interval > 0 {
		t["sendtargets_interval"] = int(interval / time.Second)
	}

	return s.syncLocked()
}

// DiscoveryPortals lists the configured discovery portals.
func (s *Store) DiscoveryPortals() []iscsi.Portal {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, _ := s.discoveryTree()["portals"].([]any)
	return portalsFromTree(list)
}

// AddDiscoveryPortal records a discovery portal.
func (s *Store) AddDiscoveryPortal(p iscsi.Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.discoveryTree()
	list, _ := t["portals"].([]any)
	for _, existing := range portalsFromTree(list) {
		if samePortal(existing, p) {
			return nil
		}
	}
	t["portals"] = append(list, portalToMap(p))

	return s.syncLocked()
}

// RemoveDiscoveryPortal removes a discovery portal.
func (s *Store) RemoveDiscoveryPortal(p iscsi.Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.discoveryTree()
	list, _ := t["portals"].([]any)
	var kept []any
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if ok && samePortal(portalFromMap(m), p) {
			continue
		}
		kept = append(kept, entry)
	}
	t["portals"] = kept

	return s.syncLocked()
}

// -------------------------------------------------------------------------
// Dynamic target reconciliation
// -------------------------------------------------------------------------

// DynamicTargetsOwnedBy lists the dynamic targets recorded from a
// discovery portal.
func (s *Store) DynamicTargetsOwnedBy(portal iscsi.Portal) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for iqn := range s.targetsTree() {
		if s.k.String(targetKey(iqn, "config_type")) != ConfigTypeDynamic {
			continue
		}
		if s.k.String(targetKey(iqn, "discovery_portal")) == portal.String() {
			out = append(out, iqn)
		}
	}
	sort.Strings(out)

	return out
}

// RecordDynamicTarget adds (or refreshes) a discovered target owned by
// the given discovery portal. A static target with the same IQN is
// never modified: the call fails with ErrStaticCollision.
func (s *Store) RecordDynamicTarget(iqn string, owner iscsi.Portal, portals []iscsi.Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.targetTree(iqn); ok {
		if ct, _ := t["config_type"].(string); ct != ConfigTypeDynamic {
			return fmt.Errorf("%s: %w", iqn, ErrStaticCollision)
		}
	} else {
		s.targetsTree()[iqn] = map[string]any{
			"config_type":          ConfigTypeDynamic,
			"auto_login":           false,
			"max_connections":      1,
			"error_recovery_level": 0,
			"header_digest":        "None",
			"data_digest":          "None",
			"auth_method":          "None",
		}
	}

	t, _ := s.targetTree(iqn)
	t["discovery_portal"] = owner.String()
	list := make([]any, 0, len(portals))
	for _, p := range portals {
		list = append(list, portalToMap(p))
	}
	t["portals"] = list

	return s.syncLocked()
}

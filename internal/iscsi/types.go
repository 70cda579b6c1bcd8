// Package iscsi implements the core iSCSI initiator engine: session
// and connection management, login-phase negotiation, CHAP
// authentication, and SendTargets discovery per RFC 3720.
package iscsi

import (
	"fmt"
	"sort"
	"strings"

	"howett.net/plist"
)

// -------------------------------------------------------------------------
// Identifiers — RFC 3720 Section 10.12
// -------------------------------------------------------------------------

// SessionID is the process-wide handle for a session.
type SessionID uint16

// SessionIDInvalid is the reserved sentinel meaning "no session".
const SessionIDInvalid SessionID = 0xFFFF

// ConnectionID is the handle for a connection within a session.
type ConnectionID uint32

// ConnectionIDInvalid is the reserved sentinel meaning "no connection".
const ConnectionIDInvalid ConnectionID = 0xFFFFFFFF

// Default constants for portals.
const (
	// DefaultPort is the well-known iSCSI TCP port.
	DefaultPort = "3260"

	// DefaultHostInterface means "any local interface".
	DefaultHostInterface = "default"
)

// -------------------------------------------------------------------------
// Portal
// -------------------------------------------------------------------------

// Portal is a reachable endpoint of a target: a DNS name, IPv4, or
// IPv6 literal plus a TCP port, and the local interface to reach it
// through.
type Portal struct {
	// Address is a DNS name, IPv4 address, or IPv6 literal.
	Address string `plist:"Address"`

	// Port is the TCP port as a string; DefaultPort when empty.
	Port string `plist:"Port"`

	// HostInterface names the local interface to bind, or
	// DefaultHostInterface for any.
	HostInterface string `plist:"Host Interface"`
}

// NewPortal returns a Portal for address with the default port and
// host interface.
func NewPortal(address string) Portal {
	return Portal{
		Address:       address,
		Port:          DefaultPort,
		HostInterface: DefaultHostInterface,
	}
}

// Validate checks the portal for obvious malformation.
func (p Portal) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("portal address is empty: %w", ErrInvalidArgument)
	}
	if p.Port == "" {
		return fmt.Errorf("portal port is empty: %w", ErrInvalidArgument)
	}
	return nil
}

// String renders the portal as host:port, bracketing IPv6 literals.
func (p Portal) String() string {
	if strings.Contains(p.Address, ":") {
		return "[" + p.Address + "]:" + p.Port
	}
	return p.Address + ":" + p.Port
}

// portalKeys are the allowed serialized keys for a Portal.
var portalKeys = []string{"Address", "Port", "Host Interface"}

// MarshalBytes serializes the portal as a binary property list.
func (p Portal) MarshalBytes() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return marshalPlist(p)
}

// UnmarshalPortal decodes a portal from its property-list form,
// rejecting unknown keys.
func UnmarshalPortal(b []byte) (Portal, error) {
	m, err := decodeStrictDict(b, portalKeys)
	if err != nil {
		return Portal{}, fmt.Errorf("decode portal: %w", err)
	}

	p := Portal{
		Address:       dictString(m, "Address"),
		Port:          dictString(m, "Port"),
		HostInterface: dictString(m, "Host Interface"),
	}
	if p.Port == "" {
		p.Port = DefaultPort
	}
	if p.HostInterface == "" {
		p.HostInterface = DefaultHostInterface
	}
	if err := p.Validate(); err != nil {
		return Portal{}, err
	}

	return p, nil
}

// -------------------------------------------------------------------------
// Target
// -------------------------------------------------------------------------

// Target names an iSCSI target by its qualified name. The empty IQN is
// the reserved sentinel marking a discovery target.
type Target struct {
	// IQN is the iSCSI qualified name, e.g.
	// "iqn.2015-01.com.example:tgt0".
	IQN string `plist:"Target Name"`
}

// DiscoveryTarget returns the sentinel target used for discovery
// sessions.
func DiscoveryTarget() Target {
	return Target{}
}

// IsDiscovery reports whether the target is the discovery sentinel.
func (t Target) IsDiscovery() bool {
	return t.IQN == ""
}

// Validate checks the IQN for a normal (non-discovery) target.
func (t Target) Validate() error {
	if strings.TrimSpace(t.IQN) == "" {
		return fmt.Errorf("target IQN is blank: %w", ErrInvalidArgument)
	}
	return nil
}

// targetKeys are the allowed serialized keys for a Target.
var targetKeys = []string{"Target Name"}

// MarshalBytes serializes the target as a binary property list.
func (t Target) MarshalBytes() ([]byte, error) {
	return marshalPlist(t)
}

// UnmarshalTarget decodes a target from its property-list form.
func UnmarshalTarget(b []byte) (Target, error) {
	m, err := decodeStrictDict(b, targetKeys)
	if err != nil {
		return Target{}, fmt.Errorf("decode target: %w", err)
	}
	return Target{IQN: dictString(m, "Target Name")}, nil
}

// -------------------------------------------------------------------------
// Auth
// -------------------------------------------------------------------------

// AuthMethod tags the authentication variant.
type AuthMethod uint8

const (
	// AuthMethodNone requests an unauthenticated login.
	AuthMethodNone AuthMethod = iota

	// AuthMethodCHAP requests CHAP (RFC 1994) with MD5.
	AuthMethodCHAP
)

// String returns the RFC 3720 text value for the method.
func (m AuthMethod) String() string {
	if m == AuthMethodCHAP {
		return "CHAP"
	}
	return "None"
}

// Auth describes the credentials for one side of a login. The
// initiator pair being present turns on mutual CHAP.
type Auth struct {
	// Method selects None or CHAP.
	Method AuthMethod

	// TargetUser and TargetSecret authenticate the initiator to the
	// target (the secret the target checks).
	TargetUser   string
	TargetSecret string

	// InitiatorUser and InitiatorSecret, when both set, require the
	// target to authenticate back (mutual CHAP).
	InitiatorUser   string
	InitiatorSecret string
}

// AuthNone returns an Auth requesting no authentication.
func AuthNone() Auth {
	return Auth{Method: AuthMethodNone}
}

// AuthCHAP returns a one-way CHAP Auth.
func AuthCHAP(user, secret string) Auth {
	return Auth{Method: AuthMethodCHAP, TargetUser: user, TargetSecret: secret}
}

// Mutual reports whether mutual CHAP is configured.
func (a Auth) Mutual() bool {
	return a.Method == AuthMethodCHAP && a.InitiatorUser != "" && a.InitiatorSecret != ""
}

// Validate checks credential completeness for the chosen method.
func (a Auth) Validate() error {
	if a.Method == AuthMethodNone {
		return nil
	}
	if a.TargetUser == "" || a.TargetSecret == "" {
		return fmt.Errorf("CHAP requires a user and secret: %w", ErrInvalidArgument)
	}
	if (a.InitiatorUser == "") != (a.InitiatorSecret == "") {
		return fmt.Errorf("mutual CHAP requires both user and secret: %w", ErrInvalidArgument)
	}
	return nil
}

// authPlist is the serialized form of Auth.
type authPlist struct {
	Method          string `plist:"Authentication Method"`
	TargetUser      string `plist:"Target User,omitempty"`
	TargetSecret    string `plist:"Target Secret,omitempty"`
	InitiatorUser   string `plist:"Initiator User,omitempty"`
	InitiatorSecret string `plist:"Initiator Secret,omitempty"`
}

// authKeys are the allowed serialized keys for an Auth.
var authKeys = []string{
	"Authentication Method", "Target User", "Target Secret",
	"Initiator User", "Initiator Secret",
}

// MarshalBytes serializes the auth value as a binary property list.
func (a Auth) MarshalBytes() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return marshalPlist(authPlist{
		Method:          a.Method.String(),
		TargetUser:      a.TargetUser,
		TargetSecret:    a.TargetSecret,
		InitiatorUser:   a.InitiatorUser,
		InitiatorSecret: a.InitiatorSecret,
	})
}

// UnmarshalAuth decodes an auth value from its property-list form.
func UnmarshalAuth(b []byte) (Auth, error) {
	m, err := decodeStrictDict(b, authKeys)
	if err != nil {
		return Auth{}, fmt.Errorf("decode auth: %w", err)
	}

	a := Auth{
		TargetUser:      dictString(m, "Target User"),
		TargetSecret:    dictString(m, "Target Secret"),
		InitiatorUser:   dictString(m, "Initiator User"),
		InitiatorSecret: dictString(m, "Initiator Secret"),
	}
	switch method := dictString(m, "Authentication Method"); method {
	case "None", "":
		a.Method = AuthMethodNone
	case "CHAP":
		a.Method = AuthMethodCHAP
	default:
		return Auth{}, fmt.Errorf("auth method %q: %w", method, ErrInvalidArgument)
	}
	if err := a.Validate(); err != nil {
		return Auth{}, err
	}

	return a, nil
}

// -------------------------------------------------------------------------
// Digest configuration
// -------------------------------------------------------------------------

// DigestKind selects a per-segment digest (RFC 3720 Section 12.1).
type DigestKind uint8

const (
	// DigestNone disables the digest.
	DigestNone DigestKind = iota

	// DigestCRC32C enables the CRC32C digest.
	DigestCRC32C
)

// String returns the RFC 3720 text value for the digest kind.
func (d DigestKind) String() string {
	if d == DigestCRC32C {
		return "CRC32C"
	}
	return "None"
}

// ParseDigestKind parses an RFC 3720 digest value.
func ParseDigestKind(s string) (DigestKind, error) {
	switch s {
	case "None":
		return DigestNone, nil
	case "CRC32C":
		return DigestCRC32C, nil
	default:
		return DigestNone, fmt.Errorf("digest %q: %w", s, ErrUnsupportedParameter)
	}
}

// -------------------------------------------------------------------------
// SessionConfig and ConnectionConfig
// -------------------------------------------------------------------------

// SessionConfig carries the session-wide options requested for login.
type SessionConfig struct {
	// ErrorRecoveryLevel is 0, 1, or 2 (RFC 3720 Section 12.16).
	ErrorRecoveryLevel uint8 `plist:"Error Recovery Level"`

	// MaxConnections is in [1, 65535] (RFC 3720 Section 12.2).
	MaxConnections uint16 `plist:"Max Connections"`

	// TargetPortalGroupTag is recorded from the leading login.
	TargetPortalGroupTag uint16 `plist:"Target Portal Group Tag"`
}

// DefaultSessionConfig returns the RFC 3720 defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{ErrorRecoveryLevel: 0, MaxConnections: 1}
}

// Validate checks numeric ranges.
func (c SessionConfig) Validate() error {
	if c.ErrorRecoveryLevel > 2 {
		return fmt.Errorf("error recovery level %d: %w",
			c.ErrorRecoveryLevel, ErrInvalidArgument)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max connections %d: %w",
			c.MaxConnections, ErrInvalidArgument)
	}
	return nil
}

// sessionConfigKeys are the allowed serialized keys for SessionConfig.
var sessionConfigKeys = []string{
	"Error Recovery Level", "Max Connections", "Target Portal Group Tag",
}

// MarshalBytes serializes the session config as a binary property list.
func (c SessionConfig) MarshalBytes() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return marshalPlist(c)
}

// UnmarshalSessionConfig decodes a session config.
func UnmarshalSessionConfig(b []byte) (SessionConfig, error) {
	m, err := decodeStrictDict(b, sessionConfigKeys)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("decode session config: %w", err)
	}

	c := SessionConfig{
		ErrorRecoveryLevel:   uint8(dictUint(m, "Error Recovery Level")),
		MaxConnections:       uint16(dictUint(m, "Max Connections")),
		TargetPortalGroupTag: uint16(dictUint(m, "Target Portal Group Tag")),
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 1
	}
	if err := c.Validate(); err != nil {
		return SessionConfig{}, err
	}

	return c, nil
}

// ConnectionConfig carries the connection-wide options requested for
// login.
type ConnectionConfig struct {
	// HeaderDigest and DataDigest select the per-segment digests.
	HeaderDigest DigestKind
	DataDigest   DigestKind
}

// DefaultConnectionConfig returns a config with no digests.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{}
}

// connectionConfigPlist is the serialized form of ConnectionConfig.
type connectionConfigPlist struct {
	HeaderDigest string `plist:"Header Digest"`
	DataDigest   string `plist:"Data Digest"`
}

// connectionConfigKeys are the allowed serialized keys.
var connectionConfigKeys = []string{"Header Digest", "Data Digest"}

// MarshalBytes serializes the connection config.
func (c ConnectionConfig) MarshalBytes() ([]byte, error) {
	return marshalPlist(connectionConfigPlist{
		HeaderDigest: c.HeaderDigest.String(),
		DataDigest:   c.DataDigest.String(),
	})
}

// UnmarshalConnectionConfig decodes a connection config.
func UnmarshalConnectionConfig(b []byte) (ConnectionConfig, error) {
	m, err := decodeStrictDict(b, connectionConfigKeys)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("decode connection config: %w", err)
	}

	var c ConnectionConfig
	if s := dictString(m, "Header Digest"); s != "" {
		if c.HeaderDigest, err = ParseDigestKind(s); err != nil {
			return ConnectionConfig{}, err
		}
	}
	if s := dictString(m, "Data Digest"); s != "" {
		if c.DataDigest, err = ParseDigestKind(s); err != nil {
			return ConnectionConfig{}, err
		}
	}

	return c, nil
}

// -------------------------------------------------------------------------
// DiscoveryRecord
// -------------------------------------------------------------------------

// DiscoveryRecord maps target IQNs to portal groups to the ordered
// portals advertised for each group.
type DiscoveryRecord struct {
	targets map[string]map[string][]Portal
}

// NewDiscoveryRecord returns an empty record.
func NewDiscoveryRecord() *DiscoveryRecord {
	return &DiscoveryRecord{targets: make(map[string]map[string][]Portal)}
}

// AddTarget opens an (initially portal-less) entry for the target.
func (r *DiscoveryRecord) AddTarget(iqn string) {
	if _, ok := r.targets[iqn]; !ok {
		r.targets[iqn] = make(map[string][]Portal)
	}
}

// AddPortal attaches a portal to the given target and portal group.
func (r *DiscoveryRecord) AddPortal(iqn, tpgt string, p Portal) {
	r.AddTarget(iqn)
	r.targets[iqn][tpgt] = append(r.targets[iqn][tpgt], p)
}

// Targets returns the recorded target IQNs in sorted order.
func (r *DiscoveryRecord) Targets() []string {
	out := make([]string, 0, len(r.targets))
	for iqn := range r.targets {
		out = append(out, iqn)
	}
	sort.Strings(out)
	return out
}

// PortalGroups returns the portal group tags recorded for a target,
// sorted.
func (r *DiscoveryRecord) PortalGroups(iqn string) []string {
	groups := r.targets[iqn]
	out := make([]string, 0, len(groups))
	for tpgt := range groups {
		out = append(out, tpgt)
	}
	sort.Strings(out)
	return out
}

// Portals returns the ordered portals of a target's portal group.
func (r *DiscoveryRecord) Portals(iqn, tpgt string) []Portal {
	return r.targets[iqn][tpgt]
}

// MarshalBytes serializes the record as a nested property list:
// target IQN -> TPGT -> array of portal dictionaries.
func (r *DiscoveryRecord) MarshalBytes() ([]byte, error) {
	root := make(map[string]map[string][]Portal, len(r.targets))
	for iqn, groups := range r.targets {
		root[iqn] = groups
	}
	return marshalPlist(root)
}

// UnmarshalDiscoveryRecord decodes a discovery record.
func UnmarshalDiscoveryRecord(b []byte) (*DiscoveryRecord, error) {
	var root map[string]map[string][]map[string]any
	if _, err := plist.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("decode discovery record: %w: %w", ErrInvalidArgument, err)
	}

	rec := NewDiscoveryRecord()
	for iqn, groups := range root {
		rec.AddTarget(iqn)
		for tpgt, portals := range groups {
			for _, pm := range portals {
				if err := checkKeys(pm, portalKeys); err != nil {
					return nil, fmt.Errorf("decode discovery record portal: %w", err)
				}
				rec.AddPortal(iqn, tpgt, Portal{
					Address:       dictString(pm, "Address"),
					Port:          dictString(pm, "Port"),
					HostInterface: dictString(pm, "Host Interface"),
				})
			}
		}
	}

	return rec, nil
}

// -------------------------------------------------------------------------
// Collections and dictionaries
// -------------------------------------------------------------------------

// MarshalTargets serializes a list of targets as a plist array.
func MarshalTargets(targets []Target) ([]byte, error) {
	return marshalPlist(targets)
}

// UnmarshalTargets decodes a plist array of targets.
func UnmarshalTargets(b []byte) ([]Target, error) {
	var raw []map[string]any
	if _, err := plist.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode target array: %w: %w", ErrInvalidArgument, err)
	}

	out := make([]Target, 0, len(raw))
	for _, m := range raw {
		if err := checkKeys(m, targetKeys); err != nil {
			return nil, fmt.Errorf("decode target array: %w", err)
		}
		out = append(out, Target{IQN: dictString(m, "Target Name")})
	}
	return out, nil
}

// MarshalPortals serializes a list of portals as a plist array.
func MarshalPortals(portals []Portal) ([]byte, error) {
	return marshalPlist(portals)
}

// UnmarshalPortals decodes a plist array of portals.
func UnmarshalPortals(b []byte) ([]Portal, error) {
	var raw []map[string]any
	if _, err := plist.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode portal array: %w: %w", ErrInvalidArgument, err)
	}

	out := make([]Portal, 0, len(raw))
	for _, m := range raw {
		if err := checkKeys(m, portalKeys); err != nil {
			return nil, fmt.Errorf("decode portal array: %w", err)
		}
		out = append(out, Portal{
			Address:       dictString(m, "Address"),
			Port:          dictString(m, "Port"),
			HostInterface: dictString(m, "Host Interface"),
		})
	}
	return out, nil
}

// MarshalStringDict serializes a string map as a property list; used
// for negotiated-parameter reports.
func MarshalStringDict(m map[string]string) ([]byte, error) {
	return marshalPlist(m)
}

// UnmarshalStringDict decodes a property-list string map.
func UnmarshalStringDict(b []byte) (map[string]string, error) {
	var m map[string]string
	if _, err := plist.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode dictionary: %w: %w", ErrInvalidArgument, err)
	}
	return m, nil
}

// -------------------------------------------------------------------------
// plist helpers
// -------------------------------------------------------------------------

// marshalPlist serializes v in the binary property-list format used on
// the daemon wire.
func marshalPlist(v any) ([]byte, error) {
	b, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("marshal plist: %w", err)
	}
	return b, nil
}

// decodeStrictDict unmarshals a plist dictionary and rejects keys
// outside the allowed set.
func decodeStrictDict(b []byte, allowed []string) (map[string]any, error) {
	var m map[string]any
	if _, err := plist.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if err := checkKeys(m, allowed); err != nil {
		return nil, err
	}
	return m, nil
}

// checkKeys rejects dictionary keys outside the allowed set.
func checkKeys(m map[string]any, allowed []string) error {
	for k := range m {
		found := false
		for _, a := range allowed {
			if k == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown key %q: %w", k, ErrInvalidArgument)
		}
	}
	return nil
}

// dictString extracts a string field, tolerating absence.
func dictString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// dictUint extracts an unsigned integer field, tolerating absence and
// the signed forms plist decoders produce.
func dictUint(m map[string]any, key string) uint64 {
	switch v := m[key].(type) {
	case uint64:
		return v
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int:
		if v < 0 {
			return 0
		}
		return uint64(v)
	default:
		return 0
	}
}

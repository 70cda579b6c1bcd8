package iscsi

// This file implements SendTargets discovery (RFC 3720 Appendix D):
// a transient discovery session, one SendTargets=All text exchange,
// and parsing of the TargetName/TargetAddress response stream into a
// DiscoveryRecord.

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goiscsi/iscsid/internal/pdu"
)

// defaultPortalGroupTag is assumed when a target's SendTargets answer
// names a TargetName with no TargetAddress entries.
const defaultPortalGroupTag = "0"

// Discoverer runs SendTargets queries against discovery portals.
type Discoverer struct {
	manager *Manager
	logger  *slog.Logger
}

// NewDiscoverer creates a Discoverer on top of the session manager.
func NewDiscoverer(manager *Manager, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		manager: manager,
		logger:  logger.With(slog.String("component", "discovery")),
	}
}

// QueryPortalForTargets creates a discovery session to the portal,
// issues SendTargets=All, and returns the advertised targets. The
// discovery session lives only for the duration of the query; logout
// errors are ignored.
func (d *Discoverer) QueryPortalForTargets(ctx context.Context, portal Portal, auth Auth) (*DiscoveryRecord, LoginStatus, error) {
	sid, cid, status, err := d.manager.LoginSession(
		ctx, DiscoveryTarget(), portal, auth,
		DefaultSessionConfig(), DefaultConnectionConfig())
	if err != nil {
		return nil, status, err
	}
	if status != LoginSuccess {
		return nil, status, nil
	}

	text, err := d.manager.TextCommand(ctx, sid, cid,
		[]pdu.Pair{{Key: pdu.KeySendTargets, Value: pdu.ValSendTargetsAll}})

	// Best-effort logout regardless of the text outcome.
	if _, lerr := d.manager.LogoutSession(ctx, sid); lerr != nil {
		d.logger.Debug("discovery session logout",
			slog.String("portal", portal.String()),
			slog.Any("error", lerr),
		)
	}
	if err != nil {
		return nil, status, err
	}

	record, err := ParseSendTargets(text, portal)
	if err != nil {
		return nil, status, err
	}

	d.logger.Info("discovery complete",
		slog.String("portal", portal.String()),
		slog.Int("targets", len(record.Targets())),
	)

	return record, status, nil
}

// ParseSendTargets parses a SendTargets response text segment.
// Each TargetName opens a target record; following TargetAddress
// entries ("host:port,tpgt") attach portals to it. Targets advertised
// with no addresses fall back to the discovery portal itself under
// portal group "0".
func ParseSendTargets(text []byte, queried Portal) (*DiscoveryRecord, error) {
	record := NewDiscoveryRecord()

	var current string
	err := pdu.VisitText(text, func(key, value string) error {
		switch key {
		case pdu.KeyTargetName:
			if value == "" {
				return fmt.Errorf("empty TargetName in SendTargets response: %w",
					ErrInvalidArgument)
			}
			current = value
			record.AddTarget(current)

		case pdu.KeyTargetAddress:
			if current == "" {
				return fmt.Errorf("TargetAddress before any TargetName: %w",
					ErrInvalidArgument)
			}
			portal, tpgt, err := parseTargetAddress(value)
			if err != nil {
				return err
			}
			portal.HostInterface = queried.HostInterface
			record.AddPortal(current, tpgt, portal)

		default:
			// Targets may echo other keys; ignore them.
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Portal-group fallback for address-less targets.
	for _, iqn := range record.Targets() {
		if len(record.PortalGroups(iqn)) == 0 {
			record.AddPortal(iqn, defaultPortalGroupTag, queried)
		}
	}

	return record, nil
}

// parseTargetAddress splits "host:port,tpgt". IPv6 literals contain
// colons, so the port is found from the last colon; a missing ",tpgt"
// defaults to portal group "0" and a missing port to the well-known
// iSCSI port.
func parseTargetAddress(value string) (Portal, string, error) {
	if value == "" {
		return Portal{}, "", fmt.Errorf("empty TargetAddress: %w", ErrInvalidArgument)
	}

	addr := value
	tpgt := defaultPortalGroupTag
	if i := strings.LastIndex(value, ","); i >= 0 {
		addr = value[:i]
		tpgt = value[i+1:]
		if tpgt == "" {
			tpgt = defaultPortalGroupTag
		}
	}

	host := addr
	port := DefaultPort
	if i := strings.LastIndex(addr, ":"); i >= 0 && !strings.HasSuffix(addr, "]") {
		// The last colon separates the port unless the address is a
		// bracketed IPv6 literal with no port at all; an unbracketed
		// IPv6 literal is always split at its last colon.
		candidateHost := addr[:i]
		candidatePort := addr[i+1:]
		if !strings.Contains(candidatePort, ":") {
			host = candidateHost
			port = candidatePort
		}
	}

	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if host == "" {
		return Portal{}, "", fmt.Errorf("TargetAddress %q: %w", value, ErrInvalidArgument)
	}

	return Portal{Address: host, Port: port, HostInterface: DefaultHostInterface}, tpgt, nil
}

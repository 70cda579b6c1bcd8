package iscsi

// This file drives the LoginOperationalNegotiation stage and holds the
// per-key reconciliation rules (RFC 3720 Section 12). The rules are a
// declarative package-level table; reconciliation is a pure function
// so the same code answers both the live negotiation and the tests'
// idempotence property.

import (
	"fmt"
	"strconv"

	"github.com/goiscsi/iscsid/internal/pdu"
)

// RFC 3720 default numeric values proposed by the initiator.
const (
	defaultTime2Wait         = 2
	defaultTime2Retain       = 20
	defaultMaxBurstLength    = 262144
	defaultFirstBurstLength  = 65536
	defaultMaxRecvDataSegLen = 8192
	defaultMaxOutstandingR2T = 1
)

// ruleKind selects how a key's proposal and response reconcile.
type ruleKind uint8

const (
	// ruleMin takes the numeric minimum of both sides.
	ruleMin ruleKind = iota

	// ruleOr is boolean OR: Yes if either side said Yes.
	ruleOr

	// ruleAnd is boolean AND: Yes only if both sides said Yes.
	ruleAnd

	// ruleAgree requires equal strings; disagreement falls back to
	// "None" (digest keys).
	ruleAgree

	// ruleDeclarative keys are not negotiated: each side declares its
	// own value (MaxRecvDataSegmentLength).
	ruleDeclarative
)

// reconcileRule is one row of the negotiation table.
type reconcileRule struct {
	kind ruleKind

	// min and max bound numeric keys; both sides' values must be in
	// range.
	min, max uint64
}

// negotiationRules is the complete operational-key reconciliation
// table (RFC 3720 Section 12).
var negotiationRules = map[string]reconcileRule{
	pdu.KeyMaxConnections:           {kind: ruleMin, min: 1, max: 65535},
	pdu.KeyInitialR2T:               {kind: ruleOr},
	pdu.KeyImmediateData:            {kind: ruleAnd},
	pdu.KeyDataPDUInOrder:           {kind: ruleAnd},
	pdu.KeyDataSequenceInOrder:      {kind: ruleAnd},
	pdu.KeyMaxBurstLength:           {kind: ruleMin, min: 512, max: pdu.MaxDataSegmentLength},
	pdu.KeyFirstBurstLength:         {kind: ruleMin, min: 512, max: pdu.MaxDataSegmentLength},
	pdu.KeyMaxOutstandingR2T:        {kind: ruleMin, min: 1, max: 65535},
	pdu.KeyDefaultTime2Wait:         {kind: ruleMin, min: 0, max: 3600},
	pdu.KeyDefaultTime2Retain:       {kind: ruleMin, min: 0, max: 3600},
	pdu.KeyErrorRecoveryLevel:       {kind: ruleMin, min: 0, max: 2},
	pdu.KeyHeaderDigest:             {kind: ruleAgree},
	pdu.KeyDataDigest:               {kind: ruleAgree},
	pdu.KeyMaxRecvDataSegmentLength: {kind: ruleDeclarative, min: 512, max: pdu.MaxDataSegmentLength},
}

// connectionScopedKeys lists the keys that bind per connection rather
// than per session.
var connectionScopedKeys = map[string]bool{
	pdu.KeyHeaderDigest:             true,
	pdu.KeyDataDigest:               true,
	pdu.KeyMaxRecvDataSegmentLength: true,
}

// ReconcileKey applies a key's rule to the initiator proposal and the
// target response and returns the negotiated value.
func ReconcileKey(key, proposed, response string) (string, error) {
	rule, ok := negotiationRules[key]
	if !ok {
		return "", fmt.Errorf("key %q: %w", key, ErrUnsupportedParameter)
	}

	switch rule.kind {
	case ruleMin:
		p, err := parseInRange(key, proposed, rule)
		if err != nil {
			return "", err
		}
		r, err := parseInRange(key, response, rule)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(min(p, r), 10), nil

	case ruleOr:
		if proposed == pdu.ValYes || response == pdu.ValYes {
			return pdu.ValYes, nil
		}
		return pdu.ValNo, nil

	case ruleAnd:
		if proposed == pdu.ValYes && response == pdu.ValYes {
			return pdu.ValYes, nil
		}
		return pdu.ValNo, nil

	case ruleAgree:
		if _, err := ParseDigestKind(response); err != nil {
			return "", fmt.Errorf("key %q value %q: %w", key, response, ErrUnsupportedParameter)
		}
		if proposed == response {
			return proposed, nil
		}
		return pdu.ValDigestNone, nil

	case ruleDeclarative:
		// Each side keeps its own receive limit; the response value
		// caps what the initiator may send.
		if _, err := parseInRange(key, response, rule); err != nil {
			return "", err
		}
		return response, nil

	default:
		return "", fmt.Errorf("key %q: %w", key, ErrUnsupportedParameter)
	}
}

// parseInRange parses a numeric value and checks the rule's bounds.
func parseInRange(key, val string, rule reconcileRule) (uint64, error) {
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q value %q: %w", key, val, ErrUnsupportedParameter)
	}
	if n < rule.min || n > rule.max {
		return 0, fmt.Errorf("key %q value %d outside [%d, %d]: %w",
			key, n, rule.min, rule.max, ErrUnsupportedParameter)
	}
	return n, nil
}

// Reconcile applies the rules to every proposed key. Proposed keys
// with no target answer fail with ErrUnsupportedParameter, except
// declarative keys, where the proposal stands.
func Reconcile(proposal, response map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(proposal))
	for key, proposed := range proposal {
		answered, ok := response[key]
		if !ok {
			rule := negotiationRules[key]
			if rule.kind == ruleDeclarative {
				out[key] = proposed
				continue
			}
			return nil, fmt.Errorf("target did not answer key %q: %w",
				key, ErrUnsupportedParameter)
		}
		value, err := ReconcileKey(key, proposed, answered)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}

	return out, nil
}

// -------------------------------------------------------------------------
// Proposal construction
// -------------------------------------------------------------------------

// operationalProposal builds the initiator's operational key set
// (RFC 3720 Section 12; discovery sessions omit the normal-session
// keys per Section 12.2).
func operationalProposal(discovery bool, sc SessionConfig, cc ConnectionConfig) []pdu.Pair {
	pairs := []pdu.Pair{
		{Key: pdu.KeyHeaderDigest, Value: cc.HeaderDigest.String()},
		{Key: pdu.KeyDataDigest, Value: cc.DataDigest.String()},
		{Key: pdu.KeyMaxRecvDataSegmentLength, Value: strconv.Itoa(defaultMaxRecvDataSegLen)},
		{Key: pdu.KeyDefaultTime2Wait, Value: strconv.Itoa(defaultTime2Wait)},
		{Key: pdu.KeyDefaultTime2Retain, Value: strconv.Itoa(defaultTime2Retain)},
		{Key: pdu.KeyErrorRecoveryLevel, Value: strconv.Itoa(int(sc.ErrorRecoveryLevel))},
	}

	if !discovery {
		pairs = append(pairs,
			pdu.Pair{Key: pdu.KeyMaxConnections, Value: strconv.Itoa(int(sc.MaxConnections))},
			pdu.Pair{Key: pdu.KeyInitialR2T, Value: pdu.ValNo},
			pdu.Pair{Key: pdu.KeyImmediateData, Value: pdu.ValYes},
			pdu.Pair{Key: pdu.KeyMaxBurstLength, Value: strconv.Itoa(defaultMaxBurstLength)},
			pdu.Pair{Key: pdu.KeyFirstBurstLength, Value: strconv.Itoa(defaultFirstBurstLength)},
			pdu.Pair{Key: pdu.KeyMaxOutstandingR2T, Value: strconv.Itoa(defaultMaxOutstandingR2T)},
			pdu.Pair{Key: pdu.KeyDataPDUInOrder, Value: pdu.ValYes},
			pdu.Pair{Key: pdu.KeyDataSequenceInOrder, Value: pdu.ValYes},
		)
	}

	return pairs
}

// -------------------------------------------------------------------------
// Stage driver
// -------------------------------------------------------------------------

// negotiateOperational runs the LoginOperationalNegotiation stage on
// lc, possibly spanning multiple Login round trips, and returns the
// reconciled parameters together with the target's final response
// (which carries the TSIH on a leading login).
func negotiateOperational(
	lc *loginConn,
	discovery bool,
	sc SessionConfig,
	cc ConnectionConfig,
) (map[string]string, pdu.LoginResponse, error) {
	proposalPairs := operationalProposal(discovery, sc, cc)

	proposal := make(map[string]string, len(proposalPairs))
	for _, p := range proposalPairs {
		proposal[p.Key] = p.Value
	}

	answers := make(map[string]string)
	pending := proposalPairs

	var rsp pdu.LoginResponse
	for round := 0; ; round++ {
		if round >= maxLoginRounds {
			return nil, pdu.LoginResponse{}, fmt.Errorf(
				"operational negotiation did not converge: %w", ErrUnsupportedParameter)
		}

		var keys map[string]string
		var err error
		rsp, keys, err = lc.roundTrip(
			pdu.StageOperationalNegotiation, pdu.StageFullFeaturePhase, true, pending)
		if err != nil {
			return nil, pdu.LoginResponse{}, err
		}
		if status := LoginStatusFromWire(rsp.Status()); status != LoginSuccess {
			return nil, rsp, nil
		}

		for k, v := range keys {
			answers[k] = v
		}

		// RFC 3720 Section 5.3.1: transition happens when the target
		// echoes Transit with the requested next stage.
		if rsp.Transit && rsp.NSG == pdu.StageFullFeaturePhase {
			break
		}

		// Repeat with the keys the target has not answered yet.
		pending = make([]pdu.Pair, 0, len(proposalPairs))
		for _, p := range proposalPairs {
			if _, ok := answers[p.Key]; !ok {
				pending = append(pending, p)
			}
		}
	}

	negotiated, err := Reconcile(proposal, answers)
	if err != nil {
		return nil, pdu.LoginResponse{}, err
	}

	// Carry the informational keys the target volunteered
	// (TargetAlias, TargetPortalGroupTag) into the session record.
	for _, k := range []string{pdu.KeyTargetAlias, pdu.KeyTargetPortalGroupTag} {
		if v, ok := answers[k]; ok {
			negotiated[k] = v
		}
	}

	return negotiated, rsp, nil
}

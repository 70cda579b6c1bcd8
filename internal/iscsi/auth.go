package iscsi

// This file drives the SecurityNegotiation login stage and the CHAP
// challenge-response sub-protocol (RFC 3720 Section 11.1, RFC 1994).
// MD5 is mandatory for iSCSI CHAP; the nolint pragmas acknowledge
// that the digest choice is the protocol's, not ours.

import (
	"crypto/md5" //nolint:gosec // G501: MD5 required by RFC 3720 Section 11.1.4
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/goiscsi/iscsid/internal/pdu"
)

// chapChallengeSize is the challenge length drawn for mutual CHAP
// (RFC 1994 recommends unique, unpredictable challenges; 16 bytes
// matches common target practice).
const chapChallengeSize = 16

// -------------------------------------------------------------------------
// CHAP primitives — RFC 1994 Section 4.1
// -------------------------------------------------------------------------

// chapResponse computes MD5(id || secret || challenge) and returns it
// as a lowercase hex string with the 0x prefix used on the wire.
func chapResponse(id byte, secret string, challenge []byte) string {
	h := md5.New() //nolint:gosec // G401: MD5 required by RFC 1994
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)

	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// parseCHAPHex decodes a hex-encoded CHAP value, tolerating the
// optional 0x prefix and odd lengths produced by some targets.
func parseCHAPHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("CHAP hex value: %w: %w", ErrAuthenticationFailed, err)
	}

	return b, nil
}

// newCHAPChallenge draws a fresh identifier and challenge from the
// system CSPRNG.
func newCHAPChallenge() (byte, []byte, error) {
	buf := make([]byte, 1+chapChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return 0, nil, fmt.Errorf("generate CHAP challenge: %w", err)
	}

	return buf[0], buf[1:], nil
}

// chapEqual compares two hex-encoded CHAP responses
// case-insensitively and in constant time.
func chapEqual(a, b string) bool {
	ab, errA := parseCHAPHex(a)
	bb, errB := parseCHAPHex(b)
	if errA != nil || errB != nil || len(ab) != len(bb) {
		return false
	}

	return subtle.ConstantTimeCompare(ab, bb) == 1
}

// -------------------------------------------------------------------------
// Security stage — RFC 3720 Section 11.1
// -------------------------------------------------------------------------

// authOffer returns the AuthMethod value offered for the given
// credentials: None when unauthenticated, CHAP alone when mutual CHAP
// must be enforced, and None,CHAP when CHAP is preferred but an open
// target is acceptable.
func authOffer(auth Auth) string {
	switch {
	case auth.Method == AuthMethodNone:
		return pdu.ValAuthMethodNone
	case auth.Mutual():
		return pdu.ValAuthMethodCHAP
	default:
		return pdu.ValAuthMethodNone + "," + pdu.ValAuthMethodCHAP
	}
}

// offerContains reports whether the comma-separated offer includes the
// target's chosen method.
func offerContains(offer, chosen string) bool {
	for _, m := range strings.Split(offer, ",") {
		if m == chosen {
			return true
		}
	}
	return false
}

// securityKeys builds the initial login-command key set
// (RFC 3720 Section 11: identification plus AuthMethod offer).
func securityKeys(target Target, initiatorIQN, initiatorAlias, offer string) []pdu.Pair {
	pairs := make([]pdu.Pair, 0, 5)
	if target.IsDiscovery() {
		pairs = append(pairs, pdu.Pair{Key: pdu.KeySessionType, Value: pdu.ValSessionTypeDisc})
	} else {
		pairs = append(pairs,
			pdu.Pair{Key: pdu.KeySessionType, Value: pdu.ValSessionTypeNormal},
			pdu.Pair{Key: pdu.KeyTargetName, Value: target.IQN},
		)
	}
	pairs = append(pairs,
		pdu.Pair{Key: pdu.KeyInitiatorName, Value: initiatorIQN},
	)
	if initiatorAlias != "" {
		pairs = append(pairs, pdu.Pair{Key: pdu.KeyInitiatorAlias, Value: initiatorAlias})
	}
	pairs = append(pairs, pdu.Pair{Key: pdu.KeyAuthMethod, Value: offer})

	return pairs
}

// authResult carries what the security stage learned.
type authResult struct {
	// method is the AuthMethod the target chose.
	method string

	// tpgt is the TargetPortalGroupTag from the response; meaningful
	// for normal sessions only.
	tpgt uint16

	// rsp is the last login response of the stage; its status is the
	// protocol-level outcome.
	rsp pdu.LoginResponse
}

// authenticate runs the SecurityNegotiation stage on lc. leading
// selects whether the TargetPortalGroupTag is recorded or compared
// against storedTPGT. A non-success login status is returned in
// authResult.rsp with a nil error; the caller releases the attempt.
func authenticate(
	lc *loginConn,
	target Target,
	initiatorIQN, initiatorAlias string,
	auth Auth,
	leading bool,
	storedTPGT uint16,
) (authResult, error) {
	offer := authOffer(auth)
	keys := securityKeys(target, initiatorIQN, initiatorAlias, offer)

	// With no authentication the single security PDU also requests
	// the stage transition; with CHAP the transition waits for the
	// final CHAP round.
	transit := auth.Method == AuthMethodNone

	rsp, answers, err := lc.roundTrip(
		pdu.StageSecurityNegotiation, pdu.StageOperationalNegotiation, transit, keys)
	if err != nil {
		return authResult{}, err
	}
	if LoginStatusFromWire(rsp.Status()) != LoginSuccess {
		return authResult{rsp: rsp}, nil
	}

	chosen, ok := answers[pdu.KeyAuthMethod]
	if !ok {
		chosen = pdu.ValAuthMethodNone
	}
	if !offerContains(offer, chosen) {
		return authResult{}, fmt.Errorf(
			"target chose auth method %q not offered (%q): %w",
			chosen, offer, ErrAuthenticationFailed)
	}

	res := authResult{method: chosen, rsp: rsp}

	// RFC 3720 Section 12.9: normal sessions must learn the portal
	// group tag on the leading login and verify it afterwards.
	if !target.IsDiscovery() {
		res.tpgt, err = checkPortalGroupTag(answers, leading, storedTPGT)
		if err != nil {
			return authResult{}, err
		}
	}

	if chosen == pdu.ValAuthMethodCHAP {
		rsp, err = runCHAP(lc, auth)
		if err != nil {
			return authResult{}, err
		}
		res.rsp = rsp
	}

	return res, nil
}

// checkPortalGroupTag extracts and validates TargetPortalGroupTag.
func checkPortalGroupTag(answers map[string]string, leading bool, stored uint16) (uint16, error) {
	raw, ok := answers[pdu.KeyTargetPortalGroupTag]
	if !ok {
		return 0, fmt.Errorf("target did not report a portal group tag: %w",
			ErrAuthenticationFailed)
	}
	tag, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("portal group tag %q: %w", raw, ErrAuthenticationFailed)
	}
	if !leading && uint16(tag) != stored {
		return 0, fmt.Errorf("portal group tag %d does not match session's %d: %w",
			tag, stored, ErrAuthenticationFailed)
	}

	return uint16(tag), nil
}

// runCHAP performs the CHAP exchange (RFC 1994 over RFC 3720
// Section 11.1.4): algorithm selection, challenge, response, and the
// optional mutual round. The stage transition is requested on the
// final round.
func runCHAP(lc *loginConn, auth Auth) (pdu.LoginResponse, error) {
	// Round 1: algorithm selection. MD5 is the only algorithm iSCSI
	// requires.
	rsp, answers, err := lc.roundTrip(
		pdu.StageSecurityNegotiation, pdu.StageOperationalNegotiation, false,
		[]pdu.Pair{{Key: pdu.KeyCHAPAlgorithm, Value: pdu.ValCHAPAlgMD5}})
	if err != nil {
		return pdu.LoginResponse{}, err
	}
	if LoginStatusFromWire(rsp.Status()) != LoginSuccess {
		return rsp, nil
	}
	if alg := answers[pdu.KeyCHAPAlgorithm]; alg != pdu.ValCHAPAlgMD5 {
		return pdu.LoginResponse{}, fmt.Errorf("target CHAP algorithm %q: %w",
			alg, ErrAuthenticationFailed)
	}

	idStr, okID := answers[pdu.KeyCHAPID]
	challengeStr, okC := answers[pdu.KeyCHAPChallenge]
	if !okID || !okC {
		return pdu.LoginResponse{}, fmt.Errorf("target CHAP challenge missing: %w",
			ErrAuthenticationFailed)
	}
	id, err := strconv.ParseUint(idStr, 10, 8)
	if err != nil {
		return pdu.LoginResponse{}, fmt.Errorf("CHAP identifier %q: %w",
			idStr, ErrAuthenticationFailed)
	}
	challenge, err := parseCHAPHex(challengeStr)
	if err != nil {
		return pdu.LoginResponse{}, err
	}

	// Round 2: our response, plus our own challenge when mutual CHAP
	// is on. This is the final security round, so request the stage
	// transition.
	reply := []pdu.Pair{
		{Key: pdu.KeyCHAPName, Value: auth.TargetUser},
		{Key: pdu.KeyCHAPResponse, Value: chapResponse(byte(id), auth.TargetSecret, challenge)},
	}

	var ourID byte
	var ourChallenge []byte
	if auth.Mutual() {
		ourID, ourChallenge, err = newCHAPChallenge()
		if err != nil {
			return pdu.LoginResponse{}, err
		}
		reply = append(reply,
			pdu.Pair{Key: pdu.KeyCHAPID, Value: strconv.Itoa(int(ourID))},
			pdu.Pair{Key: pdu.KeyCHAPChallenge, Value: "0x" + hex.EncodeToString(ourChallenge)},
		)
	}

	rsp, answers, err = lc.roundTrip(
		pdu.StageSecurityNegotiation, pdu.StageOperationalNegotiation, true, reply)
	if err != nil {
		return pdu.LoginResponse{}, err
	}
	if LoginStatusFromWire(rsp.Status()) != LoginSuccess {
		return rsp, nil
	}

	if auth.Mutual() {
		if err := verifyMutualCHAP(answers, auth, ourID, ourChallenge); err != nil {
			return pdu.LoginResponse{}, err
		}
	}

	return rsp, nil
}

// verifyMutualCHAP checks the target's answer to our challenge.
func verifyMutualCHAP(answers map[string]string, auth Auth, id byte, challenge []byte) error {
	name, okN := answers[pdu.KeyCHAPName]
	response, okR := answers[pdu.KeyCHAPResponse]
	if !okN || !okR {
		return fmt.Errorf("target did not answer mutual CHAP challenge: %w",
			ErrAuthenticationFailed)
	}
	if name != auth.InitiatorUser {
		return fmt.Errorf("mutual CHAP name %q: %w", name, ErrAuthenticationFailed)
	}

	expected := chapResponse(id, auth.InitiatorSecret, challenge)
	if !chapEqual(response, expected) {
		return fmt.Errorf("mutual CHAP response mismatch: %w", ErrAuthenticationFailed)
	}

	return nil
}

// probeAuthMethod opens the security stage offering every RFC 3720
// method and reports the target's choice. Used by the daemon's
// QueryTargetForAuthMethod command; the caller then drops the
// interrogation connection without sending a logout.
func probeAuthMethod(
	lc *loginConn,
	target Target,
	initiatorIQN, initiatorAlias string,
) (string, pdu.LoginResponse, error) {
	keys := securityKeys(target, initiatorIQN, initiatorAlias, pdu.ValAuthMethodAll)

	rsp, answers, err := lc.roundTrip(
		pdu.StageSecurityNegotiation, pdu.StageOperationalNegotiation, false, keys)
	if err != nil {
		return "", pdu.LoginResponse{}, err
	}
	if LoginStatusFromWire(rsp.Status()) != LoginSuccess {
		return "", rsp, nil
	}

	chosen, ok := answers[pdu.KeyAuthMethod]
	if !ok {
		chosen = pdu.ValAuthMethodNone
	}

	return chosen, rsp, nil
}

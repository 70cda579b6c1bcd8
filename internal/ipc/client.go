package ipc

// Client is the CLI side of the daemon socket protocol. One request is
// in flight per connection; every method is a synchronous
// command/response round trip.

import (
	"fmt"
	"net"
	"time"

	"github.com/goiscsi/iscsid/internal/iscsi"
)

// DefaultSocketPath is where the daemon listens when not socket
// activated.
const DefaultSocketPath = "/run/iscsid/iscsid.sock"

// clientTimeout bounds each request round trip on the client side.
// Logins can legitimately take a while against slow targets.
const clientTimeout = 2 * time.Minute

// Client talks to the daemon over its local socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one command and reads its response, translating the
// wire errno back into an engine sentinel.
func (c *Client) roundTrip(hdr CommandHeader, payloads ...[]byte) (ResponseHeader, []byte, error) {
	if err := c.conn.SetDeadline(time.Now().Add(clientTimeout)); err != nil {
		return ResponseHeader{}, nil, fmt.Errorf("set deadline: %w", err)
	}
	if err := WriteCommand(c.conn, hdr, payloads...); err != nil {
		return ResponseHeader{}, nil, err
	}
	rsp, payload, err := ReadResponse(c.conn)
	if err != nil {
		return ResponseHeader{}, nil, err
	}
	if rsp.ErrorCode != 0 {
		return rsp, payload, fmt.Errorf("%s: %w", hdr.Func, iscsi.ErrnoToError(rsp.ErrorCode))
	}

	return rsp, payload, nil
}

// Login logs the target in. A nil portal logs in every portal the
// daemon knows for the target. The returned login status is meaningful
// when err is nil.
func (c *Client) Login(target iscsi.Target, portal *iscsi.Portal) (iscsi.LoginStatus, error) {
	payloads, err := targetPortalPayloads(target, portal)
	if err != nil {
		return iscsi.LoginInvalidStatus, err
	}

	rsp, _, err := c.roundTrip(CommandHeader{Func: FuncLogin}, payloads...)
	if err != nil {
		return iscsi.LoginInvalidStatus, err
	}

	return iscsi.LoginStatusFromWire(rsp.StatusCode), nil
}

// Logout logs out a session (nil portal) or one connection.
func (c *Client) Logout(target iscsi.Target, portal *iscsi.Portal) (iscsi.LogoutStatus, error) {
	payloads, err := targetPortalPayloads(target, portal)
	if err != nil {
		return iscsi.LogoutInvalidStatus, err
	}

	rsp, _, err := c.roundTrip(CommandHeader{Func: FuncLogout}, payloads...)
	if err != nil {
		return iscsi.LogoutInvalidStatus, err
	}

	return iscsi.LogoutStatusFromWire(uint8(rsp.StatusCode)), nil
}

// ActiveTargets lists the targets with live sessions.
func (c *Client) ActiveTargets() ([]iscsi.Target, error) {
	_, payload, err := c.roundTrip(CommandHeader{Func: FuncActiveTargets})
	if err != nil {
		return nil, err
	}
	return iscsi.UnmarshalTargets(payload)
}

// ActivePortals lists a target's live portals.
func (c *Client) ActivePortals(target iscsi.Target) ([]iscsi.Portal, error) {
	tb, err := target.MarshalBytes()
	if err != nil {
		return nil, err
	}
	_, payload, err := c.roundTrip(CommandHeader{Func: FuncActivePortals}, tb)
	if err != nil {
		return nil, err
	}
	return iscsi.UnmarshalPortals(payload)
}

// IsTargetActive reports whether a session exists for the target.
func (c *Client) IsTargetActive(target iscsi.Target) (bool, error) {
	tb, err := target.MarshalBytes()
	if err != nil {
		return false, err
	}
	rsp, _, err := c.roundTrip(CommandHeader{Func: FuncIsTargetActive}, tb)
	if err != nil {
		return false, err
	}
	return rsp.Field1 != 0, nil
}

// IsPortalActive reports whether any live connection uses the portal.
func (c *Client) IsPortalActive(portal iscsi.Portal) (bool, error) {
	pb, err := portal.MarshalBytes()
	if err != nil {
		return false, err
	}
	rsp, _, err := c.roundTrip(CommandHeader{Func: FuncIsPortalActive}, pb)
	if err != nil {
		return false, err
	}
	return rsp.Field1 != 0, nil
}

// QueryAuthMethod interrogates the target at the portal for its
// preferred authentication method.
func (c *Client) QueryAuthMethod(target iscsi.Target, portal iscsi.Portal) (string, iscsi.LoginStatus, error) {
	tb, err := target.MarshalBytes()
	if err != nil {
		return "", iscsi.LoginInvalidStatus, err
	}
	pb, err := portal.MarshalBytes()
	if err != nil {
		return "", iscsi.LoginInvalidStatus, err
	}

	rsp, payload, err := c.roundTrip(CommandHeader{Func: FuncQueryAuthMethod}, tb, pb)
	if err != nil {
		return "", iscsi.LoginInvalidStatus, err
	}
	dict, err := iscsi.UnmarshalStringDict(payload)
	if err != nil {
		return "", iscsi.LoginInvalidStatus, err
	}

	return dict["AuthMethod"], iscsi.LoginStatusFromWire(rsp.StatusCode), nil
}

// QueryTargets runs SendTargets discovery against the portal.
func (c *Client) QueryTargets(portal iscsi.Portal, auth iscsi.Auth) (*iscsi.DiscoveryRecord, error) {
	pb, err := portal.MarshalBytes()
	if err != nil {
		return nil, err
	}
	ab, err := auth.MarshalBytes()
	if err != nil {
		return nil, err
	}

	_, payload, err := c.roundTrip(CommandHeader{Func: FuncQueryTargets}, pb, ab)
	if err != nil {
		return nil, err
	}

	return iscsi.UnmarshalDiscoveryRecord(payload)
}

// SessionProperties reports the negotiated parameters of the target's
// session, keyed by RFC 3720 key names.
func (c *Client) SessionProperties(target iscsi.Target) (map[string]string, error) {
	tb, err := target.MarshalBytes()
	if err != nil {
		return nil, err
	}
	_, payload, err := c.roundTrip(CommandHeader{Func: FuncSessionProperties}, tb)
	if err != nil {
		return nil, err
	}
	return iscsi.UnmarshalStringDict(payload)
}

// ConnectionProperties reports the negotiated parameters of the
// connection using the given portal.
func (c *Client) ConnectionProperties(target iscsi.Target, portal iscsi.Portal) (map[string]string, error) {
	tb, err := target.MarshalBytes()
	if err != nil {
		return nil, err
	}
	pb, err := portal.MarshalBytes()
	if err != nil {
		return nil, err
	}
	_, payload, err := c.roundTrip(CommandHeader{Func: FuncConnectionProperties}, tb, pb)
	if err != nil {
		return nil, err
	}
	return iscsi.UnmarshalStringDict(payload)
}

// UpdateDiscovery asks the daemon to re-read discovery settings and
// re-arm its timer.
func (c *Client) UpdateDiscovery() error {
	_, _, err := c.roundTrip(CommandHeader{Func: FuncUpdateDiscovery})
	return err
}

// Shutdown asks the daemon to drop this client connection.
func (c *Client) Shutdown() error {
	_, _, err := c.roundTrip(CommandHeader{Func: FuncShutdown})
	return err
}

// targetPortalPayloads builds the target (+ optional portal) payload
// pair shared by Login and Logout.
func targetPortalPayloads(target iscsi.Target, portal *iscsi.Portal) ([][]byte, error) {
	tb, err := target.MarshalBytes()
	if err != nil {
		return nil, err
	}
	if portal == nil {
		return [][]byte{tb}, nil
	}
	pb, err := portal.MarshalBytes()
	if err != nil {
		return nil, err
	}
	return [][]byte{tb, pb}, nil
}

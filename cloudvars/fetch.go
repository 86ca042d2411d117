package cloudvars

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// fetchAll enumerates the full key space for the client's resource id
// over a private, transient socket. The walk advances one pair per
// handshake; the remote signals wrap-around by pushing a name we have
// already seen, which terminates the enumeration. The timeout is a
// valid completion: whatever has been accumulated by then is returned.
//
// Note the termination heuristic is inherited from the remote protocol
// and is not verifiable from its own guarantees. If the remote never
// re-pushes the first duplicate, the walk runs until the timeout and
// returns a partial (possibly complete, possibly truncated) set.
func (c *Client) fetchAll(timeout time.Duration) (map[string]string, error) {
	deadline := time.Now().Add(timeout)

	conn, _, err := c.dialer().Dial(c.opts.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrConnFailed, c.opts.Endpoint, err)
	}
	defer conn.Close()

	handshake := handshakeFrame(c.opts.User, c.opts.ProjectID)
	if err := conn.WriteJSON(handshake); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnFailed, err)
	}

	acc := make(map[string]string)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnFailed, err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Hitting the deadline or a clean remote close both resolve
			// with the partial set; only a transport fault is an error.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.log.Debug().
					Int("pairs", len(acc)).
					Msg("enumeration timed out, returning partial set")
				return acc, nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return acc, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrConnFailed, err)
		}

		in, err := decodeFrame(raw)
		if err != nil || in.kind == kindUnknown {
			c.log.Warn().Err(err).Bytes("frame", raw).Msg("ignoring unrecognized frame during enumeration")
			continue
		}

		switch in.kind {
		case kindPing:
			if err := conn.WriteJSON(pongFrame()); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConnFailed, err)
			}
		case kindAck:
			// The remote advanced its cursor without a pair to push;
			// handshake again to keep walking.
			if err := conn.WriteJSON(handshake); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConnFailed, err)
			}
		case kindPair:
			if _, seen := acc[in.name]; seen {
				// The cursor wrapped; the duplicate itself is excluded.
				return acc, nil
			}
			acc[in.name] = in.value
			if err := conn.WriteJSON(handshake); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConnFailed, err)
			}
		}
	}
}

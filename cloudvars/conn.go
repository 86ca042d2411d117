package cloudvars

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// connState tracks the lifecycle of the shared write socket. The state
// only ever moves forward: Disconnected -> Connecting -> Connected ->
// Closed. Once Closed, a manager is dead; the client creates a fresh
// one on the next write.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// waitResult settles a waiter: either the next correlated inbound frame
// or the error that killed the connection.
type waitResult struct {
	in  inbound
	err error
}

// connManager owns at most one live socket used for every write of a
// client instance. The remote protocol carries no request ids, so
// correlation is positional: exactly one waiter may be registered at a
// time, and it receives the next non-keepalive frame the read pump
// sees. The write queue guarantees by construction that only one
// request is ever outstanding.
type connManager struct {
	endpoint string
	dialer   *websocket.Dialer
	log      zerolog.Logger

	// onClosed runs once, after the transition to Closed, so the owner
	// can drain its queue.
	onClosed func(err error)

	// writeMu serializes writes to the socket; the read pump answers
	// pings on the same socket the queue writes to.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   connState
	conn    *websocket.Conn
	dialing chan struct{} // closed when the in-progress dial settles
	dialErr error
	waiter  chan waitResult
	// pending parks one frame that arrived while no waiter was
	// registered, so an ack landing in the instant between a waiter
	// consuming a stray frame and re-registering is not lost.
	pending *inbound
}

func newConnManager(endpoint string, dialer *websocket.Dialer, log zerolog.Logger, onClosed func(error)) *connManager {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &connManager{
		endpoint: endpoint,
		dialer:   dialer,
		log:      log,
		onClosed: onClosed,
	}
}

// ensure returns the live socket, dialing if necessary. Concurrent
// callers during a dial share the same attempt rather than opening
// duplicate sockets. A timeout tears the manager down, so a manager
// that failed to connect never hands out a socket later.
func (cm *connManager) ensure(timeout time.Duration) (*websocket.Conn, error) {
	cm.mu.Lock()
	switch cm.state {
	case stateConnected:
		conn := cm.conn
		cm.mu.Unlock()
		return conn, nil
	case stateClosed:
		cm.mu.Unlock()
		return nil, ErrConnClosed
	case stateDisconnected:
		ch := make(chan struct{})
		cm.state = stateConnecting
		cm.dialing = ch
		cm.mu.Unlock()
		go cm.dial(ch)
		return cm.awaitDial(ch, timeout)
	default: // stateConnecting
		ch := cm.dialing
		cm.mu.Unlock()
		return cm.awaitDial(ch, timeout)
	}
}

func (cm *connManager) dial(done chan struct{}) {
	conn, _, err := cm.dialer.Dial(cm.endpoint, nil)

	cm.mu.Lock()
	if cm.state == stateClosed {
		// A waiter timed out and tore us down while the dial was in
		// flight. Don't leak the socket.
		cm.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		close(done)
		return
	}
	if err != nil {
		dialErr := fmt.Errorf("%w: dialing %s: %v", ErrConnFailed, cm.endpoint, err)
		cm.dialErr = dialErr
		cm.mu.Unlock()
		close(done)
		cm.closeWith(dialErr)
		return
	}
	cm.state = stateConnected
	cm.conn = conn
	cm.mu.Unlock()
	close(done)

	cm.log.Debug().Str("endpoint", cm.endpoint).Msg("write socket connected")
	go cm.readPump(conn)
}

func (cm *connManager) awaitDial(done chan struct{}, timeout time.Duration) (*websocket.Conn, error) {
	select {
	case <-done:
	case <-time.After(timeout):
		err := fmt.Errorf("%w: no connection after %v", ErrConnTimeout, timeout)
		cm.closeWith(err)
		return nil, err
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.dialErr != nil {
		return nil, cm.dialErr
	}
	if cm.state != stateConnected {
		return nil, ErrConnClosed
	}
	return cm.conn, nil
}

// readPump is the only reader of the socket. It answers pings inline,
// drops frames it can't classify, and forwards everything else to the
// registered waiter.
func (cm *connManager) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			cm.closeWith(closeKind(err))
			return
		}
		in, err := decodeFrame(raw)
		if err != nil || in.kind == kindUnknown {
			// One stray frame must not disrupt the connection or the
			// in-flight operation.
			cm.log.Warn().Err(err).Bytes("frame", raw).Msg("ignoring unrecognized frame")
			continue
		}
		if in.kind == kindPing {
			if err := cm.send(pongFrame()); err != nil {
				cm.log.Warn().Err(err).Msg("failed to answer ping")
			}
			continue
		}

		cm.mu.Lock()
		w := cm.waiter
		cm.waiter = nil
		if w == nil {
			// Park the frame for the next registration instead of
			// dropping it; with no request id, this may well be the ack
			// the in-flight write is about to wait for.
			if cm.pending != nil {
				cm.log.Debug().Stringer("kind", cm.pending.kind).Msg("replacing an undelivered frame")
			}
			parked := in
			cm.pending = &parked
			cm.mu.Unlock()
			continue
		}
		cm.mu.Unlock()
		w <- waitResult{in: in}
	}
}

// register installs ch as the single waiter, or delivers a parked frame
// into it instead when one arrived while no waiter was registered.
func (cm *connManager) register(ch chan waitResult) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != stateConnected {
		return ErrConnClosed
	}
	if cm.waiter != nil {
		// The write queue never lets this happen; a second in-flight
		// request means the serialization invariant is broken.
		return fmt.Errorf("%w: request already in flight", ErrConnFailed)
	}
	if cm.pending != nil {
		// ch is buffered and freshly drained, so this never blocks.
		ch <- waitResult{in: *cm.pending}
		cm.pending = nil
		return nil
	}
	cm.waiter = ch
	return nil
}

// send writes one frame. Safe for concurrent use; the socket itself
// allows only one writer at a time.
func (cm *connManager) send(f frame) error {
	cm.mu.Lock()
	if cm.state != stateConnected {
		cm.mu.Unlock()
		return ErrConnClosed
	}
	conn := cm.conn
	cm.mu.Unlock()

	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrConnFailed, err)
	}
	return nil
}

// roundTripAck sends a frame and waits for the correlated ack. Frames
// of other kinds arriving in the window are logged and skipped, since a
// stray enumeration push must not fail a write. The deadline covers the
// whole exchange; exceeding it closes the socket.
func (cm *connManager) roundTripAck(f frame, timeout time.Duration) (inbound, error) {
	deadline := time.Now().Add(timeout)

	ch := make(chan waitResult, 1)
	if err := cm.register(ch); err != nil {
		return inbound{}, err
	}

	if err := cm.send(f); err != nil {
		cm.unregister(ch)
		return inbound{}, err
	}

	for {
		select {
		case res := <-ch:
			if res.err != nil {
				return inbound{}, res.err
			}
			if res.in.kind == kindAck {
				return res.in, nil
			}
			cm.log.Warn().Stringer("kind", res.in.kind).Msg("ignoring non-ack frame during write")
			// Keep waiting within the same deadline. register picks up
			// any frame that arrived while we were handling this one.
			if err := cm.register(ch); err != nil {
				return inbound{}, err
			}
		case <-time.After(time.Until(deadline)):
			err := fmt.Errorf("%w: no ack after %v", ErrConnTimeout, timeout)
			cm.unregister(ch)
			cm.closeWith(err)
			return inbound{}, err
		}
	}
}

func (cm *connManager) unregister(ch chan waitResult) {
	cm.mu.Lock()
	if cm.waiter == ch {
		cm.waiter = nil
	}
	cm.mu.Unlock()
}

// closeWith moves the manager to Closed exactly once: the socket is
// closed, the active waiter is rejected, and the owner's onClosed hook
// drains whatever is still queued.
func (cm *connManager) closeWith(err error) {
	cm.mu.Lock()
	if cm.state == stateClosed {
		cm.mu.Unlock()
		return
	}
	cm.state = stateClosed
	conn := cm.conn
	cm.conn = nil
	w := cm.waiter
	cm.waiter = nil
	cm.pending = nil
	cm.mu.Unlock()

	cm.log.Debug().Err(err).Msg("write socket closed")
	if conn != nil {
		conn.Close()
	}
	if w != nil {
		w <- waitResult{err: err}
	}
	if cm.onClosed != nil {
		cm.onClosed(err)
	}
}

// closed reports whether the manager has been torn down.
func (cm *connManager) closed() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == stateClosed
}

// closeKind maps a read error to the failure kind callers see: a close
// frame or EOF means the remote hung up, anything else is a transport
// fault.
func closeKind(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnFailed, err)
}

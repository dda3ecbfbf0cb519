// Package socket owns the persistent dispatch connection for one client
// role: handshake authentication, reconnection per role policy, emits, and
// acknowledged commands.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridewire/internal/auth"
	"ridewire/internal/ride"
	"ridewire/internal/timer"
	"ridewire/internal/wire"
)

// Namespace is the socket endpoint path all ride traffic flows through.
const Namespace = "/ride"

// Manager owns one transport connection. A process constructs one Manager
// per role; the connection handle is recreated, never mutated, on each
// reconnect attempt.
type Manager struct {
	role     ride.Role
	endpoint url.URL
	tokens   auth.TokenSource
	policy   RetryPolicy
	dialer   *websocket.Dialer

	onEvent   func(wire.Envelope)
	onConnect func()
	onState   func(ride.ConnState)
	sched     timer.Scheduler

	mu      sync.Mutex
	state   ride.ConnState
	conn    *websocket.Conn
	gen     int
	closing bool
	ackSeq  int
	pending map[string]chan wire.Envelope

	writeMu sync.Mutex
}

// New builds a manager for one role. The endpoint is the server base URL;
// the ride namespace is appended at dial time.
func New(role ride.Role, endpoint url.URL, tokens auth.TokenSource, policy RetryPolicy) *Manager {
	if policy.Backoff <= 0 {
		policy.Backoff = 2 * time.Second
	}
	return &Manager{
		role:     role,
		endpoint: endpoint,
		tokens:   tokens,
		policy:   policy,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:    ride.ConnState{Phase: ride.Disconnected},
		pending:  make(map[string]chan wire.Envelope),
	}
}

// OnEvent sets the sink for inbound non-ack envelopes, normally a router's
// Dispatch. Must be set before Connect.
func (m *Manager) OnEvent(fn func(wire.Envelope)) { m.onEvent = fn }

// OnConnect runs once per successful connect, after the handshake settles.
func (m *Manager) OnConnect(fn func()) { m.onConnect = fn }

// OnStateChange observes connection state transitions.
func (m *Manager) OnStateChange(fn func(ride.ConnState)) { m.onState = fn }

// AttachScheduler ties a timeout scheduler to the connection lifecycle;
// Disconnect cancels everything pending on it.
func (m *Manager) AttachScheduler(s timer.Scheduler) { m.sched = s }

// State returns the current connection state.
func (m *Manager) State() ride.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the live transport has completed its
// handshake, not just the cached phase.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.state.Phase == ride.Connected
}

// Connect starts connecting in the background. Calling while connecting or
// connected is a logged no-op. Auth resolution failure aborts before any
// socket is opened and parks the state at error("auth").
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state.Phase == ride.Connecting || m.state.Phase == ride.Connected {
		log.Printf("socket(%s): connect ignored, already %s", m.role, m.state.Phase)
		m.mu.Unlock()
		return
	}
	m.closing = false
	m.gen++
	gen := m.gen
	m.setStateLocked(ride.ConnState{Phase: ride.Connecting})
	m.mu.Unlock()

	go m.connectLoop(gen)
}

// Disconnect tears the transport down, fails in-flight acks, cancels every
// pending timer on the attached scheduler, and pauses all retries. Safe to
// call any number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.gen++
	conn := m.conn
	m.conn = nil
	m.failPendingLocked()
	m.setStateLocked(ride.ConnState{Phase: ride.Disconnected})
	m.mu.Unlock()

	if m.sched != nil {
		m.sched.CancelAll()
	}
	if conn != nil {
		conn.Close()
	}
}

// Emit sends a fire-and-forget event. On a non-connected transport it is a
// no-op surfaced as ride.ErrNotConnected.
func (m *Manager) Emit(event string, v any) error {
	env, err := wire.Encode(event, v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	connected := m.state.Phase == ride.Connected
	m.mu.Unlock()
	if conn == nil || !connected {
		log.Printf("socket(%s): emit %s dropped, not connected", m.role, event)
		return ride.ErrNotConnected
	}
	return m.write(conn, env)
}

// EmitWithAck sends an event and waits up to timeout for the correlated
// acknowledgement. A missing ack is ride.ErrAckTimeout; a teardown while
// waiting is ride.ErrNotConnected.
func (m *Manager) EmitWithAck(ctx context.Context, event string, v any, timeout time.Duration) (wire.Envelope, error) {
	env, err := wire.Encode(event, v)
	if err != nil {
		return wire.Envelope{}, err
	}

	m.mu.Lock()
	conn := m.conn
	if conn == nil || m.state.Phase != ride.Connected {
		m.mu.Unlock()
		return wire.Envelope{}, ride.ErrNotConnected
	}
	m.ackSeq++
	env.AckID = strconv.Itoa(m.ackSeq)
	ch := make(chan wire.Envelope, 1)
	m.pending[env.AckID] = ch
	m.mu.Unlock()

	if err := m.write(conn, env); err != nil {
		m.dropPending(env.AckID)
		return wire.Envelope{}, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return wire.Envelope{}, ride.ErrNotConnected
		}
		return reply, nil
	case <-t.C:
		m.dropPending(env.AckID)
		return wire.Envelope{}, ride.ErrAckTimeout
	case <-ctx.Done():
		m.dropPending(env.AckID)
		return wire.Envelope{}, ctx.Err()
	}
}

func (m *Manager) write(conn *websocket.Conn, env wire.Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (m *Manager) dropPending(ackID string) {
	m.mu.Lock()
	delete(m.pending, ackID)
	m.mu.Unlock()
}

func (m *Manager) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

func (m *Manager) setStateLocked(s ride.ConnState) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onState != nil {
		go m.onState(s)
	}
}

// stopped reports whether the loop owning gen has been superseded.
func (m *Manager) stopped(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing || m.gen != gen
}

func (m *Manager) fail(gen int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing || m.gen != gen {
		return
	}
	log.Printf("socket(%s): giving up: %s", m.role, reason)
	m.setStateLocked(ride.ConnState{Phase: ride.ConnFailed, Reason: reason})
}

func (m *Manager) connectLoop(gen int) {
	authCtx, err := auth.Resolve(m.tokens, m.role)
	if err != nil {
		m.fail(gen, "auth")
		return
	}

	for attempt := 1; ; attempt++ {
		if m.stopped(gen) {
			return
		}
		conn, resp, err := m.dial(authCtx)
		if err == nil {
			m.adopt(gen, conn)
			return
		}
		if reason, permanent := permanentDialFailure(resp, err); permanent {
			m.fail(gen, reason)
			return
		}
		log.Printf("socket(%s): dial attempt %d failed: %v", m.role, attempt, err)
		if m.policy.exhausted(attempt) {
			m.fail(gen, "connection failed")
			return
		}
		time.Sleep(m.policy.Backoff)
	}
}

func (m *Manager) dial(authCtx ride.AuthContext) (*websocket.Conn, *http.Response, error) {
	u := m.endpoint
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = joinPath(u.Path, Namespace)
	q := u.Query()
	q.Set("userId", strconv.FormatInt(authCtx.UserID, 10))
	q.Set("userType", string(authCtx.Role))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if authCtx.Token != "" {
		header.Set("Authorization", "Bearer "+authCtx.Token)
	}
	return m.dialer.Dial(u.String(), header)
}

// permanentDialFailure classifies handshake failures that must be surfaced
// rather than retried: server-side auth rejection and malformed replies.
func permanentDialFailure(resp *http.Response, err error) (string, bool) {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return "authentication rejected", true
	}
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && resp.StatusCode < 500 {
		return fmt.Sprintf("handshake rejected: %s", resp.Status), true
	}
	return "", false
}

func (m *Manager) adopt(gen int, conn *websocket.Conn) {
	m.mu.Lock()
	if m.closing || m.gen != gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.setStateLocked(ride.ConnState{Phase: ride.Connected})
	m.mu.Unlock()

	log.Printf("socket(%s): connected", m.role)
	go m.readPump(gen, conn)
	if m.onConnect != nil {
		m.onConnect()
	}
}

func (m *Manager) readPump(gen int, conn *websocket.Conn) {
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.handleDrop(gen, conn, err)
			return
		}
		if env.Event == wire.EventAck && env.AckID != "" {
			m.deliverAck(env)
			continue
		}
		if m.onEvent != nil {
			m.onEvent(env)
		}
	}
}

func (m *Manager) deliverAck(env wire.Envelope) {
	m.mu.Lock()
	ch, ok := m.pending[env.AckID]
	delete(m.pending, env.AckID)
	m.mu.Unlock()
	if !ok {
		// Ack for an operation that timed out or was cancelled.
		log.Printf("socket(%s): orphan ack %s ignored", m.role, env.AckID)
		return
	}
	ch <- env
}

func (m *Manager) handleDrop(gen int, conn *websocket.Conn, err error) {
	conn.Close()
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.failPendingLocked()
	if m.closing {
		m.setStateLocked(ride.ConnState{Phase: ride.Disconnected})
		m.mu.Unlock()
		return
	}
	log.Printf("socket(%s): connection dropped: %v", m.role, err)
	m.setStateLocked(ride.ConnState{Phase: ride.Connecting})
	m.mu.Unlock()

	go m.connectLoop(gen)
}

func joinPath(base, suffix string) string {
	if base == "" || base == "/" {
		return suffix
	}
	if base[len(base)-1] == '/' {
		return base[:len(base)-1] + suffix
	}
	return base + suffix
}

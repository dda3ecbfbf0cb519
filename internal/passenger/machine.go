// Package passenger drives a single ride-request lifecycle for the
// passenger role.
package passenger

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"ridewire/internal/ride"
	"ridewire/internal/router"
	"ridewire/internal/timer"
	"ridewire/internal/wire"
)

type State string

const (
	StateIdle          State = "idle"
	StateSearching     State = "searching"
	StateDriverFound   State = "driver_found"
	StateEnRoute       State = "en_route"
	StateArrived       State = "arrived"
	StateInProgress    State = "in_progress"
	StateCompleted     State = "completed"
	StateNoDriverFound State = "no_driver_found"
	StateCancelled     State = "cancelled"
	StateError         State = "error"
)

// terminal states require a fresh RequestRide to continue.
func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateNoDriverFound, StateCancelled, StateError:
		return true
	}
	return false
}

// Conn is the slice of the connection manager this machine needs.
type Conn interface {
	Connect()
	Connected() bool
	Emit(event string, v any) error
}

// Update is what observers see on every transition. Err carries the error
// taxonomy entry behind an Error state, nil otherwise.
type Update struct {
	State   State
	Message string
	Err     error
	RideID  string
	Driver  *ride.DriverInfo
	Session *ride.Session
}

// Observer receives machine transitions. Implementations must not call
// back into the machine synchronously.
type Observer interface {
	PassengerUpdate(Update)
}

type nopObserver struct{}

func (nopObserver) PassengerUpdate(Update) {}

const retryKey = "passenger:request-retry"

// Machine serializes all passenger ride-state transitions behind one
// mutex; socket callbacks arrive from the connection's single read pump
// and timer callbacks take the same path.
type Machine struct {
	conn  Conn
	sched timer.Scheduler
	rt    *router.Router
	obs   Observer

	retryLimit int
	retryDelay time.Duration

	mu       sync.Mutex
	state    State
	rideID   string
	draft    *ride.RequestDraft
	session  *ride.Session
	driver   *ride.DriverInfo
	lastErr  error
	sent     bool
	attempts int
	gen      int
}

// New wires a machine onto a router. The caller owns the one-per-role
// cardinality: build exactly one passenger machine per connection.
func New(conn Conn, sched timer.Scheduler, rt *router.Router, obs Observer) *Machine {
	if obs == nil {
		obs = nopObserver{}
	}
	m := &Machine{
		conn:       conn,
		sched:      sched,
		rt:         rt,
		obs:        obs,
		retryLimit: 5,
		retryDelay: 2 * time.Second,
		state:      StateIdle,
	}
	rt.Handle(wire.EventRequestReceived, m.onRequestResponse)
	rt.Handle(wire.EventRequestResponse, m.onRequestResponse)
	rt.Handle(wire.EventAccepted, m.onDriverFound)
	rt.Handle(wire.EventDriverFound, m.onDriverFound)
	rt.Handle(wire.EventStatusUpdate, m.onStatusUpdate)
	rt.Handle(wire.EventNoDriverFound, m.onNoDriverFound)
	rt.Handle(wire.EventCancelled, m.onCancelled)
	rt.Handle(wire.EventServerError, m.onServerError)
	return m
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RideID returns the server-assigned ride id, if one has arrived.
func (m *Machine) RideID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rideID
}

// Session returns the active ride session, nil outside a matched ride.
func (m *Machine) Session() *ride.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// RequestRide submits a draft and enters Searching. If the connection is
// down it triggers a connect and re-attempts the emit on a fixed delay, up
// to the connection policy's bound, then fails with ConnectionUnavailable
// rather than retrying forever.
func (m *Machine) RequestRide(draft ride.RequestDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSearching {
		return ride.ErrPrecondition
	}
	d := draft
	m.draft = &d
	m.rideID = ""
	m.session = nil
	m.driver = nil
	m.lastErr = nil
	m.sent = false
	m.attempts = 0
	m.gen++
	m.toLocked(StateSearching, "")

	if m.conn.Connected() {
		m.emitRequestLocked()
		return nil
	}
	m.conn.Connect()
	m.scheduleRetryLocked()
	return nil
}

// CancelRideSearch abandons the current search. With a server-assigned
// ride id a cancel event is emitted; otherwise there is nothing to tell
// the server and the machine just resets.
func (m *Machine) CancelRideSearch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSearching {
		return ride.ErrPrecondition
	}
	m.gen++
	m.sched.Cancel(retryKey)
	if m.rideID == "" {
		m.draft = nil
		m.toLocked(StateIdle, "")
		return nil
	}
	if err := m.conn.Emit(wire.EventCancelRide, wire.CancelRide{RideID: m.rideID}); err != nil {
		log.Printf("passenger: cancel emit failed: %v", err)
	}
	m.clearRideLocked()
	m.toLocked(StateCancelled, "")
	return nil
}

// Reset returns a terminal machine to Idle so a new request can start.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.terminal() {
		m.clearRideLocked()
		m.toLocked(StateIdle, "")
	}
}

func (m *Machine) emitRequestLocked() {
	if m.sent || m.draft == nil {
		return
	}
	if err := m.conn.Emit(wire.EventRequestRide, wire.NewRideRequest(*m.draft)); err != nil {
		log.Printf("passenger: request emit failed: %v", err)
		m.scheduleRetryLocked()
		return
	}
	m.sent = true
	m.sched.Cancel(retryKey)
}

func (m *Machine) scheduleRetryLocked() {
	gen := m.gen
	m.sched.Schedule(retryKey, m.retryDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.state != StateSearching || m.sent {
			return
		}
		m.attempts++
		if m.conn.Connected() {
			m.emitRequestLocked()
			return
		}
		if m.attempts >= m.retryLimit {
			m.draft = nil
			m.lastErr = ride.ErrConnectionUnavailable
			m.toLocked(StateError, "Unable to reach dispatch. Please try again.")
			return
		}
		m.scheduleRetryLocked()
	})
}

func (m *Machine) onRequestResponse(event string, data json.RawMessage) {
	var res wire.RequestResponse
	if err := wire.Decode(event, data, &res); err != nil {
		log.Printf("passenger: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSearching {
		return
	}
	if !res.Success {
		m.draft = nil
		m.toLocked(StateIdle, deref(res.Message))
		return
	}
	if res.RideID != nil {
		m.rideID = *res.RideID
	}
}

func (m *Machine) onDriverFound(event string, data json.RawMessage) {
	var found wire.DriverFound
	if err := wire.Decode(event, data, &found); err != nil {
		log.Printf("passenger: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Terminal for the finding phase: later driver-found deliveries for
	// the same ride are ignored.
	if m.state != StateSearching {
		return
	}
	if found.RideID != nil && m.rideID != "" && *found.RideID != m.rideID {
		log.Printf("passenger: driver found for stale ride %s, ignored", *found.RideID)
		return
	}
	driver := found.Driver()
	m.driver = &driver
	m.session = m.sessionFromDraftLocked()
	m.toLocked(StateDriverFound, "")
}

func (m *Machine) sessionFromDraftLocked() *ride.Session {
	s := ride.Session{RideID: m.rideID, Status: wire.StatusDriverFound}
	if m.draft != nil {
		s.Pickup = m.draft.Pickup
		s.Dropoff = m.draft.Dropoff
		s.Price = m.draft.EstimatedPrice
	}
	return &s
}

func (m *Machine) onStatusUpdate(event string, data json.RawMessage) {
	var su wire.StatusUpdate
	if err := wire.Decode(event, data, &su); err != nil {
		log.Printf("passenger: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rideID != "" && su.RideID != "" && su.RideID != m.rideID {
		log.Printf("passenger: status for stale ride %s, ignored", su.RideID)
		return
	}
	msg := deref(su.Message)
	switch su.Status {
	case wire.StatusRideCancelled:
		if m.state.terminal() {
			return
		}
		m.clearRideLocked()
		m.toLocked(StateCancelled, msg)
	case wire.StatusRideCompleted:
		if m.state.terminal() {
			return
		}
		m.clearRideLocked()
		m.toLocked(StateCompleted, msg)
	case wire.StatusDriverEnRoute:
		if m.state == StateDriverFound {
			m.sessionStatusLocked(su.Status)
			m.toLocked(StateEnRoute, msg)
		}
	case wire.StatusDriverArrived:
		if m.state == StateEnRoute || m.state == StateDriverFound {
			m.sessionStatusLocked(su.Status)
			m.toLocked(StateArrived, msg)
		}
	case wire.StatusRideStarted:
		if m.state == StateArrived || m.state == StateEnRoute || m.state == StateDriverFound {
			m.sessionStatusLocked(su.Status)
			m.toLocked(StateInProgress, msg)
		}
	case wire.StatusNoDriverFound:
		if m.state == StateSearching {
			m.clearRideLocked()
			m.toLocked(StateNoDriverFound, msg)
		}
	case wire.StatusSearching, wire.StatusDriverFound:
		// Already modeled by dedicated events.
	default:
		log.Printf("passenger: unknown ride status %q, ignored", su.Status)
	}
}

func (m *Machine) onNoDriverFound(event string, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSearching {
		return
	}
	m.clearRideLocked()
	m.toLocked(StateNoDriverFound, "No drivers available right now.")
}

func (m *Machine) onCancelled(event string, data json.RawMessage) {
	var c wire.Cancelled
	if err := wire.Decode(event, data, &c); err != nil {
		log.Printf("passenger: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.terminal() || m.state == StateIdle {
		return
	}
	m.clearRideLocked()
	m.toLocked(StateCancelled, deref(c.Reason))
}

func (m *Machine) onServerError(event string, data json.RawMessage) {
	var se wire.ServerError
	if err := wire.Decode(event, data, &se); err != nil {
		log.Printf("passenger: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Domain rejection: fall back to the last stable state.
	if m.state == StateSearching && m.rideID == "" {
		m.draft = nil
		m.toLocked(StateIdle, se.Message)
		return
	}
	m.obs.PassengerUpdate(m.updateLocked(se.Message))
}

func (m *Machine) sessionStatusLocked(status string) {
	if m.session != nil {
		m.session.Status = status
	}
}

func (m *Machine) clearRideLocked() {
	m.session = nil
	m.driver = nil
	m.draft = nil
	m.lastErr = nil
	m.sched.Cancel(retryKey)
}

func (m *Machine) toLocked(s State, msg string) {
	m.state = s
	// Each state opens a fresh dedup window: duplicates of the event that
	// caused this transition are ignored by the state guards above, while
	// later legitimate events for the same ride still route.
	m.rt.Reset()
	m.obs.PassengerUpdate(m.updateLocked(msg))
}

func (m *Machine) updateLocked(msg string) Update {
	u := Update{State: m.state, Message: msg, Err: m.lastErr, RideID: m.rideID}
	if m.driver != nil {
		d := *m.driver
		u.Driver = &d
	}
	if m.session != nil {
		s := *m.session
		u.Session = &s
	}
	return u
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

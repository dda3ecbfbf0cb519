// Package driver drives presence and the offer lifecycle for the driver
// role.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"ridewire/internal/ride"
	"ridewire/internal/router"
	"ridewire/internal/timer"
	"ridewire/internal/wire"
)

type State string

const (
	StateOffline         State = "offline"
	StateOnline          State = "online" // waiting for offers
	StateOfferReceived   State = "offer_received"
	StateAccepted        State = "accepted"
	StateArrivedAtPickup State = "arrived_at_pickup"
	StateInProgress      State = "in_progress"
	StateCompleted       State = "completed"
)

// DefaultAckTimeout bounds the wait for an accept acknowledgement.
const DefaultAckTimeout = 10 * time.Second

// DefaultOfferTTL applies when an offer carries no expiry of its own.
const DefaultOfferTTL = 30 * time.Second

// Conn is the slice of the connection manager this machine needs.
type Conn interface {
	Connect()
	Connected() bool
	Emit(event string, v any) error
	EmitWithAck(ctx context.Context, event string, v any, timeout time.Duration) (wire.Envelope, error)
	Disconnect()
}

// Update is what observers see on every transition.
type Update struct {
	State   State
	Message string
	Offer   *ride.Offer
	Session *ride.Session
}

// Observer receives machine transitions. Implementations must not call
// back into the machine synchronously.
type Observer interface {
	DriverUpdate(Update)
}

type nopObserver struct{}

func (nopObserver) DriverUpdate(Update) {}

// Machine serializes all driver-side transitions behind one mutex. The
// offer countdown, server-pushed offer timeouts, and ack outcomes all
// funnel through the same guarded paths, so races pick one winner.
type Machine struct {
	conn  Conn
	sched timer.Scheduler
	rt    *router.Router
	obs   Observer

	presence   *Presence
	ackTimeout time.Duration
	offerTTL   time.Duration

	mu      sync.Mutex
	state   State
	offer   *ride.Offer
	session *ride.Session
	gen     int

	// pending presence payload, announced after the handshake settles and
	// re-announced on every reconnect while the driver remains online
	pendingLoc   ride.GeoPoint
	pendingPrefs []int
	wantOnline   bool
}

// New wires a machine onto a router. Call (*Machine).HandleConnected from
// the connection manager's OnConnect hook to complete the two-phase
// go-online emit.
func New(conn Conn, sched timer.Scheduler, rt *router.Router, obs Observer) *Machine {
	if obs == nil {
		obs = nopObserver{}
	}
	m := &Machine{
		conn:       conn,
		sched:      sched,
		rt:         rt,
		obs:        obs,
		ackTimeout: DefaultAckTimeout,
		offerTTL:   DefaultOfferTTL,
		state:      StateOffline,
	}
	m.presence = newPresence(conn)
	rt.Handle(wire.EventNewRequest, m.onNewRequest)
	rt.Handle(wire.EventRequestTimeout, m.onRequestTimeout)
	rt.Handle(wire.EventStatusUpdate, m.onStatusUpdate)
	rt.Handle(wire.EventCancelled, m.onCancelled)
	rt.Handle(wire.EventServerError, m.onServerError)
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveOffer returns the offer awaiting a decision, nil otherwise.
func (m *Machine) ActiveOffer() *ride.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offer == nil {
		return nil
	}
	o := *m.offer
	return &o
}

func (m *Machine) Session() *ride.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// GoOnline connects if needed and announces availability once the
// handshake settles. The announce is deferred to HandleConnected because
// the transport may report "connected" before the handshake fully settles;
// the emit path re-checks live status right before sending.
func (m *Machine) GoOnline(loc ride.GeoPoint, preferenceIDs []int) {
	m.mu.Lock()
	m.pendingLoc = loc
	m.pendingPrefs = append([]int(nil), preferenceIDs...)
	m.wantOnline = true
	m.rt.Reset()
	m.mu.Unlock()

	if m.conn.Connected() {
		m.announce()
		return
	}
	m.conn.Connect()
}

// HandleConnected must be wired to the connection manager's OnConnect. It
// announces presence exactly once per successful connect while the driver
// wants to be online.
func (m *Machine) HandleConnected() {
	m.mu.Lock()
	want := m.wantOnline
	m.mu.Unlock()
	if want {
		m.announce()
	}
}

func (m *Machine) announce() {
	m.mu.Lock()
	payload := wire.GoOnline{
		Latitude:            m.pendingLoc.Latitude,
		Longitude:           m.pendingLoc.Longitude,
		Role:                string(ride.RoleDriver),
		SelectedPreferences: append([]int(nil), m.pendingPrefs...),
	}
	if payload.SelectedPreferences == nil {
		payload.SelectedPreferences = []int{}
	}
	loc := m.pendingLoc
	m.mu.Unlock()

	// Live transport check happens inside Emit, not against a cached phase.
	if err := m.conn.Emit(wire.EventGoOnline, payload); err != nil {
		log.Printf("driver: go-online announce failed: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.wantOnline {
		return
	}
	if m.state == StateOffline {
		m.toLocked(StateOnline, "")
	}
	m.presence.Start(loc)
}

// GoOffline emits a best-effort going-offline notice, cancels every
// pending timer and in-flight ack wait, and forces the local state to
// Offline whether or not the notice was delivered.
func (m *Machine) GoOffline() {
	m.mu.Lock()
	m.gen++
	m.wantOnline = false
	m.offer = nil
	m.session = nil
	m.mu.Unlock()

	m.presence.Stop()
	if m.conn.Connected() {
		if err := m.conn.Emit(wire.EventGoOffline, struct{}{}); err != nil {
			log.Printf("driver: offline notice not delivered: %v", err)
		}
	}
	m.sched.CancelAll()
	m.conn.Disconnect()

	m.mu.Lock()
	m.toLocked(StateOffline, "")
	m.mu.Unlock()
}

// AcceptRide emits an accept command and waits for its acknowledgement.
// Exactly one outcome resolves the offer: a positive ack moves to Accepted;
// a negative ack returns to Online with the server's refusal; a missing ack
// returns to Online as a timeout. A transport failure also resolves to
// Online but keeps its own message, it is not a timeout.
func (m *Machine) AcceptRide(ctx context.Context, rideRequestID int64) error {
	m.mu.Lock()
	if m.state != StateOfferReceived || m.offer == nil || m.offer.RideRequestID != rideRequestID {
		m.mu.Unlock()
		return ride.ErrPrecondition
	}
	gen := m.gen
	m.mu.Unlock()

	reply, err := m.conn.EmitWithAck(ctx, wire.EventAcceptRide, wire.AcceptRide{RideRequestID: rideRequestID}, m.ackTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	// The operation may have been cancelled (goOffline/disconnect) or the
	// offer resolved another way while waiting; a late ack must not apply.
	if m.gen != gen || m.state != StateOfferReceived || m.offer == nil || m.offer.RideRequestID != rideRequestID {
		return nil
	}
	m.sched.Cancel(offerKey(rideRequestID))

	if err != nil {
		m.offer = nil
		if errors.Is(err, ride.ErrAckTimeout) {
			m.toLocked(StateOnline, "Request timed out")
			return ride.ErrAckTimeout
		}
		m.toLocked(StateOnline, "Could not reach dispatch")
		return err
	}

	var res wire.AckResult
	if wire.IsSentinel(reply.Data) || wire.Decode(wire.EventAck, reply.Data, &res) != nil {
		// Garbled or sentinel ack bodies count as no ack at all.
		m.offer = nil
		m.toLocked(StateOnline, "Request timed out")
		return ride.ErrAckTimeout
	}
	if !res.Success {
		msg := "Ride no longer available"
		if res.Message != nil && *res.Message != "" {
			msg = *res.Message
		}
		m.offer = nil
		m.toLocked(StateOnline, msg)
		return &ride.Rejection{Message: msg}
	}

	rideID := ""
	if res.RideID != nil {
		rideID = *res.RideID
	}
	session := ride.Session{
		RideID:  rideID,
		Pickup:  m.offer.Pickup,
		Dropoff: m.offer.Dropoff,
		Status:  "accepted",
	}
	if m.offer.EstimatedPrice != nil {
		session.Price = *m.offer.EstimatedPrice
	}
	m.session = &session
	m.offer = nil
	m.toLocked(StateAccepted, "")
	return nil
}

// DeclineRide is fire-and-forget: the machine returns to waiting no matter
// what happens to the notice.
func (m *Machine) DeclineRide(rideRequestID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOfferReceived || m.offer == nil || m.offer.RideRequestID != rideRequestID {
		return ride.ErrPrecondition
	}
	if err := m.conn.Emit(wire.EventDeclineRide, wire.DeclineRide{RideRequestID: rideRequestID}); err != nil {
		log.Printf("driver: decline notice not delivered: %v", err)
	}
	m.sched.Cancel(offerKey(rideRequestID))
	m.offer = nil
	m.toLocked(StateOnline, "")
	return nil
}

// UpdateLocation reports the driver's position. Valid whenever online.
func (m *Machine) UpdateLocation(loc ride.GeoPoint) error {
	m.mu.Lock()
	if m.state == StateOffline {
		m.mu.Unlock()
		return ride.ErrPrecondition
	}
	m.pendingLoc = loc
	m.mu.Unlock()
	return m.presence.Update(loc)
}

// ArrivedAtPickup is valid only from Accepted.
func (m *Machine) ArrivedAtPickup() error {
	return m.rideAction(wire.EventArrivedAtPickup, StateAccepted, StateArrivedAtPickup, "")
}

// StartRide is valid only from ArrivedAtPickup.
func (m *Machine) StartRide() error {
	return m.rideAction(wire.EventStartRide, StateArrivedAtPickup, StateInProgress, "")
}

// CompleteRide is valid only from InProgress; the machine passes through
// Completed and settles back to waiting for offers.
func (m *Machine) CompleteRide() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInProgress || m.session == nil {
		log.Printf("driver: completeRide ignored in state %s", m.state)
		return ride.ErrPrecondition
	}
	if err := m.conn.Emit(wire.EventCompleteRide, wire.RideAction{RideID: m.session.RideID}); err != nil {
		return err
	}
	m.session = nil
	m.toLocked(StateCompleted, "")
	m.toLocked(StateOnline, "")
	return nil
}

func (m *Machine) rideAction(event string, from, to State, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from || m.session == nil {
		log.Printf("driver: %s ignored in state %s", event, m.state)
		return ride.ErrPrecondition
	}
	if err := m.conn.Emit(event, wire.RideAction{RideID: m.session.RideID}); err != nil {
		return err
	}
	m.session.Status = string(to)
	m.toLocked(to, msg)
	return nil
}

func (m *Machine) onNewRequest(event string, data json.RawMessage) {
	var req wire.NewRequest
	if err := wire.Decode(event, data, &req); err != nil {
		log.Printf("driver: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOnline {
		// One active offer at a time: a second offer mid-decision is a
		// protocol violation and must not displace the first.
		log.Printf("driver: offer %d rejected, machine is %s", req.RideRequestID, m.state)
		return
	}
	offer := req.Offer()
	m.offer = &offer
	ttl := m.offerTTL
	if offer.ExpiresAt != nil {
		if until := time.Until(*offer.ExpiresAt); until > 0 {
			ttl = until
		}
	}
	gen := m.gen
	id := offer.RideRequestID
	m.sched.Schedule(offerKey(id), ttl, func() {
		m.expireOffer(gen, id, "Offer expired")
	})
	m.toLocked(StateOfferReceived, "")
}

// expireOffer is the single code path for both the local countdown and the
// server-pushed offer timeout.
func (m *Machine) expireOffer(gen int, rideRequestID int64, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateOfferReceived || m.offer == nil || m.offer.RideRequestID != rideRequestID {
		return
	}
	m.sched.Cancel(offerKey(rideRequestID))
	m.offer = nil
	m.toLocked(StateOnline, msg)
}

func (m *Machine) onRequestTimeout(event string, data json.RawMessage) {
	var rt wire.RequestTimeout
	if len(data) > 0 {
		if err := wire.Decode(event, data, &rt); err != nil {
			log.Printf("driver: %v", err)
			return
		}
	}
	m.mu.Lock()
	id := int64(0)
	if rt.RideRequestID != nil {
		id = *rt.RideRequestID
	} else if m.offer != nil {
		id = m.offer.RideRequestID
	}
	gen := m.gen
	m.mu.Unlock()
	if id != 0 {
		m.expireOffer(gen, id, "Offer expired")
	}
}

func (m *Machine) onStatusUpdate(event string, data json.RawMessage) {
	var su wire.StatusUpdate
	if err := wire.Decode(event, data, &su); err != nil {
		log.Printf("driver: %v", err)
		return
	}
	switch su.Status {
	case wire.StatusRideCancelled:
		m.rideEnded(su.RideID, endedMessage(su.Message, "Ride cancelled"))
	case wire.StatusRideCompleted:
		m.rideEnded(su.RideID, endedMessage(su.Message, "Ride completed"))
	}
}

func (m *Machine) onCancelled(event string, data json.RawMessage) {
	var c wire.Cancelled
	if err := wire.Decode(event, data, &c); err != nil {
		log.Printf("driver: %v", err)
		return
	}
	rideID := ""
	if c.RideID != nil {
		rideID = *c.RideID
	}
	m.rideEnded(rideID, endedMessage(c.Reason, "Ride cancelled"))
}

// rideEnded resolves the active session (or pending offer) when the server
// closes the ride from its side.
func (m *Machine) rideEnded(rideID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		if rideID != "" && m.session.RideID != "" && rideID != m.session.RideID {
			log.Printf("driver: end of stale ride %s ignored", rideID)
			return
		}
		m.session = nil
		m.toLocked(StateOnline, msg)
		return
	}
	if m.offer != nil && m.state == StateOfferReceived {
		m.sched.Cancel(offerKey(m.offer.RideRequestID))
		m.offer = nil
		m.toLocked(StateOnline, msg)
	}
}

func (m *Machine) onServerError(event string, data json.RawMessage) {
	var se wire.ServerError
	if err := wire.Decode(event, data, &se); err != nil {
		log.Printf("driver: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs.DriverUpdate(m.updateLocked(se.Message))
}

func (m *Machine) toLocked(s State, msg string) {
	m.state = s
	// Each state opens a fresh dedup window; state guards handle
	// duplicates of the transition-causing event itself.
	m.rt.Reset()
	m.obs.DriverUpdate(m.updateLocked(msg))
}

func (m *Machine) updateLocked(msg string) Update {
	u := Update{State: m.state, Message: msg}
	if m.offer != nil {
		o := *m.offer
		u.Offer = &o
	}
	if m.session != nil {
		s := *m.session
		u.Session = &s
	}
	return u
}

func endedMessage(msg *string, fallback string) string {
	if msg != nil && *msg != "" {
		return *msg
	}
	return fallback
}

func offerKey(rideRequestID int64) string {
	return "offer:" + strconv.FormatInt(rideRequestID, 10)
}

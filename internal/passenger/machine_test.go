package passenger

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"ridewire/internal/ride"
	"ridewire/internal/router"
	"ridewire/internal/timer"
	"ridewire/internal/wire"
)

const retryTimerKey = "passenger:request-retry"

type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	connectCalls int
	emits        []string
}

func (c *fakeConn) Connect() {
	c.mu.Lock()
	c.connectCalls++
	c.mu.Unlock()
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Emit(event string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ride.ErrNotConnected
	}
	c.emits = append(c.emits, event)
	return nil
}

func (c *fakeConn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeConn) emitted(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.emits {
		if e == event {
			n++
		}
	}
	return n
}

type recObs struct {
	mu      sync.Mutex
	updates []Update
}

func (o *recObs) PassengerUpdate(u Update) {
	o.mu.Lock()
	o.updates = append(o.updates, u)
	o.mu.Unlock()
}

func (o *recObs) last() Update {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.updates) == 0 {
		return Update{}
	}
	return o.updates[len(o.updates)-1]
}

func newTestMachine(connected bool) (*Machine, *fakeConn, *router.Router, *timer.Manual, *recObs) {
	conn := &fakeConn{connected: connected}
	sched := timer.NewManual()
	rt := router.New()
	obs := &recObs{}
	m := New(conn, sched, rt, obs)
	return m, conn, rt, sched, obs
}

func draft() ride.RequestDraft {
	return ride.RequestDraft{
		Pickup:         ride.Place{GeoPoint: ride.GeoPoint{Latitude: 40.7, Longitude: -74.0}, Address: "A"},
		Dropoff:        ride.Place{GeoPoint: ride.GeoPoint{Latitude: 40.8, Longitude: -73.9}, Address: "B"},
		ServiceTypeID:  1,
		EstimatedPrice: 12.0,
	}
}

func dispatch(rt *router.Router, event, data string) {
	rt.Dispatch(wire.Envelope{Event: event, Data: json.RawMessage(data)})
}

func TestRequestRideWhileConnected(t *testing.T) {
	m, conn, _, _, _ := newTestMachine(true)
	if err := m.RequestRide(draft()); err != nil {
		t.Fatalf("request: %v", err)
	}
	if m.State() != StateSearching {
		t.Fatalf("state = %s", m.State())
	}
	if conn.emitted(wire.EventRequestRide) != 1 {
		t.Fatal("request event not emitted")
	}
}

func TestRequestResponseAssignsRideID(t *testing.T) {
	m, _, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R1"}`)
	if m.State() != StateSearching {
		t.Fatalf("state = %s", m.State())
	}
	if m.RideID() != "R1" {
		t.Fatalf("rideID = %q", m.RideID())
	}
}

func TestRequestResponseFailureSurfacesMessage(t *testing.T) {
	m, _, rt, _, obs := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":false,"message":"No coverage in your area"}`)
	if m.State() != StateIdle {
		t.Fatalf("state = %s", m.State())
	}
	if obs.last().Message != "No coverage in your area" {
		t.Fatalf("message = %q", obs.last().Message)
	}
}

func TestRequestRideWhileDisconnected(t *testing.T) {
	// Scenario A: connect is attempted; once it succeeds within the retry
	// bound, the original request goes out exactly once.
	m, conn, _, sched, _ := newTestMachine(false)
	if err := m.RequestRide(draft()); err != nil {
		t.Fatalf("request: %v", err)
	}
	if conn.connectCalls != 1 {
		t.Fatalf("connectCalls = %d", conn.connectCalls)
	}
	if conn.emitted(wire.EventRequestRide) != 0 {
		t.Fatal("emitted while disconnected")
	}

	// First retry fires still disconnected, second after the link is up.
	sched.Fire(retryTimerKey)
	conn.setConnected(true)
	sched.Fire(retryTimerKey)

	if got := conn.emitted(wire.EventRequestRide); got != 1 {
		t.Fatalf("request emitted %d times, want 1", got)
	}
	// No further retry pending once sent.
	if sched.Pending(retryTimerKey) {
		t.Fatal("retry timer still armed after send")
	}
}

func TestRequestRideRetryExhaustion(t *testing.T) {
	m, conn, _, sched, obs := newTestMachine(false)
	m.RequestRide(draft())
	for i := 0; i < 5; i++ {
		if !sched.Fire(retryTimerKey) {
			t.Fatalf("retry %d not armed", i+1)
		}
	}
	if m.State() != StateError {
		t.Fatalf("state = %s", m.State())
	}
	if obs.last().Message == "" {
		t.Fatal("exhaustion must carry a message")
	}
	if !errors.Is(obs.last().Err, ride.ErrConnectionUnavailable) {
		t.Fatalf("err = %v, want ErrConnectionUnavailable", obs.last().Err)
	}
	if conn.emitted(wire.EventRequestRide) != 0 {
		t.Fatal("no request should have gone out")
	}
	// Failure surfaced once; no retry keeps running.
	if sched.Pending(retryTimerKey) {
		t.Fatal("retry timer still armed after giving up")
	}
}

func TestDriverFoundIsTerminalForSearch(t *testing.T) {
	m, _, rt, _, obs := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R1"}`)
	dispatch(rt, wire.EventDriverFound, `{"rideId":"R1","driverId":5,"driverName":"Kim"}`)

	if m.State() != StateDriverFound {
		t.Fatalf("state = %s", m.State())
	}
	u := obs.last()
	if u.Driver == nil || u.Driver.ID != 5 || u.Driver.Name != "Kim" {
		t.Fatalf("driver = %+v", u.Driver)
	}
	if u.Session == nil || u.Session.RideID != "R1" {
		t.Fatalf("session = %+v", u.Session)
	}

	// A redelivered driver-found for the same ride changes nothing.
	before := len(obs.updates)
	dispatch(rt, wire.EventDriverFound, `{"rideId":"R1","driverId":5,"driverName":"Kim"}`)
	if len(obs.updates) != before {
		t.Fatal("duplicate driver-found caused a transition")
	}
}

func TestStatusCancelledClearsSession(t *testing.T) {
	// Scenario D: cancellation while DriverFound.
	m, _, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R1"}`)
	dispatch(rt, wire.EventDriverFound, `{"rideId":"R1","driverId":5}`)
	dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1","status":"ride_cancelled"}`)

	if m.State() != StateCancelled {
		t.Fatalf("state = %s", m.State())
	}
	if m.Session() != nil {
		t.Fatal("session must be cleared on cancellation")
	}
}

func TestStatusProgression(t *testing.T) {
	m, _, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R1"}`)
	dispatch(rt, wire.EventDriverFound, `{"rideId":"R1","driverId":5}`)

	steps := []struct {
		status string
		want   State
	}{
		{"driver_en_route", StateEnRoute},
		{"driver_arrived", StateArrived},
		{"ride_started", StateInProgress},
		{"ride_completed", StateCompleted},
	}
	for _, step := range steps {
		dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1","status":"`+step.status+`"}`)
		if m.State() != step.want {
			t.Fatalf("after %s state = %s, want %s", step.status, m.State(), step.want)
		}
	}
	if m.Session() != nil {
		t.Fatal("session must be cleared on completion")
	}
}

func TestRelayedNoOpStatusDoesNotBlockProgression(t *testing.T) {
	m, _, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R1"}`)
	dispatch(rt, wire.EventDriverFound, `{"rideId":"R1","driverId":5}`)

	// The server relays the current status right after the match. It is a
	// no-op in this state and must not shadow the statuses that follow.
	dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1","status":"driver_found"}`)
	dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1","status":"driver_arrived"}`)
	if m.State() != StateArrived {
		t.Fatalf("state = %s, arrival blocked by relayed status", m.State())
	}
	dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1","status":"ride_started"}`)
	dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1","status":"ride_completed"}`)
	if m.State() != StateCompleted {
		t.Fatalf("state = %s", m.State())
	}
}

func TestStaleRideStatusIgnored(t *testing.T) {
	m, _, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R2"}`)
	dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1","status":"ride_cancelled"}`)
	if m.State() != StateSearching {
		t.Fatalf("stale cancel applied, state = %s", m.State())
	}
}

func TestNoDriverFoundIsTerminalForAttempt(t *testing.T) {
	m, _, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventNoDriverFound, `{}`)
	if m.State() != StateNoDriverFound {
		t.Fatalf("state = %s", m.State())
	}
	// Retrying requires a fresh request.
	if err := m.RequestRide(draft()); err != nil {
		t.Fatalf("new request after no-driver: %v", err)
	}
	if m.State() != StateSearching {
		t.Fatalf("state = %s", m.State())
	}
}

func TestCancelRideSearchWithoutRideID(t *testing.T) {
	m, conn, _, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	if err := m.CancelRideSearch(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s", m.State())
	}
	if conn.emitted(wire.EventCancelRide) != 0 {
		t.Fatal("nothing to tell the server without a ride id")
	}
}

func TestCancelRideSearchWithRideID(t *testing.T) {
	m, conn, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R1"}`)
	if err := m.CancelRideSearch(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if m.State() != StateCancelled {
		t.Fatalf("state = %s", m.State())
	}
	if conn.emitted(wire.EventCancelRide) != 1 {
		t.Fatal("cancel event not emitted")
	}
}

func TestCancelRideSearchOutsideSearching(t *testing.T) {
	m, _, _, _, _ := newTestMachine(true)
	if err := m.CancelRideSearch(); !errors.Is(err, ride.ErrPrecondition) {
		t.Fatalf("got %v", err)
	}
}

func TestDuplicateRequestRejectedWhileSearching(t *testing.T) {
	m, _, _, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	if err := m.RequestRide(draft()); !errors.Is(err, ride.ErrPrecondition) {
		t.Fatalf("got %v", err)
	}
}

func TestNewRequestClearsPreviousSession(t *testing.T) {
	m, _, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R1"}`)
	dispatch(rt, wire.EventDriverFound, `{"rideId":"R1","driverId":5}`)
	dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1","status":"ride_completed"}`)

	m.RequestRide(draft())
	if m.Session() != nil {
		t.Fatal("previous session must be cleared on a new request")
	}
	if m.RideID() != "" {
		t.Fatal("previous ride id must be cleared")
	}
	// The dedup window reopened: the same ride id can flow again.
	dispatch(rt, wire.EventRequestResponse, `{"success":true,"rideId":"R1"}`)
	if m.RideID() != "R1" {
		t.Fatal("request response after reset not applied")
	}
}

func TestMalformedPayloadLeavesStateUntouched(t *testing.T) {
	m, _, rt, _, _ := newTestMachine(true)
	m.RequestRide(draft())
	dispatch(rt, wire.EventStatusUpdate, `{"rideId":"R1"}`) // missing status
	dispatch(rt, wire.EventDriverFound, `not json`)
	if m.State() != StateSearching {
		t.Fatalf("state = %s", m.State())
	}
}

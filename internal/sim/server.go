// Package sim is a local dispatch server speaking the ride socket
// protocol. It exists to exercise the client engine end to end: nearest
// drivers are offered rides in turn, the first accept wins, and lifecycle
// status flows back to the passenger. It is tooling, not a production
// matcher.
package sim

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"ridewire/internal/geo"
	"ridewire/internal/ride"
	"ridewire/internal/storage"
	"ridewire/internal/timer"
	"ridewire/internal/wire"
)

type Config struct {
	// OfferTimeout is how long one driver may sit on an offer before it
	// moves to the next candidate.
	OfferTimeout time.Duration
	// SearchRadiusKM bounds the candidate search around the pickup point.
	SearchRadiusKM float64
	// MaxOffers caps how many drivers are tried before giving up.
	MaxOffers int
}

func DefaultConfig() Config {
	return Config{
		OfferTimeout:   15 * time.Second,
		SearchRadiusKM: 10,
		MaxOffers:      5,
	}
}

type driverConn struct {
	client    *client
	available bool
}

// request tracks one passenger ride request through offer and ride.
type request struct {
	id          int64
	rideID      string
	passengerID int64
	payload     wire.RideRequest
	offered     map[int64]struct{}
	offerHolder int64 // driver currently deciding, 0 if none
	assignedTo  int64 // driver who accepted, 0 until then
	status      string
	tried       int
}

// Server owns all simulator state behind one mutex.
type Server struct {
	cfg      Config
	geo      geo.Index
	events   storage.EventLog
	sched    timer.Scheduler
	upgrader websocket.Upgrader

	mu         sync.Mutex
	passengers map[int64]*client
	drivers    map[int64]*driverConn
	requests   map[int64]*request
	byRide     map[string]*request
	seq        int64
}

// New builds a simulator. events may be nil to skip persistence.
func New(cfg Config, index geo.Index, events storage.EventLog, sched timer.Scheduler) *Server {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultConfig().OfferTimeout
	}
	if cfg.SearchRadiusKM <= 0 {
		cfg.SearchRadiusKM = DefaultConfig().SearchRadiusKM
	}
	if cfg.MaxOffers <= 0 {
		cfg.MaxOffers = DefaultConfig().MaxOffers
	}
	if index == nil {
		index = geo.NewMemoryIndex()
	}
	if sched == nil {
		sched = timer.New()
	}
	return &Server{
		cfg:        cfg,
		geo:        index,
		events:     events,
		sched:      sched,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		passengers: make(map[int64]*client),
		drivers:    make(map[int64]*driverConn),
		requests:   make(map[int64]*request),
		byRide:     make(map[string]*request),
	}
}

// AttachRoutes wires the simulator endpoints onto a router.
func (s *Server) AttachRoutes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ride", s.ServeRide)
	r.Get("/rides/{rideID}/events", s.handleListEvents)
}

// handleListEvents exposes the persisted lifecycle log of one ride.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event log not configured", http.StatusNotFound)
		return
	}
	rideID := chi.URLParam(r, "rideID")
	events, err := s.events.List(r.Context(), rideID, queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		log.Printf("sim: event list failed: %v", err)
		http.Error(w, "event log unavailable", http.StatusInternalServerError)
		return
	}
	total, err := s.events.Count(r.Context(), rideID)
	if err != nil {
		log.Printf("sim: event count failed: %v", err)
		http.Error(w, "event log unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"rideId": rideID,
		"total":  total,
		"events": events,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) ctx() context.Context {
	return context.Background()
}

func (s *Server) dispatch(c *client, env wire.Envelope) {
	switch c.role {
	case ride.RolePassenger:
		s.dispatchPassenger(c, env)
	case ride.RoleDriver:
		s.dispatchDriver(c, env)
	}
}

func (s *Server) dispatchPassenger(c *client, env wire.Envelope) {
	switch env.Event {
	case wire.EventRequestRide:
		s.handleRequestRide(c, env.Data)
	case wire.EventCancelRide:
		s.handleCancelRide(c, env.Data)
	default:
		log.Printf("sim: passenger %d sent unknown event %q", c.userID, env.Event)
	}
}

func (s *Server) dispatchDriver(c *client, env wire.Envelope) {
	switch env.Event {
	case wire.EventGoOnline:
		s.handleGoOnline(c, env.Data)
	case wire.EventGoOffline:
		s.handleGoOffline(c)
	case wire.EventUpdateLocation:
		s.handleUpdateLocation(c, env.Data)
	case wire.EventAcceptRide:
		s.handleAcceptRide(c, env)
	case wire.EventDeclineRide:
		s.handleDeclineRide(c, env.Data)
	case wire.EventArrivedAtPickup:
		s.handleRideProgress(c, env.Data, wire.StatusDriverArrived)
	case wire.EventStartRide:
		s.handleRideProgress(c, env.Data, wire.StatusRideStarted)
	case wire.EventCompleteRide:
		s.handleRideProgress(c, env.Data, wire.StatusRideCompleted)
	default:
		log.Printf("sim: driver %d sent unknown event %q", c.userID, env.Event)
	}
}

func (s *Server) handleRequestRide(c *client, data json.RawMessage) {
	var payload wire.RideRequest
	if err := json.Unmarshal(data, &payload); err != nil {
		c.send(wire.EventServerError, wire.ServerError{Message: "invalid ride request"})
		return
	}

	s.mu.Lock()
	s.seq++
	req := &request{
		id:          s.seq,
		rideID:      "R" + strconv.FormatInt(s.seq, 10),
		passengerID: c.userID,
		payload:     payload,
		offered:     make(map[int64]struct{}),
		status:      wire.StatusSearching,
	}
	s.requests[req.id] = req
	s.byRide[req.rideID] = req
	s.mu.Unlock()

	rideID := req.rideID
	c.send(wire.EventRequestResponse, wire.RequestResponse{Success: true, RideID: &rideID})
	s.logEvent(req, "ride_requested", data, c.userID, ride.RolePassenger)

	s.mu.Lock()
	s.offerNextLocked(req)
	s.mu.Unlock()
}

func (s *Server) handleCancelRide(c *client, data json.RawMessage) {
	var cancel wire.CancelRide
	if err := json.Unmarshal(data, &cancel); err != nil {
		return
	}
	s.mu.Lock()
	req, ok := s.byRide[cancel.RideID]
	if !ok || req.passengerID != c.userID {
		s.mu.Unlock()
		return
	}
	s.closeRequestLocked(req, wire.StatusRideCancelled, "Cancelled by passenger")
	s.mu.Unlock()
	s.logEvent(req, "ride_cancelled", nil, c.userID, ride.RolePassenger)
}

func (s *Server) handleGoOnline(c *client, data json.RawMessage) {
	var online wire.GoOnline
	if err := json.Unmarshal(data, &online); err != nil {
		c.send(wire.EventServerError, wire.ServerError{Message: "invalid go-online payload"})
		return
	}
	s.mu.Lock()
	if d, ok := s.drivers[c.userID]; ok {
		d.available = true
	}
	s.mu.Unlock()
	s.geo.Add(s.ctx(), c.userID, online.Latitude, online.Longitude)
}

func (s *Server) handleGoOffline(c *client) {
	s.mu.Lock()
	if d, ok := s.drivers[c.userID]; ok {
		d.available = false
	}
	s.reofferAbandonedLocked(c.userID)
	s.mu.Unlock()
	s.geo.Remove(s.ctx(), c.userID)
}

func (s *Server) handleUpdateLocation(c *client, data json.RawMessage) {
	var loc wire.LocationUpdate
	if err := json.Unmarshal(data, &loc); err != nil {
		return
	}
	s.mu.Lock()
	if d, ok := s.drivers[c.userID]; ok {
		busy := s.driverBusyLocked(c.userID)
		d.available = loc.IsAvailable && !busy
	}
	s.mu.Unlock()
	s.geo.Add(s.ctx(), c.userID, loc.Latitude, loc.Longitude)

	// Relay position to the passenger of an in-progress ride.
	s.mu.Lock()
	for _, req := range s.requests {
		if req.assignedTo == c.userID {
			if p, ok := s.passengers[req.passengerID]; ok {
				rideID := req.rideID
				go p.send(wire.EventStatusUpdate, wire.StatusUpdate{RideID: rideID, Status: req.status})
			}
		}
	}
	s.mu.Unlock()
}

func (s *Server) handleAcceptRide(c *client, env wire.Envelope) {
	var accept wire.AcceptRide
	if err := json.Unmarshal(env.Data, &accept); err != nil {
		return
	}

	s.mu.Lock()
	req, ok := s.requests[accept.RideRequestID]
	if !ok || req.assignedTo != 0 {
		s.mu.Unlock()
		msg := "Ride already taken"
		if env.AckID != "" {
			c.ack(env.AckID, wire.AckResult{Success: false, Message: &msg})
		}
		return
	}
	// First successful accept wins the race.
	req.assignedTo = c.userID
	req.offerHolder = 0
	req.status = wire.StatusDriverFound
	s.sched.Cancel(offerTimerKey(req.id))
	if d, ok := s.drivers[c.userID]; ok {
		d.available = false
	}
	passenger := s.passengers[req.passengerID]
	s.mu.Unlock()

	rideID := req.rideID
	if env.AckID != "" {
		c.ack(env.AckID, wire.AckResult{Success: true, RideID: &rideID})
	}
	if passenger != nil {
		driverID := c.userID
		name := "Driver " + strconv.FormatInt(driverID, 10)
		passenger.send(wire.EventDriverFound, wire.DriverFound{
			RideID:     &rideID,
			DriverID:   &driverID,
			DriverName: &name,
		})
		passenger.send(wire.EventStatusUpdate, wire.StatusUpdate{RideID: rideID, Status: wire.StatusDriverFound})
	}
	s.logEvent(req, "ride_accepted", nil, c.userID, ride.RoleDriver)
}

func (s *Server) handleDeclineRide(c *client, data json.RawMessage) {
	var decline wire.DeclineRide
	if err := json.Unmarshal(data, &decline); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[decline.RideRequestID]
	if !ok || req.assignedTo != 0 || req.offerHolder != c.userID {
		return
	}
	s.sched.Cancel(offerTimerKey(req.id))
	req.offerHolder = 0
	s.offerNextLocked(req)
}

func (s *Server) handleRideProgress(c *client, data json.RawMessage, status string) {
	var action wire.RideAction
	if err := json.Unmarshal(data, &action); err != nil {
		return
	}
	s.mu.Lock()
	req, ok := s.byRide[action.RideID]
	if !ok || req.assignedTo != c.userID {
		s.mu.Unlock()
		return
	}
	req.status = status
	passenger := s.passengers[req.passengerID]
	if status == wire.StatusRideCompleted {
		s.finishRequestLocked(req)
	}
	s.mu.Unlock()

	if passenger != nil {
		passenger.send(wire.EventStatusUpdate, wire.StatusUpdate{RideID: req.rideID, Status: status})
	}
	s.logEvent(req, status, nil, c.userID, ride.RoleDriver)
}

// offerNextLocked pushes the request to the nearest untried available
// driver, or reports no-driver-found when candidates run out.
func (s *Server) offerNextLocked(req *request) {
	if req.assignedTo != 0 {
		return
	}
	if req.tried >= s.cfg.MaxOffers {
		s.noDriverLocked(req)
		return
	}

	next := s.nextCandidateLocked(req)
	if next == 0 {
		s.noDriverLocked(req)
		return
	}

	d := s.drivers[next]
	req.offered[next] = struct{}{}
	req.offerHolder = next
	req.tried++

	expires := time.Now().Add(s.cfg.OfferTimeout)
	price := req.payload.EstimatedPrice
	offer := wire.NewRequest{
		RideRequestID:  req.id,
		EstimatedPrice: &price,
		PickupLat:      &req.payload.PickupLat,
		PickupLng:      &req.payload.PickupLng,
		PickupAddress:  req.payload.PickupAddress,
		DropoffLat:     &req.payload.DropoffLat,
		DropoffLng:     &req.payload.DropoffLng,
		DropoffAddress: req.payload.DropoffAddress,
		PassengerID:    req.passengerID,
		PassengerName:  "Passenger " + strconv.FormatInt(req.passengerID, 10),
		ExpiresAt:      &expires,
	}
	go d.client.send(wire.EventNewRequest, offer)

	id := req.id
	holder := next
	s.sched.Schedule(offerTimerKey(id), s.cfg.OfferTimeout, func() {
		s.offerExpired(id, holder)
	})
}

// nextCandidateLocked prefers the geo index ranking and falls back to a
// registry scan when the index has no answer.
func (s *Server) nextCandidateLocked(req *request) int64 {
	candidates, err := s.geo.Nearest(s.ctx(), req.payload.PickupLat, req.payload.PickupLng, s.cfg.SearchRadiusKM, s.cfg.MaxOffers)
	if err != nil {
		log.Printf("sim: geo lookup failed, scanning registry: %v", err)
	}
	for _, cand := range candidates {
		if _, tried := req.offered[cand.DriverID]; tried {
			continue
		}
		if d, ok := s.drivers[cand.DriverID]; ok && d.available {
			return cand.DriverID
		}
	}
	for id, d := range s.drivers {
		if _, tried := req.offered[id]; tried {
			continue
		}
		if d.available {
			return id
		}
	}
	return 0
}

func (s *Server) offerExpired(requestID, driverID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok || req.assignedTo != 0 || req.offerHolder != driverID {
		return
	}
	req.offerHolder = 0
	if d, ok := s.drivers[driverID]; ok {
		id := requestID
		go d.client.send(wire.EventRequestTimeout, wire.RequestTimeout{RideRequestID: &id})
	}
	s.offerNextLocked(req)
}

// reofferAbandonedLocked moves offers held by a vanished driver along.
func (s *Server) reofferAbandonedLocked(driverID int64) {
	for _, req := range s.requests {
		if req.assignedTo == 0 && req.offerHolder == driverID {
			s.sched.Cancel(offerTimerKey(req.id))
			req.offerHolder = 0
			s.offerNextLocked(req)
		}
		if req.assignedTo == driverID {
			s.closeRequestLocked(req, wire.StatusRideCancelled, "Driver disconnected")
		}
	}
}

func (s *Server) noDriverLocked(req *request) {
	req.status = wire.StatusNoDriverFound
	if p, ok := s.passengers[req.passengerID]; ok {
		rideID := req.rideID
		go func() {
			p.send(wire.EventNoDriverFound, struct{}{})
			p.send(wire.EventStatusUpdate, wire.StatusUpdate{RideID: rideID, Status: wire.StatusNoDriverFound})
		}()
	}
	s.deleteRequestLocked(req)
}

// closeRequestLocked cancels a live request and tells both sides.
func (s *Server) closeRequestLocked(req *request, status, msg string) {
	s.sched.Cancel(offerTimerKey(req.id))
	rideID := req.rideID
	update := wire.StatusUpdate{RideID: rideID, Status: status, Message: &msg}
	if req.offerHolder != 0 {
		if d, ok := s.drivers[req.offerHolder]; ok {
			id := req.id
			go d.client.send(wire.EventRequestTimeout, wire.RequestTimeout{RideRequestID: &id})
		}
	}
	if req.assignedTo != 0 {
		if d, ok := s.drivers[req.assignedTo]; ok {
			d.available = true
			go d.client.send(wire.EventStatusUpdate, update)
		}
	}
	if p, ok := s.passengers[req.passengerID]; ok {
		go p.send(wire.EventStatusUpdate, update)
	}
	s.deleteRequestLocked(req)
}

func (s *Server) finishRequestLocked(req *request) {
	if d, ok := s.drivers[req.assignedTo]; ok {
		d.available = true
	}
	s.deleteRequestLocked(req)
}

func (s *Server) deleteRequestLocked(req *request) {
	delete(s.requests, req.id)
	delete(s.byRide, req.rideID)
}

func (s *Server) driverBusyLocked(driverID int64) bool {
	for _, req := range s.requests {
		if req.assignedTo == driverID || req.offerHolder == driverID {
			return true
		}
	}
	return false
}

func (s *Server) logEvent(req *request, eventType string, payload json.RawMessage, actorID int64, role ride.Role) {
	if s.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := s.events.Append(ctx, storage.Event{
			RideID:    req.rideID,
			Type:      eventType,
			Payload:   payload,
			ActorID:   actorID,
			ActorRole: string(role),
		})
		if err != nil {
			log.Printf("sim: event log append failed: %v", err)
		}
	}()
}

func offerTimerKey(requestID int64) string {
	return "offer:" + strconv.FormatInt(requestID, 10)
}

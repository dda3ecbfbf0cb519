package sim

import (
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"ridewire/internal/auth"
	"ridewire/internal/ride"
	"ridewire/internal/wire"
)

// client is one connected socket, passenger or driver.
type client struct {
	userID int64
	role   ride.Role
	conn   *websocket.Conn

	writeMu sync.Mutex
}

func (c *client) send(event string, v any) error {
	env, err := wire.Encode(event, v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *client) ack(ackID string, v any) error {
	env, err := wire.Encode(wire.EventAck, v)
	if err != nil {
		return err
	}
	env.AckID = ackID
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// handshakeIdentity authenticates the upgrade request. Rejections happen
// before the socket is upgraded, so no event can flow unauthenticated.
func handshakeIdentity(r *http.Request) (int64, ride.Role, bool) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", false
	}
	role := ride.Role(q.Get("userType"))
	if role != ride.RolePassenger && role != ride.RoleDriver {
		return 0, "", false
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		if claimed, ok := auth.ExtractUserID(h[7:]); !ok || claimed != userID {
			return 0, "", false
		}
	}
	return userID, role, true
}

// ServeRide upgrades a /ride request and pumps its events until the socket
// drops.
func (s *Server) ServeRide(w http.ResponseWriter, r *http.Request) {
	userID, role, ok := handshakeIdentity(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sim: ws upgrade failed: %v", err)
		return
	}
	c := &client{userID: userID, role: role, conn: conn}
	s.register(c)
	log.Printf("sim: %s %d connected", role, userID)

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		s.dispatch(c, env)
	}
	s.unregister(c)
	conn.Close()
	log.Printf("sim: %s %d disconnected", role, userID)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.role {
	case ride.RolePassenger:
		if prev, ok := s.passengers[c.userID]; ok {
			prev.conn.Close()
		}
		s.passengers[c.userID] = c
	case ride.RoleDriver:
		if prev, ok := s.drivers[c.userID]; ok {
			prev.client.conn.Close()
		}
		s.drivers[c.userID] = &driverConn{client: c}
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.role {
	case ride.RolePassenger:
		if s.passengers[c.userID] == c {
			delete(s.passengers, c.userID)
		}
	case ride.RoleDriver:
		if d, ok := s.drivers[c.userID]; ok && d.client == c {
			delete(s.drivers, c.userID)
			s.geo.Remove(s.ctx(), c.userID)
			s.reofferAbandonedLocked(c.userID)
		}
	}
}

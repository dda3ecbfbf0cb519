package driver

import (
	"log"
	"sync"
	"time"

	"ridewire/internal/ride"
	"ridewire/internal/wire"
)

// DefaultPresenceInterval is how often an online driver's last-known
// location and availability are re-emitted.
const DefaultPresenceInterval = 15 * time.Second

// Presence periodically reports location and availability while the
// driver is online. Emits on a dead transport are dropped by the
// connection manager and simply resume after reconnect.
type Presence struct {
	conn     Conn
	interval time.Duration

	mu      sync.Mutex
	loc     ride.GeoPoint
	stop    chan struct{}
	running bool
}

func newPresence(conn Conn) *Presence {
	return &Presence{conn: conn, interval: DefaultPresenceInterval}
}

// SetInterval overrides the reporting cadence. Only effective before Start.
func (p *Presence) SetInterval(d time.Duration) {
	if d > 0 {
		p.mu.Lock()
		p.interval = d
		p.mu.Unlock()
	}
}

// Start begins periodic reporting from the given position. Restarting
// while running just refreshes the position.
func (p *Presence) Start(loc ride.GeoPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loc = loc
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	go p.loop(p.stop, p.interval)
}

// Stop halts reporting. Safe to call when not running.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
}

// Update records a fresh position and reports it immediately.
func (p *Presence) Update(loc ride.GeoPoint) error {
	p.mu.Lock()
	p.loc = loc
	p.mu.Unlock()
	return p.emit(loc)
}

func (p *Presence) loop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			loc := p.loc
			p.mu.Unlock()
			if err := p.emit(loc); err != nil {
				log.Printf("driver: presence report skipped: %v", err)
			}
		}
	}
}

func (p *Presence) emit(loc ride.GeoPoint) error {
	if !p.conn.Connected() {
		return ride.ErrNotConnected
	}
	return p.conn.Emit(wire.EventUpdateLocation, wire.LocationUpdate{
		Latitude:    loc.Latitude,
		Longitude:   loc.Longitude,
		IsAvailable: true,
	})
}

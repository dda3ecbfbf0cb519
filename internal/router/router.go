// Package router routes decoded socket events to their owning state
// machine, dropping redeliveries the transport may produce on flaky links.
package router

import (
	"encoding/json"
	"log"
	"sync"

	"ridewire/internal/wire"
)

// Handler receives the payload of a named event.
type Handler func(event string, data json.RawMessage)

// Router dispatches envelopes by event name. Within one event name, a
// payload carrying a ride identity is handled at most once per dedup
// window; the owning machine calls Reset to open a new window whenever
// its state advances.
type Router struct {
	mu       sync.Mutex
	handlers map[string]Handler
	seen     map[string]struct{}
	observer func(event string, data json.RawMessage)
}

func New() *Router {
	return &Router{
		handlers: make(map[string]Handler),
		seen:     make(map[string]struct{}),
	}
}

// Handle registers the handler for an event name. Last registration wins.
func (r *Router) Handle(event string, h Handler) {
	r.mu.Lock()
	r.handlers[event] = h
	r.mu.Unlock()
}

// OnAny installs a pass-through observer that sees every envelope before
// routing. It has no effect on routing decisions.
func (r *Router) OnAny(fn func(event string, data json.RawMessage)) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// Reset clears the dedup window. Owning machines call it when a new ride
// lifecycle begins.
func (r *Router) Reset() {
	r.mu.Lock()
	r.seen = make(map[string]struct{})
	r.mu.Unlock()
}

// Dispatch routes one envelope. Unrecognized events are logged and dropped;
// duplicate deliveries of an identified event are dropped silently.
func (r *Router) Dispatch(env wire.Envelope) {
	r.mu.Lock()
	if r.observer != nil {
		obs := r.observer
		r.mu.Unlock()
		obs(env.Event, env.Data)
		r.mu.Lock()
	}
	h, ok := r.handlers[env.Event]
	if !ok {
		r.mu.Unlock()
		log.Printf("router: no handler for event %q, dropped", env.Event)
		return
	}
	if id, ok := wire.DedupeID(env.Data); ok {
		key := env.Event + "#" + id
		if _, dup := r.seen[key]; dup {
			r.mu.Unlock()
			log.Printf("router: duplicate %s for id %s, dropped", env.Event, id)
			return
		}
		r.seen[key] = struct{}{}
	}
	r.mu.Unlock()
	h(env.Event, env.Data)
}

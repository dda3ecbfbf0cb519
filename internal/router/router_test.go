package router

import (
	"encoding/json"
	"testing"

	"ridewire/internal/wire"
)

func env(event, data string) wire.Envelope {
	return wire.Envelope{Event: event, Data: json.RawMessage(data)}
}

func TestDispatchRoutesByEvent(t *testing.T) {
	r := New()
	var got []string
	r.Handle("a", func(event string, data json.RawMessage) { got = append(got, "a") })
	r.Handle("b", func(event string, data json.RawMessage) { got = append(got, "b") })

	r.Dispatch(env("b", `{}`))
	r.Dispatch(env("a", `{}`))
	r.Dispatch(env("unknown", `{}`)) // dropped

	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("got %v", got)
	}
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	r := New()
	var calls int
	r.Handle(wire.EventStatusUpdate, func(event string, data json.RawMessage) { calls++ })

	update := env(wire.EventStatusUpdate, `{"rideId":"R1","status":"ride_started"}`)
	r.Dispatch(update)
	r.Dispatch(update)
	r.Dispatch(update)

	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}

	// Different id under the same event still routes.
	r.Dispatch(env(wire.EventStatusUpdate, `{"rideId":"R2","status":"ride_started"}`))
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestDistinctStatusesForOneRideAllRoute(t *testing.T) {
	r := New()
	var statuses []string
	r.Handle(wire.EventStatusUpdate, func(event string, data json.RawMessage) {
		var su struct {
			Status string `json:"status"`
		}
		json.Unmarshal(data, &su)
		statuses = append(statuses, su.Status)
	})

	// A ride's lifecycle is many statuses under one rideId; an early no-op
	// status must not shadow the ones that follow.
	for _, status := range []string{"driver_found", "driver_arrived", "driver_arrived", "ride_started"} {
		r.Dispatch(env(wire.EventStatusUpdate, `{"rideId":"R1","status":"`+status+`"}`))
	}

	want := []string{"driver_found", "driver_arrived", "ride_started"}
	if len(statuses) != len(want) {
		t.Fatalf("handled %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("handled %v, want %v", statuses, want)
		}
	}
}

func TestSameIDDifferentEventsBothRoute(t *testing.T) {
	r := New()
	var calls int
	count := func(event string, data json.RawMessage) { calls++ }
	r.Handle(wire.EventDriverFound, count)
	r.Handle(wire.EventStatusUpdate, count)

	r.Dispatch(env(wire.EventDriverFound, `{"rideId":"R1","driverId":5}`))
	r.Dispatch(env(wire.EventStatusUpdate, `{"rideId":"R1","status":"driver_found"}`))

	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestResetOpensNewDedupWindow(t *testing.T) {
	r := New()
	var calls int
	r.Handle(wire.EventDriverFound, func(event string, data json.RawMessage) { calls++ })

	found := env(wire.EventDriverFound, `{"rideId":"R1","driverId":5}`)
	r.Dispatch(found)
	r.Dispatch(found)
	r.Reset()
	r.Dispatch(found)

	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestEventsWithoutIDAreNotDeduped(t *testing.T) {
	r := New()
	var calls int
	r.Handle(wire.EventNoDriverFound, func(event string, data json.RawMessage) { calls++ })

	r.Dispatch(env(wire.EventNoDriverFound, `{}`))
	r.Dispatch(env(wire.EventNoDriverFound, `{}`))

	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestOnAnySeesEverythingWithoutAffectingRouting(t *testing.T) {
	r := New()
	var observed, handled int
	r.OnAny(func(event string, data json.RawMessage) { observed++ })
	r.Handle(wire.EventStatusUpdate, func(event string, data json.RawMessage) { handled++ })

	update := env(wire.EventStatusUpdate, `{"rideId":"R1","status":"ride_started"}`)
	r.Dispatch(update)
	r.Dispatch(update)             // dedup drops it from routing
	r.Dispatch(env("mystery", ``)) // unrecognized

	if observed != 3 {
		t.Fatalf("observer saw %d events, want 3", observed)
	}
	if handled != 1 {
		t.Fatalf("handler ran %d times, want 1", handled)
	}
}

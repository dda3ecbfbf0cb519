// ridesim drives one passenger and one driver client through a full ride
// against a running dispatchd, printing every state transition.
package main

import (
	"context"
	"flag"
	"log"
	"net/url"
	"os"
	"time"

	"ridewire/internal/auth"
	"ridewire/internal/driver"
	"ridewire/internal/passenger"
	"ridewire/internal/ride"
	"ridewire/internal/router"
	"ridewire/internal/socket"
	"ridewire/internal/timer"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "dispatchd base URL")
	passengerID := flag.Int64("passenger-id", 1, "passenger user id")
	driverID := flag.Int64("driver-id", 2, "driver user id")
	lat := flag.Float64("lat", 40.758, "pickup latitude")
	lon := flag.Float64("lon", -73.9855, "pickup longitude")
	flag.Parse()

	endpoint, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("bad server URL: %v", err)
	}

	drv, drvEvents := buildDriver(*endpoint, *driverID)
	pas, pasEvents := buildPassenger(*endpoint, *passengerID)

	drv.GoOnline(ride.GeoPoint{Latitude: *lat + 0.002, Longitude: *lon}, nil)
	waitFor(drvEvents, driver.StateOnline, "driver online")

	err = pas.RequestRide(ride.RequestDraft{
		Pickup:         ride.Place{GeoPoint: ride.GeoPoint{Latitude: *lat, Longitude: *lon}, Address: "Times Square"},
		Dropoff:        ride.Place{GeoPoint: ride.GeoPoint{Latitude: *lat + 0.05, Longitude: *lon + 0.03}, Address: "Central Park"},
		ServiceTypeID:  1,
		EstimatedPrice: 18.50,
	})
	if err != nil {
		log.Fatalf("request ride: %v", err)
	}

	offer := waitOffer(drvEvents)
	log.Printf("driver got offer %d, accepting", offer)
	if err := drv.AcceptRide(context.Background(), offer); err != nil {
		log.Fatalf("accept: %v", err)
	}
	waitFor(pasEvents, passenger.StateDriverFound, "passenger matched")

	step := func(name string, fn func() error) {
		time.Sleep(500 * time.Millisecond)
		if err := fn(); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		log.Printf("driver: %s", name)
	}
	step("arrived at pickup", drv.ArrivedAtPickup)
	step("ride started", drv.StartRide)
	step("ride completed", drv.CompleteRide)

	waitFor(pasEvents, passenger.StateCompleted, "passenger ride completed")
	drv.GoOffline()
	log.Printf("simulation complete")
}

type event struct {
	driverState    driver.State
	passengerState passenger.State
	offerID        int64
}

type recorder struct {
	ch chan event
}

func (r *recorder) DriverUpdate(u driver.Update) {
	log.Printf("driver -> %s %s", u.State, u.Message)
	ev := event{driverState: u.State}
	if u.Offer != nil {
		ev.offerID = u.Offer.RideRequestID
	}
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) PassengerUpdate(u passenger.Update) {
	log.Printf("passenger -> %s %s", u.State, u.Message)
	select {
	case r.ch <- event{passengerState: u.State}:
	default:
	}
}

func buildDriver(endpoint url.URL, userID int64) (*driver.Machine, chan event) {
	rec := &recorder{ch: make(chan event, 64)}
	sched := timer.New()
	rt := router.New()
	mgr := socket.New(ride.RoleDriver, endpoint, auth.StaticToken(auth.Mint(userID)), socket.DriverPolicy())
	mgr.AttachScheduler(sched)
	mgr.OnEvent(rt.Dispatch)
	m := driver.New(mgr, sched, rt, rec)
	mgr.OnConnect(m.HandleConnected)
	return m, rec.ch
}

func buildPassenger(endpoint url.URL, userID int64) (*passenger.Machine, chan event) {
	rec := &recorder{ch: make(chan event, 64)}
	sched := timer.New()
	rt := router.New()
	mgr := socket.New(ride.RolePassenger, endpoint, auth.StaticToken(auth.Mint(userID)), socket.PassengerPolicy())
	mgr.AttachScheduler(sched)
	mgr.OnEvent(rt.Dispatch)
	return passenger.New(mgr, sched, rt, rec), rec.ch
}

func waitFor(ch chan event, want any, label string) {
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev := <-ch:
			switch w := want.(type) {
			case driver.State:
				if ev.driverState == w {
					log.Printf("%s", label)
					return
				}
			case passenger.State:
				if ev.passengerState == w {
					log.Printf("%s", label)
					return
				}
			}
		case <-deadline:
			log.Printf("timed out waiting: %s", label)
			os.Exit(1)
		}
	}
}

func waitOffer(ch chan event) int64 {
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.driverState == driver.StateOfferReceived && ev.offerID != 0 {
				return ev.offerID
			}
		case <-deadline:
			log.Printf("timed out waiting for offer")
			os.Exit(1)
		}
	}
}

func init() {
	log.SetOutput(os.Stdout)
}

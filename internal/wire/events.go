package wire

import (
	"errors"
	"time"

	"ridewire/internal/ride"
)

// Outbound events (client -> server).
const (
	EventRequestRide     = "passenger:requestRide"
	EventCancelRide      = "passenger:cancelRide"
	EventGoOnline        = "driver:goOnline"
	EventGoOffline       = "driver:goOffline"
	EventAcceptRide      = "driver:acceptRide"
	EventDeclineRide     = "driver:declineRide"
	EventUpdateLocation  = "driver:updateLocation"
	EventArrivedAtPickup = "driver:arrivedAtPickup"
	EventStartRide       = "driver:startRide"
	EventCompleteRide    = "driver:completeRide"
)

// Inbound events (server -> client).
const (
	EventRequestReceived = "ride:requestReceived"
	EventRequestResponse = "ride:requestResponse"
	EventAccepted        = "ride:accepted"
	EventDriverFound     = "ride:driverFound"
	EventStatusUpdate    = "ride:statusUpdate"
	EventNoDriverFound   = "ride:noDriverFound"
	EventNewRequest      = "ride:newRequest"
	EventRequestTimeout  = "ride:requestTimeout"
	EventCancelled       = "ride:cancelled"
	EventServerError     = "error"
	EventAck             = "ack"
)

// Ride statuses carried by ride:statusUpdate.
const (
	StatusSearching     = "searching"
	StatusDriverFound   = "driver_found"
	StatusDriverEnRoute = "driver_en_route"
	StatusDriverArrived = "driver_arrived"
	StatusRideStarted   = "ride_started"
	StatusRideCompleted = "ride_completed"
	StatusRideCancelled = "ride_cancelled"
	StatusNoDriverFound = "no_driver_found"
)

type RideRequest struct {
	PickupLat           float64 `json:"pickupLat"`
	PickupLng           float64 `json:"pickupLng"`
	PickupAddress       string  `json:"pickupAddress"`
	DropoffLat          float64 `json:"dropoffLat"`
	DropoffLng          float64 `json:"dropoffLng"`
	DropoffAddress      string  `json:"dropoffAddress"`
	Role                string  `json:"role"`
	ServiceTypeID       int     `json:"serviceTypeId"`
	SelectedPreferences []int   `json:"selectedPreferences"`
	EstimatedPrice      float64 `json:"estimatedPrice"`
	CouponID            *int    `json:"couponId,omitempty"`
}

// NewRideRequest flattens a draft into the wire shape.
func NewRideRequest(d ride.RequestDraft) RideRequest {
	prefs := d.SelectedPreferences
	if prefs == nil {
		prefs = []int{}
	}
	return RideRequest{
		PickupLat:           d.Pickup.Latitude,
		PickupLng:           d.Pickup.Longitude,
		PickupAddress:       d.Pickup.Address,
		DropoffLat:          d.Dropoff.Latitude,
		DropoffLng:          d.Dropoff.Longitude,
		DropoffAddress:      d.Dropoff.Address,
		Role:                string(ride.RolePassenger),
		ServiceTypeID:       d.ServiceTypeID,
		SelectedPreferences: prefs,
		EstimatedPrice:      d.EstimatedPrice,
		CouponID:            d.CouponID,
	}
}

type CancelRide struct {
	RideID string `json:"rideId"`
}

type GoOnline struct {
	Latitude            float64 `json:"latitude"`
	Longitude           float64 `json:"longitude"`
	Role                string  `json:"role"`
	SelectedPreferences []int   `json:"selectedPreferences"`
}

type AcceptRide struct {
	RideRequestID int64 `json:"rideRequestId"`
}

type DeclineRide struct {
	RideRequestID int64 `json:"rideRequestId"`
}

type LocationUpdate struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	IsAvailable bool    `json:"isAvailable"`
}

// RideAction covers arrivedAtPickup, startRide and completeRide.
type RideAction struct {
	RideID string `json:"rideId"`
}

// RequestResponse acknowledges a passenger ride request.
type RequestResponse struct {
	Success bool    `json:"success"`
	Message *string `json:"message,omitempty"`
	RideID  *string `json:"rideId,omitempty"`
}

// DriverFound announces the matched driver to the passenger.
type DriverFound struct {
	RideID           *string  `json:"rideId,omitempty"`
	DriverID         *int64   `json:"driverId"`
	DriverName       *string  `json:"driverName"`
	DriverPhone      *string  `json:"driverPhone,omitempty"`
	VehicleInfo      *string  `json:"vehicleInfo,omitempty"`
	EstimatedArrival *string  `json:"estimatedArrival,omitempty"`
	Rating           *float64 `json:"rating,omitempty"`
}

func (d *DriverFound) validate() error {
	if d.DriverID == nil {
		return errors.New("driverId missing")
	}
	return nil
}

// Driver converts to the domain shape.
func (d *DriverFound) Driver() ride.DriverInfo {
	info := ride.DriverInfo{
		Phone:            d.DriverPhone,
		VehicleInfo:      d.VehicleInfo,
		EstimatedArrival: d.EstimatedArrival,
		Rating:           d.Rating,
	}
	if d.DriverID != nil {
		info.ID = *d.DriverID
	}
	if d.DriverName != nil {
		info.Name = *d.DriverName
	}
	return info
}

type StatusUpdate struct {
	RideID  string  `json:"rideId"`
	Status  string  `json:"status"`
	Message *string `json:"message,omitempty"`
}

func (s *StatusUpdate) validate() error {
	if s.Status == "" {
		return errors.New("status missing")
	}
	return nil
}

type ServerError struct {
	Message string `json:"message"`
}

// NewRequest is the server-pushed ride offer. Geo fields are pointers so a
// missing coordinate is a decode failure rather than a silent zero.
type NewRequest struct {
	RideRequestID   int64      `json:"rideRequestId"`
	RideOfferID     *int64     `json:"rideOfferId,omitempty"`
	EstimatedPrice  *float64   `json:"estimatedPrice,omitempty"`
	PickupLat       *float64   `json:"pickupLat"`
	PickupLng       *float64   `json:"pickupLng"`
	PickupAddress   string     `json:"pickupAddress"`
	DropoffLat      *float64   `json:"dropoffLat"`
	DropoffLng      *float64   `json:"dropoffLng"`
	DropoffAddress  string     `json:"dropoffAddress"`
	PassengerID     int64      `json:"passengerId"`
	PassengerName   string     `json:"passengerName"`
	PassengerPhone  *string    `json:"passengerPhone,omitempty"`
	PassengerImage  *string    `json:"passengerImageUrl,omitempty"`
	PassengerRating *float64   `json:"passengerRating,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

func (n *NewRequest) validate() error {
	if n.RideRequestID == 0 {
		return errors.New("rideRequestId missing")
	}
	if n.PickupLat == nil || n.PickupLng == nil {
		return errors.New("pickup coordinates missing")
	}
	if n.DropoffLat == nil || n.DropoffLng == nil {
		return errors.New("dropoff coordinates missing")
	}
	return nil
}

// Offer converts a validated NewRequest to the domain shape.
func (n *NewRequest) Offer() ride.Offer {
	return ride.Offer{
		RideRequestID:  n.RideRequestID,
		RideOfferID:    n.RideOfferID,
		EstimatedPrice: n.EstimatedPrice,
		Pickup: ride.Place{
			GeoPoint: ride.GeoPoint{Latitude: *n.PickupLat, Longitude: *n.PickupLng},
			Address:  n.PickupAddress,
		},
		Dropoff: ride.Place{
			GeoPoint: ride.GeoPoint{Latitude: *n.DropoffLat, Longitude: *n.DropoffLng},
			Address:  n.DropoffAddress,
		},
		Passenger: ride.PassengerInfo{
			ID:       n.PassengerID,
			Name:     n.PassengerName,
			Phone:    n.PassengerPhone,
			ImageURL: n.PassengerImage,
			Rating:   n.PassengerRating,
		},
		ExpiresAt: n.ExpiresAt,
	}
}

// RequestTimeout is pushed when an offer expires server-side. The id is
// optional; absent means "the driver's active offer".
type RequestTimeout struct {
	RideRequestID *int64 `json:"rideRequestId,omitempty"`
}

type Cancelled struct {
	RideID *string `json:"rideId,omitempty"`
	Reason *string `json:"reason,omitempty"`
}

// AckResult is the body of a command acknowledgement.
type AckResult struct {
	Success bool    `json:"success"`
	Message *string `json:"message,omitempty"`
	RideID  *string `json:"rideId,omitempty"`
}

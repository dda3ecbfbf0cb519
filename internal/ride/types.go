package ride

import "time"

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// AuthContext is resolved once per connect attempt from the stored credential.
type AuthContext struct {
	UserID int64
	Role   Role
	Token  string
}

type ConnPhase string

const (
	Disconnected ConnPhase = "disconnected"
	Connecting   ConnPhase = "connecting"
	Connected    ConnPhase = "connected"
	ConnFailed   ConnPhase = "error"
)

// ConnState describes a connection's lifecycle phase. Reason is set only
// when Phase is ConnFailed.
type ConnState struct {
	Phase  ConnPhase
	Reason string
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Place is a geographic point plus its human-readable address.
type Place struct {
	GeoPoint
	Address string `json:"address"`
}

// RequestDraft is a passenger's ride request. Immutable once submitted.
type RequestDraft struct {
	Pickup              Place
	Dropoff             Place
	ServiceTypeID       int
	SelectedPreferences []int
	EstimatedPrice      float64
	CouponID            *int
}

// PassengerInfo is the passenger summary attached to a driver-side offer.
// Optional fields stay nil when the server omits them.
type PassengerInfo struct {
	ID       int64
	Name     string
	Phone    *string
	ImageURL *string
	Rating   *float64
}

// Offer is a ride proposal pushed to one driver. A driver connection holds
// zero or one active offer at any instant.
type Offer struct {
	RideRequestID  int64
	RideOfferID    *int64
	EstimatedPrice *float64
	Pickup         Place
	Dropoff        Place
	Passenger      PassengerInfo
	ExpiresAt      *time.Time
}

// DriverInfo is the driver summary delivered to the passenger on a match.
type DriverInfo struct {
	ID               int64
	Name             string
	Phone            *string
	VehicleInfo      *string
	EstimatedArrival *string
	Rating           *float64
}

// Session is the agreed, in-progress ride. Created only by a successful
// accept acknowledgement (driver) or a driver-found event (passenger),
// destroyed on completion or cancellation.
type Session struct {
	RideID  string
	Pickup  Place
	Dropoff Place
	Price   float64
	Status  string
}

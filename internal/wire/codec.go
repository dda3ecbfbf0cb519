// Package wire defines the event envelope exchanged over the dispatch
// socket and the payload shapes on both sides of it.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"

	"ridewire/internal/ride"
)

// Envelope is one frame on the wire. AckID is set only on ack-expecting
// commands and on their replies.
type Envelope struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type validator interface {
	validate() error
}

// Encode wraps a payload into an envelope.
func Encode(event string, v any) (Envelope, error) {
	env := Envelope{Event: event}
	if v == nil {
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals an event payload into v and runs the payload's shape
// validation when it declares one. Failures come back as *ride.DecodeError
// so the caller can drop the event without touching state.
func Decode(event string, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return &ride.DecodeError{Event: event, Err: fmt.Errorf("empty payload")}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ride.DecodeError{Event: event, Err: err}
	}
	if val, ok := v.(validator); ok {
		if err := val.validate(); err != nil {
			return &ride.DecodeError{Event: event, Err: err}
		}
	}
	return nil
}

// DedupeID extracts the delivery identity carried by a payload, if any.
// Events that carry one are deduplicated per event name by the router. A
// status-bearing payload folds the status into the identity: one ride emits
// many distinct statuses under the same rideId, and only redelivery of the
// same status is a duplicate.
func DedupeID(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var probe struct {
		RideID        *string `json:"rideId"`
		RideRequestID *int64  `json:"rideRequestId"`
		Status        *string `json:"status"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", false
	}
	id := ""
	switch {
	case probe.RideID != nil && *probe.RideID != "":
		id = *probe.RideID
	case probe.RideRequestID != nil && *probe.RideRequestID != 0:
		id = strconv.FormatInt(*probe.RideRequestID, 10)
	default:
		return "", false
	}
	if probe.Status != nil && *probe.Status != "" {
		id += ":" + *probe.Status
	}
	return id, true
}

// IsSentinel reports whether an ack payload is a bare string marker (some
// transports put e.g. "NO ACK" where a body belongs). Callers treat these
// as a timed-out acknowledgement, never matching the literal.
func IsSentinel(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}
	var s string
	return json.Unmarshal(data, &s) == nil
}

package server

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Protocol event names. Client events carry a payload in the envelope's
// data field; server events are fanned out to every open connection.
const (
	// client -> server
	EventRegisterDevice = "registerDevice"
	EventSendLocation   = "sendLocation"

	// server -> all
	EventDeviceList         = "deviceList"
	EventLocationUpdate     = "locationUpdate"
	EventDeviceDisconnected = "deviceDisconnected"
)

// Envelope is the framing for every message on the real-time channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RegisterPayload is the data of a registerDevice event. The device id
// is chosen by the client and must be stable across reconnects.
type RegisterPayload struct {
	DeviceID string `json:"deviceId" validate:"required,max=128"`
	Name     string `json:"name" validate:"omitempty,max=128"`
}

// LocationPayload is the data of a sendLocation event. Coordinates are
// pointers so that an absent field fails required validation while a
// legitimate zero coordinate passes.
type LocationPayload struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

// encodeEvent marshals a server event into its wire form.
func encodeEvent(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", event, err)
	}
	payload, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return payload, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// payloadValidator returns the shared validator instance. The validator
// caches struct metadata, so a singleton is both the fast and the
// thread-safe choice.
func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validatePayload rejects malformed inbound payloads before any state
// is touched.
func validatePayload(p interface{}) error {
	if err := payloadValidator().Struct(p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

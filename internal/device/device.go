// Package device defines the tracked device model and the in-process
// registry that binds live connections to device identities.
package device

import (
	"fmt"
	"time"
)

// Location is a latitude/longitude pair with the time it was reported.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Device is a tracked entity identified by a stable, client-assigned id.
// ConnectionID is empty while the device is offline; LastLocation is nil
// until the first location report. The record itself survives disconnects.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ConnectionID string    `json:"connectionId,omitempty"`
	LastLocation *Location `json:"lastLocation"`
	UpdatedAt    time.Time `json:"lastUpdate"`
}

// DefaultName returns the display name used when a registration carries
// no name of its own.
func DefaultName(id string) string {
	return fmt.Sprintf("Device %s", id)
}

// LocationUpdate is the transient event broadcast for each location
// report before it is folded into the device's LastLocation.
type LocationUpdate struct {
	DeviceID  string    `json:"deviceId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Package server implements the geotrack real-time protocol and HTTP
// surface: the WebSocket session handling that binds connections to
// device identities, the hub that fans device state out to every
// observer, and the REST endpoint serving last-known device records.
package server

package device

import "sync"

// Registry is the process-local, bidirectional index between connection
// identifiers and device ids. It is the single point enforcing the
// last-registration-wins invariant: binding a device id that is already
// held by another connection evicts that older binding.
//
// A Registry is built fresh on every process start and is never
// persisted. Construct one per server instance; there is no package
// global.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[string]string // connection id -> device id
	byDevice map[string]string // device id -> connection id
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:   make(map[string]string),
		byDevice: make(map[string]string),
	}
}

// Bind associates connID with deviceID, replacing any existing binding
// for either key. It returns the connection id that previously held
// deviceID, or "" if the device was unbound. The evicted connection is
// left open at the transport level but its future events no longer
// resolve to a device.
func (r *Registry) Bind(connID, deviceID string) (evicted string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byDevice[deviceID]; ok && prev != connID {
		delete(r.byConn, prev)
		evicted = prev
	}
	if prevDevice, ok := r.byConn[connID]; ok && prevDevice != deviceID {
		// The connection re-registered as a different device.
		delete(r.byDevice, prevDevice)
	}

	r.byConn[connID] = deviceID
	r.byDevice[deviceID] = connID
	return evicted
}

// DeviceFor resolves the device id bound to connID.
func (r *Registry) DeviceFor(connID string) (deviceID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deviceID, ok = r.byConn[connID]
	return deviceID, ok
}

// ConnectionFor resolves the connection id currently bound to deviceID.
func (r *Registry) ConnectionFor(deviceID string) (connID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok = r.byDevice[deviceID]
	return connID, ok
}

// Unbind removes the binding for connID, if any, and returns the device
// id it was bound to.
func (r *Registry) Unbind(connID string) (deviceID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok = r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	// Only clear the reverse entry if it still points at this connection;
	// a newer registration may have taken over the device id already.
	if r.byDevice[deviceID] == connID {
		delete(r.byDevice, deviceID)
	}
	return deviceID, true
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geotrack/internal/device"
	"geotrack/internal/logging"
)

// Hub fans server events out to every open WebSocket connection,
// registered or not. Delivery is best effort: there is no ack, no retry,
// and no sequencing; a client whose send buffer is full is dropped.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        zerolog.Logger
}

// NewHub creates a Hub ready to run. Construct one per server process;
// ownership is explicit, there is no package-level instance.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        logging.With().Str("component", "hub").Logger(),
	}
}

// Run is the hub's event loop: client registration, unregistration, and
// broadcast fan-out. Call it in its own goroutine; it returns only on
// Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			if client == nil {
				continue
			}
			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()
			h.log.Info().Str("remote_addr", client.addr).Int("total_clients", total).Msg("observer connected")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closed = true
				total := len(h.clients)
				h.mutex.Unlock()
				close(client.send)
				h.log.Info().Str("remote_addr", client.addr).Int("total_clients", total).Msg("observer disconnected")
			} else {
				h.mutex.Unlock()
			}

		case payload := <-h.broadcast:
			h.fanOut(payload)
		}
	}
}

// BroadcastDeviceList emits a full device-list snapshot to all clients.
func (h *Hub) BroadcastDeviceList(devices []device.Device) {
	if devices == nil {
		// An empty list must serialize as [] for observers, not null.
		devices = []device.Device{}
	}
	h.emit(EventDeviceList, devices)
}

// BroadcastLocationUpdate emits a single point location event.
func (h *Hub) BroadcastLocationUpdate(update device.LocationUpdate) {
	h.emit(EventLocationUpdate, update)
}

// BroadcastDeviceDisconnected emits a disconnect notice carrying the
// device id.
func (h *Hub) BroadcastDeviceDisconnected(deviceID string) {
	h.emit(EventDeviceDisconnected, deviceID)
}

func (h *Hub) emit(event string, data interface{}) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("dropping unencodable broadcast")
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		h.log.Warn().Str("event", event).Msg("broadcast channel full, dropping message")
	}
}

// fanOut delivers one payload to every client. Clients that cannot
// accept the message are removed; their transport buffering already
// failed, so the connection is considered dead.
func (h *Hub) fanOut(payload []byte) {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	var failed []*Client
	for _, client := range clients {
		if !h.trySend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.dropFailedClients(failed)
}

// trySend queues payload on a client without blocking the hub loop.
func (h *Hub) trySend(client *Client, payload []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, ok := h.clients[client]; !ok || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) dropFailedClients(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var channels []chan []byte
	for _, client := range failed {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			client.closed = true
			channels = append(channels, client.send)
			h.log.Warn().Str("remote_addr", client.addr).Msg("observer dropped, send buffer full")
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock.
	for _, ch := range channels {
		close(ch)
	}
}

// closeAllClients tears down every client connection during shutdown.
func (h *Hub) closeAllClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Error().Err(err).Str("remote_addr", client.addr).Msg("error closing client connection")
			}
		}
	}

	h.log.Info().Int("clients_closed", len(clients)).Msg("hub stopped")
}

// ClientCount reports the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Shutdown stops the event loop, closes all connections, and waits for
// the client pump goroutines up to the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown complete")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timed out, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

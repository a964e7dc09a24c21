// Package wsdevice exposes driver apps connected over websocket as location
// platforms. The app pushes fixes and permission answers; the server asks for
// permission, single fixes and continuous updates.
package wsdevice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBuffer   = 32
	maxMessage   = 4096
)

// Hub keeps one Device per driver and serves their websocket connections.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	devices map[string]*Device
}

var _ ports.PlatformProvider = (*Hub)(nil)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log: log.With().Str("component", "ws_device_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		devices: make(map[string]*Device),
	}
}

// Device returns the device of driverID, creating it on first use.
func (h *Hub) Device(driverID string) *Device {
	h.mu.RLock()
	d, ok := h.devices[driverID]
	h.mu.RUnlock()
	if ok {
		return d
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok = h.devices[driverID]; ok {
		return d
	}
	d = newDevice(driverID, h.log)
	h.devices[driverID] = d
	return d
}

// Platform resolves the connected app of the trip's driver.
func (h *Hub) Platform(ctx context.Context, driverID string, trip domain.TripReference) (ports.LocationPlatform, error) {
	h.mu.RLock()
	d, ok := h.devices[driverID]
	h.mu.RUnlock()
	if !ok || !d.Connected() {
		return nil, fmt.Errorf("driver %s: %w", driverID, domain.ErrDeviceNotConnected)
	}
	return d, nil
}

// Connected counts drivers with a live connection.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, d := range h.devices {
		if d.Connected() {
			n++
		}
	}
	return n
}

// ServeDevice upgrades the request and blocks until the connection ends.
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request, driverID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade device connection: %w", err)
	}

	d := h.Device(driverID)
	c := newClient(conn)
	d.attach(c)
	h.log.Info().Str("driver_id", driverID).Msg("device connected")

	go c.writePump(h.log)
	c.readPump(d)

	d.detach(c)
	c.close()
	h.log.Info().Str("driver_id", driverID).Msg("device disconnected")
	return nil
}

// Close drops every live connection.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, d := range h.devices {
		d.mu.Lock()
		c := d.client
		d.mu.Unlock()
		if c != nil {
			c.close()
		}
	}
}

// client is one websocket connection. Only writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the connection is closed or backed up.
func (c *client) enqueue(msg any) bool {
	body, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- body:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) readPump(d *Device) {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.log.Warn().Err(err).Msg("device connection closed unexpectedly")
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			d.log.Warn().Err(err).Msg("malformed device message")
			c.enqueue(errorMessage{Type: typeError, Message: "malformed message"})
			continue
		}
		d.handle(msg)
	}
}

func (c *client) writePump(log zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case body := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				log.Debug().Err(err).Msg("device write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

// ClientConnection wraps a WebSocket connection with metadata
type ClientConnection struct {
	Conn       *websocket.Conn
	UserID     uint
	LastPong   time.Time
	PingTicker *time.Ticker
	CloseChan  chan struct{}

	// Gorilla-style conns allow one concurrent writer; snapshot pumps and
	// the notification hook write from different goroutines.
	writeMu  sync.Mutex
	stopOnce sync.Once
}

// shutdown stops the ping ticker, signals the routines and closes the
// socket. Idempotent; a connection can be torn down by its reader, its ping
// routine, or a newer attach displacing it.
func (c *ClientConnection) shutdown() {
	c.stopOnce.Do(func() {
		if c.PingTicker != nil {
			c.PingTicker.Stop()
		}
		close(c.CloseChan)
		if c.Conn != nil && c.Conn.Conn != nil {
			_ = c.Conn.Close()
		}
	})
}

// Hub manages all active WebSocket connections
type Hub struct {
	clients      map[uint]*ClientConnection
	clientsMux   sync.RWMutex
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	hub := &Hub{
		clients:      make(map[uint]*ClientConnection),
		pingInterval: 30 * time.Second,
		pongTimeout:  90 * time.Second,
	}

	go hub.connectionHealthChecker()

	return hub
}

// Register adds a client connection with health monitoring
func (h *Hub) Register(userID uint, conn *websocket.Conn) *ClientConnection {
	clientConn := &ClientConnection{
		Conn:       conn,
		UserID:     userID,
		LastPong:   time.Now(),
		PingTicker: time.NewTicker(h.pingInterval),
		CloseChan:  make(chan struct{}),
	}

	conn.SetPongHandler(func(appData string) error {
		h.clientsMux.Lock()
		if client, exists := h.clients[userID]; exists {
			client.LastPong = time.Now()
		}
		h.clientsMux.Unlock()
		return conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})

	conn.SetReadDeadline(time.Now().Add(h.pongTimeout))

	total := h.track(clientConn)

	go h.pingRoutine(clientConn)

	log.Printf("User %d connected to hub (total: %d)", userID, total)
	return clientConn
}

// track inserts the connection, displacing and shutting down any previous
// connection the user still had.
func (h *Hub) track(client *ClientConnection) int {
	h.clientsMux.Lock()
	prev := h.clients[client.UserID]
	h.clients[client.UserID] = client
	total := len(h.clients)
	h.clientsMux.Unlock()

	if prev != nil {
		log.Printf("User %d reattached, dropping previous connection", client.UserID)
		prev.shutdown()
	}
	return total
}

// Unregister removes whatever connection the user currently has.
func (h *Hub) Unregister(userID uint) {
	h.clientsMux.Lock()
	client := h.clients[userID]
	h.clientsMux.Unlock()
	if client != nil {
		h.UnregisterClient(client)
	}
}

// UnregisterClient removes the connection only if it is still the user's
// current one, then shuts it down. A connection displaced by a newer attach
// must never tear the newer one down.
func (h *Hub) UnregisterClient(client *ClientConnection) {
	h.clientsMux.Lock()
	current := h.clients[client.UserID] == client
	if current {
		delete(h.clients, client.UserID)
	}
	count := len(h.clients)
	h.clientsMux.Unlock()

	client.shutdown()
	if current {
		log.Printf("User %d disconnected from hub (total: %d)", client.UserID, count)
	}
}

// IsOnline checks if a user is connected
func (h *Hub) IsOnline(userID uint) bool {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	_, exists := h.clients[userID]
	return exists
}

// SendToUser sends a frame to a specific user. Offline users are skipped;
// the store is the source of truth and the next attach resyncs.
func (h *Hub) SendToUser(userID uint, data interface{}) error {
	h.clientsMux.RLock()
	clientConn, exists := h.clients[userID]
	h.clientsMux.RUnlock()

	if !exists {
		return nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Error marshaling data for user %d: %v", userID, err)
		return err
	}

	clientConn.writeMu.Lock()
	err = clientConn.Conn.WriteMessage(websocket.TextMessage, jsonData)
	clientConn.writeMu.Unlock()
	if err != nil {
		log.Printf("Error sending message to user %d: %v", userID, err)
		h.UnregisterClient(clientConn)
		return err
	}

	return nil
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

// pingRoutine sends periodic ping messages to keep connection alive
func (h *Hub) pingRoutine(client *ClientConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Ping routine recovered from panic for user %d: %v", client.UserID, r)
		}
	}()

	for {
		select {
		case <-client.CloseChan:
			return
		case <-client.PingTicker.C:
			h.clientsMux.RLock()
			current := h.clients[client.UserID] == client
			h.clientsMux.RUnlock()

			if !current {
				return
			}

			client.writeMu.Lock()
			err := client.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			client.writeMu.Unlock()
			if err != nil {
				log.Printf("Ping failed for user %d: %v", client.UserID, err)
				h.UnregisterClient(client)
				return
			}
		}
	}
}

// connectionHealthChecker monitors connection health and removes dead connections
func (h *Hub) connectionHealthChecker() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		h.clientsMux.RLock()
		deadConnections := make([]*ClientConnection, 0)
		now := time.Now()

		for _, client := range h.clients {
			if now.Sub(client.LastPong) > h.pongTimeout {
				deadConnections = append(deadConnections, client)
			}
		}
		h.clientsMux.RUnlock()

		for _, client := range deadConnections {
			log.Printf("Removing dead connection for user %d (no pong received)", client.UserID)
			h.UnregisterClient(client)
		}
	}
}

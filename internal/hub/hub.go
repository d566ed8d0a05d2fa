package hub

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"

	"github.com/studycircle/chat-backend/internal/membership"
	"github.com/studycircle/chat-backend/internal/metrics"
	"github.com/studycircle/chat-backend/internal/models"
)

// Writer is the subset of a WebSocket connection the hub needs.
type Writer interface {
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	Ping(deadline time.Time) error
}

// ClientConnection wraps a WebSocket connection with metadata
type ClientConnection struct {
	Conn         Writer
	UserID       string
	LastPong     time.Time
	SupportsGzip bool
	PingTicker   *time.Ticker
	CloseChan    chan struct{}
	Limiter      *rate.Limiter
}

// Hub routes envelopes to connected group members and queues them for
// offline ones.
type Hub struct {
	clients        map[string]*ClientConnection
	clientsMux     sync.RWMutex
	members        membership.Provider
	pending        *PendingQueue
	maxRetries     int
	baseRetryDelay time.Duration
	pingInterval   time.Duration
	pongTimeout    time.Duration
	inboundRate    rate.Limit
	inboundBurst   int
	stopChan       chan struct{}
	stopOnce       sync.Once
}

// NewHub creates a new Hub instance and starts its background workers.
func NewHub(members membership.Provider, pending *PendingQueue) *Hub {
	hub := &Hub{
		clients:        make(map[string]*ClientConnection),
		members:        members,
		pending:        pending,
		maxRetries:     5,
		baseRetryDelay: 2 * time.Second,
		pingInterval:   30 * time.Second,
		pongTimeout:    90 * time.Second,
		inboundRate:    rate.Every(50 * time.Millisecond),
		inboundBurst:   40,
		stopChan:       make(chan struct{}),
	}

	go hub.retryWorker()
	go hub.connectionHealthChecker()

	return hub
}

// Stop halts the background workers.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// Register adds a client connection with health monitoring
func (h *Hub) Register(userID string, conn Writer, supportsGzip bool) {
	clientConn := &ClientConnection{
		Conn:         conn,
		UserID:       userID,
		LastPong:     time.Now(),
		SupportsGzip: supportsGzip,
		PingTicker:   time.NewTicker(h.pingInterval),
		CloseChan:    make(chan struct{}),
		Limiter:      rate.NewLimiter(h.inboundRate, h.inboundBurst),
	}

	h.clientsMux.Lock()
	// Replace any stale connection for the same user.
	if prev, exists := h.clients[userID]; exists {
		prev.PingTicker.Stop()
		close(prev.CloseChan)
	}
	h.clients[userID] = clientConn
	count := len(h.clients)
	h.clientsMux.Unlock()

	metrics.ActiveConnections.Set(float64(count))

	go h.pingRoutine(clientConn)

	log.Printf("User %s connected to hub (total: %d, gzip: %v)", userID, count, supportsGzip)
}

// Unregister removes a client connection
func (h *Hub) Unregister(userID string) {
	h.clientsMux.Lock()
	if client, exists := h.clients[userID]; exists {
		if client.PingTicker != nil {
			client.PingTicker.Stop()
		}
		close(client.CloseChan)
	}
	delete(h.clients, userID)
	count := len(h.clients)
	h.clientsMux.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	log.Printf("User %s disconnected from hub (total: %d)", userID, count)
}

// MarkPong records a pong from the user, keeping the connection alive.
func (h *Hub) MarkPong(userID string) {
	h.clientsMux.Lock()
	if client, exists := h.clients[userID]; exists {
		client.LastPong = time.Now()
	}
	h.clientsMux.Unlock()
}

// Allow reports whether the user's inbound limiter permits another frame.
func (h *Hub) Allow(userID string) bool {
	h.clientsMux.RLock()
	client, exists := h.clients[userID]
	h.clientsMux.RUnlock()
	if !exists {
		return false
	}
	return client.Limiter.Allow()
}

// IsOnline checks if a user is connected
func (h *Hub) IsOnline(userID string) bool {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	_, exists := h.clients[userID]
	return exists
}

// PongTimeout returns the interval after which a silent connection is dead.
func (h *Hub) PongTimeout() time.Duration {
	return h.pongTimeout
}

// Route delivers an envelope to every member of its group, the sender
// included. Offline members get the envelope queued unless it is ephemeral.
func (h *Hub) Route(env models.Envelope) {
	for _, userID := range h.members.Members(env.GroupID) {
		if err := h.SendToUser(userID, env); err != nil {
			log.Printf("Error delivering %s to user %s: %v", env.Kind, userID, err)
		}
	}
}

// SendToUser sends an envelope to a specific user with optional compression
func (h *Hub) SendToUser(userID string, env models.Envelope) error {
	h.clientsMux.RLock()
	clientConn, exists := h.clients[userID]
	h.clientsMux.RUnlock()

	if !exists {
		// User offline, queue message for later delivery
		return h.queueEnvelope(userID, env)
	}

	jsonData, err := json.Marshal(env)
	if err != nil {
		log.Printf("Error marshaling envelope for user %s: %v", userID, err)
		return err
	}

	// Compress if supported and beneficial (> 512 bytes)
	finalData := jsonData
	frameType := websocket.TextMessage
	if clientConn.SupportsGzip && len(jsonData) > 512 {
		compressed, err := compressData(jsonData)
		if err == nil && len(compressed) < len(jsonData) {
			finalData = compressed
			frameType = websocket.BinaryMessage
		}
	}

	if err := clientConn.Conn.WriteMessage(frameType, finalData); err != nil {
		log.Printf("Error sending envelope to user %s: %v", userID, err)
		// Connection may be dead, unregister and queue the envelope
		h.Unregister(userID)
		return h.queueEnvelope(userID, env)
	}

	return nil
}

// queueEnvelope stores an envelope for offline or failed delivery
func (h *Hub) queueEnvelope(userID string, env models.Envelope) error {
	if h.pending == nil {
		return nil
	}

	// Typing and heartbeat frames are worthless after the fact.
	if env.Kind.Ephemeral() {
		return nil
	}

	return h.pending.Enqueue(userID, env)
}

// OnlineUsers returns the currently connected user IDs.
func (h *Hub) OnlineUsers() []string {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()

	users := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		users = append(users, userID)
	}
	return users
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

// FlushPending sends all queued envelopes to a newly connected user.
func (h *Hub) FlushPending(userID string) error {
	if h.pending == nil {
		return nil
	}

	h.clientsMux.RLock()
	clientConn, exists := h.clients[userID]
	h.clientsMux.RUnlock()

	if !exists {
		return nil // User disconnected already
	}

	batchSize := 50
	pending := h.pending.PendingFor(userID, batchSize)
	if len(pending) == 0 {
		return nil
	}

	log.Printf("Flushing %d pending envelopes to user %s", len(pending), userID)

	batch := make([]models.Envelope, 0, len(pending))
	successIDs := make([]uint64, 0, len(pending))

	for _, pm := range pending {
		env, err := pm.Decode()
		if err != nil {
			log.Printf("Error decoding pending envelope %d: %v", pm.ID, err)
			h.pending.Delete(pm.ID)
			continue
		}
		batch = append(batch, env)
		successIDs = append(successIDs, pm.ID)
	}

	batchMessage := map[string]interface{}{
		"kind":     "batch",
		"messages": batch,
		"count":    len(batch),
	}

	if err := clientConn.Conn.WriteJSON(batchMessage); err != nil {
		log.Printf("Error sending batch to user %s: %v", userID, err)
		// Connection failed, envelopes stay in the queue
		return err
	}

	h.pending.DeleteBatch(successIDs)

	// If there are more envelopes, keep flushing (rate-limited by batch size)
	if len(pending) == batchSize {
		time.Sleep(100 * time.Millisecond)
		return h.FlushPending(userID)
	}

	return nil
}

// retryWorker processes failed deliveries with exponential backoff
func (h *Hub) retryWorker() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.retryPass()
		}
	}
}

func (h *Hub) retryPass() {
	if h.pending == nil {
		return
	}

	for _, pm := range h.pending.Retryable(100) {
		h.clientsMux.RLock()
		clientConn, isOnline := h.clients[pm.UserID]
		h.clientsMux.RUnlock()

		if !isOnline {
			// Still offline, push the next retry out with exponential backoff
			attempts := pm.Attempts + 1
			if attempts >= h.maxRetries {
				nextRetry := time.Now().Add(1 * time.Hour)
				h.pending.MarkAttempted(pm.ID, attempts, &nextRetry)
				continue
			}

			// 2s, 4s, 8s, 16s, 32s
			delay := h.baseRetryDelay * time.Duration(1<<uint(attempts))
			nextRetry := time.Now().Add(delay)
			h.pending.MarkAttempted(pm.ID, attempts, &nextRetry)
			continue
		}

		env, err := pm.Decode()
		if err != nil {
			log.Printf("Error decoding envelope for retry %d: %v", pm.ID, err)
			h.pending.Delete(pm.ID)
			continue
		}

		jsonData, _ := json.Marshal(env)
		if err := clientConn.Conn.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			log.Printf("Retry delivery failed for user %s: %v", pm.UserID, err)
			attempts := pm.Attempts + 1
			delay := h.baseRetryDelay * time.Duration(1<<uint(attempts))
			nextRetry := time.Now().Add(delay)
			h.pending.MarkAttempted(pm.ID, attempts, &nextRetry)
		} else {
			log.Printf("Delivered pending envelope %d to user %s", pm.ID, pm.UserID)
			h.pending.Delete(pm.ID)
		}
	}
}

// pingRoutine sends periodic ping messages to keep connection alive
func (h *Hub) pingRoutine(client *ClientConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Ping routine recovered from panic for user %s: %v", client.UserID, r)
		}
	}()

	for {
		select {
		case <-client.CloseChan:
			return
		case <-client.PingTicker.C:
			h.clientsMux.RLock()
			current, exists := h.clients[client.UserID]
			h.clientsMux.RUnlock()

			if !exists || current != client {
				return
			}

			if err := client.Conn.Ping(time.Now().Add(10 * time.Second)); err != nil {
				log.Printf("Ping failed for user %s: %v", client.UserID, err)
				h.Unregister(client.UserID)
				return
			}
		}
	}
}

// connectionHealthChecker monitors connection health and removes dead connections
func (h *Hub) connectionHealthChecker() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.reapDead(time.Now())
		}
	}
}

func (h *Hub) reapDead(now time.Time) {
	h.clientsMux.RLock()
	deadConnections := make([]string, 0)
	for userID, client := range h.clients {
		if now.Sub(client.LastPong) > h.pongTimeout {
			deadConnections = append(deadConnections, userID)
		}
	}
	h.clientsMux.RUnlock()

	for _, userID := range deadConnections {
		log.Printf("Removing dead connection for user %s (no pong received)", userID)
		h.Unregister(userID)
	}
}

// Decompress inflates a gzip-compressed client frame.
func Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// compressData compresses data using gzip
func compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)

	if _, err := gzipWriter.Write(data); err != nil {
		return nil, err
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

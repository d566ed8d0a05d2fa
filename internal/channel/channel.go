// Package channel models a single logical duplex connection that typed
// subscribers attach to. The wire underneath is a pluggable Transport; the
// channel itself only owns the connection state machine, dispatch, and the
// heartbeat.
package channel

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/studycircle/chat-backend/internal/models"
)

// State is the externally visible connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const defaultHeartbeatInterval = 30 * time.Second

// Handler receives envelopes of a subscribed kind.
type Handler func(models.Envelope)

// StateHandler is notified on every connection-state transition.
type StateHandler func(State)

// Transport is the wire under a Channel. Open must be callable again after
// Close so a caller can drive reconnection.
type Transport interface {
	// Open establishes the connection and arms Receive.
	Open() error
	// Send transmits one envelope. Delivery back to subscribers happens
	// only when the transport echoes or broadcasts it on Receive.
	Send(models.Envelope) error
	// Receive yields inbound envelopes. The channel is closed when the
	// transport shuts down or fails.
	Receive() <-chan models.Envelope
	// Close tears the connection down.
	Close() error
}

// Channel binds subscribers to a Transport with connection-state
// visibility. Safe for concurrent use.
type Channel struct {
	mu         sync.Mutex
	transport  Transport
	senderID   string
	state      State
	subs       map[models.EventKind]map[int]Handler
	stateSubs  map[int]StateHandler
	nextSubID  int
	stopped    chan struct{} // closed on disconnect; rearmed on connect
	userClosed bool

	heartbeatInterval time.Duration
}

// New creates a disconnected channel over the given transport. SenderID is
// stamped on heartbeat envelopes.
func New(t Transport, senderID string) *Channel {
	return &Channel{
		transport:         t,
		senderID:          senderID,
		state:             StateDisconnected,
		subs:              make(map[models.EventKind]map[int]Handler),
		stateSubs:         make(map[int]StateHandler),
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// SetHeartbeatInterval overrides the heartbeat period. Takes effect on the
// next Connect.
func (c *Channel) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatInterval = d
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether Send will currently transmit.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect transitions disconnected -> connecting -> connected and starts
// the heartbeat. Idempotent while already connecting or connected.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.transport.Open(); err != nil {
		c.mu.Lock()
		c.setStateLocked(StateError)
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	// Disconnect may have run while Open was in flight; honor it rather
	// than settle on connected over a transport nobody wants.
	if c.userClosed {
		c.mu.Unlock()
		if err := c.transport.Close(); err != nil {
			log.Printf("channel: transport close: %v", err)
		}
		return nil
	}
	stopped := make(chan struct{})
	c.stopped = stopped
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(stopped)
	go c.heartbeatLoop(stopped)
	return nil
}

// Disconnect stops the heartbeat, closes the transport, and settles on
// disconnected. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.userClosed = true
	if c.stopped != nil {
		close(c.stopped)
		c.stopped = nil
	}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		log.Printf("channel: transport close: %v", err)
	}
}

// Send hands the envelope to the transport. While not connected this is a
// logged no-op, never an error to the caller; check IsConnected before
// assuming delivery.
func (c *Channel) Send(env models.Envelope) {
	if !c.IsConnected() {
		log.Printf("channel: send of %s while not connected, dropped", env.Kind)
		return
	}
	if err := c.transport.Send(env); err != nil {
		log.Printf("channel: send of %s failed: %v", env.Kind, err)
	}
}

// Subscribe registers a handler for envelopes of the given kind
// (models.KindAny for all kinds) and returns an unsubscribe function.
// Unsubscribing is safe during dispatch. Invalid kinds are rejected.
func (c *Channel) Subscribe(kind models.EventKind, h Handler) (func(), error) {
	if kind != models.KindAny && !kind.Valid() {
		return nil, errors.New("subscribe: invalid event kind: " + string(kind))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	if c.subs[kind] == nil {
		c.subs[kind] = make(map[int]Handler)
	}
	c.subs[kind][id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[kind], id)
	}, nil
}

// SubscribeToConnectionState registers a handler notified on every state
// transition and returns an unsubscribe function.
func (c *Channel) SubscribeToConnectionState(h StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.stateSubs[id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

// setStateLocked transitions state and notifies subscribers. Callers hold
// c.mu; notification happens outside the lock so handlers may call back in.
func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	handlers := make([]StateHandler, 0, len(c.stateSubs))
	for _, h := range c.stateSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
	c.mu.Lock()
}

func (c *Channel) readLoop(stopped chan struct{}) {
	for {
		select {
		case <-stopped:
			return
		case env, ok := <-c.transport.Receive():
			if !ok {
				c.handleTransportLoss(stopped)
				return
			}
			c.dispatch(env)
		}
	}
}

// handleTransportLoss converts an unexpected receive-side shutdown into
// error -> disconnected. An explicit Disconnect never lands here.
func (c *Channel) handleTransportLoss(stopped chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userClosed || c.stopped != stopped {
		return
	}
	close(c.stopped)
	c.stopped = nil
	c.setStateLocked(StateError)
	c.setStateLocked(StateDisconnected)
}

// dispatch delivers one envelope to kind-specific and wildcard handlers.
// The handler set is snapshotted so a handler can unsubscribe itself or a
// peer mid-dispatch. Order across handlers is unspecified but consistent
// within one dispatch.
func (c *Channel) dispatch(env models.Envelope) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.subs[env.Kind])+len(c.subs[models.KindAny]))
	byID := make(map[int]Handler)
	for id, h := range c.subs[env.Kind] {
		ids = append(ids, id)
		byID[id] = h
	}
	for id, h := range c.subs[models.KindAny] {
		ids = append(ids, id)
		byID[id] = h
	}
	c.mu.Unlock()

	sort.Ints(ids)
	for _, id := range ids {
		byID[id](env)
	}
}

func (c *Channel) heartbeatLoop(stopped chan struct{}) {
	c.mu.Lock()
	interval := c.heartbeatInterval
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			env, err := models.NewEnvelope(models.KindHeartbeat, nil, c.senderID, "")
			if err != nil {
				continue
			}
			c.Send(env)
		}
	}
}

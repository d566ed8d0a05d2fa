package channel

import (
	"errors"
	"sync"

	"github.com/studycircle/chat-backend/internal/models"
)

// Broker is an in-process exchange connecting loopback transports. Every
// envelope sent by one attached transport is delivered to all attached
// transports, the sender included, in send order. It stands in for a real
// server broadcast in tests and single-process deployments.
type Broker struct {
	mu         sync.Mutex
	transports map[*Loopback]struct{}
}

func NewBroker() *Broker {
	return &Broker{transports: make(map[*Loopback]struct{})}
}

// NewTransport creates a loopback transport attached to this broker once
// opened.
func (b *Broker) NewTransport() *Loopback {
	return &Loopback{broker: b}
}

func (b *Broker) attach(t *Loopback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports[t] = struct{}{}
}

func (b *Broker) detach(t *Loopback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.transports, t)
}

func (b *Broker) publish(env models.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t := range b.transports {
		t.deliver(env)
	}
}

// Loopback is a Transport with no real wire: Send hands the envelope to the
// broker, which feeds every attached transport's receive queue. Delivery to
// subscribers therefore happens on the reader side, not in the Send call
// stack, matching what a server echo would do.
type Loopback struct {
	broker *Broker

	mu     sync.Mutex
	recv   chan models.Envelope
	opened bool
}

const loopbackQueueSize = 256

func (t *Loopback) Open() error {
	t.mu.Lock()
	if t.opened {
		t.mu.Unlock()
		return nil
	}
	t.recv = make(chan models.Envelope, loopbackQueueSize)
	t.opened = true
	t.mu.Unlock()

	// Attach outside t.mu: the broker locks its own mutex before calling
	// back into deliver, which takes t.mu.
	t.broker.attach(t)
	return nil
}

func (t *Loopback) Send(env models.Envelope) error {
	t.mu.Lock()
	opened := t.opened
	t.mu.Unlock()
	if !opened {
		return errors.New("loopback: not open")
	}
	t.broker.publish(env)
	return nil
}

func (t *Loopback) Receive() <-chan models.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv
}

func (t *Loopback) Close() error {
	t.broker.detach(t)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.opened {
		return nil
	}
	t.opened = false
	close(t.recv)
	return nil
}

// FailLink simulates a dropped connection: the transport detaches and its
// receive queue closes, without the channel having asked for it.
func (t *Loopback) FailLink() {
	_ = t.Close()
}

func (t *Loopback) deliver(env models.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.opened {
		return
	}
	select {
	case t.recv <- env:
	default:
		// Queue full: drop. The channel contract tolerates loss.
	}
}

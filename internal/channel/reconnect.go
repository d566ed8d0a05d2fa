package channel

import (
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Reconnector drives automatic reconnection with capped exponential
// backoff and jitter. A disconnect requested through Channel.Disconnect
// stops it; an unexpected loss restarts the dial loop.
type Reconnector struct {
	ch   *Channel
	base time.Duration
	max  time.Duration

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	unsub   func()

	redialing atomic.Bool
}

// NewReconnector wires a reconnector to ch. base is the first retry delay,
// max the backoff cap.
func NewReconnector(ch *Channel, base, max time.Duration) *Reconnector {
	return &Reconnector{ch: ch, base: base, max: max, stopCh: make(chan struct{})}
}

// Start begins watching connection state. The initial Connect is the
// caller's job; the reconnector only reacts to losses.
func (r *Reconnector) Start() {
	r.unsub = r.ch.SubscribeToConnectionState(func(s State) {
		// A failed dial inside the redial loop reports another error
		// state; only the first loss may start a loop, or every retry
		// would spawn one of its own.
		if s != StateError || !r.redialing.CompareAndSwap(false, true) {
			return
		}
		go r.redial()
	})
}

// Stop detaches the reconnector. Safe to call more than once.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
	if r.unsub != nil {
		r.unsub()
	}
}

func (r *Reconnector) redial() {
	defer r.redialing.Store(false)
	delay := r.base
	for {
		select {
		case <-r.stopCh:
			return
		case <-time.After(jitter(delay)):
		}

		if err := r.ch.Connect(); err == nil {
			log.Printf("channel: reconnected")
			return
		} else {
			log.Printf("channel: reconnect failed, retrying in %s: %v", delay, err)
		}

		delay *= 2
		if delay > r.max {
			delay = r.max
		}
	}
}

// jitter spreads a delay over [d/2, d) so a fleet of clients does not
// redial in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

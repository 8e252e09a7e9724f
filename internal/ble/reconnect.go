package ble

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Reconnector reissues Connect with exponential backoff whenever a watched
// peripheral reports Disconnected. It is opt-in and lives outside the
// Manager; register it with NewReconnector and stop it with Stop.
type Reconnector struct {
	central    *Central
	maxSeconds int

	// after schedules fn; replaced in tests.
	after func(d time.Duration, fn func()) (cancel func())

	mu       sync.Mutex
	watched  map[PeripheralID][]CharacteristicDescriptor
	attempts map[PeripheralID]int
	pending  map[PeripheralID]func()
	stopped  atomic.Bool
}

// NewReconnector creates a reconnector capped at maxSeconds of backoff and
// registers it for peripheral status events on c.
func NewReconnector(c *Central, maxSeconds int) *Reconnector {
	if maxSeconds <= 0 {
		maxSeconds = 30
	}
	r := &Reconnector{
		central:    c,
		maxSeconds: maxSeconds,
		after: func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		},
		watched:  make(map[PeripheralID][]CharacteristicDescriptor),
		attempts: make(map[PeripheralID]int),
		pending:  make(map[PeripheralID]func()),
	}
	c.Events().RegisterPeripheralStatus(r)
	return r
}

// Watch enables reconnection for id using requested on every retry.
func (r *Reconnector) Watch(id PeripheralID, requested []CharacteristicDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watched[id] = requested
	r.attempts[id] = 0
}

// Unwatch disables reconnection for id and cancels a pending retry. Call it
// before a deliberate Disconnect.
func (r *Reconnector) Unwatch(id PeripheralID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watched, id)
	delete(r.attempts, id)
	if cancel := r.pending[id]; cancel != nil {
		cancel()
	}
	delete(r.pending, id)
}

// Stop cancels every pending retry. Further status events are ignored.
func (r *Reconnector) Stop() {
	r.stopped.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.pending {
		cancel()
		delete(r.pending, id)
	}
}

// OnPeripheralStatus implements PeripheralStatusObserver.
func (r *Reconnector) OnPeripheralStatus(ev PeripheralStatus) {
	if r.stopped.Load() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watched[ev.ID]; !ok {
		return
	}

	switch ev.State {
	case Connected:
		r.attempts[ev.ID] = 0
	case Disconnected:
		if r.pending[ev.ID] != nil {
			return
		}
		attempt := r.attempts[ev.ID]
		r.attempts[ev.ID] = attempt + 1
		delay := backoffDelay(attempt, r.maxSeconds)
		slog.Info("[BLE] reconnect backoff", "peripheral", ev.ID, "attempt", attempt+1, "delay", delay, "cause", ev.Err)

		id := ev.ID
		r.pending[id] = r.after(delay, func() {
			r.central.Post(func() { r.retry(id) })
		})
	}
}

// retry runs on the queue goroutine.
func (r *Reconnector) retry(id PeripheralID) {
	r.mu.Lock()
	requested, ok := r.watched[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !ok || r.stopped.Load() {
		return
	}

	if _, err := r.central.Manager().Connect(id, requested); err != nil {
		if errors.Is(err, ErrConnectInProgress) {
			return
		}
		// A failed request already emitted Disconnected, which scheduled the next try.
		slog.Warn("[BLE] reconnect failed", "peripheral", id, "error", err)
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

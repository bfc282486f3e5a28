package msgbus

import (
	"errors"
	"sync"
)

// ErrWindowFull is returned when an acquire would exceed the window.
var ErrWindowFull = errors.New("delivery window full")

// windowCounter tracks in-flight guaranteed messages against a fixed
// window size. It is used on the publisher side to bound unacknowledged
// sends and by the broker to bound unacknowledged deliveries per flow.
type windowCounter struct {
	mu       sync.Mutex
	size     uint16
	inFlight uint16
}

func newWindowCounter(size uint16) *windowCounter {
	if size == 0 {
		size = DefaultWindowSize
	}
	return &windowCounter{size: size}
}

// Size returns the configured window size.
func (w *windowCounter) Size() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// InFlight returns the current number of unacknowledged messages.
func (w *windowCounter) InFlight() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// Available returns the remaining window capacity.
func (w *windowCounter) Available() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight >= w.size {
		return 0
	}
	return w.size - w.inFlight
}

// TryAcquire takes one window slot without blocking.
func (w *windowCounter) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight >= w.size {
		return false
	}
	w.inFlight++
	return true
}

// Acquire takes one window slot, or returns ErrWindowFull.
func (w *windowCounter) Acquire() error {
	if !w.TryAcquire() {
		return ErrWindowFull
	}
	return nil
}

// Release returns one window slot.
func (w *windowCounter) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight > 0 {
		w.inFlight--
	}
}

// Reset clears the in-flight count.
func (w *windowCounter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = 0
}

package msgbus

import (
	"context"
	"sync"
)

// PendingAck is a publisher-side correlation entry for one guaranteed
// message awaiting broker acknowledgement. The reader goroutine settles it;
// publishers inspect it after Settled is closed.
type PendingAck struct {
	MessageID      uint64
	CorrelationTag string

	// Settled is closed once the broker has accepted or rejected the
	// message. Acked/Accepted/Reason are immutable afterwards.
	Settled chan struct{}

	Acked    bool
	Accepted bool
	Reason   string
}

// ackRegistry tracks outstanding guaranteed publishes by message ID. It
// replaces the linked-list correlation tracking of callback-style SDKs
// with a mutex-protected map.
type ackRegistry struct {
	mu      sync.Mutex
	pending map[uint64]*PendingAck
	idle    chan struct{} // closed while no entries are outstanding
}

func newAckRegistry() *ackRegistry {
	idle := make(chan struct{})
	close(idle)
	return &ackRegistry{
		pending: make(map[uint64]*PendingAck),
		idle:    idle,
	}
}

// track registers a new outstanding message.
func (r *ackRegistry) track(messageID uint64, correlationTag string) *PendingAck {
	entry := &PendingAck{
		MessageID:      messageID,
		CorrelationTag: correlationTag,
		Settled:        make(chan struct{}),
	}

	r.mu.Lock()
	if len(r.pending) == 0 {
		r.idle = make(chan struct{})
	}
	r.pending[messageID] = entry
	r.mu.Unlock()
	return entry
}

// settle resolves an outstanding message and removes it from the registry.
func (r *ackRegistry) settle(messageID uint64, accepted bool, reason string) (*PendingAck, bool) {
	r.mu.Lock()
	entry, ok := r.pending[messageID]
	if ok {
		delete(r.pending, messageID)
		if len(r.pending) == 0 {
			close(r.idle)
		}
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	entry.Acked = true
	entry.Accepted = accepted
	entry.Reason = reason
	close(entry.Settled)
	return entry, true
}

// outstanding returns the number of unsettled messages.
func (r *ackRegistry) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// await blocks until every tracked message is settled or ctx expires.
func (r *ackRegistry) await(ctx context.Context) error {
	for {
		r.mu.Lock()
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
			return nil
		case <-ctx.Done():
			return &TimeoutError{Op: "await acks"}
		}
	}
}

// settleAll resolves every outstanding entry, used at session teardown.
func (r *ackRegistry) settleAll(accepted bool, reason string) {
	r.mu.Lock()
	entries := make([]*PendingAck, 0, len(r.pending))
	for id, entry := range r.pending {
		entries = append(entries, entry)
		delete(r.pending, id)
	}
	if len(entries) > 0 {
		close(r.idle)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.Acked = true
		entry.Accepted = accepted
		entry.Reason = reason
		close(entry.Settled)
	}
}

package msgbus

import (
	"sync"
	"time"
)

// spooledMessage is one guaranteed message held on an endpoint.
type spooledMessage struct {
	id        uint64
	msg       *Message
	publisher string
	expiry    time.Time // zero means no expiry

	// outstanding is the flow the message is currently delivered to and
	// unacknowledged on. nil means available.
	outstanding *endpointFlow

	redeliveries int
}

// endpointFlow is the broker-side record of one bound consumer flow.
type endpointFlow struct {
	client *brokerClient
	id     uint32 // client-scoped flow ID

	window   *windowCounter
	browser  bool
	noLocal  bool
	selector selectorFunc
	txnID    uint32

	started bool
	active  bool

	// browseCursor is the highest spool ID a browsing flow has seen.
	browseCursor uint64

	// prelude holds replayed messages delivered before the live spool;
	// preludeOut tracks their delivery IDs until acknowledged.
	prelude    []*Message
	preludeOut map[uint64]struct{}
}

// matches reports whether the flow should see a spooled message.
func (f *endpointFlow) matches(sm *spooledMessage) bool {
	if f.noLocal && sm.publisher != "" && sm.publisher == f.client.name {
		return false
	}
	if f.selector != nil && !f.selector(sm.msg) {
		return false
	}
	return true
}

// brokerEndpoint is a durable queue or topic endpoint with its spool and
// bound flows. All state is guarded by mu; delivery writes to client
// connections happen while holding it, which is safe because clients never
// hold their write lock while taking an endpoint lock.
type brokerEndpoint struct {
	broker *Broker

	name        string
	kind        EndpointKind
	topic       string
	quota       uint32
	permission  EndpointPermission
	respectsTTL bool
	access      EndpointAccess
	owner       string

	mu    sync.Mutex
	spool []*spooledMessage
	flows []*endpointFlow
}

func newBrokerEndpoint(b *Broker, name string, kind EndpointKind, topic string, quota uint32, props EndpointProperties, owner string) *brokerEndpoint {
	return &brokerEndpoint{
		broker:      b,
		name:        name,
		kind:        kind,
		topic:       topic,
		quota:       quota,
		permission:  props.Permission,
		respectsTTL: props.RespectsTTL,
		access:      props.AccessType,
		owner:       owner,
	}
}

// enqueue spools one message and pumps delivery. Returns false when the
// quota is exhausted.
func (ep *brokerEndpoint) enqueue(msg *Message, publisher string, spoolID uint64) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if uint32(len(ep.spool)) >= ep.quota {
		return false
	}

	sm := &spooledMessage{id: spoolID, msg: msg, publisher: publisher}
	if ep.respectsTTL && msg.TTL() > 0 {
		sm.expiry = time.Now().Add(msg.TTL())
	}

	ep.spool = append(ep.spool, sm)
	ep.pumpLocked()
	return true
}

// attraction returns the endpoint's topic attraction pattern.
func (ep *brokerEndpoint) attraction() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.topic
}

// setTopic installs or replaces the topic attraction.
func (ep *brokerEndpoint) setTopic(topic string) {
	ep.mu.Lock()
	ep.topic = topic
	ep.mu.Unlock()
}

// hasConsumer reports whether any non-browsing flow is bound.
func (ep *brokerEndpoint) hasConsumer() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, f := range ep.flows {
		if !f.browser {
			return true
		}
	}
	return false
}

// depth returns the number of spooled messages.
func (ep *brokerEndpoint) depth() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.spool)
}

// bind attaches a flow and reports whether it is the active consumer.
// Browsers are always active. On exclusive endpoints the first consumer is
// active and later binds become standbys.
func (ep *brokerEndpoint) bind(f *endpointFlow) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if f.browser {
		f.active = true
	} else if ep.access == AccessNonExclusive {
		f.active = true
	} else {
		f.active = true
		for _, existing := range ep.flows {
			if !existing.browser {
				f.active = false
				break
			}
		}
	}

	ep.flows = append(ep.flows, f)
	ep.pumpLocked()
	return f.active
}

// unbind detaches a flow, returns its unacknowledged messages to the
// spool, and promotes the next standby on exclusive endpoints.
func (ep *brokerEndpoint) unbind(client *brokerClient, flowID uint32) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.unbindLocked(client, flowID)
}

func (ep *brokerEndpoint) unbindLocked(client *brokerClient, flowID uint32) {
	idx := -1
	for i, f := range ep.flows {
		if f.client == client && f.id == flowID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	removed := ep.flows[idx]
	ep.flows = append(ep.flows[:idx], ep.flows[idx+1:]...)

	for _, sm := range ep.spool {
		if sm.outstanding == removed {
			sm.outstanding = nil
			sm.redeliveries++
		}
	}

	if removed.active && !removed.browser && ep.access == AccessExclusive {
		for _, next := range ep.flows {
			if next.browser {
				continue
			}
			next.active = true
			next.client.send(&FlowStateFrame{FlowID: next.id, Active: true})
			break
		}
	}

	ep.pumpLocked()
}

// unbindClient detaches every flow the client holds, used at disconnect.
func (ep *brokerEndpoint) unbindClient(client *brokerClient) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for {
		var found *endpointFlow
		for _, f := range ep.flows {
			if f.client == client {
				found = f
				break
			}
		}
		if found == nil {
			return
		}
		ep.unbindLocked(client, found.id)
	}
}

// setStarted pauses or resumes delivery on one flow.
func (ep *brokerEndpoint) setStarted(client *brokerClient, flowID uint32, started bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for _, f := range ep.flows {
		if f.client == client && f.id == flowID {
			f.started = started
			break
		}
	}
	ep.pumpLocked()
}

// ack settles one delivered message: browsers advance without consuming,
// consumers remove the message from the spool.
func (ep *brokerEndpoint) ack(client *brokerClient, flowID uint32, msgID uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	var flow *endpointFlow
	for _, f := range ep.flows {
		if f.client == client && f.id == flowID {
			flow = f
			break
		}
	}
	if flow == nil {
		return
	}

	if _, ok := flow.preludeOut[msgID]; ok {
		delete(flow.preludeOut, msgID)
		flow.window.Release()
		ep.pumpLocked()
		return
	}

	if flow.browser {
		flow.window.Release()
		ep.pumpLocked()
		return
	}

	for i, sm := range ep.spool {
		if sm.id == msgID && sm.outstanding == flow {
			ep.spool = append(ep.spool[:i], ep.spool[i+1:]...)
			flow.window.Release()
			break
		}
	}
	ep.pumpLocked()
}

// release returns one delivered message to the spool unconsumed, marking
// it for redelivery. Used by transaction rollback.
func (ep *brokerEndpoint) release(client *brokerClient, flowID uint32, msgID uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for _, sm := range ep.spool {
		if sm.id != msgID {
			continue
		}
		if f := sm.outstanding; f != nil && f.client == client && f.id == flowID {
			sm.outstanding = nil
			sm.redeliveries++
			f.window.Release()
		}
		break
	}
	ep.pumpLocked()
}

// pumpLocked delivers available spooled messages to eligible flows in
// spool order, respecting per-flow windows, start state, and exclusive
// ownership. Callers hold ep.mu.
func (ep *brokerEndpoint) pumpLocked() {
	for _, f := range ep.flows {
		if !f.started || !f.active {
			continue
		}

		// Replay prelude drains before the live spool.
		for len(f.prelude) > 0 && f.window.TryAcquire() {
			msg := f.prelude[0]
			f.prelude = f.prelude[1:]
			id := ep.broker.nextSpoolID.Add(1)
			if f.preludeOut == nil {
				f.preludeOut = make(map[uint64]struct{})
			}
			f.preludeOut[id] = struct{}{}
			ep.deliver(f, msg, id, true)
		}
		if len(f.prelude) > 0 {
			continue
		}

		if f.browser {
			ep.pumpBrowserLocked(f)
			continue
		}

		for _, sm := range ep.spool {
			if sm.outstanding != nil || !f.matches(sm) {
				continue
			}
			if !f.window.TryAcquire() {
				break
			}
			sm.outstanding = f
			ep.deliver(f, sm.msg, sm.id, sm.redeliveries > 0)
		}
	}
}

// pumpBrowserLocked advances a browsing flow past messages it has already
// seen without consuming anything.
func (ep *brokerEndpoint) pumpBrowserLocked(f *endpointFlow) {
	for _, sm := range ep.spool {
		if sm.id <= f.browseCursor || !f.matches(sm) {
			continue
		}
		if !f.window.TryAcquire() {
			return
		}
		f.browseCursor = sm.id
		ep.deliver(f, sm.msg, sm.id, sm.redeliveries > 0)
	}
}

// deliver writes one message to the flow's client, stamped with the spool
// ID the consumer acknowledges.
func (ep *brokerEndpoint) deliver(f *endpointFlow, msg *Message, spoolID uint64, redelivered bool) {
	out := msg.clone()
	out.messageID = spoolID
	out.redelivered = redelivered
	f.client.send(&PublishFrame{FlowID: f.id, Message: out})
}

// expire removes expired, undelivered messages and returns the
// DMQ-eligible ones.
func (ep *brokerEndpoint) expire(now time.Time) []*Message {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	var dead []*Message
	kept := ep.spool[:0]
	for _, sm := range ep.spool {
		if sm.outstanding == nil && !sm.expiry.IsZero() && now.After(sm.expiry) {
			if sm.msg.DMQEligible() {
				dead = append(dead, sm.msg)
			}
			continue
		}
		kept = append(kept, sm)
	}
	ep.spool = kept
	return dead
}

// destroy severs all flows when the endpoint is deprovisioned.
func (ep *brokerEndpoint) destroy() {
	ep.mu.Lock()
	flows := append([]*endpointFlow(nil), ep.flows...)
	ep.flows = nil
	ep.spool = nil
	ep.mu.Unlock()

	for _, f := range flows {
		f.client.send(&FlowStateFrame{FlowID: f.id, Active: false})
		f.client.forgetFlow(f.id)
	}
}

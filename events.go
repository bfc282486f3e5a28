package msgbus

import "fmt"

// EventClass groups lifecycle events into the three dispatcher classes.
type EventClass int

const (
	// EventClassInfo is an informational event (up, reconnecting).
	EventClassInfo EventClass = iota

	// EventClassCompletion reports an async operation finishing
	// (acknowledgement, subscription confirm, cache reply).
	EventClassCompletion

	// EventClassError reports a failure; SubCode and Reason are set.
	EventClassError
)

// String returns the class name.
func (c EventClass) String() string {
	switch c {
	case EventClassInfo:
		return "info"
	case EventClassCompletion:
		return "completion"
	case EventClassError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionEventKind identifies a session-level event.
type SessionEventKind int

const (
	// SessionUp fires once the session is connected and ready.
	SessionUp SessionEventKind = iota

	// SessionDown fires when the connection is lost or closed.
	SessionDown

	// SessionReconnecting fires on each reconnect attempt.
	SessionReconnecting

	// SessionReconnected fires when a reconnect attempt succeeds.
	SessionReconnected

	// SubscriptionOK confirms a subscription or unsubscription.
	SubscriptionOK

	// SubscriptionError reports a refused subscription.
	SubscriptionError

	// Acknowledgement reports a guaranteed message accepted by the broker.
	Acknowledgement

	// RejectedMessage reports a guaranteed message refused by the broker.
	RejectedMessage

	// CacheRequestOK reports an async cache request completing.
	CacheRequestOK

	// CacheRequestFailed reports an async cache request failing.
	CacheRequestFailed
)

// String returns the event kind name.
func (k SessionEventKind) String() string {
	switch k {
	case SessionUp:
		return "session-up"
	case SessionDown:
		return "session-down"
	case SessionReconnecting:
		return "session-reconnecting"
	case SessionReconnected:
		return "session-reconnected"
	case SubscriptionOK:
		return "subscription-ok"
	case SubscriptionError:
		return "subscription-error"
	case Acknowledgement:
		return "acknowledgement"
	case RejectedMessage:
		return "rejected-message"
	case CacheRequestOK:
		return "cache-request-ok"
	case CacheRequestFailed:
		return "cache-request-failed"
	default:
		return "unknown"
	}
}

// SessionEvent is delivered to the session event handler on the session's
// event-dispatch goroutine. Handlers must not re-enter blocking session
// calls (Publish with guaranteed delivery, BindFlow, blocking cache
// requests) from the callback.
type SessionEvent struct {
	Kind    SessionEventKind
	Class   EventClass
	SubCode SubCode
	Reason  string

	// CorrelationTag and MessageID are set on Acknowledgement and
	// RejectedMessage events.
	CorrelationTag string
	MessageID      uint64

	// RequestID and CachedMessages are set on cache completion events.
	RequestID      uint32
	CachedMessages []*Message
}

// String renders the event for logs.
func (e SessionEvent) String() string {
	if e.Class == EventClassError {
		return fmt.Sprintf("%s (%s: %s: %s)", e.Kind, e.Class, e.SubCode, e.Reason)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Class)
}

// FlowEventKind identifies a flow-level event.
type FlowEventKind int

const (
	// FlowUp fires when the flow is bound and delivery can begin.
	FlowUp FlowEventKind = iota

	// FlowActive fires when an exclusive flow gains delivery ownership.
	FlowActive

	// FlowInactive fires when an exclusive flow loses or defers delivery
	// ownership to another bound flow.
	FlowInactive

	// FlowDown fires when the binding is destroyed.
	FlowDown
)

// String returns the event kind name.
func (k FlowEventKind) String() string {
	switch k {
	case FlowUp:
		return "flow-up"
	case FlowActive:
		return "flow-active"
	case FlowInactive:
		return "flow-inactive"
	case FlowDown:
		return "flow-down"
	default:
		return "unknown"
	}
}

// FlowEvent is delivered to the flow event handler on the flow's delivery
// goroutine, ordered with respect to message deliveries on the same flow.
type FlowEvent struct {
	Kind    FlowEventKind
	Class   EventClass
	SubCode SubCode
	Reason  string
}

// String renders the event for logs.
func (e FlowEvent) String() string {
	if e.Class == EventClassError {
		return fmt.Sprintf("%s (%s: %s: %s)", e.Kind, e.Class, e.SubCode, e.Reason)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Class)
}

// SessionEventHandler receives session lifecycle events.
type SessionEventHandler func(*Session, SessionEvent)

// FlowEventHandler receives flow lifecycle events.
type FlowEventHandler func(*Flow, FlowEvent)

// MessageHandler receives inbound messages.
type MessageHandler func(*Message)

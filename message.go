package msgbus

import (
	"io"
	"time"
)

// DeliveryMode selects how the broker handles a published message.
type DeliveryMode byte

const (
	// DeliveryDirect is best-effort delivery with no broker persistence.
	DeliveryDirect DeliveryMode = iota

	// DeliveryPersistent is guaranteed delivery; the broker persists the
	// message until consumer acknowledgement.
	DeliveryPersistent

	// DeliveryNonPersistent is guaranteed delivery without durable
	// spooling; the broker may drop the message on restart.
	DeliveryNonPersistent
)

// String returns the delivery mode name.
func (m DeliveryMode) String() string {
	switch m {
	case DeliveryDirect:
		return "direct"
	case DeliveryPersistent:
		return "persistent"
	case DeliveryNonPersistent:
		return "non-persistent"
	default:
		return "unknown"
	}
}

// DestinationKind distinguishes topics from queues.
type DestinationKind byte

const (
	// DestinationTopic addresses subscribers by topic pattern.
	DestinationTopic DestinationKind = iota

	// DestinationQueue addresses a named queue endpoint.
	DestinationQueue
)

// Destination is a message address: a topic or a queue.
type Destination struct {
	Kind DestinationKind
	Name string
}

// Topic creates a topic destination.
func Topic(name string) Destination {
	return Destination{Kind: DestinationTopic, Name: name}
}

// Queue creates a queue destination.
func Queue(name string) Destination {
	return Destination{Kind: DestinationQueue, Name: name}
}

// String returns "topic:name" or "queue:name".
func (d Destination) String() string {
	if d.Kind == DestinationQueue {
		return "queue:" + d.Name
	}
	return "topic:" + d.Name
}

// BodyKind identifies the payload representation of a message.
type BodyKind byte

const (
	// BodyBinary is an opaque byte payload.
	BodyBinary BodyKind = iota

	// BodyMap is a structured map payload.
	BodyMap

	// BodyStream is a structured stream payload.
	BodyStream
)

// Message is a mutable message envelope. Build it with the setters, then
// hand it to Session.Publish; ownership passes to the transport for the
// duration of the call and reverts on return.
type Message struct {
	dest    Destination
	hasDest bool

	mode           DeliveryMode
	ttl            time.Duration
	dmqEligible    bool
	correlationTag string
	senderID       string

	bodyKind   BodyKind
	payload    []byte
	mapBody    *SDTMap
	streamBody *SDTStream

	userProps *SDTMap

	// Delivery metadata, populated on received messages.
	messageID   uint64
	redelivered bool
}

// NewMessage creates an empty envelope with Direct delivery mode.
func NewMessage() *Message {
	return &Message{}
}

// SetDestination sets the topic or queue the message is published to.
func (m *Message) SetDestination(d Destination) *Message {
	m.dest = d
	m.hasDest = true
	return m
}

// SetDeliveryMode sets the delivery mode.
func (m *Message) SetDeliveryMode(mode DeliveryMode) *Message {
	m.mode = mode
	return m
}

// SetPayload sets an opaque binary payload, replacing any structured body.
func (m *Message) SetPayload(p []byte) *Message {
	m.bodyKind = BodyBinary
	m.payload = p
	m.mapBody = nil
	m.streamBody = nil
	return m
}

// SetMap sets a structured map body, replacing any other body.
func (m *Message) SetMap(sm *SDTMap) *Message {
	m.bodyKind = BodyMap
	m.mapBody = sm
	m.payload = nil
	m.streamBody = nil
	return m
}

// SetStream sets a structured stream body, replacing any other body.
func (m *Message) SetStream(ss *SDTStream) *Message {
	m.bodyKind = BodyStream
	m.streamBody = ss
	m.payload = nil
	m.mapBody = nil
	return m
}

// SetTTL sets the message time-to-live. Zero means no expiry.
func (m *Message) SetTTL(ttl time.Duration) *Message {
	m.ttl = ttl
	return m
}

// SetDMQEligible marks the message for dead-message-queue routing when its
// TTL expires before delivery.
func (m *Message) SetDMQEligible(eligible bool) *Message {
	m.dmqEligible = eligible
	return m
}

// SetCorrelationTag attaches an application correlation tag, echoed back in
// publisher acknowledgements.
func (m *Message) SetCorrelationTag(tag string) *Message {
	m.correlationTag = tag
	return m
}

// SetSenderID sets the application sender identifier.
func (m *Message) SetSenderID(id string) *Message {
	m.senderID = id
	return m
}

// SetUserProperty sets a structured user property. Setting an existing key
// replaces it in place.
func (m *Message) SetUserProperty(key string, field SDTField) *Message {
	if m.userProps == nil {
		m.userProps = NewSDTMap()
	}
	m.userProps.Add(key, field)
	return m
}

// DeleteUserProperty removes a user property; unknown keys are a no-op.
func (m *Message) DeleteUserProperty(key string) {
	if m.userProps != nil {
		m.userProps.Delete(key)
	}
}

// Destination returns the destination, if one has been set.
func (m *Message) Destination() (Destination, bool) {
	return m.dest, m.hasDest
}

// DeliveryMode returns the delivery mode.
func (m *Message) DeliveryMode() DeliveryMode { return m.mode }

// TTL returns the message time-to-live.
func (m *Message) TTL() time.Duration { return m.ttl }

// DMQEligible reports whether the message routes to the DMQ on expiry.
func (m *Message) DMQEligible() bool { return m.dmqEligible }

// CorrelationTag returns the application correlation tag.
func (m *Message) CorrelationTag() string { return m.correlationTag }

// SenderID returns the application sender identifier.
func (m *Message) SenderID() string { return m.senderID }

// BodyKind returns the payload representation.
func (m *Message) BodyKind() BodyKind { return m.bodyKind }

// Payload returns the binary payload, if the body is binary.
func (m *Message) Payload() []byte { return m.payload }

// MapBody returns the structured map body, if the body is a map.
func (m *Message) MapBody() *SDTMap { return m.mapBody }

// StreamBody returns the structured stream body, if the body is a stream.
func (m *Message) StreamBody() *SDTStream { return m.streamBody }

// UserProperties returns the user property map, which may be nil.
func (m *Message) UserProperties() *SDTMap { return m.userProps }

// MessageID returns the broker-assigned message ID. Zero until the message
// has been accepted by the broker or delivered on a flow.
func (m *Message) MessageID() uint64 { return m.messageID }

// Redelivered reports whether this delivery is a redelivery.
func (m *Message) Redelivered() bool { return m.redelivered }

// validate checks the envelope is sendable.
func (m *Message) validate() error {
	if !m.hasDest {
		return &InvalidMessageError{Field: "destination", Reason: "not set"}
	}
	if m.dest.Name == "" {
		return &InvalidMessageError{Field: "destination", Reason: "empty name"}
	}
	if m.ttl < 0 {
		return &InvalidMessageError{Field: "ttl", Reason: "negative"}
	}
	if m.ttl > 0 && m.mode == DeliveryDirect {
		return &InvalidMessageError{Field: "ttl", Reason: "requires guaranteed delivery mode"}
	}
	return nil
}

// clone returns an independent copy sharing no mutable delivery metadata.
// Payload bytes and structured bodies are shared; receivers treat them as
// read-only.
func (m *Message) clone() *Message {
	c := *m
	return &c
}

// encodeWire writes the envelope fields in wire order.
func (m *Message) encodeWire(w io.Writer) error {
	if err := encodeUint8(w, byte(m.dest.Kind)); err != nil {
		return err
	}
	if err := encodeString(w, m.dest.Name); err != nil {
		return err
	}
	if err := encodeUint8(w, byte(m.mode)); err != nil {
		return err
	}
	if err := encodeUint32(w, uint32(m.ttl/time.Millisecond)); err != nil {
		return err
	}
	if err := encodeBool(w, m.dmqEligible); err != nil {
		return err
	}
	if err := encodeBool(w, m.redelivered); err != nil {
		return err
	}
	if err := encodeString(w, m.correlationTag); err != nil {
		return err
	}
	if err := encodeString(w, m.senderID); err != nil {
		return err
	}
	if err := encodeUint64(w, m.messageID); err != nil {
		return err
	}
	if err := encodeSDTMap(w, m.userProps); err != nil {
		return err
	}
	if err := encodeUint8(w, byte(m.bodyKind)); err != nil {
		return err
	}
	switch m.bodyKind {
	case BodyMap:
		return encodeSDTMap(w, m.mapBody)
	case BodyStream:
		return encodeSDTStream(w, m.streamBody)
	default:
		return encodeBytes(w, m.payload)
	}
}

// decodeWireMessage reads an envelope in wire order.
func decodeWireMessage(r io.Reader) (*Message, error) {
	m := NewMessage()

	kind, err := decodeUint8(r)
	if err != nil {
		return nil, err
	}
	name, err := decodeString(r)
	if err != nil {
		return nil, err
	}
	m.dest = Destination{Kind: DestinationKind(kind), Name: name}
	m.hasDest = name != ""

	mode, err := decodeUint8(r)
	if err != nil {
		return nil, err
	}
	m.mode = DeliveryMode(mode)

	ttlMillis, err := decodeUint32(r)
	if err != nil {
		return nil, err
	}
	m.ttl = time.Duration(ttlMillis) * time.Millisecond

	if m.dmqEligible, err = decodeBool(r); err != nil {
		return nil, err
	}
	if m.redelivered, err = decodeBool(r); err != nil {
		return nil, err
	}
	if m.correlationTag, err = decodeString(r); err != nil {
		return nil, err
	}
	if m.senderID, err = decodeString(r); err != nil {
		return nil, err
	}
	if m.messageID, err = decodeUint64(r); err != nil {
		return nil, err
	}

	props, err := decodeSDTMap(r)
	if err != nil {
		return nil, err
	}
	if props.Len() > 0 {
		m.userProps = props
	}

	bodyKind, err := decodeUint8(r)
	if err != nil {
		return nil, err
	}
	m.bodyKind = BodyKind(bodyKind)
	switch m.bodyKind {
	case BodyMap:
		if m.mapBody, err = decodeSDTMap(r); err != nil {
			return nil, err
		}
	case BodyStream:
		if m.streamBody, err = decodeSDTStream(r); err != nil {
			return nil, err
		}
	default:
		if m.payload, err = decodeBytes(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

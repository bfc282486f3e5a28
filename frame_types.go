package msgbus

import "io"

// Reply codes carried by ack frames.
const (
	replyOK               byte = 0
	replyLoginFailure     byte = 1
	replyUnknownEndpoint  byte = 2
	replyPermissionDenied byte = 3
	replyAlreadyBound     byte = 4
	replyRejected         byte = 5
	replyEndpointExists   byte = 6
	replyNoData           byte = 7
	replySuspect          byte = 8
	replyTxnFailed        byte = 9
	replyProtocolError    byte = 10
)

// Auth schemes negotiated in OPEN.
const (
	authSchemePlain     byte = 0
	authSchemeChallenge byte = 1
)

// OpenFrame starts a session: client -> broker.
type OpenFrame struct {
	ClientName  string
	Username    string
	Password    []byte
	VPN         string
	AuthScheme  byte
	Compression byte
	KeepAlive   uint16
}

// Type returns the frame type.
func (f *OpenFrame) Type() FrameType { return FrameOpen }

func (f *OpenFrame) encode(w io.Writer) error {
	if err := encodeString(w, f.ClientName); err != nil {
		return err
	}
	if err := encodeString(w, f.Username); err != nil {
		return err
	}
	if err := encodeBytes(w, f.Password); err != nil {
		return err
	}
	if err := encodeString(w, f.VPN); err != nil {
		return err
	}
	if err := encodeUint8(w, f.AuthScheme); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Compression); err != nil {
		return err
	}
	return encodeUint16(w, f.KeepAlive)
}

func (f *OpenFrame) decode(r io.Reader) (err error) {
	if f.ClientName, err = decodeString(r); err != nil {
		return err
	}
	if f.Username, err = decodeString(r); err != nil {
		return err
	}
	if f.Password, err = decodeBytes(r); err != nil {
		return err
	}
	if f.VPN, err = decodeString(r); err != nil {
		return err
	}
	if f.AuthScheme, err = decodeUint8(r); err != nil {
		return err
	}
	if f.Compression, err = decodeUint8(r); err != nil {
		return err
	}
	f.KeepAlive, err = decodeUint16(r)
	return err
}

// OpenAckFrame completes session establishment: broker -> client.
type OpenAckFrame struct {
	Code         byte
	Reason       string
	AssignedName string
	KeepAlive    uint16
}

// Type returns the frame type.
func (f *OpenAckFrame) Type() FrameType { return FrameOpenAck }

func (f *OpenAckFrame) encode(w io.Writer) error {
	if err := encodeUint8(w, f.Code); err != nil {
		return err
	}
	if err := encodeString(w, f.Reason); err != nil {
		return err
	}
	if err := encodeString(w, f.AssignedName); err != nil {
		return err
	}
	return encodeUint16(w, f.KeepAlive)
}

func (f *OpenAckFrame) decode(r io.Reader) (err error) {
	if f.Code, err = decodeUint8(r); err != nil {
		return err
	}
	if f.Reason, err = decodeString(r); err != nil {
		return err
	}
	if f.AssignedName, err = decodeString(r); err != nil {
		return err
	}
	f.KeepAlive, err = decodeUint16(r)
	return err
}

// ChallengeFrame carries the salted-auth challenge: broker -> client.
type ChallengeFrame struct {
	Salt       []byte
	Nonce      []byte
	Iterations uint32
}

// Type returns the frame type.
func (f *ChallengeFrame) Type() FrameType { return FrameChallenge }

func (f *ChallengeFrame) encode(w io.Writer) error {
	if err := encodeBytes(w, f.Salt); err != nil {
		return err
	}
	if err := encodeBytes(w, f.Nonce); err != nil {
		return err
	}
	return encodeUint32(w, f.Iterations)
}

func (f *ChallengeFrame) decode(r io.Reader) (err error) {
	if f.Salt, err = decodeBytes(r); err != nil {
		return err
	}
	if f.Nonce, err = decodeBytes(r); err != nil {
		return err
	}
	f.Iterations, err = decodeUint32(r)
	return err
}

// AuthProofFrame answers a challenge: client -> broker.
type AuthProofFrame struct {
	Proof []byte
}

// Type returns the frame type.
func (f *AuthProofFrame) Type() FrameType { return FrameAuthProof }

func (f *AuthProofFrame) encode(w io.Writer) error {
	return encodeBytes(w, f.Proof)
}

func (f *AuthProofFrame) decode(r io.Reader) (err error) {
	f.Proof, err = decodeBytes(r)
	return err
}

// PublishFrame carries a message envelope in either direction. FlowID is
// nonzero for guaranteed delivery to a bound flow; TxnID is nonzero for
// transacted sends.
type PublishFrame struct {
	FlowID  uint32
	TxnID   uint32
	Message *Message
}

// Type returns the frame type.
func (f *PublishFrame) Type() FrameType { return FramePublish }

func (f *PublishFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.FlowID); err != nil {
		return err
	}
	if err := encodeUint32(w, f.TxnID); err != nil {
		return err
	}
	return f.Message.encodeWire(w)
}

func (f *PublishFrame) decode(r io.Reader) (err error) {
	if f.FlowID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.TxnID, err = decodeUint32(r); err != nil {
		return err
	}
	f.Message, err = decodeWireMessage(r)
	return err
}

// PubAckFrame acknowledges or rejects a guaranteed publish: broker -> client.
type PubAckFrame struct {
	MessageID      uint64
	CorrelationTag string
	Code           byte
	Reason         string
}

// Type returns the frame type.
func (f *PubAckFrame) Type() FrameType { return FramePubAck }

func (f *PubAckFrame) encode(w io.Writer) error {
	if err := encodeUint64(w, f.MessageID); err != nil {
		return err
	}
	if err := encodeString(w, f.CorrelationTag); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Code); err != nil {
		return err
	}
	return encodeString(w, f.Reason)
}

func (f *PubAckFrame) decode(r io.Reader) (err error) {
	if f.MessageID, err = decodeUint64(r); err != nil {
		return err
	}
	if f.CorrelationTag, err = decodeString(r); err != nil {
		return err
	}
	if f.Code, err = decodeUint8(r); err != nil {
		return err
	}
	f.Reason, err = decodeString(r)
	return err
}

// SubscribeFrame adds a topic subscription: client -> broker.
type SubscribeFrame struct {
	ID      uint32
	Pattern string
	NoLocal bool
}

// Type returns the frame type.
func (f *SubscribeFrame) Type() FrameType { return FrameSubscribe }

func (f *SubscribeFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.ID); err != nil {
		return err
	}
	if err := encodeString(w, f.Pattern); err != nil {
		return err
	}
	return encodeBool(w, f.NoLocal)
}

func (f *SubscribeFrame) decode(r io.Reader) (err error) {
	if f.ID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Pattern, err = decodeString(r); err != nil {
		return err
	}
	f.NoLocal, err = decodeBool(r)
	return err
}

// SubAckFrame confirms a subscribe or unsubscribe: broker -> client.
type SubAckFrame struct {
	ID     uint32
	Code   byte
	Reason string
}

// Type returns the frame type.
func (f *SubAckFrame) Type() FrameType { return FrameSubAck }

func (f *SubAckFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.ID); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Code); err != nil {
		return err
	}
	return encodeString(w, f.Reason)
}

func (f *SubAckFrame) decode(r io.Reader) (err error) {
	if f.ID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Code, err = decodeUint8(r); err != nil {
		return err
	}
	f.Reason, err = decodeString(r)
	return err
}

// UnsubscribeFrame removes a topic subscription: client -> broker.
type UnsubscribeFrame struct {
	ID      uint32
	Pattern string
}

// Type returns the frame type.
func (f *UnsubscribeFrame) Type() FrameType { return FrameUnsubscribe }

func (f *UnsubscribeFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.ID); err != nil {
		return err
	}
	return encodeString(w, f.Pattern)
}

func (f *UnsubscribeFrame) decode(r io.Reader) (err error) {
	if f.ID, err = decodeUint32(r); err != nil {
		return err
	}
	f.Pattern, err = decodeString(r)
	return err
}

// Bind flags.
const (
	bindFlagBrowser = 1 << iota
	bindFlagNoLocal
	bindFlagAutoAck
)

// BindFrame binds a consumer flow to an endpoint: client -> broker.
// ReplayFrom is -1 for no replay, 0 for replay-all, otherwise a Unix
// nanosecond timestamp.
type BindFrame struct {
	FlowID     uint32
	Endpoint   string
	Kind       byte // DestinationKind of the endpoint
	Topic      string
	Window     uint16
	Flags      byte
	Selector   string
	ReplayFrom int64
	TxnID      uint32
}

// Type returns the frame type.
func (f *BindFrame) Type() FrameType { return FrameBind }

func (f *BindFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.FlowID); err != nil {
		return err
	}
	if err := encodeString(w, f.Endpoint); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Kind); err != nil {
		return err
	}
	if err := encodeString(w, f.Topic); err != nil {
		return err
	}
	if err := encodeUint16(w, f.Window); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Flags); err != nil {
		return err
	}
	if err := encodeString(w, f.Selector); err != nil {
		return err
	}
	if err := encodeInt64(w, f.ReplayFrom); err != nil {
		return err
	}
	return encodeUint32(w, f.TxnID)
}

func (f *BindFrame) decode(r io.Reader) (err error) {
	if f.FlowID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Endpoint, err = decodeString(r); err != nil {
		return err
	}
	if f.Kind, err = decodeUint8(r); err != nil {
		return err
	}
	if f.Topic, err = decodeString(r); err != nil {
		return err
	}
	if f.Window, err = decodeUint16(r); err != nil {
		return err
	}
	if f.Flags, err = decodeUint8(r); err != nil {
		return err
	}
	if f.Selector, err = decodeString(r); err != nil {
		return err
	}
	if f.ReplayFrom, err = decodeInt64(r); err != nil {
		return err
	}
	f.TxnID, err = decodeUint32(r)
	return err
}

// BindAckFrame confirms or refuses a bind: broker -> client.
type BindAckFrame struct {
	FlowID uint32
	Code   byte
	Reason string
	Active bool
}

// Type returns the frame type.
func (f *BindAckFrame) Type() FrameType { return FrameBindAck }

func (f *BindAckFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.FlowID); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Code); err != nil {
		return err
	}
	if err := encodeString(w, f.Reason); err != nil {
		return err
	}
	return encodeBool(w, f.Active)
}

func (f *BindAckFrame) decode(r io.Reader) (err error) {
	if f.FlowID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Code, err = decodeUint8(r); err != nil {
		return err
	}
	if f.Reason, err = decodeString(r); err != nil {
		return err
	}
	f.Active, err = decodeBool(r)
	return err
}

// UnbindFrame destroys a flow binding: client -> broker.
type UnbindFrame struct {
	FlowID uint32
}

// Type returns the frame type.
func (f *UnbindFrame) Type() FrameType { return FrameUnbind }

func (f *UnbindFrame) encode(w io.Writer) error {
	return encodeUint32(w, f.FlowID)
}

func (f *UnbindFrame) decode(r io.Reader) (err error) {
	f.FlowID, err = decodeUint32(r)
	return err
}

// ClientAckFrame acknowledges a delivered guaranteed message:
// client -> broker.
type ClientAckFrame struct {
	FlowID    uint32
	MessageID uint64
	TxnID     uint32
}

// Type returns the frame type.
func (f *ClientAckFrame) Type() FrameType { return FrameClientAck }

func (f *ClientAckFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.FlowID); err != nil {
		return err
	}
	if err := encodeUint64(w, f.MessageID); err != nil {
		return err
	}
	return encodeUint32(w, f.TxnID)
}

func (f *ClientAckFrame) decode(r io.Reader) (err error) {
	if f.FlowID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.MessageID, err = decodeUint64(r); err != nil {
		return err
	}
	f.TxnID, err = decodeUint32(r)
	return err
}

// FlowStateFrame signals exclusive-flow activation changes:
// broker -> client.
type FlowStateFrame struct {
	FlowID uint32
	Active bool
}

// Type returns the frame type.
func (f *FlowStateFrame) Type() FrameType { return FrameFlowState }

func (f *FlowStateFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.FlowID); err != nil {
		return err
	}
	return encodeBool(w, f.Active)
}

func (f *FlowStateFrame) decode(r io.Reader) (err error) {
	if f.FlowID, err = decodeUint32(r); err != nil {
		return err
	}
	f.Active, err = decodeBool(r)
	return err
}

// FlowCtlFrame starts or stops delivery on a flow: client -> broker.
type FlowCtlFrame struct {
	FlowID uint32
	Start  bool
}

// Type returns the frame type.
func (f *FlowCtlFrame) Type() FrameType { return FrameFlowCtl }

func (f *FlowCtlFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.FlowID); err != nil {
		return err
	}
	return encodeBool(w, f.Start)
}

func (f *FlowCtlFrame) decode(r io.Reader) (err error) {
	if f.FlowID, err = decodeUint32(r); err != nil {
		return err
	}
	f.Start, err = decodeBool(r)
	return err
}

// PingFrame is a keep-alive probe.
type PingFrame struct{}

// Type returns the frame type.
func (f *PingFrame) Type() FrameType { return FramePing }

func (f *PingFrame) encode(io.Writer) error { return nil }
func (f *PingFrame) decode(io.Reader) error { return nil }

// PongFrame answers a ping.
type PongFrame struct{}

// Type returns the frame type.
func (f *PongFrame) Type() FrameType { return FramePong }

func (f *PongFrame) encode(io.Writer) error { return nil }
func (f *PongFrame) decode(io.Reader) error { return nil }

// CacheRequestFrame asks a cache for the last messages on a topic:
// client -> broker.
type CacheRequestFrame struct {
	RequestID uint32
	CacheName string
	Topic     string
}

// Type returns the frame type.
func (f *CacheRequestFrame) Type() FrameType { return FrameCacheRequest }

func (f *CacheRequestFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.RequestID); err != nil {
		return err
	}
	if err := encodeString(w, f.CacheName); err != nil {
		return err
	}
	return encodeString(w, f.Topic)
}

func (f *CacheRequestFrame) decode(r io.Reader) (err error) {
	if f.RequestID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.CacheName, err = decodeString(r); err != nil {
		return err
	}
	f.Topic, err = decodeString(r)
	return err
}

// CacheReplyFrame returns cached messages: broker -> client.
type CacheReplyFrame struct {
	RequestID uint32
	Code      byte
	Reason    string
	Messages  []*Message
}

// Type returns the frame type.
func (f *CacheReplyFrame) Type() FrameType { return FrameCacheReply }

func (f *CacheReplyFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.RequestID); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Code); err != nil {
		return err
	}
	if err := encodeString(w, f.Reason); err != nil {
		return err
	}
	if err := encodeUint16(w, uint16(len(f.Messages))); err != nil {
		return err
	}
	for _, m := range f.Messages {
		if err := m.encodeWire(w); err != nil {
			return err
		}
	}
	return nil
}

func (f *CacheReplyFrame) decode(r io.Reader) (err error) {
	if f.RequestID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Code, err = decodeUint8(r); err != nil {
		return err
	}
	if f.Reason, err = decodeString(r); err != nil {
		return err
	}
	count, err := decodeUint16(r)
	if err != nil {
		return err
	}
	for range count {
		m, err := decodeWireMessage(r)
		if err != nil {
			return err
		}
		f.Messages = append(f.Messages, m)
	}
	return nil
}

// Transaction operations.
const (
	txnOpBegin byte = iota
	txnOpCommit
	txnOpRollback
)

// TxnFrame controls a transacted session: client -> broker.
type TxnFrame struct {
	TxnID uint32
	Op    byte
}

// Type returns the frame type.
func (f *TxnFrame) Type() FrameType { return FrameTxn }

func (f *TxnFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.TxnID); err != nil {
		return err
	}
	return encodeUint8(w, f.Op)
}

func (f *TxnFrame) decode(r io.Reader) (err error) {
	if f.TxnID, err = decodeUint32(r); err != nil {
		return err
	}
	f.Op, err = decodeUint8(r)
	return err
}

// TxnAckFrame confirms a transaction operation: broker -> client.
type TxnAckFrame struct {
	TxnID  uint32
	Code   byte
	Reason string
}

// Type returns the frame type.
func (f *TxnAckFrame) Type() FrameType { return FrameTxnAck }

func (f *TxnAckFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.TxnID); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Code); err != nil {
		return err
	}
	return encodeString(w, f.Reason)
}

func (f *TxnAckFrame) decode(r io.Reader) (err error) {
	if f.TxnID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Code, err = decodeUint8(r); err != nil {
		return err
	}
	f.Reason, err = decodeString(r)
	return err
}

// ProvisionFrame creates or removes an endpoint: client -> broker.
type ProvisionFrame struct {
	RequestID    uint32
	Endpoint     string
	Kind         byte
	Deprovision  bool
	IgnoreExists bool
	Quota        uint32
	Permission   byte
	RespectsTTL  bool
	AccessType   byte
	Topic        string
}

// Type returns the frame type.
func (f *ProvisionFrame) Type() FrameType { return FrameProvision }

func (f *ProvisionFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.RequestID); err != nil {
		return err
	}
	if err := encodeString(w, f.Endpoint); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Kind); err != nil {
		return err
	}
	if err := encodeBool(w, f.Deprovision); err != nil {
		return err
	}
	if err := encodeBool(w, f.IgnoreExists); err != nil {
		return err
	}
	if err := encodeUint32(w, f.Quota); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Permission); err != nil {
		return err
	}
	if err := encodeBool(w, f.RespectsTTL); err != nil {
		return err
	}
	if err := encodeUint8(w, f.AccessType); err != nil {
		return err
	}
	return encodeString(w, f.Topic)
}

func (f *ProvisionFrame) decode(r io.Reader) (err error) {
	if f.RequestID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Endpoint, err = decodeString(r); err != nil {
		return err
	}
	if f.Kind, err = decodeUint8(r); err != nil {
		return err
	}
	if f.Deprovision, err = decodeBool(r); err != nil {
		return err
	}
	if f.IgnoreExists, err = decodeBool(r); err != nil {
		return err
	}
	if f.Quota, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Permission, err = decodeUint8(r); err != nil {
		return err
	}
	if f.RespectsTTL, err = decodeBool(r); err != nil {
		return err
	}
	if f.AccessType, err = decodeUint8(r); err != nil {
		return err
	}
	f.Topic, err = decodeString(r)
	return err
}

// ProvisionAckFrame confirms or refuses a provision: broker -> client.
type ProvisionAckFrame struct {
	RequestID uint32
	Code      byte
	Reason    string
}

// Type returns the frame type.
func (f *ProvisionAckFrame) Type() FrameType { return FrameProvisionAck }

func (f *ProvisionAckFrame) encode(w io.Writer) error {
	if err := encodeUint32(w, f.RequestID); err != nil {
		return err
	}
	if err := encodeUint8(w, f.Code); err != nil {
		return err
	}
	return encodeString(w, f.Reason)
}

func (f *ProvisionAckFrame) decode(r io.Reader) (err error) {
	if f.RequestID, err = decodeUint32(r); err != nil {
		return err
	}
	if f.Code, err = decodeUint8(r); err != nil {
		return err
	}
	f.Reason, err = decodeString(r)
	return err
}

// CloseFrame ends a session gracefully, in either direction.
type CloseFrame struct {
	Code   byte
	Reason string
}

// Type returns the frame type.
func (f *CloseFrame) Type() FrameType { return FrameClose }

func (f *CloseFrame) encode(w io.Writer) error {
	if err := encodeUint8(w, f.Code); err != nil {
		return err
	}
	return encodeString(w, f.Reason)
}

func (f *CloseFrame) decode(r io.Reader) (err error) {
	if f.Code, err = decodeUint8(r); err != nil {
		return err
	}
	f.Reason, err = decodeString(r)
	return err
}

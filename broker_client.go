package msgbus

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// handshakeTimeout bounds the OPEN exchange on new connections.
const handshakeTimeout = 10 * time.Second

var clientSeq atomic.Uint64

// stagedAck is a consumer acknowledgement held by an open transaction.
type stagedAck struct {
	endpoint *brokerEndpoint
	flowID   uint32
	msgID    uint64
}

// brokerTxn is one broker-side transaction: staged publishes and consumer
// acknowledgements applied atomically at commit.
type brokerTxn struct {
	pubs []*Message
	acks []stagedAck
}

// brokerClient is the broker's view of one connected session.
type brokerClient struct {
	broker *Broker
	conn   net.Conn
	logger Logger

	name        string
	vpn         string
	compression int

	writeMu sync.Mutex
	closed  atomic.Bool

	mu    sync.Mutex
	subs  map[string]*SubscribeFrame
	flows map[uint32]*brokerEndpoint
	txns  map[uint32]*brokerTxn
}

func newBrokerClient(b *Broker, conn net.Conn) *brokerClient {
	return &brokerClient{
		broker: b,
		conn:   conn,
		logger: b.logger,
		subs:   make(map[string]*SubscribeFrame),
		flows:  make(map[uint32]*brokerEndpoint),
		txns:   make(map[uint32]*brokerTxn),
	}
}

// serve runs the connection to completion.
func (c *brokerClient) serve() {
	defer c.teardown()

	if err := c.handshake(); err != nil {
		c.logger.Debug("handshake failed", LogFields{
			LogFieldRemoteAddr: c.conn.RemoteAddr().String(),
			LogFieldError:      err.Error(),
		})
		return
	}

	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			return
		}
		if done := c.handleFrame(f); done {
			return
		}
	}
}

// handshake performs the OPEN exchange and authentication.
func (c *brokerClient) handshake() error {
	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	f, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	open, ok := f.(*OpenFrame)
	if !ok {
		return &ProtocolError{Detail: "expected OPEN, got " + f.Type().String()}
	}

	if len(c.broker.opts.vpns) > 0 {
		if _, ok := c.broker.opts.vpns[open.VPN]; !ok {
			return c.refuse("unknown message vpn")
		}
	}

	if err := c.authenticate(open); err != nil {
		return err
	}

	c.vpn = open.VPN
	if int(open.Compression) <= MaxCompressionLevel {
		c.compression = int(open.Compression)
	}

	c.name = open.ClientName
	if c.name == "" {
		c.name = "client-" + strconv.FormatUint(clientSeq.Add(1), 10)
	}
	c.name = c.broker.registerClient(c)

	c.logger.Debug("client connected", LogFields{
		LogFieldSession:    c.name,
		LogFieldRemoteAddr: c.conn.RemoteAddr().String(),
	})
	if err := c.send(&OpenAckFrame{
		Code:         replyOK,
		AssignedName: c.name,
		KeepAlive:    open.KeepAlive,
	}); err != nil {
		return err
	}
	c.broker.publishEvent(EventTopicClientConnect, "client connected from "+c.conn.RemoteAddr().String(), c.name)
	return nil
}

func (c *brokerClient) authenticate(open *OpenFrame) error {
	creds := c.broker.opts.credentials
	if len(creds) == 0 {
		if c.broker.opts.allowAnonymous {
			return nil
		}
		return c.refuse("authentication required")
	}

	cred, ok := creds[open.Username]
	if !ok {
		return c.refuse("unknown user")
	}

	switch open.AuthScheme {
	case authSchemePlain:
		if !cred.VerifyPassword(open.Password) {
			return c.refuse("bad credentials")
		}
		return nil

	case authSchemeChallenge:
		nonce, err := newAuthNonce()
		if err != nil {
			return err
		}
		if err := c.send(&ChallengeFrame{Salt: cred.Salt, Nonce: nonce, Iterations: cred.Iterations}); err != nil {
			return err
		}

		f, err := ReadFrame(c.conn)
		if err != nil {
			return err
		}
		proof, ok := f.(*AuthProofFrame)
		if !ok {
			return &ProtocolError{Detail: "expected AUTHPROOF, got " + f.Type().String()}
		}
		if !cred.Verify(proof.Proof, nonce) {
			return c.refuse("bad credentials")
		}
		return nil

	default:
		return c.refuse("unsupported auth scheme")
	}
}

// refuse sends a login failure and reports it as the handshake error.
func (c *brokerClient) refuse(reason string) error {
	c.send(&OpenAckFrame{Code: replyLoginFailure, Reason: reason})
	return &ProtocolError{Detail: "login refused: " + reason}
}

// send writes one frame, serialized against concurrent senders.
func (c *brokerClient) send(f Frame) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrameLevel(c.conn, f, c.compression)
}

// handleFrame processes one inbound frame; true means close the
// connection.
func (c *brokerClient) handleFrame(f Frame) bool {
	switch frame := f.(type) {
	case *PublishFrame:
		c.handlePublish(frame)
	case *SubscribeFrame:
		c.handleSubscribe(frame)
	case *UnsubscribeFrame:
		c.handleUnsubscribe(frame)
	case *BindFrame:
		c.handleBind(frame)
	case *UnbindFrame:
		c.handleUnbind(frame)
	case *ClientAckFrame:
		c.handleClientAck(frame)
	case *FlowCtlFrame:
		c.handleFlowCtl(frame)
	case *CacheRequestFrame:
		c.handleCacheRequest(frame)
	case *TxnFrame:
		c.handleTxn(frame)
	case *ProvisionFrame:
		c.handleProvision(frame)
	case *PingFrame:
		c.send(&PongFrame{})
	case *PongFrame:
		// Keep-alive answered.
	case *CloseFrame:
		return true
	default:
		c.logger.Warn("unexpected frame", LogFields{LogFieldSession: c.name, "frame": f.Type().String()})
	}
	return false
}

func (c *brokerClient) handlePublish(frame *PublishFrame) {
	msg := frame.Message

	if frame.TxnID != 0 {
		c.mu.Lock()
		txn := c.txns[frame.TxnID]
		if txn != nil {
			txn.pubs = append(txn.pubs, msg)
		}
		c.mu.Unlock()

		if txn == nil {
			c.pubAck(msg, replyTxnFailed, "unknown transaction")
			return
		}
		c.pubAck(msg, replyOK, "")
		return
	}

	if msg.DeliveryMode() == DeliveryDirect {
		c.broker.routeDirect(c, msg)
		return
	}

	dest, ok := msg.Destination()
	if !ok {
		c.pubAck(msg, replyRejected, "missing destination")
		return
	}

	if dest.Kind == DestinationQueue {
		ep := c.broker.endpoint(dest.Name)
		if ep == nil {
			c.pubAck(msg, replyUnknownEndpoint, "no such queue")
			return
		}
		if !ep.enqueue(msg, c.name, c.broker.nextSpoolID.Add(1)) {
			c.pubAck(msg, replyRejected, "spool quota exceeded")
			return
		}
		c.pubAck(msg, replyOK, "")
		return
	}

	c.broker.cache.add(msg)
	c.broker.replay.add(msg)
	c.broker.routeDirect(c, msg)
	c.broker.spoolToEndpoints(c.name, msg)
	c.pubAck(msg, replyOK, "")
}

// pubAck answers a guaranteed publish, echoing the publisher's message ID
// and correlation tag.
func (c *brokerClient) pubAck(msg *Message, code byte, reason string) {
	c.send(&PubAckFrame{
		MessageID:      msg.MessageID(),
		CorrelationTag: msg.CorrelationTag(),
		Code:           code,
		Reason:         reason,
	})
}

func (c *brokerClient) handleSubscribe(frame *SubscribeFrame) {
	if err := ValidateTopicPattern(frame.Pattern); err != nil {
		c.send(&SubAckFrame{ID: frame.ID, Code: replyRejected, Reason: err.Error()})
		return
	}

	c.mu.Lock()
	c.subs[frame.Pattern] = frame
	c.mu.Unlock()
	c.send(&SubAckFrame{ID: frame.ID, Code: replyOK})
}

func (c *brokerClient) handleUnsubscribe(frame *UnsubscribeFrame) {
	c.mu.Lock()
	delete(c.subs, frame.Pattern)
	c.mu.Unlock()
	c.send(&SubAckFrame{ID: frame.ID, Code: replyOK})
}

// matchSubscription reports whether any of the client's subscriptions
// match the topic, honoring no-local.
func (c *brokerClient) matchSubscription(topic string, from *brokerClient) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if sub.NoLocal && from == c {
			continue
		}
		if TopicMatch(sub.Pattern, topic) {
			return true
		}
	}
	return false
}

func (c *brokerClient) handleBind(frame *BindFrame) {
	ep := c.broker.endpoint(frame.Endpoint)
	if ep == nil {
		c.send(&BindAckFrame{FlowID: frame.FlowID, Code: replyUnknownEndpoint, Reason: "no such endpoint"})
		return
	}
	if ep.kind != EndpointKind(frame.Kind) {
		c.send(&BindAckFrame{FlowID: frame.FlowID, Code: replyUnknownEndpoint, Reason: "endpoint kind mismatch"})
		return
	}

	browser := frame.Flags&bindFlagBrowser != 0

	if !c.mayBind(ep, browser) {
		c.send(&BindAckFrame{FlowID: frame.FlowID, Code: replyPermissionDenied, Reason: "insufficient endpoint permission"})
		return
	}

	// Topic endpoints admit one consumer; queues admit standbys.
	if ep.kind == EndpointTopic && !browser && ep.hasConsumer() {
		c.send(&BindAckFrame{FlowID: frame.FlowID, Code: replyAlreadyBound, Reason: "topic endpoint already bound"})
		return
	}

	selector, err := parseSelector(frame.Selector)
	if err != nil {
		c.send(&BindAckFrame{FlowID: frame.FlowID, Code: replyRejected, Reason: err.Error()})
		return
	}

	// A bind-time topic installs or replaces the endpoint's attraction.
	if frame.Topic != "" {
		ep.setTopic(frame.Topic)
	}

	ef := &endpointFlow{
		client:   c,
		id:       frame.FlowID,
		window:   newWindowCounter(frame.Window),
		browser:  browser,
		noLocal:  frame.Flags&bindFlagNoLocal != 0,
		selector: selector,
		txnID:    frame.TxnID,
	}

	if frame.ReplayFrom >= 0 {
		ef.prelude = c.broker.replay.matchFrom(ep.attraction(), frame.ReplayFrom)
	}

	active := ep.bind(ef)

	c.mu.Lock()
	c.flows[frame.FlowID] = ep
	c.mu.Unlock()

	// Confirm before starting delivery so the ack precedes messages.
	c.send(&BindAckFrame{FlowID: frame.FlowID, Code: replyOK, Active: active})
	c.broker.publishEvent(EventTopicFlowBind, "flow bound", c.name, ep.name)
	ep.setStarted(c, frame.FlowID, true)
}

// mayBind checks endpoint permissions for non-owners.
func (c *brokerClient) mayBind(ep *brokerEndpoint, browser bool) bool {
	if ep.owner == "" || ep.owner == c.name {
		return true
	}
	if browser {
		return ep.permission >= PermissionReadOnly
	}
	return ep.permission >= PermissionConsume
}

func (c *brokerClient) handleUnbind(frame *UnbindFrame) {
	c.mu.Lock()
	ep := c.flows[frame.FlowID]
	delete(c.flows, frame.FlowID)
	c.mu.Unlock()

	if ep != nil {
		ep.unbind(c, frame.FlowID)
		c.broker.publishEvent(EventTopicFlowUnbind, "flow unbound", c.name, ep.name)
	}
}

func (c *brokerClient) handleClientAck(frame *ClientAckFrame) {
	c.mu.Lock()
	ep := c.flows[frame.FlowID]
	var txn *brokerTxn
	if frame.TxnID != 0 {
		txn = c.txns[frame.TxnID]
	}
	c.mu.Unlock()

	if ep == nil {
		return
	}

	if frame.TxnID != 0 {
		if txn == nil {
			return
		}
		c.mu.Lock()
		txn.acks = append(txn.acks, stagedAck{endpoint: ep, flowID: frame.FlowID, msgID: frame.MessageID})
		c.mu.Unlock()
		return
	}

	ep.ack(c, frame.FlowID, frame.MessageID)
}

func (c *brokerClient) handleFlowCtl(frame *FlowCtlFrame) {
	c.mu.Lock()
	ep := c.flows[frame.FlowID]
	c.mu.Unlock()

	if ep != nil {
		ep.setStarted(c, frame.FlowID, frame.Start)
	}
}

func (c *brokerClient) handleCacheRequest(frame *CacheRequestFrame) {
	msgs, suspect := c.broker.cache.lookup(frame.Topic, c.broker.opts.suspectAfter)

	switch {
	case len(msgs) == 0:
		c.send(&CacheReplyFrame{RequestID: frame.RequestID, Code: replyNoData, Reason: "no cached data"})
	case suspect:
		c.send(&CacheReplyFrame{RequestID: frame.RequestID, Code: replySuspect, Reason: "cached data is stale", Messages: msgs})
	default:
		c.send(&CacheReplyFrame{RequestID: frame.RequestID, Code: replyOK, Messages: msgs})
	}
}

func (c *brokerClient) handleTxn(frame *TxnFrame) {
	switch frame.Op {
	case txnOpBegin:
		c.mu.Lock()
		c.txns[frame.TxnID] = &brokerTxn{}
		c.mu.Unlock()
		c.send(&TxnAckFrame{TxnID: frame.TxnID, Code: replyOK})

	case txnOpCommit:
		c.commitTxn(frame.TxnID)

	case txnOpRollback:
		c.rollbackTxn(frame.TxnID)

	default:
		c.send(&TxnAckFrame{TxnID: frame.TxnID, Code: replyProtocolError, Reason: "unknown transaction op"})
	}
}

// commitTxn applies a transaction's staged acks and publishes, then resets
// it for the next unit of work.
func (c *brokerClient) commitTxn(id uint32) {
	c.mu.Lock()
	txn := c.txns[id]
	var pubs []*Message
	var acks []stagedAck
	if txn != nil {
		pubs, acks = txn.pubs, txn.acks
		txn.pubs, txn.acks = nil, nil
	}
	c.mu.Unlock()

	if txn == nil {
		c.send(&TxnAckFrame{TxnID: id, Code: replyTxnFailed, Reason: "unknown transaction"})
		return
	}

	for _, ack := range acks {
		ack.endpoint.ack(c, ack.flowID, ack.msgID)
	}

	failed := ""
	for _, msg := range pubs {
		if !c.applyTxnPublish(msg) {
			failed = "staged publish rejected"
		}
	}

	if failed != "" {
		c.send(&TxnAckFrame{TxnID: id, Code: replyTxnFailed, Reason: failed})
		return
	}
	c.send(&TxnAckFrame{TxnID: id, Code: replyOK})
}

func (c *brokerClient) applyTxnPublish(msg *Message) bool {
	dest, ok := msg.Destination()
	if !ok {
		return false
	}

	if dest.Kind == DestinationQueue {
		ep := c.broker.endpoint(dest.Name)
		if ep == nil {
			return false
		}
		return ep.enqueue(msg, c.name, c.broker.nextSpoolID.Add(1))
	}

	c.broker.cache.add(msg)
	c.broker.replay.add(msg)
	c.broker.routeDirect(c, msg)
	c.broker.spoolToEndpoints(c.name, msg)
	return true
}

// rollbackTxn discards staged publishes and returns staged consumes for
// redelivery.
func (c *brokerClient) rollbackTxn(id uint32) {
	c.mu.Lock()
	txn := c.txns[id]
	var acks []stagedAck
	if txn != nil {
		acks = txn.acks
		txn.pubs, txn.acks = nil, nil
	}
	c.mu.Unlock()

	if txn == nil {
		c.send(&TxnAckFrame{TxnID: id, Code: replyTxnFailed, Reason: "unknown transaction"})
		return
	}

	for _, ack := range acks {
		ack.endpoint.release(c, ack.flowID, ack.msgID)
	}
	c.send(&TxnAckFrame{TxnID: id, Code: replyOK})
}

func (c *brokerClient) handleProvision(frame *ProvisionFrame) {
	if frame.Deprovision {
		c.handleDeprovision(frame)
		return
	}

	props := EndpointProperties{
		Quota:       frame.Quota,
		Permission:  EndpointPermission(frame.Permission),
		RespectsTTL: frame.RespectsTTL,
		AccessType:  EndpointAccess(frame.AccessType),
	}

	_, err := c.broker.provisionEndpoint(frame.Endpoint, EndpointKind(frame.Kind), frame.Topic, props, c.name, frame.IgnoreExists)
	if err != nil {
		c.send(&ProvisionAckFrame{RequestID: frame.RequestID, Code: replyEndpointExists, Reason: err.Error()})
		return
	}
	c.send(&ProvisionAckFrame{RequestID: frame.RequestID, Code: replyOK})
}

func (c *brokerClient) handleDeprovision(frame *ProvisionFrame) {
	ep := c.broker.endpoint(frame.Endpoint)
	if ep == nil {
		if frame.IgnoreExists {
			c.send(&ProvisionAckFrame{RequestID: frame.RequestID, Code: replyOK})
			return
		}
		c.send(&ProvisionAckFrame{RequestID: frame.RequestID, Code: replyUnknownEndpoint, Reason: "no such endpoint"})
		return
	}

	if ep.owner != "" && ep.owner != c.name && ep.permission < PermissionDelete {
		c.send(&ProvisionAckFrame{RequestID: frame.RequestID, Code: replyPermissionDenied, Reason: "insufficient endpoint permission"})
		return
	}

	c.broker.deprovisionEndpoint(frame.Endpoint)
	c.send(&ProvisionAckFrame{RequestID: frame.RequestID, Code: replyOK})
}

// forgetFlow drops a flow record without a wire exchange, used when the
// endpoint is destroyed underneath the client.
func (c *brokerClient) forgetFlow(flowID uint32) {
	c.mu.Lock()
	delete(c.flows, flowID)
	c.mu.Unlock()
}

// shutdown closes the connection with a CLOSE frame.
func (c *brokerClient) shutdown(reason string) {
	if c.closed.Load() {
		return
	}
	c.send(&CloseFrame{Code: replyOK, Reason: reason})
	c.conn.Close()
}

// teardown releases everything the client holds: open transactions roll
// back, flows unbind, and the registration is dropped.
func (c *brokerClient) teardown() {
	c.closed.Store(true)
	c.conn.Close()

	c.mu.Lock()
	txns := c.txns
	c.txns = make(map[uint32]*brokerTxn)
	flows := make(map[uint32]*brokerEndpoint, len(c.flows))
	for id, ep := range c.flows {
		flows[id] = ep
	}
	c.flows = make(map[uint32]*brokerEndpoint)
	c.mu.Unlock()

	for _, txn := range txns {
		for _, ack := range txn.acks {
			ack.endpoint.release(c, ack.flowID, ack.msgID)
		}
	}

	seen := make(map[*brokerEndpoint]struct{}, len(flows))
	for _, ep := range flows {
		if _, done := seen[ep]; done {
			continue
		}
		seen[ep] = struct{}{}
		ep.unbindClient(c)
	}

	if c.name != "" {
		c.broker.unregisterClient(c)
		c.logger.Debug("client disconnected", LogFields{LogFieldSession: c.name})
		c.broker.publishEvent(EventTopicClientDisconnect, "client disconnected", c.name)
	}
}

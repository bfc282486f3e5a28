package msgbus

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the connection state of a session.
type SessionState int32

const (
	// StateDisconnected means no connection exists.
	StateDisconnected SessionState = iota

	// StateConnecting means session establishment is in progress.
	StateConnecting

	// StateConnected means the session is up.
	StateConnected

	// StateReconnecting means the session lost its connection and is
	// retrying.
	StateReconnecting
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// subscription is one registered topic subscription.
type subscription struct {
	pattern string
	noLocal bool
	handler MessageHandler
}

// Session owns one transport connection to a broker. All methods are safe
// for concurrent use. Inbound direct messages and session events are
// delivered on a single dispatch goroutine; guaranteed messages are
// delivered per flow, each on its own goroutine.
type Session struct {
	config  SessionConfig
	options *sessionOptions
	dialer  Dialer
	logger  Logger

	conn    net.Conn
	writeMu sync.Mutex

	state  atomic.Int32
	closed atomic.Bool

	// Per-connection lifecycle.
	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}

	// Session lifetime.
	done         chan struct{}
	dispatch     chan func()
	dispatchDone chan struct{}

	reconnecting atomic.Bool

	// Publisher-side guaranteed delivery.
	nextMessageID atomic.Uint64
	acks          *ackRegistry
	pubWindow     *windowCounter

	// Request/reply correlation for subscribe, provision, cache and
	// transaction control frames.
	nextRequestID  atomic.Uint32
	pendingMu      sync.Mutex
	pendingReplies map[uint32]chan Frame
	asyncCache     map[uint32]string // request ID -> topic, for async cache requests

	subsMu sync.RWMutex
	subs   map[string]*subscription

	flowsMu    sync.RWMutex
	flows      map[uint32]*Flow
	nextFlowID atomic.Uint32

	txnMu sync.Mutex
	txns  map[uint32]*Transaction

	// Metrics instruments.
	mPublished     Counter
	mDelivered     Counter
	mAcksSent      Counter
	mAcksReceived  Counter
	mRejected      Counter
	mReconnects    Counter
	mWindowBlocked Counter
	mFlowsBound    Gauge
}

// Dial connects to the broker described by config and returns a ready
// session.
func Dial(config SessionConfig, opts ...SessionOption) (*Session, error) {
	return DialContext(context.Background(), config, opts...)
}

// DialContext connects with a caller-supplied context bounding the
// connection attempt.
func DialContext(ctx context.Context, config SessionConfig, opts ...SessionOption) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, &ConnectError{SubCode: SubCodeHostUnreachable, Reason: "invalid configuration", Err: err}
	}

	options := defaultSessionOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.clientName == "" {
		options.clientName = generateClientName()
	}

	s := &Session{
		config:         config,
		options:        options,
		logger:         options.logger.WithFields(LogFields{LogFieldSession: options.clientName}),
		done:           make(chan struct{}),
		dispatch:       make(chan func(), 256),
		dispatchDone:   make(chan struct{}),
		acks:           newAckRegistry(),
		pubWindow:      newWindowCounter(options.publishWindow),
		pendingReplies: make(map[uint32]chan Frame),
		asyncCache:     make(map[uint32]string),
		subs:           make(map[string]*subscription),
		flows:          make(map[uint32]*Flow),
		txns:           make(map[uint32]*Transaction),
	}
	s.dialer = options.dialer
	if s.dialer == nil {
		s.dialer = newTransportDialer(config, options)
	}

	s.mPublished = options.metrics.Counter(MetricPublished, nil)
	s.mDelivered = options.metrics.Counter(MetricDelivered, nil)
	s.mAcksSent = options.metrics.Counter(MetricAcksSent, nil)
	s.mAcksReceived = options.metrics.Counter(MetricAcksReceived, nil)
	s.mRejected = options.metrics.Counter(MetricRejected, nil)
	s.mReconnects = options.metrics.Counter(MetricReconnects, nil)
	s.mWindowBlocked = options.metrics.Counter(MetricWindowBlocked, nil)
	s.mFlowsBound = options.metrics.Gauge(MetricFlowsBound, nil)

	go s.dispatchLoop()

	connectCtx, cancel := context.WithTimeout(ctx, config.connectTimeout())
	defer cancel()

	if err := s.establish(connectCtx); err != nil {
		s.closed.Store(true)
		close(s.done)
		return nil, err
	}

	s.emit(SessionEvent{Kind: SessionUp, Class: EventClassInfo})
	return s, nil
}

// establish dials and performs the OPEN handshake, then starts the read
// and keep-alive loops.
func (s *Session) establish(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))

	conn, err := s.dialer.Dial(ctx, s.config.Host)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return dialError(err)
	}

	open := &OpenFrame{
		ClientName:  s.options.clientName,
		Username:    s.config.Username,
		VPN:         s.config.VPN,
		Compression: byte(s.config.CompressionLevel),
		KeepAlive:   s.config.keepAlive(),
	}
	if s.config.Password != "" {
		// Send the password inline only over an encrypted transport;
		// otherwise prove knowledge of it via challenge-response.
		if s.config.UseTLS || strings.HasPrefix(s.config.Host, "tls://") ||
			strings.HasPrefix(s.config.Host, "ssl://") || strings.HasPrefix(s.config.Host, "quic://") {
			open.AuthScheme = authSchemePlain
			open.Password = []byte(s.config.Password)
		} else {
			open.AuthScheme = authSchemeChallenge
		}
	}

	deadline := time.Now().Add(s.config.connectTimeout())
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := WriteFrame(conn, open); err != nil {
		conn.Close()
		s.state.Store(int32(StateDisconnected))
		return &ConnectError{SubCode: SubCodeHostUnreachable, Reason: "handshake write failed", Err: err}
	}

	ack, err := s.readOpenAck(conn)
	if err != nil {
		conn.Close()
		s.state.Store(int32(StateDisconnected))
		return err
	}

	conn.SetDeadline(time.Time{})

	if ack.Code != replyOK {
		conn.Close()
		s.state.Store(int32(StateDisconnected))
		return &ConnectError{SubCode: SubCodeLoginFailure, Reason: ack.Reason}
	}
	if ack.AssignedName != "" {
		s.options.clientName = ack.AssignedName
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.readDone = make(chan struct{})
	s.state.Store(int32(StateConnected))

	go s.readLoop(conn)
	go s.keepAliveLoop(s.ctx)

	s.logger.Info("session established", LogFields{LogFieldRemoteAddr: conn.RemoteAddr().String()})
	return nil
}

// readOpenAck completes the handshake, answering an auth challenge if the
// broker issues one.
func (s *Session) readOpenAck(conn net.Conn) (*OpenAckFrame, error) {
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return nil, &ConnectError{SubCode: SubCodeHostUnreachable, Reason: "handshake read failed", Err: err}
		}

		switch frame := f.(type) {
		case *OpenAckFrame:
			return frame, nil
		case *ChallengeFrame:
			proof := computeAuthProof([]byte(s.config.Password), frame.Salt, frame.Nonce, frame.Iterations)
			if err := WriteFrame(conn, &AuthProofFrame{Proof: proof}); err != nil {
				return nil, &ConnectError{SubCode: SubCodeLoginFailure, Reason: "auth proof write failed", Err: err}
			}
		default:
			return nil, &ConnectError{
				SubCode: SubCodeProtocol,
				Reason:  "unexpected frame during handshake: " + f.Type().String(),
			}
		}
	}
}

// dialError classifies a transport dial failure.
func dialError(err error) *ConnectError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ConnectError{SubCode: SubCodeTimeout, Reason: "connection attempt timed out", Err: err}
	case strings.Contains(err.Error(), "TLS"), strings.Contains(err.Error(), "tls:"),
		strings.Contains(err.Error(), "x509"):
		return &ConnectError{SubCode: SubCodeTLSFailure, Reason: "TLS negotiation failed", Err: err}
	default:
		return &ConnectError{SubCode: SubCodeHostUnreachable, Reason: "broker unreachable", Err: err}
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ClientName returns the negotiated client name.
func (s *Session) ClientName() string {
	return s.options.clientName
}

// IsConnected reports whether the session has a live connection.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected && !s.closed.Load()
}

// writeFrame serializes one frame onto the connection.
func (s *Session) writeFrame(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	if s.options.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.options.writeTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return writeFrameLevel(s.conn, f, s.config.CompressionLevel)
}

// Publish sends a message. Direct messages are fire-and-forget; guaranteed
// (persistent and non-persistent) messages occupy a slot in the publisher
// window until the broker acknowledges them, and their outcome is reported
// through the event dispatcher and through TrackedPublish.
func (s *Session) Publish(msg *Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.IsConnected() {
		return &SendError{SubCode: SubCodeNotConnected, Reason: "session not connected"}
	}
	if err := msg.validate(); err != nil {
		return &SendError{SubCode: SubCodeMessageInvalid, Reason: "message failed validation", Err: err}
	}

	if msg.DeliveryMode() == DeliveryDirect {
		if err := s.writeFrame(&PublishFrame{Message: msg}); err != nil {
			return &SendError{SubCode: SubCodeNotConnected, Reason: "write failed", Err: err}
		}
		s.mPublished.Inc()
		return nil
	}

	_, err := s.publishGuaranteed(msg, 0)
	return err
}

// TrackedPublish sends a guaranteed message and returns its correlation
// entry, which settles when the broker accepts or rejects the message.
func (s *Session) TrackedPublish(msg *Message) (*PendingAck, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !s.IsConnected() {
		return nil, &SendError{SubCode: SubCodeNotConnected, Reason: "session not connected"}
	}
	if err := msg.validate(); err != nil {
		return nil, &SendError{SubCode: SubCodeMessageInvalid, Reason: "message failed validation", Err: err}
	}
	if msg.DeliveryMode() == DeliveryDirect {
		return nil, &SendError{SubCode: SubCodeMessageInvalid, Reason: "direct messages are not acknowledged"}
	}
	return s.publishGuaranteed(msg, 0)
}

func (s *Session) publishGuaranteed(msg *Message, txnID uint32) (*PendingAck, error) {
	if !s.pubWindow.TryAcquire() {
		s.mWindowBlocked.Inc()
		return nil, &SendError{SubCode: SubCodeRejected, Reason: "publisher window exceeded", Err: ErrWindowExceeded}
	}

	id := s.nextMessageID.Add(1)
	wire := msg.clone()
	wire.messageID = id
	entry := s.acks.track(id, msg.CorrelationTag())

	if err := s.writeFrame(&PublishFrame{TxnID: txnID, Message: wire}); err != nil {
		s.pubWindow.Release()
		s.acks.settle(id, false, "write failed")
		return nil, &SendError{SubCode: SubCodeNotConnected, Reason: "write failed", Err: err}
	}

	s.mPublished.Inc()
	if dest, ok := wire.Destination(); ok {
		s.logger.Debug("guaranteed publish", LogFields{
			LogFieldMessageID:   id,
			LogFieldDestination: dest.String(),
		})
	}
	return entry, nil
}

// AwaitAcks blocks until every outstanding guaranteed publish has been
// acknowledged or rejected, or ctx expires.
func (s *Session) AwaitAcks(ctx context.Context) error {
	return s.acks.await(ctx)
}

// OutstandingAcks returns the number of unacknowledged guaranteed
// publishes.
func (s *Session) OutstandingAcks() int {
	return s.acks.outstanding()
}

// Subscribe adds a topic subscription delivered to the session's default
// message handler. Subscribing to an already-subscribed pattern is a no-op
// reported as success. With waitForConfirm the call blocks until the
// broker confirms; otherwise confirmation arrives as a SubscriptionOK
// event.
func (s *Session) Subscribe(pattern string, waitForConfirm bool) error {
	return s.subscribe(pattern, nil, false, waitForConfirm)
}

// SubscribeWithHandler adds a subscription with its own handler. Dispatch
// prefers the handler of the matching subscription over the session
// default; when several patterns match, the most specific (longest)
// pattern wins.
func (s *Session) SubscribeWithHandler(pattern string, handler MessageHandler, waitForConfirm bool) error {
	return s.subscribe(pattern, handler, false, waitForConfirm)
}

// SubscribeNoLocal adds a subscription that excludes messages published by
// this session.
func (s *Session) SubscribeNoLocal(pattern string, waitForConfirm bool) error {
	return s.subscribe(pattern, nil, true, waitForConfirm)
}

func (s *Session) subscribe(pattern string, handler MessageHandler, noLocal, waitForConfirm bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}
	if err := ValidateTopicPattern(pattern); err != nil {
		return err
	}

	s.subsMu.Lock()
	if _, exists := s.subs[pattern]; exists {
		s.subsMu.Unlock()
		return nil
	}
	s.subs[pattern] = &subscription{pattern: pattern, noLocal: noLocal, handler: handler}
	s.subsMu.Unlock()

	id := s.nextRequestID.Add(1)
	frame := &SubscribeFrame{ID: id, Pattern: pattern, NoLocal: noLocal}

	if !waitForConfirm {
		s.registerAsyncSub(id)
		if err := s.writeFrame(frame); err != nil {
			s.dropSubscription(pattern)
			return err
		}
		return nil
	}

	reply := s.registerReply(id)
	if err := s.writeFrame(frame); err != nil {
		s.dropSubscription(pattern)
		s.discardReply(id)
		return err
	}

	f, err := s.awaitReply(id, reply, "subscribe")
	if err != nil {
		s.dropSubscription(pattern)
		return err
	}
	ack, ok := f.(*SubAckFrame)
	if !ok {
		s.dropSubscription(pattern)
		return &ProtocolError{Detail: "unexpected reply to subscribe: " + f.Type().String()}
	}
	if ack.Code != replyOK {
		s.dropSubscription(pattern)
		return subscribeError(ack)
	}
	return nil
}

// Unsubscribe removes a topic subscription. Removing an unknown pattern is
// a no-op reported as success.
func (s *Session) Unsubscribe(pattern string, waitForConfirm bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}

	s.subsMu.Lock()
	if _, exists := s.subs[pattern]; !exists {
		s.subsMu.Unlock()
		return nil
	}
	delete(s.subs, pattern)
	s.subsMu.Unlock()

	id := s.nextRequestID.Add(1)
	frame := &UnsubscribeFrame{ID: id, Pattern: pattern}

	if !waitForConfirm {
		s.registerAsyncSub(id)
		return s.writeFrame(frame)
	}

	reply := s.registerReply(id)
	if err := s.writeFrame(frame); err != nil {
		s.discardReply(id)
		return err
	}

	f, err := s.awaitReply(id, reply, "unsubscribe")
	if err != nil {
		return err
	}
	if ack, ok := f.(*SubAckFrame); ok && ack.Code != replyOK {
		return subscribeError(ack)
	}
	return nil
}

func subscribeError(ack *SubAckFrame) error {
	sub := SubCodeProtocol
	if ack.Code == replyPermissionDenied {
		sub = SubCodePermissionDenied
	}
	return &SendError{SubCode: sub, Reason: ack.Reason}
}

func (s *Session) dropSubscription(pattern string) {
	s.subsMu.Lock()
	delete(s.subs, pattern)
	s.subsMu.Unlock()
}

// registerReply allocates a blocking reply slot for a request ID.
func (s *Session) registerReply(id uint32) chan Frame {
	ch := make(chan Frame, 1)
	s.pendingMu.Lock()
	s.pendingReplies[id] = ch
	s.pendingMu.Unlock()
	return ch
}

// registerAsyncSub marks a request as completion-event driven.
func (s *Session) registerAsyncSub(id uint32) {
	s.pendingMu.Lock()
	s.pendingReplies[id] = nil // nil slot means "report via event"
	s.pendingMu.Unlock()
}

func (s *Session) discardReply(id uint32) {
	s.pendingMu.Lock()
	delete(s.pendingReplies, id)
	s.pendingMu.Unlock()
}

// awaitReply waits for the broker's answer to a correlated request.
func (s *Session) awaitReply(id uint32, ch chan Frame, op string) (Frame, error) {
	timer := time.NewTimer(s.config.connectTimeout())
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			// Slot was closed by connection teardown.
			return nil, ErrNotConnected
		}
		return f, nil
	case <-timer.C:
		s.discardReply(id)
		return nil, &TimeoutError{Op: op}
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// deliverReply routes an inbound reply frame to its waiter, or reports it
// as a completion event for async requests. Returns false if the ID is
// unknown.
func (s *Session) deliverReply(id uint32, f Frame) bool {
	s.pendingMu.Lock()
	ch, ok := s.pendingReplies[id]
	if ok {
		delete(s.pendingReplies, id)
	}
	s.pendingMu.Unlock()

	if !ok {
		return false
	}
	if ch == nil {
		s.emitSubCompletion(f)
		return true
	}
	ch <- f
	return true
}

func (s *Session) emitSubCompletion(f Frame) {
	ack, ok := f.(*SubAckFrame)
	if !ok {
		return
	}
	if ack.Code == replyOK {
		s.emit(SessionEvent{Kind: SubscriptionOK, Class: EventClassCompletion})
		return
	}
	sub := SubCodeProtocol
	if ack.Code == replyPermissionDenied {
		sub = SubCodePermissionDenied
	}
	s.emit(SessionEvent{Kind: SubscriptionError, Class: EventClassError, SubCode: sub, Reason: ack.Reason})
}

// readLoop drains inbound frames until the connection fails or closes.
func (s *Session) readLoop(conn net.Conn) {
	defer close(s.readDone)

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			if s.closed.Load() || s.ctx.Err() != nil {
				return
			}
			s.connectionLost(err)
			return
		}
		s.handleFrame(f)
	}
}

// handleFrame processes one inbound frame on the reader goroutine.
func (s *Session) handleFrame(f Frame) {
	switch frame := f.(type) {
	case *PublishFrame:
		s.handleInbound(frame)
	case *PubAckFrame:
		s.handlePubAck(frame)
	case *SubAckFrame:
		s.deliverReply(frame.ID, frame)
	case *BindAckFrame:
		s.handleBindAck(frame)
	case *FlowStateFrame:
		s.handleFlowState(frame)
	case *CacheReplyFrame:
		s.handleCacheReply(frame)
	case *TxnAckFrame:
		s.deliverReply(frame.TxnID, frame)
	case *ProvisionAckFrame:
		s.deliverReply(frame.RequestID, frame)
	case *PingFrame:
		s.writeFrame(&PongFrame{})
	case *PongFrame:
		// Keep-alive answered.
	case *CloseFrame:
		s.handleClose(frame)
	default:
		s.logger.Warn("unexpected frame", LogFields{"frame": f.Type().String()})
	}
}

// handleInbound routes an inbound message to a flow or to the direct
// dispatch path.
func (s *Session) handleInbound(frame *PublishFrame) {
	if frame.FlowID != 0 {
		s.flowsMu.RLock()
		flow := s.flows[frame.FlowID]
		s.flowsMu.RUnlock()
		if flow != nil {
			flow.enqueue(frame.Message)
		}
		return
	}

	msg := frame.Message
	dest, _ := msg.Destination()

	s.subsMu.RLock()
	var best *subscription
	for _, sub := range s.subs {
		if !TopicMatch(sub.pattern, dest.Name) {
			continue
		}
		if best == nil || len(sub.pattern) > len(best.pattern) {
			best = sub
		}
	}
	var handler MessageHandler
	if best != nil && best.handler != nil {
		handler = best.handler
	} else {
		handler = s.options.onMessage
	}
	s.subsMu.RUnlock()

	if best == nil || handler == nil {
		// Not retained: the session keeps no messages it does not
		// explicitly dispatch.
		return
	}

	s.mDelivered.Inc()
	s.enqueueDispatch(func() { handler(msg) })
}

func (s *Session) handlePubAck(frame *PubAckFrame) {
	accepted := frame.Code == replyOK
	entry, ok := s.acks.settle(frame.MessageID, accepted, frame.Reason)
	if !ok {
		s.logger.Warn("unmatched acknowledgement", LogFields{
			LogFieldMessageID: frame.MessageID,
			LogFieldError:     ErrNoCorrelation.Error(),
		})
		return
	}
	s.pubWindow.Release()

	if accepted {
		s.mAcksReceived.Inc()
		s.emit(SessionEvent{
			Kind:           Acknowledgement,
			Class:          EventClassCompletion,
			CorrelationTag: entry.CorrelationTag,
			MessageID:      frame.MessageID,
		})
		return
	}

	s.mRejected.Inc()
	s.emit(SessionEvent{
		Kind:           RejectedMessage,
		Class:          EventClassError,
		SubCode:        SubCodeRejected,
		Reason:         frame.Reason,
		CorrelationTag: entry.CorrelationTag,
		MessageID:      frame.MessageID,
	})
}

func (s *Session) handleClose(frame *CloseFrame) {
	if s.closed.Load() {
		return
	}
	s.logger.Warn("broker closed session", LogFields{LogFieldSubCode: frame.Code, "reason": frame.Reason})
	s.connectionLost(errors.New("broker closed session: " + frame.Reason))
}

// connectionLost tears down the current connection and starts the
// reconnect loop if configured.
func (s *Session) connectionLost(err error) {
	s.state.Store(int32(StateDisconnected))
	if s.cancel != nil {
		s.cancel()
	}

	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.writeMu.Unlock()

	s.failPendingReplies()
	s.acks.settleAll(false, "connection lost")
	s.pubWindow.Reset()

	s.emit(SessionEvent{
		Kind:    SessionDown,
		Class:   EventClassError,
		SubCode: SubCodeHostUnreachable,
		Reason:  err.Error(),
	})

	if s.config.ReconnectRetries != 0 && !s.closed.Load() {
		go s.reconnectLoop()
	}
}

func (s *Session) failPendingReplies() {
	s.pendingMu.Lock()
	for id, ch := range s.pendingReplies {
		if ch != nil {
			close(ch)
		}
		delete(s.pendingReplies, id)
	}
	s.pendingMu.Unlock()
}

// reconnectLoop retries session establishment with exponential backoff.
func (s *Session) reconnectLoop() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	s.state.Store(int32(StateReconnecting))
	backoff := s.options.reconnectBackoff

	for attempt := 1; ; attempt++ {
		if s.closed.Load() {
			return
		}
		if s.config.ReconnectRetries >= 0 && attempt > s.config.ReconnectRetries {
			s.emit(SessionEvent{
				Kind:    SessionDown,
				Class:   EventClassError,
				SubCode: SubCodeHostUnreachable,
				Reason:  "reconnect attempts exhausted",
			})
			return
		}

		s.mReconnects.Inc()
		s.emit(SessionEvent{Kind: SessionReconnecting, Class: EventClassInfo})

		timer := time.NewTimer(backoff)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.connectTimeout())
		err := s.establish(ctx)
		cancel()

		if err == nil {
			s.restoreSubscriptions()
			s.rebindFlows()
			s.emit(SessionEvent{Kind: SessionReconnected, Class: EventClassInfo})
			return
		}

		s.logger.Warn("reconnect attempt failed", LogFields{"attempt": attempt, LogFieldError: err.Error()})
		backoff *= 2
		if backoff > s.options.maxBackoff {
			backoff = s.options.maxBackoff
		}
	}
}

// restoreSubscriptions replays the subscription set after a reconnect.
func (s *Session) restoreSubscriptions() {
	s.subsMu.RLock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.RUnlock()

	for _, sub := range subs {
		id := s.nextRequestID.Add(1)
		s.registerAsyncSub(id)
		if err := s.writeFrame(&SubscribeFrame{ID: id, Pattern: sub.pattern, NoLocal: sub.noLocal}); err != nil {
			s.logger.Warn("failed to restore subscription", LogFields{"pattern": sub.pattern, LogFieldError: err.Error()})
		}
	}
}

// keepAliveLoop sends pings at half the keep-alive interval.
func (s *Session) keepAliveLoop(ctx context.Context) {
	interval := time.Duration(s.config.keepAlive()) * time.Second / 2
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsConnected() {
				continue
			}
			if err := s.writeFrame(&PingFrame{}); err != nil {
				s.logger.Debug("keep-alive write failed", LogFields{LogFieldError: err.Error()})
			}
		}
	}
}

// emit queues a session event for the dispatch goroutine.
func (s *Session) emit(ev SessionEvent) {
	s.enqueueDispatch(func() {
		if s.options.onEvent != nil {
			s.options.onEvent(s, ev)
			return
		}
		if ev.Class == EventClassError {
			s.logger.Error("session event", LogFields{"event": ev.String()})
		} else {
			s.logger.Debug("session event", LogFields{"event": ev.String()})
		}
	})
}

// enqueueDispatch hands work to the single session dispatch goroutine,
// preserving order. Work is dropped once the session is fully closed.
func (s *Session) enqueueDispatch(fn func()) {
	select {
	case s.dispatch <- fn:
	case <-s.dispatchDone:
	}
}

func (s *Session) dispatchLoop() {
	defer close(s.dispatchDone)

	for {
		select {
		case fn := <-s.dispatch:
			fn()
		case <-s.done:
			// Drain anything queued before shutdown.
			for {
				select {
				case fn := <-s.dispatch:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Disconnect gracefully closes the session: flows are unbound, a CLOSE
// frame is sent, and all resources are released. It is safe to call more
// than once.
func (s *Session) Disconnect() error {
	if s.closed.Swap(true) {
		return nil
	}

	// Unbind flows before tearing down the connection.
	s.flowsMu.Lock()
	flows := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	s.flowsMu.Unlock()
	for _, f := range flows {
		f.closeLocal("session disconnect")
	}

	if s.State() == StateConnected {
		s.writeFrame(&CloseFrame{Code: replyOK, Reason: "client disconnect"})
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.writeMu.Unlock()

	if s.readDone != nil {
		select {
		case <-s.readDone:
		case <-time.After(time.Second):
		}
	}

	s.failPendingReplies()
	s.acks.settleAll(false, "session closed")
	s.state.Store(int32(StateDisconnected))

	s.emit(SessionEvent{Kind: SessionDown, Class: EventClassInfo, Reason: "client disconnect"})
	close(s.done)
	return nil
}

// Close is an alias for Disconnect.
func (s *Session) Close() error { return s.Disconnect() }

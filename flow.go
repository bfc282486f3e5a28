package msgbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FlowState is the binding state of a consumer flow.
type FlowState int32

const (
	// FlowStateUnbound means the flow has no broker binding.
	FlowStateUnbound FlowState = iota

	// FlowStateBinding means the bind request is outstanding.
	FlowStateBinding

	// FlowStateBound means the flow is bound but delivery ownership is
	// undetermined (non-exclusive endpoints stay here).
	FlowStateBound

	// FlowStateActive means the flow owns delivery on an exclusive
	// endpoint.
	FlowStateActive

	// FlowStateInactive means another flow owns delivery on the
	// exclusive endpoint; this flow is a standby.
	FlowStateInactive

	// FlowStateClosed means the binding was destroyed.
	FlowStateClosed
)

// String returns the state name.
func (s FlowState) String() string {
	switch s {
	case FlowStateUnbound:
		return "unbound"
	case FlowStateBinding:
		return "binding"
	case FlowStateBound:
		return "bound"
	case FlowStateActive:
		return "active"
	case FlowStateInactive:
		return "inactive"
	case FlowStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AckMode selects how delivered guaranteed messages are acknowledged.
type AckMode byte

const (
	// AckModeAuto acknowledges each message once its handler returns, or
	// once Receive hands it to the caller.
	AckModeAuto AckMode = iota

	// AckModeClient leaves acknowledgement to an explicit Flow.Ack call.
	// Unacknowledged messages hold delivery window slots and are
	// redelivered after the flow or session goes down.
	AckModeClient
)

// EndpointKind distinguishes durable endpoint types.
type EndpointKind byte

const (
	// EndpointQueue is a named queue.
	EndpointQueue EndpointKind = iota

	// EndpointTopic is a topic endpoint: a durable subscriber attracting
	// messages matching its topic.
	EndpointTopic
)

// EndpointSpec names the endpoint a flow binds to. Topic is the attraction
// pattern for topic endpoints, or an optional additional subscription for
// queues.
type EndpointSpec struct {
	Kind  EndpointKind
	Name  string
	Topic string
}

// QueueEndpoint describes a queue binding target.
func QueueEndpoint(name string) EndpointSpec {
	return EndpointSpec{Kind: EndpointQueue, Name: name}
}

// QueueEndpointWithTopic describes a queue that should also attract
// messages published to the given topic.
func QueueEndpointWithTopic(name, topic string) EndpointSpec {
	return EndpointSpec{Kind: EndpointQueue, Name: name, Topic: topic}
}

// TopicEndpoint describes a durable topic endpoint attracting the given
// topic.
func TopicEndpoint(name, topic string) EndpointSpec {
	return EndpointSpec{Kind: EndpointTopic, Name: name, Topic: topic}
}

// replayNone marks a bind without replay.
const replayNone int64 = -1

// flowOptions holds per-flow tunables.
type flowOptions struct {
	ackMode    AckMode
	window     uint16
	browser    bool
	noLocal    bool
	selector   string
	replayFrom int64
	handler    MessageHandler
	onEvent    FlowEventHandler
	txnID      uint32
}

func defaultFlowOptions() *flowOptions {
	return &flowOptions{
		window:     DefaultWindowSize,
		replayFrom: replayNone,
	}
}

// FlowOption configures a consumer flow at bind time.
type FlowOption func(*flowOptions)

// WithFlowAckMode selects auto or client acknowledgement.
func WithFlowAckMode(mode AckMode) FlowOption {
	return func(o *flowOptions) { o.ackMode = mode }
}

// WithFlowWindow bounds unacknowledged deliveries on the flow.
func WithFlowWindow(size uint16) FlowOption {
	return func(o *flowOptions) {
		if size > 0 {
			o.window = size
		}
	}
}

// WithBrowser binds a non-destructive browsing flow: messages are
// delivered but stay spooled on the endpoint.
func WithBrowser() FlowOption {
	return func(o *flowOptions) { o.browser = true }
}

// WithFlowNoLocal excludes messages published by this session.
func WithFlowNoLocal() FlowOption {
	return func(o *flowOptions) { o.noLocal = true }
}

// WithSelector restricts delivery to messages whose user properties match
// the selector expression.
func WithSelector(selector string) FlowOption {
	return func(o *flowOptions) { o.selector = selector }
}

// WithReplayAll requests redelivery of the endpoint's full replay log
// before live messages.
func WithReplayAll() FlowOption {
	return func(o *flowOptions) { o.replayFrom = 0 }
}

// WithReplayFrom requests redelivery of logged messages published at or
// after the given time.
func WithReplayFrom(t time.Time) FlowOption {
	return func(o *flowOptions) { o.replayFrom = t.UnixNano() }
}

// WithFlowHandler sets the delivery callback. Without a handler the flow
// runs in pull mode and messages are retrieved with Receive.
func WithFlowHandler(handler MessageHandler) FlowOption {
	return func(o *flowOptions) { o.handler = handler }
}

// WithFlowEvents sets the flow event callback. Events are delivered on the
// flow's delivery goroutine, ordered with messages.
func WithFlowEvents(handler FlowEventHandler) FlowOption {
	return func(o *flowOptions) { o.onEvent = handler }
}

// withFlowTxn routes acknowledgements and the binding through a
// transaction.
func withFlowTxn(txnID uint32) FlowOption {
	return func(o *flowOptions) { o.txnID = txnID }
}

// flowItem is one unit on the flow delivery queue: a message or an event.
type flowItem struct {
	msg *Message
	ev  *FlowEvent
}

// Flow is a consumer binding to a durable endpoint. Messages and flow
// events are delivered on a single per-flow goroutine.
type Flow struct {
	session  *Session
	id       uint32
	endpoint EndpointSpec
	opts     *flowOptions
	logger   Logger

	state   atomic.Int32
	stopped atomic.Bool

	bindCh     chan *BindAckFrame
	deliveries chan flowItem
	pull       chan *Message

	done      chan struct{}
	closeOnce sync.Once
}

// BindFlow binds a consumer flow to a durable endpoint. The call blocks
// until the broker confirms or refuses the bind.
func (s *Session) BindFlow(endpoint EndpointSpec, opts ...FlowOption) (*Flow, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	if endpoint.Name == "" {
		return nil, &BindError{SubCode: SubCodeUnknownEndpoint, Reason: "endpoint name required"}
	}

	options := defaultFlowOptions()
	for _, opt := range opts {
		opt(options)
	}

	f := &Flow{
		session:    s,
		id:         s.nextFlowID.Add(1),
		endpoint:   endpoint,
		opts:       options,
		logger:     s.logger.WithFields(LogFields{LogFieldEndpoint: endpoint.Name}),
		bindCh:     make(chan *BindAckFrame, 1),
		deliveries: make(chan flowItem, int(options.window)*2+8),
		pull:       make(chan *Message, options.window),
		done:       make(chan struct{}),
	}
	f.state.Store(int32(FlowStateBinding))

	s.flowsMu.Lock()
	s.flows[f.id] = f
	s.flowsMu.Unlock()

	if err := s.writeFrame(f.bindFrame()); err != nil {
		s.forgetFlow(f.id)
		return nil, &BindError{SubCode: SubCodeNotConnected, Endpoint: endpoint.Name, Reason: "bind write failed"}
	}

	timer := time.NewTimer(s.config.connectTimeout())
	defer timer.Stop()

	var ack *BindAckFrame
	select {
	case ack = <-f.bindCh:
	case <-timer.C:
		s.forgetFlow(f.id)
		return nil, &TimeoutError{Op: "bind flow"}
	case <-s.done:
		s.forgetFlow(f.id)
		return nil, ErrSessionClosed
	}

	if ack.Code != replyOK {
		s.forgetFlow(f.id)
		return nil, bindError(endpoint.Name, ack)
	}

	go f.deliverLoop()
	f.applyBindResult(ack)
	s.mFlowsBound.Inc()

	f.logger.Info("flow bound", LogFields{LogFieldFlowID: f.id})
	return f, nil
}

func bindError(endpoint string, ack *BindAckFrame) error {
	sub := SubCodeProtocol
	switch ack.Code {
	case replyUnknownEndpoint:
		sub = SubCodeUnknownEndpoint
	case replyPermissionDenied:
		sub = SubCodePermissionDenied
	case replyAlreadyBound:
		sub = SubCodeAlreadyBound
	}
	return &BindError{SubCode: sub, Endpoint: endpoint, Reason: ack.Reason}
}

// bindFrame builds the wire bind request from the flow configuration.
func (f *Flow) bindFrame() *BindFrame {
	var flags byte
	if f.opts.browser {
		flags |= bindFlagBrowser
	}
	if f.opts.noLocal {
		flags |= bindFlagNoLocal
	}
	if f.opts.ackMode == AckModeAuto {
		flags |= bindFlagAutoAck
	}

	return &BindFrame{
		FlowID:     f.id,
		Endpoint:   f.endpoint.Name,
		Kind:       byte(f.endpoint.Kind),
		Topic:      f.endpoint.Topic,
		Window:     f.opts.window,
		Flags:      flags,
		Selector:   f.opts.selector,
		ReplayFrom: f.opts.replayFrom,
		TxnID:      f.opts.txnID,
	}
}

// applyBindResult moves the flow out of the binding state and emits the
// lifecycle events implied by the ack.
func (f *Flow) applyBindResult(ack *BindAckFrame) {
	f.emitEvent(FlowEvent{Kind: FlowUp, Class: EventClassInfo})
	if ack.Active {
		f.state.Store(int32(FlowStateActive))
		f.emitEvent(FlowEvent{Kind: FlowActive, Class: EventClassInfo})
	} else {
		f.state.Store(int32(FlowStateInactive))
		f.emitEvent(FlowEvent{Kind: FlowInactive, Class: EventClassInfo})
	}
}

// ID returns the flow's session-scoped identifier.
func (f *Flow) ID() uint32 { return f.id }

// Endpoint returns the bound endpoint.
func (f *Flow) Endpoint() EndpointSpec { return f.endpoint }

// State returns the current flow state.
func (f *Flow) State() FlowState {
	return FlowState(f.state.Load())
}

// Session returns the owning session.
func (f *Flow) Session() *Session { return f.session }

// enqueue hands an inbound message to the flow's delivery goroutine.
// Called from the session reader.
func (f *Flow) enqueue(msg *Message) {
	select {
	case f.deliveries <- flowItem{msg: msg}:
	case <-f.done:
	}
}

// emitEvent queues a flow event behind any pending deliveries.
func (f *Flow) emitEvent(ev FlowEvent) {
	select {
	case f.deliveries <- flowItem{ev: &ev}:
	case <-f.done:
	}
}

// deliverLoop is the flow's single delivery goroutine. On shutdown it
// drains items queued before close, the FlowDown event among them, so
// events stay ordered behind deliveries.
func (f *Flow) deliverLoop() {
	for {
		select {
		case item := <-f.deliveries:
			f.dispatchItem(item)
		case <-f.done:
			for {
				select {
				case item := <-f.deliveries:
					f.dispatchItem(item)
				default:
					return
				}
			}
		}
	}
}

func (f *Flow) dispatchItem(item flowItem) {
	if item.ev != nil {
		f.dispatchEvent(*item.ev)
		return
	}
	f.dispatchMessage(item.msg)
}

func (f *Flow) dispatchEvent(ev FlowEvent) {
	if f.opts.onEvent != nil {
		f.opts.onEvent(f, ev)
		return
	}
	if ev.Class == EventClassError {
		f.logger.Error("flow event", LogFields{"event": ev.String()})
	} else {
		f.logger.Debug("flow event", LogFields{"event": ev.String()})
	}
}

func (f *Flow) dispatchMessage(msg *Message) {
	f.session.mDelivered.Inc()

	if f.opts.handler == nil {
		select {
		case f.pull <- msg:
		case <-f.done:
		}
		return
	}

	f.opts.handler(msg)
	if f.opts.ackMode == AckModeAuto {
		f.Ack(msg)
	}
}

// Receive returns the next delivered message on a pull-mode flow (one
// bound without WithFlowHandler). In auto-ack mode the message is
// acknowledged before it is returned. On a stopped flow Receive drains
// what is queued locally and then fails fast with ErrFlowStopped.
func (f *Flow) Receive(ctx context.Context) (*Message, error) {
	if f.opts.handler != nil {
		return nil, &BindError{SubCode: SubCodeProtocol, Endpoint: f.endpoint.Name, Reason: "flow has a delivery handler"}
	}

	if f.stopped.Load() {
		select {
		case msg := <-f.pull:
			return f.received(msg)
		default:
			return nil, ErrFlowStopped
		}
	}

	select {
	case msg := <-f.pull:
		return f.received(msg)
	case <-ctx.Done():
		return nil, &TimeoutError{Op: "receive"}
	case <-f.done:
		return nil, ErrFlowClosed
	}
}

func (f *Flow) received(msg *Message) (*Message, error) {
	if f.opts.ackMode == AckModeAuto {
		if err := f.Ack(msg); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// Ack acknowledges one delivered message, releasing its window slot and,
// for non-browsing flows, removing it from the endpoint. Safe to call from
// delivery handlers.
func (f *Flow) Ack(msg *Message) error {
	if f.State() == FlowStateClosed {
		return ErrFlowClosed
	}
	err := f.session.writeFrame(&ClientAckFrame{
		FlowID:    f.id,
		MessageID: msg.MessageID(),
		TxnID:     f.opts.txnID,
	})
	if err == nil {
		f.session.mAcksSent.Inc()
	}
	return err
}

// Stop pauses broker delivery on the flow. Messages already queued locally
// are still dispatched.
func (f *Flow) Stop() error {
	if f.State() == FlowStateClosed {
		return ErrFlowClosed
	}
	if err := f.session.writeFrame(&FlowCtlFrame{FlowID: f.id, Start: false}); err != nil {
		return err
	}
	f.stopped.Store(true)
	return nil
}

// Start resumes broker delivery on the flow.
func (f *Flow) Start() error {
	if f.State() == FlowStateClosed {
		return ErrFlowClosed
	}
	if err := f.session.writeFrame(&FlowCtlFrame{FlowID: f.id, Start: true}); err != nil {
		return err
	}
	f.stopped.Store(false)
	return nil
}

// Close unbinds the flow. Unacknowledged messages become eligible for
// redelivery to other consumers.
func (f *Flow) Close() error {
	var err error
	f.closeOnce.Do(func() {
		if f.session.IsConnected() {
			err = f.session.writeFrame(&UnbindFrame{FlowID: f.id})
		}
		f.teardown("client unbind")
	})
	return err
}

// closeLocal tears the flow down without a wire exchange, used at session
// teardown.
func (f *Flow) closeLocal(reason string) {
	f.closeOnce.Do(func() {
		f.teardown(reason)
	})
}

func (f *Flow) teardown(reason string) {
	f.state.Store(int32(FlowStateClosed))

	// FlowDown queues behind in-flight deliveries so the event handler
	// never runs concurrently with a message handler on the same flow.
	down := FlowEvent{Kind: FlowDown, Class: EventClassInfo, Reason: reason}
	select {
	case f.deliveries <- flowItem{ev: &down}:
	default:
		f.logger.Debug("delivery queue full, flow-down event dropped", LogFields{LogFieldFlowID: f.id})
	}

	close(f.done)
	f.session.forgetFlow(f.id)
	f.session.mFlowsBound.Dec()
}

// forgetFlow removes a flow from the session registry.
func (s *Session) forgetFlow(id uint32) {
	s.flowsMu.Lock()
	delete(s.flows, id)
	s.flowsMu.Unlock()
}

// handleBindAck routes a bind confirmation to its flow. Called from the
// session reader.
func (s *Session) handleBindAck(frame *BindAckFrame) {
	s.flowsMu.RLock()
	f := s.flows[frame.FlowID]
	s.flowsMu.RUnlock()
	if f == nil {
		return
	}

	select {
	case f.bindCh <- frame:
	default:
	}
}

// handleFlowState applies an exclusive-flow ownership change. Called from
// the session reader.
func (s *Session) handleFlowState(frame *FlowStateFrame) {
	s.flowsMu.RLock()
	f := s.flows[frame.FlowID]
	s.flowsMu.RUnlock()
	if f == nil {
		return
	}

	if frame.Active {
		f.state.Store(int32(FlowStateActive))
		f.emitEvent(FlowEvent{Kind: FlowActive, Class: EventClassInfo})
	} else {
		f.state.Store(int32(FlowStateInactive))
		f.emitEvent(FlowEvent{Kind: FlowInactive, Class: EventClassInfo})
	}
}

// rebindFlows re-establishes flow bindings after a reconnect.
func (s *Session) rebindFlows() {
	s.flowsMu.RLock()
	flows := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	s.flowsMu.RUnlock()

	for _, f := range flows {
		if f.State() == FlowStateClosed {
			continue
		}
		f.state.Store(int32(FlowStateBinding))

		if err := s.writeFrame(f.bindFrame()); err != nil {
			f.logger.Warn("flow rebind write failed", LogFields{LogFieldFlowID: f.id, LogFieldError: err.Error()})
			continue
		}

		go func(f *Flow) {
			timer := time.NewTimer(s.config.connectTimeout())
			defer timer.Stop()

			select {
			case ack := <-f.bindCh:
				if ack.Code != replyOK {
					f.emitEvent(FlowEvent{
						Kind:    FlowDown,
						Class:   EventClassError,
						SubCode: SubCodeUnknownEndpoint,
						Reason:  ack.Reason,
					})
					f.closeLocal("rebind refused")
					return
				}
				f.applyBindResult(ack)
			case <-timer.C:
				f.logger.Warn("flow rebind timed out", LogFields{LogFieldFlowID: f.id})
			case <-f.done:
			case <-s.done:
			}
		}(f)
	}
}

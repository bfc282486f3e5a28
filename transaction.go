package msgbus

import (
	"sync/atomic"
)

// Transaction is a broker-side unit of work. Publishes and consumer
// acknowledgements routed through it are staged until Commit applies them
// atomically; Rollback discards them and returns consumed messages to
// their endpoints. A transaction stays usable after Commit or Rollback,
// starting a fresh unit of work, until Close.
type Transaction struct {
	session *Session
	id      uint32
	closed  atomic.Bool
}

// BeginTransaction opens a transacted context on the session.
func (s *Session) BeginTransaction() (*Transaction, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	id := s.nextRequestID.Add(1)
	t := &Transaction{session: s, id: id}

	if err := t.control(txnOpBegin, "begin transaction"); err != nil {
		return nil, err
	}

	s.txnMu.Lock()
	s.txns[id] = t
	s.txnMu.Unlock()
	return t, nil
}

// ID returns the broker-assigned transaction identifier.
func (t *Transaction) ID() uint32 { return t.id }

// Publish stages a guaranteed message in the transaction. The broker
// acknowledges acceptance into the transaction; delivery to endpoints
// happens at Commit.
func (t *Transaction) Publish(msg *Message) error {
	if t.closed.Load() {
		return ErrTransactionClosed
	}
	s := t.session
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
		return &SendError{SubCode: SubCodeMessageInvalid, Reason: "transactions carry guaranteed messages only"}
	}

	_, err := s.publishGuaranteed(msg, t.id)
	return err
}

// BindFlow binds a consumer flow whose acknowledgements are staged in the
// transaction. Transacted flows run in client-ack pull mode: call Receive
// and Ack, then Commit to consume.
func (t *Transaction) BindFlow(endpoint EndpointSpec, opts ...FlowOption) (*Flow, error) {
	if t.closed.Load() {
		return nil, ErrTransactionClosed
	}
	opts = append(opts, withFlowTxn(t.id), WithFlowAckMode(AckModeClient))
	return t.session.BindFlow(endpoint, opts...)
}

// Commit atomically applies the transaction's staged publishes and
// acknowledgements, then starts a new unit of work.
func (t *Transaction) Commit() error {
	if t.closed.Load() {
		return ErrTransactionClosed
	}
	return t.control(txnOpCommit, "commit")
}

// Rollback discards the transaction's staged work, returning consumed
// messages for redelivery, then starts a new unit of work.
func (t *Transaction) Rollback() error {
	if t.closed.Load() {
		return ErrTransactionClosed
	}
	return t.control(txnOpRollback, "rollback")
}

// Close rolls back any in-progress work and ends the transacted context.
func (t *Transaction) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	s := t.session
	s.txnMu.Lock()
	delete(s.txns, t.id)
	s.txnMu.Unlock()

	if !s.IsConnected() {
		return nil
	}
	return t.control(txnOpRollback, "close")
}

// control runs one transaction verb and waits for the broker's answer.
func (t *Transaction) control(op byte, opName string) error {
	s := t.session

	reply := s.registerReply(t.id)
	if err := s.writeFrame(&TxnFrame{TxnID: t.id, Op: op}); err != nil {
		s.discardReply(t.id)
		return err
	}

	f, err := s.awaitReply(t.id, reply, opName)
	if err != nil {
		return err
	}
	ack, ok := f.(*TxnAckFrame)
	if !ok {
		return &ProtocolError{Detail: "unexpected reply to " + opName + ": " + f.Type().String()}
	}
	if ack.Code != replyOK {
		return &SendError{SubCode: SubCodeTransactionFailed, Reason: ack.Reason}
	}
	return nil
}

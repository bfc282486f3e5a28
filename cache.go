package msgbus

import (
	"context"
	"errors"
)

// CacheRequest asks the named cache for the last messages published on a
// topic and blocks until the reply arrives or ctx expires. A reply with
// suspect data returns both the messages and a CacheError with
// SubCodeCacheSuspect; callers decide whether stale data is usable.
func (s *Session) CacheRequest(ctx context.Context, cacheName, topic string) ([]*Message, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	if err := ValidateTopicName(topic); err != nil {
		return nil, err
	}

	id := s.nextRequestID.Add(1)
	reply := s.registerReply(id)

	if err := s.writeFrame(&CacheRequestFrame{RequestID: id, CacheName: cacheName, Topic: topic}); err != nil {
		s.discardReply(id)
		return nil, err
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return nil, ErrNotConnected
		}
		cr, ok := f.(*CacheReplyFrame)
		if !ok {
			return nil, &ProtocolError{Detail: "unexpected reply to cache request: " + f.Type().String()}
		}
		return cacheResult(cr, topic)
	case <-ctx.Done():
		s.discardReply(id)
		return nil, &TimeoutError{Op: "cache request"}
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// CacheRequestAsync sends a cache request without blocking. The outcome
// arrives as a CacheRequestOK or CacheRequestFailed session event carrying
// the returned request ID and, on success, the cached messages.
func (s *Session) CacheRequestAsync(cacheName, topic string) (uint32, error) {
	if s.closed.Load() {
		return 0, ErrSessionClosed
	}
	if !s.IsConnected() {
		return 0, ErrNotConnected
	}
	if err := ValidateTopicName(topic); err != nil {
		return 0, err
	}

	id := s.nextRequestID.Add(1)

	s.pendingMu.Lock()
	s.asyncCache[id] = topic
	s.pendingMu.Unlock()

	if err := s.writeFrame(&CacheRequestFrame{RequestID: id, CacheName: cacheName, Topic: topic}); err != nil {
		s.pendingMu.Lock()
		delete(s.asyncCache, id)
		s.pendingMu.Unlock()
		return 0, err
	}
	return id, nil
}

// cacheResult converts a cache reply into messages plus an error for the
// no-data and suspect outcomes.
func cacheResult(cr *CacheReplyFrame, topic string) ([]*Message, error) {
	switch cr.Code {
	case replyOK:
		return cr.Messages, nil
	case replySuspect:
		return cr.Messages, &CacheError{SubCode: SubCodeCacheSuspect, Topic: topic, Reason: cr.Reason}
	case replyNoData:
		return nil, &CacheError{SubCode: SubCodeCacheNoData, Topic: topic, Reason: cr.Reason}
	default:
		return nil, &CacheError{SubCode: SubCodeProtocol, Topic: topic, Reason: cr.Reason}
	}
}

// handleCacheReply routes a cache reply to its blocking waiter or, for
// async requests, reports it as a session event. Called from the session
// reader.
func (s *Session) handleCacheReply(frame *CacheReplyFrame) {
	s.pendingMu.Lock()
	topic, async := s.asyncCache[frame.RequestID]
	if async {
		delete(s.asyncCache, frame.RequestID)
	}
	s.pendingMu.Unlock()

	if !async {
		s.deliverReply(frame.RequestID, frame)
		return
	}

	msgs, err := cacheResult(frame, topic)
	if err != nil && len(msgs) == 0 {
		sub := SubCodeCacheNoData
		var cerr *CacheError
		if errors.As(err, &cerr) {
			sub = cerr.SubCode
		}
		s.emit(SessionEvent{
			Kind:      CacheRequestFailed,
			Class:     EventClassError,
			SubCode:   sub,
			Reason:    frame.Reason,
			RequestID: frame.RequestID,
		})
		return
	}

	ev := SessionEvent{
		Kind:           CacheRequestOK,
		Class:          EventClassCompletion,
		RequestID:      frame.RequestID,
		CachedMessages: msgs,
	}
	if err != nil {
		ev.SubCode = SubCodeCacheSuspect
		ev.Reason = frame.Reason
	}
	s.emit(ev)
}

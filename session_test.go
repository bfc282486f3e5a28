package msgbus

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialAndDisconnect(t *testing.T) {
	_, host := startTestBroker(t)

	s, err := Dial(SessionConfig{Host: host})
	require.NoError(t, err)

	assert.True(t, s.IsConnected())
	assert.Equal(t, StateConnected, s.State())
	assert.NotEmpty(t, s.ClientName())

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsConnected())

	t.Run("disconnect is idempotent", func(t *testing.T) {
		assert.NoError(t, s.Disconnect())
	})

	t.Run("publish after close", func(t *testing.T) {
		err := s.Publish(NewMessage().SetDestination(Topic("a")))
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestDialChallengeAuth(t *testing.T) {
	_, host := startTestBroker(t, WithBrokerCredentials(map[string]string{"alice": "s3cret"}))

	t.Run("valid credentials", func(t *testing.T) {
		s, err := Dial(SessionConfig{Host: host, Username: "alice", Password: "s3cret"})
		require.NoError(t, err)
		s.Disconnect()
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := Dial(SessionConfig{Host: host, Username: "alice", Password: "nope"})
		require.Error(t, err)

		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, SubCodeLoginFailure, ce.SubCode)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := Dial(SessionConfig{Host: host, Username: "mallory", Password: "s3cret"})
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, SubCodeLoginFailure, ce.SubCode)
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := Dial(SessionConfig{Host: host})
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, SubCodeLoginFailure, ce.SubCode)
	})
}

func TestDialVPNRestriction(t *testing.T) {
	_, host := startTestBroker(t, WithBrokerVPNs("prod"))

	s, err := Dial(SessionConfig{Host: host, VPN: "prod"})
	require.NoError(t, err)
	s.Disconnect()

	_, err = Dial(SessionConfig{Host: host, VPN: "staging"})
	require.Error(t, err)
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(SessionConfig{
		Host:           "tcp://127.0.0.1:1",
		ConnectTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
}

func TestDialInvalidConfig(t *testing.T) {
	_, err := Dial(SessionConfig{})
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
}

func TestSubscribeRoundTrip(t *testing.T) {
	_, host := startTestBroker(t)

	got := make(chan *Message, 4)
	s := dialTest(t, host, WithMessageHandler(func(m *Message) { got <- m }))

	require.NoError(t, s.Subscribe("test/updates", true))

	t.Run("duplicate subscribe is a no-op", func(t *testing.T) {
		assert.NoError(t, s.Subscribe("test/updates", true))
	})

	require.NoError(t, s.Publish(NewMessage().
		SetDestination(Topic("test/updates")).
		SetPayload([]byte("hello"))))

	select {
	case m := <-got:
		assert.Equal(t, []byte("hello"), m.Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("direct message not delivered")
	}

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		require.NoError(t, s.Unsubscribe("test/updates", true))
		require.NoError(t, s.Publish(NewMessage().
			SetDestination(Topic("test/updates")).
			SetPayload([]byte("after"))))

		select {
		case m := <-got:
			t.Fatalf("unexpected delivery: %q", m.Payload())
		case <-time.After(150 * time.Millisecond):
		}
	})
}

func TestSubscribeInvalidPattern(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	assert.Error(t, s.Subscribe("a/>/c", true))
}

func TestSubscribeHandlerSpecificity(t *testing.T) {
	_, host := startTestBroker(t)

	general := make(chan *Message, 2)
	specific := make(chan *Message, 2)
	s := dialTest(t, host)

	require.NoError(t, s.SubscribeWithHandler("news/>", func(m *Message) { general <- m }, true))
	require.NoError(t, s.SubscribeWithHandler("news/sports/baseball", func(m *Message) { specific <- m }, true))

	require.NoError(t, s.Publish(NewMessage().
		SetDestination(Topic("news/sports/baseball")).
		SetPayload([]byte("score"))))

	select {
	case <-specific:
	case <-time.After(2 * time.Second):
		t.Fatal("specific handler not invoked")
	}

	select {
	case <-general:
		t.Fatal("general handler invoked for more specific match")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGuaranteedPublishAcknowledged(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("acked"), EndpointProperties{}))

	events := make(chan SessionEvent, 8)
	s := dialTest(t, host, WithEventHandler(func(_ *Session, ev SessionEvent) { events <- ev }))

	msg := NewMessage().
		SetDestination(Queue("acked")).
		SetDeliveryMode(DeliveryPersistent).
		SetCorrelationTag("order-1").
		SetPayload([]byte("payload"))

	entry, err := s.TrackedPublish(msg)
	require.NoError(t, err)

	select {
	case <-entry.Settled:
	case <-time.After(2 * time.Second):
		t.Fatal("publish not settled")
	}
	assert.True(t, entry.Accepted)
	assert.Equal(t, "order-1", entry.CorrelationTag)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != Acknowledgement {
				continue
			}
			assert.Equal(t, "order-1", ev.CorrelationTag)
			assert.Equal(t, entry.MessageID, ev.MessageID)
		case <-deadline:
			t.Fatal("no acknowledgement event")
		}
		break
	}

	ctx, cancel := testContext(time.Second)
	defer cancel()
	require.NoError(t, s.AwaitAcks(ctx))
	assert.Zero(t, s.OutstandingAcks())
}

func TestGuaranteedPublishRejected(t *testing.T) {
	_, host := startTestBroker(t)

	events := make(chan SessionEvent, 8)
	s := dialTest(t, host, WithEventHandler(func(_ *Session, ev SessionEvent) { events <- ev }))

	entry, err := s.TrackedPublish(NewMessage().
		SetDestination(Queue("no-such-queue")).
		SetDeliveryMode(DeliveryPersistent).
		SetPayload([]byte("lost")))
	require.NoError(t, err)

	select {
	case <-entry.Settled:
	case <-time.After(2 * time.Second):
		t.Fatal("publish not settled")
	}
	assert.False(t, entry.Accepted)
	assert.NotEmpty(t, entry.Reason)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != RejectedMessage {
				continue
			}
			assert.Equal(t, EventClassError, ev.Class)
		case <-deadline:
			t.Fatal("no rejection event")
		}
		break
	}
}

func TestPublishInvalidMessage(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	err := s.Publish(NewMessage())
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SubCodeMessageInvalid, se.SubCode)

	t.Run("tracked publish refuses direct", func(t *testing.T) {
		_, err := s.TrackedPublish(NewMessage().SetDestination(Topic("a")))
		require.ErrorAs(t, err, &se)
	})
}

// silentServer accepts one session handshake and then swallows every frame,
// so published messages are never acknowledged.
func silentServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		f, err := ReadFrame(conn)
		if err != nil {
			return
		}
		open, ok := f.(*OpenFrame)
		if !ok {
			return
		}
		WriteFrame(conn, &OpenAckFrame{
			Code:         replyOK,
			AssignedName: open.ClientName,
			KeepAlive:    open.KeepAlive,
		})
		for {
			if _, err := ReadFrame(conn); err != nil {
				return
			}
		}
	}()
	return "tcp://" + ln.Addr().String()
}

func TestPublishWindowExceeded(t *testing.T) {
	host := silentServer(t)
	s := dialTest(t, host, WithPublishWindow(1))

	msg := NewMessage().
		SetDestination(Queue("q")).
		SetDeliveryMode(DeliveryPersistent).
		SetPayload([]byte("first"))

	_, err := s.TrackedPublish(msg)
	require.NoError(t, err)
	assert.Equal(t, 1, s.OutstandingAcks())

	_, err = s.TrackedPublish(msg.clone())
	require.ErrorIs(t, err, ErrWindowExceeded)

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SubCodeRejected, se.SubCode)
}

func TestDisconnectSettlesOutstanding(t *testing.T) {
	host := silentServer(t)
	s := dialTest(t, host, WithPublishWindow(4))

	entry, err := s.TrackedPublish(NewMessage().
		SetDestination(Queue("q")).
		SetDeliveryMode(DeliveryPersistent).
		SetPayload([]byte("unacked")))
	require.NoError(t, err)

	require.NoError(t, s.Disconnect())

	select {
	case <-entry.Settled:
		assert.False(t, entry.Accepted)
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding publish not settled on disconnect")
	}
}

// syncWriter is a log sink safe for concurrent use from session
// goroutines.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestUnmatchedAckWarned(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	// A server that acknowledges a message the session never published.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		f, err := ReadFrame(conn)
		if err != nil {
			return
		}
		open, ok := f.(*OpenFrame)
		if !ok {
			return
		}
		WriteFrame(conn, &OpenAckFrame{
			Code:         replyOK,
			AssignedName: open.ClientName,
			KeepAlive:    open.KeepAlive,
		})
		WriteFrame(conn, &PubAckFrame{MessageID: 99, Code: replyOK})
		for {
			if _, err := ReadFrame(conn); err != nil {
				return
			}
		}
	}()

	out := &syncWriter{}
	dialTest(t, "tcp://"+ln.Addr().String(),
		WithLogger(NewStdLogger(out, LogLevelWarn)))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), ErrNoCorrelation.Error())
	}, 2*time.Second, 20*time.Millisecond, "spurious acknowledgement should be logged")
}

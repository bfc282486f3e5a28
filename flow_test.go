package msgbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueConsumeAutoAck(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("orders"), EndpointProperties{}))

	s := dialTest(t, host)
	publishPersistent(t, s, Queue("orders"), "first")
	publishPersistent(t, s, Queue("orders"), "second")

	f, err := s.BindFlow(QueueEndpoint("orders"))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, FlowStateActive, f.State())

	m1 := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("first"), m1.Payload())
	assert.NotZero(t, m1.MessageID())
	assert.False(t, m1.Redelivered())

	m2 := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("second"), m2.Payload())

	require.Eventually(t, func() bool {
		return b.endpoint("orders").depth() == 0
	}, 2*time.Second, 20*time.Millisecond, "acknowledged messages should leave the spool")
}

func TestClientAckWindowGating(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("gated"), EndpointProperties{}))

	s := dialTest(t, host)
	publishPersistent(t, s, Queue("gated"), "one")
	publishPersistent(t, s, Queue("gated"), "two")

	f, err := s.BindFlow(QueueEndpoint("gated"),
		WithFlowAckMode(AckModeClient),
		WithFlowWindow(1))
	require.NoError(t, err)
	defer f.Close()

	m1 := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("one"), m1.Payload())

	// The window is exhausted until the first message is acknowledged.
	expectNoMessage(t, f, 200*time.Millisecond)

	require.NoError(t, f.Ack(m1))
	m2 := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("two"), m2.Payload())
	require.NoError(t, f.Ack(m2))
}

func TestFlowStopStart(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("paused"), EndpointProperties{}))

	s := dialTest(t, host)

	f, err := s.BindFlow(QueueEndpoint("paused"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Stop())
	publishPersistent(t, s, Queue("paused"), "held")

	ctx, cancel := testContext(time.Second)
	_, err = f.Receive(ctx)
	cancel()
	require.ErrorIs(t, err, ErrFlowStopped)

	require.NoError(t, f.Start())
	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("held"), m.Payload())
}

func TestFlowCloseEventOrdering(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("ordered"), EndpointProperties{}))

	s := dialTest(t, host)

	inHandler := make(chan struct{})
	release := make(chan struct{})
	down := make(chan struct{})
	var inFlight, overlap atomic.Bool

	f, err := s.BindFlow(QueueEndpoint("ordered"),
		WithFlowHandler(func(*Message) {
			inFlight.Store(true)
			close(inHandler)
			<-release
			inFlight.Store(false)
		}),
		WithFlowEvents(func(_ *Flow, ev FlowEvent) {
			if ev.Kind == FlowDown {
				if inFlight.Load() {
					overlap.Store(true)
				}
				close(down)
			}
		}),
	)
	require.NoError(t, err)

	publishPersistent(t, s, Queue("ordered"), "blocker")
	<-inHandler

	// Close while the handler is still running: FlowDown must queue
	// behind it, not fire concurrently.
	require.NoError(t, f.Close())
	select {
	case <-down:
		t.Fatal("flow-down dispatched while the message handler was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-down:
	case <-time.After(2 * time.Second):
		t.Fatal("flow-down event never delivered")
	}
	assert.False(t, overlap.Load(), "flow-down event handler overlapped a message handler")
}

func TestExclusiveFlowPromotion(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("exclusive"), EndpointProperties{}))

	s1 := dialTest(t, host)
	s2 := dialTest(t, host)

	f1, err := s1.BindFlow(QueueEndpoint("exclusive"))
	require.NoError(t, err)
	assert.Equal(t, FlowStateActive, f1.State())

	events := make(chan FlowEvent, 8)
	f2, err := s2.BindFlow(QueueEndpoint("exclusive"),
		WithFlowEvents(func(_ *Flow, ev FlowEvent) { events <- ev }))
	require.NoError(t, err)
	defer f2.Close()

	assert.Equal(t, FlowStateInactive, f2.State())

	require.NoError(t, f1.Close())

	require.Eventually(t, func() bool {
		return f2.State() == FlowStateActive
	}, 2*time.Second, 20*time.Millisecond, "standby should be promoted")

	var kinds []FlowEventKind
	deadline := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
		case <-deadline:
			t.Fatalf("flow events incomplete: %v", kinds)
		}
	}
	assert.Equal(t, []FlowEventKind{FlowUp, FlowInactive, FlowActive}, kinds)

	publishPersistent(t, s1, Queue("exclusive"), "promoted")
	m := receiveWithin(t, f2, 2*time.Second)
	assert.Equal(t, []byte("promoted"), m.Payload())
}

func TestNonExclusiveFlowsBothActive(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("shared"), EndpointProperties{
		AccessType: AccessNonExclusive,
	}))

	s := dialTest(t, host)

	f1, err := s.BindFlow(QueueEndpoint("shared"))
	require.NoError(t, err)
	defer f1.Close()

	f2, err := s.BindFlow(QueueEndpoint("shared"))
	require.NoError(t, err)
	defer f2.Close()

	assert.Equal(t, FlowStateActive, f1.State())
	assert.Equal(t, FlowStateActive, f2.State())
}

func TestBrowserDoesNotConsume(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("browsed"), EndpointProperties{}))

	s := dialTest(t, host)
	publishPersistent(t, s, Queue("browsed"), "spooled")

	browser, err := s.BindFlow(QueueEndpoint("browsed"), WithBrowser())
	require.NoError(t, err)

	m := receiveWithin(t, browser, 2*time.Second)
	assert.Equal(t, []byte("spooled"), m.Payload())

	// Browsing leaves the message on the endpoint.
	assert.Equal(t, 1, b.endpoint("browsed").depth())
	require.NoError(t, browser.Close())

	consumer, err := s.BindFlow(QueueEndpoint("browsed"))
	require.NoError(t, err)
	defer consumer.Close()

	m = receiveWithin(t, consumer, 2*time.Second)
	assert.Equal(t, []byte("spooled"), m.Payload())
}

func TestFlowNoLocal(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("nolocal"), EndpointProperties{}))

	local := dialTest(t, host)

	f, err := local.BindFlow(QueueEndpointWithTopic("nolocal", "sensors/>"), WithFlowNoLocal())
	require.NoError(t, err)
	defer f.Close()

	publishPersistent(t, local, Topic("sensors/a"), "own")
	expectNoMessage(t, f, 200*time.Millisecond)

	remote := dialTest(t, host)
	publishPersistent(t, remote, Topic("sensors/a"), "other")

	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("other"), m.Payload())
}

func TestSelectorFlow(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("colored"), EndpointProperties{}))

	s := dialTest(t, host)

	publish := func(color, body string) {
		msg := NewMessage().
			SetDestination(Queue("colored")).
			SetDeliveryMode(DeliveryPersistent).
			SetUserProperty("color", SDTString(color)).
			SetPayload([]byte(body))
		entry, err := s.TrackedPublish(msg)
		require.NoError(t, err)
		<-entry.Settled
		require.True(t, entry.Accepted)
	}
	publish("blue", "skip")
	publish("red", "take")

	f, err := s.BindFlow(QueueEndpoint("colored"), WithSelector("color = 'red'"))
	require.NoError(t, err)
	defer f.Close()

	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("take"), m.Payload())
	expectNoMessage(t, f, 200*time.Millisecond)

	// The unmatched message stays spooled for other consumers.
	require.Eventually(t, func() bool {
		return b.endpoint("colored").depth() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFlowHandlerMode(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("handled"), EndpointProperties{}))

	s := dialTest(t, host)

	got := make(chan *Message, 2)
	f, err := s.BindFlow(QueueEndpoint("handled"),
		WithFlowHandler(func(m *Message) { got <- m }))
	require.NoError(t, err)
	defer f.Close()

	publishPersistent(t, s, Queue("handled"), "callback")

	select {
	case m := <-got:
		assert.Equal(t, []byte("callback"), m.Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	t.Run("receive refused on handler flows", func(t *testing.T) {
		ctx, cancel := testContext(100 * time.Millisecond)
		defer cancel()
		_, err := f.Receive(ctx)
		var be *BindError
		require.ErrorAs(t, err, &be)
	})
}

func TestTopicEndpointSingleConsumer(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(TopicEndpoint("durable-sub", "alerts/>"), EndpointProperties{}))

	s1 := dialTest(t, host)
	s2 := dialTest(t, host)

	f1, err := s1.BindFlow(EndpointSpec{Kind: EndpointTopic, Name: "durable-sub"})
	require.NoError(t, err)
	defer f1.Close()

	_, err = s2.BindFlow(EndpointSpec{Kind: EndpointTopic, Name: "durable-sub"})
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, SubCodeAlreadyBound, be.SubCode)

	// The durable subscription attracts guaranteed topic publishes.
	publishPersistent(t, s2, Topic("alerts/disk"), "full")
	m := receiveWithin(t, f1, 2*time.Second)
	assert.Equal(t, []byte("full"), m.Payload())
}

func TestBindUnknownEndpoint(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	_, err := s.BindFlow(QueueEndpoint("missing"))
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, SubCodeUnknownEndpoint, be.SubCode)
}

func TestBindInvalidSelector(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("strict"), EndpointProperties{}))

	s := dialTest(t, host)
	_, err := s.BindFlow(QueueEndpoint("strict"), WithSelector("not a selector"))
	require.Error(t, err)
}

func TestFlowCloseRedelivers(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("redeliver"), EndpointProperties{}))

	s := dialTest(t, host)
	publishPersistent(t, s, Queue("redeliver"), "sticky")

	f1, err := s.BindFlow(QueueEndpoint("redeliver"), WithFlowAckMode(AckModeClient))
	require.NoError(t, err)

	m := receiveWithin(t, f1, 2*time.Second)
	assert.False(t, m.Redelivered())

	// Closing without acking returns the message to the spool.
	require.NoError(t, f1.Close())

	f2, err := s.BindFlow(QueueEndpoint("redeliver"), WithFlowAckMode(AckModeClient))
	require.NoError(t, err)
	defer f2.Close()

	m = receiveWithin(t, f2, 2*time.Second)
	assert.Equal(t, []byte("sticky"), m.Payload())
	assert.True(t, m.Redelivered())
	require.NoError(t, f2.Ack(m))
}

func TestTTLExpiryToDMQ(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("expiring"), EndpointProperties{
		RespectsTTL: true,
	}))

	s := dialTest(t, host)

	send := func(body string, ttl time.Duration, dmq bool) {
		msg := NewMessage().
			SetDestination(Queue("expiring")).
			SetDeliveryMode(DeliveryPersistent).
			SetTTL(ttl).
			SetDMQEligible(dmq).
			SetPayload([]byte(body))
		entry, err := s.TrackedPublish(msg)
		require.NoError(t, err)
		<-entry.Settled
		require.True(t, entry.Accepted)
	}

	send("to-dmq", 50*time.Millisecond, true)
	send("silent", 50*time.Millisecond, false)
	send("keeper", 0, false)

	require.Eventually(t, func() bool {
		return b.endpoint("expiring").depth() == 1
	}, 3*time.Second, 25*time.Millisecond, "expired messages should leave the queue")

	dmq, err := s.BindFlow(QueueEndpoint(DMQName))
	require.NoError(t, err)
	defer dmq.Close()

	m := receiveWithin(t, dmq, 2*time.Second)
	assert.Equal(t, []byte("to-dmq"), m.Payload())
	expectNoMessage(t, dmq, 200*time.Millisecond)
}

func TestReplayFromLog(t *testing.T) {
	b, host := startTestBroker(t)

	s := dialTest(t, host)

	// Guaranteed topic publishes are logged even with no endpoint bound.
	for _, body := range []string{"r1", "r2", "r3"} {
		publishPersistent(t, s, Topic("market/ticks"), body)
	}

	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("replayed"), EndpointProperties{}))

	f, err := s.BindFlow(QueueEndpointWithTopic("replayed", "market/ticks"), WithReplayAll())
	require.NoError(t, err)
	defer f.Close()

	for _, want := range []string{"r1", "r2", "r3"} {
		m := receiveWithin(t, f, 2*time.Second)
		assert.Equal(t, []byte(want), m.Payload())
		assert.True(t, m.Redelivered(), "replayed messages are flagged redelivered")
	}

	// Live traffic follows the replayed prelude.
	publishPersistent(t, s, Topic("market/ticks"), "live")
	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("live"), m.Payload())
	assert.False(t, m.Redelivered())
}

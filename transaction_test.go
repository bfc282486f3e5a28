package msgbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionCommitPublish(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("txq"), EndpointProperties{}))

	s := dialTest(t, host)

	txn, err := s.BeginTransaction()
	require.NoError(t, err)
	defer txn.Close()

	require.NoError(t, txn.Publish(NewMessage().
		SetDestination(Queue("txq")).
		SetDeliveryMode(DeliveryPersistent).
		SetPayload([]byte("staged"))))

	f, err := s.BindFlow(QueueEndpoint("txq"))
	require.NoError(t, err)
	defer f.Close()

	// Staged publishes are invisible until commit.
	expectNoMessage(t, f, 200*time.Millisecond)
	assert.Equal(t, 0, b.endpoint("txq").depth())

	require.NoError(t, txn.Commit())

	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("staged"), m.Payload())
}

func TestTransactionRollbackConsume(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("txc"), EndpointProperties{}))

	s := dialTest(t, host)
	publishPersistent(t, s, Queue("txc"), "held")

	txn, err := s.BeginTransaction()
	require.NoError(t, err)
	defer txn.Close()

	f, err := txn.BindFlow(QueueEndpoint("txc"))
	require.NoError(t, err)
	defer f.Close()

	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("held"), m.Payload())
	require.NoError(t, f.Ack(m))

	// The staged acknowledgement is discarded; the message comes back.
	require.NoError(t, txn.Rollback())

	m = receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("held"), m.Payload())
	assert.True(t, m.Redelivered())

	require.NoError(t, f.Ack(m))
	require.NoError(t, txn.Commit())

	require.Eventually(t, func() bool {
		return b.endpoint("txc").depth() == 0
	}, 2*time.Second, 20*time.Millisecond, "committed consume should empty the queue")
}

func TestTransactionRollbackDiscardsPublish(t *testing.T) {
	broker, host := startTestBroker(t)
	require.NoError(t, broker.ProvisionEndpoint(QueueEndpoint("txr"), EndpointProperties{}))

	s := dialTest(t, host)

	txn, err := s.BeginTransaction()
	require.NoError(t, err)
	defer txn.Close()

	require.NoError(t, txn.Publish(NewMessage().
		SetDestination(Queue("txr")).
		SetDeliveryMode(DeliveryPersistent).
		SetPayload([]byte("discarded"))))
	require.NoError(t, txn.Rollback())

	// A new unit of work starts after rollback.
	require.NoError(t, txn.Publish(NewMessage().
		SetDestination(Queue("txr")).
		SetDeliveryMode(DeliveryPersistent).
		SetPayload([]byte("kept"))))
	require.NoError(t, txn.Commit())

	f, err := s.BindFlow(QueueEndpoint("txr"))
	require.NoError(t, err)
	defer f.Close()

	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("kept"), m.Payload())
	expectNoMessage(t, f, 200*time.Millisecond)
}

func TestTransactionCommitFailure(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	txn, err := s.BeginTransaction()
	require.NoError(t, err)
	defer txn.Close()

	// Staging into a nonexistent queue is accepted; applying it at commit
	// fails the transaction.
	require.NoError(t, txn.Publish(NewMessage().
		SetDestination(Queue("ghost")).
		SetDeliveryMode(DeliveryPersistent).
		SetPayload([]byte("x"))))

	err = txn.Commit()
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SubCodeTransactionFailed, se.SubCode)
}

func TestTransactionRefusesDirect(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	txn, err := s.BeginTransaction()
	require.NoError(t, err)
	defer txn.Close()

	err = txn.Publish(NewMessage().SetDestination(Topic("a")))
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SubCodeMessageInvalid, se.SubCode)
}

func TestTransactionClosed(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	txn, err := s.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, txn.Close())

	assert.ErrorIs(t, txn.Commit(), ErrTransactionClosed)
	assert.ErrorIs(t, txn.Rollback(), ErrTransactionClosed)
	assert.ErrorIs(t, txn.Publish(NewMessage().SetDestination(Queue("q")).SetDeliveryMode(DeliveryPersistent)), ErrTransactionClosed)

	_, err = txn.BindFlow(QueueEndpoint("q"))
	assert.ErrorIs(t, err, ErrTransactionClosed)

	t.Run("close is idempotent", func(t *testing.T) {
		assert.NoError(t, txn.Close())
	})
}

package msgbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionLifecycle(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	spec := QueueEndpoint("provisioned")
	require.NoError(t, s.Provision(spec, EndpointProperties{Quota: 100}, false))

	t.Run("duplicate refused", func(t *testing.T) {
		err := s.Provision(spec, EndpointProperties{}, false)
		var be *BindError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, SubCodeEndpointExists, be.SubCode)
	})

	t.Run("duplicate ignored on request", func(t *testing.T) {
		assert.NoError(t, s.Provision(spec, EndpointProperties{}, true))
	})

	publishPersistent(t, s, Queue("provisioned"), "works")

	f, err := s.BindFlow(spec)
	require.NoError(t, err)
	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("works"), m.Payload())
	require.NoError(t, f.Close())

	t.Run("deprovision", func(t *testing.T) {
		require.NoError(t, s.Deprovision(spec, false))

		_, err := s.BindFlow(spec)
		var be *BindError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, SubCodeUnknownEndpoint, be.SubCode)
	})

	t.Run("deprovision missing", func(t *testing.T) {
		err := s.Deprovision(QueueEndpoint("never-existed"), false)
		var be *BindError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, SubCodeUnknownEndpoint, be.SubCode)

		assert.NoError(t, s.Deprovision(QueueEndpoint("never-existed"), true))
	})
}

func TestProvisionTopicEndpoint(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	spec := TopicEndpoint("durable", "events/>")
	require.NoError(t, s.Provision(spec, EndpointProperties{}, false))

	f, err := s.BindFlow(EndpointSpec{Kind: EndpointTopic, Name: "durable"})
	require.NoError(t, err)
	defer f.Close()

	publishPersistent(t, s, Topic("events/created"), "e1")
	m := receiveWithin(t, f, 2*time.Second)
	assert.Equal(t, []byte("e1"), m.Payload())
}

func TestProvisionPermissions(t *testing.T) {
	_, host := startTestBroker(t)

	owner := dialTest(t, host)
	other := dialTest(t, host)

	t.Run("consume denied without permission", func(t *testing.T) {
		require.NoError(t, owner.Provision(QueueEndpoint("private"), EndpointProperties{
			Permission: PermissionNone,
		}, false))

		_, err := other.BindFlow(QueueEndpoint("private"))
		var be *BindError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, SubCodePermissionDenied, be.SubCode)

		// The owner always has full access.
		f, err := owner.BindFlow(QueueEndpoint("private"))
		require.NoError(t, err)
		f.Close()
	})

	t.Run("read-only allows browsing only", func(t *testing.T) {
		require.NoError(t, owner.Provision(QueueEndpoint("readable"), EndpointProperties{
			Permission: PermissionReadOnly,
		}, false))

		browser, err := other.BindFlow(QueueEndpoint("readable"), WithBrowser())
		require.NoError(t, err)
		browser.Close()

		_, err = other.BindFlow(QueueEndpoint("readable"))
		var be *BindError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, SubCodePermissionDenied, be.SubCode)
	})

	t.Run("delete denied below delete permission", func(t *testing.T) {
		require.NoError(t, owner.Provision(QueueEndpoint("sticky"), EndpointProperties{
			Permission: PermissionConsume,
		}, false))

		err := other.Deprovision(QueueEndpoint("sticky"), false)
		var be *BindError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, SubCodePermissionDenied, be.SubCode)

		require.NoError(t, owner.Deprovision(QueueEndpoint("sticky"), false))
	})

	t.Run("delete allowed with delete permission", func(t *testing.T) {
		require.NoError(t, owner.Provision(QueueEndpoint("deletable"), EndpointProperties{
			Permission: PermissionDelete,
		}, false))
		assert.NoError(t, other.Deprovision(QueueEndpoint("deletable"), false))
	})
}

func TestProvisionEmptyName(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	err := s.Provision(QueueEndpoint(""), EndpointProperties{}, false)
	var be *BindError
	require.ErrorAs(t, err, &be)
}

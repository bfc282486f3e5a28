package msgbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMetrics(t *testing.T) {
	m := NewMemoryMetrics()

	c := m.Counter("events", nil)
	c.Inc()
	c.Add(2)
	assert.Equal(t, float64(3), m.CounterValue("events", nil))

	t.Run("labels distinguish series", func(t *testing.T) {
		m.Counter("events", MetricLabels{"kind": "a"}).Inc()
		assert.Equal(t, float64(1), m.CounterValue("events", MetricLabels{"kind": "a"}))
		assert.Equal(t, float64(3), m.CounterValue("events", nil))
	})

	t.Run("gauge", func(t *testing.T) {
		g := m.Gauge("depth", nil)
		g.Set(5)
		g.Inc()
		g.Dec()
		g.Dec()
		assert.Equal(t, float64(4), m.GaugeValue("depth", nil))
	})

	t.Run("unused series read as zero", func(t *testing.T) {
		assert.Zero(t, m.CounterValue("nothing", nil))
		assert.Zero(t, m.GaugeValue("nothing", nil))
	})
}

func TestSessionMetricsCollected(t *testing.T) {
	b, host := startTestBroker(t)
	require.NoError(t, b.ProvisionEndpoint(QueueEndpoint("metered"), EndpointProperties{}))

	m := NewMemoryMetrics()
	s := dialTest(t, host, WithMetrics(m))

	publishPersistent(t, s, Queue("metered"), "counted")

	f, err := s.BindFlow(QueueEndpoint("metered"))
	require.NoError(t, err)
	receiveWithin(t, f, 2*time.Second)

	assert.Equal(t, float64(1), m.CounterValue(MetricPublished, nil))
	assert.Equal(t, float64(1), m.CounterValue(MetricAcksReceived, nil))
	assert.Equal(t, float64(1), m.CounterValue(MetricDelivered, nil))
	assert.Equal(t, float64(1), m.CounterValue(MetricAcksSent, nil))
	assert.Equal(t, float64(1), m.GaugeValue(MetricFlowsBound, nil))

	require.NoError(t, f.Close())
	assert.Zero(t, m.GaugeValue(MetricFlowsBound, nil))
}

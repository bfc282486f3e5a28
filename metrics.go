package msgbus

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting client metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add increments the counter by delta.
	Add(delta float64)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	// Set sets the gauge to value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()
}

// Metric names recorded by sessions, flows, and the broker.
const (
	// MetricPublished counts messages handed to the transport.
	MetricPublished = "msgbus_published_total"

	// MetricDelivered counts messages delivered to handlers.
	MetricDelivered = "msgbus_delivered_total"

	// MetricAcksSent counts consumer acknowledgements sent.
	MetricAcksSent = "msgbus_acks_sent_total"

	// MetricAcksReceived counts publisher acknowledgements received.
	MetricAcksReceived = "msgbus_acks_received_total"

	// MetricRejected counts publisher messages rejected by the broker.
	MetricRejected = "msgbus_rejected_total"

	// MetricReconnects counts reconnection attempts.
	MetricReconnects = "msgbus_reconnects_total"

	// MetricWindowBlocked counts publishes refused by a full window.
	MetricWindowBlocked = "msgbus_window_blocked_total"

	// MetricFlowsBound gauges currently bound flows.
	MetricFlowsBound = "msgbus_flows_bound"
)

// noopMetrics discards all observations.
type noopMetrics struct{}

func (noopMetrics) Counter(string, MetricLabels) Counter { return noopInstrument{} }
func (noopMetrics) Gauge(string, MetricLabels) Gauge     { return noopInstrument{} }

type noopInstrument struct{}

func (noopInstrument) Inc()          {}
func (noopInstrument) Add(float64)   {}
func (noopInstrument) Set(float64)   {}
func (noopInstrument) Dec()          {}

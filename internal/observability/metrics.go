package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remoteflood"

// Metrics holds the Prometheus collectors shared by the station and gateway daemons.
type Metrics struct {
	// Decision metrics.
	Decisions     prometheus.Counter
	NoDataCycles  prometheus.Counter
	AlertLevel    prometheus.Gauge
	FusedScore    prometheus.Gauge
	WaterLevel    prometheus.Gauge
	SensorErrors  *prometheus.CounterVec   // labels: sensor={radar,humidity,camera,forecast}
	CycleDuration *prometheus.HistogramVec // labels: task={sensor,cloud,upload}

	// Radio metrics.
	PacketsSent     *prometheus.CounterVec // labels: type
	PacketsReceived *prometheus.CounterVec // labels: type
	BytesDropped    prometheus.Counter
	HandlerErrors   prometheus.Counter
	NodesOnline     prometheus.Gauge

	// Actuation and fan-out.
	AlarmActivations *prometheus.CounterVec // labels: output={siren,strobe,pa}
	PublishErrors    *prometheus.CounterVec // labels: engine
}

func newMetrics() *Metrics {
	return &Metrics{
		Decisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total flood decisions made.",
		}),
		NoDataCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_data_cycles_total",
			Help:      "Sensor cycles in which no source produced a valid reading.",
		}),
		AlertLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_level",
			Help:      "Alert level of the latest decision, 0 (safe) to 4 (evacuate).",
		}),
		FusedScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fused_score",
			Help:      "Weighted risk score of the latest decision, 0-100.",
		}),
		WaterLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "water_level_meters",
			Help:      "Latest filtered radar water level.",
		}),
		SensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_errors_total",
			Help:      "Invalid sensor readings by sensor.",
		}, []string{"sensor"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one periodic task cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"task"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radio_packets_sent_total",
			Help:      "Radio packets sent by message type.",
		}, []string{"type"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radio_packets_received_total",
			Help:      "Valid radio packets received by message type.",
		}, []string{"type"}),
		BytesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radio_bytes_dropped_total",
			Help:      "Bytes discarded while resynchronising the radio stream.",
		}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radio_handler_errors_total",
			Help:      "Radio message handlers that returned an error or panicked.",
		}),
		NodesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "radio_nodes_online",
			Help:      "Radio nodes heard within the node timeout.",
		}),
		AlarmActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarm_activations_total",
			Help:      "Alarm output activations by output.",
		}, []string{"output"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Decision publishing failures by storage engine.",
		}, []string{"engine"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Decisions,
		m.NoDataCycles,
		m.AlertLevel,
		m.FusedScore,
		m.WaterLevel,
		m.SensorErrors,
		m.CycleDuration,
		m.PacketsSent,
		m.PacketsReceived,
		m.BytesDropped,
		m.HandlerErrors,
		m.NodesOnline,
		m.AlarmActivations,
		m.PublishErrors,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsForTestingIsUsable(t *testing.T) {
	m := NewMetricsForTesting()
	m.Decisions.Inc()
	m.PacketsSent.WithLabelValues("heartbeat").Add(2)
	m.AlertLevel.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsSent.WithLabelValues("heartbeat")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AlertLevel))
}

func TestCollectorsRegisterCleanly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsForTesting()
	for _, c := range m.collectors() {
		require.NoError(t, reg.Register(c))
	}
	// a second set collides
	assert.Error(t, reg.Register(NewMetricsForTesting().Decisions))
}

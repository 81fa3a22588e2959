package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AddQPsCreated(2)
		m.IncHandshakeFailure()
		m.IncAsyncEvent("IBV_EVENT_QP_FATAL")
		m.IncOpIssued("WRITE")
	})
}

func TestCountersAreRegisteredAndCount(t *testing.T) {
	m := New()
	m.AddQPsCreated(2)
	m.IncAsyncEvent("IBV_EVENT_QP_FATAL")
	m.IncAsyncEvent("IBV_EVENT_QP_FATAL")
	m.IncOpIssued("WRITE")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			byName[mf.GetName()] += metric.GetCounter().GetValue()
		}
	}

	assert.Equal(t, 2.0, byName["rcstress_qps_created_total"])
	assert.Equal(t, 2.0, byName["rcstress_async_events_total"])
	assert.Equal(t, 1.0, byName["rcstress_ops_issued_total"])
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.IncHandshakeFailure()

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "rcstress_handshake_failures_total" {
			for _, metric := range mf.GetMetric() {
				assert.Zero(t, metric.GetCounter().GetValue())
			}
		}
	}
}

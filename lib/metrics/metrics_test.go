package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounterVecIncrementsByLabel(t *testing.T) {
	reg := New()
	comp := NewComponent(reg, "user")
	forbidden := comp.CounterVec("forbidden", "requests rejected by reason", "reason")

	forbidden.WithLabelValues("request_rate").Inc()
	forbidden.WithLabelValues("request_rate").Inc()
	forbidden.WithLabelValues("acl_host").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(forbidden.WithLabelValues("request_rate")))
	require.Equal(t, float64(1), testutil.ToFloat64(forbidden.WithLabelValues("acl_host")))
}

func TestGaugeRegisteredUnderComponent(t *testing.T) {
	reg := New()
	comp := NewComponent(reg, "pool")
	idle := comp.Gauge("idle_count", "idle channels currently held")
	idle.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(idle))
}

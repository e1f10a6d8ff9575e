package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/metrics"
)

func TestRPCTotalIncrementsByLabel(t *testing.T) {
	reg := metrics.New()
	reg.RPCTotal.WithLabelValues("LaunchTasks", "0").Inc()
	reg.RPCTotal.WithLabelValues("LaunchTasks", "0").Inc()
	reg.RPCTotal.WithLabelValues("Ping", "0").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(reg.RPCTotal.WithLabelValues("LaunchTasks", "0")))
	require.Equal(t, float64(1), testutil.ToFloat64(reg.RPCTotal.WithLabelValues("Ping", "0")))
}

func TestGaugesStartAtZero(t *testing.T) {
	reg := metrics.New()
	require.Equal(t, float64(0), testutil.ToFloat64(reg.VaultJobs))
	require.Equal(t, float64(0), testutil.ToFloat64(reg.IOBuffersFree))
	require.Equal(t, float64(0), testutil.ToFloat64(reg.BcastTransfersActive))
}

func TestGathererReturnsRegisteredFamilies(t *testing.T) {
	reg := metrics.New()
	reg.RPCInflight.Set(3)

	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

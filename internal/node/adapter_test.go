package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/metrics"
	"github.com/synnergy-mu/cluster/internal/runtime"
	"github.com/synnergy-mu/cluster/internal/usage"
)

func TestUsageAdapterFansOutToRecorderAndMetrics(t *testing.T) {
	recorder := usage.NewRecorder(usage.Config{FlushInterval: time.Hour})
	collector := metrics.New(metrics.Sources{})
	a := newUsageAdapter(recorder, collector)

	id, err := clusterid.RandomStackID('s')
	require.NoError(t, err)

	a.ReportUsage(id, 128)
	a.Record(id, runtime.Usage{FunctionInstructions: 42}, false)
	a.Record(id, runtime.Usage{}, true)

	mfs, err := collector.Registry().Gather()
	require.NoError(t, err)
	var gotRequests, gotInstructions, gotFailures bool
	for _, mf := range mfs {
		switch mf.GetName() {
		case "synnergy_gateway_requests_total":
			gotRequests = true
			assert.Equal(t, float64(1), mf.Metric[0].GetCounter().GetValue())
		case "synnergy_runtime_instructions_total":
			gotInstructions = true
			assert.Equal(t, float64(42), mf.Metric[0].GetCounter().GetValue())
		case "synnergy_runtime_failures_total":
			gotFailures = true
			assert.Equal(t, float64(1), mf.Metric[0].GetCounter().GetValue())
		}
	}
	assert.True(t, gotRequests)
	assert.True(t, gotInstructions)
	assert.True(t, gotFailures)
}

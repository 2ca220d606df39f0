package node

import (
	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/metrics"
	"github.com/synnergy-mu/cluster/internal/runtime"
	"github.com/synnergy-mu/cluster/internal/usage"
)

// usageAdapter fans a single usage observation out to both the
// logging-oriented usage.Recorder and the Prometheus-backed
// metrics.Collector, so both stay fed from the gateway and runtime's one
// call site each, without either of them depending on the other.
type usageAdapter struct {
	recorder *usage.Recorder
	metrics  *metrics.Collector
}

func newUsageAdapter(recorder *usage.Recorder, collector *metrics.Collector) *usageAdapter {
	return &usageAdapter{recorder: recorder, metrics: collector}
}

// ReportUsage satisfies internal/gateway.UsageReporter.
func (a *usageAdapter) ReportUsage(stackID clusterid.StackID, traffic uint64) {
	a.recorder.ReportUsage(stackID, traffic)
	if a.metrics != nil {
		a.metrics.ObserveGatewayRequest(traffic)
	}
}

// Record satisfies internal/runtime.UsageRecorder, translating runtime.Usage
// into usage.Record and a metrics observation.
func (a *usageAdapter) Record(stackID clusterid.StackID, u runtime.Usage, failed bool) {
	a.recorder.Record(usage.Record{
		StackID:              stackID,
		DBWeakReads:          u.DBWeakReads,
		DBWeakWrites:         u.DBWeakWrites,
		FunctionInstructions: u.FunctionInstructions,
		MemoryMegabytes:      u.MemoryMegabytes,
	})
	if a.metrics != nil {
		a.metrics.ObserveRuntimeInvocation(u.FunctionInstructions, failed)
	}
}

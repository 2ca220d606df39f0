package metrics

import (
	"testing"
)

func gaugeValue(t *testing.T, c *Collector) float64 {
	t.Helper()
	mfs, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "synnergy_stacks_deployed" {
			return mf.Metric[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("synnergy_stacks_deployed not found")
	return 0
}

func TestRecordPopulatesGaugesFromSources(t *testing.T) {
	c := New(Sources{StacksDeployed: func() int { return 3 }})
	c.record()
	if got := gaugeValue(t, c); got != 3 {
		t.Fatalf("stacks deployed gauge = %v, want 3", got)
	}
}

func TestObserveGatewayRequestIncrementsCounters(t *testing.T) {
	c := New(Sources{})
	c.ObserveGatewayRequest(128)
	mfs, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "synnergy_gateway_requests_total" {
			found = true
			if got := mf.Metric[0].GetCounter().GetValue(); got != 1 {
				t.Fatalf("requests counter = %v, want 1", got)
			}
		}
	}
	if !found {
		t.Fatalf("synnergy_gateway_requests_total not found")
	}
}

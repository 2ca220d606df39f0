// Package metrics exposes the node process's Prometheus gauges and
// counters: a private prometheus.Registry, one collector per observed
// quantity, and a periodic poll of gauge sources rather than deep per-call
// instrumentation of the hot paths it observes.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Sources is polled once per collection interval to populate the gauges.
// Each field may be left nil; Collector skips gauges with no source.
type Sources struct {
	StacksDeployed    func() int
	MembershipPeers   func() int
	FailedDeployments func() int
}

// Collector owns the node's metric registry and gauges/counters.
type Collector struct {
	registry *prometheus.Registry
	log      *logrus.Entry

	sources Sources

	stacksDeployedGauge  prometheus.Gauge
	membershipPeersGauge prometheus.Gauge
	failedDeploysGauge   prometheus.Gauge

	gatewayRequests     prometheus.Counter
	gatewayTrafficBytes prometheus.Counter
	runtimeInvocations  prometheus.Counter
	runtimeInstructions prometheus.Counter
	runtimeFailures     prometheus.Counter
}

// New builds a Collector with its own registry (not the global
// prometheus.DefaultRegisterer, so tests can construct more than one
// Collector without a global-state collision).
func New(sources Sources) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		log:      logrus.WithField("component", "metrics"),
		sources:  sources,
	}

	c.stacksDeployedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_stacks_deployed",
		Help: "Number of stacks currently deployed to this node.",
	})
	c.membershipPeersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_membership_peers",
		Help: "Number of live peers this node currently knows about.",
	})
	c.failedDeploysGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_failed_deployments",
		Help: "Number of failed stack deploy attempts since this node started.",
	})
	c.gatewayRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synnergy_gateway_requests_total",
		Help: "Total number of HTTP requests served by the gateway.",
	})
	c.gatewayTrafficBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synnergy_gateway_traffic_bytes_total",
		Help: "Total request+response bytes served by the gateway.",
	})
	c.runtimeInvocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synnergy_runtime_invocations_total",
		Help: "Total number of WASM function invocations.",
	})
	c.runtimeInstructions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synnergy_runtime_instructions_total",
		Help: "Total metered instructions consumed across all invocations.",
	})
	c.runtimeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synnergy_runtime_failures_total",
		Help: "Total number of WASM function invocations that ended in error.",
	})

	c.registry.MustRegister(
		c.stacksDeployedGauge,
		c.membershipPeersGauge,
		c.failedDeploysGauge,
		c.gatewayRequests,
		c.gatewayTrafficBytes,
		c.runtimeInvocations,
		c.runtimeInstructions,
		c.runtimeFailures,
	)

	return c
}

// Registry returns the collector's private registry, for wiring into a
// promhttp.HandlerFor call.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveGatewayRequest records one served HTTP request and its total
// request+response byte count.
func (c *Collector) ObserveGatewayRequest(trafficBytes uint64) {
	c.gatewayRequests.Inc()
	c.gatewayTrafficBytes.Add(float64(trafficBytes))
}

// ObserveRuntimeInvocation records one completed WASM invocation.
func (c *Collector) ObserveRuntimeInvocation(instructions uint64, failed bool) {
	c.runtimeInvocations.Inc()
	c.runtimeInstructions.Add(float64(instructions))
	if failed {
		c.runtimeFailures.Inc()
	}
}

// record polls Sources and updates the gauges; unlike the counters above,
// gauges reflect a point-in-time snapshot rather than an accumulation.
func (c *Collector) record() {
	if c.sources.StacksDeployed != nil {
		c.stacksDeployedGauge.Set(float64(c.sources.StacksDeployed()))
	}
	if c.sources.MembershipPeers != nil {
		c.membershipPeersGauge.Set(float64(c.sources.MembershipPeers()))
	}
	if c.sources.FailedDeployments != nil {
		c.failedDeploysGauge.Set(float64(c.sources.FailedDeployments()))
	}
}

// Run polls Sources on interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	c.record()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.record()
		}
	}
}

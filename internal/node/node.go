// Package node assembles the control-plane subsystems (membership,
// scheduler, runtime, gateway, usage, metrics, and the watcher contract)
// into one running process.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/synnergy-mu/cluster/internal/adminserver"
	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/config"
	"github.com/synnergy-mu/cluster/internal/gateway"
	"github.com/synnergy-mu/cluster/internal/kv"
	"github.com/synnergy-mu/cluster/internal/membership"
	"github.com/synnergy-mu/cluster/internal/metrics"
	"github.com/synnergy-mu/cluster/internal/objectstorage"
	"github.com/synnergy-mu/cluster/internal/runtime"
	"github.com/synnergy-mu/cluster/internal/scheduler"
	"github.com/synnergy-mu/cluster/internal/usage"
	"github.com/synnergy-mu/cluster/internal/watcher"
)

// Node is a fully-wired process: every subsystem above, pointed at one
// real or in-memory KV backend.
type Node struct {
	cfg  *config.Config
	self clusterid.NodeAddress
	log  *logrus.Entry

	kvClient kv.Client
	etcdConn *clientv3.Client
	storage  *objectstorage.Storage

	deployer      *localDeployer
	usageRecorder *usage.Recorder
	usage         *usageAdapter
	metrics       *metrics.Collector
	runtime       *runtime.Runtime
	gateway       *gateway.Gateway
	membership    *membership.Service
	scheduler     *scheduler.Service
	watcher       watcher.Watcher
	admin         *adminserver.Server

	failedDeployments int64
}

// New wires a Node from cfg. It dials etcd (if configured) and object
// storage eagerly so that a misconfigured process fails fast at startup
// rather than on its first request.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	gen, err := clusterid.NewGeneration()
	if err != nil {
		return nil, fmt.Errorf("node: generate process generation: %w", err)
	}
	self := clusterid.NodeAddress{IP: net.ParseIP(cfg.Node.IP), Port: cfg.Node.Port, Generation: gen}
	if self.IP == nil {
		return nil, fmt.Errorf("node: invalid node.ip %q", cfg.Node.IP)
	}

	n := &Node{
		cfg:  cfg,
		self: self,
		log:  logrus.WithField("component", "node"),
	}

	if len(cfg.KV.EtcdEndpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.KV.EtcdEndpoints,
			DialTimeout: cfg.KV.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("node: connect etcd: %w", err)
		}
		n.etcdConn = cli
		n.kvClient = kv.NewEtcdClient(cli)
	} else {
		n.kvClient = kv.NewMemClient()
	}

	if cfg.ObjectStorage.Bucket != "" {
		storage, err := objectstorage.New(ctx, objectstorage.Config{
			Endpoint:        cfg.ObjectStorage.Endpoint,
			Region:          cfg.ObjectStorage.Region,
			Bucket:          cfg.ObjectStorage.Bucket,
			AccessKeyID:     cfg.ObjectStorage.AccessKeyID,
			SecretAccessKey: cfg.ObjectStorage.SecretAccessKey,
			PathStyle:       cfg.ObjectStorage.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("node: build object storage: %w", err)
		}
		n.storage = storage
	}

	n.deployer = newLocalDeployer(cfg.Node.CacheDir+"/assemblies", n.storage)
	n.usageRecorder = usage.NewRecorder(usage.Config{FlushInterval: cfg.Usage.FlushInterval})
	n.metrics = metrics.New(metrics.Sources{
		StacksDeployed:    n.deployer.Count,
		MembershipPeers:   n.membershipPeerCount,
		FailedDeployments: n.failedDeploymentCount,
	})
	n.usage = newUsageAdapter(n.usageRecorder, n.metrics)

	// n.storage must be passed through as a nil interface, not a typed nil
	// *objectstorage.Storage, so KVHost's own `h.Storage == nil` check
	// still sees "absent" when no object storage is configured.
	var storageIface runtime.ObjectStorage
	if n.storage != nil {
		storageIface = n.storage
	}
	kvHost := runtime.NewKVHost(n.kvClient, storageIface, http.DefaultClient)
	assemblies := runtime.FileAssemblyLoader{BaseDir: cfg.Node.CacheDir + "/assemblies"}
	n.runtime = runtime.New(runtime.Config{
		CacheDir:            cfg.Node.CacheDir,
		IncludeFunctionLogs: cfg.Logging.IncludeFunctionLogs,
	}, kvHost, assemblies, n.usage)

	n.gateway = gateway.New(gateway.Config{
		RateLimitPerSecond: cfg.Gateway.RateLimitPerSecond,
		RateLimitBurst:     cfg.Gateway.RateLimitBurst,
	}, n.runtime, n.usage)

	n.scheduler = scheduler.New(scheduler.Config{
		MyHash:       self.Hash(),
		TickInterval: cfg.Scheduler.TickInterval,
		ReadyDelay:   cfg.Scheduler.ReadyDelay,
	}, n.deployer, n.gateway, n.kvClient)

	n.membership = membership.New(n.kvClient, membership.Config{
		Self:            self,
		RegionID:        cfg.Membership.RegionID,
		UpdateInterval:  cfg.Membership.UpdateInterval,
		AssumeDeadAfter: cfg.Membership.AssumeDeadAfter,
	}, n.deployer.DeployedStacks)

	n.watcher = watcher.NewDevWatcher(watcher.DevWatcherConfig{
		Dir:          cfg.Watcher.ManifestDir,
		PollInterval: cfg.Watcher.PollInterval,
	})

	n.admin = adminserver.New(n.metrics, adminserver.Sources{Stacks: n.stackSnapshots})

	return n, nil
}

func (n *Node) membershipPeerCount() int {
	if n.membership == nil {
		return 0
	}
	return len(n.membership.LiveHashes())
}

func (n *Node) failedDeploymentCount() int {
	return int(atomic.LoadInt64(&n.failedDeployments))
}

func (n *Node) stackSnapshots() []adminserver.StackSnapshot {
	hosted := n.deployer.DeployedStacks()
	out := make([]adminserver.StackSnapshot, 0, len(hosted))
	for id := range hosted {
		out = append(out, adminserver.StackSnapshot{StackID: id.String(), State: "deployed_to_self"})
	}
	return out
}

// Run starts every subsystem and blocks until ctx is cancelled, then tears
// them down in reverse dependency order.
func (n *Node) Run(ctx context.Context) error {
	gwSrv := &http.Server{Addr: n.cfg.Gateway.ListenAddr, Handler: n.gateway}
	adminSrv := &http.Server{Addr: n.cfg.Admin.ListenAddr, Handler: n.admin}

	go func() {
		if err := n.membership.Run(ctx); err != nil && err != context.Canceled {
			n.log.WithError(err).Warn("membership reactor exited")
		}
	}()
	go func() {
		if err := n.scheduler.Run(ctx); err != nil && err != context.Canceled {
			n.log.WithError(err).Warn("scheduler reactor exited")
		}
	}()
	go func() {
		if err := n.watcher.Run(ctx); err != nil && err != context.Canceled {
			n.log.WithError(err).Warn("watcher exited")
		}
	}()
	go func() {
		if err := n.usageRecorder.Run(ctx); err != nil && err != context.Canceled {
			n.log.WithError(err).Warn("usage recorder exited")
		}
	}()
	go n.metrics.Run(ctx, n.cfg.Admin.MetricsInterval)
	go n.pumpWatcher(ctx)
	go n.pumpMembership(ctx)
	go n.pumpSchedulerNotifications(ctx)
	go func() {
		if err := gwSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.WithError(err).Error("gateway server exited")
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.WithError(err).Error("admin server exited")
		}
	}()

	<-ctx.Done()
	n.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = gwSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	n.membership.Stop()
	n.scheduler.Stop()
	n.usageRecorder.Stop()
	if n.etcdConn != nil {
		_ = n.etcdConn.Close()
	}
	return ctx.Err()
}

// pumpWatcher forwards the watcher's stack availability/removal stream
// into the scheduler's inbox.
func (n *Node) pumpWatcher(ctx context.Context) {
	available := n.watcher.StacksAvailable()
	removed := n.watcher.StacksRemoved()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-available:
			if !ok {
				return
			}
			n.scheduler.StacksAvailable(v)
		case r, ok := <-removed:
			if !ok {
				return
			}
			n.scheduler.StacksRemoved(r.ID, r.Mode)
		}
	}
}

// pumpMembership forwards membership deltas into the scheduler.
func (n *Node) pumpMembership(ctx context.Context) {
	events := n.membership.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case membership.NodeDiscovered:
				n.scheduler.NodeDiscovered(ev.Hash)
			case membership.NodeDied:
				n.scheduler.NodeDied(ev.Hash)
			case membership.NodeStacksChanged:
				n.scheduler.NodeStacksChanged(ev.Hash, ev.AddedStacks, ev.RemovedStacks)
			}
		}
	}
}

// pumpSchedulerNotifications logs scheduler failures and feeds the
// failed-deployments gauge.
func (n *Node) pumpSchedulerNotifications(ctx context.Context) {
	notifications := n.scheduler.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notifications:
			if !ok {
				return
			}
			switch note.Kind {
			case scheduler.NotificationFailedToDeployStack:
				atomic.AddInt64(&n.failedDeployments, 1)
				n.log.WithError(note.Err).WithField("stack", note.StackID.String()).Warn("failed to deploy stack")
			case scheduler.NotificationFailedToUndeployStack:
				n.log.WithError(note.Err).WithField("stack", note.StackID.String()).Warn("failed to undeploy stack")
			}
		}
	}
}


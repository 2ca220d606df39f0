package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/stack"
)

// Deployer drives the local runtime subsystem: functions are added on
// Deploy and removed on Undeploy.
type Deployer interface {
	Deploy(ctx context.Context, s stack.Validated) error
	Undeploy(ctx context.Context, id clusterid.StackID, mode RemovalMode) error
}

// GatewayDeployer drives the local gateway's route table: deploy_gateways /
// delete_gateways, applied independent of who ends up owning the stack.
type GatewayDeployer interface {
	DeployGateways(ctx context.Context, s stack.Validated) error
	DeleteGateways(ctx context.Context, id clusterid.StackID) error
}

// TableUpdater drives update_stack_tables on the local KV client.
type TableUpdater interface {
	UpdateStackTables(ctx context.Context, id clusterid.StackID, tableNames []string) error
}

// NotificationKind discriminates the scheduler's own outward notification
// stream (FailedToDeployStack and friends), consumed for logging/usage.
type NotificationKind int

const (
	NotificationFailedToDeployStack NotificationKind = iota
	NotificationFailedToUndeployStack
)

// Notification is emitted on deploy failures, which must be surfaced, and
// undeploy failures, which are merely logged.
type Notification struct {
	Kind    NotificationKind
	StackID clusterid.StackID
	Err     error
}

// command is the scheduler reactor's inbox message type.
type command interface{ isCommand() }

type cmdStackAvailable struct{ Stack stack.Validated }
type cmdStackRemoved struct {
	ID   clusterid.StackID
	Mode RemovalMode
}
type cmdNodeDiscovered struct{ Hash clusterid.NodeHash }
type cmdNodeDied struct{ Hash clusterid.NodeHash }
type cmdNodeStacksChanged struct {
	Hash    clusterid.NodeHash
	Added   []clusterid.StackID
	Removed []clusterid.StackID
}

func (cmdStackAvailable) isCommand()    {}
func (cmdStackRemoved) isCommand()      {}
func (cmdNodeDiscovered) isCommand()    {}
func (cmdNodeDied) isCommand()          {}
func (cmdNodeStacksChanged) isCommand() {}

// Config configures a scheduler Service.
type Config struct {
	MyHash       clusterid.NodeHash
	TickInterval time.Duration
	// ReadyDelay is how long the scheduler waits after Run starts before
	// considering its initial membership view complete and allowing ticks
	// to act.
	ReadyDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.ReadyDelay <= 0 {
		c.ReadyDelay = 10 * time.Second
	}
	return c
}

// Service is the scheduler reactor.
type Service struct {
	cfg Config

	deployer Deployer
	gateways GatewayDeployer
	tables   TableUpdater
	log      *logrus.Entry

	inbox         chan command
	notifications chan Notification

	states           map[clusterid.StackID]StackState
	liveOthers       hashSet
	reevaluateOnTick map[clusterid.StackID]struct{}
	readyToSchedule  bool

	stop    chan struct{}
	stopped chan struct{}
}

// New constructs a scheduler Service.
func New(cfg Config, deployer Deployer, gateways GatewayDeployer, tables TableUpdater) *Service {
	return &Service{
		cfg:              cfg.withDefaults(),
		deployer:         deployer,
		gateways:         gateways,
		tables:           tables,
		log:              logrus.WithField("component", "scheduler"),
		inbox:            make(chan command, 256),
		notifications:    make(chan Notification, 256),
		states:           make(map[clusterid.StackID]StackState),
		liveOthers:       make(hashSet),
		reevaluateOnTick: make(map[clusterid.StackID]struct{}),
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
	}
}

// Notifications returns the scheduler's outward notification stream.
func (s *Service) Notifications() <-chan Notification { return s.notifications }

// StacksAvailable enqueues a StacksAvailable event.
func (s *Service) StacksAvailable(v stack.Validated) { s.send(cmdStackAvailable{Stack: v}) }

// StacksRemoved enqueues a StacksRemoved event.
func (s *Service) StacksRemoved(id clusterid.StackID, mode RemovalMode) {
	s.send(cmdStackRemoved{ID: id, Mode: mode})
}

// NodeDiscovered enqueues a NodeDiscovered membership delta.
func (s *Service) NodeDiscovered(h clusterid.NodeHash) { s.send(cmdNodeDiscovered{Hash: h}) }

// NodeDied enqueues a NodeDied membership delta.
func (s *Service) NodeDied(h clusterid.NodeHash) { s.send(cmdNodeDied{Hash: h}) }

// NodeStacksChanged enqueues a NodeStacksChanged membership delta.
func (s *Service) NodeStacksChanged(h clusterid.NodeHash, added, removed []clusterid.StackID) {
	s.send(cmdNodeStacksChanged{Hash: h, Added: added, Removed: removed})
}

func (s *Service) send(c command) {
	select {
	case s.inbox <- c:
	default:
		s.log.Warn("scheduler inbox full, dropping event")
	}
}

// Run processes the inbox sequentially and drains reevaluateOnTick once per
// TickInterval, after the ReadyDelay has elapsed.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	readyTimer := time.NewTimer(s.cfg.ReadyDelay)
	defer readyTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			for {
				select {
				case cmd := <-s.inbox:
					s.handle(ctx, cmd)
				default:
					return nil
				}
			}
		case <-readyTimer.C:
			s.readyToSchedule = true
		case cmd := <-s.inbox:
			s.handle(ctx, cmd)
		case <-ticker.C:
			if s.readyToSchedule {
				s.runTick(ctx)
			}
		}
	}
}

// Stop requests the reactor to exit after draining pending inbox events.
func (s *Service) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Service) markDirty(id clusterid.StackID) {
	s.reevaluateOnTick[id] = struct{}{}
}

func (s *Service) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdStackAvailable:
		s.onStacksAvailable(ctx, c.Stack)
	case cmdStackRemoved:
		s.onStacksRemoved(ctx, c.ID, c.Mode)
	case cmdNodeDiscovered:
		s.liveOthers[c.Hash] = struct{}{}
	case cmdNodeDied:
		s.onNodeDied(ctx, c.Hash)
	case cmdNodeStacksChanged:
		s.onNodeStacksChanged(c.Hash, c.Added, c.Removed)
	}
}

func (s *Service) onStacksAvailable(ctx context.Context, v stack.Validated) {
	// Gateway routes are deployed immediately, before the scheduler decides
	// who owns the stack, so any node can route requests straight away.
	if s.gateways != nil {
		if err := s.gateways.DeployGateways(ctx, v); err != nil {
			s.log.WithError(err).WithField("stack", v.ID).Warn("deploy_gateways failed")
		}
	}
	if s.tables != nil {
		if names := tableNames(v); len(names) > 0 {
			if err := s.tables.UpdateStackTables(ctx, v.ID, names); err != nil {
				s.log.WithError(err).WithField("stack", v.ID).Warn("update_stack_tables failed")
			}
		}
	}

	existing, ok := s.states[v.ID]
	if !ok {
		// Brand new: the next tick decides between deploying locally and
		// becoming a candidate-watcher, depending on who owns the stack.
		s.states[v.ID] = Undeployed{Stack: v}
		s.markDirty(v.ID)
		return
	}

	// Already locally deployed: a higher revision becomes a pending update.
	if self, ok := existing.(DeployedToSelf); ok {
		if v.Revision > self.Stack.Revision {
			s.states[v.ID] = DeployedToSelfWithPendingUpdate{NewStack: v, DeployedToOthers: self.DeployedToOthers}
			s.markDirty(v.ID)
		}
		return
	}
	if pending, ok := existing.(DeployedToSelfWithPendingUpdate); ok {
		if v.Revision > pending.NewStack.Revision {
			s.states[v.ID] = DeployedToSelfWithPendingUpdate{NewStack: v, DeployedToOthers: pending.DeployedToOthers}
			s.markDirty(v.ID)
		}
		return
	}
	if v.Revision <= existing.revision() {
		return // stale redelivery, ignored
	}

	switch st := existing.(type) {
	case Unknown:
		if owner(v.ID, s.cfg.MyHash, s.liveOthers) == s.cfg.MyHash {
			s.states[v.ID] = Undeployed{Stack: v}
		} else {
			s.states[v.ID] = DeployedToOthers{Stack: v, DeployedTo: st.DeployedTo}
		}
	case Undeployed:
		s.states[v.ID] = Undeployed{Stack: v}
	case HasDeploymentCandidate:
		s.states[v.ID] = HasDeploymentCandidate{Stack: v, Candidate: st.Candidate}
	case DeployedToOthers:
		s.states[v.ID] = DeployedToOthers{Stack: v, DeployedTo: st.DeployedTo}
	}
	s.markDirty(v.ID)
}

func (s *Service) onStacksRemoved(ctx context.Context, id clusterid.StackID, mode RemovalMode) {
	if s.gateways != nil {
		if err := s.gateways.DeleteGateways(ctx, id); err != nil {
			s.log.WithError(err).WithField("stack", id).Warn("delete_gateways failed")
		}
	}

	existing, ok := s.states[id]
	if !ok {
		return
	}
	if isLocallyHosted(existing) {
		if err := s.deployer.Undeploy(ctx, id, mode); err != nil {
			s.notify(Notification{Kind: NotificationFailedToUndeployStack, StackID: id, Err: err})
			s.log.WithError(err).WithField("stack", id).Warn("undeploy failed, proceeding regardless")
		}
	}
	delete(s.states, id)
	delete(s.reevaluateOnTick, id)
}

func isLocallyHosted(st StackState) bool {
	switch st.(type) {
	case DeployedToSelf, DeployedToSelfWithPendingUpdate:
		return true
	default:
		return false
	}
}

func (s *Service) onNodeDied(ctx context.Context, h clusterid.NodeHash) {
	delete(s.liveOthers, h)
	for id, st := range s.states {
		switch v := st.(type) {
		case Unknown:
			v.DeployedTo.remove(h)
			s.states[id] = v
		case HasDeploymentCandidate:
			if v.Candidate == h {
				s.states[id] = Undeployed{Stack: v.Stack}
				s.markDirty(id)
			}
		case DeployedToSelf:
			v.DeployedToOthers.remove(h)
			s.states[id] = v
		case DeployedToSelfWithPendingUpdate:
			v.DeployedToOthers.remove(h)
			s.states[id] = v
		case DeployedToOthers:
			v.DeployedTo.remove(h)
			if len(v.DeployedTo) == 0 {
				s.states[id] = Undeployed{Stack: v.Stack}
				s.markDirty(id)
			} else {
				s.states[id] = v
			}
		}
	}
	_ = ctx
}

func (s *Service) onNodeStacksChanged(h clusterid.NodeHash, added, removed []clusterid.StackID) {
	for _, id := range added {
		st, ok := s.states[id]
		if !ok {
			s.states[id] = Unknown{DeployedTo: newHashSet(h)}
			continue
		}
		switch v := st.(type) {
		case Unknown:
			v.DeployedTo[h] = struct{}{}
			s.states[id] = v
		case DeployedToOthers:
			v.DeployedTo[h] = struct{}{}
			s.states[id] = v
		case DeployedToSelf:
			v.DeployedToOthers[h] = struct{}{}
			s.states[id] = v
		case DeployedToSelfWithPendingUpdate:
			v.DeployedToOthers[h] = struct{}{}
			s.states[id] = v
		}
	}
	for _, id := range removed {
		st, ok := s.states[id]
		if !ok {
			continue
		}
		switch v := st.(type) {
		case Unknown:
			v.DeployedTo.remove(h)
			s.states[id] = v
		case DeployedToOthers:
			v.DeployedTo.remove(h)
			if len(v.DeployedTo) == 0 {
				s.states[id] = Undeployed{Stack: v.Stack}
				s.markDirty(id)
			} else {
				s.states[id] = v
			}
		case DeployedToSelf:
			v.DeployedToOthers.remove(h)
			s.states[id] = v
		case DeployedToSelfWithPendingUpdate:
			v.DeployedToOthers.remove(h)
			s.states[id] = v
		}
	}
}

func (s *Service) notify(n Notification) {
	select {
	case s.notifications <- n:
	default:
		s.log.WithField("kind", n.Kind).Warn("notification stream full, dropping")
	}
}

func tableNames(v stack.Validated) []string {
	var names []string
	for _, svc := range v.Services {
		if svc.KeyValueTable != nil && !svc.KeyValueTable.Delete {
			names = append(names, svc.KeyValueTable.Name)
		}
	}
	return names
}

// runTick drains reevaluateOnTick once and applies the per-stack transition
// function.
func (s *Service) runTick(ctx context.Context) {
	ids := make([]clusterid.StackID, 0, len(s.reevaluateOnTick))
	for id := range s.reevaluateOnTick {
		ids = append(ids, id)
	}
	s.reevaluateOnTick = make(map[clusterid.StackID]struct{})

	for _, id := range ids {
		s.transition(ctx, id)
	}
}

func (s *Service) transition(ctx context.Context, id clusterid.StackID) {
	st, ok := s.states[id]
	if !ok {
		return
	}

	switch v := st.(type) {
	case Unknown:
		// Awaits the watcher; no action.

	case Undeployed:
		own := owner(id, s.cfg.MyHash, s.liveOthers)
		if own == s.cfg.MyHash {
			if err := s.deployer.Deploy(ctx, v.Stack); err != nil {
				s.notify(Notification{Kind: NotificationFailedToDeployStack, StackID: id, Err: err})
				s.markDirty(id) // retry on next tick
				return
			}
			s.states[id] = DeployedToSelf{Stack: v.Stack, DeployedToOthers: newHashSet()}
		} else {
			s.states[id] = HasDeploymentCandidate{Stack: v.Stack, Candidate: own}
		}

	case HasDeploymentCandidate:
		// No action; a candidate death is handled immediately by
		// onNodeDied, not here.

	case DeployedToSelf:
		if dominatedBySomeoneCloser(id, s.cfg.MyHash, v.DeployedToOthers) {
			if err := s.deployer.Undeploy(ctx, id, RemovalTemporary); err != nil {
				s.log.WithError(err).WithField("stack", id).Warn("undeploy failed, proceeding regardless")
			}
			s.states[id] = DeployedToOthers{Stack: v.Stack, DeployedTo: v.DeployedToOthers}
		}

	case DeployedToSelfWithPendingUpdate:
		if dominatedBySomeoneCloser(id, s.cfg.MyHash, v.DeployedToOthers) {
			// Still closest overall doesn't matter here: dominance check
			// failed means some other node is closer, so we back off
			// instead of redeploying.
			if err := s.deployer.Undeploy(ctx, id, RemovalTemporary); err != nil {
				s.log.WithError(err).WithField("stack", id).Warn("undeploy failed, proceeding regardless")
			}
			s.states[id] = DeployedToOthers{Stack: v.NewStack, DeployedTo: v.DeployedToOthers}
			return
		}
		if err := s.deployer.Deploy(ctx, v.NewStack); err != nil {
			s.notify(Notification{Kind: NotificationFailedToDeployStack, StackID: id, Err: err})
			s.markDirty(id)
			return
		}
		s.states[id] = DeployedToSelf{Stack: v.NewStack, DeployedToOthers: v.DeployedToOthers}

	case DeployedToOthers:
		if isSelfClosestThanAll(id, s.cfg.MyHash, v.DeployedTo) {
			if err := s.deployer.Deploy(ctx, v.Stack); err != nil {
				s.notify(Notification{Kind: NotificationFailedToDeployStack, StackID: id, Err: err})
				s.markDirty(id)
				return
			}
			s.states[id] = DeployedToSelf{Stack: v.Stack, DeployedToOthers: v.DeployedTo}
		}
	}
}

// dominatedBySomeoneCloser reports whether deployedToOthers contains a node
// strictly closer to stackID than myHash.
func dominatedBySomeoneCloser(id clusterid.StackID, myHash clusterid.NodeHash, deployedToOthers hashSet) bool {
	myDist := clusterid.Distance(id, myHash)
	for h := range deployedToOthers {
		if clusterid.Distance(id, h).Cmp(myDist) < 0 {
			return true
		}
	}
	return false
}

// isSelfClosestThanAll reports whether myHash is strictly closer to stackID
// than every node in deployedTo.
func isSelfClosestThanAll(id clusterid.StackID, myHash clusterid.NodeHash, deployedTo hashSet) bool {
	myDist := clusterid.Distance(id, myHash)
	for h := range deployedTo {
		if clusterid.Distance(id, h).Cmp(myDist) <= 0 {
			return false
		}
	}
	return true
}

// StackState returns a snapshot of a single stack's current state, exported
// for tests and diagnostics.
func (s *Service) StackState(id clusterid.StackID) (StackState, bool) {
	st, ok := s.states[id]
	return st, ok
}

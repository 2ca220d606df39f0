// Package membership maintains a region-scoped, eventually-consistent view
// of peer nodes by writing and reading heartbeat rows in the cluster's
// transactional KV store. It never talks to peers directly.
package membership

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/kv"
)

// DeadReason explains why a node was classified (or reclassified) as dead.
type DeadReason string

const (
	DeadReasonNone                 DeadReason = ""
	DeadReasonDeadState            DeadReason = "dead_state"
	DeadReasonMissedUpdate         DeadReason = "missed_update"
	DeadReasonMissingFromDB        DeadReason = "missing_from_db"
	DeadReasonReplacedByGeneration DeadReason = "replaced_by_new_generation"
)

// NodeState is the state field carried in a NodeStatus row.
type NodeState string

const (
	StateAlive NodeState = "alive"
	StateDead  NodeState = "dead"
)

// NodeStatus is the on-the-wire heartbeat record: one per (ip, port) in the
// KV store. It is gob-encoded (see DESIGN.md for the codec choice).
type NodeStatus struct {
	Version        uint32
	Address        clusterid.NodeAddress
	RegionID       string
	LastUpdate     time.Time
	State          NodeState
	DeployedStacks map[clusterid.StackID]struct{}
}

func encodeStatus(s NodeStatus) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("membership: encode status: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeStatus(b []byte) (NodeStatus, error) {
	var s NodeStatus
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return NodeStatus{}, fmt.Errorf("membership: decode status: %w", err)
	}
	return s, nil
}

// addressKey builds the row key for a given address: the shared metadata
// prefix followed by the raw-serialized (ip, port) pair.
func addressKey(addr clusterid.NodeAddress) []byte {
	key := append([]byte(nil), kv.MetadataPrefix()...)
	ip := addr.IP.To16()
	key = append(key, ip...)
	key = append(key, byte(addr.Port>>8), byte(addr.Port))
	return key
}

// EventKind discriminates the membership notification stream.
type EventKind int

const (
	NodeDiscovered EventKind = iota
	NodeDied
	NodeStacksChanged
)

// Event is a single membership delta, delivered in arrival order on the
// Service's Events channel.
type Event struct {
	Kind          EventKind
	Address       clusterid.NodeAddress
	Hash          clusterid.NodeHash
	DeadReason    DeadReason
	AddedStacks   []clusterid.StackID
	RemovedStacks []clusterid.StackID
}

// Config configures a membership Service.
type Config struct {
	Self            clusterid.NodeAddress
	RegionID        string
	UpdateInterval  time.Duration
	AssumeDeadAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 5 * time.Second
	}
	if c.AssumeDeadAfter <= 0 {
		c.AssumeDeadAfter = 4 * c.UpdateInterval
	}
	return c
}

// peerEntry is the in-memory record the reactor keeps per known address.
type peerEntry struct {
	address        clusterid.NodeAddress
	hash           clusterid.NodeHash
	state          NodeState
	deadReason     DeadReason
	lastUpdate     time.Time
	deployedStacks map[clusterid.StackID]struct{}
}

// Service is the membership reactor: a single goroutine that owns the peer
// collection and drives the write/read tick.
type Service struct {
	cfg Config
	kv  kv.Client
	log *logrus.Entry

	events chan Event

	deployedStacksFn func() map[clusterid.StackID]struct{}

	mu    sync.Mutex
	peers map[string]*peerEntry // keyed by addr.String()

	startedAt    time.Time
	warnedLonely bool

	stop    chan struct{}
	stopped chan struct{}
}

// New constructs a membership Service. deployedStacksFn is polled once per
// tick to learn which stacks the local scheduler currently hosts; it must
// not block.
func New(cli kv.Client, cfg Config, deployedStacksFn func() map[clusterid.StackID]struct{}) *Service {
	return &Service{
		cfg:              cfg.withDefaults(),
		kv:               cli,
		log:              logrus.WithField("component", "membership"),
		events:           make(chan Event, 256),
		deployedStacksFn: deployedStacksFn,
		peers:            make(map[string]*peerEntry),
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
	}
}

// Events returns the best-effort membership delta stream.
func (s *Service) Events() <-chan Event { return s.events }

// Run drives the update loop until Stop is called or ctx is cancelled. It
// performs the final Dead write before returning.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.startedAt = time.Now()
	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	if err := s.tick(ctx); err != nil {
		s.log.WithError(err).Warn("initial membership tick failed")
	}

	for {
		select {
		case <-ctx.Done():
			s.writeFinalDead(context.Background())
			return ctx.Err()
		case <-s.stop:
			s.writeFinalDead(context.Background())
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.log.WithError(err).Warn("membership tick failed")
			}
		}
	}
}

// Stop requests the reactor to perform its final Dead write and exit. It
// blocks until the reactor has actually stopped.
func (s *Service) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Service) writeFinalDead(ctx context.Context) {
	status := NodeStatus{
		Version:        1,
		Address:        s.cfg.Self,
		RegionID:       s.cfg.RegionID,
		LastUpdate:     time.Now(),
		State:          StateDead,
		DeployedStacks: map[clusterid.StackID]struct{}{},
	}
	if err := s.writeOwnStatus(ctx, status); err != nil {
		s.log.WithError(err).Error("final dead write failed")
	}
}

// tick performs one full write-then-read-then-reconcile cycle.
func (s *Service) tick(ctx context.Context) error {
	deployed := map[clusterid.StackID]struct{}{}
	if s.deployedStacksFn != nil {
		deployed = s.deployedStacksFn()
	}
	own := NodeStatus{
		Version:        1,
		Address:        s.cfg.Self,
		RegionID:       s.cfg.RegionID,
		LastUpdate:     time.Now(),
		State:          StateAlive,
		DeployedStacks: deployed,
	}
	if err := s.writeOwnStatus(ctx, own); err != nil {
		return fmt.Errorf("membership: write own status: %w", err)
	}

	rows, err := s.kv.RawScanPrefix(ctx, kv.MetadataPrefix())
	if err != nil {
		return fmt.Errorf("membership: scan rows: %w", err)
	}

	seen := map[string]bool{}
	for _, row := range rows {
		status, err := decodeStatus(row.Value)
		if err != nil {
			// Not every row under the metadata prefix is a membership row
			// (table-list rows live here too); silently skip decode
			// failures rather than treat them as membership errors.
			continue
		}
		if status.RegionID != s.cfg.RegionID {
			continue
		}
		if status.Address.IP.Equal(s.cfg.Self.IP) && status.Address.Port == s.cfg.Self.Port {
			// Own row: written above, never a peer.
			continue
		}
		key := status.Address.String()
		seen[key] = true
		s.reconcile(status)
	}

	s.reapMissing(seen)
	s.warnIfRegionEmpty()
	return nil
}

// warnIfRegionEmpty logs once if no live peer shares this node's region
// after the initial convergence window. A single-node region is a valid
// deployment, but more often it means a misconfigured region_id.
func (s *Service) warnIfRegionEmpty() {
	if s.warnedLonely || s.startedAt.IsZero() || time.Since(s.startedAt) < 2*s.cfg.UpdateInterval {
		return
	}
	if len(s.LiveHashes()) == 0 {
		s.log.WithField("region", s.cfg.RegionID).Warn("no live peers share this node's region")
	}
	s.warnedLonely = true
}

// writeOwnStatus reads the current value, refuses to overwrite a newer
// generation of the same address (fatal), then CAS-loops until it wins.
func (s *Service) writeOwnStatus(ctx context.Context, own NodeStatus) error {
	key := addressKey(s.cfg.Self)
	for {
		cur, ok, err := s.kv.RawGet(ctx, key)
		if err != nil {
			return err
		}
		var prevBytes []byte
		if ok {
			prevBytes = cur
			prevStatus, err := decodeStatus(cur)
			if err == nil && prevStatus.Address.Generation != own.Address.Generation {
				if isNewerGeneration(prevStatus.Address.Generation, own.Address.Generation) {
					return fmt.Errorf("membership: fatal: a newer generation of %s is already registered", own.Address)
				}
			}
		}
		newBytes, err := encodeStatus(own)
		if err != nil {
			return err
		}
		res, err := s.kv.RawCompareAndSwap(ctx, key, prevBytes, newBytes)
		if err != nil {
			return err
		}
		if res.DidSwap {
			return nil
		}
		// Contention: retry without bound.
	}
}

// isNewerGeneration compares two Generation values as big-endian integers
// (the high 8 bytes are a nanosecond timestamp, so lexicographic order is
// chronological order).
func isNewerGeneration(candidate, baseline clusterid.Generation) bool {
	return bytes.Compare(candidate[:], baseline[:]) > 0
}

// reconcile merges a single observed row into the in-memory peer
// collection. Within a tick, a discovery for a node precedes its
// stack-change event, and a same-generation death follows it.
func (s *Service) reconcile(status NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := status.Address.String()
	reason := classifyDeadReason(status, s.cfg.AssumeDeadAfter)
	hash := status.Address.Hash()

	existing, ok := s.peers[key]
	if !ok {
		entry := &peerEntry{
			address:        status.Address,
			hash:           hash,
			state:          status.State,
			deadReason:     reason,
			lastUpdate:     status.LastUpdate,
			deployedStacks: status.DeployedStacks,
		}
		s.peers[key] = entry
		if reason == DeadReasonNone {
			s.emit(Event{Kind: NodeDiscovered, Address: status.Address, Hash: hash})
		}
		return
	}

	if existing.hash == hash {
		cameBackAlive := existing.deadReason != DeadReasonNone && reason == DeadReasonNone
		if cameBackAlive {
			s.emit(Event{Kind: NodeDiscovered, Address: status.Address, Hash: hash})
		}

		added, removed := diffStacks(existing.deployedStacks, status.DeployedStacks)
		if len(added) > 0 || len(removed) > 0 {
			s.emit(Event{Kind: NodeStacksChanged, Address: status.Address, Hash: hash, AddedStacks: added, RemovedStacks: removed})
		}

		justDied := existing.deadReason == DeadReasonNone && reason != DeadReasonNone
		existing.state = status.State
		existing.deadReason = reason
		existing.lastUpdate = status.LastUpdate
		existing.deployedStacks = status.DeployedStacks
		if justDied {
			s.emit(Event{Kind: NodeDied, Address: status.Address, Hash: hash, DeadReason: reason})
		}
		return
	}

	if isNewerGeneration(status.Address.Generation, existing.address.Generation) {
		s.emit(Event{Kind: NodeDied, Address: existing.address, Hash: existing.hash, DeadReason: DeadReasonReplacedByGeneration})
		entry := &peerEntry{
			address:        status.Address,
			hash:           hash,
			state:          status.State,
			deadReason:     reason,
			lastUpdate:     status.LastUpdate,
			deployedStacks: status.DeployedStacks,
		}
		s.peers[key] = entry
		if reason == DeadReasonNone {
			s.emit(Event{Kind: NodeDiscovered, Address: status.Address, Hash: hash})
		}
		return
	}
	// Strictly older generation: ignore.
}

func (s *Service) reapMissing(seen map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.peers {
		if seen[key] {
			continue
		}
		s.emit(Event{Kind: NodeDied, Address: entry.address, Hash: entry.hash, DeadReason: DeadReasonMissingFromDB})
		delete(s.peers, key)
	}
}

// emit is called with s.mu held; it must never block the reactor, so the
// events channel is generously buffered and, when it is full, the new event
// is dropped and logged instead of blocking (the stream is documented as
// best-effort).
func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.WithField("kind", ev.Kind).Warn("membership event stream full, dropping notification")
	}
}

func classifyDeadReason(status NodeStatus, assumeDeadAfter time.Duration) DeadReason {
	if status.State == StateDead {
		return DeadReasonDeadState
	}
	if time.Since(status.LastUpdate) >= assumeDeadAfter {
		return DeadReasonMissedUpdate
	}
	return DeadReasonNone
}

func diffStacks(old, new map[clusterid.StackID]struct{}) (added, removed []clusterid.StackID) {
	for id := range new {
		if _, ok := old[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range old {
		if _, ok := new[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// LiveHashes returns a snapshot of every currently-live peer's hash, used by
// the scheduler to compute distance against.
func (s *Service) LiveHashes() map[clusterid.NodeHash]clusterid.NodeAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[clusterid.NodeHash]clusterid.NodeAddress, len(s.peers))
	for _, p := range s.peers {
		if p.deadReason == DeadReasonNone {
			out[p.hash] = p.address
		}
	}
	return out
}

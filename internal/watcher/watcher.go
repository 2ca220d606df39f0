// Package watcher defines the scheduler's only inbound data source: a
// stream of stack definitions and removals. The real implementation is an
// on-chain client, explicitly out of scope; this package implements only
// the consumed contract plus a devWatcher standing in for local development
// and tests.
package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/scheduler"
	"github.com/synnergy-mu/cluster/internal/stack"
)

// StackRemoval is one removal event: a stack id plus whether it is a
// temporary pause or a permanent deletion.
type StackRemoval struct {
	ID   clusterid.StackID
	Mode scheduler.RemovalMode
}

// Watcher is the contract the scheduler consumes. A StacksAvailable for a
// given (stack_id, revision) always precedes any removal of that revision.
type Watcher interface {
	StacksAvailable() <-chan stack.Validated
	StacksRemoved() <-chan StackRemoval
	Run(ctx context.Context) error
}

// manifestEntry is the on-disk shape a devWatcher manifest file takes.
type manifestEntry struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Version  string                 `json:"version"`
	Revision uint64                 `json:"revision"`
	Services []manifestServiceEntry `json:"services"`
}

type manifestServiceEntry struct {
	KeyValueTable *stack.KeyValueTable `json:"table,omitempty"`
	Storage       *stack.Storage       `json:"storage,omitempty"`
	Gateway       *manifestGateway     `json:"gateway,omitempty"`
	Function      *stack.Function      `json:"function,omitempty"`
}

type manifestGateway struct {
	Name      string                                              `json:"name"`
	Endpoints map[string]map[stack.HTTPMethod]stack.GatewayTarget `json:"endpoints"`
}

// DevWatcherConfig configures a devWatcher.
type DevWatcherConfig struct {
	Dir          string
	PollInterval time.Duration
}

func (c DevWatcherConfig) withDefaults() DevWatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// devWatcher reads *.json manifest files from a local directory and polls
// them on an interval, diffing against its last-seen revision per stack to
// emit StacksAvailable and StacksRemoved. It stands in for the real
// blockchain watcher in local development and integration tests.
type devWatcher struct {
	cfg DevWatcherConfig
	log *logrus.Entry

	available chan stack.Validated
	removed   chan StackRemoval

	seen map[clusterid.StackID]uint64
}

// NewDevWatcher constructs a devWatcher over cfg.Dir.
func NewDevWatcher(cfg DevWatcherConfig) *devWatcher {
	return &devWatcher{
		cfg:       cfg.withDefaults(),
		log:       logrus.WithField("component", "watcher"),
		available: make(chan stack.Validated, 64),
		removed:   make(chan StackRemoval, 64),
		seen:      make(map[clusterid.StackID]uint64),
	}
}

func (w *devWatcher) StacksAvailable() <-chan stack.Validated { return w.available }
func (w *devWatcher) StacksRemoved() <-chan StackRemoval      { return w.removed }

// Run polls cfg.Dir until ctx is cancelled.
func (w *devWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	if err := w.poll(); err != nil {
		w.log.WithError(err).Warn("initial manifest poll failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.poll(); err != nil {
				w.log.WithError(err).Warn("manifest poll failed")
			}
		}
	}
}

func (w *devWatcher) poll() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return err
	}

	current := make(map[clusterid.StackID]uint64)
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		v, err := w.loadManifest(filepath.Join(w.cfg.Dir, de.Name()))
		if err != nil {
			w.log.WithError(err).WithField("file", de.Name()).Warn("skipping malformed manifest")
			continue
		}
		current[v.ID] = v.Revision
		if prevRev, ok := w.seen[v.ID]; !ok || v.Revision > prevRev {
			w.available <- v
		}
	}

	for id := range w.seen {
		if _, ok := current[id]; !ok {
			w.removed <- StackRemoval{ID: id, Mode: scheduler.RemovalPermanent}
		}
	}
	w.seen = current
	return nil
}

func (w *devWatcher) loadManifest(path string) (stack.Validated, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return stack.Validated{}, err
	}
	var entry manifestEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return stack.Validated{}, err
	}

	id, err := clusterid.ParseStackID(entry.ID)
	if err != nil {
		return stack.Validated{}, err
	}

	def := stack.Definition{ID: id, Name: entry.Name, Version: entry.Version, Revision: entry.Revision}
	for _, svc := range entry.Services {
		var out stack.Service
		switch {
		case svc.KeyValueTable != nil:
			out.KeyValueTable = svc.KeyValueTable
		case svc.Storage != nil:
			out.Storage = svc.Storage
		case svc.Gateway != nil:
			out.Gateway = &stack.Gateway{Name: svc.Gateway.Name, Endpoints: svc.Gateway.Endpoints}
		case svc.Function != nil:
			out.Function = svc.Function
		}
		def.Services = append(def.Services, out)
	}

	return def.Validate()
}

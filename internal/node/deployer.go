package node

import (
	"context"
	"sync"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/objectstorage"
	"github.com/synnergy-mu/cluster/internal/scheduler"
	"github.com/synnergy-mu/cluster/internal/stack"
)

// localDeployer implements scheduler.Deployer: it tracks which stacks are
// currently hosted locally, for membership's own status reports, and tears
// down a permanently-removed stack's object-storage data. Fetching and
// placing the compiled assembly bytes a deployed stack needs from the
// on-chain publication flow is out of scope (see
// internal/runtime.AssemblyLoader); a real deploy step is expected to
// populate assemblyDir out of band before Deploy is called.
type localDeployer struct {
	assemblyDir string
	storage     *objectstorage.Storage

	mu     sync.Mutex
	hosted map[clusterid.StackID]stack.Validated
}

func newLocalDeployer(assemblyDir string, storage *objectstorage.Storage) *localDeployer {
	return &localDeployer{
		assemblyDir: assemblyDir,
		storage:     storage,
		hosted:      make(map[clusterid.StackID]stack.Validated),
	}
}

// Deploy records s as locally hosted.
func (d *localDeployer) Deploy(_ context.Context, s stack.Validated) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosted[s.ID] = s
	return nil
}

// Undeploy drops id from the hosted set. RemovalPermanent additionally
// deletes any object-storage data the stack's Storage services owned;
// RemovalTemporary (a redeploy-elsewhere, not a deletion) leaves it
// untouched.
func (d *localDeployer) Undeploy(ctx context.Context, id clusterid.StackID, mode scheduler.RemovalMode) error {
	d.mu.Lock()
	v, ok := d.hosted[id]
	delete(d.hosted, id)
	d.mu.Unlock()

	if mode != scheduler.RemovalPermanent || d.storage == nil || !ok {
		return nil
	}
	for _, svc := range v.Services {
		if svc.Storage == nil {
			continue
		}
		if err := d.storage.DeleteStorage(ctx, id, svc.Storage.Name); err != nil {
			return err
		}
	}
	return nil
}

// DeployedStacks returns a snapshot of locally-hosted stack ids, the shape
// internal/membership.New's deployedStacksFn parameter expects.
func (d *localDeployer) DeployedStacks() map[clusterid.StackID]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[clusterid.StackID]struct{}, len(d.hosted))
	for id := range d.hosted {
		out[id] = struct{}{}
	}
	return out
}

// Count returns the number of locally-hosted stacks, for metrics.Sources.
func (d *localDeployer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hosted)
}

var _ scheduler.Deployer = (*localDeployer)(nil)

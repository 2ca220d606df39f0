// Package scheduler owns the per-stack deployment state machine: it decides
// which live node should host each known stack, by XOR distance between
// stack id and node hash, and drives deploy/undeploy on the local node.
package scheduler

import (
	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/stack"
)

// RemovalMode distinguishes a pause from a deletion, per the watcher
// contract.
type RemovalMode int

const (
	RemovalTemporary RemovalMode = iota
	RemovalPermanent
)

// hashSet is a small set of node hashes, used throughout the state machine.
type hashSet map[clusterid.NodeHash]struct{}

func newHashSet(hashes ...clusterid.NodeHash) hashSet {
	s := make(hashSet, len(hashes))
	for _, h := range hashes {
		s[h] = struct{}{}
	}
	return s
}

func (s hashSet) clone() hashSet {
	out := make(hashSet, len(s))
	for h := range s {
		out[h] = struct{}{}
	}
	return out
}

func (s hashSet) remove(h clusterid.NodeHash) { delete(s, h) }
func (s hashSet) slice() []clusterid.NodeHash {
	out := make([]clusterid.NodeHash, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	return out
}

// StackState is a closed sum type: exactly one of the concrete types
// below. It is implemented as a Go interface with an unexported marker
// method, switched on with a type switch in the tick loop.
type StackState interface {
	isStackState()
	revision() uint64
}

// Unknown: heard about via heartbeats, definition not yet seen.
type Unknown struct {
	DeployedTo hashSet
}

// Undeployed: definition known, not scheduled anywhere.
type Undeployed struct {
	Stack stack.Validated
}

// HasDeploymentCandidate: a remote node is currently closest.
type HasDeploymentCandidate struct {
	Stack     stack.Validated
	Candidate clusterid.NodeHash
}

// DeployedToSelf: this node currently hosts the stack.
type DeployedToSelf struct {
	Stack            stack.Validated
	DeployedToOthers hashSet
}

// DeployedToSelfWithPendingUpdate: hosted locally, but a newer revision has
// arrived and is waiting for the next tick to redeploy.
type DeployedToSelfWithPendingUpdate struct {
	NewStack         stack.Validated
	DeployedToOthers hashSet
}

// DeployedToOthers: some other live node hosts the stack.
type DeployedToOthers struct {
	Stack      stack.Validated
	DeployedTo hashSet
}

func (Unknown) isStackState()                         {}
func (Undeployed) isStackState()                      {}
func (HasDeploymentCandidate) isStackState()          {}
func (DeployedToSelf) isStackState()                  {}
func (DeployedToSelfWithPendingUpdate) isStackState() {}
func (DeployedToOthers) isStackState()                {}

func (s Unknown) revision() uint64                         { return 0 }
func (s Undeployed) revision() uint64                      { return s.Stack.Revision }
func (s HasDeploymentCandidate) revision() uint64          { return s.Stack.Revision }
func (s DeployedToSelf) revision() uint64                  { return s.Stack.Revision }
func (s DeployedToSelfWithPendingUpdate) revision() uint64 { return s.NewStack.Revision }
func (s DeployedToOthers) revision() uint64                { return s.Stack.Revision }

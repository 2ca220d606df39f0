package scheduler

import (
	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// owner returns the live node hash (which may be myHash) that minimizes XOR
// distance to stackID among myHash and every hash in liveOthers. Ties are
// broken by the smaller node hash so every node computes the same winner.
func owner(stackID clusterid.StackID, myHash clusterid.NodeHash, liveOthers hashSet) clusterid.NodeHash {
	best := myHash
	bestDist := clusterid.Distance(stackID, myHash)

	for h := range liveOthers {
		d := clusterid.Distance(stackID, h)
		switch d.Cmp(bestDist) {
		case -1:
			best, bestDist = h, d
		case 0:
			if h.Less(best) {
				best, bestDist = h, d
			}
		}
	}
	return best
}

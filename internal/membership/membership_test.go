package membership

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/kv"
)

func newTestAddress(t *testing.T, port uint16) clusterid.NodeAddress {
	t.Helper()
	gen, err := clusterid.NewGeneration()
	if err != nil {
		t.Fatalf("NewGeneration: %v", err)
	}
	return clusterid.NodeAddress{IP: net.ParseIP("127.0.0.1"), Port: port, Generation: gen}
}

func drainEvents(s *Service) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTwoNodesConverge(t *testing.T) {
	store := kv.NewMemClient()
	ctx := context.Background()

	a := New(store, Config{Self: newTestAddress(t, 4001), RegionID: "r1", UpdateInterval: time.Millisecond}, nil)
	b := New(store, Config{Self: newTestAddress(t, 4002), RegionID: "r1", UpdateInterval: time.Millisecond}, nil)

	if err := a.tick(ctx); err != nil {
		t.Fatalf("a.tick: %v", err)
	}
	if err := b.tick(ctx); err != nil {
		t.Fatalf("b.tick: %v", err)
	}
	// Second round so each has observed the other's first write.
	if err := a.tick(ctx); err != nil {
		t.Fatalf("a.tick: %v", err)
	}
	if err := b.tick(ctx); err != nil {
		t.Fatalf("b.tick: %v", err)
	}

	aLive := a.LiveHashes()
	bLive := b.LiveHashes()

	if _, ok := aLive[b.cfg.Self.Hash()]; !ok {
		t.Fatalf("node A does not see node B as live")
	}
	if _, ok := bLive[a.cfg.Self.Hash()]; !ok {
		t.Fatalf("node B does not see node A as live")
	}
}

func TestDifferentRegionIgnored(t *testing.T) {
	store := kv.NewMemClient()
	ctx := context.Background()

	a := New(store, Config{Self: newTestAddress(t, 4001), RegionID: "r1", UpdateInterval: time.Millisecond}, nil)
	b := New(store, Config{Self: newTestAddress(t, 4002), RegionID: "r2", UpdateInterval: time.Millisecond}, nil)

	_ = a.tick(ctx)
	_ = b.tick(ctx)
	_ = a.tick(ctx)

	if _, ok := a.LiveHashes()[b.cfg.Self.Hash()]; ok {
		t.Fatalf("node A should not see node B: different region")
	}
}

func TestNodeDiscoveredEventEmitted(t *testing.T) {
	store := kv.NewMemClient()
	ctx := context.Background()

	a := New(store, Config{Self: newTestAddress(t, 4001), RegionID: "r1", UpdateInterval: time.Millisecond}, nil)
	b := New(store, Config{Self: newTestAddress(t, 4002), RegionID: "r1", UpdateInterval: time.Millisecond}, nil)

	_ = b.tick(ctx)
	_ = a.tick(ctx)

	events := drainEvents(a)
	found := false
	for _, ev := range events {
		if ev.Kind == NodeDiscovered && ev.Hash == b.cfg.Self.Hash() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected NodeDiscovered event for B, got %+v", events)
	}
}

func TestMissingFromDBEmitsNodeDied(t *testing.T) {
	store := kv.NewMemClient()
	ctx := context.Background()

	a := New(store, Config{Self: newTestAddress(t, 4001), RegionID: "r1", UpdateInterval: time.Millisecond}, nil)
	b := New(store, Config{Self: newTestAddress(t, 4002), RegionID: "r1", UpdateInterval: time.Millisecond}, nil)

	_ = b.tick(ctx)
	_ = a.tick(ctx)
	drainEvents(a)

	// Remove B's row entirely (simulating the row vanishing) and re-tick A.
	key := addressKey(b.cfg.Self)
	if err := store.RawDelete(ctx, key, false); err != nil {
		t.Fatalf("RawDelete: %v", err)
	}
	_ = a.tick(ctx)

	events := drainEvents(a)
	found := false
	for _, ev := range events {
		if ev.Kind == NodeDied && ev.DeadReason == DeadReasonMissingFromDB {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected NodeDied(MissingFromDb) event, got %+v", events)
	}
}

package dht

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestBucketRefresher_RefreshesOnlyStaleBuckets(t *testing.T) {
	local := RandomNodeID()
	table := NewRoutingTable(local, 8, -time.Second) // every touched bucket is immediately stale

	fresh := newRoutingTableNodeAt(local, 30)
	table.Insert(fresh)

	var mu sync.Mutex
	var targets []NodeID

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := newBucketRefresher(logger, table, time.Hour, func(target NodeID) []*Node {
		mu.Lock()
		targets = append(targets, target)
		mu.Unlock()
		return nil
	})

	r.refreshStale()

	mu.Lock()
	defer mu.Unlock()
	if len(targets) != 1 {
		t.Fatalf("expected exactly one stale bucket refreshed, got %d", len(targets))
	}
	if got := bucketIndex(local, targets[0]); got != 30 {
		t.Fatalf("refreshed bucket = %d, want 30", got)
	}
}

func TestBucketRefresher_EmptyTableRefreshesNothing(t *testing.T) {
	local := RandomNodeID()
	table := NewRoutingTable(local, 8, -time.Second)

	called := false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := newBucketRefresher(logger, table, time.Hour, func(target NodeID) []*Node {
		called = true
		return nil
	})

	r.refreshStale()
	if called {
		t.Fatalf("an empty table has no stale buckets to refresh")
	}
}

func TestBucketRefresher_StartStop(t *testing.T) {
	local := RandomNodeID()
	table := NewRoutingTable(local, 8, -time.Second)
	table.Insert(newRoutingTableNodeAt(local, 5))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := make(chan struct{}, 8)
	r := newBucketRefresher(logger, table, 10*time.Millisecond, func(target NodeID) []*Node {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	})

	r.Start()
	defer r.Stop()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("refresher never ticked")
	}
}

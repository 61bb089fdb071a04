package dht

import (
	"net"
	"testing"
	"time"
)

func testLookupConfig() lookupConfig {
	return lookupConfig{
		alpha:           3,
		k:               8,
		iterationCap:    defaultIterationCap,
		totalQueriedCap: defaultTotalQueriedCap,
		queryTimeout:    time.Second,
	}
}

func seedTable(t *testing.T, local NodeID, n int) *RoutingTable {
	t.Helper()
	table := NewRoutingTable(local, 16, time.Hour)
	for i := 0; i < n; i++ {
		node := NewNode(RandomNodeID(), Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 6881 + i})
		table.Insert(node)
	}
	return table
}

func TestLookup_FindNodeTerminatesAndReturnsRespondedCandidates(t *testing.T) {
	local := RandomNodeID()
	table := seedTable(t, local, 20)
	target := RandomNodeID()

	l := newLookup(testLookupConfig(), target, table, false)
	l.sendFindNode = func(dest Endpoint, onResult func(nodes []*Node, err error)) {
		// Every queried node responds with no further nodes, so the
		// lookup should converge after exhausting the seeded candidates.
		onResult(nil, nil)
	}

	result := l.run()
	if len(result.closest) == 0 {
		t.Fatalf("expected at least one responded candidate")
	}
	for i := 1; i < len(result.closest); i++ {
		if CompareDistance(target, result.closest[i-1].node.ID, result.closest[i].node.ID) > 0 {
			t.Fatalf("closest results are not sorted by distance at index %d", i)
		}
	}
}

func TestLookup_FindNodeConvergesOverSyntheticRing(t *testing.T) {
	local := RandomNodeID()
	table := seedTable(t, local, 10)
	target := RandomNodeID()

	// Generate a pool of synthetic nodes the "network" can hand back as
	// find_node results, simulating a larger ring than what's seeded.
	ring := make([]*Node, 0, 50)
	for i := 0; i < 50; i++ {
		ring = append(ring, NewNode(RandomNodeID(), Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 20000 + i}))
	}

	l := newLookup(testLookupConfig(), target, table, false)
	calls := 0
	l.sendFindNode = func(dest Endpoint, onResult func(nodes []*Node, err error)) {
		calls++
		// Hand back a handful of ring nodes closer to target each time,
		// so the lookup has fresh candidates to chase for a few rounds.
		start := (calls * 3) % len(ring)
		end := start + 3
		if end > len(ring) {
			end = len(ring)
		}
		onResult(ring[start:end], nil)
	}

	result := l.run()
	if len(result.closest) == 0 {
		t.Fatalf("expected the lookup to converge with responded candidates")
	}
	if calls == 0 {
		t.Fatalf("expected sendFindNode to be invoked at least once")
	}
}

func TestLookup_FailedQueriesMarkNodeFailedAndDoNotBlockConvergence(t *testing.T) {
	local := RandomNodeID()
	table := seedTable(t, local, 5)
	target := RandomNodeID()

	l := newLookup(testLookupConfig(), target, table, false)
	l.sendFindNode = func(dest Endpoint, onResult func(nodes []*Node, err error)) {
		onResult(nil, errQueryTimeout)
	}

	result := l.run()
	if len(result.closest) != 0 {
		t.Fatalf("a lookup where every query fails should return no responded candidates, got %d", len(result.closest))
	}
}

func TestLookup_GetPeersCollectsPeersAndTokens(t *testing.T) {
	local := RandomNodeID()
	table := seedTable(t, local, 5)
	target := RandomNodeID()
	wantPeer := Endpoint{IP: net.ParseIP("198.51.100.1"), Port: 51413}

	l := newLookup(testLookupConfig(), target, table, true)
	l.sendGetPeers = func(dest Endpoint, onResult func(nodes []*Node, peers []Endpoint, token string, err error)) {
		onResult(nil, []Endpoint{wantPeer}, "tok123", nil)
	}

	result := l.run()
	if len(result.peers) != 1 || result.peers[0].String() != wantPeer.String() {
		t.Fatalf("result.peers = %v, want [%v]", result.peers, wantPeer)
	}
	for _, c := range result.closest {
		if c.token != "tok123" {
			t.Fatalf("responded candidate missing its token: %+v", c)
		}
	}
}

func TestLookup_TotalQueriedCapBoundsWork(t *testing.T) {
	local := RandomNodeID()
	table := seedTable(t, local, 200)
	target := RandomNodeID()

	cfg := testLookupConfig()
	cfg.totalQueriedCap = 10
	cfg.iterationCap = 50

	l := newLookup(cfg, target, table, false)
	queried := 0
	l.sendFindNode = func(dest Endpoint, onResult func(nodes []*Node, err error)) {
		queried++
		// Keep handing back fresh candidates so the lookup would run
		// forever without the total-queried cap.
		onResult([]*Node{NewNode(RandomNodeID(), Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 7000 + queried})}, nil)
	}

	l.run()
	if queried > cfg.totalQueriedCap {
		t.Fatalf("queried %d nodes, want at most totalQueriedCap=%d", queried, cfg.totalQueriedCap)
	}
}

func TestLookup_DuplicateCandidateIsNotReQueried(t *testing.T) {
	local := RandomNodeID()
	table := NewRoutingTable(local, 16, time.Hour)
	target := RandomNodeID()

	dup := NewNode(RandomNodeID(), Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 6881})
	table.Insert(dup)

	l := newLookup(testLookupConfig(), target, table, false)
	l.sendFindNode = func(dest Endpoint, onResult func(nodes []*Node, err error)) {
		onResult([]*Node{dup}, nil) // keeps handing back the same node
	}

	l.run()
	if count := len(l.candidates); count != 1 {
		t.Fatalf("expected exactly one deduped candidate, got %d", count)
	}
}

func TestLookup_EmptySeedSetReturnsEmptyResult(t *testing.T) {
	local := RandomNodeID()
	table := NewRoutingTable(local, 16, time.Hour)
	target := RandomNodeID()

	l := newLookup(testLookupConfig(), target, table, false)
	l.sendFindNode = func(dest Endpoint, onResult func(nodes []*Node, err error)) {
		t.Fatalf("sendFindNode should never be called with no seeded candidates")
	}

	result := l.run()
	if len(result.closest) != 0 || len(result.peers) != 0 {
		t.Fatalf("expected an empty result, got %+v", result)
	}
}

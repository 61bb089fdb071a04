package dht

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testVerifierLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNodeVerifier_SuccessfulPingAdmitsToTable(t *testing.T) {
	local := RandomNodeID()
	table := NewRoutingTable(local, 8, time.Hour)

	v := newNodeVerifier(testVerifierLogger(), table, time.Millisecond, func(node *Node, onOK func(), onFail func()) {
		onOK()
	})
	v.Start()
	defer v.Stop()

	target := NewNode(RandomNodeID(), Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 6881})
	v.Enqueue(target)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if table.Get(target.ID) != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node was never admitted to the table after a successful verify")
}

func TestNodeVerifier_FailedPingNeverAdmits(t *testing.T) {
	local := RandomNodeID()
	table := NewRoutingTable(local, 8, time.Hour)

	failed := make(chan struct{})
	v := newNodeVerifier(testVerifierLogger(), table, time.Millisecond, func(node *Node, onOK func(), onFail func()) {
		onFail()
		close(failed)
	})
	v.Start()
	defer v.Stop()

	target := NewNode(RandomNodeID(), Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 6881})
	v.Enqueue(target)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatalf("verify send was never invoked")
	}

	time.Sleep(20 * time.Millisecond)
	if table.Get(target.ID) != nil {
		t.Fatalf("a node that failed verification must never be admitted")
	}
}

func TestNodeVerifier_QuestionableLRUKeptOnResponse(t *testing.T) {
	local := RandomNodeID()
	kSize := 2
	table := NewRoutingTable(local, kSize, time.Hour)

	// Fill the candidate's bucket with questionable (never-pinged) nodes
	// via the table directly, bypassing the verifier.
	var incumbent *Node
	for i := 0; i < kSize; i++ {
		n := newRoutingTableNodeAt(local, 50)
		if i == 0 {
			incumbent = n
		}
		table.Insert(n)
	}

	candidate := newRoutingTableNodeAt(local, 50)

	pinged := make(chan NodeID, 2)
	v := newNodeVerifier(testVerifierLogger(), table, 0, func(node *Node, onOK func(), onFail func()) {
		pinged <- node.ID
		onOK() // every ping in this test succeeds, including the LRU re-ping
	})
	v.Start()
	defer v.Stop()

	v.Enqueue(candidate)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(pinged) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if table.Get(candidate.ID) != nil {
		t.Fatalf("candidate must not be admitted when the incumbent LRU responds")
	}
	if table.Get(incumbent.ID) == nil {
		t.Fatalf("incumbent LRU must remain in the table after responding to its re-ping")
	}
}

func TestNodeVerifier_QuestionableLRUEvictedOnTimeout(t *testing.T) {
	local := RandomNodeID()
	kSize := 2
	table := NewRoutingTable(local, kSize, time.Hour)

	var incumbent *Node
	for i := 0; i < kSize; i++ {
		n := newRoutingTableNodeAt(local, 50)
		if i == 0 {
			incumbent = n
		}
		table.Insert(n)
	}

	candidate := newRoutingTableNodeAt(local, 50)

	v := newNodeVerifier(testVerifierLogger(), table, 0, func(node *Node, onOK func(), onFail func()) {
		if node.ID == candidate.ID {
			onOK()
			return
		}
		// the incumbent LRU never responds to its re-ping
		onFail()
	})
	v.Start()
	defer v.Stop()

	v.Enqueue(candidate)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if table.Get(candidate.ID) != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if table.Get(candidate.ID) == nil {
		t.Fatalf("candidate should be admitted once the incumbent LRU fails its re-ping")
	}
	if table.Get(incumbent.ID) != nil {
		t.Fatalf("incumbent LRU should have been evicted after failing its re-ping")
	}
}

func TestNodeVerifier_SkipsNodeAlreadyInTable(t *testing.T) {
	local := RandomNodeID()
	table := NewRoutingTable(local, 8, time.Hour)

	called := false
	v := newNodeVerifier(testVerifierLogger(), table, 0, func(node *Node, onOK func(), onFail func()) {
		called = true
		onOK()
	})

	existing := NewNode(RandomNodeID(), Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 6881})
	table.Insert(existing)

	v.Start()
	defer v.Stop()
	v.Enqueue(existing)

	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("Enqueue should skip a node already present in the table")
	}
}

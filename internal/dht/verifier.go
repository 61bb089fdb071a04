package dht

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prxssh/dhtcrawler/pkg/syncmap"
)

// verifyQueueCap bounds the verifier's FIFO; Enqueue rejects once full
// rather than growing without limit.
const verifyQueueCap = 4096

// recentlyVerifiedTTL suppresses re-pinging a node we already confirmed
// live within this window.
const recentlyVerifiedTTL = time.Hour

type verifyRequest struct {
	node    *Node
	readyAt time.Time
}

// nodeVerifier is the deferred ping-then-admit pipeline for newly learned
// nodes (from lookup and ping responses, and from the senders of inbound
// queries).
// Nodes never enter the routing table directly; they wait a short settle
// delay, get pinged, and are admitted only on a genuine response.
type nodeVerifier struct {
	logger  *slog.Logger
	table   *RoutingTable
	send    func(node *Node, onOK func(), onFail func())
	settle  time.Duration

	queue chan verifyRequest
	seen  *syncmap.Map[NodeID, time.Time]

	done chan struct{}
	wg   sync.WaitGroup
}

func newNodeVerifier(
	logger *slog.Logger,
	table *RoutingTable,
	settle time.Duration,
	send func(node *Node, onOK func(), onFail func()),
) *nodeVerifier {
	return &nodeVerifier{
		logger: logger,
		table:  table,
		send:   send,
		settle: settle,
		queue:  make(chan verifyRequest, verifyQueueCap),
		seen:   syncmap.New[NodeID, time.Time](),
		done:   make(chan struct{}),
	}
}

func (v *nodeVerifier) Start() {
	v.wg.Add(1)
	go v.worker()
}

func (v *nodeVerifier) Stop() {
	close(v.done)
	v.wg.Wait()
}

// Enqueue submits node for settle-then-ping verification. It is a no-op if
// node is already in the table, was verified recently, or the queue is full.
func (v *nodeVerifier) Enqueue(node *Node) {
	if v.table.Get(node.ID) != nil {
		return
	}
	if last, ok := v.seen.Get(node.ID); ok && time.Since(last) < recentlyVerifiedTTL {
		return
	}

	select {
	case v.queue <- verifyRequest{node: node, readyAt: time.Now().Add(v.settle)}:
	default:
		v.logger.Debug("verify queue full, dropping candidate", "node", node.ID)
	}
}

func (v *nodeVerifier) worker() {
	defer v.wg.Done()

	for {
		select {
		case <-v.done:
			return
		case req := <-v.queue:
			v.waitUntil(req.readyAt)
			v.verify(req.node)
		}
	}
}

func (v *nodeVerifier) waitUntil(t time.Time) {
	d := time.Until(t)
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-v.done:
	}
}

func (v *nodeVerifier) verify(node *Node) {
	v.send(node,
		func() {
			node.MarkSeen()
			v.seen.Put(node.ID, time.Now())
			v.admit(node)
		},
		func() {
			// dropped: no response within the query timeout
		},
	)
}

// admit inserts a verified node into the routing table. If its bucket is
// full and blocked by a merely questionable LRU entry (not yet bad), BEP-5
// calls for pinging that LRU entry before evicting it: a response keeps the
// incumbent and drops node, a timeout evicts the incumbent and admits node.
func (v *nodeVerifier) admit(node *Node) {
	lru, inserted := v.table.InsertOrReplace(node)
	if inserted || lru == nil {
		return
	}

	v.send(lru,
		func() {
			lru.MarkSeen()
		},
		func() {
			v.table.Remove(lru.ID)
			v.table.Insert(node)
		},
	)
}

package dht

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default tunables for the iterative lookup state machines: iterationCap
// and totalQueriedCap bound worst-case lookup duration against adversarial
// or silent peers. alpha and the per-query timeout come from cfg instead,
// since those are user-configurable (Config.Alpha, Config.TransactionTimeout).
const (
	defaultIterationCap    = 10
	defaultTotalQueriedCap = 100
)

// lookupConfig carries the knobs a lookup needs from the owning DHT node.
type lookupConfig struct {
	alpha           int
	k               int
	iterationCap    int
	totalQueriedCap int
	queryTimeout    time.Duration
}

// candidate is one node under consideration by a lookup: seeded from the
// routing table or learned from a response, queried at most once.
type candidate struct {
	node       *Node
	queried    bool
	responded  bool
	token      string
}

// lookup is the shared iterative-convergence engine behind both find_node
// and get_peers. A lookup's candidate list is mutated only from the
// goroutine running Run, serializing all state transitions for that lookup
// without needing a lock held across network I/O.
type lookup struct {
	cfg     lookupConfig
	target  NodeID
	table   *RoutingTable
	sendFindNode func(dest Endpoint, onResult func(nodes []*Node, err error))
	sendGetPeers func(dest Endpoint, onResult func(nodes []*Node, peers []Endpoint, token string, err error))
	isPeerLookup bool

	mu           sync.Mutex
	candidates   []*candidate
	byID         map[NodeID]*candidate
	totalQueried int
	peers        map[string]Endpoint
}

func newLookup(cfg lookupConfig, target NodeID, table *RoutingTable, isPeerLookup bool) *lookup {
	return &lookup{
		cfg:          cfg,
		target:       target,
		table:        table,
		isPeerLookup: isPeerLookup,
		byID:         make(map[NodeID]*candidate),
		peers:        make(map[string]Endpoint),
	}
}

// lookupResult is what a completed lookup yields: the K closest responded
// nodes (XOR-sorted) and, for a peer lookup, the accumulated peer set and
// the token collected from each responding node.
type lookupResult struct {
	closest []*candidate
	peers   []Endpoint
}

// run drives the lookup to completion: seed from the routing table, then
// repeatedly query up to alpha unqueried candidates nearest the target until
// the top-K have all responded or been queried, or either cap is hit.
func (l *lookup) run() *lookupResult {
	seeds := l.table.Closest(l.target, l.cfg.k)
	l.mu.Lock()
	for _, n := range seeds {
		l.addCandidateLocked(n)
	}
	l.mu.Unlock()

	for iteration := 0; iteration < l.cfg.iterationCap; iteration++ {
		batch := l.nextBatch()
		if len(batch) == 0 {
			break
		}

		var g errgroup.Group
		for _, c := range batch {
			c := c
			g.Go(func() error {
				l.queryOne(c)
				return nil
			})
		}
		g.Wait()

		if l.isComplete() {
			break
		}
	}

	return l.buildResult()
}

// nextBatch selects up to alpha unqueried candidates nearest the target,
// marking them queried so concurrent callers never double-send. Returns nil
// once the total-queried cap is hit or no unqueried candidates remain.
func (l *lookup) nextBatch() []*candidate {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.totalQueried >= l.cfg.totalQueriedCap {
		return nil
	}

	var batch []*candidate
	for _, c := range l.candidates {
		if len(batch) >= l.cfg.alpha || l.totalQueried+len(batch) >= l.cfg.totalQueriedCap {
			break
		}
		if !c.queried {
			c.queried = true
			batch = append(batch, c)
		}
	}
	l.totalQueried += len(batch)
	return batch
}

func (l *lookup) queryOne(c *candidate) {
	dest := c.node.Endpoint

	if l.isPeerLookup {
		done := make(chan struct{})
		l.sendGetPeers(dest, func(nodes []*Node, peers []Endpoint, token string, err error) {
			defer close(done)
			l.handleResult(c, nodes, peers, token, err)
		})
		<-done
		return
	}

	done := make(chan struct{})
	l.sendFindNode(dest, func(nodes []*Node, err error) {
		defer close(done)
		l.handleResult(c, nodes, nil, "", err)
	})
	<-done
}

func (l *lookup) handleResult(c *candidate, nodes []*Node, peers []Endpoint, token string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		c.node.MarkFailed()
		return
	}

	c.node.MarkSeen()
	c.responded = true
	c.token = token

	for _, p := range peers {
		l.peers[p.String()] = p
	}
	for _, n := range nodes {
		l.addCandidateLocked(n)
	}
}

func (l *lookup) addCandidateLocked(n *Node) {
	if _, exists := l.byID[n.ID]; exists {
		return
	}

	c := &candidate{node: n}
	l.byID[n.ID] = c
	l.candidates = append(l.candidates, c)

	sort.Slice(l.candidates, func(i, j int) bool {
		return CompareDistance(l.target, l.candidates[i].node.ID, l.candidates[j].node.ID) < 0
	})
}

// isComplete reports whether the K closest known candidates have each
// either responded or been queried without response.
func (l *lookup) isComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.cfg.k
	if limit > len(l.candidates) {
		limit = len(l.candidates)
	}

	for i := 0; i < limit; i++ {
		c := l.candidates[i]
		if !c.queried {
			return false
		}
	}
	return true
}

func (l *lookup) buildResult() *lookupResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var closest []*candidate
	for _, c := range l.candidates {
		if c.responded {
			closest = append(closest, c)
		}
		if len(closest) >= l.cfg.k {
			break
		}
	}

	peers := make([]Endpoint, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}

	return &lookupResult{closest: closest, peers: peers}
}

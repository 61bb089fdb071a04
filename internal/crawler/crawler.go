// Package crawler runs a background discovery loop on top of a DHT node:
// it walks the network for nodes, tracks a live info-hash set, and serves
// peer lookups for a caller-maintained set of monitored torrents.
package crawler

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prxssh/dhtcrawler/internal/dht"
	"github.com/prxssh/dhtcrawler/internal/eventbus"
)

// Config is the crawler's own tunables, distinct from the DHT node's.
type Config struct {
	Logger *slog.Logger

	ParallelCrawls  int
	RefreshInterval time.Duration
	MaxNodes        int
	MaxInfoHashes   int

	MaxConcurrentLookups int
	MaxRandomLookups     int
	FollowUpDelay        time.Duration
}

// DefaultConfig mirrors the values spec.md names for the crawler loop.
func DefaultConfig() Config {
	return Config{
		ParallelCrawls:       10,
		RefreshInterval:      60 * time.Second,
		MaxNodes:             100000,
		MaxInfoHashes:        50000,
		MaxConcurrentLookups: 5,
		MaxRandomLookups:     2,
		FollowUpDelay:        5 * time.Second,
	}
}

// Statistics is a point-in-time snapshot of the crawler's counters.
type Statistics struct {
	NodesDiscovered      int
	NodesResponded       int
	InfoHashesDiscovered int
	PeersDiscovered      int
	QueriesSent          int
	ResponsesReceived    int
	ErrorsReceived       int
	Timeouts             int
	StartTime            time.Time
}

type nodeEntry struct {
	id      string
	addr    string
	firstAt time.Time
}

type infoHashEntry struct {
	hash     dht.InfoHash
	peers    map[string]dht.Endpoint
	firstAt  time.Time
	monitored bool
}

// Crawler owns a discovered-node table and an info-hash set layered over a
// *dht.DhtNode. The node itself has no notion of "crawling"; this package is
// the only thing that calls FindNode/GetPeers speculatively rather than on
// behalf of an application request.
type Crawler struct {
	logger *slog.Logger
	node   *dht.DhtNode
	cfg    Config

	mu         sync.Mutex
	nodes      map[string]*nodeEntry
	nodeOrder  []string
	hashes     map[string]*infoHashEntry
	hashOrder  []string
	monitored  map[string]struct{}

	stats Statistics

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Crawler over node. Subscribes to node's event bus to keep
// wire-level counters without parsing traffic itself: QueriesSent counts
// MessageSent events, ResponsesReceived and ErrorsReceived count inbound
// "r" and "e" MessageReceived events. Timeouts is not counted.
func New(logger *slog.Logger, node *dht.DhtNode, bus *eventbus.Bus, cfg Config) *Crawler {
	c := &Crawler{
		logger:    logger,
		node:      node,
		cfg:       cfg,
		nodes:     make(map[string]*nodeEntry),
		hashes:    make(map[string]*infoHashEntry),
		monitored: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	c.stats.StartTime = time.Now()

	if bus != nil {
		c.subscribe(bus)
	}

	return c
}

func (c *Crawler) subscribe(bus *eventbus.Bus) {
	events, unsubscribe := bus.Subscribe()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-c.done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.observe(ev)
			}
		}
	}()
}

func (c *Crawler) observe(ev eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case eventbus.MessageSent:
		c.stats.QueriesSent++
	case eventbus.MessageReceived:
		switch e.Type {
		case "r":
			c.stats.ResponsesReceived++
		case "e":
			c.stats.ErrorsReceived++
		}
	}
}

// Start launches the periodic discovery loop.
func (c *Crawler) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the discovery loop and the event subscription.
func (c *Crawler) Stop() {
	close(c.done)
	c.wg.Wait()
}

// Monitor adds hash to the set of info-hashes actively peer-looked-up every
// iteration. Monitored hashes are exempt from pruning.
func (c *Crawler) Monitor(hash dht.InfoHash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hash.String()
	c.monitored[key] = struct{}{}
	if entry, ok := c.hashes[key]; ok {
		entry.monitored = true
	} else {
		c.hashes[key] = &infoHashEntry{hash: hash, peers: make(map[string]dht.Endpoint), firstAt: time.Now(), monitored: true}
		c.hashOrder = append(c.hashOrder, key)
	}
}

// Unmonitor removes hash from the monitored set; it remains tracked as a
// regular discovered info-hash subject to pruning.
func (c *Crawler) Unmonitor(hash dht.InfoHash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hash.String()
	delete(c.monitored, key)
	if entry, ok := c.hashes[key]; ok {
		entry.monitored = false
	}
}

// Snapshot returns a copy of the crawler's current statistics.
func (c *Crawler) Snapshot() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Crawler) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.iterate()
		}
	}
}

func (c *Crawler) iterate() {
	c.discoverNodes()
	c.monitorInfoHashes()
	c.opportunisticDiscovery()
	c.prune()
}

// discoverNodes finds-node toward a bounded random subset of already-known
// nodes' own ids, plus a few freshly random ids, to keep pulling in new
// parts of the network.
func (c *Crawler) discoverNodes() {
	targets := make([]dht.NodeID, 0, c.cfg.ParallelCrawls)

	known := c.randomKnownIDs(c.cfg.ParallelCrawls)
	targets = append(targets, known...)

	for len(targets) < c.cfg.ParallelCrawls {
		targets = append(targets, dht.RandomNodeID())
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			nodes, err := c.node.FindNode(target)
			if err != nil {
				return
			}
			c.recordNodes(nodes)
		}()
	}
	wg.Wait()
}

func (c *Crawler) randomKnownIDs(n int) []dht.NodeID {
	all, err := c.node.FindNode(dht.RandomNodeID())
	if err != nil || len(all) == 0 {
		return nil
	}

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	out := make([]dht.NodeID, 0, n)
	for i := 0; i < len(all) && i < n; i++ {
		out = append(out, all[i].ID)
	}
	return out
}

func (c *Crawler) recordNodes(nodes []*dht.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range nodes {
		key := n.ID.String()
		if _, exists := c.nodes[key]; exists {
			continue
		}
		c.nodes[key] = &nodeEntry{id: key, addr: n.Endpoint.String(), firstAt: time.Now()}
		c.nodeOrder = append(c.nodeOrder, key)
		c.stats.NodesDiscovered++
	}
	c.stats.NodesResponded += len(nodes)
}

// monitorInfoHashes runs a peer lookup for up to MaxConcurrentLookups
// monitored hashes, scheduling a one-shot follow-up if the first pass found
// any peers.
func (c *Crawler) monitorInfoHashes() {
	targets := c.monitoredSample(c.cfg.MaxConcurrentLookups)

	var wg sync.WaitGroup
	for _, hash := range targets {
		hash := hash
		wg.Add(1)
		go func() {
			defer wg.Done()
			found := c.lookupPeers(hash)
			if found > 0 {
				c.scheduleFollowUp(hash)
			}
		}()
	}
	wg.Wait()
}

func (c *Crawler) monitoredSample(n int) []dht.InfoHash {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]dht.InfoHash, 0, n)
	for key := range c.monitored {
		if len(out) >= n {
			break
		}
		if entry, ok := c.hashes[key]; ok {
			out = append(out, entry.hash)
		}
	}
	return out
}

func (c *Crawler) scheduleFollowUp(hash dht.InfoHash) {
	time.AfterFunc(c.cfg.FollowUpDelay, func() {
		select {
		case <-c.done:
		default:
			c.lookupPeers(hash)
		}
	})
}

// opportunisticDiscovery peer-looks-up a few freshly random info hashes;
// any that return peers are recorded as live, unmonitored info-hashes.
func (c *Crawler) opportunisticDiscovery() {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.MaxRandomLookups; i++ {
		hash := dht.InfoHash(dht.RandomNodeID())

		wg.Add(1)
		go func(hash dht.InfoHash) {
			defer wg.Done()
			c.lookupPeers(hash)
		}(hash)
	}
	wg.Wait()
}

func (c *Crawler) lookupPeers(hash dht.InfoHash) int {
	result, err := c.node.GetPeers(hash)
	if err != nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := hash.String()
	entry, exists := c.hashes[key]
	if !exists {
		if len(result.Peers) == 0 {
			return 0
		}
		entry = &infoHashEntry{hash: hash, peers: make(map[string]dht.Endpoint), firstAt: time.Now()}
		c.hashes[key] = entry
		c.hashOrder = append(c.hashOrder, key)
		c.stats.InfoHashesDiscovered++
	}

	added := 0
	for _, p := range result.Peers {
		pkey := p.String()
		if _, ok := entry.peers[pkey]; !ok {
			entry.peers[pkey] = p
			added++
			c.stats.PeersDiscovered++
		}
	}
	return added
}

// prune evicts oldest discovered nodes over MaxNodes and oldest discovered
// (non-monitored) info-hashes over MaxInfoHashes.
func (c *Crawler) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.nodeOrder) > c.cfg.MaxNodes {
		oldest := c.nodeOrder[0]
		c.nodeOrder = c.nodeOrder[1:]
		delete(c.nodes, oldest)
	}

	if len(c.hashOrder) <= c.cfg.MaxInfoHashes {
		return
	}

	excess := len(c.hashOrder) - c.cfg.MaxInfoHashes
	kept := make([]string, 0, len(c.hashOrder))
	for _, key := range c.hashOrder {
		entry, ok := c.hashes[key]
		if !ok {
			excess--
			continue
		}
		if entry.monitored || excess <= 0 {
			kept = append(kept, key)
			continue
		}
		delete(c.hashes, key)
		excess--
	}
	c.hashOrder = kept
}

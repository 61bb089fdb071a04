package dht

import (
	"sort"
	"sync"
	"time"
)

// RoutingTable is the full set of k-buckets for one local node. Bucket i
// holds nodes whose first differing bit from localID is at position i; see
// bucketIndex. The source's dynamic split-on-demand behaviour is elided in
// favour of the fixed 160-bucket array every mainline implementation
// actually ships: since bucketIndex already maps each remote id to exactly
// the bucket a splitting tree would eventually isolate it into, a static
// array is behaviorally equivalent for a single stationary local id and
// avoids the extra split bookkeeping.
type RoutingTable struct {
	localID   NodeID
	kSize     int
	staleness time.Duration

	mu      sync.RWMutex
	buckets [NumBuckets]*kBucket
}

func NewRoutingTable(localID NodeID, kSize int, staleness time.Duration) *RoutingTable {
	rt := &RoutingTable{localID: localID, kSize: kSize, staleness: staleness}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket(kSize)
	}
	return rt
}

func (rt *RoutingTable) ID() NodeID { return rt.localID }

// Insert adds or refreshes node per BEP-5: if the bucket has room, insert;
// else if the bucket's LRU entry is bad, evict it and insert; otherwise
// reject outright, even if the LRU is merely questionable. Callers that can
// act on a rejected-but-questionable LRU (ping it, retry) should use
// InsertOrReplace instead; nodeVerifier.admit is the one that does — Insert
// itself is for call sites that just want a best-effort admission
// (bootstrap seeding, state restore).
func (rt *RoutingTable) Insert(node *Node) bool {
	_, inserted := rt.InsertOrReplace(node)
	return inserted
}

// InsertOrReplace attempts to admit node into its bucket. If the bucket has
// room or its LRU entry is already bad, node is admitted immediately and
// inserted reports true. If the bucket is full and its LRU entry is merely
// questionable (BEP-5 §"Routing Table"), node is rejected but the LRU node is
// returned so the caller can ping it out-of-band: on a response the LRU stays
// and node is dropped, on failure the caller should Remove the LRU and retry
// Insert. Returns (nil, false) when node is rejected for any other reason
// (the bucket is full of good nodes, or node is the local id).
func (rt *RoutingTable) InsertOrReplace(node *Node) (lru *Node, inserted bool) {
	if node.ID == rt.localID {
		return nil, false
	}

	idx := bucketIndex(rt.localID, node.ID)
	bucket := rt.buckets[idx]

	if bucket.Insert(node) {
		return nil, true
	}

	lru = bucket.LRU()
	if lru == nil {
		return nil, false
	}

	if lru.IsBad() {
		bucket.Remove(lru.ID)
		return nil, bucket.Insert(node)
	}

	if lru.IsQuestionable() {
		return lru, false
	}

	return nil, false
}

func (rt *RoutingTable) Remove(id NodeID) bool {
	return rt.buckets[bucketIndex(rt.localID, id)].Remove(id)
}

func (rt *RoutingTable) Get(id NodeID) *Node {
	return rt.buckets[bucketIndex(rt.localID, id)].Get(id)
}

// Closest returns the n nodes nearest target by XOR distance, searching the
// target's bucket first and expanding outward through neighboring buckets
// until n candidates are collected.
func (rt *RoutingTable) Closest(target NodeID, n int) []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	home := bucketIndex(rt.localID, target)

	var nodes []*Node
	nodes = append(nodes, rt.buckets[home].All()...)

	for span := 1; len(nodes) < n && (home-span >= 0 || home+span < NumBuckets); span++ {
		if home-span >= 0 {
			nodes = append(nodes, rt.buckets[home-span].All()...)
		}
		if home+span < NumBuckets {
			nodes = append(nodes, rt.buckets[home+span].All()...)
		}
	}

	sort.Slice(nodes, func(i, j int) bool {
		return CompareDistance(target, nodes[i].ID, nodes[j].ID) < 0
	})

	if len(nodes) > n {
		nodes = nodes[:n]
	}
	return nodes
}

func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	count := 0
	for _, b := range rt.buckets {
		count += b.Len()
	}
	return count
}

// All returns a value-copy snapshot of every node currently in the table.
func (rt *RoutingTable) All() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var nodes []*Node
	for _, b := range rt.buckets {
		nodes = append(nodes, b.All()...)
	}
	return nodes
}

// StaleBuckets returns the indices of non-empty buckets the refresher should
// re-probe.
func (rt *RoutingTable) StaleBuckets() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var idx []int
	for i, b := range rt.buckets {
		if b.Len() > 0 && b.NeedsRefresh(rt.staleness) {
			idx = append(idx, i)
		}
	}
	return idx
}

// RandomIDInBucket returns a random NodeID that would route to bucket idx,
// for use by the refresher when re-probing a stale bucket.
func (rt *RoutingTable) RandomIDInBucket(idx int) NodeID {
	id := RandomNodeID()

	// Force the shared-prefix length with localID to be exactly idx: copy
	// the first idx bits from localID, then force bit idx to differ.
	for i := 0; i < idx; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		mask := byte(0x80) >> bitIdx
		id[byteIdx] = (id[byteIdx] &^ mask) | (rt.localID[byteIdx] & mask)
	}

	byteIdx, bitIdx := idx/8, uint(idx%8)
	mask := byte(0x80) >> bitIdx
	flipped := rt.localID[byteIdx] ^ mask
	id[byteIdx] = (id[byteIdx] &^ mask) | (flipped & mask)

	return id
}

type RoutingTableStats struct {
	TotalNodes        int
	GoodNodes         int
	QuestionableNodes int
	BadNodes          int
	FilledBuckets     int
	EmptyBuckets      int
}

func (rt *RoutingTable) Stats() RoutingTableStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var stats RoutingTableStats
	for _, b := range rt.buckets {
		nodes := b.All()
		if len(nodes) == 0 {
			stats.EmptyBuckets++
			continue
		}

		stats.FilledBuckets++
		stats.TotalNodes += len(nodes)

		for _, n := range nodes {
			switch {
			case n.IsGood():
				stats.GoodNodes++
			case n.IsQuestionable():
				stats.QuestionableNodes++
			case n.IsBad():
				stats.BadNodes++
			}
		}
	}
	return stats
}

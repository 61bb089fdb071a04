package dht

import (
	"net"
	"testing"
	"time"
)

func testInfoHash() InfoHash {
	return InfoHash(RandomNodeID())
}

func TestPeerStore_StoreAndGet(t *testing.T) {
	s := NewPeerStore(time.Hour, 10, 10)
	hash := testInfoHash()
	ep := Endpoint{IP: net.ParseIP("203.0.113.1"), Port: 6881}

	s.Store(hash, ep)

	peers := s.Get(hash)
	if len(peers) != 1 || !peers[0].IP.Equal(ep.IP) || peers[0].Port != ep.Port {
		t.Fatalf("Get after Store = %v, want [%v]", peers, ep)
	}
}

func TestPeerStore_GetExpiresByTTL(t *testing.T) {
	s := NewPeerStore(0, 10, 10)
	hash := testInfoHash()
	s.Store(hash, Endpoint{IP: net.ParseIP("203.0.113.1"), Port: 6881})

	time.Sleep(2 * time.Millisecond)

	if peers := s.Get(hash); len(peers) != 0 {
		t.Fatalf("entries older than ttl=0 should never be returned by Get, got %v", peers)
	}
}

func TestPeerStore_MaxPeersPerHashRejectsNewEntries(t *testing.T) {
	s := NewPeerStore(time.Hour, 2, 10)
	hash := testInfoHash()

	s.Store(hash, Endpoint{IP: net.ParseIP("203.0.113.1"), Port: 1})
	s.Store(hash, Endpoint{IP: net.ParseIP("203.0.113.2"), Port: 2})
	s.Store(hash, Endpoint{IP: net.ParseIP("203.0.113.3"), Port: 3})

	if peers := s.Get(hash); len(peers) != 2 {
		t.Fatalf("expected the swarm to be capped at 2 peers, got %d", len(peers))
	}
}

func TestPeerStore_MaxInfoHashesEvictsOldest(t *testing.T) {
	s := NewPeerStore(time.Hour, 10, 2)

	first := testInfoHash()
	s.Store(first, Endpoint{IP: net.ParseIP("203.0.113.1"), Port: 1})
	time.Sleep(time.Millisecond)

	second := testInfoHash()
	s.Store(second, Endpoint{IP: net.ParseIP("203.0.113.2"), Port: 2})
	time.Sleep(time.Millisecond)

	third := testInfoHash()
	s.Store(third, Endpoint{IP: net.ParseIP("203.0.113.3"), Port: 3})

	if s.Size() != 2 {
		t.Fatalf("expected exactly 2 info-hashes retained, got %d", s.Size())
	}
	if peers := s.Get(first); len(peers) != 0 {
		t.Fatalf("the oldest info-hash should have been evicted")
	}
	if peers := s.Get(third); len(peers) != 1 {
		t.Fatalf("the newest info-hash should still be present")
	}
}

func TestPeerStore_CleanupRemovesExpiredEntriesAndEmptySwarms(t *testing.T) {
	s := NewPeerStore(0, 10, 10)
	hash := testInfoHash()
	s.Store(hash, Endpoint{IP: net.ParseIP("203.0.113.1"), Port: 1})

	time.Sleep(2 * time.Millisecond)
	s.cleanup()

	if s.Size() != 0 {
		t.Fatalf("cleanup should drop a swarm once all its peers have expired, size = %d", s.Size())
	}
}

func TestPeerStore_All(t *testing.T) {
	s := NewPeerStore(time.Hour, 10, 10)
	hash := testInfoHash()
	s.Store(hash, Endpoint{IP: net.ParseIP("203.0.113.1"), Port: 1})

	all := s.All()
	peers, ok := all[hash]
	if !ok || len(peers) != 1 {
		t.Fatalf("All() should include the stored swarm, got %v", all)
	}
}

package config

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the complete set of tunables for one dhtcrawler process: the
// DHT node's own behavior plus the crawler loop built on top of it. There is
// no package-level singleton; callers build or load a Config explicitly and
// pass it down through the component constructors that need it.
type Config struct {
	// ========== Identity / Networking ==========

	// LocalID seeds the node's 160-bit identity. A zero value means
	// generate one randomly at startup rather than persist an identity
	// across restarts.
	LocalID [20]byte `json:"local_id"`

	// ListenHost is the interface to bind the UDP socket to.
	ListenHost string `json:"listen_host"`

	// Port is the preferred UDP port; FallbackPorts more are tried if it's
	// taken.
	Port int `json:"port"`

	// MTU bounds accepted/sent datagram size.
	MTU int `json:"mtu"`

	// ========== Routing Table ==========

	// KBucketSize is k in Kademlia's k-buckets: how many nodes each bucket
	// holds.
	KBucketSize int `json:"k_bucket_size"`

	// Alpha is the per-round query concurrency of an iterative lookup.
	Alpha int `json:"alpha"`

	// MaxResults caps how many compact nodes a find_node/get_peers
	// response includes.
	MaxResults int `json:"max_results"`

	// BucketStaleness is how long a bucket can go unchanged before the
	// refresher re-probes it.
	BucketStaleness time.Duration `json:"bucket_staleness"`

	// BucketRefreshInterval is how often the refresher scans for stale
	// buckets.
	BucketRefreshInterval time.Duration `json:"bucket_refresh_interval"`

	// ========== Transactions ==========

	// MaxTransactions bounds the number of outstanding KRPC queries.
	MaxTransactions int `json:"max_transactions"`

	// TransactionTimeout is how long a query waits for a response before
	// it's considered failed.
	TransactionTimeout time.Duration `json:"transaction_timeout"`

	// ========== Tokens ==========

	// TokenRotationInterval is how often the announce_peer token secret
	// rotates. Tokens minted under the previous secret remain valid for
	// one more rotation.
	TokenRotationInterval time.Duration `json:"token_rotation_interval"`

	// ========== Peer Store ==========

	// PeerTTL is how long an announced peer endpoint stays valid.
	PeerTTL time.Duration `json:"peer_ttl"`

	// MaxPeersPerHash caps the swarm size tracked per info hash.
	MaxPeersPerHash int `json:"max_peers_per_hash"`

	// MaxInfoHashes caps the total number of distinct info hashes tracked.
	MaxInfoHashes int `json:"max_info_hashes"`

	// ========== Node Verifier ==========

	// VerifierSettle is how long a newly learned node waits before being
	// pinged for admission into the routing table.
	VerifierSettle time.Duration `json:"verifier_settle"`

	// ========== Bootstrap ==========

	// BootstrapNodes is a list of "host[:port]" well-known DHT entry
	// points resolved and pinged at startup.
	BootstrapNodes []string `json:"bootstrap_nodes"`

	// ========== Crawler ==========

	// CrawlerEnabled toggles whether the crawler loop runs alongside the
	// DHT node.
	CrawlerEnabled bool `json:"crawler_enabled"`

	// ParallelCrawls bounds how many discovery/monitor operations the
	// crawler runs concurrently.
	ParallelCrawls int `json:"parallel_crawls"`

	// CrawlerRefreshInterval is how often the crawler's main loop ticks.
	CrawlerRefreshInterval time.Duration `json:"crawler_refresh_interval"`

	// CrawlerMaxNodes caps how many distinct nodes the crawler keeps
	// statistics for.
	CrawlerMaxNodes int `json:"crawler_max_nodes"`

	// CrawlerMaxInfoHashes caps how many distinct info hashes the crawler
	// keeps statistics for.
	CrawlerMaxInfoHashes int `json:"crawler_max_info_hashes"`

	// ========== Persistence ==========

	// StatePath is where the routing table / peer store snapshot is
	// written on shutdown and read back on startup. Empty disables
	// persistence.
	StatePath string `json:"state_path"`
}

// Default returns a fresh Config with sensible defaults for running a
// single mainline DHT node and crawler. Called explicitly by whoever needs
// one; never cached or shared.
func Default() (*Config, error) {
	localID, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("config: generate local id: %w", err)
	}

	return &Config{
		LocalID:    localID,
		ListenHost: "0.0.0.0",
		Port:       6881,
		MTU:        1400,

		KBucketSize:           16,
		Alpha:                 3,
		MaxResults:            8,
		BucketStaleness:       15 * time.Minute,
		BucketRefreshInterval: 60 * time.Second,

		MaxTransactions:    1024,
		TransactionTimeout: 30 * time.Second,

		TokenRotationInterval: 5 * time.Minute,

		PeerTTL:         30 * time.Minute,
		MaxPeersPerHash: 2000,
		MaxInfoHashes:   10000,

		VerifierSettle: 5 * time.Second,

		BootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},

		CrawlerEnabled:         true,
		ParallelCrawls:         10,
		CrawlerRefreshInterval: 60 * time.Second,
		CrawlerMaxNodes:        100000,
		CrawlerMaxInfoHashes:   50000,

		StatePath: "",
	}, nil
}

// Load reads a Config from a JSON file at path. Fields absent from the file
// keep their Default() values.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func randomID() ([20]byte, error) {
	var id [20]byte
	_, err := rand.Read(id[:])
	return id, err
}

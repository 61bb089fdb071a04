// Package persist snapshots a DHT node's routing table and peer store to a
// JSON file and restores them on the next startup. It is a collaborator,
// not a core dependency: internal/dht never imports this package, and
// cmd/dhtcrawler is the only caller.
package persist

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/prxssh/dhtcrawler/internal/dht"
)

// DefaultStateFile is the conventional snapshot filename.
const DefaultStateFile = ".dhtcrawler_state.json"

type nodeJSON struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type peerJSON struct {
	InfoHash string   `json:"info_hash"`
	Peers    []string `json:"peers"`
	SavedAt  time.Time `json:"saved_at"`
}

type stateFile struct {
	Version int        `json:"version"`
	Nodes   []nodeJSON `json:"nodes"`
	Peers   []peerJSON `json:"peers"`
}

// Save writes table's nodes and store's peer swarms to path as JSON.
func Save(path string, table *dht.RoutingTable, store *dht.PeerStore) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("persist: create dir: %w", err)
		}
	}

	file := stateFile{Version: 1}

	for _, n := range table.All() {
		file.Nodes = append(file.Nodes, nodeJSON{
			ID:   n.ID.String(),
			Addr: n.Endpoint.String(),
		})
	}

	for hash, peers := range store.All() {
		entry := peerJSON{InfoHash: hash.String(), SavedAt: time.Now()}
		for _, p := range peers {
			entry.Peers = append(entry.Peers, p.String())
		}
		file.Peers = append(file.Peers, entry)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist: write %s: %w", path, err)
	}
	return nil
}

// Load reads path and feeds every entry back into table and store. Missing
// files are not an error: a fresh node simply starts with nothing restored.
// Returns the count of nodes and peer entries loaded.
func Load(path string, table *dht.RoutingTable, store *dht.PeerStore) (nodes int, peers int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("persist: read %s: %w", path, err)
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, 0, fmt.Errorf("persist: parse %s: %w", path, err)
	}

	for _, nj := range file.Nodes {
		node, ok := parseNode(nj)
		if !ok {
			continue
		}
		if table.Insert(node) {
			nodes++
		}
	}

	for _, pj := range file.Peers {
		hash, ok := parseInfoHash(pj.InfoHash)
		if !ok {
			continue
		}
		for _, addr := range pj.Peers {
			ep, ok := parseEndpoint(addr)
			if !ok {
				continue
			}
			store.Store(hash, ep)
			peers++
		}
	}

	return nodes, peers, nil
}

func parseNode(nj nodeJSON) (*dht.Node, bool) {
	id, ok := parseID(nj.ID)
	if !ok {
		return nil, false
	}
	ep, ok := parseEndpoint(nj.Addr)
	if !ok {
		return nil, false
	}
	return dht.NewNode(dht.NodeID(id), ep), true
}

func parseInfoHash(s string) (dht.InfoHash, bool) {
	id, ok := parseID(s)
	return dht.InfoHash(id), ok
}

func parseID(s string) ([dht.IDLength]byte, bool) {
	var id [dht.IDLength]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != dht.IDLength {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}

func parseEndpoint(addr string) (dht.Endpoint, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return dht.Endpoint{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return dht.Endpoint{}, false
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return dht.Endpoint{}, false
	}
	return dht.Endpoint{IP: ip, Port: port}, true
}

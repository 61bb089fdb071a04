package dht

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/prxssh/dhtcrawler/internal/retry"
)

// bootstrapper resolves a configured set of well-known DHT nodes and seeds
// the routing table from them before running a self-lookup to pull in the
// rest of the network.
type bootstrapper struct {
	logger  *slog.Logger
	table   *RoutingTable
	lookup  func(target NodeID) []*Node
	servers []string
}

func newBootstrapper(logger *slog.Logger, table *RoutingTable, lookup func(target NodeID) []*Node, servers []string) *bootstrapper {
	return &bootstrapper{logger: logger, table: table, lookup: lookup, servers: servers}
}

// Run resolves every configured bootstrap server, seeds the routing table
// with a placeholder-id entry for each resolved address, and then runs a
// node lookup for a fresh random id to pull real, verified nodes into the
// table. Success requires the self-lookup to return at least one responding
// node that is not one of the placeholders.
func (b *bootstrapper) Run(ctx context.Context) bool {
	placeholders := make(map[NodeID]struct{})

	for _, server := range b.servers {
		eps, err := b.resolve(ctx, server)
		if err != nil {
			b.logger.Warn("bootstrap server unresolved", "server", server, "err", err)
			continue
		}
		for _, ep := range eps {
			// Bootstrap servers are seeded with a random placeholder id
			// rather than the real one, which is unknown until contacted.
			// RandomIDInBucket / XOR distance math does not depend on this
			// placeholder surviving; it exists purely to let the seeded node
			// serve as a first hop for the self-lookup below. A genuine
			// reply carries the real id, and that node is admitted under
			// it through the normal verifier path; the placeholder entry
			// itself is not replaced.
			id := RandomNodeID()
			placeholders[id] = struct{}{}
			b.table.Insert(NewNode(id, ep))
		}
	}

	for _, n := range b.lookup(RandomNodeID()) {
		if _, isPlaceholder := placeholders[n.ID]; !isPlaceholder {
			return true
		}
	}
	return false
}

func (b *bootstrapper) resolve(ctx context.Context, server string) ([]Endpoint, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		host, portStr = server, "6881"
	}

	var addrs []string
	err = retry.Do(ctx, func(ctx context.Context) error {
		resolver := &net.Resolver{}
		a, rerr := resolver.LookupHost(ctx, host)
		if rerr != nil {
			return rerr
		}
		addrs = a
		return nil
	}, retry.WithExponentialBackoff(3, 200*time.Millisecond, 2*time.Second)...)
	if err != nil {
		return nil, err
	}

	port := 6881
	if p, perr := net.LookupPort("udp", portStr); perr == nil {
		port = p
	}

	eps := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		eps = append(eps, Endpoint{IP: ip, Port: port})
	}
	return eps, nil
}

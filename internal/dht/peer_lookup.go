package dht

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// peerLookupResult is what GetPeers yields: every peer endpoint collected
// across the iteration and, per responding node, the token needed to
// announce to it.
type peerLookupResult struct {
	Peers        []Endpoint
	TokensByNode map[NodeID]tokenAndEndpoint
}

type tokenAndEndpoint struct {
	token    string
	endpoint Endpoint
}

// announceResult reports the outcome of the announce sub-state-machine that
// follows a successful get_peers lookup.
type announceResult struct {
	AnnouncedTo int
	Success     bool
}

// peerLookupService runs iterative get_peers lookups and, on request, the
// follow-on announce_peer fan-out to every node that returned a token.
type peerLookupService struct {
	logger       *slog.Logger
	localID      NodeID
	table        *RoutingTable
	transactions *transactionManager
	sock         *socket
	verifier     *nodeVerifier
	cfg          lookupConfig
}

func newPeerLookupService(
	logger *slog.Logger,
	localID NodeID,
	table *RoutingTable,
	transactions *transactionManager,
	sock *socket,
	verifier *nodeVerifier,
	cfg lookupConfig,
) *peerLookupService {
	return &peerLookupService{
		logger:       logger,
		localID:      localID,
		table:        table,
		transactions: transactions,
		sock:         sock,
		verifier:     verifier,
		cfg:          cfg,
	}
}

// GetPeers drives an iterative lookup for infoHash and returns every
// distinct peer endpoint announced for it, along with the token collected
// from each responding node (needed to announce to that node afterward).
func (s *peerLookupService) GetPeers(infoHash InfoHash) *peerLookupResult {
	target := infoHash.AsNodeID()

	l := newLookup(s.cfg, target, s.table, true)
	l.sendGetPeers = func(dest Endpoint, onResult func(nodes []*Node, peers []Endpoint, token string, err error)) {
		s.send(infoHash, dest, onResult)
	}

	result := l.run()

	tokens := make(map[NodeID]tokenAndEndpoint, len(result.closest))
	for _, c := range result.closest {
		if c.token != "" {
			tokens[c.node.ID] = tokenAndEndpoint{token: c.token, endpoint: c.node.Endpoint}
		}
	}

	return &peerLookupResult{Peers: result.peers, TokensByNode: tokens}
}

func (s *peerLookupService) send(
	infoHash InfoHash,
	dest Endpoint,
	onResult func(nodes []*Node, peers []Endpoint, token string, err error),
) {
	query := getPeersQuery("", s.localID, infoHash)

	_, err := s.transactions.Create(query, dest,
		func(msg *Message) {
			nodes := s.decodeAndVerify(msg)
			peers := decodeValues(msg)
			token, _ := msg.GetToken()
			onResult(nodes, peers, token, nil)
		},
		func(msg *Message) {
			onResult(nil, nil, "", errFromMessage(msg))
		},
		func() {
			onResult(nil, nil, "", errQueryTimeout)
		},
	)
	if err != nil {
		onResult(nil, nil, "", err)
		return
	}

	if sendErr := s.sock.Send(query, dest); sendErr != nil {
		onResult(nil, nil, "", sendErr)
	}
}

func (s *peerLookupService) decodeAndVerify(msg *Message) []*Node {
	data, ok := msg.GetNodes()
	if !ok {
		return nil
	}
	nodes := DecodeCompactNodes(data)
	for _, n := range nodes {
		s.verifier.Enqueue(n)
	}
	return nodes
}

func decodeValues(msg *Message) []Endpoint {
	raw, ok := msg.GetValues()
	if !ok {
		return nil
	}

	peers := make([]Endpoint, 0, len(raw))
	for _, v := range raw {
		if ep, ok := DecodeCompactPeer([]byte(v)); ok {
			peers = append(peers, ep)
		}
	}
	return peers
}

// Announce fans out announce_peer to every node in tokens (bounded to the
// lookup's k), reporting how many accepted the announce. Success requires at
// least one node to accept.
func (s *peerLookupService) Announce(infoHash InfoHash, port int, impliedPort bool, tokens map[NodeID]tokenAndEndpoint) *announceResult {
	var (
		mu       sync.Mutex
		accepted int
		g        errgroup.Group
	)

	count := 0
	for id, te := range tokens {
		if count >= s.cfg.k {
			break
		}
		count++

		id, te := id, te
		g.Go(func() error {
			ok := s.announceOne(infoHash, port, impliedPort, id, te)
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return &announceResult{AnnouncedTo: accepted, Success: accepted > 0}
}

func (s *peerLookupService) announceOne(infoHash InfoHash, port int, impliedPort bool, _ NodeID, te tokenAndEndpoint) bool {
	query := announcePeerQuery("", s.localID, infoHash, port, te.token, impliedPort)

	result := make(chan bool, 1)
	_, err := s.transactions.Create(query, te.endpoint,
		func(*Message) { result <- true },
		func(*Message) { result <- false },
		func() { result <- false },
	)
	if err != nil {
		return false
	}

	if sendErr := s.sock.Send(query, te.endpoint); sendErr != nil {
		return false
	}

	return <-result
}

package dht

import (
	"errors"
	"log/slog"
)

var errQueryTimeout = errors.New("dht: query timed out")

// nodeLookupService runs iterative find_node lookups against the network,
// feeding every learned node through the verifier before it can ever reach
// the routing table.
type nodeLookupService struct {
	logger       *slog.Logger
	localID      NodeID
	table        *RoutingTable
	transactions *transactionManager
	sock         *socket
	verifier     *nodeVerifier
	cfg          lookupConfig
}

func newNodeLookupService(
	logger *slog.Logger,
	localID NodeID,
	table *RoutingTable,
	transactions *transactionManager,
	sock *socket,
	verifier *nodeVerifier,
	cfg lookupConfig,
) *nodeLookupService {
	return &nodeLookupService{
		logger:       logger,
		localID:      localID,
		table:        table,
		transactions: transactions,
		sock:         sock,
		verifier:     verifier,
		cfg:          cfg,
	}
}

// FindNode drives an iterative lookup for target and returns the K closest
// nodes that actually responded, sorted by XOR distance to target.
func (s *nodeLookupService) FindNode(target NodeID) []*Node {
	l := newLookup(s.cfg, target, s.table, false)
	l.sendFindNode = func(dest Endpoint, onResult func(nodes []*Node, err error)) {
		s.send(target, dest, onResult)
	}

	result := l.run()

	nodes := make([]*Node, 0, len(result.closest))
	for _, c := range result.closest {
		nodes = append(nodes, c.node)
	}
	return nodes
}

// send issues a single find_node query for target to dest and reports the
// parsed candidate nodes (or the failure) to onResult. Every candidate node
// learned from the response is queued for settle-then-ping verification; a
// lookup's own candidate tracking is ephemeral and never inserts into the
// routing table directly.
func (s *nodeLookupService) send(target NodeID, dest Endpoint, onResult func(nodes []*Node, err error)) {
	query := findNodeQuery("", s.localID, target)

	_, err := s.transactions.Create(query, dest,
		func(msg *Message) {
			onResult(s.decodeAndVerify(msg), nil)
		},
		func(msg *Message) {
			onResult(nil, errFromMessage(msg))
		},
		func() {
			onResult(nil, errQueryTimeout)
		},
	)
	if err != nil {
		onResult(nil, err)
		return
	}

	if sendErr := s.sock.Send(query, dest); sendErr != nil {
		onResult(nil, sendErr)
	}
}

func (s *nodeLookupService) decodeAndVerify(msg *Message) []*Node {
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

package dht

import (
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// nodeState tracks liveness per BEP-5's "healing" semantics: a node starts
// questionable, becomes good on any response, and becomes bad after two
// consecutive query failures.
type nodeState int

const (
	stateQuestionable nodeState = iota
	stateGood
	stateBad
)

// goodWindow is how long a node remains "good" after last responding.
const goodWindow = 15 * time.Minute

// Node is a peer known to this DHT node: an identity, an endpoint, and the
// liveness bookkeeping the routing table needs to enforce BEP-5's
// don't-evict-good-nodes rule.
type Node struct {
	ID       NodeID
	Endpoint Endpoint

	mu            sync.RWMutex
	lastSeen      time.Time
	failedQueries int
	state         nodeState
}

func NewNode(id NodeID, ep Endpoint) *Node {
	return &Node{ID: id, Endpoint: ep, state: stateQuestionable}
}

// MarkSeen records a response from the node, resetting its failure count.
func (n *Node) MarkSeen() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastSeen = time.Now()
	n.failedQueries = 0
	n.state = stateGood
}

// MarkFailed records a query that went unanswered. After two consecutive
// failures the node becomes bad and is evictable.
func (n *Node) MarkFailed() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.failedQueries++
	if n.failedQueries >= 2 {
		n.state = stateBad
	} else {
		n.state = stateQuestionable
	}
}

func (n *Node) IsGood() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.state == stateGood && time.Since(n.lastSeen) < goodWindow
}

func (n *Node) IsQuestionable() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.state == stateBad {
		return false
	}
	return n.state == stateQuestionable || time.Since(n.lastSeen) >= goodWindow
}

func (n *Node) IsBad() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == stateBad
}

func (n *Node) LastSeen() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastSeen
}

func (n *Node) UDPAddr() *net.UDPAddr { return n.Endpoint.UDPAddr() }

const (
	compactNode4Size = 26 // 20-byte id + 4-byte ipv4 + 2-byte port
	compactNode6Size = 38 // 20-byte id + 16-byte ipv6 + 2-byte port
	compactPeerSize  = 6
)

// EncodeCompactNode appends this node's compact (id, ipv4, port) form to buf,
// returning the extended slice. It returns buf unchanged if the node's
// address is not IPv4 (IPv6 routing is out of scope; see EncodeCompactNode6
// for the codec-level IPv6 counterpart).
func (n *Node) EncodeCompactNode(buf []byte) []byte {
	ip4 := n.Endpoint.IP.To4()
	if ip4 == nil {
		return buf
	}

	entry := make([]byte, compactNode4Size)
	copy(entry[:IDLength], n.ID[:])
	copy(entry[IDLength:IDLength+4], ip4)
	binary.BigEndian.PutUint16(entry[IDLength+4:], uint16(n.Endpoint.Port))
	return append(buf, entry...)
}

// DecodeCompactNodes parses a `nodes` string (n * 26 bytes) into Nodes.
// Trailing bytes that don't form a whole entry are ignored.
func DecodeCompactNodes(data []byte) []*Node {
	count := len(data) / compactNode4Size
	nodes := make([]*Node, 0, count)

	for i := 0; i < count; i++ {
		off := i * compactNode4Size
		entry := data[off : off+compactNode4Size]

		var id NodeID
		copy(id[:], entry[:IDLength])
		ip := net.IPv4(entry[IDLength], entry[IDLength+1], entry[IDLength+2], entry[IDLength+3])
		port := binary.BigEndian.Uint16(entry[IDLength+4:])

		nodes = append(nodes, NewNode(id, Endpoint{IP: ip, Port: int(port)}))
	}
	return nodes
}

// EncodeCompactNode6 is the IPv6 analogue of EncodeCompactNode. Nothing in
// the routing table or lookup machinery calls this; it exists so the codec
// itself does not foreclose IPv6 peers for a consumer built on top of it.
func (n *Node) EncodeCompactNode6(buf []byte) []byte {
	ip6 := n.Endpoint.IP.To16()
	if ip6 == nil {
		return buf
	}

	entry := make([]byte, compactNode6Size)
	copy(entry[:IDLength], n.ID[:])
	copy(entry[IDLength:IDLength+16], ip6)
	binary.BigEndian.PutUint16(entry[IDLength+16:], uint16(n.Endpoint.Port))
	return append(buf, entry...)
}

func DecodeCompactNodes6(data []byte) []*Node {
	count := len(data) / compactNode6Size
	nodes := make([]*Node, 0, count)

	for i := 0; i < count; i++ {
		off := i * compactNode6Size
		entry := data[off : off+compactNode6Size]

		var id NodeID
		copy(id[:], entry[:IDLength])
		ip := make(net.IP, 16)
		copy(ip, entry[IDLength:IDLength+16])
		port := binary.BigEndian.Uint16(entry[IDLength+16:])

		nodes = append(nodes, NewNode(id, Endpoint{IP: ip, Port: int(port)}))
	}
	return nodes
}

// EncodeCompactPeer returns the 6-byte compact form of an endpoint, or nil
// if ep is not IPv4.
func EncodeCompactPeer(ep Endpoint) []byte {
	ip4 := ep.IP.To4()
	if ip4 == nil {
		return nil
	}

	buf := make([]byte, compactPeerSize)
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:], uint16(ep.Port))
	return buf
}

func DecodeCompactPeer(data []byte) (Endpoint, bool) {
	if len(data) != compactPeerSize {
		return Endpoint{}, false
	}
	ip := net.IPv4(data[0], data[1], data[2], data[3])
	port := binary.BigEndian.Uint16(data[4:])
	return Endpoint{IP: ip, Port: int(port)}, true
}

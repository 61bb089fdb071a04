package dht

import "log/slog"

// queryHandler services inbound KRPC queries against the routing table,
// peer store, and token manager. It never inserts an unseen sender directly
// into the routing table; that goes through the verifier per the node
// verifier's settle-then-ping pipeline.
type queryHandler struct {
	logger    *slog.Logger
	localID   NodeID
	table     *RoutingTable
	store     *PeerStore
	tokens    *tokenManager
	verifier  *nodeVerifier
	maxNodes  int
	sendResp  func(*Message, Endpoint)
	sendError func(tid string, code int, msg string, dest Endpoint)
}

func (h *queryHandler) Handle(msg *Message) {
	senderID, ok := msg.GetNodeID()
	if !ok {
		h.sendError(msg.T, ErrProtocol, "invalid node id", msg.From)
		return
	}

	h.verifier.Enqueue(NewNode(senderID, msg.From))

	switch msg.Q {
	case MethodPing:
		h.handlePing(msg)
	case MethodFindNode:
		h.handleFindNode(msg)
	case MethodGetPeers:
		h.handleGetPeers(msg)
	case MethodAnnouncePeer:
		h.handleAnnouncePeer(msg)
	default:
		h.sendError(msg.T, ErrMethodUnknown, "unknown method", msg.From)
	}
}

func (h *queryHandler) handlePing(msg *Message) {
	h.sendResp(pingResponse(msg.T, h.localID), msg.From)
}

func (h *queryHandler) handleFindNode(msg *Message) {
	target, ok := msg.GetTarget()
	if !ok {
		h.sendError(msg.T, ErrProtocol, "invalid target", msg.From)
		return
	}

	nodes := h.encodeClosest(target)
	h.sendResp(findNodeResponse(msg.T, h.localID, nodes), msg.From)
}

func (h *queryHandler) handleGetPeers(msg *Message) {
	infoHash, ok := msg.GetInfoHash()
	if !ok {
		h.sendError(msg.T, ErrProtocol, "invalid info_hash", msg.From)
		return
	}

	token := h.tokens.Generate(msg.From)
	peers := h.store.Get(infoHash)

	if len(peers) > 0 {
		values := make([]string, 0, len(peers))
		for _, p := range peers {
			if compact := EncodeCompactPeer(p); compact != nil {
				values = append(values, string(compact))
			}
		}
		h.sendResp(getPeersResponseValues(msg.T, h.localID, token, values), msg.From)
		return
	}

	nodes := h.encodeClosest(infoHash.AsNodeID())
	h.sendResp(getPeersResponseNodes(msg.T, h.localID, token, nodes), msg.From)
}

func (h *queryHandler) handleAnnouncePeer(msg *Message) {
	infoHash, ok := msg.GetInfoHash()
	if !ok {
		h.sendError(msg.T, ErrProtocol, "invalid info_hash", msg.From)
		return
	}

	token, ok := msg.GetToken()
	if !ok {
		h.sendError(msg.T, ErrProtocol, "missing token", msg.From)
		return
	}
	if !h.tokens.Validate(msg.From, token) {
		h.sendError(msg.T, ErrProtocol, "invalid token", msg.From)
		return
	}

	port, impliedPort, ok := msg.GetPort()
	if !ok {
		h.sendError(msg.T, ErrProtocol, "invalid port", msg.From)
		return
	}

	ep := msg.From
	if !impliedPort {
		ep = Endpoint{IP: msg.From.IP, Port: port}
	}

	h.store.Store(infoHash, ep)
	h.sendResp(announcePeerResponse(msg.T, h.localID), msg.From)
}

func (h *queryHandler) encodeClosest(target NodeID) []byte {
	closest := h.table.Closest(target, h.maxNodes)

	buf := make([]byte, 0, len(closest)*compactNode4Size)
	for _, n := range closest {
		buf = n.EncodeCompactNode(buf)
	}
	return buf
}

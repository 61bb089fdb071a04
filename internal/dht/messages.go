package dht

import (
	"errors"
	"fmt"
)

// MessageType is the KRPC `y` field.
type MessageType string

const (
	TypeQuery    MessageType = "q"
	TypeResponse MessageType = "r"
	TypeError    MessageType = "e"
)

// QueryMethod is the KRPC `q` field.
type QueryMethod string

const (
	MethodPing         QueryMethod = "ping"
	MethodFindNode     QueryMethod = "find_node"
	MethodGetPeers     QueryMethod = "get_peers"
	MethodAnnouncePeer QueryMethod = "announce_peer"
)

// Error codes per BEP-5 §"Errors", plus locally meaningful extensions used
// only in the message text, not the code space.
const (
	ErrGeneric       = 201
	ErrServer        = 202
	ErrProtocol      = 203
	ErrMethodUnknown = 204
)

// Message is a decoded KRPC datagram: exactly one of the query/response/error
// fields is meaningful, selected by Y.
type Message struct {
	T string      // transaction id
	Y MessageType
	V string // client version, optional

	Q QueryMethod
	A map[string]any // query arguments

	R map[string]any // response values

	E []any // [code, message]

	From Endpoint
}

func newQuery(method QueryMethod, tid string) *Message {
	return &Message{T: tid, Y: TypeQuery, Q: method, A: make(map[string]any)}
}

func newResponse(tid string) *Message {
	return &Message{T: tid, Y: TypeResponse, R: make(map[string]any)}
}

func newErrorMsg(tid string, code int, text string) *Message {
	return &Message{T: tid, Y: TypeError, E: []any{int64(code), text}}
}

func pingQuery(tid string, id NodeID) *Message {
	m := newQuery(MethodPing, tid)
	m.A["id"] = string(id[:])
	return m
}

func pingResponse(tid string, id NodeID) *Message {
	m := newResponse(tid)
	m.R["id"] = string(id[:])
	return m
}

func findNodeQuery(tid string, id, target NodeID) *Message {
	m := newQuery(MethodFindNode, tid)
	m.A["id"] = string(id[:])
	m.A["target"] = string(target[:])
	return m
}

func findNodeResponse(tid string, id NodeID, nodes []byte) *Message {
	m := newResponse(tid)
	m.R["id"] = string(id[:])
	m.R["nodes"] = string(nodes)
	return m
}

func getPeersQuery(tid string, id NodeID, infoHash InfoHash) *Message {
	m := newQuery(MethodGetPeers, tid)
	m.A["id"] = string(id[:])
	m.A["info_hash"] = string(infoHash[:])
	return m
}

func getPeersResponseValues(tid string, id NodeID, token string, values []string) *Message {
	m := newResponse(tid)
	m.R["id"] = string(id[:])
	m.R["token"] = token
	m.R["values"] = values
	return m
}

func getPeersResponseNodes(tid string, id NodeID, token string, nodes []byte) *Message {
	m := newResponse(tid)
	m.R["id"] = string(id[:])
	m.R["token"] = token
	m.R["nodes"] = string(nodes)
	return m
}

func announcePeerQuery(tid string, id NodeID, infoHash InfoHash, port int, token string, impliedPort bool) *Message {
	m := newQuery(MethodAnnouncePeer, tid)
	m.A["id"] = string(id[:])
	m.A["info_hash"] = string(infoHash[:])
	m.A["token"] = token
	if impliedPort {
		m.A["implied_port"] = int64(1)
	} else {
		m.A["port"] = int64(port)
	}
	return m
}

func announcePeerResponse(tid string, id NodeID) *Message {
	m := newResponse(tid)
	m.R["id"] = string(id[:])
	return m
}

func (m *Message) GetNodeID() (NodeID, bool) {
	var (
		id    NodeID
		raw   string
		found bool
	)

	if m.Y == TypeResponse && m.R != nil {
		raw, found = m.R["id"].(string)
	} else if m.Y == TypeQuery && m.A != nil {
		raw, found = m.A["id"].(string)
	}

	if !found || len(raw) != IDLength {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}

func (m *Message) GetTarget() (NodeID, bool) {
	var target NodeID
	if m.Y != TypeQuery || m.A == nil {
		return target, false
	}

	raw, ok := m.A["target"].(string)
	if !ok || len(raw) != IDLength {
		return target, false
	}
	copy(target[:], raw)
	return target, true
}

func (m *Message) GetInfoHash() (InfoHash, bool) {
	var hash InfoHash
	if m.Y != TypeQuery || m.A == nil {
		return hash, false
	}

	raw, ok := m.A["info_hash"].(string)
	if !ok || len(raw) != IDLength {
		return hash, false
	}
	copy(hash[:], raw)
	return hash, true
}

func (m *Message) GetToken() (string, bool) {
	if m.Y == TypeResponse && m.R != nil {
		token, ok := m.R["token"].(string)
		return token, ok
	}
	if m.Y == TypeQuery && m.A != nil {
		token, ok := m.A["token"].(string)
		return token, ok
	}
	return "", false
}

func (m *Message) GetNodes() ([]byte, bool) {
	if m.Y != TypeResponse || m.R == nil {
		return nil, false
	}
	raw, ok := m.R["nodes"].(string)
	if !ok {
		return nil, false
	}
	return []byte(raw), true
}

func (m *Message) GetValues() ([]string, bool) {
	if m.Y != TypeResponse || m.R == nil {
		return nil, false
	}

	// A decoded response always holds []any (the bencode decoder never
	// special-cases string lists); a locally constructed, not-yet-encoded
	// response built by getPeersResponseValues holds the []string it was
	// given directly. Accept either.
	switch raw := m.R["values"].(type) {
	case []string:
		if len(raw) == 0 {
			return nil, false
		}
		return append([]string(nil), raw...), true
	case []any:
		values := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				values = append(values, s)
			}
		}
		return values, len(values) > 0
	default:
		return nil, false
	}
}

// GetPort returns the announce_peer port argument, or whether implied_port
// was set (in which case the caller should use the sender's source port
// instead).
func (m *Message) GetPort() (port int, impliedPort bool, ok bool) {
	if m.Y != TypeQuery || m.A == nil {
		return 0, false, false
	}

	if flag, present := toInt64(m.A["implied_port"]); present && flag == 1 {
		return 0, true, true
	}

	if p, present := toInt64(m.A["port"]); present {
		return int(p), false, true
	}
	return 0, false, false
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}

// errFromMessage renders a KRPC error message's [code, text] pair as a Go
// error, falling back to a generic message if the pair is malformed.
func errFromMessage(msg *Message) error {
	if len(msg.E) >= 2 {
		if text, ok := msg.E[1].(string); ok {
			code, _ := toInt64(msg.E[0])
			return fmt.Errorf("dht: remote error %d: %s", code, text)
		}
	}
	return errors.New("dht: remote error")
}

func (m *Message) IsQuery() bool    { return m.Y == TypeQuery }
func (m *Message) IsResponse() bool { return m.Y == TypeResponse }
func (m *Message) IsError() bool    { return m.Y == TypeError }

package dht

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prxssh/dhtcrawler/internal/bencode"
)

// DefaultMTU is the maximum accepted/sent datagram size. Oversize inbound
// datagrams are dropped before they reach the codec; oversize outbound
// messages are rejected rather than silently truncated.
const DefaultMTU = 1400

// FallbackPorts is how many consecutive ports beyond the configured one are
// tried on EADDRINUSE before binding gives up.
const FallbackPorts = 10

var errAllPortsInUse = errors.New("dht: no UDP port available in fallback range")

// socket owns the UDP conn and the single reader goroutine that pumps
// datagrams into the dispatcher. Queries and responses/errors reach two
// different callbacks so the caller doesn't have to switch on message type.
type socket struct {
	logger *slog.Logger
	conn   *net.UDPConn
	mtu    int

	onQuery    func(*Message)
	onResponse func(*Message)

	done chan struct{}
	wg   sync.WaitGroup
}

// bindSocket binds to host:port, retrying on the next FallbackPorts ports if
// the preferred one is taken.
func bindSocket(logger *slog.Logger, host string, port, mtu int) (*socket, error) {
	var (
		conn    *net.UDPConn
		lastErr error
	)

	for i := 0; i <= FallbackPorts; i++ {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port+i))
		if err != nil {
			return nil, err
		}

		conn, lastErr = net.ListenUDP("udp", addr)
		if lastErr == nil {
			break
		}
	}

	if conn == nil {
		return nil, fmt.Errorf("%w: %v", errAllPortsInUse, lastErr)
	}

	return &socket{logger: logger, conn: conn, mtu: mtu, done: make(chan struct{})}, nil
}

func (s *socket) LocalAddr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

func (s *socket) Start(onQuery, onResponse func(*Message)) {
	s.onQuery = onQuery
	s.onResponse = onResponse

	s.wg.Add(1)
	go s.readLoop()
}

func (s *socket) Stop() {
	close(s.done)
	s.conn.Close()
	s.wg.Wait()
}

func (s *socket) Send(msg *Message, dest Endpoint) error {
	encoded, err := bencode.Marshal(toWireMap(msg))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(encoded) > s.mtu {
		return fmt.Errorf("message of %d bytes exceeds mtu %d", len(encoded), s.mtu)
	}

	_, err = s.conn.WriteToUDP(encoded, dest.UDPAddr())
	return err
}

func (s *socket) readLoop() {
	defer s.wg.Done()

	// One spare byte lets an oversize datagram be recognized instead of
	// being truncated to mtu bytes and handed to the codec.
	buf := make([]byte, s.mtu+1)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("udp read failed", "error", err)
			}
			continue
		}
		if n > s.mtu {
			s.logger.Debug("oversize datagram dropped", "mtu", s.mtu, "from", addr)
			continue
		}

		decoded, err := bencode.Unmarshal(buf[:n])
		if err != nil {
			s.logger.Debug("malformed message", "error", err, "from", addr)
			continue
		}

		msg := fromWireMap(decoded, EndpointFromUDPAddr(addr))
		if msg == nil {
			s.logger.Debug("unparseable message", "from", addr)
			continue
		}

		switch msg.Y {
		case TypeQuery:
			if s.onQuery != nil {
				s.onQuery(msg)
			}
		case TypeResponse, TypeError:
			if s.onResponse != nil {
				s.onResponse(msg)
			}
		}
	}
}

func toWireMap(msg *Message) map[string]any {
	m := map[string]any{"t": msg.T, "y": string(msg.Y)}
	if msg.V != "" {
		m["v"] = msg.V
	}

	switch msg.Y {
	case TypeQuery:
		m["q"] = string(msg.Q)
		m["a"] = msg.A
	case TypeResponse:
		m["r"] = msg.R
	case TypeError:
		m["e"] = msg.E
	}
	return m
}

func fromWireMap(data any, from Endpoint) *Message {
	dict, ok := data.(map[string]any)
	if !ok {
		return nil
	}

	msg := &Message{From: from}

	t, ok := dict["t"].(string)
	if !ok {
		return nil
	}
	msg.T = t

	y, ok := dict["y"].(string)
	if !ok {
		return nil
	}
	msg.Y = MessageType(y)

	if v, ok := dict["v"].(string); ok {
		msg.V = v
	}

	switch msg.Y {
	case TypeQuery:
		if q, ok := dict["q"].(string); ok {
			msg.Q = QueryMethod(q)
		}
		if a, ok := dict["a"].(map[string]any); ok {
			msg.A = a
		}
	case TypeResponse:
		if r, ok := dict["r"].(map[string]any); ok {
			msg.R = r
		}
	case TypeError:
		if e, ok := dict["e"].([]any); ok {
			msg.E = e
		}
	default:
		return nil
	}

	return msg
}

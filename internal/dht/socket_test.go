package dht

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testSocketLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestToFromWireMap_QueryRoundTrip(t *testing.T) {
	id := RandomNodeID()
	msg := pingQuery("abcd", id)

	wire := toWireMap(msg)
	decoded := fromWireMap(wire, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1})

	if decoded == nil {
		t.Fatalf("fromWireMap returned nil for a valid query")
	}
	if decoded.T != msg.T || decoded.Y != msg.Y || decoded.Q != msg.Q {
		t.Fatalf("round-tripped message mismatch: got %+v, want %+v", decoded, msg)
	}
	gotID, ok := decoded.GetNodeID()
	if !ok || gotID != id {
		t.Fatalf("round-tripped node id mismatch: got %v,%v want %v", gotID, ok, id)
	}
}

func TestToFromWireMap_ErrorRoundTrip(t *testing.T) {
	msg := newErrorMsg("t1", ErrProtocol, "bad")
	decoded := fromWireMap(toWireMap(msg), Endpoint{})

	if decoded == nil || !decoded.IsError() {
		t.Fatalf("expected a decoded error message")
	}
	if err := errFromMessage(decoded); err == nil {
		t.Fatalf("expected errFromMessage to produce a non-nil error")
	}
}

func TestFromWireMap_RejectsMissingFields(t *testing.T) {
	if got := fromWireMap(map[string]any{"y": "q"}, Endpoint{}); got != nil {
		t.Fatalf("a message missing t should not decode, got %+v", got)
	}
	if got := fromWireMap(map[string]any{"t": "x"}, Endpoint{}); got != nil {
		t.Fatalf("a message missing y should not decode, got %+v", got)
	}
	if got := fromWireMap("not a map", Endpoint{}); got != nil {
		t.Fatalf("a non-map payload should not decode, got %+v", got)
	}
}

func TestSocket_SendReceiveRoundTrip(t *testing.T) {
	a, err := bindSocket(testSocketLogger(), "127.0.0.1", 0, DefaultMTU)
	if err != nil {
		t.Fatalf("bindSocket a: %v", err)
	}
	defer a.Stop()

	b, err := bindSocket(testSocketLogger(), "127.0.0.1", 0, DefaultMTU)
	if err != nil {
		t.Fatalf("bindSocket b: %v", err)
	}
	defer b.Stop()

	received := make(chan *Message, 1)
	b.Start(func(msg *Message) { received <- msg }, func(msg *Message) {})
	a.Start(func(msg *Message) {}, func(msg *Message) {})

	id := RandomNodeID()
	query := pingQuery("xy", id)
	dest := EndpointFromUDPAddr(b.LocalAddr())

	if err := a.Send(query, dest); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.T != "xy" || msg.Q != MethodPing {
			t.Fatalf("received message mismatch: %+v", msg)
		}
		gotID, ok := msg.GetNodeID()
		if !ok || gotID != id {
			t.Fatalf("received node id mismatch: %v,%v want %v", gotID, ok, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message never arrived over loopback UDP")
	}
}

func TestSocket_SendRejectsOversizeMessage(t *testing.T) {
	s, err := bindSocket(testSocketLogger(), "127.0.0.1", 0, 10)
	if err != nil {
		t.Fatalf("bindSocket: %v", err)
	}
	defer s.Stop()

	query := pingQuery("abcd", RandomNodeID())
	if err := s.Send(query, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}); err == nil {
		t.Fatalf("expected an error sending a message over a tiny mtu")
	}
}

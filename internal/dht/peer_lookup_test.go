package dht

import (
	"io"
	"log/slog"
	"net"
	"testing"
)

func TestPeerLookupService_GetPeersCollectsValuesAndToken(t *testing.T) {
	sock, tm, verifier, table := testLookupServiceDeps(t)
	local := table.ID()

	peer, err := bindSocket(slog.New(slog.NewTextHandler(io.Discard, nil)), "127.0.0.1", 0, DefaultMTU)
	if err != nil {
		t.Fatalf("bindSocket peer: %v", err)
	}
	defer peer.Stop()

	peerID := RandomNodeID()
	wantPeer := Endpoint{IP: net.ParseIP("198.51.100.5"), Port: 51413}
	compact := EncodeCompactPeer(wantPeer)

	peer.Start(func(msg *Message) {
		peer.Send(getPeersResponseValues(msg.T, peerID, "servertoken", []string{string(compact)}), msg.From)
	}, func(*Message) {})

	table.Insert(NewNode(peerID, EndpointFromUDPAddr(peer.LocalAddr())))

	svc := newPeerLookupService(slog.New(slog.NewTextHandler(io.Discard, nil)), local, table, tm, sock, verifier, testLookupConfig())

	result := svc.GetPeers(testInfoHash())
	if len(result.Peers) != 1 || result.Peers[0].String() != wantPeer.String() {
		t.Fatalf("GetPeers().Peers = %v, want [%v]", result.Peers, wantPeer)
	}

	te, ok := result.TokensByNode[peerID]
	if !ok || te.token != "servertoken" {
		t.Fatalf("expected a token collected for the responding peer, got %+v", result.TokensByNode)
	}
}

func TestPeerLookupService_AnnounceRequiresTokenFromGetPeers(t *testing.T) {
	sock, tm, verifier, table := testLookupServiceDeps(t)
	local := table.ID()

	peer, err := bindSocket(slog.New(slog.NewTextHandler(io.Discard, nil)), "127.0.0.1", 0, DefaultMTU)
	if err != nil {
		t.Fatalf("bindSocket peer: %v", err)
	}
	defer peer.Stop()

	var gotToken string
	peer.Start(func(msg *Message) {
		if msg.Q == MethodAnnouncePeer {
			if tok, ok := msg.GetToken(); ok {
				gotToken = tok
			}
			peer.Send(announcePeerResponse(msg.T, RandomNodeID()), msg.From)
		}
	}, func(*Message) {})

	svc := newPeerLookupService(slog.New(slog.NewTextHandler(io.Discard, nil)), local, table, tm, sock, verifier, testLookupConfig())

	peerID := RandomNodeID()
	tokens := map[NodeID]tokenAndEndpoint{
		peerID: {token: "fromgetpeers", endpoint: EndpointFromUDPAddr(peer.LocalAddr())},
	}

	result := svc.Announce(testInfoHash(), 6881, false, tokens)
	if !result.Success || result.AnnouncedTo != 1 {
		t.Fatalf("Announce() = %+v, want a single successful announce", result)
	}
	if gotToken != "fromgetpeers" {
		t.Fatalf("announce_peer carried token %q, want %q", gotToken, "fromgetpeers")
	}
}

func TestPeerLookupService_AnnounceRejectedCountsAsUnsuccessful(t *testing.T) {
	sock, tm, verifier, table := testLookupServiceDeps(t)
	local := table.ID()

	peer, err := bindSocket(slog.New(slog.NewTextHandler(io.Discard, nil)), "127.0.0.1", 0, DefaultMTU)
	if err != nil {
		t.Fatalf("bindSocket peer: %v", err)
	}
	defer peer.Stop()

	peer.Start(func(msg *Message) {
		if msg.Q == MethodAnnouncePeer {
			peer.Send(newErrorMsg(msg.T, ErrProtocol, "bad token"), msg.From)
		}
	}, func(*Message) {})

	svc := newPeerLookupService(slog.New(slog.NewTextHandler(io.Discard, nil)), local, table, tm, sock, verifier, testLookupConfig())

	peerID := RandomNodeID()
	tokens := map[NodeID]tokenAndEndpoint{
		peerID: {token: "stale", endpoint: EndpointFromUDPAddr(peer.LocalAddr())},
	}

	result := svc.Announce(testInfoHash(), 6881, false, tokens)
	if result.Success || result.AnnouncedTo != 0 {
		t.Fatalf("Announce() = %+v, want an unsuccessful result when every node rejects", result)
	}
}

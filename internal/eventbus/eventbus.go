// Package eventbus is the observability seam between the DHT/crawler core
// and anything that wants to watch it: a CLI status line, a metrics
// exporter, or tests. Publishers never block on a slow subscriber.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is the marker interface for everything publishable on a Bus.
type Event interface {
	eventName() string
}

type baseEvent struct {
	At time.Time
}

// NodeDiscovered fires when a node is newly admitted to the routing table.
type NodeDiscovered struct {
	baseEvent
	NodeID string
	Addr   string
}

func (NodeDiscovered) eventName() string { return "node_discovered" }

// PeerDiscovered fires when a peer endpoint is learned for an info hash,
// either from a get_peers response or a local announce_peer.
type PeerDiscovered struct {
	baseEvent
	InfoHash string
	Addr     string
}

func (PeerDiscovered) eventName() string { return "peer_discovered" }

// InfoHashDiscovered fires the first time the crawler observes a given
// info hash, via announce_peer traffic or get_peers queries it services.
type InfoHashDiscovered struct {
	baseEvent
	InfoHash string
}

func (InfoHashDiscovered) eventName() string { return "infohash_discovered" }

// MessageSent fires for every reply or error the DHT node sends in answer to
// an inbound query. Outbound queries (lookups, pings, verifier probes,
// announces) are sent without publishing it.
type MessageSent struct {
	baseEvent
	Method string
	Addr   string
}

func (MessageSent) eventName() string { return "message_sent" }

// MessageReceived fires for every inbound KRPC datagram.
type MessageReceived struct {
	baseEvent
	Type string
	Addr string
}

func (MessageReceived) eventName() string { return "message_received" }

// SystemStarted fires once the DHT node has bound its socket and started
// its background workers.
type SystemStarted struct {
	baseEvent
	Addr string
}

func (SystemStarted) eventName() string { return "system_started" }

// SystemStopped fires once the DHT node has finished tearing down.
type SystemStopped struct {
	baseEvent
}

func (SystemStopped) eventName() string { return "system_stopped" }

const subscriberBuffer = 256

// Bus fans published events out to every subscriber. Each subscriber gets
// its own bounded channel; a subscriber that falls behind has its oldest
// buffered event dropped rather than stalling the publisher.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe func. Callers must drain the channel or call unsubscribe to
// avoid leaking the slot.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber without blocking. A full
// subscriber channel has its oldest event evicted to make room; the
// publisher never waits on a slow reader.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropping event for slow subscriber", "subscriber", id, "event", ev.eventName())
			}
		}
	}
}

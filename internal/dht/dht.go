package dht

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prxssh/dhtcrawler/internal/eventbus"
)

var (
	ErrNotStarted = errors.New("dht: not started")
	ErrAlready    = errors.New("dht: already started")
)

// Config is the complete set of knobs a DhtNode needs. There is no package
// level default instance; callers build one explicitly (config.Default()
// in the CLI layer) and pass it to New.
type Config struct {
	Logger *slog.Logger
	Bus    *eventbus.Bus

	LocalID    NodeID
	ListenHost string
	Port       int
	MTU        int

	KBucketSize           int
	Alpha                 int
	MaxResults            int
	BucketStaleness       time.Duration
	BucketRefreshInterval time.Duration

	MaxTransactions    int
	TransactionTimeout time.Duration

	TokenRotationInterval time.Duration

	PeerTTL         time.Duration
	MaxPeersPerHash int
	MaxInfoHashes   int

	VerifierSettle time.Duration

	BootstrapNodes []string
}

// DhtNode is the single owning value for one DHT participant: one socket,
// one routing table, one peer store, one token manager. Nothing in this
// package reaches for global or package-level state; every collaborator is
// composed here and handed to the pieces that need it.
type DhtNode struct {
	cfg *Config

	table  *RoutingTable
	store  *PeerStore
	sock   *socket
	tm     *transactionManager
	tokens *tokenManager

	verifier   *nodeVerifier
	handler    *queryHandler
	nodeLookup *nodeLookupService
	peerLookup *peerLookupService
	refresher  *bucketRefresher
	bootstrap  *bootstrapper

	bus *eventbus.Bus

	mu      sync.RWMutex
	started bool
}

// New composes a fully wired DhtNode from cfg. Nothing is started yet; call
// Start to bind the socket and launch background workers.
func New(cfg *Config) (*DhtNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New(cfg.Logger)
	}

	sock, err := bindSocket(cfg.Logger, cfg.ListenHost, cfg.Port, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("dht: bind socket: %w", err)
	}

	table := NewRoutingTable(cfg.LocalID, cfg.KBucketSize, cfg.BucketStaleness)
	store := NewPeerStore(cfg.PeerTTL, cfg.MaxPeersPerHash, cfg.MaxInfoHashes)
	tm := newTransactionManager(cfg.Logger, cfg.MaxTransactions, cfg.TransactionTimeout)
	tokens := newTokenManager(cfg.TokenRotationInterval)

	d := &DhtNode{
		cfg:    cfg,
		table:  table,
		store:  store,
		sock:   sock,
		tm:     tm,
		tokens: tokens,
		bus:    cfg.Bus,
	}

	d.verifier = newNodeVerifier(cfg.Logger, table, cfg.VerifierSettle, d.verifySend)

	lookupCfg := lookupConfig{
		alpha:           cfg.Alpha,
		k:               cfg.KBucketSize,
		iterationCap:    defaultIterationCap,
		totalQueriedCap: defaultTotalQueriedCap,
		queryTimeout:    cfg.TransactionTimeout,
	}
	d.nodeLookup = newNodeLookupService(cfg.Logger, cfg.LocalID, table, tm, sock, d.verifier, lookupCfg)
	d.peerLookup = newPeerLookupService(cfg.Logger, cfg.LocalID, table, tm, sock, d.verifier, lookupCfg)

	d.handler = &queryHandler{
		logger:    cfg.Logger,
		localID:   cfg.LocalID,
		table:     table,
		store:     store,
		tokens:    tokens,
		verifier:  d.verifier,
		maxNodes:  cfg.MaxResults,
		sendResp:  d.sendMessage,
		sendError: d.sendErrorMessage,
	}

	d.refresher = newBucketRefresher(cfg.Logger, table, cfg.BucketRefreshInterval, d.nodeLookup.FindNode)
	d.bootstrap = newBootstrapper(cfg.Logger, table, d.nodeLookup.FindNode, cfg.BootstrapNodes)

	return d, nil
}

// Start binds the read loop and launches every background worker: the
// transaction timeout ticker, the peer store cleanup loop, the token
// rotator, the node verifier, and the bucket refresher. It then runs an
// initial bootstrap pass synchronously so callers can tell whether the node
// actually reached the network before returning.
func (d *DhtNode) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlready
	}
	d.started = true
	d.mu.Unlock()

	d.sock.Start(d.handleQuery, d.handleResponse)
	d.tm.Start()
	d.store.Start()
	d.tokens.Start()
	d.verifier.Start()
	d.refresher.Start()

	d.bus.Publish(eventbus.SystemStarted{Addr: d.sock.LocalAddr().String()})

	if ok := d.bootstrap.Run(ctx); !ok {
		d.cfg.Logger.Warn("bootstrap found no live nodes")
	}

	return nil
}

// Stop tears every background worker down in reverse dependency order and
// closes the socket last, so in-flight callbacks never reach a nil
// collaborator.
func (d *DhtNode) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	d.refresher.Stop()
	d.verifier.Stop()
	d.tokens.Stop()
	d.store.Stop()
	d.tm.Stop()
	d.sock.Stop()

	d.bus.Publish(eventbus.SystemStopped{})
}

func (d *DhtNode) isStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

// Ping pings dest directly and, on success, queues the responding node for
// routing table admission through the verifier's settle-then-admit path.
func (d *DhtNode) Ping(dest Endpoint) error {
	if !d.isStarted() {
		return ErrNotStarted
	}

	query := pingQuery("", d.cfg.LocalID)
	result := make(chan error, 1)

	_, err := d.tm.Create(query, dest,
		func(msg *Message) {
			if id, ok := msg.GetNodeID(); ok {
				d.verifier.Enqueue(NewNode(id, dest))
			}
			result <- nil
		},
		func(msg *Message) { result <- errFromMessage(msg) },
		func() { result <- errQueryTimeout },
	)
	if err != nil {
		return err
	}
	if err := d.sock.Send(query, dest); err != nil {
		return err
	}
	return <-result
}

// FindNode runs an iterative lookup for target and returns the closest
// responding nodes.
func (d *DhtNode) FindNode(target NodeID) ([]*Node, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}
	return d.nodeLookup.FindNode(target), nil
}

// GetPeers runs an iterative lookup for infoHash and returns every peer
// endpoint collected, along with per-node tokens retained for a subsequent
// AnnouncePeer call.
func (d *DhtNode) GetPeers(infoHash InfoHash) (*peerLookupResult, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}
	return d.peerLookup.GetPeers(infoHash), nil
}

// AnnouncePeer runs GetPeers to collect tokens, then announces to every
// responding node. port is ignored when impliedPort is true, in which case
// each remote node infers our port from the announce datagram's source.
func (d *DhtNode) AnnouncePeer(infoHash InfoHash, port int, impliedPort bool) (*announceResult, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}

	lookup := d.peerLookup.GetPeers(infoHash)
	result := d.peerLookup.Announce(infoHash, port, impliedPort, lookup.TokensByNode)
	return result, nil
}

// Stats reports the current routing table composition.
func (d *DhtNode) Stats() RoutingTableStats {
	return d.table.Stats()
}

// Table exposes the routing table for a persistence collaborator to
// snapshot and bulk-load; internal/dht itself never needs this accessor.
func (d *DhtNode) Table() *RoutingTable {
	return d.table
}

// Store exposes the peer store for a persistence collaborator to snapshot
// and bulk-load.
func (d *DhtNode) Store() *PeerStore {
	return d.store
}

// LocalAddr returns the bound UDP address.
func (d *DhtNode) LocalAddr() string {
	return d.sock.LocalAddr().String()
}

// verifySend implements the nodeVerifier's send hook: ping once, call onOK
// on a genuine matching reply, onFail otherwise.
func (d *DhtNode) verifySend(node *Node, onOK func(), onFail func()) {
	query := pingQuery("", d.cfg.LocalID)

	_, err := d.tm.Create(query, node.Endpoint,
		func(msg *Message) {
			if id, ok := msg.GetNodeID(); ok && id == node.ID {
				onOK()
				return
			}
			onFail()
		},
		func(*Message) { onFail() },
		func() { onFail() },
	)
	if err != nil {
		onFail()
		return
	}
	if err := d.sock.Send(query, node.Endpoint); err != nil {
		onFail()
	}
}

func (d *DhtNode) handleQuery(msg *Message) {
	d.bus.Publish(eventbus.MessageReceived{Type: "query", Addr: msg.From.String()})
	d.handler.Handle(msg)
}

func (d *DhtNode) handleResponse(msg *Message) {
	d.bus.Publish(eventbus.MessageReceived{Type: string(msg.Y), Addr: msg.From.String()})
	d.tm.Dispatch(msg)
}

func (d *DhtNode) sendMessage(msg *Message, dest Endpoint) {
	if err := d.sock.Send(msg, dest); err != nil {
		d.cfg.Logger.Debug("send failed", "dest", dest, "err", err)
		return
	}
	d.bus.Publish(eventbus.MessageSent{Addr: dest.String()})
}

func (d *DhtNode) sendErrorMessage(tid string, code int, message string, dest Endpoint) {
	d.sendMessage(newErrorMsg(tid, code, message), dest)
}

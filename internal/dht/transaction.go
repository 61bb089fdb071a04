package dht

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/dhtcrawler/pkg/syncmap"
)

// ErrResourceExhausted is returned by the transaction manager when the
// in-flight table is at capacity.
var ErrResourceExhausted = errors.New("dht: transaction table full")

// transaction tracks one outstanding query awaiting exactly one of a
// response, an error, or a timeout.
type transaction struct {
	tid      string
	query    *Message
	dest     Endpoint
	deadline time.Time

	onResponse func(*Message)
	onError    func(*Message)
	onTimeout  func()

	done atomic.Bool // set by the first of the three completion paths
}

// transactionManager allocates transaction ids, tracks outstanding queries,
// and routes each inbound response/error to its waiting callback exactly
// once. A single ticking goroutine fires timeouts; callbacks are always
// invoked outside the manager's lock to avoid re-entrant deadlock (the
// documented hazard in callback-chained designs this one replaces).
type transactionManager struct {
	logger   *slog.Logger
	capacity int
	timeout  time.Duration

	pending *syncmap.Map[string, *transaction]
	counter atomic.Uint32

	wg   sync.WaitGroup
	done chan struct{}
}

func newTransactionManager(logger *slog.Logger, capacity int, timeout time.Duration) *transactionManager {
	return &transactionManager{
		logger:   logger,
		capacity: capacity,
		timeout:  timeout,
		pending:  syncmap.New[string, *transaction](),
		done:     make(chan struct{}),
	}
}

func (tm *transactionManager) Start() {
	tm.wg.Add(1)
	go tm.timeoutLoop()
}

func (tm *transactionManager) Stop() {
	close(tm.done)
	tm.wg.Wait()

	// Any transaction still pending at shutdown completes via onTimeout,
	// same as a normal expiry, so callers never hang on Stop.
	tm.pending.Range(func(tid string, tx *transaction) bool {
		tm.complete(tx, func() {
			if tx.onTimeout != nil {
				tx.onTimeout()
			}
		})
		return true
	})
}

// Create registers a new outstanding query and returns its transaction id.
// Exactly one of onResponse, onError, or onTimeout will be invoked later,
// off the caller's goroutine.
func (tm *transactionManager) Create(
	query *Message,
	dest Endpoint,
	onResponse, onError func(*Message),
	onTimeout func(),
) (string, error) {
	if tm.pending.Len() >= tm.capacity {
		return "", ErrResourceExhausted
	}

	tid := tm.nextID()
	query.T = tid

	tx := &transaction{
		tid:        tid,
		query:      query,
		dest:       dest,
		deadline:   time.Now().Add(tm.timeout),
		onResponse: onResponse,
		onError:    onError,
		onTimeout:  onTimeout,
	}
	tm.pending.Put(tid, tx)

	return tid, nil
}

// Dispatch routes an inbound response or error to its transaction, invoking
// the matching callback exactly once. Unknown transaction ids (e.g. a
// duplicate or expired reply) are silently dropped.
func (tm *transactionManager) Dispatch(msg *Message) {
	tx, ok := tm.pending.Get(msg.T)
	if !ok {
		tm.logger.Debug("response for unknown transaction", "tid", msg.T, "from", msg.From)
		return
	}

	switch msg.Y {
	case TypeResponse:
		tm.complete(tx, func() {
			if tx.onResponse != nil {
				tx.onResponse(msg)
			}
		})
	case TypeError:
		tm.complete(tx, func() {
			if tx.onError != nil {
				tx.onError(msg)
			}
		})
	}
}

func (tm *transactionManager) complete(tx *transaction, invoke func()) {
	if !tx.done.CompareAndSwap(false, true) {
		return
	}
	tm.pending.Delete(tx.tid)
	invoke()
}

func (tm *transactionManager) timeoutLoop() {
	defer tm.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-tm.done:
			return
		case <-ticker.C:
			tm.checkTimeouts()
		}
	}
}

func (tm *transactionManager) checkTimeouts() {
	now := time.Now()

	var expired []*transaction
	tm.pending.Range(func(_ string, tx *transaction) bool {
		if now.After(tx.deadline) {
			expired = append(expired, tx)
		}
		return true
	})

	for _, tx := range expired {
		tm.complete(tx, func() {
			if tx.onTimeout != nil {
				tx.onTimeout()
			}
		})
	}
}

func (tm *transactionManager) nextID() string {
	n := tm.counter.Add(1)
	var b [2]byte
	if uint16(n) == 0 {
		// the 16-bit id wraps to zero every 65536 ids: fall back to random
		// bytes there rather than reusing an all-zero id.
		rand.Read(b[:])
	} else {
		b[0] = byte(n >> 8)
		b[1] = byte(n)
	}
	return hex.EncodeToString(b[:])
}

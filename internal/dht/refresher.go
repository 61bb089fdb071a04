package dht

import (
	"log/slog"
	"sync"
	"time"
)

// bucketRefresher periodically looks up a random id from every stale bucket,
// keeping otherwise-idle parts of the routing table populated with live
// nodes instead of slowly going dark.
type bucketRefresher struct {
	logger   *slog.Logger
	table    *RoutingTable
	interval time.Duration
	lookup   func(target NodeID) []*Node

	done chan struct{}
	wg   sync.WaitGroup
}

func newBucketRefresher(
	logger *slog.Logger,
	table *RoutingTable,
	interval time.Duration,
	lookup func(target NodeID) []*Node,
) *bucketRefresher {
	return &bucketRefresher{
		logger:   logger,
		table:    table,
		interval: interval,
		lookup:   lookup,
		done:     make(chan struct{}),
	}
}

func (r *bucketRefresher) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *bucketRefresher) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *bucketRefresher) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.refreshStale()
		}
	}
}

func (r *bucketRefresher) refreshStale() {
	for _, idx := range r.table.StaleBuckets() {
		target := r.table.RandomIDInBucket(idx)
		r.logger.Debug("refreshing stale bucket", "bucket", idx)
		r.lookup(target)
	}
}

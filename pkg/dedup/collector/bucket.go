package collector

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/soundprediction/fdedup/pkg/config"
	"github.com/soundprediction/fdedup/pkg/logger"
)

// BucketBatchHandler receives ready-to-resolve bucket batches from a
// BucketCollector's process_buckets call. The BucketProcessorInvoker
// implements this.
type BucketBatchHandler interface {
	Submit(ctx context.Context, batch []BucketEntry) error
}

// BucketCollector owns one shard of the band_key -> doc_id-set space: "own
// a key range; accept batched appends; serve batched lookups; report size
// on teardown."
type BucketCollector struct {
	shardIndex int
	numShards  int

	requests chan func()
	closed   chan struct{}

	buckets map[BandKey]map[DocID]struct{}
	order   []BandKey // insertion order, for FIFO spill selection
	spilled map[BandKey]struct{}

	spill          *SpillStore
	spillHighWater int

	processor      BucketBatchHandler
	requestLen     int
	maxOutstanding int

	log     *logger.Logger
	breaker *breaker
}

// NewBucketCollector constructs shard shardIndex of numShards. spill may be
// nil, in which case the shard never spills regardless of spillHighWater.
func NewBucketCollector(shardIndex, numShards int, cfg config.FuzzyConfig, spill *SpillStore, spillHighWater, maxOutstanding int, cbCfg config.CircuitBreakerConfig, log *logger.Logger) *BucketCollector {
	if log == nil {
		log = logger.NewDefaultLogger(0)
	}
	requestLen := cfg.RequestLen
	if requestLen <= 0 {
		requestLen = 1000
	}
	if maxOutstanding <= 0 {
		maxOutstanding = 1
	}
	c := &BucketCollector{
		shardIndex:     shardIndex,
		numShards:      numShards,
		requests:       make(chan func(), 64),
		closed:         make(chan struct{}),
		buckets:        make(map[BandKey]map[DocID]struct{}),
		spilled:        make(map[BandKey]struct{}),
		spill:          spill,
		spillHighWater: spillHighWater,
		requestLen:     requestLen,
		maxOutstanding: maxOutstanding,
		log:            log,
		breaker:        newBreaker(fmt.Sprintf("bucket-shard-%d", shardIndex), cbCfg, cfg.MaxRPCRetries, log),
	}
	go c.run()
	return c
}

func (c *BucketCollector) run() {
	for req := range c.requests {
		req()
	}
	close(c.closed)
}

// Stop drains and terminates the shard's goroutine. It must not be called
// concurrently with in-flight do() calls.
func (c *BucketCollector) Stop() {
	close(c.requests)
	<-c.closed
}

func (c *BucketCollector) do(fn func()) {
	done := make(chan struct{})
	c.requests <- func() {
		fn()
		close(done)
	}
	<-done
}

// AddBuckets appends doc_ids into each bucket's set, deduping within a
// bucket (idempotent re-adds are expected).
func (c *BucketCollector) AddBuckets(batch []BucketEntry) {
	c.do(func() {
		for _, e := range batch {
			set := c.loadOrCreate(e.Key)
			for _, id := range e.DocIDs {
				set[id] = struct{}{}
			}
		}
		c.maybeSpill()
	})
}

// loadOrCreate returns the in-memory set for key, pulling it back from the
// spill store first if it had been evicted there.
func (c *BucketCollector) loadOrCreate(key BandKey) map[DocID]struct{} {
	if set, ok := c.buckets[key]; ok {
		return set
	}
	set := make(map[DocID]struct{})
	if c.spill != nil {
		if _, wasSpilled := c.spilled[key]; wasSpilled {
			var ids []DocID
			if found, err := c.spill.Get(bandKeyBytes(key), &ids); err == nil && found {
				for _, id := range ids {
					set[id] = struct{}{}
				}
			} else if err != nil {
				c.log.Warn("bucket spill read failed, treating bucket as empty", "key", key, "error", err)
			}
			delete(c.spilled, key)
			_ = c.spill.Delete(bandKeyBytes(key))
		}
	}
	c.buckets[key] = set
	c.order = append(c.order, key)
	return set
}

// maybeSpill evicts the oldest in-memory buckets to disk once the shard's
// resident bucket count exceeds spillHighWater.
func (c *BucketCollector) maybeSpill() {
	if c.spill == nil || c.spillHighWater <= 0 {
		return
	}
	for len(c.buckets) > c.spillHighWater && len(c.order) > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		set, ok := c.buckets[key]
		if !ok {
			continue
		}
		ids := make([]DocID, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		if err := c.spill.Put(bandKeyBytes(key), ids); err != nil {
			c.log.Warn("bucket spill write failed, keeping bucket resident", "key", key, "error", err)
			continue
		}
		delete(c.buckets, key)
		c.spilled[key] = struct{}{}
	}
}

// RegisterProcessor attaches the downstream BucketProcessorInvoker before
// ProcessBuckets runs.
func (c *BucketCollector) RegisterProcessor(h BucketBatchHandler) {
	c.do(func() { c.processor = h })
}

// ProcessBuckets iterates all buckets of size >= 2, batches them into
// requests of roughly RequestLen band_keys, and submits them to the
// registered processor with backpressure (at most maxOutstanding
// in-flight). Singletons are discarded.
func (c *BucketCollector) ProcessBuckets(ctx context.Context) error {
	var processor BucketBatchHandler
	var batches [][]BucketEntry
	c.do(func() {
		processor = c.processor
		batches = c.snapshotReadyBatches()
	})
	if processor == nil {
		return fmt.Errorf("bucket shard %d: process_buckets called before register_processor", c.shardIndex)
	}

	sem := make(chan struct{}, c.maxOutstanding)
	var wg sync.WaitGroup
	errCh := make(chan error, len(batches))
	for _, batch := range batches {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(b []BucketEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := call(c.breaker, func() (struct{}, error) {
				return struct{}{}, processor.Submit(ctx, b)
			})
			if err != nil {
				errCh <- err
			}
		}(batch)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// snapshotReadyBatches must run inside a do() turn: it walks in-memory and
// spilled buckets, discards singletons, and groups the rest into batches
// of roughly RequestLen entries.
func (c *BucketCollector) snapshotReadyBatches() [][]BucketEntry {
	var batches [][]BucketEntry
	var current []BucketEntry

	flush := func(key BandKey, ids []DocID) {
		if len(ids) < 2 {
			return
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		current = append(current, BucketEntry{Key: key, DocIDs: ids})
		if len(current) >= c.requestLen {
			batches = append(batches, current)
			current = nil
		}
	}

	for key, set := range c.buckets {
		ids := make([]DocID, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		flush(key, ids)
	}
	for key := range c.spilled {
		var ids []DocID
		if found, err := c.spill.Get(bandKeyBytes(key), &ids); err == nil && found {
			flush(key, ids)
		} else if err != nil {
			c.log.Warn("bucket spill read failed during process_buckets", "key", key, "error", err)
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// GetSize reports the shard's bucket count (in-memory plus spilled) and an
// approximate byte footprint of the in-memory buckets, for operator tuning
// on teardown.
func (c *BucketCollector) GetSize() (numBuckets int, approxBytes int64) {
	c.do(func() {
		numBuckets = len(c.buckets) + len(c.spilled)
		for _, set := range c.buckets {
			approxBytes += int64(len(set)) * 8
		}
	})
	return
}

func bandKeyBytes(key BandKey) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, key)
	return buf
}

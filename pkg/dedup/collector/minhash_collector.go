package collector

import (
	"encoding/binary"
	"fmt"

	"github.com/soundprediction/fdedup/pkg/config"
	"github.com/soundprediction/fdedup/pkg/logger"
)

// MinHashCollector owns one shard of the doc_id -> (doc_length, signature)
// map, keyed by doc_id mod M.
type MinHashCollector struct {
	shardIndex int
	numShards  int

	requests chan func()
	closed   chan struct{}

	entries map[DocID]MinHashEntry
	order   []DocID
	spilled map[DocID]struct{}

	spill          *SpillStore
	spillHighWater int
	numPerm        int

	log     *logger.Logger
	breaker *breaker
}

// NewMinHashCollector constructs shard shardIndex of numShards.
func NewMinHashCollector(shardIndex, numShards int, cfg config.FuzzyConfig, spill *SpillStore, spillHighWater int, cbCfg config.CircuitBreakerConfig, log *logger.Logger) *MinHashCollector {
	if log == nil {
		log = logger.NewDefaultLogger(0)
	}
	c := &MinHashCollector{
		shardIndex:     shardIndex,
		numShards:      numShards,
		requests:       make(chan func(), 64),
		closed:         make(chan struct{}),
		entries:        make(map[DocID]MinHashEntry),
		spilled:        make(map[DocID]struct{}),
		spill:          spill,
		spillHighWater: spillHighWater,
		numPerm:        cfg.NumPermutations,
		log:            log,
		breaker:        newBreaker(fmt.Sprintf("minhash-shard-%d", shardIndex), cbCfg, cfg.MaxRPCRetries, log),
	}
	go c.run()
	return c
}

func (c *MinHashCollector) run() {
	for req := range c.requests {
		req()
	}
	close(c.closed)
}

// Stop drains and terminates the shard's goroutine.
func (c *MinHashCollector) Stop() {
	close(c.requests)
	<-c.closed
}

func (c *MinHashCollector) do(fn func()) {
	done := make(chan struct{})
	c.requests <- func() {
		fn()
		close(done)
	}
	<-done
}

// AddMinhashes stores a batch of (doc_id, doc_length, signature) entries.
func (c *MinHashCollector) AddMinhashes(batch []MinHashEntry) {
	c.do(func() {
		for _, e := range batch {
			delete(c.spilled, e.DocID)
			if _, existed := c.entries[e.DocID]; !existed {
				c.order = append(c.order, e.DocID)
			}
			c.entries[e.DocID] = e
		}
		c.maybeSpill()
	})
}

// GetMinhashes returns every requested id's stored entry. Per the
// collector contract, every requested id is assumed present by the
// caller; an id with no stored entry is simply omitted from the result
// (callers only ever request ids they themselves previously added).
func (c *MinHashCollector) GetMinhashes(ids []DocID) []MinHashEntry {
	var out []MinHashEntry
	c.do(func() {
		out = make([]MinHashEntry, 0, len(ids))
		for _, id := range ids {
			if e, ok := c.entries[id]; ok {
				out = append(out, e)
				continue
			}
			if _, wasSpilled := c.spilled[id]; wasSpilled && c.spill != nil {
				var e MinHashEntry
				if found, err := c.spill.Get(docIDBytes(id), &e); err == nil && found {
					out = append(out, e)
				} else if err != nil {
					c.log.Warn("minhash spill read failed", "doc_id", id, "error", err)
				}
			}
		}
	})
	return out
}

// maybeSpill evicts the oldest-inserted in-memory entries once the
// shard's resident count exceeds spillHighWater.
func (c *MinHashCollector) maybeSpill() {
	if c.spill == nil || c.spillHighWater <= 0 {
		return
	}
	for len(c.entries) > c.spillHighWater && len(c.order) > 0 {
		id := c.order[0]
		c.order = c.order[1:]
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if err := c.spill.Put(docIDBytes(id), e); err != nil {
			c.log.Warn("minhash spill write failed, keeping entry resident", "doc_id", id, "error", err)
			continue
		}
		delete(c.entries, id)
		c.spilled[id] = struct{}{}
	}
}

// GetSize reports the shard's entry count (in-memory plus spilled) and an
// approximate byte footprint of the in-memory entries.
func (c *MinHashCollector) GetSize() (count int, approxBytes int64) {
	c.do(func() {
		count = len(c.entries) + len(c.spilled)
		approxBytes = int64(len(c.entries)) * int64(8*c.numPerm+16)
	})
	return
}

func docIDBytes(id DocID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/soundprediction/fdedup/pkg/config"
	"github.com/soundprediction/fdedup/pkg/logger"
)

// DocCollectorPeer is the subset of DocCollector's surface a shard needs
// to reach another shard for transitive cluster-rewrite follow-ups.
type DocCollectorPeer interface {
	AddCluster(ctx context.Context, batch []ClusterAssignment) error
}

// DocCollector owns one shard of the doc_id -> cluster_id decision map,
// keyed by doc_id mod D. It implements the union-find-like "smallest
// representative wins" resolution without a global coordinator: when a
// doc already assigned to c1 receives an update to c2, the doc (and,
// transitively, anything currently pointing at max(c1,c2)) is rewritten
// to min(c1,c2). Docs this shard doesn't own are reached via a follow-up
// AddCluster call to their owning peer.
type DocCollector struct {
	shardIndex int
	numShards  int

	requests chan func()
	closed   chan struct{}

	assign   map[DocID]ClusterID
	clusters map[ClusterID]map[DocID]struct{} // reverse index, local docs only
	removed  map[DocID]struct{}

	peers    []DocCollectorPeer
	breakers []*breaker

	log *logger.Logger
}

// NewDocCollector constructs shard shardIndex of numShards. Call SetPeers
// once every shard has been constructed, before any AddCluster call that
// might need to rewrite a representative living in another shard.
func NewDocCollector(shardIndex, numShards int, cfg config.FuzzyConfig, cbCfg config.CircuitBreakerConfig, log *logger.Logger) *DocCollector {
	if log == nil {
		log = logger.NewDefaultLogger(0)
	}
	breakers := make([]*breaker, numShards)
	for i := range breakers {
		breakers[i] = newBreaker(fmt.Sprintf("doc-shard-%d", i), cbCfg, cfg.MaxRPCRetries, log)
	}
	c := &DocCollector{
		shardIndex: shardIndex,
		numShards:  numShards,
		requests:   make(chan func(), 64),
		closed:     make(chan struct{}),
		assign:     make(map[DocID]ClusterID),
		clusters:   make(map[ClusterID]map[DocID]struct{}),
		removed:    make(map[DocID]struct{}),
		breakers:   breakers,
		log:        log,
	}
	go c.run()
	return c
}

func (c *DocCollector) run() {
	for req := range c.requests {
		req()
	}
	close(c.closed)
}

// Stop drains and terminates the shard's goroutine.
func (c *DocCollector) Stop() {
	close(c.requests)
	<-c.closed
}

func (c *DocCollector) do(fn func()) {
	done := make(chan struct{})
	c.requests <- func() {
		fn()
		close(done)
	}
	<-done
}

// SetPeers wires every shard's peer handle, including this one at index
// shardIndex (self-addressed follow-ups loop back harmlessly).
func (c *DocCollector) SetPeers(peers []DocCollectorPeer) {
	c.do(func() { c.peers = peers })
}

// AddCluster sets or updates doc_id -> cluster_id for a batch, resolving
// conflicts by smallest-representative-wins. Updates whose displaced
// representative lives in another shard are forwarded there; AddCluster
// blocks until every such follow-up (and anything they transitively
// trigger) has completed.
func (c *DocCollector) AddCluster(ctx context.Context, batch []ClusterAssignment) error {
	var followups []ClusterAssignment
	c.do(func() {
		for _, a := range batch {
			followups = append(followups, c.applyAssignment(a.DocID, a.ClusterID)...)
		}
	})
	if len(followups) == 0 {
		return nil
	}

	byShard := make(map[int][]ClusterAssignment)
	for _, fw := range followups {
		byShard[shardFor(fw.DocID, c.numShards)] = append(byShard[shardFor(fw.DocID, c.numShards)], fw)
	}

	type result struct{ err error }
	results := make(chan result, len(byShard))
	for idx, fws := range byShard {
		go func(idx int, fws []ClusterAssignment) {
			peer := c.peers[idx]
			b := c.breakers[idx]
			_, err := call(b, func() (struct{}, error) {
				return struct{}{}, peer.AddCluster(ctx, fws)
			})
			results <- result{err: err}
		}(idx, fws)
	}

	var errs []error
	for range byShard {
		if r := <-results; r.err != nil {
			errs = append(errs, r.err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// applyAssignment runs inside a do() turn. It returns any follow-up
// assignments that must be sent to other shards because the cluster id
// being displaced (hi) is itself a doc_id this shard doesn't own.
func (c *DocCollector) applyAssignment(docID DocID, incoming ClusterID) []ClusterAssignment {
	if _, isRemoved := c.removed[docID]; isRemoved {
		return nil
	}
	current, exists := c.assign[docID]
	if !exists {
		c.setLocal(docID, incoming)
		return nil
	}
	if current == incoming {
		return nil
	}

	lo, hi := incoming, current
	if current < incoming {
		lo, hi = current, incoming
	}

	if members, ok := c.clusters[hi]; ok {
		for member := range members {
			c.setLocal(member, lo)
		}
	} else {
		c.setLocal(docID, lo)
	}

	if shardFor(hi, c.numShards) != c.shardIndex {
		return []ClusterAssignment{{DocID: hi, ClusterID: lo}}
	}
	// hi is itself a local doc_id (e.g. a previously-reflexive rep entry
	// that lives in this shard); rewrite it directly rather than looping
	// back through a follow-up call, and pass on any follow-ups that
	// rewrite in turn produces.
	return c.applyAssignment(hi, lo)
}

func (c *DocCollector) setLocal(docID DocID, cluster ClusterID) {
	if old, ok := c.assign[docID]; ok {
		if set := c.clusters[old]; set != nil {
			delete(set, docID)
			if len(set) == 0 {
				delete(c.clusters, old)
			}
		}
	}
	c.assign[docID] = cluster
	set, ok := c.clusters[cluster]
	if !ok {
		set = make(map[DocID]struct{})
		c.clusters[cluster] = set
	}
	set[docID] = struct{}{}
}

// AddRemoved marks a batch of doc_ids as dropped, removing any prior
// cluster entry. Removed-set membership is final.
func (c *DocCollector) AddRemoved(batch []DocID) {
	c.do(func() {
		for _, id := range batch {
			if old, ok := c.assign[id]; ok {
				if set := c.clusters[old]; set != nil {
					delete(set, id)
					if len(set) == 0 {
						delete(c.clusters, old)
					}
				}
				delete(c.assign, id)
			}
			c.removed[id] = struct{}{}
		}
	})
}

// Filter returns only surviving ids, each paired with its final cluster
// representative. An id this shard never saw a cluster decision for (it
// never collided into a multi-doc bucket) defaults to its own singleton
// cluster, same as a doc that was never clustered at all; only ids in the
// removed set are dropped.
func (c *DocCollector) Filter(ids []DocID) map[DocID]ClusterID {
	result := make(map[DocID]ClusterID)
	c.do(func() {
		for _, id := range ids {
			if _, removed := c.removed[id]; removed {
				continue
			}
			if cluster, ok := c.assign[id]; ok {
				result[id] = cluster
			} else {
				result[id] = ClusterID(id)
			}
		}
	})
	return result
}

// GetSize reports kept/removed counts and approximate byte footprints.
func (c *DocCollector) GetSize() (keptCount int, keptBytes int64, removedCount int, removedBytes int64) {
	c.do(func() {
		keptCount = len(c.assign)
		keptBytes = int64(keptCount) * 16
		removedCount = len(c.removed)
		removedBytes = int64(removedCount) * 8
	})
	return
}

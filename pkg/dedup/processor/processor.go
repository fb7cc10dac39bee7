// Package processor resolves LSH bucket candidates into cluster decisions.
// A BucketProcessor is stateless across buckets — all state lives in the
// MinHashCollector and DocCollector shards it is wired to — and a
// BucketProcessorInvoker fans submitted batches out across a bounded pool.
package processor

import (
	"context"
	"fmt"
	"sort"

	"github.com/soundprediction/fdedup/pkg/dedup/collector"
	"github.com/soundprediction/fdedup/pkg/dedup/minhash"
	"github.com/soundprediction/fdedup/pkg/logger"
	"github.com/soundprediction/fdedup/pkg/utils"
)

// MinHashFetcher fetches stored minhash entries for a shard of doc_ids. A
// *collector.MinHashCollector satisfies this.
type MinHashFetcher interface {
	GetMinhashes(ids []collector.DocID) []collector.MinHashEntry
}

// DocUpdater applies cluster decisions and removals for a shard of
// doc_ids. A *collector.DocCollector satisfies this.
type DocUpdater interface {
	AddCluster(ctx context.Context, batch []collector.ClusterAssignment) error
	AddRemoved(batch []collector.DocID)
}

// BucketProcessor resolves bucket batches: dedupe ids, fetch signatures,
// pick a stable representative, walk the rest greedily, and emit
// decisions.
type BucketProcessor struct {
	minhashShards []MinHashFetcher
	docShards     []DocUpdater
	thresholdMin  float64 // threshold * numPerm, compared against MatchCount unfloored
	numPerm       int
	log           *logger.Logger
}

// NewBucketProcessor wires a processor to its minhash/doc shard fleets.
func NewBucketProcessor(minhashShards []MinHashFetcher, docShards []DocUpdater, threshold float64, numPerm int, log *logger.Logger) *BucketProcessor {
	if log == nil {
		log = logger.NewDefaultLogger(0)
	}
	return &BucketProcessor{
		minhashShards: minhashShards,
		docShards:     docShards,
		thresholdMin:  threshold * float64(numPerm),
		numPerm:       numPerm,
		log:           log,
	}
}

// ProcessBatch resolves every bucket entry in batch, in order. A fatal
// error on any entry aborts the remaining entries in the batch, matching
// the pipeline-wide "fatal error aborts" policy.
func (p *BucketProcessor) ProcessBatch(ctx context.Context, batch []collector.BucketEntry) error {
	for _, entry := range batch {
		if err := p.processBucket(ctx, entry); err != nil {
			return fmt.Errorf("bucket %d: %w", entry.Key, err)
		}
	}
	return nil
}

func (p *BucketProcessor) processBucket(ctx context.Context, entry collector.BucketEntry) error {
	ids := dedupeIDs(entry.DocIDs)
	if len(ids) < 2 {
		return nil
	}

	entries, err := p.fetchSignatures(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetch signatures: %w", err)
	}
	if len(entries) < 2 {
		return nil
	}

	// Stable representative: longest document first, ties to smallest id.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DocLength != entries[j].DocLength {
			return entries[i].DocLength > entries[j].DocLength
		}
		return entries[i].DocID < entries[j].DocID
	})

	clusterByShard := make(map[int][]collector.ClusterAssignment)
	removedByShard := make(map[int][]collector.DocID)

	addCluster := func(docID collector.DocID, clusterID collector.ClusterID) {
		idx := shardForDoc(docID, len(p.docShards))
		clusterByShard[idx] = append(clusterByShard[idx], collector.ClusterAssignment{DocID: docID, ClusterID: clusterID})
	}
	addRemoved := func(docID collector.DocID) {
		idx := shardForDoc(docID, len(p.docShards))
		removedByShard[idx] = append(removedByShard[idx], docID)
	}

	rep := entries[0]
	addCluster(rep.DocID, rep.DocID)
	for _, doc := range entries[1:] {
		if float64(minhash.MatchCount(rep.Signature, doc.Signature)) >= p.thresholdMin {
			// doc joins rep's cluster and is dropped from the corpus; its
			// add_cluster entry still lands first so a concurrently
			// in-flight update from another bucket sees a consistent
			// state to resolve smallest-wins against.
			addCluster(doc.DocID, rep.DocID)
			addRemoved(doc.DocID)
		} else {
			rep = doc
			addCluster(rep.DocID, rep.DocID)
		}
	}

	if err := p.dispatchClusters(ctx, clusterByShard); err != nil {
		return err
	}
	p.dispatchRemovals(ctx, removedByShard)
	return nil
}

// dispatchClusters issues one AddCluster RPC per destination shard,
// bounded by the shard count's own concurrency (no further cap needed —
// at most len(p.docShards) calls fan out per bucket).
func (p *BucketProcessor) dispatchClusters(ctx context.Context, byShard map[int][]collector.ClusterAssignment) error {
	if len(byShard) == 0 {
		return nil
	}
	fns := make([]func() error, 0, len(byShard))
	for idx, batch := range byShard {
		idx, batch := idx, batch
		fns = append(fns, func() error {
			return p.docShards[idx].AddCluster(ctx, batch)
		})
	}
	for _, err := range utils.SemaphoreGather(ctx, len(fns), fns...) {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *BucketProcessor) dispatchRemovals(ctx context.Context, byShard map[int][]collector.DocID) {
	if len(byShard) == 0 {
		return
	}
	fns := make([]func() error, 0, len(byShard))
	for idx, ids := range byShard {
		idx, ids := idx, ids
		fns = append(fns, func() error {
			p.docShards[idx].AddRemoved(ids)
			return nil
		})
	}
	utils.SemaphoreGather(ctx, len(fns), fns...)
}

// fetchSignatures partitions ids by minhash shard, issues lookups in
// parallel, and joins the results.
func (p *BucketProcessor) fetchSignatures(ctx context.Context, ids []collector.DocID) ([]collector.MinHashEntry, error) {
	byShard := make(map[int][]collector.DocID)
	for _, id := range ids {
		idx := shardForDoc(id, len(p.minhashShards))
		byShard[idx] = append(byShard[idx], id)
	}

	fns := make([]func() ([]collector.MinHashEntry, error), 0, len(byShard))
	for idx, shardIDs := range byShard {
		idx, shardIDs := idx, shardIDs
		fns = append(fns, func() ([]collector.MinHashEntry, error) {
			return p.minhashShards[idx].GetMinhashes(shardIDs), nil
		})
	}
	results, errs := utils.SemaphoreGatherWithResults(ctx, len(fns), fns...)
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	var all []collector.MinHashEntry
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func shardForDoc(id collector.DocID, numShards int) int {
	idx := int(id % int64(numShards))
	if idx < 0 {
		idx += numShards
	}
	return idx
}

func dedupeIDs(ids []collector.DocID) []collector.DocID {
	seen := make(map[collector.DocID]struct{}, len(ids))
	out := make([]collector.DocID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

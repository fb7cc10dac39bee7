// Package pipeline wires shingling, MinHashing, LSH banding, the
// partitioned collector shards, and the bucket processor into the
// three-phase run: preprocessing, bucket resolution, filter. It plays the
// role fdedup_implementation.py's FdedupRuntime.set_environment plays in
// the original (original_source): own the phase barriers, own the shard
// fleet's lifecycle, report one metadata document at the end.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/soundprediction/fdedup/pkg/config"
	"github.com/soundprediction/fdedup/pkg/dedup/collector"
	"github.com/soundprediction/fdedup/pkg/dedup/lsh"
	"github.com/soundprediction/fdedup/pkg/dedup/metrics"
	"github.com/soundprediction/fdedup/pkg/dedup/minhash"
	"github.com/soundprediction/fdedup/pkg/dedup/processor"
	"github.com/soundprediction/fdedup/pkg/dedup/shingle"
	"github.com/soundprediction/fdedup/pkg/dedup/table"
	"github.com/soundprediction/fdedup/pkg/logger"
	"github.com/soundprediction/fdedup/pkg/utils"
)

// Coordinator owns one run's shard fleet and drives it through the three
// phases. It is single-use: build one per Run via NewCoordinator.
type Coordinator struct {
	cfg    *config.Config
	sink   *table.Sink
	log    *logger.Logger
	gauges *metrics.Gauges

	hasher   *minhash.Hasher
	bands    lsh.Params
	shingler shingle.Shingler

	bucketShards  []*collector.BucketCollector
	minhashShards []*collector.MinHashCollector
	docShards     []*collector.DocCollector
	invoker       *processor.BucketProcessorInvoker

	bucketSpill *collector.SpillStore
	mhashSpill  *collector.SpillStore
}

// NewCoordinator builds the shard fleet and processor wiring described by
// cfg. Call Run once; Stop is called automatically at the end of Run.
func NewCoordinator(cfg *config.Config, sink *table.Sink, log *logger.Logger) (*Coordinator, error) {
	if log == nil {
		log = logger.NewDefaultLogger(0)
	}

	var bucketSpill, mhashSpill *collector.SpillStore
	var err error
	if cfg.Storage.BucketSpillDir != "" {
		if bucketSpill, err = collector.OpenSpillStore(cfg.Storage.BucketSpillDir); err != nil {
			return nil, fmt.Errorf("pipeline: open bucket spill store: %w", err)
		}
	}
	if cfg.Storage.MhashSpillDir != "" {
		if mhashSpill, err = collector.OpenSpillStore(cfg.Storage.MhashSpillDir); err != nil {
			return nil, fmt.Errorf("pipeline: open minhash spill store: %w", err)
		}
	}

	numBucket := cfg.Shards.NumBucketActors
	numMhash := cfg.Shards.NumMinhashActors
	numDoc := cfg.Shards.NumDocActors

	bucketShards := make([]*collector.BucketCollector, numBucket)
	for i := range bucketShards {
		bucketShards[i] = collector.NewBucketCollector(i, numBucket, cfg.Fuzzy, bucketSpill, cfg.Storage.SpillHighWater, utils.GetSemaphoreLimit(), cfg.CircuitBreaker, log)
	}
	minhashShards := make([]*collector.MinHashCollector, numMhash)
	for i := range minhashShards {
		minhashShards[i] = collector.NewMinHashCollector(i, numMhash, cfg.Fuzzy, mhashSpill, cfg.Storage.SpillHighWater, cfg.CircuitBreaker, log)
	}
	docShards := make([]*collector.DocCollector, numDoc)
	for i := range docShards {
		docShards[i] = collector.NewDocCollector(i, numDoc, cfg.Fuzzy, cfg.CircuitBreaker, log)
	}
	peers := make([]collector.DocCollectorPeer, numDoc)
	for i, d := range docShards {
		peers[i] = d
	}
	for _, d := range docShards {
		d.SetPeers(peers)
	}

	mhFetchers := make([]processor.MinHashFetcher, numMhash)
	for i, m := range minhashShards {
		mhFetchers[i] = m
	}
	docUpdaters := make([]processor.DocUpdater, numDoc)
	for i, d := range docShards {
		docUpdaters[i] = d
	}

	bp := processor.NewBucketProcessor(mhFetchers, docUpdaters, cfg.Fuzzy.Threshold, cfg.Fuzzy.NumPermutations, log)
	invoker := processor.NewBucketProcessorInvoker(0, bp, log)
	for _, b := range bucketShards {
		b.RegisterProcessor(invoker)
	}

	var shingler shingle.Shingler
	if cfg.Fuzzy.JapaneseData {
		tok := shingle.NewScriptTokenizer(cfg.Fuzzy.TokenizerModelPath)
		shingler = shingle.NewFallback(tok, cfg.Fuzzy.ShingleSize, cfg.Fuzzy.Delimiters, log.Logger)
	} else {
		shingler = shingle.NewGeneric(cfg.Fuzzy.Delimiters, cfg.Fuzzy.ShingleSize)
	}

	return &Coordinator{
		cfg:           cfg,
		sink:          sink,
		log:           log,
		gauges:        metrics.New(),
		hasher:        minhash.NewHasher(cfg.Fuzzy.RandomSeed, cfg.Fuzzy.NumPermutations),
		bands:         lsh.OptimalParams(cfg.Fuzzy.NumPermutations, cfg.Fuzzy.Threshold, 0.5, 0.5),
		shingler:      shingler,
		bucketShards:  bucketShards,
		minhashShards: minhashShards,
		docShards:     docShards,
		invoker:       invoker,
		bucketSpill:   bucketSpill,
		mhashSpill:    mhashSpill,
	}, nil
}

// Run drives all three phases against inputPaths and returns the run-wide
// metadata document, also written to the sink as metadata.json.
func (c *Coordinator) Run(ctx context.Context, inputPaths []string) (table.Metadata, error) {
	defer c.Stop()

	source := table.NewSource("")

	if err := c.preprocess(ctx, source, inputPaths); err != nil {
		return table.Metadata{}, fmt.Errorf("pipeline: preprocessing: %w", err)
	}

	if err := c.resolveBuckets(ctx); err != nil {
		return table.Metadata{}, fmt.Errorf("pipeline: bucket resolution: %w", err)
	}

	stats, err := c.runFilter(ctx, source, inputPaths)
	if err != nil {
		return table.Metadata{}, fmt.Errorf("pipeline: filter: %w", err)
	}

	meta := c.buildMetadata(stats)
	if err := c.sink.WriteMetadata(meta); err != nil {
		return meta, fmt.Errorf("pipeline: write metadata: %w", err)
	}
	return meta, nil
}

// Stop tears down every shard's goroutine and closes any spill stores.
// Safe to call more than once is not guaranteed — Run calls it exactly
// once via defer.
func (c *Coordinator) Stop() {
	for _, b := range c.bucketShards {
		b.Stop()
	}
	for _, m := range c.minhashShards {
		m.Stop()
	}
	for _, d := range c.docShards {
		d.Stop()
	}
	if c.bucketSpill != nil {
		c.bucketSpill.Close()
	}
	if c.mhashSpill != nil {
		c.mhashSpill.Close()
	}
}

// preprocess runs Phase 1: shingle, minhash, and band every row of every
// input table, submitting batched appends to the bucket and minhash
// shards. A per-table read/schema error is recorded and skipped rather
// than aborting the run; anything else is fatal.
func (c *Coordinator) preprocess(ctx context.Context, source *table.Source, paths []string) error {
	pool := utils.NewWorkerPool(c.cfg.Shards.NumPreprocessors, func(ctx context.Context, path string) (struct{}, error) {
		return struct{}{}, c.preprocessTable(source, path)
	})
	_, errs := pool.ProcessItems(ctx, paths)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) preprocessTable(source *table.Source, path string) error {
	c.gauges.FileStarted()
	defer c.gauges.FileFinished()

	rows, err := source.Read(path)
	if err != nil {
		c.log.Warn("skipping table, failed to read", "path", path, "error", err)
		return nil
	}

	numBucket := len(c.bucketShards)
	numMhash := len(c.minhashShards)
	requestLen := c.cfg.Fuzzy.RequestLen
	if requestLen <= 0 {
		requestLen = 1000
	}

	bucketBuf := make(map[int][]collector.BucketEntry)
	mhashBuf := make(map[int][]collector.MinHashEntry)

	flushBucket := func(idx int) {
		if len(bucketBuf[idx]) == 0 {
			return
		}
		c.bucketShards[idx].AddBuckets(bucketBuf[idx])
		c.gauges.AddBuckets(int64(len(bucketBuf[idx])))
		bucketBuf[idx] = nil
	}
	flushMhash := func(idx int) {
		if len(mhashBuf[idx]) == 0 {
			return
		}
		c.minhashShards[idx].AddMinhashes(mhashBuf[idx])
		c.gauges.AddMinhashes(int64(len(mhashBuf[idx])))
		mhashBuf[idx] = nil
	}

	for _, row := range rows {
		docID := collector.DocID(row.DocID)
		shingles := c.shingler.Shingles(row.Contents)
		sig := c.hasher.Signature(shingles)

		mIdx := shardForDoc(docID, numMhash)
		mhashBuf[mIdx] = append(mhashBuf[mIdx], collector.MinHashEntry{DocID: docID, DocLength: len(row.Contents), Signature: sig})
		if len(mhashBuf[mIdx]) >= requestLen {
			flushMhash(mIdx)
		}

		// A document with no shingles is never banded, so it never shares
		// a bucket and survives as its own singleton cluster.
		for band := 0; len(shingles) > 0 && band < c.bands.Bands; band++ {
			key := collector.BandKey(lsh.BandKey(sig, band, c.bands.Rows, c.cfg.Fuzzy.RandomSeed))
			bIdx := shardForKey(key, numBucket)
			bucketBuf[bIdx] = append(bucketBuf[bIdx], collector.BucketEntry{Key: key, DocIDs: []collector.DocID{docID}})
			if len(bucketBuf[bIdx]) >= requestLen {
				flushBucket(bIdx)
			}
		}

		c.gauges.AddDocs(1)
		c.gauges.AddHashMemory(int64(len(sig) * 8))
	}

	for idx := range bucketBuf {
		flushBucket(idx)
	}
	for idx := range mhashBuf {
		flushMhash(idx)
	}
	return nil
}

// resolveBuckets runs Phase 2: every bucket shard resolves its own
// buckets in parallel, fanning bucket batches out through the processor
// invoker, which in turn updates the doc shards.
func (c *Coordinator) resolveBuckets(ctx context.Context) error {
	fns := make([]func() error, len(c.bucketShards))
	for i, b := range c.bucketShards {
		b := b
		fns[i] = func() error { return b.ProcessBuckets(ctx) }
	}
	for _, err := range utils.SemaphoreGather(ctx, len(fns), fns...) {
		if err != nil {
			return err
		}
	}
	return nil
}

// runFilter runs Phase 3: re-read every input table, keep only surviving
// rows, annotate with cluster_id, and write the output table.
func (c *Coordinator) runFilter(ctx context.Context, source *table.Source, paths []string) ([]table.TableStats, error) {
	var mu sync.Mutex
	var stats []table.TableStats

	pool := utils.NewWorkerPool(c.cfg.Shards.NumPreprocessors, func(ctx context.Context, path string) (struct{}, error) {
		st, err := c.filterTable(ctx, source, path)
		if err != nil {
			return struct{}{}, err
		}
		mu.Lock()
		stats = append(stats, st)
		mu.Unlock()
		return struct{}{}, nil
	})
	_, errs := pool.ProcessItems(ctx, paths)
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats, nil
}

func (c *Coordinator) filterTable(ctx context.Context, source *table.Source, path string) (table.TableStats, error) {
	rows, err := source.Read(path)
	if err != nil {
		c.log.Warn("skipping table, failed to read during filter", "path", path, "error", err)
		return table.TableStats{Path: table.OutputName(path), SchemaErr: err.Error()}, nil
	}

	numDoc := len(c.docShards)
	byShard := make(map[int][]collector.DocID)
	for _, row := range rows {
		idx := shardForDoc(collector.DocID(row.DocID), numDoc)
		byShard[idx] = append(byShard[idx], collector.DocID(row.DocID))
	}

	requestLen := c.cfg.Fuzzy.RequestLen
	if requestLen <= 0 {
		requestLen = 1000
	}

	// Chunk each shard's id list so a single Filter call never holds the
	// shard's actor goroutine for longer than one request_len batch, same
	// bound preprocess applies to its own per-shard appends.
	fns := make([]func() (map[collector.DocID]collector.ClusterID, error), 0, len(byShard))
	for idx, ids := range byShard {
		idx := idx
		for _, chunk := range utils.Batch(ids, requestLen) {
			chunk := chunk
			fns = append(fns, func() (map[collector.DocID]collector.ClusterID, error) {
				return c.docShards[idx].Filter(chunk), nil
			})
		}
	}
	results, errs := utils.SemaphoreGatherWithResults(ctx, len(fns), fns...)
	for _, err := range errs {
		if err != nil {
			return table.TableStats{}, err
		}
	}
	survivors := make(map[collector.DocID]collector.ClusterID)
	for _, r := range results {
		for id, cluster := range r {
			survivors[id] = cluster
		}
	}

	outRows := make([]table.FilteredRow, 0, len(survivors))
	for _, row := range rows {
		clusterID, ok := survivors[collector.DocID(row.DocID)]
		if !ok {
			continue
		}
		outRows = append(outRows, table.FilteredRow{
			DocID:     row.DocID,
			Contents:  row.Contents,
			ClusterID: int64(clusterID),
			Extra:     row.Extra,
		})
	}

	name := table.OutputName(path)
	if err := c.sink.WriteTable(name, outRows); err != nil {
		return table.TableStats{}, err
	}
	c.gauges.AddRemovedDocs(int64(len(rows) - len(outRows)))

	return table.TableStats{Path: name, SourceDocuments: len(rows), ResultDocuments: len(outRows)}, nil
}

func (c *Coordinator) buildMetadata(stats []table.TableStats) table.Metadata {
	var sourceTotal, resultTotal int
	for _, s := range stats {
		sourceTotal += s.SourceDocuments
		resultTotal += s.ResultDocuments
	}

	var bucketCount, minhashCount, hashMem int64
	for _, b := range c.bucketShards {
		n, bytes := b.GetSize()
		bucketCount += int64(n)
		hashMem += bytes
	}
	for _, m := range c.minhashShards {
		n, bytes := m.GetSize()
		minhashCount += int64(n)
		hashMem += bytes
	}

	for _, d := range c.docShards {
		_, keptBytes, _, removedBytes := d.GetSize()
		hashMem += keptBytes + removedBytes
	}

	// Docs/RemovedDocs/DedupPercentage are reported against the corpus
	// (source vs. result document counts), not against doc-shard residency:
	// a doc that never collided into a multi-doc bucket never reaches a
	// DocCollector but still belongs in the run's totals.
	meta := table.Metadata{
		Buckets:         bucketCount,
		Docs:            int64(sourceTotal),
		RemovedDocs:     int64(sourceTotal - resultTotal),
		Minhashes:       minhashCount,
		HashMemoryBytes: hashMem,
		SourceDocuments: sourceTotal,
		ResultDocuments: resultTotal,
		Tables:          stats,
	}
	if sourceTotal > 0 {
		meta.DedupPercentage = 100 * (1 - float64(resultTotal)/float64(sourceTotal))
	}
	return meta
}

func shardForDoc(id collector.DocID, numShards int) int {
	idx := int(int64(id) % int64(numShards))
	if idx < 0 {
		idx += numShards
	}
	return idx
}

func shardForKey(key collector.BandKey, numShards int) int {
	return int(key % uint64(numShards))
}

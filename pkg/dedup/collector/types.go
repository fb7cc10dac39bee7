// Package collector implements the three partitioned collector families —
// BucketCollector, MinHashCollector, DocCollector — as goroutine-per-shard
// actors, generalizing pkg/utils/concurrent.go's WorkerPool/
// ConcurrentExecutor patterns to single-consumer-per-shard actors that
// serialize all operations on one shard's state. Callers never lock a
// shard's state directly; every public method sends a closure onto the
// shard's private request channel and waits for it to run.
package collector

import "github.com/soundprediction/fdedup/pkg/dedup/minhash"

// DocID identifies a document. Assigned upstream; assumed dense enough
// that DocID mod N partitions shards evenly.
type DocID = int64

// ClusterID is the doc_id of a cluster's canonical representative.
type ClusterID = int64

// BandKey is a 64-bit hash of one band of a MinHash signature.
type BandKey = uint64

// BucketEntry is one band_key with the doc_ids currently bucketed under
// it, in ascending order.
type BucketEntry struct {
	Key    BandKey
	DocIDs []DocID
}

// MinHashEntry is one stored minhash entry.
type MinHashEntry struct {
	DocID     DocID
	DocLength int
	Signature minhash.Signature
}

// ClusterAssignment is one doc_id -> cluster_id update.
type ClusterAssignment struct {
	DocID     DocID
	ClusterID ClusterID
}

// shardFor computes the owning shard index for a key under N shards,
// defensively handling a negative key even though doc_ids are assumed
// non-negative.
func shardFor(key int64, numShards int) int {
	idx := int(key % int64(numShards))
	if idx < 0 {
		idx += numShards
	}
	return idx
}

// Package metrics holds fdedup's run-local observational gauges: counts
// and sizes that a Coordinator updates as it runs and reports in the final
// metadata document. They never gate progress or correctness decisions —
// the original's Ray Gauge actors played the same purely-reporting role.
package metrics

import "sync/atomic"

// Gauges is a set of atomic int64 counters, safe for concurrent use by
// every actor shard and table worker in a run.
type Gauges struct {
	filesInProgress atomic.Int64
	filesCompleted  atomic.Int64
	buckets         atomic.Int64
	docs            atomic.Int64
	removedDocs     atomic.Int64
	minhashes       atomic.Int64
	hashMemoryBytes atomic.Int64
}

// New returns a zeroed Gauges.
func New() *Gauges {
	return &Gauges{}
}

func (g *Gauges) FileStarted()           { g.filesInProgress.Add(1) }
func (g *Gauges) FileFinished()          { g.filesInProgress.Add(-1); g.filesCompleted.Add(1) }
func (g *Gauges) AddBuckets(n int64)     { g.buckets.Add(n) }
func (g *Gauges) AddDocs(n int64)        { g.docs.Add(n) }
func (g *Gauges) AddRemovedDocs(n int64) { g.removedDocs.Add(n) }
func (g *Gauges) AddMinhashes(n int64)   { g.minhashes.Add(n) }
func (g *Gauges) AddHashMemory(n int64)  { g.hashMemoryBytes.Add(n) }

// Snapshot is a point-in-time, race-free read of every gauge.
type Snapshot struct {
	FilesInProgress int64
	FilesCompleted  int64
	Buckets         int64
	Docs            int64
	RemovedDocs     int64
	Minhashes       int64
	HashMemoryBytes int64
}

// Snapshot reads every gauge's current value.
func (g *Gauges) Snapshot() Snapshot {
	return Snapshot{
		FilesInProgress: g.filesInProgress.Load(),
		FilesCompleted:  g.filesCompleted.Load(),
		Buckets:         g.buckets.Load(),
		Docs:            g.docs.Load(),
		RemovedDocs:     g.removedDocs.Load(),
		Minhashes:       g.minhashes.Load(),
		HashMemoryBytes: g.hashMemoryBytes.Load(),
	}
}

// DedupPercentage reports the fraction of docs removed as a percentage,
// 0 when no docs have been observed yet.
func (s Snapshot) DedupPercentage() float64 {
	if s.Docs == 0 {
		return 0
	}
	return 100 * float64(s.RemovedDocs) / float64(s.Docs)
}

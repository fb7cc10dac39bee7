package processor

import (
	"context"
	"testing"

	"github.com/soundprediction/fdedup/pkg/dedup/collector"
	"github.com/soundprediction/fdedup/pkg/dedup/minhash"
)

type fakeMinHashShard struct {
	entries map[collector.DocID]collector.MinHashEntry
}

func (f *fakeMinHashShard) GetMinhashes(ids []collector.DocID) []collector.MinHashEntry {
	var out []collector.MinHashEntry
	for _, id := range ids {
		if e, ok := f.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

type fakeDocShard struct {
	clusters []collector.ClusterAssignment
	removed  []collector.DocID
}

func (f *fakeDocShard) AddCluster(ctx context.Context, batch []collector.ClusterAssignment) error {
	f.clusters = append(f.clusters, batch...)
	return nil
}

func (f *fakeDocShard) AddRemoved(batch []collector.DocID) {
	f.removed = append(f.removed, batch...)
}

func TestProcessBucketAssignsMatchingMembersAndRemovesThem(t *testing.T) {
	// All three docs share an identical signature so every match succeeds.
	sig := minhash.Signature{1, 2, 3, 4}
	mh := &fakeMinHashShard{entries: map[collector.DocID]collector.MinHashEntry{
		1: {DocID: 1, DocLength: 100, Signature: sig},
		2: {DocID: 2, DocLength: 50, Signature: sig},
		3: {DocID: 3, DocLength: 10, Signature: sig},
	}}
	doc := &fakeDocShard{}

	p := NewBucketProcessor([]MinHashFetcher{mh}, []DocUpdater{doc}, 0.8, 4, nil)
	entry := collector.BucketEntry{Key: 1, DocIDs: []collector.DocID{3, 1, 2, 1}} // dup id 1 present twice
	if err := p.ProcessBatch(context.Background(), []collector.BucketEntry{entry}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// doc 1 is longest -> rep. docs 2 and 3 match and get removed.
	if len(doc.removed) != 2 {
		t.Fatalf("expected 2 removed docs, got %v", doc.removed)
	}
	foundRep := false
	for _, c := range doc.clusters {
		if c.DocID == 1 && c.ClusterID == 1 {
			foundRep = true
		}
	}
	if !foundRep {
		t.Fatalf("expected reflexive (1,1) cluster assignment, got %v", doc.clusters)
	}
}

func TestProcessBucketOpensSubClusterOnMismatch(t *testing.T) {
	sigA := minhash.Signature{1, 1, 1, 1}
	sigB := minhash.Signature{9, 9, 9, 9}
	mh := &fakeMinHashShard{entries: map[collector.DocID]collector.MinHashEntry{
		1: {DocID: 1, DocLength: 100, Signature: sigA},
		2: {DocID: 2, DocLength: 50, Signature: sigB},
	}}
	doc := &fakeDocShard{}

	p := NewBucketProcessor([]MinHashFetcher{mh}, []DocUpdater{doc}, 0.8, 4, nil)
	entry := collector.BucketEntry{Key: 1, DocIDs: []collector.DocID{1, 2}}
	if err := p.ProcessBatch(context.Background(), []collector.BucketEntry{entry}); err != nil {
		t.Fatal(err)
	}

	if len(doc.removed) != 0 {
		t.Fatalf("expected no removals when signatures don't match, got %v", doc.removed)
	}
	if len(doc.clusters) != 2 {
		t.Fatalf("expected both docs to open their own reflexive cluster, got %v", doc.clusters)
	}
}

func TestProcessBucketSkipsSingletonAfterDedup(t *testing.T) {
	mh := &fakeMinHashShard{entries: map[collector.DocID]collector.MinHashEntry{}}
	doc := &fakeDocShard{}
	p := NewBucketProcessor([]MinHashFetcher{mh}, []DocUpdater{doc}, 0.8, 4, nil)

	entry := collector.BucketEntry{Key: 1, DocIDs: []collector.DocID{7, 7, 7}}
	if err := p.ProcessBatch(context.Background(), []collector.BucketEntry{entry}); err != nil {
		t.Fatal(err)
	}
	if len(doc.clusters) != 0 || len(doc.removed) != 0 {
		t.Fatalf("expected no-op for a bucket that dedupes to a single id, got clusters=%v removed=%v", doc.clusters, doc.removed)
	}
}

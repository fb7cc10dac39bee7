package collector

import (
	"context"
	"testing"

	"github.com/soundprediction/fdedup/pkg/config"
)

func newTestDocCollectors(t *testing.T, n int) []*DocCollector {
	t.Helper()
	shards := make([]*DocCollector, n)
	peers := make([]DocCollectorPeer, n)
	fuzzy := config.FuzzyConfig{MaxRPCRetries: 1}
	cb := config.CircuitBreakerConfig{Enabled: false}
	for i := 0; i < n; i++ {
		shards[i] = NewDocCollector(i, n, fuzzy, cb, nil)
		peers[i] = shards[i]
	}
	for _, s := range shards {
		s.SetPeers(peers)
	}
	t.Cleanup(func() {
		for _, s := range shards {
			s.Stop()
		}
	})
	return shards
}

func TestAddClusterSimpleAssignment(t *testing.T) {
	shards := newTestDocCollectors(t, 1)
	ctx := context.Background()
	if err := shards[0].AddCluster(ctx, []ClusterAssignment{{DocID: 5, ClusterID: 5}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := shards[0].Filter([]DocID{5})
	if result[5] != 5 {
		t.Fatalf("expected doc 5 to map to cluster 5, got %v", result)
	}
}

func TestAddClusterSmallestWinsSingleShard(t *testing.T) {
	shards := newTestDocCollectors(t, 1)
	ctx := context.Background()
	s := shards[0]

	// doc 10 first opens its own cluster, then a bucket assigns it (and doc
	// 20) into cluster 3 (smaller rep).
	if err := s.AddCluster(ctx, []ClusterAssignment{{DocID: 10, ClusterID: 10}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddCluster(ctx, []ClusterAssignment{{DocID: 20, ClusterID: 10}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddCluster(ctx, []ClusterAssignment{{DocID: 10, ClusterID: 3}}); err != nil {
		t.Fatal(err)
	}

	result := s.Filter([]DocID{10, 20})
	if result[10] != 3 {
		t.Fatalf("expected doc 10 rewritten to cluster 3, got %d", result[10])
	}
	if result[20] != 3 {
		t.Fatalf("expected doc 20 transitively rewritten to cluster 3, got %d", result[20])
	}
}

func TestAddClusterCrossShardFollowup(t *testing.T) {
	shards := newTestDocCollectors(t, 4)
	ctx := context.Background()

	// doc 8 lives in shard 0 (8 mod 4), doc 5 lives in shard 1.
	if err := shards[shardFor(8, 4)].AddCluster(ctx, []ClusterAssignment{{DocID: 8, ClusterID: 8}}); err != nil {
		t.Fatal(err)
	}
	// A bucket assigns doc 5 into cluster 8 (8 currently wins since it's
	// doc 5's first assignment).
	if err := shards[shardFor(5, 4)].AddCluster(ctx, []ClusterAssignment{{DocID: 5, ClusterID: 8}}); err != nil {
		t.Fatal(err)
	}
	// Now doc 5 also gets assigned into cluster 2 (smaller): this shard
	// (owning doc 5) must rewrite doc 5 locally AND tell shard(8) that 8's
	// reflexive entry now points at 2.
	if err := shards[shardFor(5, 4)].AddCluster(ctx, []ClusterAssignment{{DocID: 5, ClusterID: 2}}); err != nil {
		t.Fatal(err)
	}

	got5 := shards[shardFor(5, 4)].Filter([]DocID{5})
	if got5[5] != 2 {
		t.Fatalf("expected doc 5 -> cluster 2, got %v", got5)
	}
	got8 := shards[shardFor(8, 4)].Filter([]DocID{8})
	if got8[8] != 2 {
		t.Fatalf("expected doc 8's reflexive entry rewritten to cluster 2 via follow-up, got %v", got8)
	}
}

func TestAddRemovedIsFinal(t *testing.T) {
	shards := newTestDocCollectors(t, 1)
	ctx := context.Background()
	s := shards[0]

	if err := s.AddCluster(ctx, []ClusterAssignment{{DocID: 1, ClusterID: 1}}); err != nil {
		t.Fatal(err)
	}
	s.AddRemoved([]DocID{1})
	if err := s.AddCluster(ctx, []ClusterAssignment{{DocID: 1, ClusterID: 1}}); err != nil {
		t.Fatal(err)
	}
	result := s.Filter([]DocID{1})
	if _, present := result[1]; present {
		t.Fatalf("expected removed doc to stay removed, got %v", result)
	}
}

func TestFilterDefaultsUnclusteredIDsToSingletons(t *testing.T) {
	shards := newTestDocCollectors(t, 1)
	ctx := context.Background()
	s := shards[0]
	if err := s.AddCluster(ctx, []ClusterAssignment{{DocID: 1, ClusterID: 1}}); err != nil {
		t.Fatal(err)
	}
	s.AddRemoved([]DocID{2})

	result := s.Filter([]DocID{1, 999, 2})
	if len(result) != 2 {
		t.Fatalf("expected the known id and the untouched singleton, got %v", result)
	}
	if cluster, ok := result[999]; !ok || cluster != ClusterID(999) {
		t.Fatalf("expected doc 999 to survive as its own singleton cluster, got %v (ok=%v)", cluster, ok)
	}
	if _, present := result[2]; present {
		t.Fatalf("expected removed doc to be omitted, got %v", result)
	}
}

func TestGetSizeReportsKeptAndRemoved(t *testing.T) {
	shards := newTestDocCollectors(t, 1)
	ctx := context.Background()
	s := shards[0]
	if err := s.AddCluster(ctx, []ClusterAssignment{{DocID: 1, ClusterID: 1}, {DocID: 2, ClusterID: 1}}); err != nil {
		t.Fatal(err)
	}
	s.AddRemoved([]DocID{3})

	kept, _, removed, _ := s.GetSize()
	if kept != 2 {
		t.Fatalf("expected 2 kept docs, got %d", kept)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed doc, got %d", removed)
	}
}

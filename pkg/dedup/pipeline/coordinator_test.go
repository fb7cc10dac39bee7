package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/fdedup/pkg/config"
	"github.com/soundprediction/fdedup/pkg/dedup/table"
)

func testConfig() *config.Config {
	return &config.Config{
		Columns: config.ColumnConfig{DocColumn: "contents", IDColumn: "doc_id", ClusterColumn: "cluster"},
		Fuzzy: config.FuzzyConfig{
			NumPermutations: 32,
			Threshold:       0.8,
			ShingleSize:     3,
			Delimiters:      " ",
			RandomSeed:      42,
			RequestLen:      10,
			MaxRPCRetries:   1,
		},
		Shards: config.ShardConfig{
			NumBucketActors:  2,
			NumMinhashActors: 2,
			NumDocActors:     2,
			NumPreprocessors: 2,
		},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: false},
	}
}

func writeInputTable(t *testing.T, dir, name string, rows []table.Row) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, parquet.WriteFile(path, rows))
	return path
}

func TestCoordinatorRemovesIdenticalDuplicateAcrossTables(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	a := writeInputTable(t, inputDir, "a.parquet", []table.Row{
		{DocID: 1, Contents: "the quick brown fox jumps over"},
	})
	b := writeInputTable(t, inputDir, "b.parquet", []table.Row{
		{DocID: 2, Contents: "the quick brown fox jumps over"},
	})

	sink, err := table.NewSink(outputDir)
	require.NoError(t, err)

	coord, err := NewCoordinator(testConfig(), sink, nil)
	require.NoError(t, err)

	meta, err := coord.Run(context.Background(), []string{a, b})
	require.NoError(t, err)

	require.Equal(t, 2, meta.SourceDocuments)
	require.Equal(t, 1, meta.ResultDocuments)
	require.EqualValues(t, 1, meta.RemovedDocs)
}

func TestCoordinatorKeepsDissimilarDocuments(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	a := writeInputTable(t, inputDir, "a.parquet", []table.Row{
		{DocID: 1, Contents: "completely unrelated sentence about cats"},
		{DocID: 2, Contents: "a totally different topic entirely here"},
	})

	sink, err := table.NewSink(outputDir)
	require.NoError(t, err)
	coord, err := NewCoordinator(testConfig(), sink, nil)
	require.NoError(t, err)

	meta, err := coord.Run(context.Background(), []string{a})
	require.NoError(t, err)
	require.Equal(t, 2, meta.ResultDocuments)
}

func TestCoordinatorEmptyCorpusCleanShutdown(t *testing.T) {
	outputDir := t.TempDir()
	sink, err := table.NewSink(outputDir)
	require.NoError(t, err)
	coord, err := NewCoordinator(testConfig(), sink, nil)
	require.NoError(t, err)

	meta, err := coord.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, meta.SourceDocuments)
	require.Equal(t, 0, meta.ResultDocuments)
}

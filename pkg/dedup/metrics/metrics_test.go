package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGaugesAccumulateConcurrently(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.AddDocs(1)
			g.AddMinhashes(1)
		}()
	}
	wg.Wait()

	snap := g.Snapshot()
	assert.EqualValues(t, 100, snap.Docs)
	assert.EqualValues(t, 100, snap.Minhashes)
}

func TestFileStartedAndFinishedTrackInProgress(t *testing.T) {
	g := New()
	g.FileStarted()
	g.FileStarted()
	snap := g.Snapshot()
	assert.EqualValues(t, 2, snap.FilesInProgress)

	g.FileFinished()
	snap = g.Snapshot()
	assert.EqualValues(t, 1, snap.FilesInProgress)
	assert.EqualValues(t, 1, snap.FilesCompleted)
}

func TestDedupPercentage(t *testing.T) {
	g := New()
	g.AddDocs(10)
	g.AddRemovedDocs(4)
	assert.Equal(t, float64(40), g.Snapshot().DedupPercentage())
}

func TestDedupPercentageWithNoDocsIsZero(t *testing.T) {
	assert.Equal(t, float64(0), New().Snapshot().DedupPercentage())
}

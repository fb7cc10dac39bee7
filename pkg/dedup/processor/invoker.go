package processor

import (
	"context"

	"github.com/google/uuid"

	"github.com/soundprediction/fdedup/pkg/dedup/collector"
	"github.com/soundprediction/fdedup/pkg/logger"
	"github.com/soundprediction/fdedup/pkg/utils"
)

// BucketProcessorInvoker fans bucket batches submitted by BucketCollector
// shards out across a bounded pool, generalizing
// pkg/utils/concurrent.go's ConcurrentExecutor to the invoker's two
// distinct caps: poolSize concurrent ProcessBatch calls, and a wider
// backpressure window of poolSize*2 outstanding submissions.
type BucketProcessorInvoker struct {
	executor     *utils.ConcurrentExecutor
	backpressure chan struct{}
	processor    *BucketProcessor
	log          *logger.Logger
}

// NewBucketProcessorInvoker builds an invoker with poolSize concurrent
// workers over bp. poolSize <= 0 falls back to utils.GetSemaphoreLimit().
func NewBucketProcessorInvoker(poolSize int, bp *BucketProcessor, log *logger.Logger) *BucketProcessorInvoker {
	if log == nil {
		log = logger.NewDefaultLogger(0)
	}
	if poolSize <= 0 {
		poolSize = utils.GetSemaphoreLimit()
	}
	return &BucketProcessorInvoker{
		executor:     utils.NewConcurrentExecutor(poolSize),
		backpressure: make(chan struct{}, poolSize*2),
		processor:    bp,
		log:          log,
	}
}

// Submit implements collector.BucketBatchHandler. It blocks until the
// backpressure window has room, tags the batch with a correlation id for
// log tracing, and runs it through the bounded executor.
func (inv *BucketProcessorInvoker) Submit(ctx context.Context, batch []collector.BucketEntry) error {
	select {
	case inv.backpressure <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-inv.backpressure }()

	batchID := uuid.NewString()
	inv.log.Debug("processing bucket batch", "batch_id", batchID, "buckets", len(batch))

	errs := inv.executor.Execute(ctx, func() error {
		return inv.processor.ProcessBatch(ctx, batch)
	})
	if err := errs[0]; err != nil {
		inv.log.Error("bucket batch failed", "batch_id", batchID, "error", err)
		return err
	}
	inv.log.Debug("completed bucket batch", "batch_id", batchID)
	return nil
}

package enrich

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/provider"
)

// BatchResult summarizes a batch enrichment run.
type BatchResult struct {
	Dispatched int  `json:"dispatched"`
	Complete   int  `json:"complete"`
	Partial    int  `json:"partial"`
	Failed     int  `json:"failed"`
	Canceled   bool `json:"canceled"`
}

// BundleHandler consumes the bundle of one entity (reconcile, score,
// persist). Handler errors are logged and counted, not propagated, so one
// bad entity never sinks the batch.
type BundleHandler func(ctx context.Context, e provider.Entity, b *model.Bundle) error

// RunBatch enriches entities with bounded parallelism. Cancellation is
// cooperative: once ctx is canceled no new entities are dispatched, but
// entities already in flight run to completion and their bundles are still
// handled. Entities are processed independently; no cross-entity ordering
// is guaranteed.
func (o *Orchestrator) RunBatch(ctx context.Context, entities []provider.Entity, providers []string, workers int, handle BundleHandler) (*BatchResult, error) {
	if workers <= 0 {
		workers = 3
	}

	log := zap.L().With(zap.Int("entities", len(entities)), zap.Int("workers", workers))
	log.Info("starting batch enrichment")

	// In-flight work survives operator cancellation; only dispatch stops.
	workCtx := context.WithoutCancel(ctx)

	var complete, partial, failed atomic.Int64
	result := &BatchResult{}

	g := new(errgroup.Group)
	g.SetLimit(workers)

	for _, e := range entities {
		if ctx.Err() != nil {
			result.Canceled = true
			log.Warn("batch canceled, draining in-flight entities",
				zap.Int("dispatched", result.Dispatched))
			break
		}
		result.Dispatched++

		g.Go(func() error {
			bundle, err := o.Enrich(workCtx, e, providers)
			if err != nil {
				failed.Add(1)
				zap.L().Error("enrichment pass failed",
					zap.String("company_id", e.CompanyID), zap.Error(err))
				return nil
			}

			switch bundle.Status {
			case model.BundleComplete:
				complete.Add(1)
			case model.BundlePartial:
				partial.Add(1)
			default:
				failed.Add(1)
			}

			if handle != nil {
				if err := handle(workCtx, e, bundle); err != nil {
					zap.L().Error("bundle handler failed",
						zap.String("company_id", e.CompanyID), zap.Error(err))
				}
			}
			return nil
		})
	}

	_ = g.Wait()

	result.Complete = int(complete.Load())
	result.Partial = int(partial.Load())
	result.Failed = int(failed.Load())

	log.Info("batch enrichment finished",
		zap.Int("complete", result.Complete),
		zap.Int("partial", result.Partial),
		zap.Int("failed", result.Failed),
		zap.Bool("canceled", result.Canceled),
	)
	return result, nil
}

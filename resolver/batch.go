package resolver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/oddswatch/kit"
	"github.com/hazyhaar/oddswatch/selector"
)

// ResolveBatch resolves names concurrently against one page. Worker
// parallelism is min(len(names), BatchWorkerCap). The returned slice
// is ordered like names; every entry is populated, failures included.
// One failing selector never aborts the rest, but ctx cancellation
// marks still-pending entries as cancelled.
func (r *Resolver) ResolveBatch(ctx context.Context, names []string, pctx *PageContext) []*selector.Result {
	if len(names) == 0 {
		return nil
	}
	ctx, _ = kit.EnsureCorrelation(ctx)

	workers := len(names)
	if workers > r.cfg.BatchWorkerCap {
		workers = r.cfg.BatchWorkerCap
	}

	results := make([]*selector.Result, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, name := range names {
		g.Go(func() error {
			results[i] = r.resolveOne(gctx, name, pctx)
			return nil
		})
	}
	g.Wait()
	return results
}

// resolveOne runs a single resolve and converts boundary errors and
// panics into failed results so the batch always fills its slot.
func (r *Resolver) resolveOne(ctx context.Context, name string, pctx *PageContext) (res *selector.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Logger.Error("resolver: panic in batch resolve",
				"selector", name, "panic", fmt.Sprint(rec))
			res = failedResult(name, fmt.Sprintf("panic: %v", rec))
		}
	}()

	if err := ctx.Err(); err != nil {
		return failedResult(name, "cancelled")
	}

	out, err := r.Resolve(ctx, name, pctx)
	if out != nil {
		return out
	}
	// Boundary errors (unknown name, invalid shape) carry no Result.
	return failedResult(name, err.Error())
}

func failedResult(name, reason string) *selector.Result {
	return &selector.Result{
		SelectorName:  name,
		Success:       false,
		FailureReason: reason,
		Timestamp:     time.Now(),
	}
}

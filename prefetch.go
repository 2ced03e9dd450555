package refulearn

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPrefetchConcurrency bounds parallel prefetch requests.
const DefaultPrefetchConcurrency = 4

// PrefetchResult summarizes a Warm call.
type PrefetchResult struct {
	Requested int      `json:"requested"`
	Warmed    int      `json:"warmed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Prefetcher warms the cache with GET resources so a later offline session
// can serve them.
type Prefetcher struct {
	gateway     *Gateway
	concurrency int
	logger      *zap.Logger
}

// NewPrefetcher creates a prefetcher. concurrency <= 0 uses the default.
func NewPrefetcher(gw *Gateway, concurrency int, logger *zap.Logger) *Prefetcher {
	if concurrency <= 0 {
		concurrency = DefaultPrefetchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prefetcher{gateway: gw, concurrency: concurrency, logger: logger}
}

// DefaultPrefetchPaths are the listings worth keeping for an offline session.
var DefaultPrefetchPaths = []string{
	"/api/courses",
	"/api/courses/enrolled/courses",
	"/api/users/profile",
	"/api/jobs",
	"/api/certificates",
	"/api/scholarships",
}

// Warm fetches every path through the gateway. Failures are counted and
// logged, never returned; only a cancelled context aborts the run.
func (p *Prefetcher) Warm(ctx context.Context, paths ...string) (PrefetchResult, error) {
	res := PrefetchResult{Requested: len(paths)}
	if len(paths) == 0 {
		return res, nil
	}

	var warmed, failed atomic.Int64
	errs := make([]string, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resp, err := p.gateway.Fetch(gctx, "GET", path, nil)
			if err != nil {
				failed.Add(1)
				errs[i] = path + ": " + err.Error()
				p.logger.Debug("prefetch failed", zap.String("path", path), zap.Error(err))
				return nil
			}
			if !resp.FromCache {
				warmed.Add(1)
			} else {
				failed.Add(1)
				errs[i] = path + ": served from cache"
			}
			return nil
		})
	}
	err := g.Wait()
	p.gateway.Wait()

	res.Warmed = int(warmed.Load())
	res.Failed = int(failed.Load())
	for _, e := range errs {
		if e != "" {
			res.Errors = append(res.Errors, e)
		}
	}
	p.logger.Info("prefetch finished",
		zap.Int("requested", res.Requested),
		zap.Int("warmedCount", res.Warmed),
		zap.Int("failureCount", res.Failed),
	)
	if err == nil {
		err = ctx.Err()
	}
	return res, err
}

// Prefetch warms the given paths, or DefaultPrefetchPaths when none are given.
func (o *OfflineManager) Prefetch(ctx context.Context, concurrency int, paths ...string) (PrefetchResult, error) {
	if len(paths) == 0 {
		paths = DefaultPrefetchPaths
	}
	return NewPrefetcher(o.gateway, concurrency, o.logger).Warm(ctx, paths...)
}

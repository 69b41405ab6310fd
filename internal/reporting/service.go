package reporting

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"stockledger/backend/internal/cache"
)

// Service serves range reports through the versioned report cache. Lapsed
// customers depend on the current time and always bypass it.
type Service struct {
	agg   *Aggregator
	cache cache.ReportCache
	log   *zap.Logger
}

func NewService(agg *Aggregator, c cache.ReportCache, log *zap.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{agg: agg, cache: c, log: log.Named("reports")}
}

func (s *Service) Policy() Policy { return s.agg.Policy() }

func rangeParts(r Range) []string {
	return []string{
		strconv.FormatInt(r.Start.UTC().Unix(), 10),
		strconv.FormatInt(r.End.UTC().Unix(), 10),
	}
}

// cached fetches parts from the cache or computes them with load. A cache
// failure falls back to computing directly.
func cached[T any](ctx context.Context, s *Service, load func(context.Context) (T, error), parts ...string) (T, error) {
	var out T
	key, err := s.cache.BuildKey(ctx, append([]string{"reports"}, parts...)...)
	if err != nil {
		s.log.Warn("report cache unavailable", zap.Error(err))
		return load(ctx)
	}
	var loadErr error
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		v, err := load(ctx)
		loadErr = err
		return v, err
	})
	if err != nil {
		if loadErr != nil || ctx.Err() != nil {
			return out, err
		}
		s.log.Warn("report cache fetch failed", zap.String("key", key), zap.Error(err))
		return load(ctx)
	}
	return out, nil
}

func (s *Service) Series(ctx context.Context, r Range, req SeriesRequest) (*Series, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	parts := append([]string{"series", req.Kind, string(req.Metric), string(s.agg.Granularity(r, req.Granularity))}, rangeParts(r)...)
	return cached(ctx, s, func(ctx context.Context) (*Series, error) {
		return s.agg.Series(ctx, r, req)
	}, parts...)
}

func (s *Service) Top(ctx context.Context, r Range, req TopRequest) (*Ranking, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	parts := append([]string{"top", string(req.Dimension), string(req.Metric), strconv.Itoa(req.Limit)}, rangeParts(r)...)
	return cached(ctx, s, func(ctx context.Context) (*Ranking, error) {
		return s.agg.Top(ctx, r, req)
	}, parts...)
}

func (s *Service) Categories(ctx context.Context, r Range, metric Metric) ([]CategoryTotal, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	parts := append([]string{"categories", string(metric)}, rangeParts(r)...)
	return cached(ctx, s, func(ctx context.Context) ([]CategoryTotal, error) {
		return s.agg.Categories(ctx, r, metric)
	}, parts...)
}

func (s *Service) CustomerSegments(ctx context.Context, r Range) (*CustomerSegments, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return cached(ctx, s, func(ctx context.Context) (*CustomerSegments, error) {
		return s.agg.CustomerSegments(ctx, r)
	}, append([]string{"segments"}, rangeParts(r)...)...)
}

func (s *Service) SlowMovingProducts(ctx context.Context, r Range) ([]SlowProduct, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return cached(ctx, s, func(ctx context.Context) ([]SlowProduct, error) {
		return s.agg.SlowMovingProducts(ctx, r)
	}, append([]string{"slow-moving"}, rangeParts(r)...)...)
}

func (s *Service) Summary(ctx context.Context, r Range) (*Summary, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return cached(ctx, s, func(ctx context.Context) (*Summary, error) {
		return s.agg.Summary(ctx, r)
	}, append([]string{"summary"}, rangeParts(r)...)...)
}

func (s *Service) LapsedCustomers(ctx context.Context, now time.Time) ([]LapsedCustomer, error) {
	return s.agg.LapsedCustomers(ctx, now)
}

// TrailingRange is the window of the given number of whole days ending at the
// next midnight after now, in now's location.
func TrailingRange(now time.Time, days int) Range {
	y, m, d := now.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return Range{Start: end.AddDate(0, 0, -days), End: end}
}

// Warm precomputes the trailing summary so the first dashboard hit after a
// commit is served from the cache.
func (s *Service) Warm(ctx context.Context, now time.Time, days int) (*Summary, error) {
	return s.Summary(ctx, TrailingRange(now, days))
}

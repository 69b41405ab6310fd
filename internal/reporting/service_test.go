package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/backend/internal/cache"
)

func newCachedService(t *testing.T, s *seeder) (*Service, *cache.RedisReportCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := cache.NewRedisReportCacheWithClient(client, time.Minute, nil)
	return NewService(NewAggregator(s.repo, DefaultPolicy(), nil), rc, nil), rc
}

func TestServiceServesFromCacheUntilBump(t *testing.T) {
	s := newSeeder(t)
	s.sale("c1", day0.Add(time.Hour), 40)
	svc, rc := newCachedService(t, s)
	ctx := context.Background()

	first, err := svc.Summary(ctx, week())
	require.NoError(t, err)
	assert.Equal(t, 40.0, first.Revenue)

	s.sale("c2", day0.Add(2*time.Hour), 10)
	stale, err := svc.Summary(ctx, week())
	require.NoError(t, err)
	assert.Equal(t, 40.0, stale.Revenue)

	require.NoError(t, rc.Bump(ctx))
	fresh, err := svc.Summary(ctx, week())
	require.NoError(t, err)
	assert.Equal(t, 50.0, fresh.Revenue)
}

func TestServiceCachesRankingShape(t *testing.T) {
	s := newSeeder(t)
	s.sale("amy", day0.Add(time.Hour), 30)
	s.sale("bob", day0.Add(time.Hour), 20)
	svc, _ := newCachedService(t, s)
	ctx := context.Background()

	req := TopRequest{Dimension: DimensionCustomer, Metric: MetricRevenue}
	miss, err := svc.Top(ctx, week(), req)
	require.NoError(t, err)
	hit, err := svc.Top(ctx, week(), req)
	require.NoError(t, err)

	assert.Equal(t, miss, hit)
	assert.Equal(t, []string{"bob", "amy"}, hit.Labels)
	assert.Equal(t, []float64{20, 30}, hit.Values)
}

func TestServiceRejectsInvalidRangeBeforeCache(t *testing.T) {
	s := newSeeder(t)
	svc := NewService(NewAggregator(s.repo, DefaultPolicy(), nil), nil, nil)

	_, err := svc.Categories(context.Background(), Range{}, MetricRevenue)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestLapsedBypassesCache(t *testing.T) {
	s := newSeeder(t)
	s.customer("c1")
	svc, _ := newCachedService(t, s)
	now := day0.AddDate(0, 0, 120)
	ctx := context.Background()

	lapsed, err := svc.LapsedCustomers(ctx, now)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)

	s.sale("c1", now.Add(-time.Hour), 5)
	lapsed, err = svc.LapsedCustomers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, lapsed)
}

func TestTrailingRange(t *testing.T) {
	now := time.Date(2026, 5, 10, 15, 30, 0, 0, time.UTC)
	r := TrailingRange(now, 30)
	assert.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), r.End)
	assert.Equal(t, time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC), r.Start)
}

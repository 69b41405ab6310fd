package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Total float64 `json:"total"`
}

func newTestCache(t *testing.T) (*RedisReportCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisReportCacheWithClient(client, time.Minute, nil), mr
}

func TestFetchJSONCachesLoaderResult(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	key, err := c.BuildKey(ctx, "reports", "summary", "a")
	require.NoError(t, err)
	assert.Equal(t, "reports:summary:a:v1", key)

	var calls int32
	loader := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return payload{Total: 12.5}, nil
	}

	var first, second payload
	require.NoError(t, c.FetchJSON(ctx, key, &first, loader))
	require.NoError(t, c.FetchJSON(ctx, key, &second, loader))
	assert.Equal(t, 12.5, first.Total)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBumpRetiresOldKeys(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	before, err := c.BuildKey(ctx, "reports", "top")
	require.NoError(t, err)
	require.NoError(t, c.Bump(ctx))
	after, err := c.BuildKey(ctx, "reports", "top")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
	ver, err := mr.Get(versionKey)
	require.NoError(t, err)
	assert.Equal(t, "2", ver)
}

func TestFetchJSONPropagatesLoaderError(t *testing.T) {
	c, mr := newTestCache(t)
	boom := errors.New("boom")

	var dest payload
	err := c.FetchJSON(context.Background(), "k", &dest, func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("k"))

	assert.ErrorIs(t, c.FetchJSON(context.Background(), "k", &dest, nil), ErrLoaderRequired)
}

func TestFetchJSONCollapsesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	release := make(chan struct{})
	var calls int32
	loader := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return payload{Total: 1}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var dest payload
			assert.NoError(t, c.FetchJSON(ctx, "same", &dest, loader))
			assert.Equal(t, 1.0, dest.Total)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNoopRunsLoaderEveryTime(t *testing.T) {
	var calls int
	loader := func(context.Context) (any, error) {
		calls++
		return payload{Total: 3}, nil
	}
	var c ReportCache = Noop{}
	var dest payload
	require.NoError(t, c.FetchJSON(context.Background(), "k", &dest, loader))
	require.NoError(t, c.FetchJSON(context.Background(), "k", &dest, loader))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 3.0, dest.Total)
}

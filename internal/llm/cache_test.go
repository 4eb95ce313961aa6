package llm

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

type countingClient struct {
	calls int64
	out   string
	err   error
}

func (c *countingClient) ChatJSON(_ domain.Context, _, _ string, _ int) (string, error) {
	atomic.AddInt64(&c.calls, 1)
	return c.out, c.err
}

func TestCachedClient_ServesRepeatsFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	base := &countingClient{out: `{"pois":[]}`}
	c := NewCached(base, rdb, time.Hour)

	for i := 0; i < 3; i++ {
		out, err := c.ChatJSON(t.Context(), "sys", "user", 128)
		require.NoError(t, err)
		assert.Equal(t, `{"pois":[]}`, out)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&base.calls), "repeat prompts hit the cache")

	// A different prompt misses.
	_, err := c.ChatJSON(t.Context(), "sys", "other", 128)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&base.calls))
}

func TestCachedClient_ErrorsAreNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	base := &countingClient{err: fmt.Errorf("op=test: %w", domain.ErrTransientIO)}
	c := NewCached(base, rdb, time.Hour)

	_, err := c.ChatJSON(t.Context(), "sys", "user", 128)
	require.ErrorIs(t, err, domain.ErrTransientIO)
	_, err = c.ChatJSON(t.Context(), "sys", "user", 128)
	require.ErrorIs(t, err, domain.ErrTransientIO)
	assert.Equal(t, int64(2), atomic.LoadInt64(&base.calls))
}

func TestCachedClient_CacheDownDegradesToBase(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	base := &countingClient{out: "answer"}
	c := NewCached(base, rdb, time.Hour)

	out, err := c.ChatJSON(t.Context(), "sys", "user", 128)
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
}

func TestNewCached_NilRedisReturnsBase(t *testing.T) {
	base := &countingClient{}
	assert.Equal(t, domain.LLMClient(base), NewCached(base, nil, time.Hour))
}

func TestCachedClient_EntryExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	base := &countingClient{out: "answer"}
	c := NewCached(base, rdb, time.Minute)

	_, err := c.ChatJSON(t.Context(), "sys", "user", 128)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = c.ChatJSON(t.Context(), "sys", "user", 128)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&base.calls))
}

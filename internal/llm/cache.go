package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// cachedClient wraps an LLMClient with a Redis response cache keyed by prompt
// hash. Cache failures degrade to the base client; they never fail the call.
type cachedClient struct {
	base   domain.LLMClient
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCached wraps base with a Redis response cache. A nil rdb returns base
// unmodified.
func NewCached(base domain.LLMClient, rdb *redis.Client, ttl time.Duration) domain.LLMClient {
	if rdb == nil || base == nil {
		return base
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &cachedClient{base: base, rdb: rdb, ttl: ttl, prefix: "ctp:llm"}
}

func (c *cachedClient) key(systemPrompt, userPrompt string, maxTokens int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", systemPrompt, userPrompt, maxTokens)))
	return c.prefix + ":" + hex.EncodeToString(sum[:])
}

// ChatJSON serves identical prompts from Redis; misses fall through to the
// base client and populate the cache.
func (c *cachedClient) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	k := c.key(systemPrompt, userPrompt, maxTokens)
	cached, err := c.rdb.Get(ctx, k).Result()
	if err == nil {
		return cached, nil
	}
	if err != redis.Nil {
		slog.Warn("llm cache read failed, bypassing", slog.Any("error", err))
	}

	out, err := c.base.ChatJSON(ctx, systemPrompt, userPrompt, maxTokens)
	if err != nil {
		return "", err
	}
	if setErr := c.rdb.Set(ctx, k, out, c.ttl).Err(); setErr != nil {
		slog.Warn("llm cache write failed", slog.Any("error", setErr))
	}
	return out, nil
}

package detector

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"regradar/internal/content"
	platformredis "regradar/internal/platform/redis"
	"regradar/pkg/domain"
	"regradar/pkg/platform/sentinel"
)

// FingerprintCache is an advisory store of each document's latest content
// hash. Entries can be stale: a write may be lost after the ledger commit, and
// racing ingesters may land their writes out of order. The detector therefore
// confirms every hit against the ledger before acting on it.
type FingerprintCache interface {
	LatestHash(ctx context.Context, docID domain.DocumentID) (content.Hash, error)
	SetLatestHash(ctx context.Context, docID domain.DocumentID, hash content.Hash) error
}

// cacheTTL bounds how long a fingerprint survives without a refresh.
const cacheTTL = 24 * time.Hour

func cacheKey(docID domain.DocumentID) string {
	return "regradar:latest-hash:" + docID.String()
}

// RedisCache implements FingerprintCache on the shared redis client.
type RedisCache struct {
	client *platformredis.Client
}

// NewRedisCache wraps client as a fingerprint cache.
func NewRedisCache(client *platformredis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) LatestHash(ctx context.Context, docID domain.DocumentID) (content.Hash, error) {
	val, err := c.client.Get(ctx, cacheKey(docID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", sentinel.ErrNotFound
		}
		return "", err
	}
	return content.Hash(val), nil
}

func (c *RedisCache) SetLatestHash(ctx context.Context, docID domain.DocumentID, hash content.Hash) error {
	return c.client.Set(ctx, cacheKey(docID), string(hash), cacheTTL).Err()
}

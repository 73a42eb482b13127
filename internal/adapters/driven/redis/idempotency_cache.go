package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.IdempotencyCache = (*IdempotencyCache)(nil)

const idempotencyPrefix = "orchestrator:idem:"

// IdempotencyCache implements driven.IdempotencyCache with JSON values.
// Only settled records are cached; the Postgres ledger stays authoritative.
type IdempotencyCache struct {
	client *redis.Client
}

// NewIdempotencyCache creates a new Redis-backed idempotency cache.
func NewIdempotencyCache(client *redis.Client) *IdempotencyCache {
	return &IdempotencyCache{client: client}
}

// Get returns a cached record or domain.ErrNotFound.
func (c *IdempotencyCache) Get(ctx context.Context, fingerprint string) (*domain.IdempotencyRecord, error) {
	data, err := c.client.Get(ctx, idempotencyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}

// Put caches a settled record for ttl. In-progress records are ignored.
func (c *IdempotencyCache) Put(ctx context.Context, rec *domain.IdempotencyRecord, ttl time.Duration) error {
	if !rec.IsSettled() || ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := c.client.Set(ctx, idempotencyPrefix+rec.Fingerprint, data, ttl).Err(); err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

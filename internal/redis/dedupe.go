package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// dedupeTTL bounds how long fully-processed event ids stay in the fast path.
// Providers retry well within this horizon; anything older hits the ledger's
// unique constraint instead.
const dedupeTTL = 24 * time.Hour

// DedupeCache is a best-effort duplicate short-circuit for webhook events.
// It is never the authority: the Postgres ledger's unique constraint decides,
// the cache only saves an insert attempt for deliveries we already finished.
type DedupeCache struct {
	client *Client
	logger *zap.Logger
}

// NewDedupeCache creates a dedupe cache.
func NewDedupeCache(client *Client, logger *zap.Logger) *DedupeCache {
	return &DedupeCache{
		client: client,
		logger: logger,
	}
}

func (d *DedupeCache) key(providerEventID string) string {
	return fmt.Sprintf("webhook:seen:%s", providerEventID)
}

// Seen reports whether the event id was marked fully processed.
func (d *DedupeCache) Seen(ctx context.Context, providerEventID string) (bool, error) {
	_, err := d.client.rdb.Get(ctx, d.key(providerEventID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	return true, nil
}

// MarkSeen records the event id after its ledger row went processed=true.
func (d *DedupeCache) MarkSeen(ctx context.Context, providerEventID string) error {
	if err := d.client.rdb.Set(ctx, d.key(providerEventID), "1", dedupeTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

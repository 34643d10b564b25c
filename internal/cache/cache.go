package cache

import (
	"context"
	"time"

	"tokoatuy/backend/internal/domain"
)

// AggregateCache holds the full product aggregate snapshot. It is
// invalidated on every write (restock or sale), so a stale read only
// happens between a write and its invalidation.
type AggregateCache interface {
	Get(ctx context.Context) ([]domain.ProductAggregate, bool, error)
	Set(ctx context.Context, aggs []domain.ProductAggregate, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopAggregateCache struct{}

func (NoopAggregateCache) Get(_ context.Context) ([]domain.ProductAggregate, bool, error) {
	return nil, false, nil
}

func (NoopAggregateCache) Set(_ context.Context, _ []domain.ProductAggregate, _ time.Duration) error {
	return nil
}

func (NoopAggregateCache) Invalidate(_ context.Context) error {
	return nil
}

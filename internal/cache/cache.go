package cache

import (
	"context"
	"time"

	"martpos/backend/internal/domain"
)

// CatalogCache holds the item list between catalog mutations. Statistics and
// transactions are never cached; those always read the store directly.
type CatalogCache interface {
	Get(ctx context.Context, key string) ([]domain.Item, bool, error)
	Set(ctx context.Context, key string, items []domain.Item, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) ([]domain.Item, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ []domain.Item, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

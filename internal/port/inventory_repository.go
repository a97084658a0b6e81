package port

import (
	"context"

	"github.com/shopmesh/checkout/internal/core/domain"
)

type InventoryRepository interface {
	// Get returns (nil, nil) for an unknown product.
	Get(ctx context.Context, productID int64) (*domain.InventoryRecord, error)

	// Update persists a mutated record with a version check, failing on a
	// concurrent modification from another instance.
	Update(ctx context.Context, record *domain.InventoryRecord) error

	// Upsert creates or overwrites a record, used for restocking.
	Upsert(ctx context.Context, record *domain.InventoryRecord) error
}

package port

import (
	"context"
	"time"

	"github.com/shopmesh/checkout/internal/core/domain"
)

// CartRepository stores carts under their owner key with a storage-level
// TTL, so carts self-expire even if the scanner never runs.
type CartRepository interface {
	// Get returns (nil, nil) when no cart is stored for the owner.
	Get(ctx context.Context, ownerKey string) (*domain.Cart, error)

	Save(ctx context.Context, cart *domain.Cart, ttl time.Duration) error

	// Delete is idempotent; deleting an absent cart is not an error.
	Delete(ctx context.Context, ownerKey string) error

	// ExpiredOwners lists owners whose stored cart is logically past its
	// expiresAt, for the scanner's physical reap.
	ExpiredOwners(ctx context.Context, now time.Time) ([]string, error)
}

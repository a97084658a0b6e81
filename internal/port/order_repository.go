package port

import (
	"context"
	"time"

	"github.com/shopmesh/checkout/internal/core/domain"
)

type OrderRepository interface {
	// Create persists a new order. The cart id is unique across orders;
	// a second order for the same cart fails.
	Create(ctx context.Context, order *domain.Order) error

	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error)

	Update(ctx context.Context, order *domain.Order) error

	// FindExpiredReservations returns orders still flagged as holding
	// inventory whose reservation window has passed.
	FindExpiredReservations(ctx context.Context, now time.Time) ([]*domain.Order, error)

	// FindUnpaidBefore returns orders stuck in CREATED or PAYMENT_PENDING
	// older than the cutoff, candidates for auto-cancellation.
	FindUnpaidBefore(ctx context.Context, cutoff time.Time) ([]*domain.Order, error)
}

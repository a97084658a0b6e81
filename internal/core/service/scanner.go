package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CartReaper and OrderReaper are the scanner's views of the cart and order
// services.
type CartReaper interface {
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

type OrderReaper interface {
	ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error)
	AutoCancelStale(ctx context.Context, cutoff time.Time) (int, error)
}

type HoldReaper interface {
	ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error)
}

// ExpiryScanner is the backstop for everything the event flow failed to
// resolve: expired carts, lapsed inventory holds and stale unpaid orders.
// Every sweep is idempotent, so concurrent scanner instances are harmless.
type ExpiryScanner struct {
	carts         CartReaper
	orders        OrderReaper
	holds         HoldReaper
	logger        *zap.Logger
	interval      time.Duration
	autoCancelAge time.Duration
}

func NewExpiryScanner(carts CartReaper, orders OrderReaper, holds HoldReaper, logger *zap.Logger, interval, autoCancelAge time.Duration) *ExpiryScanner {
	return &ExpiryScanner{
		carts:         carts,
		orders:        orders,
		holds:         holds,
		logger:        logger,
		interval:      interval,
		autoCancelAge: autoCancelAge,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *ExpiryScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry scanner started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry scanner stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx, time.Now())
		}
	}
}

// RunOnce executes the three sweeps independently; one failing sweep never
// blocks the others.
func (s *ExpiryScanner) RunOnce(ctx context.Context, now time.Time) {
	if reaped, err := s.carts.ReapExpired(ctx, now); err != nil {
		s.logger.Error("cart sweep failed", zap.Error(err))
	} else if reaped > 0 {
		s.logger.Info("reaped expired carts", zap.Int("count", reaped))
	}

	if released, err := s.orders.ReleaseExpiredReservations(ctx, now); err != nil {
		s.logger.Error("reservation sweep failed", zap.Error(err))
	} else if released > 0 {
		s.logger.Info("released expired reservations", zap.Int("count", released))
	}

	if cancelled, err := s.orders.AutoCancelStale(ctx, now.Add(-s.autoCancelAge)); err != nil {
		s.logger.Error("auto-cancel sweep failed", zap.Error(err))
	} else if cancelled > 0 {
		s.logger.Info("auto-cancelled stale orders", zap.Int("count", cancelled))
	}

	if s.holds != nil {
		if released, err := s.holds.ReleaseExpiredHolds(ctx, now); err != nil {
			s.logger.Error("hold sweep failed", zap.Error(err))
		} else if released > 0 {
			s.logger.Info("released expired ledger holds", zap.Int("count", released))
		}
	}
}

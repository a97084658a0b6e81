package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopmesh/checkout/internal/core/domain"
	"github.com/shopmesh/checkout/internal/port"
)

// hold is the in-memory bookkeeping for one requester's claim on a product.
// The ledger's persisted reservedQuantity is the source of truth; holds only
// make reservations traceable and redelivered events detectable. A settled
// hold stays behind as a zero-quantity marker until the expiry sweep removes
// it, so duplicates of its RESERVE, CONFIRM and RELEASE remain no-ops.
type hold struct {
	productID int64
	key       domain.HoldKey
	quantity  int
	expiresAt time.Time
}

// InventoryLedger owns the reserve/confirm/release protocol. Mutations to
// the same product are serialized through a per-product mutex; different
// products proceed in parallel.
type InventoryLedger struct {
	repo    port.InventoryRepository
	logger  *zap.Logger
	holdTTL time.Duration

	locks [lockStripes]sync.Mutex

	mu    sync.Mutex // guards holds
	holds map[string]*hold
}

func NewInventoryLedger(repo port.InventoryRepository, logger *zap.Logger, holdTTL time.Duration) *InventoryLedger {
	return &InventoryLedger{
		repo:    repo,
		logger:  logger,
		holdTTL: holdTTL,
		holds:   make(map[string]*hold),
	}
}

func (l *InventoryLedger) productLock(productID int64) *sync.Mutex {
	return &l.locks[uint64(productID)%lockStripes]
}

func holdID(productID int64, key domain.HoldKey) string {
	return fmt.Sprintf("%d:%s", productID, key)
}

// Reserve raises reservedQuantity by quantity if enough stock is available
// or backorders are allowed. A redelivered RESERVE for a hold key that
// already covers the quantity is a no-op, keeping the operation idempotent
// under at-least-once delivery.
func (l *InventoryLedger) Reserve(ctx context.Context, productID int64, quantity int, key domain.HoldKey) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	lock := l.productLock(productID)
	lock.Lock()
	defer lock.Unlock()

	// A hold key covers one requester's total claim on the product, so a
	// redelivered RESERVE only adds the uncovered remainder. A RESERVE for
	// a hold that already settled must not reopen it.
	if tracked, known := l.trackedHold(productID, key); known {
		if tracked == 0 {
			l.logger.Debug("reserve for settled hold ignored",
				zap.Int64("product_id", productID),
				zap.Stringer("hold_key", key),
			)
			return nil
		}
		quantity -= tracked
		if quantity <= 0 {
			l.logger.Debug("duplicate reserve ignored",
				zap.Int64("product_id", productID),
				zap.Stringer("hold_key", key),
			)
			return nil
		}
	}

	rec, err := l.repo.Get(ctx, productID)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	if rec == nil {
		return ErrProductNotFound
	}

	if !rec.CanFulfill(quantity) {
		l.logger.Warn("insufficient stock for reserve",
			zap.Int64("product_id", productID),
			zap.Int("requested", quantity),
			zap.Int("available", rec.AvailableQuantity()),
		)
		return ErrInsufficientStock
	}

	rec.ReservedQuantity += quantity
	rec.UpdatedAt = time.Now()
	if err := l.repo.Update(ctx, rec); err != nil {
		return fmt.Errorf("persist reserve: %w", err)
	}

	l.trackHold(productID, key, quantity)

	l.logger.Info("reserved inventory",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Stringer("hold_key", key),
	)
	return nil
}

// Confirm consumes a reservation: the quantity leaves both reservedQuantity
// and stockQuantity. This is the only operation that permanently reduces
// stock. Without a tracked hold it degrades to clamped arithmetic and a
// warning rather than failing.
func (l *InventoryLedger) Confirm(ctx context.Context, productID int64, quantity int, key domain.HoldKey) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	lock := l.productLock(productID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := l.repo.Get(ctx, productID)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	if rec == nil {
		return ErrProductNotFound
	}

	tracked, known := l.trackedHold(productID, key)
	if known && tracked == 0 {
		l.logger.Debug("duplicate confirm ignored",
			zap.Int64("product_id", productID),
			zap.Stringer("hold_key", key),
		)
		return nil
	}
	if tracked < quantity {
		l.logger.Warn("confirm without matching tracked hold, applying clamped",
			zap.Int64("product_id", productID),
			zap.Int("quantity", quantity),
			zap.Int("tracked", tracked),
			zap.Stringer("hold_key", key),
		)
	}

	rec.ReservedQuantity = clampZero(rec.ReservedQuantity - quantity)
	rec.StockQuantity = clampZero(rec.StockQuantity - quantity)
	rec.UpdatedAt = time.Now()
	if err := l.repo.Update(ctx, rec); err != nil {
		return fmt.Errorf("persist confirm: %w", err)
	}

	l.dropHold(productID, key, quantity)

	l.logger.Info("confirmed inventory usage",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Stringer("hold_key", key),
	)
	return nil
}

// Release returns held quantity to the available pool. When the hold is
// tracked the amount is capped by it, so a duplicate RELEASE under
// at-least-once delivery cannot eat another requester's hold. When no
// bookkeeping exists at all, as after a restart, the durable reservation
// still has to come back: the decrement is applied clamped with a warning.
func (l *InventoryLedger) Release(ctx context.Context, productID int64, quantity int, key domain.HoldKey) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	lock := l.productLock(productID)
	lock.Lock()
	defer lock.Unlock()

	tracked, known := l.trackedHold(productID, key)
	switch {
	case known && tracked == 0:
		l.logger.Debug("duplicate release ignored",
			zap.Int64("product_id", productID),
			zap.Stringer("hold_key", key),
		)
		return nil
	case known && quantity > tracked:
		quantity = tracked
	case !known:
		l.logger.Warn("release without hold bookkeeping, applying clamped",
			zap.Int64("product_id", productID),
			zap.Int("quantity", quantity),
			zap.Stringer("hold_key", key),
		)
	}

	rec, err := l.repo.Get(ctx, productID)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	if rec == nil {
		return ErrProductNotFound
	}

	rec.ReservedQuantity = clampZero(rec.ReservedQuantity - quantity)
	rec.UpdatedAt = time.Now()
	if err := l.repo.Update(ctx, rec); err != nil {
		return fmt.Errorf("persist release: %w", err)
	}

	l.dropHold(productID, key, quantity)

	l.logger.Info("released inventory",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Stringer("hold_key", key),
	)
	return nil
}

// Availability returns the public availability view for a product.
func (l *InventoryLedger) Availability(ctx context.Context, productID int64) (domain.Availability, error) {
	rec, err := l.repo.Get(ctx, productID)
	if err != nil {
		return domain.Availability{}, fmt.Errorf("load inventory: %w", err)
	}
	if rec == nil {
		return domain.Availability{}, ErrProductNotFound
	}
	return rec.AvailabilityView(), nil
}

// AvailableForCart is the advisory check carts use before accepting items.
func (l *InventoryLedger) AvailableForCart(ctx context.Context, productID int64, quantity int) (bool, error) {
	rec, err := l.repo.Get(ctx, productID)
	if err != nil {
		return false, fmt.Errorf("load inventory: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	return rec.AvailableForCart(quantity), nil
}

// SetStock overwrites the physical stock level, used for restocking.
func (l *InventoryLedger) SetStock(ctx context.Context, productID int64, quantity int) error {
	if quantity < 0 {
		return ErrInvalidQuantity
	}

	lock := l.productLock(productID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := l.repo.Get(ctx, productID)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	if rec == nil {
		rec = &domain.InventoryRecord{
			ProductID:         productID,
			LowStockThreshold: 10,
			IsActive:          true,
			CreatedAt:         time.Now(),
		}
	}
	rec.StockQuantity = quantity
	rec.UpdatedAt = time.Now()
	return l.repo.Upsert(ctx, rec)
}

// Apply dispatches one inventory event's items through the protocol, with
// the hold attributed to the originating order.
func (l *InventoryLedger) Apply(ctx context.Context, ev domain.InventoryEvent) error {
	key := domain.ExternalHold(ev.OrderID)
	for _, item := range ev.Items {
		var err error
		switch item.Action {
		case domain.InventoryActionReserve:
			err = l.Reserve(ctx, item.ProductID, int(item.Quantity), key)
		case domain.InventoryActionRelease:
			err = l.Release(ctx, item.ProductID, int(item.Quantity), key)
		case domain.InventoryActionConfirm:
			err = l.Confirm(ctx, item.ProductID, int(item.Quantity), key)
		default:
			l.logger.Warn("unknown inventory action",
				zap.String("action", string(item.Action)),
				zap.String("order_id", ev.OrderID),
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("apply %s for product %d: %w", item.Action, item.ProductID, err)
		}
	}
	return nil
}

// ReleaseExpiredHolds releases holds past their expiry, recovering stock
// claimed by requesters that never confirmed or released. Settled markers
// past their window are dropped here, ending their duplicate suppression.
func (l *InventoryLedger) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	var expired []*hold
	for id, h := range l.holds {
		if !now.After(h.expiresAt) {
			continue
		}
		if h.quantity == 0 {
			delete(l.holds, id)
			continue
		}
		expired = append(expired, h)
	}
	l.mu.Unlock()

	released := 0
	for _, h := range expired {
		if err := l.Release(ctx, h.productID, h.quantity, h.key); err != nil {
			l.logger.Error("failed to release expired hold",
				zap.Int64("product_id", h.productID),
				zap.Stringer("hold_key", h.key),
				zap.Error(err),
			)
			continue
		}
		released++
	}
	return released, nil
}

func (l *InventoryLedger) trackedHold(productID int64, key domain.HoldKey) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[holdID(productID, key)]; ok {
		return h.quantity, true
	}
	return 0, false
}

func (l *InventoryLedger) trackHold(productID int64, key domain.HoldKey, quantity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := holdID(productID, key)
	if h, ok := l.holds[id]; ok {
		h.quantity += quantity
		h.expiresAt = time.Now().Add(l.holdTTL)
		return
	}
	l.holds[id] = &hold{
		productID: productID,
		key:       key,
		quantity:  quantity,
		expiresAt: time.Now().Add(l.holdTTL),
	}
}

// dropHold settles quantity against the tracked hold. The entry is kept as
// a zero-quantity marker, and one is created when the hold was never
// tracked, so redeliveries of the settling event stay no-ops.
func (l *InventoryLedger) dropHold(productID int64, key domain.HoldKey, quantity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := holdID(productID, key)
	h, ok := l.holds[id]
	if !ok {
		l.holds[id] = &hold{
			productID: productID,
			key:       key,
			expiresAt: time.Now().Add(l.holdTTL),
		}
		return
	}
	h.quantity -= quantity
	if h.quantity < 0 {
		h.quantity = 0
	}
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shopmesh/checkout/internal/core/domain"
	"github.com/shopmesh/checkout/internal/port"
)

// StockProtocol is the slice of the inventory ledger the order flow drives.
type StockProtocol interface {
	Reserve(ctx context.Context, productID int64, quantity int, key domain.HoldKey) error
	Release(ctx context.Context, productID int64, quantity int, key domain.HoldKey) error
	Confirm(ctx context.Context, productID int64, quantity int, key domain.HoldKey) error
}

type OrderConfig struct {
	ReservationTTL time.Duration
	AutoCancelAge  time.Duration
}

// OrderService owns the order lifecycle. Transitions for the same order are
// serialized through a per-order mutex; events for different orders proceed
// independently.
type OrderService struct {
	orders port.OrderRepository
	stock  StockProtocol
	bus    port.EventBus
	logger *zap.Logger
	cfg    OrderConfig

	locks [lockStripes]sync.Mutex
}

func NewOrderService(orders port.OrderRepository, stock StockProtocol, bus port.EventBus, logger *zap.Logger, cfg OrderConfig) *OrderService {
	return &OrderService{
		orders: orders,
		stock:  stock,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
	}
}

func (s *OrderService) orderLock(orderID string) *sync.Mutex {
	return &s.locks[lockIndex(orderID)]
}

// CreateFromCart turns a checked-out cart snapshot into an order. The
// reservation is a synchronous ledger call: a failed reserve aborts order
// creation with the already-taken holds compensated, instead of being
// discovered later by the scanner. The RESERVE event is still published so
// peer services see the hold.
func (s *OrderService) CreateFromCart(ctx context.Context, cart *domain.Cart) (*domain.Order, error) {
	if cart == nil || cart.IsEmpty() {
		return nil, ErrEmptyCart
	}
	if !cart.Owner.IsUser() {
		return nil, fmt.Errorf("%w: checkout requires an authenticated user", ErrAccessDenied)
	}

	now := time.Now()
	order := &domain.Order{
		ID:            uuid.NewString(),
		OrderNumber:   domain.NewOrderNumber(now),
		UserID:        cart.Owner.UserID,
		CartID:        cart.ID,
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
		OrderDate:     now,
		UpdatedAt:     now,
	}
	for _, item := range cart.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: item.ProductID,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}

	holdKey := domain.ExternalHold(order.ID)

	var reserved []domain.OrderItem
	for _, item := range order.Items {
		if err := s.stock.Reserve(ctx, item.ProductID, item.Quantity, holdKey); err != nil {
			s.compensateReserved(ctx, reserved, holdKey)
			if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrProductNotFound) {
				return nil, fmt.Errorf("product %d: %w", item.ProductID, err)
			}
			return nil, fmt.Errorf("reserve product %d: %w", item.ProductID, err)
		}
		reserved = append(reserved, item)
	}
	order.MarkInventoryReserved(now, s.cfg.ReservationTTL)

	if err := s.orders.Create(ctx, order); err != nil {
		s.compensateReserved(ctx, reserved, holdKey)
		return nil, fmt.Errorf("persist order: %w", err)
	}

	s.publishInventoryEvent(ctx, domain.NewInventoryEvent(order.ID, domain.InventoryActionReserve, order.Items))
	s.publishOrderEvent(ctx, domain.NewOrderEvent(order, "CREATED", "", domain.OrderStatusCreated))

	s.logger.Info("created order",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("user_id", order.UserID),
		zap.Int("items", len(order.Items)),
	)

	// Choreography has no synchronous reservation ack, so the order moves to
	// PAYMENT_PENDING immediately and waits for the payment outcome event.
	if err := s.requestPayment(ctx, order); err != nil {
		s.logger.Error("failed to move order to payment",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	return order, nil
}

func (s *OrderService) requestPayment(ctx context.Context, order *domain.Order) error {
	previous := order.Status
	order.Status = domain.OrderStatusPaymentPending
	order.UpdatedAt = time.Now()
	if err := s.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("persist payment pending: %w", err)
	}
	s.publishOrderEvent(ctx, domain.NewOrderEvent(order, "PAYMENT_REQUESTED", previous, order.Status))
	return nil
}

// HandlePaymentCompleted moves the order to CONFIRMED and turns the hold
// into a permanent stock decrement. The payment status is the idempotency
// guard: a redelivered PAYMENT_COMPLETED after the order already settled,
// shipped or delivered must not regress the status or confirm stock twice.
func (s *OrderService) HandlePaymentCompleted(ctx context.Context, orderID, paymentID string) error {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus == domain.PaymentStatusCompleted || order.Status.IsTerminal() {
		s.logger.Warn("ignoring payment outcome for settled order",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
		)
		return nil
	}

	previous := order.Status
	now := time.Now()
	order.Status = domain.OrderStatusConfirmed
	order.PaymentStatus = domain.PaymentStatusCompleted
	order.PaymentID = paymentID
	order.UpdatedAt = now

	holdKey := domain.ExternalHold(order.ID)
	for _, item := range order.Items {
		if err := s.stock.Confirm(ctx, item.ProductID, item.Quantity, holdKey); err != nil {
			s.logger.Error("failed to confirm inventory",
				zap.String("order_id", orderID),
				zap.Int64("product_id", item.ProductID),
				zap.Error(err),
			)
		}
	}
	order.MarkInventoryReleased(now)

	if err := s.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("persist confirmed order: %w", err)
	}

	s.publishInventoryEvent(ctx, domain.NewInventoryEvent(order.ID, domain.InventoryActionConfirm, order.Items))
	s.publishOrderEvent(ctx, domain.NewOrderEvent(order, "CONFIRMED", previous, order.Status))

	s.logger.Info("payment completed, order confirmed",
		zap.String("order_id", orderID), zap.String("payment_id", paymentID))
	return nil
}

// HandlePaymentFailed cancels the order and releases its holds. A failure
// event arriving after the payment already completed contradicts the
// recorded outcome; the paid order stands and the event is dropped.
func (s *OrderService) HandlePaymentFailed(ctx context.Context, orderID, reason string) error {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() || order.PaymentStatus == domain.PaymentStatusCompleted {
		s.logger.Warn("ignoring payment outcome for settled order",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
		)
		return nil
	}

	order.PaymentStatus = domain.PaymentStatusFailed
	order.CancelReason = reason
	if err := s.cancelLocked(ctx, order, "CANCELLED"); err != nil {
		return err
	}

	s.logger.Info("payment failed, order cancelled",
		zap.String("order_id", orderID), zap.String("reason", reason))
	return nil
}

// Cancel is a shopper-initiated cancellation, allowed only while the order
// is still cancellable.
func (s *OrderService) Cancel(ctx context.Context, orderID string, userID int64, reason string) (*domain.Order, error) {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrAccessDenied
	}
	if !order.CanBeCancelled() {
		return nil, fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidTransition, order.Status)
	}

	order.CancelReason = reason
	if err := s.cancelLocked(ctx, order, "CANCELLED"); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) MarkShipped(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, domain.OrderStatusShipped, "SHIPPED")
}

func (s *OrderService) MarkDelivered(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, domain.OrderStatusDelivered, "DELIVERED")
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string, userID int64) (*domain.Order, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrAccessDenied
	}
	return order, nil
}

// ReleaseExpiredReservations finds orders whose reservation window lapsed
// without a CONFIRM or RELEASE, emits the compensating RELEASE and clears
// the flag. Recovers from lost events; idempotent across scanner instances.
func (s *OrderService) ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.orders.FindExpiredReservations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired reservations: %w", err)
	}

	released := 0
	for _, order := range expired {
		lock := s.orderLock(order.ID)
		lock.Lock()
		err := func() error {
			if err := s.releaseOrderInventory(ctx, order); err != nil {
				return err
			}
			return s.orders.Update(ctx, order)
		}()
		lock.Unlock()
		if err != nil {
			s.logger.Error("failed to release expired reservation",
				zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		released++
		s.logger.Info("released expired inventory reservation",
			zap.String("order_id", order.ID),
			zap.String("order_number", order.OrderNumber),
		)
	}
	return released, nil
}

// AutoCancelStale force-cancels orders stuck in CREATED or PAYMENT_PENDING
// past the cutoff, guarding against lost payment events.
func (s *OrderService) AutoCancelStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.orders.FindUnpaidBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale orders: %w", err)
	}

	cancelled := 0
	for _, order := range stale {
		lock := s.orderLock(order.ID)
		lock.Lock()
		order.CancelReason = "auto-cancelled: payment not completed in time"
		err := s.cancelLocked(ctx, order, "AUTO_CANCELLED")
		lock.Unlock()
		if err != nil {
			s.logger.Error("failed to auto-cancel order",
				zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		cancelled++
		s.logger.Info("auto-cancelled stale order",
			zap.String("order_id", order.ID),
			zap.String("order_number", order.OrderNumber),
		)
	}
	return cancelled, nil
}

func (s *OrderService) getOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// cancelLocked moves an order to CANCELLED, releasing any outstanding
// holds. Callers hold the order lock.
func (s *OrderService) cancelLocked(ctx context.Context, order *domain.Order, eventType string) error {
	previous := order.Status
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = time.Now()

	if err := s.releaseOrderInventory(ctx, order); err != nil {
		return err
	}
	if err := s.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("persist cancelled order: %w", err)
	}

	s.publishOrderEvent(ctx, domain.NewOrderEvent(order, eventType, previous, order.Status))
	return nil
}

// releaseOrderInventory emits exactly one compensating RELEASE per reserved
// line item and clears the reservation flag. A no-op when nothing is held.
func (s *OrderService) releaseOrderInventory(ctx context.Context, order *domain.Order) error {
	if !order.InventoryReserved {
		return nil
	}

	holdKey := domain.ExternalHold(order.ID)
	for _, item := range order.Items {
		if err := s.stock.Release(ctx, item.ProductID, item.Quantity, holdKey); err != nil {
			s.logger.Error("failed to release inventory",
				zap.String("order_id", order.ID),
				zap.Int64("product_id", item.ProductID),
				zap.Error(err),
			)
		}
	}
	order.MarkInventoryReleased(time.Now())

	s.publishInventoryEvent(ctx, domain.NewInventoryEvent(order.ID, domain.InventoryActionRelease, order.Items))
	return nil
}

func (s *OrderService) transition(ctx context.Context, orderID string, next domain.OrderStatus, eventType string) (*domain.Order, error) {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}

	previous := order.Status
	order.Status = next
	order.UpdatedAt = time.Now()

	if err := s.orders.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	s.publishOrderEvent(ctx, domain.NewOrderEvent(order, eventType, previous, next))
	return order, nil
}

// compensateReserved rolls back holds taken before a failed order creation.
func (s *OrderService) compensateReserved(ctx context.Context, items []domain.OrderItem, key domain.HoldKey) {
	for _, item := range items {
		if err := s.stock.Release(ctx, item.ProductID, item.Quantity, key); err != nil {
			s.logger.Error("failed to compensate reservation",
				zap.Int64("product_id", item.ProductID), zap.Error(err))
		}
	}
}

// Events are fire-and-forget relative to the committed state change; a
// failed publish is logged and left to the scanner backstop.

func (s *OrderService) publishOrderEvent(ctx context.Context, ev domain.OrderEvent) {
	if err := s.bus.Publish(ctx, domain.TopicOrderEvents, ev.OrderID, ev); err != nil {
		s.logger.Error("failed to publish order event",
			zap.String("order_id", ev.OrderID),
			zap.String("event_type", ev.EventType),
			zap.Error(err),
		)
	}
}

func (s *OrderService) publishInventoryEvent(ctx context.Context, ev domain.InventoryEvent) {
	if err := s.bus.Publish(ctx, domain.TopicInventoryEvents, ev.OrderID, ev); err != nil {
		s.logger.Error("failed to publish inventory event",
			zap.String("order_id", ev.OrderID),
			zap.String("event_type", string(ev.EventType)),
			zap.Error(err),
		)
	}
}

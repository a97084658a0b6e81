package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopmesh/checkout/internal/core/domain"
)

// End-to-end purchase flow over in-memory stores: cart, checkout, order
// creation, payment outcome and the scanner backstop working together.

type purchaseEnv struct {
	inventory *memInventoryRepo
	orders    *memOrderRepo
	bus       *memBus
	ledger    *InventoryLedger
	carts     *CartService
	orderSvc  *OrderService
	scanner   *ExpiryScanner
}

func newPurchaseEnv(t *testing.T) *purchaseEnv {
	t.Helper()
	logger := zap.NewNop()

	inventory := newMemInventoryRepo()
	orderRepo := newMemOrderRepo()
	cartRepo := newMemCartRepo()
	bus := &memBus{}

	ledger := NewInventoryLedger(inventory, logger, time.Hour)
	carts := NewCartService(cartRepo, ledger, bus, logger, CartConfig{
		UserTTL:  time.Hour,
		GuestTTL: 30 * time.Minute,
		MaxItems: 100,
	})
	orderSvc := NewOrderService(orderRepo, ledger, bus, logger, OrderConfig{
		ReservationTTL: time.Hour,
		AutoCancelAge:  24 * time.Hour,
	})
	scanner := NewExpiryScanner(carts, orderSvc, ledger, logger, time.Hour, 24*time.Hour)

	return &purchaseEnv{
		inventory: inventory,
		orders:    orderRepo,
		bus:       bus,
		ledger:    ledger,
		carts:     carts,
		orderSvc:  orderSvc,
		scanner:   scanner,
	}
}

func (e *purchaseEnv) checkout(ctx context.Context, userID int64) (*domain.Order, error) {
	owner := domain.CartOwner{UserID: userID}
	cart, err := e.carts.Checkout(ctx, owner)
	if err != nil {
		return nil, err
	}
	order, err := e.orderSvc.CreateFromCart(ctx, cart)
	if err != nil {
		return nil, err
	}
	e.carts.FinalizeCheckout(ctx, owner, cart.ID)
	return order, nil
}

func TestPurchaseFlowHappyPath(t *testing.T) {
	env := newPurchaseEnv(t)
	ctx := context.Background()
	env.inventory.seed(1, 10)

	_, err := env.carts.AddItem(ctx, domain.CartOwner{UserID: 7}, 1, 1999, 2)
	require.NoError(t, err)

	order, err := env.checkout(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaymentPending, order.Status)
	assert.Equal(t, 2, env.inventory.record(1).ReservedQuantity)

	require.NoError(t, env.orderSvc.HandlePaymentCompleted(ctx, order.ID, "pay-1"))

	rec := env.inventory.record(1)
	assert.Equal(t, 8, rec.StockQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
	assert.Equal(t, domain.OrderStatusConfirmed, env.orders.get(order.ID).Status)

	// Fulfilment runs to the end of the lifecycle.
	_, err = env.orderSvc.MarkShipped(ctx, order.ID)
	require.NoError(t, err)
	_, err = env.orderSvc.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, env.orders.get(order.ID).Status)
}

func TestPurchaseFlowPaymentFailureRestoresStock(t *testing.T) {
	env := newPurchaseEnv(t)
	ctx := context.Background()
	env.inventory.seed(1, 5)

	_, err := env.carts.AddItem(ctx, domain.CartOwner{UserID: 7}, 1, 1000, 3)
	require.NoError(t, err)

	order, err := env.checkout(ctx, 7)
	require.NoError(t, err)
	held := env.inventory.record(1)
	assert.Equal(t, 2, held.AvailableQuantity())

	require.NoError(t, env.orderSvc.HandlePaymentFailed(ctx, order.ID, "declined"))

	rec := env.inventory.record(1)
	assert.Equal(t, 5, rec.StockQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
	assert.Equal(t, domain.OrderStatusCancelled, env.orders.get(order.ID).Status)
}

func TestPurchaseFlowContendedStock(t *testing.T) {
	env := newPurchaseEnv(t)
	ctx := context.Background()

	const stock = 20
	const shoppers = 50
	env.inventory.seed(1, stock)

	var success atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < shoppers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			if _, err := env.carts.AddItem(ctx, domain.CartOwner{UserID: userID}, 1, 999, 1); err != nil {
				return
			}
			if _, err := env.checkout(ctx, userID); err == nil {
				success.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int32(stock), success.Load())

	rec := env.inventory.record(1)
	assert.Equal(t, stock, rec.ReservedQuantity)
	assert.Equal(t, 0, rec.AvailableQuantity())
}

func TestPurchaseFlowScannerRecoversLapsedReservation(t *testing.T) {
	env := newPurchaseEnv(t)
	ctx := context.Background()
	env.inventory.seed(1, 4)

	// Reservations lapse immediately so the sweep has work to do.
	env.orderSvc.cfg.ReservationTTL = -time.Minute

	_, err := env.carts.AddItem(ctx, domain.CartOwner{UserID: 7}, 1, 1000, 4)
	require.NoError(t, err)
	order, err := env.checkout(ctx, 7)
	require.NoError(t, err)
	held := env.inventory.record(1)
	assert.Equal(t, 0, held.AvailableQuantity())

	env.scanner.RunOnce(ctx, time.Now())

	rec := env.inventory.record(1)
	assert.Equal(t, 4, rec.AvailableQuantity())
	assert.False(t, env.orders.get(order.ID).InventoryReserved)

	// A lost payment event eventually auto-cancels the stuck order.
	env.scanner.RunOnce(ctx, time.Now().Add(48*time.Hour))
	assert.Equal(t, domain.OrderStatusCancelled, env.orders.get(order.ID).Status)
}

func TestPurchaseFlowRepeatPurchasesBySameUser(t *testing.T) {
	env := newPurchaseEnv(t)
	ctx := context.Background()
	env.inventory.seed(1, 10)

	_, err := env.carts.AddItem(ctx, domain.CartOwner{UserID: 42}, 1, 1000, 2)
	require.NoError(t, err)
	first, err := env.checkout(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, env.orderSvc.HandlePaymentCompleted(ctx, first.ID, "pay-1"))

	// The next purchase starts a fresh cart with its own identity, so the
	// one-order-per-cart rule does not block the returning shopper.
	_, err = env.carts.AddItem(ctx, domain.CartOwner{UserID: 42}, 1, 1000, 3)
	require.NoError(t, err)
	second, err := env.checkout(ctx, 42)
	require.NoError(t, err)

	assert.NotEqual(t, first.CartID, second.CartID)
	require.NoError(t, env.orderSvc.HandlePaymentCompleted(ctx, second.ID, "pay-2"))

	rec := env.inventory.record(1)
	assert.Equal(t, 5, rec.StockQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
}

func TestPurchaseFlowCheckoutBlockedWhenStockGone(t *testing.T) {
	env := newPurchaseEnv(t)
	ctx := context.Background()
	env.inventory.seed(1, 2)

	_, err := env.carts.AddItem(ctx, domain.CartOwner{UserID: 7}, 1, 1000, 2)
	require.NoError(t, err)
	_, err = env.carts.AddItem(ctx, domain.CartOwner{UserID: 8}, 1, 1000, 2)
	require.NoError(t, err)

	_, err = env.checkout(ctx, 7)
	require.NoError(t, err)

	// Second shopper's cart passed the advisory add but the stock is now held.
	_, err = env.checkout(ctx, 8)
	require.Error(t, err)
	assert.Equal(t, 2, env.inventory.record(1).ReservedQuantity)
}

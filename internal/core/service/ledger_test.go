package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopmesh/checkout/internal/core/domain"
)

// memInventoryRepo is an in-memory InventoryRepository for ledger tests.
type memInventoryRepo struct {
	mu      sync.Mutex
	records map[int64]*domain.InventoryRecord
}

func newMemInventoryRepo() *memInventoryRepo {
	return &memInventoryRepo{records: make(map[int64]*domain.InventoryRecord)}
}

func (m *memInventoryRepo) Get(ctx context.Context, productID int64) (*domain.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[productID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memInventoryRepo) Update(ctx context.Context, rec *domain.InventoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ProductID] = &cp
	return nil
}

func (m *memInventoryRepo) Upsert(ctx context.Context, rec *domain.InventoryRecord) error {
	return m.Update(ctx, rec)
}

func (m *memInventoryRepo) seed(productID int64, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[productID] = &domain.InventoryRecord{
		ProductID:     productID,
		StockQuantity: stock,
		IsActive:      true,
	}
}

func (m *memInventoryRepo) record(productID int64) domain.InventoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[productID]
}

func newTestLedger(repo *memInventoryRepo) *InventoryLedger {
	return NewInventoryLedger(repo, zap.NewNop(), time.Hour)
}

func TestReserveConfirmConsumesStock(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	ledger := newTestLedger(repo)
	ctx := context.Background()
	key := domain.ExternalHold("order-1")

	require.NoError(t, ledger.Reserve(ctx, 1, 3, key))

	rec := repo.record(1)
	assert.Equal(t, 10, rec.StockQuantity)
	assert.Equal(t, 3, rec.ReservedQuantity)
	assert.Equal(t, 7, rec.AvailableQuantity())

	require.NoError(t, ledger.Confirm(ctx, 1, 3, key))

	rec = repo.record(1)
	assert.Equal(t, 7, rec.StockQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
	assert.Equal(t, 7, rec.AvailableQuantity())
}

func TestReserveReleaseRestoresAvailability(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	ledger := newTestLedger(repo)
	ctx := context.Background()
	key := domain.ExternalHold("order-1")

	require.NoError(t, ledger.Reserve(ctx, 1, 4, key))
	require.NoError(t, ledger.Release(ctx, 1, 4, key))

	rec := repo.record(1)
	assert.Equal(t, 10, rec.StockQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
	assert.Equal(t, 10, rec.AvailableQuantity())
}

func TestReserveRejectsInsufficientStock(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 2)
	ledger := newTestLedger(repo)
	ctx := context.Background()

	err := ledger.Reserve(ctx, 1, 3, domain.UserHold(7))
	assert.ErrorIs(t, err, ErrInsufficientStock)

	rec := repo.record(1)
	assert.Equal(t, 0, rec.ReservedQuantity)
}

func TestReserveAllowsBackorder(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 0)
	repo.mu.Lock()
	repo.records[1].AllowBackorder = true
	repo.mu.Unlock()
	ledger := newTestLedger(repo)

	require.NoError(t, ledger.Reserve(context.Background(), 1, 5, domain.UserHold(7)))
	assert.Equal(t, 5, repo.record(1).ReservedQuantity)
}

func TestDuplicateReserveIsIdempotent(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	ledger := newTestLedger(repo)
	ctx := context.Background()
	key := domain.ExternalHold("order-1")

	require.NoError(t, ledger.Reserve(ctx, 1, 3, key))
	require.NoError(t, ledger.Reserve(ctx, 1, 3, key))

	assert.Equal(t, 3, repo.record(1).ReservedQuantity)
}

func TestDuplicateReleaseIsNoOp(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	ledger := newTestLedger(repo)
	ctx := context.Background()
	key := domain.ExternalHold("order-1")

	require.NoError(t, ledger.Reserve(ctx, 1, 3, key))
	require.NoError(t, ledger.Release(ctx, 1, 3, key))
	require.NoError(t, ledger.Release(ctx, 1, 3, key))

	rec := repo.record(1)
	assert.Equal(t, 0, rec.ReservedQuantity)
	assert.Equal(t, 10, rec.AvailableQuantity())
}

func TestReleaseNeverEatsOtherHolds(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	ledger := newTestLedger(repo)
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, 1, 3, domain.ExternalHold("order-1")))
	require.NoError(t, ledger.Reserve(ctx, 1, 4, domain.ExternalHold("order-2")))

	// order-1 releases more than it holds; only its own 3 come back.
	require.NoError(t, ledger.Release(ctx, 1, 10, domain.ExternalHold("order-1")))

	rec := repo.record(1)
	assert.Equal(t, 4, rec.ReservedQuantity)
}

func TestReleaseWithoutBookkeepingRestoresReservation(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	repo.mu.Lock()
	repo.records[1].ReservedQuantity = 5
	repo.mu.Unlock()

	// A fresh ledger has no hold bookkeeping, the way a restarted process
	// has none; the compensating release must still restore the durable
	// reservation instead of leaking it.
	ledger := newTestLedger(repo)
	require.NoError(t, ledger.Release(context.Background(), 1, 5, domain.ExternalHold("order-1")))

	rec := repo.record(1)
	assert.Equal(t, 0, rec.ReservedQuantity)
	assert.Equal(t, 10, rec.AvailableQuantity())
}

func TestDuplicateConfirmConsumesStockOnce(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	ledger := newTestLedger(repo)
	ctx := context.Background()
	key := domain.ExternalHold("order-1")

	require.NoError(t, ledger.Reserve(ctx, 1, 5, key))
	require.NoError(t, ledger.Confirm(ctx, 1, 5, key))
	require.NoError(t, ledger.Confirm(ctx, 1, 5, key))

	rec := repo.record(1)
	assert.Equal(t, 5, rec.StockQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
}

func TestConfirmWithoutHoldClampsAtZero(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 2)
	ledger := newTestLedger(repo)

	require.NoError(t, ledger.Confirm(context.Background(), 1, 5, domain.ExternalHold("ghost")))

	rec := repo.record(1)
	assert.Equal(t, 0, rec.StockQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
}

func TestReserveUnknownProduct(t *testing.T) {
	ledger := newTestLedger(newMemInventoryRepo())
	err := ledger.Reserve(context.Background(), 99, 1, domain.UserHold(1))
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestReserveInvalidQuantity(t *testing.T) {
	ledger := newTestLedger(newMemInventoryRepo())
	assert.ErrorIs(t, ledger.Reserve(context.Background(), 1, 0, domain.UserHold(1)), ErrInvalidQuantity)
	assert.ErrorIs(t, ledger.Reserve(context.Background(), 1, -2, domain.UserHold(1)), ErrInvalidQuantity)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 20)
	ledger := newTestLedger(repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			ledger.Reserve(ctx, 1, 1, domain.UserHold(n))
		}(int64(i + 1))
	}
	wg.Wait()

	rec := repo.record(1)
	assert.Equal(t, 20, rec.ReservedQuantity)
	assert.Equal(t, 0, rec.AvailableQuantity())
	assert.GreaterOrEqual(t, rec.ReservedQuantity, 0)
	assert.LessOrEqual(t, rec.ReservedQuantity, rec.StockQuantity)
}

func TestAvailabilityView(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 5)
	ledger := newTestLedger(repo)

	view, err := ledger.Availability(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, view.AvailableQuantity)
	assert.Equal(t, 5, *view.AvailableQuantity)
	assert.False(t, view.IsOutOfStock)

	_, err = ledger.Availability(context.Background(), 99)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestAvailableForCartUnknownProduct(t *testing.T) {
	ledger := newTestLedger(newMemInventoryRepo())
	ok, err := ledger.AvailableForCart(context.Background(), 99, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetStockCreatesRecord(t *testing.T) {
	repo := newMemInventoryRepo()
	ledger := newTestLedger(repo)

	require.NoError(t, ledger.SetStock(context.Background(), 42, 15))

	rec := repo.record(42)
	assert.Equal(t, 15, rec.StockQuantity)
	assert.True(t, rec.IsActive)
}

func TestApplyDispatchesEventItems(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	repo.seed(2, 10)
	ledger := newTestLedger(repo)
	ctx := context.Background()

	items := []domain.OrderItem{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 3},
	}

	require.NoError(t, ledger.Apply(ctx, domain.NewInventoryEvent("order-1", domain.InventoryActionReserve, items)))
	assert.Equal(t, 2, repo.record(1).ReservedQuantity)
	assert.Equal(t, 3, repo.record(2).ReservedQuantity)

	require.NoError(t, ledger.Apply(ctx, domain.NewInventoryEvent("order-1", domain.InventoryActionRelease, items)))
	assert.Equal(t, 0, repo.record(1).ReservedQuantity)
	assert.Equal(t, 0, repo.record(2).ReservedQuantity)
}

func TestReleaseExpiredHolds(t *testing.T) {
	repo := newMemInventoryRepo()
	repo.seed(1, 10)
	ledger := NewInventoryLedger(repo, zap.NewNop(), 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, 1, 4, domain.ExternalHold("order-1")))

	released, err := ledger.ReleaseExpiredHolds(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, repo.record(1).ReservedQuantity)

	// Nothing left to release on the second sweep.
	released, err = ledger.ReleaseExpiredHolds(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

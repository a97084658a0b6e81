package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/shopmesh/checkout/internal/core/domain"
	"github.com/shopmesh/checkout/internal/core/service"
)

var ErrOptimisticLock = errors.New("optimistic lock conflict")

const mysqlErrDuplicateEntry = 1062

// MySQLOrderStore persists orders and their line items. The unique index on
// orders.cart_id enforces one order per cart at the database level.
type MySQLOrderStore struct {
	db *sql.DB
}

func NewMySQLOrderStore(db *sql.DB) *MySQLOrderStore {
	return &MySQLOrderStore{db: db}
}

func (m *MySQLOrderStore) Create(ctx context.Context, order *domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, user_id, cart_id, status, payment_status,
			payment_id, cancel_reason, order_date, updated_at,
			inventory_reserved, inventory_reserved_at, inventory_reservation_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.OrderNumber, order.UserID, order.CartID,
		order.Status, order.PaymentStatus, order.PaymentID, order.CancelReason,
		order.OrderDate, order.UpdatedAt,
		order.InventoryReserved, order.InventoryReservedAt, order.InventoryReservationExpiresAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return service.ErrCartAlreadyOrdered
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, unit_price, quantity)
			VALUES (?, ?, ?, ?)`,
			order.ID, item.ProductID, item.UnitPrice, item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return tx.Commit()
}

func (m *MySQLOrderStore) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return m.getOrder(ctx, `WHERE id = ?`, id)
}

func (m *MySQLOrderStore) GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return m.getOrder(ctx, `WHERE order_number = ?`, orderNumber)
}

func (m *MySQLOrderStore) getOrder(ctx context.Context, where string, arg any) (*domain.Order, error) {
	var o domain.Order
	err := m.db.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, cart_id, status, payment_status,
			payment_id, cancel_reason, order_date, updated_at,
			inventory_reserved, inventory_reserved_at, inventory_reservation_expires_at
		FROM orders `+where, arg,
	).Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.CartID, &o.Status, &o.PaymentStatus,
		&o.PaymentID, &o.CancelReason, &o.OrderDate, &o.UpdatedAt,
		&o.InventoryReserved, &o.InventoryReservedAt, &o.InventoryReservationExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	if err := m.loadItems(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (m *MySQLOrderStore) loadItems(ctx context.Context, order *domain.Order) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT product_id, unit_price, quantity
		FROM order_items WHERE order_id = ?`, order.ID)
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.UnitPrice, &item.Quantity); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

// Update persists mutable order state; line items are immutable after
// creation.
func (m *MySQLOrderStore) Update(ctx context.Context, order *domain.Order) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, payment_status = ?, payment_id = ?, cancel_reason = ?,
			updated_at = ?, inventory_reserved = ?, inventory_reserved_at = ?,
			inventory_reservation_expires_at = ?
		WHERE id = ?`,
		order.Status, order.PaymentStatus, order.PaymentID, order.CancelReason,
		order.UpdatedAt, order.InventoryReserved, order.InventoryReservedAt,
		order.InventoryReservationExpiresAt, order.ID,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (m *MySQLOrderStore) FindExpiredReservations(ctx context.Context, now time.Time) ([]*domain.Order, error) {
	return m.findOrders(ctx, `
		WHERE inventory_reserved = TRUE AND inventory_reservation_expires_at < ?`, now)
}

func (m *MySQLOrderStore) FindUnpaidBefore(ctx context.Context, cutoff time.Time) ([]*domain.Order, error) {
	return m.findOrders(ctx, `
		WHERE status IN (?, ?) AND order_date < ?`,
		domain.OrderStatusCreated, domain.OrderStatusPaymentPending, cutoff)
}

func (m *MySQLOrderStore) findOrders(ctx context.Context, where string, args ...any) ([]*domain.Order, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, order_number, user_id, cart_id, status, payment_status,
			payment_id, cancel_reason, order_date, updated_at,
			inventory_reserved, inventory_reserved_at, inventory_reservation_expires_at
		FROM orders `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.CartID, &o.Status,
			&o.PaymentStatus, &o.PaymentID, &o.CancelReason, &o.OrderDate, &o.UpdatedAt,
			&o.InventoryReserved, &o.InventoryReservedAt, &o.InventoryReservationExpiresAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range orders {
		if err := m.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// MySQLInventoryStore persists per-product stock records. Updates are
// version-checked so concurrent instances cannot clobber each other.
type MySQLInventoryStore struct {
	db *sql.DB
}

func NewMySQLInventoryStore(db *sql.DB) *MySQLInventoryStore {
	return &MySQLInventoryStore{db: db}
}

func (m *MySQLInventoryStore) Get(ctx context.Context, productID int64) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := m.db.QueryRowContext(ctx, `
		SELECT product_id, stock_quantity, reserved_quantity, allow_backorder,
			low_stock_threshold, is_active, version, created_at, updated_at
		FROM inventory WHERE product_id = ?`, productID,
	).Scan(&rec.ProductID, &rec.StockQuantity, &rec.ReservedQuantity, &rec.AllowBackorder,
		&rec.LowStockThreshold, &rec.IsActive, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	return &rec, nil
}

func (m *MySQLInventoryStore) Update(ctx context.Context, rec *domain.InventoryRecord) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE inventory
		SET stock_quantity = ?, reserved_quantity = ?, allow_backorder = ?,
			low_stock_threshold = ?, is_active = ?, version = version + 1, updated_at = ?
		WHERE product_id = ? AND version = ?`,
		rec.StockQuantity, rec.ReservedQuantity, rec.AllowBackorder,
		rec.LowStockThreshold, rec.IsActive, rec.UpdatedAt,
		rec.ProductID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	rec.Version++
	return nil
}

func (m *MySQLInventoryStore) Upsert(ctx context.Context, rec *domain.InventoryRecord) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, stock_quantity, reserved_quantity, allow_backorder,
			low_stock_threshold, is_active, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON DUPLICATE KEY UPDATE
			stock_quantity = VALUES(stock_quantity),
			reserved_quantity = VALUES(reserved_quantity),
			allow_backorder = VALUES(allow_backorder),
			low_stock_threshold = VALUES(low_stock_threshold),
			is_active = VALUES(is_active),
			version = version + 1,
			updated_at = VALUES(updated_at)`,
		rec.ProductID, rec.StockQuantity, rec.ReservedQuantity, rec.AllowBackorder,
		rec.LowStockThreshold, rec.IsActive, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert inventory: %w", err)
	}
	return nil
}

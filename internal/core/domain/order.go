package domain

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusCreated        OrderStatus = "CREATED"
	OrderStatusPaymentPending OrderStatus = "PAYMENT_PENDING"
	OrderStatusConfirmed      OrderStatus = "CONFIRMED"
	OrderStatusShipped        OrderStatus = "SHIPPED"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

type OrderItem struct {
	ProductID int64 `json:"productId"`
	UnitPrice int64 `json:"unitPrice"` // snapshot at checkout, never live price
	Quantity  int   `json:"quantity"`
}

func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

type Order struct {
	ID                            string        `json:"id"`
	OrderNumber                   string        `json:"orderNumber"`
	UserID                        int64         `json:"userId"`
	CartID                        string        `json:"cartId"` // at most one order per cart
	Items                         []OrderItem   `json:"items"`
	Status                        OrderStatus   `json:"status"`
	PaymentStatus                 PaymentStatus `json:"paymentStatus"`
	PaymentID                     string        `json:"paymentId,omitempty"`
	CancelReason                  string        `json:"cancelReason,omitempty"`
	OrderDate                     time.Time     `json:"orderDate"`
	UpdatedAt                     time.Time     `json:"updatedAt"`
	InventoryReserved             bool          `json:"-"`
	InventoryReservedAt           *time.Time    `json:"-"`
	InventoryReservationExpiresAt *time.Time    `json:"-"`
}

// NewOrderNumber derives a human-readable order number from a timestamp.
func NewOrderNumber(now time.Time) string {
	ts := fmt.Sprintf("%d", now.UnixMilli())
	return "ORD-" + ts[len(ts)-8:]
}

func (o *Order) TotalAmount() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	return total
}

func (o *Order) TotalQuantity() int {
	var total int
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}

func (o *Order) MarkInventoryReserved(now time.Time, ttl time.Duration) {
	reservedAt := now
	expiresAt := now.Add(ttl)
	o.InventoryReserved = true
	o.InventoryReservedAt = &reservedAt
	o.InventoryReservationExpiresAt = &expiresAt
	o.UpdatedAt = now
}

func (o *Order) MarkInventoryReleased(now time.Time) {
	o.InventoryReserved = false
	o.InventoryReservedAt = nil
	o.InventoryReservationExpiresAt = nil
	o.UpdatedAt = now
}

// IsReservationExpired is only meaningful while InventoryReserved is set.
func (o *Order) IsReservationExpired(now time.Time) bool {
	return o.InventoryReserved &&
		o.InventoryReservationExpiresAt != nil &&
		now.After(*o.InventoryReservationExpiresAt)
}

func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusCreated ||
		o.Status == OrderStatusPaymentPending ||
		o.Status == OrderStatusConfirmed
}

// CanTransitionTo enforces the lifecycle
// CREATED -> PAYMENT_PENDING -> {CONFIRMED | CANCELLED},
// CONFIRMED -> SHIPPED -> DELIVERED.
func (o *Order) CanTransitionTo(next OrderStatus) bool {
	if o.Status.IsTerminal() {
		return false
	}
	switch next {
	case OrderStatusPaymentPending:
		return o.Status == OrderStatusCreated
	case OrderStatusConfirmed:
		return o.Status == OrderStatusPaymentPending
	case OrderStatusShipped:
		return o.Status == OrderStatusConfirmed
	case OrderStatusDelivered:
		return o.Status == OrderStatusShipped
	case OrderStatusCancelled:
		return o.CanBeCancelled()
	default:
		return false
	}
}

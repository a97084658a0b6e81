package domain

import "time"

// Topics carrying the event choreography. Every message is keyed by the
// entity id that drives it, so delivery is FIFO per entity and unordered
// across entities.
const (
	TopicCartEvents      = "cart.events"
	TopicOrderEvents     = "order.events"
	TopicInventoryEvents = "inventory.events"
	TopicPaymentEvents   = "payment.events"
	TopicUserEvents      = "user.events"
)

// Delivery is at-least-once: consumers must tolerate redelivery.

type InventoryAction string

const (
	InventoryActionReserve InventoryAction = "RESERVE"
	InventoryActionRelease InventoryAction = "RELEASE"
	InventoryActionConfirm InventoryAction = "CONFIRM"
)

type InventoryEventItem struct {
	ProductID int64           `json:"productId"`
	Quantity  int32           `json:"quantity"`
	Action    InventoryAction `json:"action"`
}

type InventoryEvent struct {
	OrderID   string               `json:"orderId"`
	EventType InventoryAction      `json:"eventType"`
	Items     []InventoryEventItem `json:"items"`
	Timestamp int64                `json:"timestamp"`
}

func NewInventoryEvent(orderID string, action InventoryAction, items []OrderItem) InventoryEvent {
	ev := InventoryEvent{
		OrderID:   orderID,
		EventType: action,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, item := range items {
		ev.Items = append(ev.Items, InventoryEventItem{
			ProductID: item.ProductID,
			Quantity:  int32(item.Quantity),
			Action:    action,
		})
	}
	return ev
}

type OrderEvent struct {
	OrderID        string `json:"orderId"`
	OrderNumber    string `json:"orderNumber"`
	UserID         int64  `json:"userId"`
	EventType      string `json:"eventType"`
	PreviousStatus string `json:"previousStatus"`
	CurrentStatus  string `json:"currentStatus"`
	Timestamp      int64  `json:"timestamp"`
	Data           any    `json:"data,omitempty"`
}

func NewOrderEvent(o *Order, eventType string, previous, current OrderStatus) OrderEvent {
	return OrderEvent{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		UserID:         o.UserID,
		EventType:      eventType,
		PreviousStatus: string(previous),
		CurrentStatus:  string(current),
		Timestamp:      time.Now().UnixMilli(),
	}
}

const (
	CartEventItemAdded   = "ITEM_ADDED"
	CartEventItemUpdated = "ITEM_UPDATED"
	CartEventItemRemoved = "ITEM_REMOVED"
	CartEventCheckedOut  = "CHECKED_OUT"
	CartEventExpired     = "CART_EXPIRED"
)

type CartEvent struct {
	EventType string `json:"eventType"`
	UserID    *int64 `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	ProductID int64  `json:"productId,omitempty"`
	Quantity  int32  `json:"quantity,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewCartEvent(eventType string, owner CartOwner, productID int64, quantity int) CartEvent {
	ev := CartEvent{
		EventType: eventType,
		ProductID: productID,
		Quantity:  int32(quantity),
		Timestamp: time.Now().UnixMilli(),
	}
	if owner.IsUser() {
		uid := owner.UserID
		ev.UserID = &uid
	} else {
		ev.SessionID = owner.SessionID
	}
	return ev
}

const (
	PaymentEventCompleted = "PAYMENT_COMPLETED"
	PaymentEventFailed    = "PAYMENT_FAILED"
)

type PaymentEvent struct {
	EventType string `json:"eventType"`
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

const (
	UserEventRegistered = "USER_REGISTERED"
	UserEventLogin      = "USER_LOGIN"
)

// UserEvent is produced by the auth service; the router carries it for
// downstream notification consumers.
type UserEvent struct {
	EventType string `json:"eventType"`
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	EventID   string `json:"eventId"`
}

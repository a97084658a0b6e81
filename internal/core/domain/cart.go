package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CartStatus string

const (
	CartStatusActive     CartStatus = "ACTIVE"
	CartStatusCheckedOut CartStatus = "CHECKED_OUT"
	CartStatusExpired    CartStatus = "EXPIRED"
)

// CartOwner is the identity a cart is stored under: an authenticated user
// id or an anonymous session id, never both.
type CartOwner struct {
	UserID    int64
	SessionID string
}

func (o CartOwner) IsUser() bool { return o.UserID != 0 }

func (o CartOwner) Key() string {
	if o.IsUser() {
		return fmt.Sprintf("user:%d", o.UserID)
	}
	return "session:" + o.SessionID
}

type CartItem struct {
	ProductID int64     `json:"productId"`
	UnitPrice int64     `json:"unitPrice"` // snapshot in minor units
	Quantity  int       `json:"quantity"`
	AddedAt   time.Time `json:"addedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (i CartItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Cart is one shopping session. The ID identifies this incarnation of the
// owner's cart: a new cart after checkout gets a new ID, so orders can hold
// a cart-unique reference even though the storage key is the owner.
type Cart struct {
	ID        string     `json:"id"`
	Owner     CartOwner  `json:"owner"`
	Items     []CartItem `json:"items"`
	Status    CartStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

func NewCart(owner CartOwner, now time.Time, ttl time.Duration) *Cart {
	return &Cart{
		ID:        uuid.NewString(),
		Owner:     owner,
		Status:    CartStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// AddItem merges quantity into an existing line or appends a new one.
func (c *Cart) AddItem(productID, unitPrice int64, quantity int, now time.Time) {
	for idx := range c.Items {
		if c.Items[idx].ProductID == productID {
			c.Items[idx].Quantity += quantity
			c.Items[idx].UnitPrice = unitPrice
			c.Items[idx].UpdatedAt = now
			c.UpdatedAt = now
			return
		}
	}
	c.Items = append(c.Items, CartItem{
		ProductID: productID,
		UnitPrice: unitPrice,
		Quantity:  quantity,
		AddedAt:   now,
		UpdatedAt: now,
	})
	c.UpdatedAt = now
}

// UpdateItemQuantity sets the quantity of an existing line; zero removes it.
// Returns false when the product is not in the cart.
func (c *Cart) UpdateItemQuantity(productID int64, quantity int, now time.Time) bool {
	for idx := range c.Items {
		if c.Items[idx].ProductID == productID {
			if quantity <= 0 {
				return c.RemoveItem(productID, now)
			}
			c.Items[idx].Quantity = quantity
			c.Items[idx].UpdatedAt = now
			c.UpdatedAt = now
			return true
		}
	}
	return false
}

func (c *Cart) RemoveItem(productID int64, now time.Time) bool {
	for idx := range c.Items {
		if c.Items[idx].ProductID == productID {
			c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
			c.UpdatedAt = now
			return true
		}
	}
	return false
}

func (c *Cart) Item(productID int64) (CartItem, bool) {
	for _, item := range c.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return CartItem{}, false
}

func (c *Cart) ClearItems(now time.Time) {
	c.Items = nil
	c.UpdatedAt = now
}

// Totals are derived on read, never persisted as source of truth.

func (c *Cart) TotalAmount() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.Subtotal()
	}
	return total
}

func (c *Cart) TotalItems() int { return len(c.Items) }

func (c *Cart) TotalQuantity() int {
	var total int
	for _, item := range c.Items {
		total += item.Quantity
	}
	return total
}

func (c *Cart) IsEmpty() bool { return len(c.Items) == 0 }

// IsExpired reports logical expiry; an expired cart is gone even before
// physical deletion.
func (c *Cart) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Touch refreshes the expiry window. ExpiresAt never moves backwards, so
// concurrent touches with skewed clocks cannot shorten a cart's life.
func (c *Cart) Touch(now time.Time, ttl time.Duration) {
	next := now.Add(ttl)
	if next.After(c.ExpiresAt) {
		c.ExpiresAt = next
	}
	c.UpdatedAt = now
}

func (c *Cart) MarkCheckedOut(now time.Time) {
	c.Status = CartStatusCheckedOut
	c.UpdatedAt = now
}

func (c *Cart) MarkExpired(now time.Time) {
	c.Status = CartStatusExpired
	c.UpdatedAt = now
}

// ConvertToUserCart reassigns an anonymous cart to an authenticated user.
func (c *Cart) ConvertToUserCart(userID int64, now time.Time, ttl time.Duration) {
	c.Owner = CartOwner{UserID: userID}
	c.Touch(now, ttl)
}

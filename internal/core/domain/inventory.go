package domain

import "time"

// InventoryRecord tracks physical stock and outstanding holds for a product.
// ReservedQuantity counts units held for pending orders but not yet consumed.
type InventoryRecord struct {
	ProductID         int64
	StockQuantity     int
	ReservedQuantity  int
	AllowBackorder    bool
	LowStockThreshold int
	IsActive          bool
	Version           int // optimistic locking
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AvailableQuantity is stock minus holds, floored at zero.
func (r *InventoryRecord) AvailableQuantity() int {
	avail := r.StockQuantity - r.ReservedQuantity
	if avail < 0 {
		return 0
	}
	return avail
}

func (r *InventoryRecord) IsOutOfStock() bool {
	return r.AvailableQuantity() <= 0
}

func (r *InventoryRecord) IsLowStock() bool {
	return r.AvailableQuantity() <= r.LowStockThreshold
}

// CanFulfill reports whether a reservation of quantity can be taken.
func (r *InventoryRecord) CanFulfill(quantity int) bool {
	return r.AllowBackorder || r.AvailableQuantity() >= quantity
}

// AvailableForCart is the advisory check used when items enter a cart.
func (r *InventoryRecord) AvailableForCart(quantity int) bool {
	if !r.IsActive {
		return false
	}
	return r.CanFulfill(quantity)
}

// Availability is the read model exposed to peer services. A nil
// AvailableQuantity means backorders are allowed and there is no limit.
type Availability struct {
	ProductID         int64 `json:"productId"`
	AvailableQuantity *int  `json:"availableQuantity"`
	IsOutOfStock      bool  `json:"isOutOfStock"`
	LowStockThreshold int   `json:"lowStockThreshold"`
}

func (r *InventoryRecord) AvailabilityView() Availability {
	view := Availability{
		ProductID:         r.ProductID,
		IsOutOfStock:      r.IsOutOfStock(),
		LowStockThreshold: r.LowStockThreshold,
	}
	if !r.AllowBackorder {
		avail := r.AvailableQuantity()
		view.AvailableQuantity = &avail
	}
	return view
}

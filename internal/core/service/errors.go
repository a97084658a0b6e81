package service

import (
	"errors"
	"fmt"
)

// Business-rule failures are surfaced synchronously to the caller; they are
// never retried and never swallowed inside event handlers.
var (
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrProductNotFound    = errors.New("product not found")
	ErrCartNotFound       = errors.New("cart not found")
	ErrCartFull           = errors.New("cart has reached maximum items limit")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrItemNotInCart      = errors.New("product not found in cart")
	ErrOrderNotFound      = errors.New("order not found")
	ErrCartAlreadyOrdered = errors.New("an order already exists for this cart")
	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrAccessDenied       = errors.New("access denied to order")
)

// AvailabilityError reports which cart lines failed the live stock check at
// checkout so each affected item can be surfaced to the shopper.
type AvailabilityError struct {
	ProductIDs []int64
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("items unavailable at requested quantity: %v", e.ProductIDs)
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopmesh/checkout/internal/core/domain"
	"github.com/shopmesh/checkout/internal/core/service"
)

type HTTPHandler struct {
	carts     *service.CartService
	orders    *service.OrderService
	inventory *service.InventoryLedger
}

func NewHTTPHandler(carts *service.CartService, orders *service.OrderService, inventory *service.InventoryLedger) *HTTPHandler {
	return &HTTPHandler{carts: carts, orders: orders, inventory: inventory}
}

type cartItemRequest struct {
	UserID    int64  `json:"user_id"`
	SessionID string `json:"session_id"`
	ProductID int64  `json:"product_id"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type mergeCartRequest struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

type checkoutRequest struct {
	UserID int64 `json:"user_id"`
}

type cancelOrderRequest struct {
	OrderID string `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Reason  string `json:"reason"`
}

type orderTransitionRequest struct {
	OrderID string `json:"order_id"`
}

type setStockRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func ownerFrom(userID int64, sessionID string) (domain.CartOwner, bool) {
	if userID == 0 && sessionID == "" {
		return domain.CartOwner{}, false
	}
	return domain.CartOwner{UserID: userID, SessionID: sessionID}, true
}

// Cart serves the cart itself: GET returns the current cart, DELETE clears
// it. The owner comes from user_id or session_id query parameters.
func (h *HTTPHandler) Cart(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	owner, ok := ownerFrom(userID, r.URL.Query().Get("session_id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id or session_id required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := h.carts.GetCart(r.Context(), owner)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if err := h.carts.ClearCart(r.Context(), owner); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// CartItems adds, updates or removes a single cart line.
func (h *HTTPHandler) CartItems(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	owner, ok := ownerFrom(req.UserID, req.SessionID)
	if !ok || req.ProductID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing required fields"})
		return
	}

	var (
		cart *domain.Cart
		err  error
	)
	switch r.Method {
	case http.MethodPost:
		cart, err = h.carts.AddItem(r.Context(), owner, req.ProductID, req.UnitPrice, req.Quantity)
	case http.MethodPut:
		cart, err = h.carts.UpdateQuantity(r.Context(), owner, req.ProductID, req.Quantity)
	case http.MethodDelete:
		cart, err = h.carts.RemoveItem(r.Context(), owner, req.ProductID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// MergeCart folds a guest session cart into the user's cart after login.
func (h *HTTPHandler) MergeCart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req mergeCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.SessionID == "" || req.UserID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id and user_id required"})
		return
	}

	cart, err := h.carts.MergeGuestCart(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// Checkout freezes the user's cart and creates the order, reserving
// inventory synchronously. The response carries the created order.
func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.UserID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id required"})
		return
	}

	cart, err := h.carts.Checkout(r.Context(), domain.CartOwner{UserID: req.UserID})
	if err != nil {
		writeError(w, err)
		return
	}

	order, err := h.orders.CreateFromCart(r.Context(), cart)
	if err != nil {
		writeError(w, err)
		return
	}
	h.carts.FinalizeCheckout(r.Context(), cart.Owner, cart.ID)
	writeJSON(w, http.StatusCreated, order)
}

// Order returns one order by id or order number.
func (h *HTTPHandler) Order(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	userID, _ := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if id == "" || userID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id and user_id required"})
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.OrderID == "" || req.UserID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "order_id and user_id required"})
		return
	}

	order, err := h.orders.Cancel(r.Context(), req.OrderID, req.UserID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	h.transitionOrder(w, r, h.orders.MarkShipped)
}

func (h *HTTPHandler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	h.transitionOrder(w, r, h.orders.MarkDelivered)
}

func (h *HTTPHandler) transitionOrder(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*domain.Order, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req orderTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "order_id required"})
		return
	}

	order, err := fn(r.Context(), req.OrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Availability exposes the public stock view for a product.
func (h *HTTPHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	productID, err := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil || productID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "product_id required"})
		return
	}

	view, err := h.inventory.Availability(r.Context(), productID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SetStock overwrites a product's physical stock level.
func (h *HTTPHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req setStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.ProductID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "product_id required"})
		return
	}

	if err := h.inventory.SetStock(r.Context(), req.ProductID, req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var availErr *service.AvailabilityError
	switch {
	case errors.As(err, &availErr):
		status = http.StatusConflict
		message = availErr.Error()
	case errors.Is(err, service.ErrInsufficientStock),
		errors.Is(err, service.ErrCartAlreadyOrdered),
		errors.Is(err, service.ErrInvalidTransition):
		status = http.StatusConflict
		message = err.Error()
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrCartFull):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, service.ErrCartNotFound),
		errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrItemNotInCart):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, service.ErrAccessDenied):
		status = http.StatusForbidden
		message = err.Error()
	}

	writeJSON(w, status, errorResponse{Error: message})
}

package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopmesh/checkout/internal/core/domain"
	"github.com/shopmesh/checkout/internal/port"
)

// AvailabilityChecker is the ledger's public availability view, used by the
// cart for advisory stock checks. Final correctness depends on the ledger's
// reserve step, not on this check.
type AvailabilityChecker interface {
	AvailableForCart(ctx context.Context, productID int64, quantity int) (bool, error)
}

type CartConfig struct {
	UserTTL  time.Duration
	GuestTTL time.Duration
	MaxItems int
}

// lockStripes bounds the per-entity lock tables: entities hash onto a fixed
// pool of mutexes instead of growing a map entry per key for the lifetime
// of the process. Entities sharing a stripe serialize together.
const lockStripes = 64

func lockIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

// CartService manages in-progress shopper selections. Mutations are
// serialized per cart identity; every mutation refreshes the expiry window.
type CartService struct {
	carts     port.CartRepository
	inventory AvailabilityChecker
	bus       port.EventBus
	logger    *zap.Logger
	cfg       CartConfig

	locks [lockStripes]sync.Mutex
}

func NewCartService(carts port.CartRepository, inventory AvailabilityChecker, bus port.EventBus, logger *zap.Logger, cfg CartConfig) *CartService {
	return &CartService{
		carts:     carts,
		inventory: inventory,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
	}
}

func (s *CartService) ownerLock(key string) *sync.Mutex {
	return &s.locks[lockIndex(key)]
}

func (s *CartService) ttl(owner domain.CartOwner) time.Duration {
	if owner.IsUser() {
		return s.cfg.UserTTL
	}
	return s.cfg.GuestTTL
}

// load returns the active cart for owner, treating an expired-but-present
// cart as absent.
func (s *CartService) load(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error) {
	cart, err := s.carts.Get(ctx, owner.Key())
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if cart == nil || cart.IsExpired(time.Now()) {
		return nil, nil
	}
	return cart, nil
}

func (s *CartService) AddItem(ctx context.Context, owner domain.CartOwner, productID, unitPrice int64, quantity int) (*domain.Cart, error) {
	if quantity <= 0 || productID <= 0 || unitPrice < 0 {
		return nil, ErrInvalidQuantity
	}

	ok, err := s.inventory.AvailableForCart(ctx, productID, quantity)
	if err != nil {
		return nil, fmt.Errorf("availability check: %w", err)
	}
	if !ok {
		return nil, &AvailabilityError{ProductIDs: []int64{productID}}
	}

	lock := s.ownerLock(owner.Key())
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	cart, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	// A checked-out cart is frozen for its order; new additions start a
	// fresh cart with its own identity.
	if cart == nil || cart.Status != domain.CartStatusActive {
		cart = domain.NewCart(owner, now, s.ttl(owner))
	}
	if _, exists := cart.Item(productID); !exists && cart.TotalItems() >= s.cfg.MaxItems {
		return nil, ErrCartFull
	}

	cart.AddItem(productID, unitPrice, quantity, now)
	cart.Touch(now, s.ttl(owner))

	if err := s.carts.Save(ctx, cart, s.ttl(owner)); err != nil {
		return nil, fmt.Errorf("save cart: %w", err)
	}

	s.publishCartEvent(ctx, domain.NewCartEvent(domain.CartEventItemAdded, owner, productID, quantity))
	return cart, nil
}

// UpdateQuantity sets a line's quantity; zero removes the line.
func (s *CartService) UpdateQuantity(ctx context.Context, owner domain.CartOwner, productID int64, quantity int) (*domain.Cart, error) {
	if quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	if quantity > 0 {
		ok, err := s.inventory.AvailableForCart(ctx, productID, quantity)
		if err != nil {
			return nil, fmt.Errorf("availability check: %w", err)
		}
		if !ok {
			return nil, &AvailabilityError{ProductIDs: []int64{productID}}
		}
	}

	lock := s.ownerLock(owner.Key())
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	cart, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, ErrCartNotFound
	}

	eventType := domain.CartEventItemUpdated
	if quantity == 0 {
		eventType = domain.CartEventItemRemoved
	}
	if !cart.UpdateItemQuantity(productID, quantity, now) {
		return nil, ErrItemNotInCart
	}
	cart.Touch(now, s.ttl(owner))

	if err := s.carts.Save(ctx, cart, s.ttl(owner)); err != nil {
		return nil, fmt.Errorf("save cart: %w", err)
	}

	s.publishCartEvent(ctx, domain.NewCartEvent(eventType, owner, productID, quantity))
	return cart, nil
}

func (s *CartService) RemoveItem(ctx context.Context, owner domain.CartOwner, productID int64) (*domain.Cart, error) {
	return s.UpdateQuantity(ctx, owner, productID, 0)
}

func (s *CartService) ClearCart(ctx context.Context, owner domain.CartOwner) error {
	lock := s.ownerLock(owner.Key())
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	cart, err := s.load(ctx, owner)
	if err != nil {
		return err
	}
	if cart == nil {
		return ErrCartNotFound
	}
	cart.ClearItems(now)
	cart.Touch(now, s.ttl(owner))
	if err := s.carts.Save(ctx, cart, s.ttl(owner)); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

// CartView decorates a cart snapshot with per-line live availability.
type CartView struct {
	Cart                  *domain.Cart
	UnavailableProductIDs []int64
}

func (v CartView) HasAvailabilityIssues() bool {
	return len(v.UnavailableProductIDs) > 0
}

func (s *CartService) GetCart(ctx context.Context, owner domain.CartOwner) (CartView, error) {
	cart, err := s.load(ctx, owner)
	if err != nil {
		return CartView{}, err
	}
	if cart == nil {
		return CartView{}, ErrCartNotFound
	}
	return CartView{Cart: cart, UnavailableProductIDs: s.unavailableItems(ctx, cart)}, nil
}

// MergeGuestCart folds an anonymous session cart into the user's cart after
// login, then discards the guest cart.
func (s *CartService) MergeGuestCart(ctx context.Context, sessionID string, userID int64) (*domain.Cart, error) {
	guestOwner := domain.CartOwner{SessionID: sessionID}
	userOwner := domain.CartOwner{UserID: userID}

	// Both stripes are taken in index order so concurrent merges cannot
	// deadlock; owners hashing onto the same stripe lock it once.
	lo, hi := lockIndex(guestOwner.Key()), lockIndex(userOwner.Key())
	if lo > hi {
		lo, hi = hi, lo
	}
	s.locks[lo].Lock()
	defer s.locks[lo].Unlock()
	if hi != lo {
		s.locks[hi].Lock()
		defer s.locks[hi].Unlock()
	}

	guest, err := s.load(ctx, guestOwner)
	if err != nil {
		return nil, err
	}
	if guest == nil {
		return nil, ErrCartNotFound
	}

	now := time.Now()
	cart, err := s.load(ctx, userOwner)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		guest.ConvertToUserCart(userID, now, s.cfg.UserTTL)
		cart = guest
	} else {
		for _, item := range guest.Items {
			cart.AddItem(item.ProductID, item.UnitPrice, item.Quantity, now)
		}
		cart.Touch(now, s.cfg.UserTTL)
	}

	if err := s.carts.Save(ctx, cart, s.cfg.UserTTL); err != nil {
		return nil, fmt.Errorf("save cart: %w", err)
	}
	if err := s.carts.Delete(ctx, guestOwner.Key()); err != nil {
		s.logger.Warn("failed to delete merged guest cart",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return cart, nil
}

// Checkout validates the cart against live availability, marks it
// CHECKED_OUT and returns the snapshot handed to order creation. The
// availability check here is advisory; the ledger's reserve step at order
// creation is authoritative.
func (s *CartService) Checkout(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error) {
	lock := s.ownerLock(owner.Key())
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	cart, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, ErrCartNotFound
	}
	if cart.IsEmpty() {
		return nil, ErrEmptyCart
	}

	if unavailable := s.unavailableItems(ctx, cart); len(unavailable) > 0 {
		return nil, &AvailabilityError{ProductIDs: unavailable}
	}

	cart.MarkCheckedOut(now)
	if err := s.carts.Save(ctx, cart, s.ttl(owner)); err != nil {
		return nil, fmt.Errorf("save cart: %w", err)
	}

	s.publishCartEvent(ctx, domain.NewCartEvent(domain.CartEventCheckedOut, owner, 0, cart.TotalQuantity()))
	return cart, nil
}

// FinalizeCheckout removes the checked-out cart once its order exists, so
// the shopper's next addition starts a fresh cart. Best effort: a leftover
// snapshot is replaced on the next AddItem and reaped by the TTL anyway.
func (s *CartService) FinalizeCheckout(ctx context.Context, owner domain.CartOwner, cartID string) {
	lock := s.ownerLock(owner.Key())
	lock.Lock()
	defer lock.Unlock()

	cart, err := s.carts.Get(ctx, owner.Key())
	if err != nil {
		s.logger.Warn("failed to load cart for checkout cleanup",
			zap.String("owner", owner.Key()), zap.Error(err))
		return
	}
	if cart == nil || cart.ID != cartID {
		return
	}
	if err := s.carts.Delete(ctx, owner.Key()); err != nil {
		s.logger.Warn("failed to delete checked-out cart",
			zap.String("owner", owner.Key()), zap.Error(err))
	}
}

// ReapExpired physically deletes carts past their expiry. The storage TTL
// removes them eventually regardless; the sweep makes timing deterministic.
// Safe to run from multiple instances: deletion is idempotent.
func (s *CartService) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	owners, err := s.carts.ExpiredOwners(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired carts: %w", err)
	}

	reaped := 0
	for _, ownerKey := range owners {
		if err := s.carts.Delete(ctx, ownerKey); err != nil {
			s.logger.Error("failed to reap expired cart",
				zap.String("owner", ownerKey), zap.Error(err))
			continue
		}
		reaped++
		s.logger.Info("reaped expired cart", zap.String("owner", ownerKey))
		s.publishCartEvent(ctx, domain.NewCartEvent(domain.CartEventExpired, parseOwnerKey(ownerKey), 0, 0))
	}
	return reaped, nil
}

// parseOwnerKey inverts CartOwner.Key for events about carts known only by
// their storage key.
func parseOwnerKey(key string) domain.CartOwner {
	if rest, ok := strings.CutPrefix(key, "user:"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return domain.CartOwner{UserID: id}
		}
	}
	return domain.CartOwner{SessionID: strings.TrimPrefix(key, "session:")}
}

func (s *CartService) unavailableItems(ctx context.Context, cart *domain.Cart) []int64 {
	var unavailable []int64
	for _, item := range cart.Items {
		ok, err := s.inventory.AvailableForCart(ctx, item.ProductID, item.Quantity)
		if err != nil {
			s.logger.Warn("availability check failed, treating item as unavailable",
				zap.Int64("product_id", item.ProductID), zap.Error(err))
			ok = false
		}
		if !ok {
			unavailable = append(unavailable, item.ProductID)
		}
	}
	return unavailable
}

// Cart events are a notification channel only; a failed publish is logged
// and the committed cart change stands.
func (s *CartService) publishCartEvent(ctx context.Context, ev domain.CartEvent) {
	key := ev.SessionID
	if ev.UserID != nil {
		key = fmt.Sprintf("%d", *ev.UserID)
	}
	if err := s.bus.Publish(ctx, domain.TopicCartEvents, key, ev); err != nil {
		s.logger.Error("failed to publish cart event",
			zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

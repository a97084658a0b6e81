package service

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/shopmesh/checkout/internal/core/domain"
	"github.com/shopmesh/checkout/internal/port"
)

// Event handlers for the topics this service consumes. Handlers are
// idempotent and never return an error for a malformed payload: one bad
// event must not block the partition.

// NewInventoryEventHandler applies RESERVE/RELEASE/CONFIRM events to the
// ledger, trusting the event with no synchronous ack. Wire this up when the
// ledger runs apart from the order flow; a deployment that reserves
// synchronously at order creation must not also consume its own events.
func NewInventoryEventHandler(ledger *InventoryLedger, logger *zap.Logger) port.Handler {
	return func(ctx context.Context, key, payload []byte) error {
		var ev domain.InventoryEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			logger.Error("invalid inventory event payload",
				zap.ByteString("payload", payload), zap.Error(err))
			return nil
		}

		if err := ledger.Apply(ctx, ev); err != nil {
			// Business failures are not retried: a failed RESERVE is
			// compensated upstream, not replayed here.
			if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrProductNotFound) {
				logger.Warn("inventory event rejected",
					zap.String("order_id", ev.OrderID),
					zap.String("event_type", string(ev.EventType)),
					zap.Error(err),
				)
				return nil
			}
			return err
		}
		return nil
	}
}

// NewPaymentEventHandler feeds payment outcomes into the order state
// machine.
func NewPaymentEventHandler(orders *OrderService, logger *zap.Logger) port.Handler {
	return func(ctx context.Context, key, payload []byte) error {
		var ev domain.PaymentEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			logger.Error("invalid payment event payload",
				zap.ByteString("payload", payload), zap.Error(err))
			return nil
		}

		logger.Info("received payment event",
			zap.String("event_type", ev.EventType),
			zap.String("order_id", ev.OrderID),
		)

		var err error
		switch ev.EventType {
		case domain.PaymentEventCompleted:
			err = orders.HandlePaymentCompleted(ctx, ev.OrderID, ev.PaymentID)
		case domain.PaymentEventFailed:
			err = orders.HandlePaymentFailed(ctx, ev.OrderID, ev.Reason)
		default:
			logger.Warn("unknown payment event type", zap.String("event_type", ev.EventType))
			return nil
		}

		if errors.Is(err, ErrOrderNotFound) {
			logger.Warn("payment outcome for unknown order", zap.String("order_id", ev.OrderID))
			return nil
		}
		return err
	}
}

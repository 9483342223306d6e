// Package execution is the order placement path shared by the exit
// scheduler and any other caller that has already decided what to trade.
// Every order it submits ends up as an OrderState, tracked by the
// confirmation monitor or flagged for review when placement failed.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/clock"
	"trading-squareoff/internal/events"
	"trading-squareoff/internal/logger"
	"trading-squareoff/internal/metrics"
	"trading-squareoff/internal/model"
)

// ErrUnrecorded is returned when the broker accepted an order but the
// OrderState could not be stored. The order exists; callers must not
// place it again.
var ErrUnrecorded = errors.New("order placed but not recorded")

// Tracker starts confirmation polling for a stored order.
type Tracker interface {
	Track(ctx context.Context, orderID string) error
}

// Placer submits orders and records their OrderState.
type Placer struct {
	accounts broker.Accounts
	orders   model.OrderStore
	clock    clock.Clock

	// Optional collaborators.
	Tracker Tracker
	Events  events.Publisher
	Metrics *metrics.Metrics
}

// NewPlacer creates a placer. Set Tracker before the first call so placed
// orders are confirmed.
func NewPlacer(accounts broker.Accounts, orders model.OrderStore, clk clock.Clock) *Placer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Placer{accounts: accounts, orders: orders, clock: clk, Events: events.Discard}
}

// Place submits req for req.UserID. On success the stored order is
// PLACED/PENDING and handed to the tracker. On failure a LOCAL-<uuid>
// record flagged for manual review is stored and the broker error is
// returned.
func (p *Placer) Place(ctx context.Context, req model.OrderRequest) (*model.OrderState, error) {
	c, err := p.accounts.Client(ctx, req.UserID)
	if err != nil {
		return p.failed(ctx, req, err)
	}

	start := time.Now()
	orderID, err := c.PlaceOrder(ctx, req)
	p.Metrics.BrokerCall("place_order", time.Since(start))
	if err != nil {
		return p.failed(ctx, req, err)
	}
	return p.placed(ctx, req, orderID)
}

func newOrderState(req model.OrderRequest, orderID string, now time.Time) *model.OrderState {
	orderType := req.OrderType
	if orderType == "" {
		orderType = "MARKET"
	}
	return &model.OrderState{
		OrderID:            orderID,
		TradeExecutionID:   req.TradeExecutionID,
		UserID:             req.UserID,
		Symbol:             req.Symbol,
		Exchange:           req.Exchange,
		OrderType:          orderType,
		TransactionType:    req.TransactionType,
		ProductType:        req.ProductType,
		Quantity:           req.Quantity,
		Price:              req.Price,
		ConfirmationStatus: model.ConfirmPending,
		ExecutionStatus:    model.ExecUnknown,
		PendingQuantity:    req.Quantity,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (p *Placer) placed(ctx context.Context, req model.OrderRequest, orderID string) (*model.OrderState, error) {
	o := newOrderState(req, orderID, p.clock.Now())
	o.PlacementStatus = model.PlacementPlaced
	o.StatusMessage = "placed"

	log := append(logger.LogWithTrace(ctx), "order_id", orderID, "user_id", req.UserID,
		"symbol", req.Symbol, "side", req.TransactionType, "qty", req.Quantity)

	if err := p.orders.InsertOrder(ctx, o); err != nil {
		slog.Error("order placed but not stored", append(log, "error", err)...)
		return o, fmt.Errorf("order %s: %w: %w", orderID, ErrUnrecorded, err)
	}
	p.Metrics.OrderPlaced(string(model.PlacementPlaced))
	p.Events.Publish(events.Event{
		Kind: events.OrderPlaced, Time: o.CreatedAt, UserID: o.UserID, OrderID: orderID,
		Status: string(o.ConfirmationStatus), Details: req.TransactionType + " " + req.Symbol,
	})
	slog.Info("order placed", log...)

	if p.Tracker != nil {
		if err := p.Tracker.Track(ctx, orderID); err != nil {
			// The record is PENDING, so the monitor picks it up on its next start.
			slog.Warn("order not tracked yet", append(log, "error", err)...)
		}
	}
	return o, nil
}

func (p *Placer) failed(ctx context.Context, req model.OrderRequest, cause error) (*model.OrderState, error) {
	now := p.clock.Now()
	o := newOrderState(req, "LOCAL-"+uuid.NewString(), now)
	o.PlacementStatus = model.PlacementError
	if errors.Is(cause, broker.ErrRejected) {
		o.PlacementStatus = model.PlacementFailed
		o.ExecutionStatus = model.ExecRejected
	}
	o.ConfirmationStatus = model.ConfirmFailed
	o.PendingQuantity = 0
	o.Error = cause.Error()
	o.StatusMessage = "placement failed"
	o.FlagForReview("placement failed: " + cause.Error())
	o.StatusHistory = []model.StatusEntry{{
		Status:    string(o.PlacementStatus),
		Timestamp: now,
		Details:   cause.Error(),
	}}

	log := append(logger.LogWithTrace(ctx), "local_id", o.OrderID, "user_id", req.UserID,
		"symbol", req.Symbol, "side", req.TransactionType, "qty", req.Quantity, "error", cause)

	if err := p.orders.InsertOrder(ctx, o); err != nil {
		slog.Error("failed placement not stored", append(log, "store_error", err)...)
	}
	p.Metrics.OrderPlaced(string(o.PlacementStatus))
	p.Metrics.ManualReview("placement")
	p.Events.Publish(events.Event{
		Kind: events.OrderPlacementFailed, Time: now, UserID: o.UserID, OrderID: o.OrderID,
		Status: string(o.PlacementStatus), Details: cause.Error(),
	})
	slog.Warn("order placement failed", log...)

	return o, fmt.Errorf("place %s %s x%d: %w", req.TransactionType, req.Symbol, req.Quantity, cause)
}

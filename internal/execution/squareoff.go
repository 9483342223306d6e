package execution

import (
	"context"
	"fmt"
	"strings"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/model"
)

// Squareoff closes the broker position behind a scheduled exit with an
// opposite-side market order.
type Squareoff struct {
	accounts broker.Accounts
	placer   *Placer
}

// NewSquareoff creates a squareoff executor placing through placer.
func NewSquareoff(accounts broker.Accounts, placer *Placer) *Squareoff {
	return &Squareoff{accounts: accounts, placer: placer}
}

// FindPosition returns the user's broker position matching the exit, or
// nil if the broker reports none.
func (s *Squareoff) FindPosition(ctx context.Context, e *model.ScheduledExit) (*model.Position, error) {
	c, err := s.accounts.Client(ctx, e.UserID)
	if err != nil {
		return nil, err
	}
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions for %s: %w", e.UserID, err)
	}

	var found *model.Position
	for i := range positions {
		p := &positions[i]
		if !strings.EqualFold(p.Symbol, e.Symbol) {
			continue
		}
		if e.Exchange != "" && !strings.EqualFold(p.Exchange, e.Exchange) {
			continue
		}
		if e.ProductType != "" && !strings.EqualFold(p.ProductType, e.ProductType) {
			continue
		}
		// Several rows can match when product is unspecified; prefer an open one.
		if found == nil || (!found.Open() && p.Open()) {
			found = p
		}
	}
	return found, nil
}

// PositionOpen reports whether the exit's position still carries quantity.
func (s *Squareoff) PositionOpen(ctx context.Context, e *model.ScheduledExit) (bool, error) {
	p, err := s.FindPosition(ctx, e)
	if err != nil {
		return false, err
	}
	return p != nil && p.Open(), nil
}

// Exit flattens the position. A position that is already flat completes
// without placing anything.
func (s *Squareoff) Exit(ctx context.Context, e *model.ScheduledExit) (model.ExitResult, error) {
	p, err := s.FindPosition(ctx, e)
	if err != nil {
		return model.ExitResult{}, err
	}
	if p == nil || !p.Open() {
		return model.ExitResult{AlreadyFlat: true}, nil
	}

	req := model.OrderRequest{
		TradeExecutionID: fmt.Sprintf("EXIT-%d", e.ID),
		UserID:           e.UserID,
		Symbol:           p.Symbol,
		Token:            p.Token,
		Exchange:         p.Exchange,
		TransactionType:  p.ExitSide(),
		OrderType:        "MARKET",
		ProductType:      p.ProductType,
		Quantity:         p.AbsQty(),
	}
	res := model.ExitResult{TransactionType: req.TransactionType, Quantity: req.Quantity}

	o, err := s.placer.Place(ctx, req)
	if o != nil && o.PlacementStatus == model.PlacementPlaced {
		res.OrderID = o.OrderID
	}
	return res, err
}

package broker

import (
	"context"
	"errors"
	"fmt"

	"trading-squareoff/internal/circuit"
	"trading-squareoff/internal/model"
)

// Guarded routes calls through a circuit breaker. While the breaker is
// open calls fail fast with ErrTransient, so callers keep their normal
// retry path.
type Guarded struct {
	inner   Client
	breaker *circuit.Breaker
}

// NewGuarded wraps c. Only transport-level failures count toward tripping.
func NewGuarded(c Client, b *circuit.Breaker) *Guarded {
	b.Counts = func(err error) bool {
		return IsRetryable(err) && !errors.Is(err, context.Canceled)
	}
	return &Guarded{inner: c, breaker: b}
}

func (g *Guarded) call(fn func() error) error {
	err := g.breaker.Execute(fn)
	if errors.Is(err, circuit.ErrOpen) {
		return fmt.Errorf("%s: %w: %w", g.breaker.Name(), err, ErrTransient)
	}
	return err
}

// PlaceOrder implements Client.
func (g *Guarded) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	var id string
	err := g.call(func() (err error) {
		id, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return id, err
}

// GetOrderStatus implements Client.
func (g *Guarded) GetOrderStatus(ctx context.Context, orderID string) (model.BrokerOrderStatus, error) {
	var st model.BrokerOrderStatus
	err := g.call(func() (err error) {
		st, err = g.inner.GetOrderStatus(ctx, orderID)
		return err
	})
	return st, err
}

// GetPositions implements Client.
func (g *Guarded) GetPositions(ctx context.Context) ([]model.Position, error) {
	var ps []model.Position
	err := g.call(func() (err error) {
		ps, err = g.inner.GetPositions(ctx)
		return err
	})
	return ps, err
}

// Package paper is a simulated broker account. It keeps positions in
// memory, fills market orders against a configured last price and can be
// scripted to misbehave, which makes it the broker of choice for tests and
// dry runs.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/model"
)

type order struct {
	req     model.OrderRequest
	status  model.BrokerOrderStatus
	script  []model.BrokerOrderStatus
	applied int64 // quantity already booked into positions
}

// Broker implements broker.Client.
type Broker struct {
	mu        sync.Mutex
	positions map[string]*model.Position
	prices    map[string]int64
	orders    map[string]*order
	placed    []string

	slippageBps int64 // e.g. 5 = 0.05%

	placeErrs    []error
	statusErrs   []error
	positionErrs []error
	scripts      [][]model.BrokerOrderStatus

	// BeforePlace, if set, runs before every placement outside the lock.
	BeforePlace func(req model.OrderRequest)
}

// New creates an empty paper account.
func New(slippageBps int64) *Broker {
	return &Broker{
		positions:   make(map[string]*model.Position),
		prices:      make(map[string]int64),
		orders:      make(map[string]*order),
		slippageBps: slippageBps,
	}
}

func posKey(exchange, symbol, product string) string {
	return exchange + ":" + symbol + ":" + product
}

// SetPosition opens or replaces a position. qty > 0 is long, < 0 short.
func (b *Broker) SetPosition(p model.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.positions[posKey(p.Exchange, p.Symbol, p.ProductType)] = &cp
}

// SetPrice sets the last traded price in paise used for fills.
func (b *Broker) SetPrice(symbol string, paise int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = paise
}

// FailNextPlace queues errors returned by the next placements, in order.
func (b *Broker) FailNextPlace(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeErrs = append(b.placeErrs, errs...)
}

// FailNextStatus queues errors returned by the next status lookups.
func (b *Broker) FailNextStatus(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusErrs = append(b.statusErrs, errs...)
}

// FailNextPositions queues errors returned by the next position reads.
func (b *Broker) FailNextPositions(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionErrs = append(b.positionErrs, errs...)
}

// ScriptNext makes the next placed order report steps on successive status
// lookups instead of filling at once. The last step repeats. Quantity and
// OrderID are filled in from the order.
func (b *Broker) ScriptNext(steps ...model.BrokerOrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts = append(b.scripts, steps)
}

// Placed returns the ids of placed orders, oldest first.
func (b *Broker) Placed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.placed...)
}

// Order returns the request behind a placed order.
func (b *Broker) Order(orderID string) (model.OrderRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return model.OrderRequest{}, false
	}
	return o.req, true
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

// PlaceOrder implements broker.Client.
func (b *Broker) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	if b.BeforePlace != nil {
		b.BeforePlace(req)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := pop(&b.placeErrs); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", &broker.Error{Kind: broker.ErrRejected, Message: fmt.Sprintf("invalid quantity %d", req.Quantity)}
	}

	orderID := "PAPER-" + uuid.NewString()
	o := &order{
		req: req,
		status: model.BrokerOrderStatus{
			OrderID:  orderID,
			Status:   "open",
			Live:     true,
			Quantity: req.Quantity,
		},
	}
	if len(b.scripts) > 0 {
		o.script = b.scripts[0]
		b.scripts = b.scripts[1:]
	} else {
		b.fill(o, req.Quantity)
		o.status.Status = "complete"
		o.status.Live = false
	}
	b.orders[orderID] = o
	b.placed = append(b.placed, orderID)

	slog.Info("paper order placed", "order_id", orderID, "side", req.TransactionType,
		"symbol", req.Symbol, "qty", req.Quantity, "scripted", o.script != nil)
	return orderID, nil
}

// fill books executed quantity up to total into the position and the order.
func (b *Broker) fill(o *order, total int64) {
	delta := total - o.applied
	if delta <= 0 {
		return
	}
	price := b.prices[o.req.Symbol]
	if price > 0 && b.slippageBps > 0 {
		slip := price * b.slippageBps / 10000
		if o.req.TransactionType == model.Buy {
			price += slip
		} else {
			price -= slip
		}
	}

	signed := delta
	if o.req.TransactionType == model.Sell {
		signed = -delta
	}
	key := posKey(o.req.Exchange, o.req.Symbol, o.req.ProductType)
	p, ok := b.positions[key]
	if !ok {
		p = &model.Position{Symbol: o.req.Symbol, Exchange: o.req.Exchange, ProductType: o.req.ProductType}
		b.positions[key] = p
	}
	p.Qty += signed

	if o.status.ExecutedPrice == 0 || o.applied == 0 {
		o.status.ExecutedPrice = price
	} else {
		o.status.ExecutedPrice = (o.status.ExecutedPrice*o.applied + price*delta) / total
	}
	o.applied = total
	o.status.ExecutedQuantity = total
}

// GetOrderStatus implements broker.Client.
func (b *Broker) GetOrderStatus(ctx context.Context, orderID string) (model.BrokerOrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return model.BrokerOrderStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := pop(&b.statusErrs); err != nil {
		return model.BrokerOrderStatus{}, err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return model.BrokerOrderStatus{}, &broker.Error{Kind: broker.ErrOrderNotFound, Message: orderID}
	}
	if len(o.script) > 0 {
		step := o.script[0]
		if len(o.script) > 1 {
			o.script = o.script[1:]
		}
		executed := step.ExecutedQuantity
		if executed > o.req.Quantity {
			executed = o.req.Quantity
		}
		b.fill(o, executed)
		price := o.status.ExecutedPrice
		o.status = step
		o.status.OrderID = orderID
		o.status.Quantity = o.req.Quantity
		o.status.ExecutedQuantity = o.applied
		if step.ExecutedPrice == 0 {
			o.status.ExecutedPrice = price
		}
	}
	return o.status, nil
}

// GetPositions implements broker.Client.
func (b *Broker) GetPositions(ctx context.Context) ([]model.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := pop(&b.positionErrs); err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

package paper

import (
	"context"
	"errors"
	"testing"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/model"
)

func sellReq(qty int64) model.OrderRequest {
	return model.OrderRequest{
		UserID: "U1", Symbol: "SBIN-EQ", Exchange: "NSE", ProductType: "INTRADAY",
		TransactionType: model.Sell, OrderType: "MARKET", Quantity: qty,
	}
}

func positionQty(t *testing.T, b *Broker) int64 {
	t.Helper()
	ps, err := b.GetPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range ps {
		if p.Symbol == "SBIN-EQ" {
			return p.Qty
		}
	}
	return 0
}

func TestPlaceOrder_FillsImmediately(t *testing.T) {
	b := New(10)
	b.SetPosition(model.Position{Symbol: "SBIN-EQ", Exchange: "NSE", ProductType: "INTRADAY", Qty: 10})
	b.SetPrice("SBIN-EQ", 60000)
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, sellReq(10))
	if err != nil {
		t.Fatal(err)
	}
	st, err := b.GetOrderStatus(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.ExecutedQuantity != 10 || st.Live {
		t.Errorf("expected complete fill, got %+v", st)
	}
	if st.ExecutedPrice != 59940 {
		t.Errorf("expected sell slippage to 59940, got %d", st.ExecutedPrice)
	}
	if got, _ := model.DeriveExecutionStatus(10, st); got != model.ExecComplete {
		t.Errorf("expected COMPLETE, got %s", got)
	}
	if q := positionQty(t, b); q != 0 {
		t.Errorf("expected flat position, got %d", q)
	}
}

func TestScriptNext_PartialThenComplete(t *testing.T) {
	b := New(0)
	b.SetPosition(model.Position{Symbol: "SBIN-EQ", Exchange: "NSE", ProductType: "INTRADAY", Qty: 10})
	b.ScriptNext(
		model.BrokerOrderStatus{Status: "open", Live: true},
		model.BrokerOrderStatus{Status: "open", Live: true, ExecutedQuantity: 4},
		model.BrokerOrderStatus{Status: "complete", ExecutedQuantity: 10},
	)
	ctx := context.Background()
	id, _ := b.PlaceOrder(ctx, sellReq(10))

	want := []model.ExecutionStatus{model.ExecOpen, model.ExecPartial, model.ExecComplete, model.ExecComplete}
	for i, w := range want {
		st, err := b.GetOrderStatus(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := model.DeriveExecutionStatus(10, st); got != w {
			t.Errorf("poll %d: expected %s, got %s", i, w, got)
		}
	}
	if q := positionQty(t, b); q != 0 {
		t.Errorf("expected flat after scripted fill, got %d", q)
	}
}

func TestInjectedErrors(t *testing.T) {
	b := New(0)
	ctx := context.Background()
	b.FailNextPlace(&broker.Error{Kind: broker.ErrTransient, Message: "502"})

	if _, err := b.PlaceOrder(ctx, sellReq(1)); !errors.Is(err, broker.ErrTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	if _, err := b.PlaceOrder(ctx, sellReq(1)); err != nil {
		t.Fatalf("second placement should succeed, got %v", err)
	}
	if _, err := b.GetOrderStatus(ctx, "missing"); !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := b.PlaceOrder(ctx, sellReq(0)); !errors.Is(err, broker.ErrRejected) {
		t.Errorf("expected rejection for zero qty, got %v", err)
	}
}

package status

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/broker/paper"
	"trading-squareoff/internal/clock"
	"trading-squareoff/internal/confirm"
	"trading-squareoff/internal/execution"
	"trading-squareoff/internal/markethours"
	"trading-squareoff/internal/metrics"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/notification"
	"trading-squareoff/internal/scheduler"
	"trading-squareoff/internal/store/sqlite"
)

type quietNotifier struct{}

func (quietNotifier) Send(context.Context, notification.Alert) error { return nil }

type fixture struct {
	svc   *Service
	store *sqlite.Store
	pb    *paper.Broker
	clk   *clock.Fake
	sched *scheduler.Scheduler
	mon   *confirm.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "status.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(time.Date(2026, 10, 15, 14, 0, 0, 0, markethours.IST))
	pb := paper.New(0)
	pb.SetPrice("SBIN-EQ", 60000)
	pb.SetPosition(model.Position{Symbol: "SBIN-EQ", Token: "3045", Exchange: "NSE", ProductType: "INTRADAY", Qty: 25})
	acct := broker.Static{C: pb}

	mon := confirm.NewMonitor(confirm.DefaultConfig(), store, acct, clk)
	mon.Notifier = quietNotifier{}
	placer := execution.NewPlacer(acct, store, clk)
	placer.Tracker = mon

	sched := scheduler.New(scheduler.Config{ProcessID: "proc-test"}, store, execution.NewSquareoff(acct, placer), clk)
	sched.Notifier = quietNotifier{}
	if _, err := sched.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sched.Shutdown(context.Background())
		mon.Stop()
	})

	svc := New(store, store, sched, mon, clk)
	svc.Health = metrics.NewHealthStatus()
	return &fixture{svc: svc, store: store, pb: pb, clk: clk, sched: sched, mon: mon}
}

func (f *fixture) schedule(t *testing.T, positionID, exitTime string) *model.ScheduledExit {
	t.Helper()
	e, err := f.sched.SchedulePositionExit(context.Background(), model.ExitRequest{
		PositionID: positionID, UserID: "U1", Symbol: "SBIN-EQ", Exchange: "NSE",
		ProductType: "INTRADAY", ExitTime: exitTime,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestExitOutlook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.ExitOutlook(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Scheduled || out.WillExecute {
		t.Fatalf("expected nothing scheduled, got %+v", out)
	}

	f.schedule(t, "P1", "15:15")
	out, _ = f.svc.ExitOutlook(ctx, "P1")
	want := time.Date(2026, 10, 15, 15, 15, 0, 0, markethours.IST)
	if !out.WillExecute || out.Overdue || out.ExitAt == nil || !out.ExitAt.Equal(want) {
		t.Fatalf("expected pending exit at 15:15, got %+v", out)
	}

	// The clock passes the exit time without the timer firing, as after a
	// crash. The store alone must show the exit as overdue.
	f.clk.Set(want.Add(5 * time.Minute))
	out, _ = f.svc.ExitOutlook(ctx, "P1")
	if !out.WillExecute || !out.Overdue {
		t.Fatalf("expected overdue pending exit, got %+v", out)
	}

	f.clk.Advance(0)
	out, _ = f.svc.ExitOutlook(ctx, "P1")
	if out.Status != model.ExitCompleted || out.WillExecute || out.ExecutedAt == nil {
		t.Errorf("expected completed exit, got %+v", out)
	}
}

func TestListExits_FiltersAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"P1", "P2", "P3"} {
		f.schedule(t, id, "15:15")
	}
	if _, err := f.svc.CancelExit(ctx, "P2", "closed by user"); err != nil {
		t.Fatal(err)
	}

	page, err := f.svc.ListExits(ctx, model.ExitFilter{Status: model.ExitPending, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].PositionID != "P3" {
		t.Fatalf("unexpected page: total=%d items=%+v", page.Total, page.Items)
	}

	page, _ = f.svc.ListExits(ctx, model.ExitFilter{Status: model.ExitPending, Limit: 1, Offset: 1})
	if len(page.Items) != 1 || page.Items[0].PositionID != "P1" {
		t.Errorf("unexpected second page: %+v", page.Items)
	}

	page, _ = f.svc.ListExits(ctx, model.ExitFilter{Status: model.ExitCancelled})
	if page.Total != 1 || page.Limit != defaultPageSize {
		t.Errorf("expected one cancelled exit with default limit, got total=%d limit=%d", page.Total, page.Limit)
	}

	page, _ = f.svc.ListExits(ctx, model.ExitFilter{UserID: "nobody"})
	if page.Items == nil || len(page.Items) != 0 {
		t.Errorf("expected empty non-nil items, got %+v", page.Items)
	}

	st := f.svc.SchedulerStatus()
	if !st.Initialized || st.ArmedCount != 2 {
		t.Errorf("expected 2 armed timers, got %+v", st)
	}
}

func TestOrders_FinalStateAndReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.StartMonitor(ctx); err != nil {
		t.Fatal(err)
	}
	f.pb.ScriptNext(model.BrokerOrderStatus{Status: "open", Live: true})
	f.schedule(t, "P1", "15:15")

	f.clk.Advance(75 * time.Minute)
	placed := f.pb.Placed()
	if len(placed) != 1 {
		t.Fatalf("expected one exit order, got %d", len(placed))
	}
	view, err := f.svc.GetOrder(ctx, placed[0])
	if err != nil {
		t.Fatal(err)
	}
	if view.FinalStateKnown || view.ConfirmationStatus != model.ConfirmPending {
		t.Fatalf("fresh order must not be settled: %+v", view.OrderState)
	}

	// Never fills; the monitor times out and flags the order.
	f.clk.Advance(10 * time.Minute)
	review := true
	page, err := f.svc.ListOrders(ctx, model.OrderFilter{NeedsManualReview: &review})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Items[0].ConfirmationStatus != model.ConfirmTimeout {
		t.Fatalf("expected one timed out order under review, got %+v", page.Items)
	}

	resolved, err := f.svc.ResolveManualReview(ctx, placed[0], "cancelled at broker by desk")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.NeedsManualReview || resolved.ConfirmationStatus != model.ConfirmTimeout {
		t.Errorf("resolve must clear the flag only, got %+v", resolved)
	}
	view, _ = f.svc.GetOrder(ctx, placed[0])
	if view.FinalStateKnown {
		t.Error("a timed out order is never settled")
	}
}

func TestMonitorLifecycle_UpdatesHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.svc.StartMonitor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || !f.svc.Health.MonitorRunning {
		t.Fatalf("expected running monitor, got %+v", st)
	}
	if _, err := f.svc.StartMonitor(ctx); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}
	st = f.svc.StopMonitor()
	if st.Running || f.svc.Health.MonitorRunning {
		t.Errorf("expected stopped monitor, got %+v", st)
	}
	if f.svc.MonitorStatus().Running {
		t.Error("status disagrees with stop")
	}
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Purge(ctx, 0); !errors.Is(err, ErrInvalidRetention) {
		t.Fatalf("expected ErrInvalidRetention, got %v", err)
	}

	f.schedule(t, "P1", "15:15")
	f.svc.CancelExit(ctx, "P1", "closed")
	f.schedule(t, "P2", "15:15")

	f.clk.Set(f.clk.Now().AddDate(0, 0, 31))
	res, err := f.svc.Purge(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.Exits != 1 {
		t.Errorf("expected the cancelled exit purged, got %d", res.Exits)
	}
	page, _ := f.svc.ListExits(ctx, model.ExitFilter{})
	if page.Total != 1 || page.Items[0].PositionID != "P2" {
		t.Errorf("active exit must survive purge, got %+v", page.Items)
	}
}

func TestMarket(t *testing.T) {
	f := newFixture(t)

	m := f.svc.Market()
	if !m.TradingDay || !m.Open {
		t.Errorf("expected market open at 14:00 on a Thursday, got %+v", m)
	}
	if !strings.HasPrefix(m.Summary, "Market Open") {
		t.Errorf("unexpected summary %q", m.Summary)
	}

	f.clk.Set(time.Date(2026, 10, 15, 16, 0, 0, 0, markethours.IST))
	m = f.svc.Market()
	want := time.Date(2026, 10, 16, 9, 15, 0, 0, markethours.IST)
	if m.Open || !m.NextOpen.Equal(want) {
		t.Errorf("expected closed until %v, got %+v", want, m)
	}
}

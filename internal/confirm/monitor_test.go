package confirm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/broker/paper"
	"trading-squareoff/internal/clock"
	"trading-squareoff/internal/markethours"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/notification"
	"trading-squareoff/internal/store/sqlite"
)

var start = time.Date(2026, 10, 15, 15, 15, 0, 0, markethours.IST)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recordingNotifier) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingNotifier) levels() []notification.AlertLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.AlertLevel
	for _, a := range r.alerts {
		out = append(out, a.Level)
	}
	return out
}

type harness struct {
	store  *sqlite.Store
	broker *paper.Broker
	clock  *clock.Fake
	mon    *Monitor
	alerts *recordingNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "confirm.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{store: store, broker: paper.New(0), clock: clock.NewFake(start), alerts: &recordingNotifier{}}
	h.mon = NewMonitor(cfg, store, broker.Static{C: h.broker}, h.clock)
	h.mon.Notifier = h.alerts
	t.Cleanup(h.mon.Stop)
	return h
}

func testConfig() Config {
	return Config{
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     20,
		Timeout:         5 * time.Minute,
		PartialGrace:    2 * time.Minute,
	}
}

// place submits a paper order and stores it the way the placement path does.
func (h *harness) place(t *testing.T, qty int64) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.broker.PlaceOrder(ctx, model.OrderRequest{
		UserID: "U1", Symbol: "SBIN-EQ", Exchange: "NSE", TransactionType: model.Sell,
		OrderType: "MARKET", ProductType: "INTRADAY", Quantity: qty,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.insert(t, id, qty)
	return id
}

func (h *harness) insert(t *testing.T, id string, qty int64) {
	t.Helper()
	now := h.clock.Now()
	err := h.store.InsertOrder(context.Background(), &model.OrderState{
		OrderID: id, UserID: "U1", Symbol: "SBIN-EQ", Exchange: "NSE", OrderType: "MARKET",
		TransactionType: model.Sell, ProductType: "INTRADAY", Quantity: qty,
		PlacementStatus: model.PlacementPlaced, ConfirmationStatus: model.ConfirmPending,
		ExecutionStatus: model.ExecUnknown, PendingQuantity: qty, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) order(t *testing.T, id string) *model.OrderState {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func (h *harness) startAndTrack(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if err := h.mon.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.mon.Track(ctx, id); err != nil {
		t.Fatal(err)
	}
}

var (
	open     = model.BrokerOrderStatus{Status: "open", Live: true}
	complete = model.BrokerOrderStatus{Status: "complete", ExecutedQuantity: 25}
)

func TestInterval_ExponentialWithCap(t *testing.T) {
	m := NewMonitor(testConfig(), nil, nil, clock.NewFake(start))
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempts, w := range want {
		if got := m.interval(attempts); got != w {
			t.Errorf("interval(%d) = %v, want %v", attempts, got, w)
		}
	}
}

func TestPoll_ConvergesToConfirmed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broker.ScriptNext(open, open, complete)
	id := h.place(t, 25)
	h.startAndTrack(t, id)

	h.clock.Advance(time.Minute)

	o := h.order(t, id)
	if o.ConfirmationStatus != model.ConfirmConfirmed || o.ExecutionStatus != model.ExecComplete {
		t.Fatalf("expected CONFIRMED/COMPLETE, got %s/%s", o.ConfirmationStatus, o.ExecutionStatus)
	}
	if len(o.StatusHistory) != 3 || o.ConfirmationAttempts != 3 {
		t.Errorf("expected 3 polls in history, got history=%d attempts=%d", len(o.StatusHistory), o.ConfirmationAttempts)
	}
	if o.ExecutedQuantity != 25 || o.PendingQuantity != 0 || o.NeedsManualReview {
		t.Errorf("unexpected fill state: %+v", o)
	}
	if o.TotalConfirmationTime != 14*time.Second {
		t.Errorf("expected 14s of polling (2+4+8), got %v", o.TotalConfirmationTime)
	}
	if len(h.mon.Tracked()) != 0 || h.clock.Pending() != 0 {
		t.Error("confirmed order must not stay armed")
	}
}

func TestPoll_CancelledAndRejectedCountAsConfirmed(t *testing.T) {
	for _, bs := range []model.BrokerOrderStatus{
		{Status: "cancelled", Cancelled: true, ExecutedQuantity: 5},
		{Status: "rejected", Rejected: true},
	} {
		h := newHarness(t, testConfig())
		h.broker.ScriptNext(bs)
		id := h.place(t, 25)
		h.startAndTrack(t, id)
		h.clock.Advance(time.Minute)

		o := h.order(t, id)
		if o.ConfirmationStatus != model.ConfirmConfirmed || o.NeedsManualReview {
			t.Errorf("%s: expected CONFIRMED without review, got %s review=%v", bs.Status, o.ConfirmationStatus, o.NeedsManualReview)
		}
		if o.PendingQuantity != 0 {
			t.Errorf("%s: expected no pending quantity, got %d", bs.Status, o.PendingQuantity)
		}
	}
}

func TestPoll_TimeoutEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Second
	h := newHarness(t, cfg)
	h.broker.ScriptNext(open)
	id := h.place(t, 25)
	h.startAndTrack(t, id)

	h.clock.Advance(5 * time.Minute)

	o := h.order(t, id)
	if o.ConfirmationStatus != model.ConfirmTimeout || !o.NeedsManualReview {
		t.Fatalf("expected TIMEOUT with review, got %s review=%v", o.ConfirmationStatus, o.NeedsManualReview)
	}
	// Polls at 2s, 6s, 14s and 30s.
	if o.ConfirmationAttempts != 4 || len(o.StatusHistory) != 4 {
		t.Errorf("expected 4 polls, got attempts=%d history=%d", o.ConfirmationAttempts, len(o.StatusHistory))
	}
	if h.clock.Pending() != 0 {
		t.Error("timed out order must stop polling")
	}
	if lv := h.alerts.levels(); len(lv) != 1 || lv[0] != notification.AlertWarning {
		t.Errorf("expected one warning alert, got %v", lv)
	}
}

func TestPoll_MaxAttemptsEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg)
	h.broker.ScriptNext(open)
	id := h.place(t, 25)
	h.startAndTrack(t, id)

	h.clock.Advance(time.Minute)

	o := h.order(t, id)
	if o.ConfirmationStatus != model.ConfirmTimeout || o.ConfirmationAttempts != 2 {
		t.Errorf("expected TIMEOUT after 2 polls, got %s after %d", o.ConfirmationStatus, o.ConfirmationAttempts)
	}
}

func TestPoll_AuthFailureIsImmediate(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.place(t, 25)
	h.broker.FailNextStatus(&broker.Error{Kind: broker.ErrAuth, Code: "AG8001", Message: "Invalid Token"})
	h.startAndTrack(t, id)

	h.clock.Advance(time.Minute)

	o := h.order(t, id)
	if o.ConfirmationStatus != model.ConfirmFailed || !o.NeedsManualReview || o.ManualReviewReason != ReasonAuth {
		t.Fatalf("expected FAILED with auth review, got %s %q", o.ConfirmationStatus, o.ManualReviewReason)
	}
	if o.ConfirmationAttempts != 1 || len(o.StatusHistory) != 1 {
		t.Errorf("expected one poll, got %d", o.ConfirmationAttempts)
	}
	if lv := h.alerts.levels(); len(lv) != 1 || lv[0] != notification.AlertCritical {
		t.Errorf("expected one critical alert, got %v", lv)
	}
}

func TestPoll_TransientErrorsKeepStatus(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.place(t, 25)
	h.broker.FailNextStatus(
		&broker.Error{Kind: broker.ErrTransient, Message: "gateway timeout"},
		&broker.Error{Kind: broker.ErrRateLimited, Message: "access rate exceeded"},
	)
	h.startAndTrack(t, id)

	h.clock.Advance(2 * time.Second)
	o := h.order(t, id)
	if o.ConfirmationStatus != model.ConfirmPending || o.ConfirmationAttempts != 1 {
		t.Fatalf("transient error must not move status: %s attempts=%d", o.ConfirmationStatus, o.ConfirmationAttempts)
	}

	h.clock.Advance(time.Minute)
	o = h.order(t, id)
	if o.ConfirmationStatus != model.ConfirmConfirmed || o.NeedsManualReview {
		t.Fatalf("expected CONFIRMED after recovery, got %s", o.ConfirmationStatus)
	}
	want := []string{historyPollErr, historyPollErr, string(model.ExecComplete)}
	if len(o.StatusHistory) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(o.StatusHistory))
	}
	for i, w := range want {
		if o.StatusHistory[i].Status != w {
			t.Errorf("history[%d] = %s, want %s", i, o.StatusHistory[i].Status, w)
		}
	}
}

func TestPoll_OrderNotFoundFailsAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.NotFoundGrace = 30 * time.Second
	h := newHarness(t, cfg)
	h.insert(t, "GHOST-1", 10)
	h.startAndTrack(t, "GHOST-1")

	h.clock.Advance(15 * time.Second) // polls at 2s, 6s and 14s
	o := h.order(t, "GHOST-1")
	if o.ConfirmationStatus.Terminal() || o.NeedsManualReview || o.ConfirmationAttempts != 3 {
		t.Fatalf("within grace: got %s review=%v attempts=%d", o.ConfirmationStatus, o.NeedsManualReview, o.ConfirmationAttempts)
	}

	h.clock.Advance(time.Minute)
	o = h.order(t, "GHOST-1")
	if o.ConfirmationStatus != model.ConfirmFailed || o.ManualReviewReason != ReasonNotFound {
		t.Errorf("expected FAILED not-found, got %s %q", o.ConfirmationStatus, o.ManualReviewReason)
	}
}

func TestPoll_OrderVisibleAfterBookLagConfirms(t *testing.T) {
	h := newHarness(t, testConfig())
	h.broker.FailNextStatus(&broker.Error{Kind: broker.ErrOrderNotFound, Message: "not in order book yet"})
	id := h.place(t, 25)
	h.startAndTrack(t, id)

	h.clock.Advance(10 * time.Second)
	o := h.order(t, id)
	if o.ConfirmationStatus != model.ConfirmConfirmed || o.NeedsManualReview || len(o.StatusHistory) != 2 {
		t.Errorf("expected CONFIRMED after one lagging poll, got %s review=%v history=%d",
			o.ConfirmationStatus, o.NeedsManualReview, len(o.StatusHistory))
	}
}

func TestPoll_PartialPastGraceFlagsButKeepsPolling(t *testing.T) {
	cfg := testConfig()
	cfg.PartialGrace = 5 * time.Second
	h := newHarness(t, cfg)
	h.broker.ScriptNext(model.BrokerOrderStatus{Status: "open", Live: true, ExecutedQuantity: 10})
	id := h.place(t, 25)
	h.startAndTrack(t, id)

	h.clock.Advance(6 * time.Second) // polls at 2s and 6s
	o := h.order(t, id)
	if o.ExecutionStatus != model.ExecPartial || o.NeedsManualReview {
		t.Fatalf("within grace: got %s review=%v", o.ExecutionStatus, o.NeedsManualReview)
	}

	h.clock.Advance(8 * time.Second) // poll at 14s
	o = h.order(t, id)
	if !o.NeedsManualReview || o.ManualReviewReason != ReasonPartial {
		t.Fatalf("expected partial review flag, got %+v", o)
	}
	if o.ConfirmationStatus != model.ConfirmConfirming || len(h.mon.Tracked()) != 1 {
		t.Errorf("polling must continue: %s tracked=%d", o.ConfirmationStatus, len(h.mon.Tracked()))
	}
	if o.ExecutedQuantity != 10 || o.PendingQuantity != 15 {
		t.Errorf("unexpected quantities: executed=%d pending=%d", o.ExecutedQuantity, o.PendingQuantity)
	}
}

func TestStart_IdempotentAndRecoversUnconfirmed(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.place(t, 25)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.mon.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.mon.Tracked(); len(got) != 1 || got[0].OrderID != id {
		t.Fatalf("expected one recovered order, got %+v", got)
	}
	if h.clock.Pending() != 1 {
		t.Errorf("expected exactly one armed poll, got %d", h.clock.Pending())
	}
	if err := h.mon.Track(ctx, id); err != nil || h.clock.Pending() != 1 {
		t.Errorf("re-tracking must not arm a second poll: err=%v pending=%d", err, h.clock.Pending())
	}

	h.clock.Advance(time.Minute)
	if o := h.order(t, id); o.ConfirmationStatus != model.ConfirmConfirmed {
		t.Errorf("expected recovered order confirmed, got %s", o.ConfirmationStatus)
	}
}

func TestStop_DisarmsAndRejectsTrack(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.place(t, 25)
	h.startAndTrack(t, id)

	h.mon.Stop()
	if h.mon.Running() || h.clock.Pending() != 0 {
		t.Fatalf("expected stopped monitor with no timers, pending=%d", h.clock.Pending())
	}
	if err := h.mon.Track(context.Background(), id); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if o := h.order(t, id); o.ConfirmationStatus != model.ConfirmPending {
		t.Errorf("stop must leave the record for the next start, got %s", o.ConfirmationStatus)
	}
}

func TestResolveManualReview(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.place(t, 25)
	h.broker.FailNextStatus(&broker.Error{Kind: broker.ErrAuth, Message: "session expired"})
	h.startAndTrack(t, id)
	h.clock.Advance(time.Minute)

	ctx := context.Background()
	o, err := h.mon.ResolveManualReview(ctx, id, "checked in broker terminal")
	if err != nil {
		t.Fatal(err)
	}
	if o.NeedsManualReview || o.ConfirmationStatus != model.ConfirmFailed {
		t.Errorf("expected flag cleared and status kept, got review=%v %s", o.NeedsManualReview, o.ConfirmationStatus)
	}
	stored := h.order(t, id)
	if n := len(stored.StatusHistory); n != 2 || stored.StatusHistory[1].Status != historyResolved {
		t.Errorf("expected resolution appended to history, got %+v", stored.StatusHistory)
	}
	if _, err := h.mon.ResolveManualReview(ctx, id, "again"); !errors.Is(err, ErrNotFlagged) {
		t.Errorf("expected ErrNotFlagged, got %v", err)
	}
}

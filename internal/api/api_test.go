package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/broker/paper"
	"trading-squareoff/internal/clock"
	"trading-squareoff/internal/confirm"
	"trading-squareoff/internal/events"
	"trading-squareoff/internal/execution"
	"trading-squareoff/internal/markethours"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/notification"
	"trading-squareoff/internal/scheduler"
	"trading-squareoff/internal/status"
	"trading-squareoff/internal/store/sqlite"
)

type quietNotifier struct{}

func (quietNotifier) Send(context.Context, notification.Alert) error { return nil }

type testEnv struct {
	router *gin.Engine
	store  *sqlite.Store
	sched  *scheduler.Scheduler
	bus    *events.Bus
	stream *Stream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store, err := sqlite.Open(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(time.Date(2026, 10, 15, 14, 0, 0, 0, markethours.IST))
	pb := paper.New(0)
	pb.SetPosition(model.Position{Symbol: "SBIN-EQ", Exchange: "NSE", ProductType: "INTRADAY", Qty: 25})
	acct := broker.Static{C: pb}
	bus := events.NewBus()

	mon := confirm.NewMonitor(confirm.DefaultConfig(), store, acct, clk)
	mon.Notifier = quietNotifier{}
	placer := execution.NewPlacer(acct, store, clk)
	placer.Tracker = mon
	sched := scheduler.New(scheduler.Config{ProcessID: "proc-test"}, store, execution.NewSquareoff(acct, placer), clk)
	sched.Notifier = quietNotifier{}
	sched.Events = bus
	if _, err := sched.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	stream := NewStream(100)
	runCtx, cancel := context.WithCancel(ctx)
	ch, unsubscribe := bus.Subscribe("ws", 64)
	go stream.Run(runCtx, ch)

	t.Cleanup(func() {
		cancel()
		unsubscribe()
		stream.Close()
		sched.Shutdown(context.Background())
		mon.Stop()
	})

	svc := status.New(store, store, sched, mon, clk)
	return &testEnv{router: NewRouter(NewHandlers(svc), stream), store: store, sched: sched, bus: bus, stream: stream}
}

func (env *testEnv) schedule(t *testing.T, positionID string) *model.ScheduledExit {
	t.Helper()
	e, err := env.sched.SchedulePositionExit(context.Background(), model.ExitRequest{
		PositionID: positionID, UserID: "U1", Symbol: "SBIN-EQ", Exchange: "NSE", ProductType: "INTRADAY",
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (env *testEnv) do(t *testing.T, method, path, body string) (int, Response) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, resp
}

// data re-decodes the envelope payload into v.
func data(t *testing.T, resp Response, v any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	code, resp := env.do(t, http.MethodGet, "/api/v1/health", "")
	if code != http.StatusOK || !resp.Success {
		t.Errorf("expected ok, got %d %+v", code, resp)
	}
}

func TestSchedulerStatusAndExitListing(t *testing.T) {
	env := newTestEnv(t)
	e := env.schedule(t, "P1")

	code, resp := env.do(t, http.MethodGet, "/api/v1/admin/scheduler/status", "")
	var st scheduler.Status
	data(t, resp, &st)
	if code != http.StatusOK || !st.Initialized || st.ArmedCount != 1 || st.Armed[0].PositionID != "P1" {
		t.Fatalf("unexpected status %d %+v", code, st)
	}

	code, resp = env.do(t, http.MethodGet, "/api/v1/admin/market", "")
	var m status.Market
	data(t, resp, &m)
	if code != http.StatusOK || !m.Open || !m.TradingDay {
		t.Errorf("expected open market, got %d %+v", code, m)
	}

	code, resp = env.do(t, http.MethodGet, "/api/v1/admin/exits?status=pending&date=2026-10-15", "")
	var page status.Page[model.ScheduledExit]
	data(t, resp, &page)
	if code != http.StatusOK || page.Total != 1 || page.Items[0].ID != e.ID {
		t.Fatalf("unexpected listing %d %+v", code, page)
	}

	code, _ = env.do(t, http.MethodGet, "/api/v1/admin/exits?limit=abc", "")
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", code)
	}
	code, _ = env.do(t, http.MethodGet, "/api/v1/admin/exits?date=15-10-2026", "")
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad date, got %d", code)
	}
	code, _ = env.do(t, http.MethodGet, "/api/v1/admin/exits/x", "")
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric id, got %d", code)
	}
	code, resp = env.do(t, http.MethodGet, "/api/v1/admin/exits/999", "")
	if code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Errorf("expected 404, got %d %+v", code, resp.Error)
	}

	code, resp = env.do(t, http.MethodGet, "/api/v1/admin/positions/P1/exit", "")
	var out status.ExitOutlook
	data(t, resp, &out)
	if code != http.StatusOK || !out.WillExecute || out.ExitID != e.ID {
		t.Errorf("unexpected outlook %d %+v", code, out)
	}
}

func TestCancelExit(t *testing.T) {
	env := newTestEnv(t)
	env.schedule(t, "P1")

	code, resp := env.do(t, http.MethodPost, "/api/v1/admin/positions/P1/exit/cancel", `{"reason":"closed manually"}`)
	var e model.ScheduledExit
	data(t, resp, &e)
	if code != http.StatusOK || e.Status != model.ExitCancelled {
		t.Fatalf("expected cancelled exit, got %d %+v", code, e)
	}
	last := e.AuditLog[len(e.AuditLog)-1]
	if last.Action != model.AuditCancelled || last.Details != "closed manually" {
		t.Errorf("unexpected audit entry %+v", last)
	}

	code, _ = env.do(t, http.MethodPost, "/api/v1/admin/positions/P1/exit/cancel", "")
	if code != http.StatusNotFound {
		t.Errorf("expected 404 for a position without an active exit, got %d", code)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/admin/positions/P1/exit/reset", "")
	if code != http.StatusConflict {
		t.Errorf("expected 409 resetting a cancelled exit, got %d", code)
	}
}

func TestEmergencyStopAndReschedule(t *testing.T) {
	env := newTestEnv(t)
	env.schedule(t, "P1")
	env.schedule(t, "P2")

	code, resp := env.do(t, http.MethodPost, "/api/v1/admin/scheduler/emergency-stop", `{"reason":"kill switch"}`)
	var sum scheduler.StopSummary
	data(t, resp, &sum)
	if code != http.StatusOK || len(sum.Cancelled) != 2 || sum.Disarmed != 2 {
		t.Fatalf("unexpected stop summary %d %+v", code, sum)
	}

	code, resp = env.do(t, http.MethodPost, "/api/v1/admin/scheduler/force-reschedule", "")
	var rs scheduler.RescheduleSummary
	data(t, resp, &rs)
	if code != http.StatusOK || len(rs.Rearmed) != 0 {
		t.Errorf("nothing left to reschedule, got %d %+v", code, rs)
	}
}

func TestOrdersAndReviewResolution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 15, 15, 0, 0, markethours.IST)
	o := &model.OrderState{
		OrderID: "A1", UserID: "U1", Symbol: "SBIN-EQ", Exchange: "NSE", OrderType: "MARKET",
		TransactionType: model.Sell, Quantity: 25,
		PlacementStatus: model.PlacementPlaced, ConfirmationStatus: model.ConfirmTimeout,
		ExecutionStatus: model.ExecOpen, PendingQuantity: 25,
		NeedsManualReview: true, ManualReviewReason: "confirmation timed out",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := env.store.InsertOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	code, resp := env.do(t, http.MethodGet, "/api/v1/admin/orders?needs_review=true", "")
	var page status.Page[model.OrderState]
	data(t, resp, &page)
	if code != http.StatusOK || page.Total != 1 {
		t.Fatalf("expected one flagged order, got %d %+v", code, page)
	}
	code, _ = env.do(t, http.MethodGet, "/api/v1/admin/orders?needs_review=maybe", "")
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad needs_review, got %d", code)
	}

	code, _ = env.do(t, http.MethodPost, "/api/v1/admin/orders/A1/resolve-review", `{}`)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 without a note, got %d", code)
	}
	code, resp = env.do(t, http.MethodPost, "/api/v1/admin/orders/A1/resolve-review", `{"note":"squared off by desk"}`)
	var resolved model.OrderState
	data(t, resp, &resolved)
	if code != http.StatusOK || resolved.NeedsManualReview || resolved.ConfirmationStatus != model.ConfirmTimeout {
		t.Fatalf("unexpected resolve %d %+v", code, resolved)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/admin/orders/A1/resolve-review", `{"note":"again"}`)
	if code != http.StatusConflict {
		t.Errorf("expected 409 resolving an unflagged order, got %d", code)
	}

	code, resp = env.do(t, http.MethodGet, "/api/v1/admin/orders/A1", "")
	var view struct {
		OrderID         string `json:"order_id"`
		FinalStateKnown bool   `json:"final_state_known"`
	}
	data(t, resp, &view)
	if code != http.StatusOK || view.OrderID != "A1" || view.FinalStateKnown {
		t.Errorf("unexpected order view %d %+v", code, view)
	}
}

func TestMonitorControl(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/admin/monitor/start", "")
	var st confirm.Status
	data(t, resp, &st)
	if code != http.StatusOK || !st.Running {
		t.Fatalf("expected running monitor, got %d %+v", code, st)
	}
	code, resp = env.do(t, http.MethodPost, "/api/v1/admin/monitor/stop", "")
	data(t, resp, &st)
	if code != http.StatusOK || st.Running {
		t.Fatalf("expected stopped monitor, got %d %+v", code, st)
	}
	_, resp = env.do(t, http.MethodGet, "/api/v1/admin/monitor/status", "")
	data(t, resp, &st)
	if st.Running {
		t.Error("status disagrees with stop")
	}
}

func TestPurge(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/admin/housekeeping/purge", `{"retention":"7d"}`)
	var res status.PurgeResult
	data(t, resp, &res)
	want := time.Date(2026, 10, 8, 14, 0, 0, 0, markethours.IST)
	if code != http.StatusOK || !res.Cutoff.Equal(want) {
		t.Fatalf("expected cutoff %v, got %d %+v", want, code, res)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/admin/housekeeping/purge", `{"retention":"soon"}`)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad retention, got %d", code)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/admin/housekeeping/purge", `{"retention":"-1h"}`)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative retention, got %d", code)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return env
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/admin/events/ws"

	// since_seq=0 makes anything published before registration replay.
	conn, _, err := websocket.DefaultDialer.Dial(base+"?since_seq=0&position_id=P1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	env.schedule(t, "P2")
	env.schedule(t, "P1")

	got := readEnvelope(t, conn)
	if got.Event.Kind != events.ExitScheduled || got.Event.PositionID != "P1" || got.Seq != 2 {
		t.Fatalf("expected filtered exit.scheduled for P1 at seq 2, got %+v", got)
	}

	late, _, err := websocket.DefaultDialer.Dial(base+"?since_seq=0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer late.Close()
	first, second := readEnvelope(t, late), readEnvelope(t, late)
	if !first.Replay || first.Seq != 1 || second.Seq != 2 {
		t.Errorf("expected replay of seq 1 and 2, got %+v %+v", first, second)
	}
}

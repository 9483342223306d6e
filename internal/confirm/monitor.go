// Package confirm drives every placed order through its confirmation state
// machine. Each tracked order has its own poll timer, so a slow broker
// answer for one order never delays another. The order store is the source
// of truth; the timer map only says when this process polls next.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/clock"
	"trading-squareoff/internal/events"
	"trading-squareoff/internal/logger"
	"trading-squareoff/internal/metrics"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/notification"
)

var (
	// ErrNotRunning is returned by Track while the monitor is stopped.
	ErrNotRunning = errors.New("confirmation monitor not running")

	// ErrNotFlagged is returned when resolving an order that is not
	// awaiting manual review.
	ErrNotFlagged = errors.New("order is not flagged for manual review")
)

// Review reasons.
const (
	ReasonTimeout   = "confirmation timeout"
	ReasonAuth      = "broker authentication failure"
	ReasonNotFound  = "order not found at broker"
	ReasonRejected  = "broker rejected status query"
	ReasonPartial   = "partial fill unresolved"
	historyResolved = "REVIEW_RESOLVED"
	historyPollErr  = "POLL_ERROR"
)

// Config holds polling and escalation limits.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Timeout         time.Duration
	PartialGrace    time.Duration
	NotFoundGrace   time.Duration // order book lag after placement
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     20,
		Timeout:         5 * time.Minute,
		PartialGrace:    2 * time.Minute,
		NotFoundGrace:   30 * time.Second,
	}
}

// TrackedOrder is one armed poll.
type TrackedOrder struct {
	OrderID    string    `json:"order_id"`
	NextPollAt time.Time `json:"next_poll_at"`
}

// Status is a snapshot of the monitor.
type Status struct {
	Running bool           `json:"running"`
	Tracked []TrackedOrder `json:"tracked"`
}

// Monitor polls the broker for tracked orders.
type Monitor struct {
	cfg      Config
	orders   model.OrderStore
	accounts broker.Accounts
	clock    clock.Clock

	// Optional collaborators.
	Notifier notification.Notifier
	Events   events.Publisher
	Metrics  *metrics.Metrics

	mu      sync.Mutex
	running bool
	ctx     context.Context
	timers  map[string]clock.Timer
	nextAt  map[string]time.Time
	polling map[string]bool
	wg      sync.WaitGroup
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config, orders model.OrderStore, accounts broker.Accounts, clk clock.Clock) *Monitor {
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PartialGrace <= 0 {
		cfg.PartialGrace = def.PartialGrace
	}
	if cfg.NotFoundGrace <= 0 {
		cfg.NotFoundGrace = def.NotFoundGrace
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Monitor{
		cfg:      cfg,
		orders:   orders,
		accounts: accounts,
		clock:    clk,
		Notifier: notification.NewLogNotifier(),
		Events:   events.Discard,
		timers:   make(map[string]clock.Timer),
		nextAt:   make(map[string]time.Time),
		polling:  make(map[string]bool),
	}
}

// Start arms a poll for every unconfirmed order in the store. Calling Start
// on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	// Polls outlive the caller's request; Stop is the only way to end them.
	m.ctx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	pending, err := m.orders.ListUnconfirmedOrders(ctx)
	if err != nil {
		m.Stop()
		return fmt.Errorf("load unconfirmed orders: %w", err)
	}

	m.mu.Lock()
	for _, o := range pending {
		m.armLocked(o.OrderID, m.interval(o.ConfirmationAttempts))
	}
	n := len(m.timers)
	m.mu.Unlock()

	slog.Info("confirmation monitor started", "recovered", len(pending), "tracked", n)
	return nil
}

// Stop disarms every poll and waits for polls already talking to the
// broker to finish. Records stay unconfirmed for the next Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
		delete(m.nextAt, id)
	}
	m.Metrics.SetTrackedOrders(0)
	m.mu.Unlock()

	m.wg.Wait()
	slog.Info("confirmation monitor stopped")
}

// Running reports whether the monitor is polling.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Tracked returns the armed polls, soonest first.
func (m *Monitor) Tracked() []TrackedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackedOrder, 0, len(m.nextAt))
	for id, at := range m.nextAt {
		out = append(out, TrackedOrder{OrderID: id, NextPollAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextPollAt.Equal(out[j].NextPollAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].NextPollAt.Before(out[j].NextPollAt)
	})
	return out
}

// Status returns a snapshot for the admin surface.
func (m *Monitor) Status() Status {
	return Status{Running: m.Running(), Tracked: m.Tracked()}
}

// Track arms the first poll for a stored order. Tracking an order that is
// already armed does nothing.
func (m *Monitor) Track(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	if _, ok := m.timers[orderID]; ok || m.polling[orderID] {
		return nil
	}
	m.armLocked(orderID, m.interval(0))
	return nil
}

// interval is min(initial * multiplier^attempts, max).
func (m *Monitor) interval(attempts int) time.Duration {
	d := float64(m.cfg.InitialInterval) * math.Pow(m.cfg.Multiplier, float64(attempts))
	if d >= float64(m.cfg.MaxInterval) || math.IsInf(d, 0) {
		return m.cfg.MaxInterval
	}
	return time.Duration(d)
}

func (m *Monitor) armLocked(orderID string, d time.Duration) {
	if !m.running {
		return
	}
	if t, ok := m.timers[orderID]; ok {
		t.Stop()
	}
	m.nextAt[orderID] = m.clock.Now().Add(d)
	m.timers[orderID] = m.clock.AfterFunc(d, func() { m.fire(orderID) })
	m.Metrics.SetTrackedOrders(len(m.timers))
}

func (m *Monitor) fire(orderID string) {
	m.mu.Lock()
	if !m.running || m.polling[orderID] {
		m.mu.Unlock()
		return
	}
	delete(m.timers, orderID)
	delete(m.nextAt, orderID)
	m.polling[orderID] = true
	m.wg.Add(1)
	ctx := logger.WithTraceID(m.ctx, logger.NewTraceID("poll"))
	m.mu.Unlock()

	next, done := m.poll(ctx, orderID)

	m.mu.Lock()
	delete(m.polling, orderID)
	if !done {
		m.armLocked(orderID, next)
	}
	m.Metrics.SetTrackedOrders(len(m.timers))
	m.mu.Unlock()
	m.wg.Done()
}

// poll performs one confirmation step and returns the delay before the
// next one, or done when the order needs no further polling.
func (m *Monitor) poll(ctx context.Context, orderID string) (time.Duration, bool) {
	log := append(logger.LogWithTrace(ctx), "order_id", orderID)

	o, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			slog.Warn("tracked order missing from store", log...)
			return 0, true
		}
		slog.Error("load order failed", append(log, "error", err)...)
		return m.cfg.InitialInterval, false
	}
	if o.ConfirmationStatus.Terminal() {
		return 0, true
	}
	prev := *o

	now := m.clock.Now()
	bs, pollErr := m.brokerStatus(ctx, o)
	entry := m.apply(o, bs, pollErr, now)

	if err := m.orders.UpdateOrder(ctx, o, entry); err != nil {
		if errors.Is(err, model.ErrStaleRecord) {
			slog.Info("order changed during poll, retrying", log...)
			return m.cfg.InitialInterval, false
		}
		slog.Error("persist poll result failed", append(log, "error", err)...)
		return m.cfg.InitialInterval, false
	}

	m.report(ctx, &prev, o, entry, pollErr)

	if o.ConfirmationStatus.Terminal() {
		return 0, true
	}
	return m.interval(o.ConfirmationAttempts), false
}

func (m *Monitor) brokerStatus(ctx context.Context, o *model.OrderState) (model.BrokerOrderStatus, error) {
	c, err := m.accounts.Client(ctx, o.UserID)
	if err != nil {
		return model.BrokerOrderStatus{}, err
	}
	start := time.Now()
	bs, err := c.GetOrderStatus(ctx, o.OrderID)
	m.Metrics.BrokerCall("order_status", time.Since(start))
	return bs, err
}

// apply advances o by one poll and returns the history entry for it.
func (m *Monitor) apply(o *model.OrderState, bs model.BrokerOrderStatus, pollErr error, now time.Time) model.StatusEntry {
	o.ConfirmationAttempts++
	o.LastStatusCheck = &now
	o.UpdatedAt = now
	if elapsed := now.Sub(o.CreatedAt); elapsed > o.TotalConfirmationTime {
		o.TotalConfirmationTime = elapsed
	}
	entry := model.StatusEntry{Timestamp: now}

	if pollErr != nil {
		entry.Status = historyPollErr
		entry.Details = pollErr.Error()
		o.Error = pollErr.Error()

		if errors.Is(pollErr, broker.ErrOrderNotFound) && now.Sub(o.CreatedAt) < m.cfg.NotFoundGrace {
			// Fresh orders can be missing from the order book for a while.
			m.checkCeilings(o)
			return entry
		}
		if !broker.IsRetryable(pollErr) {
			o.ConfirmationStatus = model.ConfirmFailed
			o.FlagForReview(definitiveReason(pollErr))
			return entry
		}
		m.checkCeilings(o)
		return entry
	}

	exec, executed := model.DeriveExecutionStatus(o.Quantity, bs)
	o.ExecutionStatus = exec
	o.ExecutedQuantity = executed
	if bs.ExecutedPrice > 0 {
		o.ExecutedPrice = bs.ExecutedPrice
	}
	o.PendingQuantity = o.Quantity - executed
	o.Error = ""
	o.StatusMessage = bs.Status
	if bs.Message != "" {
		o.StatusMessage = bs.Message
	}
	entry.Status = string(exec)
	entry.Details = fmt.Sprintf("filled %d/%d broker=%q", executed, o.Quantity, bs.Status)

	if exec.Terminal() {
		if exec != model.ExecComplete {
			o.PendingQuantity = 0
		}
		o.ConfirmationStatus = model.ConfirmConfirmed
		o.PartialSince = nil
		return entry
	}

	if o.ConfirmationStatus == model.ConfirmPending {
		o.ConfirmationStatus = model.ConfirmConfirming
	}
	if exec == model.ExecPartial {
		if o.PartialSince == nil {
			o.PartialSince = &now
		} else if now.Sub(*o.PartialSince) >= m.cfg.PartialGrace {
			o.FlagForReview(ReasonPartial)
		}
	} else {
		o.PartialSince = nil
	}
	m.checkCeilings(o)
	return entry
}

func (m *Monitor) checkCeilings(o *model.OrderState) {
	if o.ConfirmationAttempts < m.cfg.MaxAttempts && o.TotalConfirmationTime < m.cfg.Timeout {
		return
	}
	o.ConfirmationStatus = model.ConfirmTimeout
	o.FlagForReview(fmt.Sprintf("%s after %d polls (%s)", ReasonTimeout, o.ConfirmationAttempts,
		o.TotalConfirmationTime.Round(time.Second)))
}

func definitiveReason(err error) string {
	switch {
	case errors.Is(err, broker.ErrAuth):
		return ReasonAuth
	case errors.Is(err, broker.ErrOrderNotFound):
		return ReasonNotFound
	default:
		return ReasonRejected
	}
}

// reviewKind maps a review reason onto a low-cardinality metric label.
func reviewKind(reason string) string {
	switch {
	case strings.HasPrefix(reason, ReasonTimeout):
		return "timeout"
	case reason == ReasonAuth:
		return "auth"
	case reason == ReasonNotFound:
		return "not_found"
	case reason == ReasonPartial:
		return "partial"
	case reason == ReasonRejected:
		return "rejected"
	default:
		return "other"
	}
}

// report emits logs, metrics, events and alerts for a persisted poll.
func (m *Monitor) report(ctx context.Context, prev, o *model.OrderState, entry model.StatusEntry, pollErr error) {
	log := append(logger.LogWithTrace(ctx), "order_id", o.OrderID, "attempt", o.ConfirmationAttempts,
		"confirmation", o.ConfirmationStatus, "execution", o.ExecutionStatus)

	m.Metrics.ConfirmPoll(pollErr == nil)
	m.Events.Publish(events.Event{
		Kind: events.OrderPolled, Time: entry.Timestamp, UserID: o.UserID, OrderID: o.OrderID,
		Status: entry.Status, Details: entry.Details,
	})
	if pollErr != nil {
		slog.Warn("order status poll failed", append(log, "error", pollErr)...)
	} else {
		slog.Debug("order status polled", log...)
	}

	if o.NeedsManualReview && !prev.NeedsManualReview {
		m.Metrics.ManualReview(reviewKind(o.ManualReviewReason))
		m.Events.Publish(events.Event{
			Kind: events.OrderReview, Time: entry.Timestamp, UserID: o.UserID, OrderID: o.OrderID,
			Status: string(o.ConfirmationStatus), Details: o.ManualReviewReason,
		})
	}

	if o.ConfirmationStatus == prev.ConfirmationStatus || !o.ConfirmationStatus.Terminal() {
		if o.NeedsManualReview && !prev.NeedsManualReview {
			m.alert(ctx, notification.AlertWarning, "Order needs review", o)
		}
		return
	}

	m.Metrics.ConfirmOutcome(string(o.ConfirmationStatus), o.TotalConfirmationTime)
	switch o.ConfirmationStatus {
	case model.ConfirmConfirmed:
		m.Events.Publish(events.Event{
			Kind: events.OrderConfirmed, Time: entry.Timestamp, UserID: o.UserID, OrderID: o.OrderID,
			Status: string(o.ExecutionStatus), Details: entry.Details,
		})
		slog.Info("order confirmed", append(log, "executed_qty", o.ExecutedQuantity, "executed_price", o.ExecutedPrice)...)
		if o.NeedsManualReview {
			m.alert(ctx, notification.AlertWarning, "Order confirmed with open review", o)
		}
	case model.ConfirmTimeout:
		m.Events.Publish(events.Event{
			Kind: events.OrderTimeout, Time: entry.Timestamp, UserID: o.UserID, OrderID: o.OrderID,
			Status: string(o.ExecutionStatus), Details: o.ManualReviewReason,
		})
		slog.Warn("order confirmation timed out", append(log, "reason", o.ManualReviewReason)...)
		m.alert(ctx, notification.AlertWarning, "Order confirmation timed out", o)
	case model.ConfirmFailed:
		m.Events.Publish(events.Event{
			Kind: events.OrderFailed, Time: entry.Timestamp, UserID: o.UserID, OrderID: o.OrderID,
			Status: string(o.ExecutionStatus), Details: o.ManualReviewReason,
		})
		slog.Error("order confirmation failed", append(log, "reason", o.ManualReviewReason)...)
		m.alert(ctx, notification.AlertCritical, "Order confirmation failed", o)
	}
}

func (m *Monitor) alert(ctx context.Context, level notification.AlertLevel, title string, o *model.OrderState) {
	if m.Notifier == nil {
		return
	}
	err := m.Notifier.Send(ctx, notification.Alert{
		Level:   level,
		Title:   title,
		Message: o.ManualReviewReason,
		Fields: map[string]string{
			"order_id":     o.OrderID,
			"user_id":      o.UserID,
			"symbol":       o.Symbol,
			"side":         o.TransactionType,
			"confirmation": string(o.ConfirmationStatus),
			"execution":    string(o.ExecutionStatus),
			"filled":       fmt.Sprintf("%d/%d", o.ExecutedQuantity, o.Quantity),
		},
	})
	if err != nil {
		slog.Warn("alert delivery failed", "order_id", o.OrderID, "error", err)
	}
}

// ResolveManualReview clears the review flag after a human reconciled the
// order. The confirmation status is left as it is.
func (m *Monitor) ResolveManualReview(ctx context.Context, orderID, note string) (*model.OrderState, error) {
	for attempt := 0; attempt < 3; attempt++ {
		o, err := m.orders.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !o.NeedsManualReview {
			return o, fmt.Errorf("order %s: %w", orderID, ErrNotFlagged)
		}

		now := m.clock.Now()
		reason := o.ManualReviewReason
		o.NeedsManualReview = false
		o.ManualReviewReason = ""
		o.PartialSince = nil
		o.UpdatedAt = now
		entry := model.StatusEntry{
			Status:    historyResolved,
			Timestamp: now,
			Details:   fmt.Sprintf("resolved %q: %s", reason, note),
		}
		err = m.orders.UpdateOrder(ctx, o, entry)
		if errors.Is(err, model.ErrStaleRecord) {
			continue
		}
		if err != nil {
			return nil, err
		}

		m.Events.Publish(events.Event{
			Kind: events.OrderReviewResolved, Time: now, UserID: o.UserID, OrderID: o.OrderID,
			Status: string(o.ConfirmationStatus), Details: note,
		})
		slog.Info("manual review resolved", "order_id", orderID, "reason", reason, "note", note)
		return o, nil
	}
	return nil, fmt.Errorf("order %s: %w", orderID, model.ErrStaleRecord)
}

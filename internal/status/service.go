// Package status is the read and administrative facade over the scheduler,
// the confirmation monitor and their stores. Answers about records come from
// the store, so they hold across restarts; only SchedulerStatus and
// MonitorStatus describe this process.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading-squareoff/internal/clock"
	"trading-squareoff/internal/confirm"
	"trading-squareoff/internal/markethours"
	"trading-squareoff/internal/metrics"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/scheduler"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Service aggregates scheduler and monitor state for the admin surface.
type Service struct {
	exits  model.ExitStore
	orders model.OrderStore
	sched  *scheduler.Scheduler
	mon    *confirm.Monitor
	clock  clock.Clock

	// Health, if set, follows monitor start/stop.
	Health *metrics.HealthStatus
}

// New creates the facade.
func New(exits model.ExitStore, orders model.OrderStore, sched *scheduler.Scheduler, mon *confirm.Monitor, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{exits: exits, orders: orders, sched: sched, mon: mon, clock: clk}
}

// Page is one page of a filtered listing.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// SchedulerStatus reports initialization and the armed timers.
func (s *Service) SchedulerStatus() scheduler.Status {
	return s.sched.Status()
}

// Market describes the NSE session around now.
type Market struct {
	Now        time.Time `json:"now"`
	TradingDay bool      `json:"trading_day"`
	Open       bool      `json:"open"`
	NextOpen   time.Time `json:"next_open"`
	Closed     string    `json:"closed,omitempty"` // why today is not a trading day
	Summary    string    `json:"summary"`
}

// Market reports whether the exchange is trading, for operators deciding
// whether a pending exit can still fill today.
func (s *Service) Market() Market {
	now := s.clock.Now().In(markethours.IST)
	return Market{
		Now:        now,
		TradingDay: markethours.IsTradingDay(now),
		Open:       markethours.IsMarketOpen(now),
		NextOpen:   markethours.NextOpen(now),
		Closed:     markethours.ClosedReason(now),
		Summary:    markethours.StatusString(now),
	}
}

// ListExits returns exits matching f, newest first.
func (s *Service) ListExits(ctx context.Context, f model.ExitFilter) (Page[model.ScheduledExit], error) {
	f.Limit, f.Offset = clampPage(f.Limit, f.Offset)
	if !f.Date.IsZero() {
		f.Date = markethours.TradingDate(f.Date)
	}
	items, total, err := s.exits.ListExits(ctx, f)
	if err != nil {
		return Page[model.ScheduledExit]{}, err
	}
	if items == nil {
		items = []model.ScheduledExit{}
	}
	return Page[model.ScheduledExit]{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// GetExit loads one exit with its audit log.
func (s *Service) GetExit(ctx context.Context, id int64) (*model.ScheduledExit, error) {
	return s.exits.GetExit(ctx, id)
}

// ExitOutlook answers whether a position's automatic exit is going to
// happen, and when.
type ExitOutlook struct {
	PositionID  string                `json:"position_id"`
	Scheduled   bool                  `json:"scheduled"`
	ExitID      int64                 `json:"exit_id,omitempty"`
	Status      model.ExitStatus      `json:"status,omitempty"`
	WillExecute bool                  `json:"will_execute"`
	ExitAt      *time.Time            `json:"exit_at,omitempty"`
	Overdue     bool                  `json:"overdue"`
	Attempts    int                   `json:"attempts"`
	LastError   string                `json:"last_error,omitempty"`
	ExecutedAt  *time.Time            `json:"executed_at,omitempty"`
	Method      model.ExecutionMethod `json:"method,omitempty"`
	Summary     string                `json:"summary"`
}

// ExitOutlook reads the latest exit of positionID from the store.
func (s *Service) ExitOutlook(ctx context.Context, positionID string) (ExitOutlook, error) {
	out := ExitOutlook{PositionID: positionID}
	latest, _, err := s.exits.ListExits(ctx, model.ExitFilter{PositionID: positionID, Limit: 1})
	if err != nil {
		return out, err
	}
	if len(latest) == 0 {
		out.Summary = "no exit scheduled"
		return out, nil
	}
	e := latest[0]
	out.Scheduled = true
	out.ExitID = e.ID
	out.Status = e.Status
	out.Attempts = e.ExecutionAttempts
	out.LastError = e.LastExecutionError
	out.ExecutedAt = e.ExecutedAt
	out.Method = e.ExecutionMethod

	at, err := markethours.ExitInstant(e.ScheduledExitTime, e.ScheduledForDate)
	if err == nil {
		out.ExitAt = &at
	}
	now := s.clock.Now()

	switch e.Status {
	case model.ExitPending:
		out.WillExecute = true
		if out.ExitAt != nil && !now.Before(*out.ExitAt) {
			out.Overdue = true
			out.Summary = fmt.Sprintf("overdue since %s IST, runs on the next recovery or reschedule", at.Format("15:04"))
		} else {
			out.Summary = fmt.Sprintf("exits at %s IST on %s", e.ScheduledExitTime, e.ScheduledForDate.Format("2006-01-02"))
		}
	case model.ExitExecuting:
		out.WillExecute = true
		out.Overdue = out.ExitAt != nil && now.After(*out.ExitAt)
		out.Summary = fmt.Sprintf("executing, attempt %d", e.ExecutionAttempts)
	case model.ExitCompleted:
		out.Summary = "completed"
		if e.ExecutedAt != nil {
			out.Summary = "completed at " + e.ExecutedAt.In(markethours.IST).Format("15:04:05") + " IST"
		}
	case model.ExitFailed:
		out.Summary = "failed, needs manual square-off: " + e.LastExecutionError
	case model.ExitCancelled:
		out.Summary = "cancelled"
	}
	return out, nil
}

// ListOrders returns orders matching f, newest first.
func (s *Service) ListOrders(ctx context.Context, f model.OrderFilter) (Page[model.OrderState], error) {
	f.Limit, f.Offset = clampPage(f.Limit, f.Offset)
	if !f.Date.IsZero() {
		f.Date = markethours.TradingDate(f.Date)
	}
	items, total, err := s.orders.ListOrders(ctx, f)
	if err != nil {
		return Page[model.OrderState]{}, err
	}
	if items == nil {
		items = []model.OrderState{}
	}
	return Page[model.OrderState]{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// OrderView is an order with a verdict on whether its outcome is settled.
type OrderView struct {
	*model.OrderState
	FinalStateKnown bool `json:"final_state_known"`
}

// GetOrder loads one order with its status history.
func (s *Service) GetOrder(ctx context.Context, orderID string) (OrderView, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	known := o.ConfirmationStatus == model.ConfirmConfirmed && !o.NeedsManualReview
	return OrderView{OrderState: o, FinalStateKnown: known}, nil
}

// CancelExit cancels the active exit of a position.
func (s *Service) CancelExit(ctx context.Context, positionID, reason string) (*model.ScheduledExit, error) {
	return s.sched.CancelPositionExit(ctx, positionID, reason)
}

// EmergencyStop disarms and cancels every active exit.
func (s *Service) EmergencyStop(ctx context.Context, reason string) (scheduler.StopSummary, error) {
	return s.sched.EmergencyStop(ctx, reason)
}

// ResetExit returns a FAILED exit to PENDING.
func (s *Service) ResetExit(ctx context.Context, positionID string) (*model.ScheduledExit, error) {
	return s.sched.ResetExit(ctx, positionID)
}

// TriggerExit executes a position's exit now.
func (s *Service) TriggerExit(ctx context.Context, positionID string) (*model.ScheduledExit, error) {
	return s.sched.TriggerExit(ctx, positionID)
}

// ForceReschedule re-arms today's pending exits against the broker's view.
func (s *Service) ForceReschedule(ctx context.Context) (scheduler.RescheduleSummary, error) {
	return s.sched.ForceReschedule(ctx)
}

// ResolveManualReview clears an order's review flag.
func (s *Service) ResolveManualReview(ctx context.Context, orderID, note string) (*model.OrderState, error) {
	return s.mon.ResolveManualReview(ctx, orderID, note)
}

// StartMonitor starts confirmation polling. Starting a running monitor is
// a no-op.
func (s *Service) StartMonitor(ctx context.Context) (confirm.Status, error) {
	if err := s.mon.Start(ctx); err != nil {
		return s.mon.Status(), err
	}
	if s.Health != nil {
		s.Health.SetMonitorRunning(true)
	}
	return s.mon.Status(), nil
}

// StopMonitor stops polling after in-flight polls finish. Unconfirmed
// orders stay in the store and resume on the next start.
func (s *Service) StopMonitor() confirm.Status {
	s.mon.Stop()
	if s.Health != nil {
		s.Health.SetMonitorRunning(false)
	}
	return s.mon.Status()
}

// MonitorStatus reports whether polling runs and which orders are tracked.
func (s *Service) MonitorStatus() confirm.Status {
	return s.mon.Status()
}

// PurgeResult reports a housekeeping run.
type PurgeResult struct {
	Cutoff time.Time `json:"cutoff"`
	Exits  int64     `json:"exits"`
	Orders int64     `json:"orders"`
}

// ErrInvalidRetention is returned for a non-positive retention window.
var ErrInvalidRetention = errors.New("retention must be positive")

// Purge deletes terminal records last updated more than retention ago.
// Orders flagged for manual review are kept.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (PurgeResult, error) {
	return Purge(ctx, s.exits, s.orders, s.clock.Now(), retention)
}

// Purge is the housekeeping job without a running scheduler, used by the
// purge command.
func Purge(ctx context.Context, exits model.ExitStore, orders model.OrderStore, now time.Time, retention time.Duration) (PurgeResult, error) {
	if retention <= 0 {
		return PurgeResult{}, ErrInvalidRetention
	}
	res := PurgeResult{Cutoff: now.Add(-retention)}
	var err error
	if res.Exits, err = exits.PurgeExits(ctx, res.Cutoff); err != nil {
		return res, fmt.Errorf("purge exits: %w", err)
	}
	if res.Orders, err = orders.PurgeOrders(ctx, res.Cutoff); err != nil {
		return res, fmt.Errorf("purge orders: %w", err)
	}
	slog.Info("purged terminal records", "cutoff", res.Cutoff, "exits", res.Exits, "orders", res.Orders)
	return res, nil
}

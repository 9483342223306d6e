package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trading-squareoff/internal/events"
	"trading-squareoff/internal/markethours"
	"trading-squareoff/internal/model"
)

// SchedulePositionExit registers an exit for req.PositionID at req.ExitTime
// on today's IST date. If the position already has an active exit that
// record is returned unchanged. If the exit time has already passed the
// exit runs at once with IMMEDIATE_EXECUTION. Requests on weekends and NSE
// holidays are rejected.
func (s *Scheduler) SchedulePositionExit(ctx context.Context, req model.ExitRequest) (*model.ScheduledExit, error) {
	if s.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	req.PositionID = strings.TrimSpace(req.PositionID)
	if req.PositionID == "" || req.UserID == "" || req.Symbol == "" {
		return nil, fmt.Errorf("%w: position_id, user_id and symbol are required", ErrInvalidRequest)
	}
	if req.ExitTime == "" {
		req.ExitTime = s.cfg.DefaultExitTime
	}
	tod, err := markethours.ParseTimeOfDay(req.ExitTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if existing, err := s.store.GetActiveExit(ctx, req.PositionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	if closed := markethours.ClosedReason(now); closed != "" {
		return nil, fmt.Errorf("%w: %s is not a trading day (%s)", ErrInvalidRequest, now.In(markethours.IST).Format("2006-01-02"), closed)
	}
	fireAt := tod.On(now)
	e := &model.ScheduledExit{
		PositionID:        req.PositionID,
		UserID:            req.UserID,
		Symbol:            req.Symbol,
		Exchange:          req.Exchange,
		ProductType:       req.ProductType,
		ScheduledExitTime: tod.String(),
		ScheduledForDate:  markethours.TradingDate(now),
		Status:            model.ExitPending,
		ScheduledBy:       s.provenance(),
		AuditLog:          []model.AuditEntry{s.audit(model.AuditScheduled, "exit at "+tod.String()+" IST")},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.InsertExit(ctx, e); err != nil {
		if errors.Is(err, model.ErrDuplicateActiveSchedule) {
			// Lost a concurrent insert; the winner's record is the answer.
			return s.store.GetActiveExit(ctx, req.PositionID)
		}
		return nil, fmt.Errorf("schedule exit for %s: %w", req.PositionID, err)
	}

	s.Metrics.ExitScheduled()
	s.publish(events.ExitScheduled, e, "exit at "+e.ScheduledExitTime)

	method := model.MethodAutoTimeout
	if !fireAt.After(now) {
		method = model.MethodImmediateExecution
	}
	s.arm(e, fireAt, method)
	s.logger(ctx).Info("exit scheduled", "position_id", e.PositionID, "exit_id", e.ID,
		"user_id", e.UserID, "symbol", e.Symbol, "fire_at", fireAt, "method", method)
	return e, nil
}

// CancelPositionExit cancels the active exit for positionID. It fails with
// model.ErrTransitionRejected while an execution attempt holds the record.
func (s *Scheduler) CancelPositionExit(ctx context.Context, positionID, reason string) (*model.ScheduledExit, error) {
	e, err := s.store.GetActiveExit(ctx, positionID)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, e, reason)
}

func (s *Scheduler) cancel(ctx context.Context, e *model.ScheduledExit, reason string) (*model.ScheduledExit, error) {
	if reason == "" {
		reason = "cancelled"
	}
	cancelled, err := s.transition(ctx, model.ExitTransition{
		ID:          e.ID,
		From:        []model.ExitStatus{model.ExitPending, model.ExitExecuting},
		RequireIdle: true,
		To:          model.ExitCancelled,
		Audit:       s.audit(model.AuditCancelled, reason),
	})
	if err != nil {
		return nil, fmt.Errorf("cancel exit for %s: %w", e.PositionID, err)
	}
	s.disarm(e.PositionID, e.ID)
	s.publish(events.ExitCancelled, cancelled, reason)
	s.logger(ctx).Info("exit cancelled", "position_id", e.PositionID, "exit_id", e.ID, "reason", reason)
	return cancelled, nil
}

// StopSummary reports the outcome of an emergency stop.
type StopSummary struct {
	Disarmed  int               `json:"disarmed"`
	Cancelled []string          `json:"cancelled"`
	Deferred  []string          `json:"deferred"` // attempt in flight; cancelled unless it succeeds
	Failed    map[string]string `json:"failed"`
}

// EmergencyStop disarms every timer and cancels every active exit. It
// keeps going past individual failures.
func (s *Scheduler) EmergencyStop(ctx context.Context, reason string) (StopSummary, error) {
	if reason == "" {
		reason = "emergency stop"
	}
	sum := StopSummary{Failed: make(map[string]string)}

	s.mu.Lock()
	s.stops++
	s.stopReason = reason
	for pos, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, pos)
		sum.Disarmed++
	}
	s.Metrics.SetArmedTimers(0)
	s.mu.Unlock()

	active, err := s.store.ListActiveExits(ctx, time.Time{})
	if err != nil {
		return sum, fmt.Errorf("emergency stop: %w", err)
	}
	for i := range active {
		e := &active[i]
		if _, err := s.cancel(ctx, e, reason); err != nil {
			if errors.Is(err, model.ErrTransitionRejected) {
				s.mu.Lock()
				s.halted[e.ID] = reason
				s.mu.Unlock()
				sum.Deferred = append(sum.Deferred, e.PositionID)
				continue
			}
			sum.Failed[e.PositionID] = err.Error()
			continue
		}
		sum.Cancelled = append(sum.Cancelled, e.PositionID)
	}

	s.logger(ctx).Warn("emergency stop", "reason", reason, "disarmed", sum.Disarmed,
		"cancelled", len(sum.Cancelled), "deferred", len(sum.Deferred), "failed", len(sum.Failed))
	return sum, nil
}

// ResetExit moves the latest FAILED (or idle EXECUTING) exit of a position
// back to PENDING with a fresh attempt budget and re-arms it. An overdue
// exit runs at once with MANUAL_TRIGGER. Exits of an earlier trading day
// cannot be reset.
func (s *Scheduler) ResetExit(ctx context.Context, positionID string) (*model.ScheduledExit, error) {
	if s.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	latest, _, err := s.store.ListExits(ctx, model.ExitFilter{PositionID: positionID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, fmt.Errorf("exit for %s: %w", positionID, model.ErrNotFound)
	}
	e := &latest[0]
	prev := e.Status
	if today := markethours.TradingDate(s.clock.Now()); e.ScheduledForDate.Before(today) {
		return nil, fmt.Errorf("reset exit for %s: scheduled for %s, an earlier trading day: %w",
			positionID, e.ScheduledForDate.Format("2006-01-02"), model.ErrTransitionRejected)
	}

	reset, err := s.transition(ctx, model.ExitTransition{
		ID:          e.ID,
		From:        []model.ExitStatus{model.ExitFailed, model.ExitExecuting},
		RequireIdle: true,
		To:          model.ExitPending,
		Audit:       s.audit(model.AuditReset, fmt.Sprintf("reset from %s after %d attempts", prev, e.ExecutionAttempts)),
		Apply: func(e *model.ScheduledExit) {
			e.ExecutionAttempts = 0
			e.LastExecutionError = ""
			e.ScheduledBy = s.provenance()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reset exit for %s: %w", positionID, err)
	}
	s.disarm(positionID, reset.ID)
	s.publish(events.ExitReset, reset, "reset from "+string(prev))

	fireAt, err := markethours.ExitInstant(reset.ScheduledExitTime, reset.ScheduledForDate)
	if err != nil {
		return reset, err
	}
	method := model.MethodAutoTimeout
	if !fireAt.After(s.clock.Now()) {
		method = model.MethodManualTrigger
	}
	s.arm(reset, fireAt, method)
	s.logger(ctx).Info("exit reset", "position_id", positionID, "exit_id", reset.ID, "from", prev, "method", method)
	return reset, nil
}

// TriggerExit executes the active exit of a position now with
// MANUAL_TRIGGER and returns the record after the attempt.
func (s *Scheduler) TriggerExit(ctx context.Context, positionID string) (*model.ScheduledExit, error) {
	e, err := s.store.GetActiveExit(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !s.begin() {
		return nil, ErrShuttingDown
	}
	defer s.wg.Done()
	s.disarm(positionID, e.ID)
	return s.execute(ctx, e.ID, model.MethodManualTrigger, false)
}

// RescheduleSummary reports the outcome of ForceReschedule.
type RescheduleSummary struct {
	Rearmed   []string          `json:"rearmed"`
	Cancelled []string          `json:"cancelled"` // position already closed at the broker
	Failed    map[string]string `json:"failed"`
}

// ForceReschedule re-arms every PENDING exit of today whose position is
// still open at the broker and cancels those whose position is closed.
func (s *Scheduler) ForceReschedule(ctx context.Context) (RescheduleSummary, error) {
	if s.isShuttingDown() {
		return RescheduleSummary{}, ErrShuttingDown
	}
	sum := RescheduleSummary{Failed: make(map[string]string)}
	active, err := s.store.ListActiveExits(ctx, markethours.TradingDate(s.clock.Now()))
	if err != nil {
		return sum, fmt.Errorf("force reschedule: %w", err)
	}

	for i := range active {
		e := &active[i]
		if e.Status != model.ExitPending {
			continue
		}
		open, err := s.exec.PositionOpen(ctx, e)
		if err != nil {
			sum.Failed[e.PositionID] = err.Error()
			continue
		}
		if !open {
			if _, err := s.cancel(ctx, e, "position closed"); err != nil {
				sum.Failed[e.PositionID] = err.Error()
				continue
			}
			sum.Cancelled = append(sum.Cancelled, e.PositionID)
			continue
		}

		updated, err := s.store.AppendExitAudit(ctx, e.ID,
			s.audit(model.AuditForceRescheduled, fmt.Sprintf("re-armed, was %s/%s", e.ScheduledBy.ProcessID, e.ScheduledBy.SchedulerVersion)),
			func(e *model.ScheduledExit) { e.ScheduledBy = s.provenance() })
		if err != nil {
			sum.Failed[e.PositionID] = err.Error()
			continue
		}
		fireAt, err := markethours.ExitInstant(updated.ScheduledExitTime, updated.ScheduledForDate)
		if err != nil {
			sum.Failed[e.PositionID] = err.Error()
			continue
		}
		method := model.MethodAutoTimeout
		if !fireAt.After(s.clock.Now()) {
			method = model.MethodManualTrigger
		}
		s.arm(updated, fireAt, method)
		s.publish(events.ExitRescheduled, updated, string(method))
		sum.Rearmed = append(sum.Rearmed, e.PositionID)
	}

	s.logger(ctx).Info("force reschedule", "rearmed", len(sum.Rearmed),
		"cancelled", len(sum.Cancelled), "failed", len(sum.Failed))
	return sum, nil
}

// begin registers an attempt with the shutdown wait group.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/events"
	"trading-squareoff/internal/logger"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/notification"
)

const completeRetries = 3

func (s *Scheduler) logger(ctx context.Context) *slog.Logger {
	return slog.With(logger.LogWithTrace(ctx)...)
}

// execute runs one attempt for exitID. The claim is a conditional store
// transition: PENDING or idle EXECUTING becomes EXECUTING with the in-flight
// flag set, so a concurrent cancel or second attempt is rejected. takeover
// also claims records whose in-flight flag was left by a dead process.
func (s *Scheduler) execute(ctx context.Context, exitID int64, method model.ExecutionMethod, takeover bool) (*model.ScheduledExit, error) {
	ctx = logger.WithTraceID(ctx, logger.NewTraceID("exit"))
	log := s.logger(ctx).With("exit_id", exitID, "method", method)
	now := s.clock.Now()

	claimed, err := s.transition(ctx, model.ExitTransition{
		ID:          exitID,
		From:        []model.ExitStatus{model.ExitPending, model.ExitExecuting},
		RequireIdle: !takeover,
		To:          model.ExitExecuting,
		InFlight:    true,
		Audit:       s.audit(model.AuditExecutionStarted, string(method)),
		Apply: func(e *model.ScheduledExit) {
			e.ExecutionAttempts++
			e.LastExecutionAttempt = &now
			e.ExecutionMethod = method
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrTransitionRejected) || errors.Is(err, model.ErrNotFound) {
			log.Info("exit attempt skipped", "reason", err)
			return nil, err
		}
		log.Error("claim exit failed", "error", err)
		s.rearmAfterStoreError(ctx, exitID, method)
		return nil, err
	}
	log = log.With("position_id", claimed.PositionID, "attempt", claimed.ExecutionAttempts)
	s.publish(events.ExitExecuting, claimed, string(method))
	log.Info("exit attempt started", "symbol", claimed.Symbol, "user_id", claimed.UserID)

	start := time.Now()
	res, execErr := s.exec.Exit(ctx, claimed)
	took := time.Since(start)

	if execErr == nil || res.OrderID != "" {
		s.Metrics.ExitAttempt("success", took)
		return s.complete(ctx, log, claimed, res, execErr)
	}
	s.Metrics.ExitAttempt("failure", took)
	return s.fail(ctx, log, claimed, execErr)
}

// rearmAfterStoreError keeps an exit alive when the store rejected the
// claim for a reason other than its status.
func (s *Scheduler) rearmAfterStoreError(ctx context.Context, exitID int64, method model.ExecutionMethod) {
	e, err := s.store.GetExit(ctx, exitID)
	if err != nil || !e.Status.Active() {
		return
	}
	s.arm(e, s.clock.Now().Add(s.cfg.RetryDelay), method)
}

func (s *Scheduler) complete(ctx context.Context, log *slog.Logger, e *model.ScheduledExit, res model.ExitResult, execErr error) (*model.ScheduledExit, error) {
	now := s.clock.Now()
	details, _ := json.Marshal(res)
	msg := "already_flat"
	if !res.AlreadyFlat {
		msg = fmt.Sprintf("%s %d order %s", res.TransactionType, res.Quantity, res.OrderID)
	}
	if execErr != nil {
		msg += " (" + execErr.Error() + ")"
	}

	var (
		done *model.ScheduledExit
		err  error
	)
	for i := 0; i < completeRetries; i++ {
		done, err = s.transition(ctx, model.ExitTransition{
			ID:    e.ID,
			From:  []model.ExitStatus{model.ExitExecuting},
			To:    model.ExitCompleted,
			Audit: s.audit(model.AuditCompleted, msg),
			Apply: func(e *model.ScheduledExit) {
				e.ExecutedAt = &now
				e.ExecutionDetails = details
				e.LastExecutionError = ""
			},
		})
		if err == nil || errors.Is(err, model.ErrTransitionRejected) {
			break
		}
	}

	s.mu.Lock()
	delete(s.halted, e.ID)
	s.mu.Unlock()

	if err != nil {
		// The order exists. Recovery finds the record EXECUTING and, with
		// the position flat, completes it as already_flat.
		log.Error("exit executed but not recorded", "order_id", res.OrderID, "error", err)
		s.alert(ctx, notification.AlertCritical, "Square-off executed but not recorded",
			fmt.Sprintf("order %s placed, store update failed: %v", res.OrderID, err), e)
		return nil, err
	}

	s.publish(events.ExitCompleted, done, msg)
	log.Info("exit completed", "order_id", res.OrderID, "already_flat", res.AlreadyFlat)
	if execErr != nil {
		s.alert(ctx, notification.AlertWarning, "Square-off order needs review", msg, done)
	}
	return done, nil
}

func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, e *model.ScheduledExit, execErr error) (*model.ScheduledExit, error) {
	attempt := e.ExecutionAttempts
	retryable := broker.IsRetryable(execErr)
	final := !retryable || attempt >= s.cfg.MaxAttempts
	detail := fmt.Sprintf("attempt %d/%d: %v", attempt, s.cfg.MaxAttempts, execErr)

	s.mu.Lock()
	haltReason, halted := s.halted[e.ID]
	delete(s.halted, e.ID)
	stops := s.stops
	s.mu.Unlock()

	setErr := func(e *model.ScheduledExit) { e.LastExecutionError = execErr.Error() }

	switch {
	case halted && !final:
		cancelled, err := s.transition(ctx, model.ExitTransition{
			ID: e.ID, From: []model.ExitStatus{model.ExitExecuting}, To: model.ExitCancelled,
			Audit: s.audit(model.AuditCancelled, haltReason+" after "+detail),
			Apply: setErr,
		})
		if err != nil {
			log.Error("cancel after failed attempt not recorded", "error", err)
			return nil, err
		}
		s.publish(events.ExitCancelled, cancelled, haltReason)
		log.Warn("exit cancelled after failed attempt", "reason", haltReason, "error", execErr)
		return cancelled, execErr

	case final:
		if !retryable {
			detail = "non-retryable " + detail
		}
		failed, err := s.transition(ctx, model.ExitTransition{
			ID: e.ID, From: []model.ExitStatus{model.ExitExecuting}, To: model.ExitFailed,
			Audit: s.audit(model.AuditFailed, detail),
			Apply: setErr,
		})
		if err != nil {
			log.Error("exit failure not recorded", "error", err)
			return nil, err
		}
		s.publish(events.ExitFailed, failed, detail)
		log.Error("exit failed, position needs manual square-off", "error", execErr, "retryable", retryable)
		s.alert(ctx, notification.AlertCritical, "Auto square-off failed", detail, failed)
		return failed, execErr

	default:
		retryAt := s.clock.Now().Add(s.cfg.RetryDelay)
		idle, err := s.transition(ctx, model.ExitTransition{
			ID: e.ID, From: []model.ExitStatus{model.ExitExecuting}, To: model.ExitExecuting,
			Audit: s.audit(model.AuditExecutionFailed, detail),
			Apply: setErr,
		})
		if err != nil {
			log.Error("failed attempt not recorded", "error", err)
			return nil, err
		}

		// An emergency stop that started after the halt check above must
		// not find a retry timer behind it.
		s.mu.Lock()
		reason, haltedNow := s.halted[e.ID]
		delete(s.halted, e.ID)
		stopped := haltedNow || s.stops != stops
		if !haltedNow {
			reason = s.stopReason
		}
		if !stopped {
			s.armLocked(idle, retryAt, e.ExecutionMethod)
		}
		s.mu.Unlock()
		if stopped {
			return s.cancelStopped(ctx, log, idle, reason, detail, execErr)
		}
		if updated, err := s.store.AppendExitAudit(ctx, e.ID,
			s.audit(model.AuditRetryScheduled, "retry at "+retryAt.Format("15:04:05")), nil); err == nil {
			idle = updated
		}
		s.publish(events.ExitRetry, idle, detail)
		log.Warn("exit attempt failed, retrying", "error", execErr, "retry_at", retryAt)
		return idle, execErr
	}
}

// cancelStopped cancels an idle exit whose failed attempt overlapped an
// emergency stop. The stop may already have cancelled it.
func (s *Scheduler) cancelStopped(ctx context.Context, log *slog.Logger, e *model.ScheduledExit, reason, detail string, execErr error) (*model.ScheduledExit, error) {
	cancelled, err := s.cancel(ctx, e, reason+" after "+detail)
	if err != nil {
		if !errors.Is(err, model.ErrTransitionRejected) {
			log.Error("cancel after failed attempt not recorded", "error", err)
			return nil, err
		}
		if cancelled, err = s.store.GetExit(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	log.Warn("exit stopped after failed attempt", "reason", reason, "status", cancelled.Status, "error", execErr)
	return cancelled, execErr
}

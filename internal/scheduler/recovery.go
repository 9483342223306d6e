package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading-squareoff/internal/markethours"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/notification"
)

// RecoverySummary reports what Initialize did with the stored exits.
type RecoverySummary struct {
	Rearmed  int `json:"rearmed"`
	Executed int `json:"executed"`
	Adopted  int `json:"adopted"`
	Expired  int `json:"expired"`
}

// Initialize reconciles the store with this process: today's active exits
// are re-armed, or executed at once with RESTART_RECOVERY when their time
// has passed. Exits left active from an earlier trading day are failed.
// It returns once every overdue exit has had its attempt. Concurrent calls
// wait for the first one.
func (s *Scheduler) Initialize(ctx context.Context) (RecoverySummary, error) {
	var sum RecoverySummary

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return sum, nil
	}
	if running := s.initDone; running != nil {
		// Another caller is recovering; a second pass would take over its
		// in-flight claims.
		s.mu.Unlock()
		select {
		case <-running:
			return sum, nil
		case <-ctx.Done():
			return sum, ctx.Err()
		}
	}
	done := make(chan struct{})
	s.initDone = done
	s.shuttingDown = false
	s.baseCtx = context.WithoutCancel(ctx)
	base := s.baseCtx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.initDone = nil
		s.mu.Unlock()
		close(done)
	}()

	now := s.clock.Now()
	today := markethours.TradingDate(now)
	active, err := s.store.ListActiveExits(ctx, time.Time{})
	if err != nil {
		return sum, fmt.Errorf("scheduler recovery: %w", err)
	}

	var overdue []*model.ScheduledExit
	for i := range active {
		e := &active[i]
		if e.ScheduledForDate.Before(today) {
			s.expire(ctx, e)
			sum.Expired++
			continue
		}
		if e.ScheduledBy.ProcessID != s.cfg.ProcessID || e.ScheduledBy.SchedulerVersion != s.cfg.Version {
			if adopted, err := s.adopt(ctx, e); err == nil {
				e = adopted
				sum.Adopted++
			} else {
				s.logger(ctx).Warn("adopt exit failed", "exit_id", e.ID, "error", err)
			}
		}

		fireAt, err := markethours.ExitInstant(e.ScheduledExitTime, e.ScheduledForDate)
		if err != nil {
			s.logger(ctx).Error("stored exit has invalid time", "exit_id", e.ID, "exit_time", e.ScheduledExitTime)
			overdue = append(overdue, e)
			continue
		}
		if e.Status == model.ExitPending && fireAt.After(now) {
			s.arm(e, fireAt, model.MethodAutoTimeout)
			s.Metrics.Recovered("rearmed")
			sum.Rearmed++
			continue
		}
		overdue = append(overdue, e)
	}

	var wg sync.WaitGroup
	for _, e := range overdue {
		if !s.begin() {
			break
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer s.wg.Done()
			s.execute(base, id, model.MethodRestartRecovery, true)
		}(e.ID)
		s.Metrics.Recovered("executed")
		sum.Executed++
	}
	wg.Wait()

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.logger(ctx).Info("scheduler initialized", "process_id", s.cfg.ProcessID, "version", s.cfg.Version,
		"rearmed", sum.Rearmed, "executed", sum.Executed, "adopted", sum.Adopted, "expired", sum.Expired)
	return sum, nil
}

func (s *Scheduler) adopt(ctx context.Context, e *model.ScheduledExit) (*model.ScheduledExit, error) {
	from := e.ScheduledBy
	adopted, err := s.store.AppendExitAudit(ctx, e.ID,
		s.audit(model.AuditAdopted, fmt.Sprintf("from %s/%s", from.ProcessID, from.SchedulerVersion)),
		func(e *model.ScheduledExit) { e.ScheduledBy = s.provenance() })
	if err != nil {
		return nil, err
	}
	s.Metrics.Recovered("adopted")
	return adopted, nil
}

// expire fails an exit whose trading day ended without an execution.
func (s *Scheduler) expire(ctx context.Context, e *model.ScheduledExit) {
	detail := fmt.Sprintf("trading day %s ended before exit executed", e.ScheduledForDate.Format("2006-01-02"))
	failed, err := s.transition(ctx, model.ExitTransition{
		ID:    e.ID,
		From:  []model.ExitStatus{model.ExitPending, model.ExitExecuting},
		To:    model.ExitFailed,
		Audit: s.audit(model.AuditFailed, detail),
		Apply: func(e *model.ScheduledExit) { e.LastExecutionError = detail },
	})
	if err != nil {
		s.logger(ctx).Error("expire stale exit failed", "exit_id", e.ID, "error", err)
		return
	}
	s.Metrics.Recovered("expired")
	s.logger(ctx).Warn("stale exit expired", "exit_id", e.ID, "position_id", e.PositionID)
	s.alert(ctx, notification.AlertCritical, "Scheduled exit expired", detail, failed)
}

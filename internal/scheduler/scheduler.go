// Package scheduler squares off intraday positions at a wall-clock time.
//
// Each active exit has a durable ScheduledExit record and, in this process,
// at most one armed timer. The record is the source of truth: timers are
// rebuilt from the store on Initialize, and every state change is a
// conditional transition in the store, so a cancel racing a firing timer
// resolves to exactly one outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-squareoff/internal/clock"
	"trading-squareoff/internal/events"
	"trading-squareoff/internal/metrics"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/notification"
)

var (
	// ErrInvalidRequest is returned for malformed exit requests.
	ErrInvalidRequest = errors.New("invalid exit request")

	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("scheduler shutting down")
)

// Executor closes the position behind an exit.
type Executor interface {
	// Exit flattens the position. A non-empty OrderID in the result means
	// an order reached the broker, even when an error is also returned.
	Exit(ctx context.Context, e *model.ScheduledExit) (model.ExitResult, error)

	// PositionOpen reports whether the broker still shows open quantity.
	PositionOpen(ctx context.Context, e *model.ScheduledExit) (bool, error)
}

// Config holds scheduler settings.
type Config struct {
	DefaultExitTime string        // "HH:MM" IST
	MaxAttempts     int           // attempts before an exit is FAILED
	RetryDelay      time.Duration // delay between attempts
	Version         string        // recorded in provenance
	ProcessID       string        // empty generates one
}

// ArmedTimer is one in-memory timer.
type ArmedTimer struct {
	PositionID string                `json:"position_id"`
	ExitID     int64                 `json:"exit_id"`
	FireAt     time.Time             `json:"fire_at"`
	Method     model.ExecutionMethod `json:"method"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	Initialized bool         `json:"initialized"`
	ProcessID   string       `json:"process_id"`
	Version     string       `json:"version"`
	ArmedCount  int          `json:"armed_count"`
	Armed       []ArmedTimer `json:"armed"`
}

type armed struct {
	ArmedTimer
	timer clock.Timer
}

// Scheduler owns exit timers for one process.
type Scheduler struct {
	cfg   Config
	store model.ExitStore
	exec  Executor
	clock clock.Clock

	// Optional collaborators.
	Notifier notification.Notifier
	Events   events.Publisher
	Metrics  *metrics.Metrics

	mu           sync.Mutex
	baseCtx      context.Context
	initialized  bool
	shuttingDown bool
	timers       map[string]*armed // by position id
	halted       map[int64]string  // exits an emergency stop could not cancel mid-attempt
	stops        uint64            // emergency stops so far
	stopReason   string            // reason of the latest emergency stop
	initDone     chan struct{}     // closed when a running Initialize returns
	wg           sync.WaitGroup
}

// New creates a scheduler. Call Initialize before use.
func New(cfg Config, store model.ExitStore, exec Executor, clk clock.Clock) *Scheduler {
	if cfg.DefaultExitTime == "" {
		cfg.DefaultExitTime = "15:15"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "v2"
	}
	if cfg.ProcessID == "" {
		cfg.ProcessID = newProcessID()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		clock:    clk,
		Notifier: notification.NewLogNotifier(),
		Events:   events.Discard,
		baseCtx:  context.Background(),
		timers:   make(map[string]*armed),
		halted:   make(map[int64]string),
	}
}

func newProcessID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "squareoffd"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// ProcessID identifies this scheduler in provenance and audit entries.
func (s *Scheduler) ProcessID() string { return s.cfg.ProcessID }

// Initialized reports whether restart recovery has completed.
func (s *Scheduler) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Status returns the initialization flag and armed timers, soonest first.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Initialized: s.initialized,
		ProcessID:   s.cfg.ProcessID,
		Version:     s.cfg.Version,
		ArmedCount:  len(s.timers),
		Armed:       make([]ArmedTimer, 0, len(s.timers)),
	}
	for _, a := range s.timers {
		st.Armed = append(st.Armed, a.ArmedTimer)
	}
	sort.Slice(st.Armed, func(i, j int) bool {
		if st.Armed[i].FireAt.Equal(st.Armed[j].FireAt) {
			return st.Armed[i].PositionID < st.Armed[j].PositionID
		}
		return st.Armed[i].FireAt.Before(st.Armed[j].FireAt)
	})
	return st
}

// Shutdown disarms every timer and waits for running attempts, or for ctx.
// Records stay as they are for the next process to recover.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.initialized = false
	for pos, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, pos)
	}
	s.Metrics.SetArmedTimers(0)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// arm replaces any timer for the exit's position with one firing at at.
func (s *Scheduler) arm(e *model.ScheduledExit, at time.Time, method model.ExecutionMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(e, at, method)
}

func (s *Scheduler) armLocked(e *model.ScheduledExit, at time.Time, method model.ExecutionMethod) {
	if s.shuttingDown {
		return
	}
	if old, ok := s.timers[e.PositionID]; ok {
		old.timer.Stop()
	}
	d := at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	a := &armed{ArmedTimer: ArmedTimer{PositionID: e.PositionID, ExitID: e.ID, FireAt: at, Method: method}}
	a.timer = s.clock.AfterFunc(d, func() { s.fire(a) })
	s.timers[e.PositionID] = a
	s.Metrics.SetArmedTimers(len(s.timers))
}

// disarm stops the timer for positionID if it belongs to exitID (0 = any).
func (s *Scheduler) disarm(positionID string, exitID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[positionID]
	if !ok || (exitID != 0 && a.ExitID != exitID) {
		return false
	}
	a.timer.Stop()
	delete(s.timers, positionID)
	s.Metrics.SetArmedTimers(len(s.timers))
	return true
}

func (s *Scheduler) fire(a *armed) {
	s.mu.Lock()
	if s.shuttingDown || s.timers[a.PositionID] != a {
		s.mu.Unlock()
		return
	}
	delete(s.timers, a.PositionID)
	s.Metrics.SetArmedTimers(len(s.timers))
	s.wg.Add(1)
	ctx := s.baseCtx
	s.mu.Unlock()
	defer s.wg.Done()

	s.execute(ctx, a.ExitID, a.Method, false)
}

func (s *Scheduler) audit(action, details string) model.AuditEntry {
	return model.AuditEntry{
		Timestamp: s.clock.Now(),
		Action:    action,
		Details:   details,
		ProcessID: s.cfg.ProcessID,
	}
}

func (s *Scheduler) provenance() model.Provenance {
	return model.Provenance{
		ProcessID:        s.cfg.ProcessID,
		SchedulerVersion: s.cfg.Version,
		ScheduledAt:      s.clock.Now(),
	}
}

// transition applies t and records metrics for the committed change.
func (s *Scheduler) transition(ctx context.Context, t model.ExitTransition) (*model.ScheduledExit, error) {
	start := time.Now()
	e, err := s.store.TransitionExit(ctx, t)
	if err != nil {
		return nil, err
	}
	s.Metrics.TransitionCommitted(time.Since(start))
	s.Metrics.ExitTransition(string(t.To))
	return e, nil
}

func (s *Scheduler) publish(kind events.Kind, e *model.ScheduledExit, details string) {
	s.Events.Publish(events.Event{
		Kind:       kind,
		Time:       s.clock.Now(),
		UserID:     e.UserID,
		PositionID: e.PositionID,
		ExitID:     e.ID,
		Status:     string(e.Status),
		Details:    details,
	})
}

func (s *Scheduler) alert(ctx context.Context, level notification.AlertLevel, title, msg string, e *model.ScheduledExit) {
	if s.Notifier == nil {
		return
	}
	err := s.Notifier.Send(ctx, notification.Alert{
		Level:   level,
		Title:   title,
		Message: msg,
		Fields: map[string]string{
			"position_id": e.PositionID,
			"user_id":     e.UserID,
			"symbol":      e.Symbol,
			"exit_time":   e.ScheduledExitTime,
			"attempts":    fmt.Sprint(e.ExecutionAttempts),
		},
	})
	if err != nil {
		s.logger(ctx).Warn("alert delivery failed", "position_id", e.PositionID, "error", err)
	}
}

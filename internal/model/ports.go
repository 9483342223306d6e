package model

import (
	"context"
	"errors"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the scheduler and confirmation monitor from the
// concrete durable store. The SQLite store satisfies both.

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateActiveSchedule is returned when inserting a second active
	// exit for a position (unique index violation).
	ErrDuplicateActiveSchedule = errors.New("duplicate active schedule for position")

	// ErrTransitionRejected is returned when a conditional transition finds
	// the record in a state it does not accept.
	ErrTransitionRejected = errors.New("status transition rejected")

	// ErrStaleRecord is returned when an optimistic update loses a race.
	ErrStaleRecord = errors.New("record was modified concurrently")
)

// ExitStore persists ScheduledExit records and their audit logs.
type ExitStore interface {
	// InsertExit stores a new exit and its first audit entry, filling ID.
	// Returns ErrDuplicateActiveSchedule if the position already has an
	// active exit.
	InsertExit(ctx context.Context, e *ScheduledExit) error

	// GetExit loads an exit with its audit log.
	GetExit(ctx context.Context, id int64) (*ScheduledExit, error)

	// GetActiveExit loads the PENDING/EXECUTING exit for a position.
	// Returns ErrNotFound if none is active.
	GetActiveExit(ctx context.Context, positionID string) (*ScheduledExit, error)

	// TransitionExit applies a conditional transition atomically and
	// returns the updated record.
	TransitionExit(ctx context.Context, t ExitTransition) (*ScheduledExit, error)

	// AppendExitAudit appends an audit entry without changing status.
	AppendExitAudit(ctx context.Context, id int64, entry AuditEntry, apply func(e *ScheduledExit)) (*ScheduledExit, error)

	// ListActiveExits returns PENDING/EXECUTING exits for a date (zero = all).
	ListActiveExits(ctx context.Context, date time.Time) ([]ScheduledExit, error)

	// ListExits returns exits matching f and the total match count.
	ListExits(ctx context.Context, f ExitFilter) ([]ScheduledExit, int, error)

	// PurgeExits deletes terminal exits last updated before cutoff.
	PurgeExits(ctx context.Context, cutoff time.Time) (int64, error)
}

// OrderStore persists OrderState records and their status histories.
type OrderStore interface {
	// InsertOrder stores a new order with its initial history.
	InsertOrder(ctx context.Context, o *OrderState) error

	// GetOrder loads an order with its status history.
	GetOrder(ctx context.Context, orderID string) (*OrderState, error)

	// UpdateOrder persists o if its stored version still equals o.Version,
	// appends entries to the history and bumps o.Version.
	// Returns ErrStaleRecord on a lost race.
	UpdateOrder(ctx context.Context, o *OrderState, entries ...StatusEntry) error

	// ListUnconfirmedOrders returns orders in PENDING/CONFIRMING.
	ListUnconfirmedOrders(ctx context.Context) ([]OrderState, error)

	// ListOrders returns orders matching f and the total match count.
	ListOrders(ctx context.Context, f OrderFilter) ([]OrderState, int, error)

	// PurgeOrders deletes terminal orders updated before cutoff, keeping
	// any order still flagged for manual review.
	PurgeOrders(ctx context.Context, cutoff time.Time) (int64, error)
}

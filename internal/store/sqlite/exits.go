package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trading-squareoff/internal/model"
)

const exitColumns = `id, position_id, user_id, symbol, exchange, product_type, scheduled_exit_time,
	scheduled_for_date, status, execution_attempts, last_execution_attempt, last_execution_error,
	in_flight, scheduled_by_process, scheduled_by_version, scheduled_at, executed_at,
	execution_method, execution_details, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExit(row rowScanner) (*model.ScheduledExit, error) {
	var (
		e                                    model.ScheduledExit
		status, method                       string
		forDate, createdAt, updatedAt        int64
		lastAttempt, scheduledAt, executedAt sql.NullInt64
		inFlight                             int
		details                              sql.NullString
	)
	err := row.Scan(&e.ID, &e.PositionID, &e.UserID, &e.Symbol, &e.Exchange, &e.ProductType,
		&e.ScheduledExitTime, &forDate, &status, &e.ExecutionAttempts, &lastAttempt,
		&e.LastExecutionError, &inFlight, &e.ScheduledBy.ProcessID, &e.ScheduledBy.SchedulerVersion,
		&scheduledAt, &executedAt, &method, &details, &e.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.ExitStatus(status)
	e.ExecutionMethod = model.ExecutionMethod(method)
	e.ScheduledForDate = fromNanos(forDate)
	e.LastExecutionAttempt = timePtr(lastAttempt)
	e.InFlight = inFlight != 0
	if scheduledAt.Valid {
		e.ScheduledBy.ScheduledAt = fromNanos(scheduledAt.Int64)
	}
	e.ExecutedAt = timePtr(executedAt)
	if details.Valid && details.String != "" {
		e.ExecutionDetails = []byte(details.String)
	}
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}

// InsertExit stores a new exit with its first audit entry.
func (s *Store) InsertExit(ctx context.Context, e *model.ScheduledExit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if e.Version == 0 {
		e.Version = 1
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO scheduled_exits (position_id, user_id, symbol, exchange, product_type,
			scheduled_exit_time, scheduled_for_date, status, execution_attempts, last_execution_attempt,
			last_execution_error, in_flight, scheduled_by_process, scheduled_by_version, scheduled_at,
			executed_at, execution_method, execution_details, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PositionID, e.UserID, e.Symbol, e.Exchange, e.ProductType,
		e.ScheduledExitTime, nanos(e.ScheduledForDate), string(e.Status), e.ExecutionAttempts,
		nullNanos(e.LastExecutionAttempt), e.LastExecutionError, boolInt(e.InFlight),
		e.ScheduledBy.ProcessID, e.ScheduledBy.SchedulerVersion, nullNanos(&e.ScheduledBy.ScheduledAt),
		nullNanos(e.ExecutedAt), string(e.ExecutionMethod), nullDetails(e.ExecutionDetails),
		e.Version, nanos(e.CreatedAt), nanos(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("position %s: %w", e.PositionID, model.ErrDuplicateActiveSchedule)
		}
		return fmt.Errorf("sqlite insert exit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	entries := e.AuditLog
	e.AuditLog = nil
	for _, entry := range entries {
		stored, err := appendAuditTx(ctx, tx, id, entry)
		if err != nil {
			return err
		}
		e.AuditLog = append(e.AuditLog, stored)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.ID = id
	return nil
}

// GetExit loads an exit with its audit log.
func (s *Store) GetExit(ctx context.Context, id int64) (*model.ScheduledExit, error) {
	e, err := scanExit(s.db.QueryRowContext(ctx, `SELECT `+exitColumns+` FROM scheduled_exits WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("exit %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite get exit: %w", err)
	}
	if e.AuditLog, err = s.loadAudit(ctx, s.db, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

// GetActiveExit loads the active exit for a position.
func (s *Store) GetActiveExit(ctx context.Context, positionID string) (*model.ScheduledExit, error) {
	e, err := scanExit(s.db.QueryRowContext(ctx, `SELECT `+exitColumns+` FROM scheduled_exits
		WHERE position_id = ? AND status IN ('PENDING', 'EXECUTING')`, positionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active exit for %s: %w", positionID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite get active exit: %w", err)
	}
	if e.AuditLog, err = s.loadAudit(ctx, s.db, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

// TransitionExit applies t inside one immediate transaction. The status
// check, the update and the audit append either all happen or none do.
func (s *Store) TransitionExit(ctx context.Context, t model.ExitTransition) (*model.ScheduledExit, error) {
	return s.mutateExit(ctx, t.ID, t.Audit, func(e *model.ScheduledExit) error {
		if !statusIn(e.Status, t.From) {
			return fmt.Errorf("exit %d is %s, want one of %v: %w", e.ID, e.Status, t.From, model.ErrTransitionRejected)
		}
		if t.RequireIdle && e.InFlight {
			return fmt.Errorf("exit %d has an attempt in flight: %w", e.ID, model.ErrTransitionRejected)
		}
		e.Status = t.To
		e.InFlight = t.InFlight
		if t.Apply != nil {
			t.Apply(e)
		}
		return nil
	})
}

// AppendExitAudit appends an audit entry, optionally mutating non-status
// fields alongside it.
func (s *Store) AppendExitAudit(ctx context.Context, id int64, entry model.AuditEntry, apply func(e *model.ScheduledExit)) (*model.ScheduledExit, error) {
	return s.mutateExit(ctx, id, entry, func(e *model.ScheduledExit) error {
		if apply != nil {
			apply(e)
		}
		return nil
	})
}

func (s *Store) mutateExit(ctx context.Context, id int64, entry model.AuditEntry, fn func(e *model.ScheduledExit) error) (*model.ScheduledExit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	e, err := scanExit(tx.QueryRowContext(ctx, `SELECT `+exitColumns+` FROM scheduled_exits WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("exit %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite load exit: %w", err)
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	if !entry.Timestamp.IsZero() {
		e.UpdatedAt = entry.Timestamp
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE scheduled_exits SET
			status = ?, execution_attempts = ?, last_execution_attempt = ?, last_execution_error = ?,
			in_flight = ?, scheduled_by_process = ?, scheduled_by_version = ?, scheduled_at = ?,
			executed_at = ?, execution_method = ?, execution_details = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(e.Status), e.ExecutionAttempts, nullNanos(e.LastExecutionAttempt), e.LastExecutionError,
		boolInt(e.InFlight), e.ScheduledBy.ProcessID, e.ScheduledBy.SchedulerVersion,
		nullNanos(&e.ScheduledBy.ScheduledAt), nullNanos(e.ExecutedAt), string(e.ExecutionMethod),
		nullDetails(e.ExecutionDetails), nanos(e.UpdatedAt), e.ID, e.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("position %s: %w", e.PositionID, model.ErrDuplicateActiveSchedule)
		}
		return nil, fmt.Errorf("sqlite update exit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("exit %d: %w", e.ID, model.ErrStaleRecord)
	}
	e.Version++

	if entry.Action != "" {
		if _, err := appendAuditTx(ctx, tx, e.ID, entry); err != nil {
			return nil, err
		}
	}
	if e.AuditLog, err = s.loadAudit(ctx, tx, e.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// ListActiveExits returns PENDING/EXECUTING exits, optionally for one date.
func (s *Store) ListActiveExits(ctx context.Context, date time.Time) ([]model.ScheduledExit, error) {
	q := `SELECT ` + exitColumns + ` FROM scheduled_exits WHERE status IN ('PENDING', 'EXECUTING')`
	var args []any
	if !date.IsZero() {
		q += ` AND scheduled_for_date = ?`
		args = append(args, nanos(date))
	}
	q += ` ORDER BY id ASC`
	return s.queryExits(ctx, q, args...)
}

// ListExits returns a filtered page of exits, newest first.
func (s *Store) ListExits(ctx context.Context, f model.ExitFilter) ([]model.ScheduledExit, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.PositionID != "" {
		where = append(where, "position_id = ?")
		args = append(args, f.PositionID)
	}
	if !f.Date.IsZero() {
		where = append(where, "scheduled_for_date = ?")
		args = append(args, nanos(f.Date))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_exits`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite count exits: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	page := append(append([]any{}, args...), limit, f.Offset)
	exits, err := s.queryExits(ctx, `SELECT `+exitColumns+` FROM scheduled_exits`+cond+` ORDER BY id DESC LIMIT ? OFFSET ?`, page...)
	if err != nil {
		return nil, 0, err
	}
	return exits, total, nil
}

// PurgeExits deletes terminal exits last updated before cutoff.
func (s *Store) PurgeExits(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	const terminal = `status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND updated_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM exit_audit_log WHERE exit_id IN
		(SELECT id FROM scheduled_exits WHERE `+terminal+`)`, nanos(cutoff)); err != nil {
		return 0, fmt.Errorf("sqlite purge exit audit: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_exits WHERE `+terminal, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite purge exits: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

func (s *Store) queryExits(ctx context.Context, q string, args ...any) ([]model.ScheduledExit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query exits: %w", err)
	}
	var exits []model.ScheduledExit
	for rows.Next() {
		e, err := scanExit(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan exit: %w", err)
		}
		exits = append(exits, *e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range exits {
		if exits[i].AuditLog, err = s.loadAudit(ctx, s.db, exits[i].ID); err != nil {
			return nil, err
		}
	}
	return exits, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) loadAudit(ctx context.Context, q querier, exitID int64) ([]model.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq, ts, action, details, process_id
		FROM exit_audit_log WHERE exit_id = ? ORDER BY seq ASC`, exitID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query audit: %w", err)
	}
	defer rows.Close()

	var log []model.AuditEntry
	for rows.Next() {
		var (
			a  model.AuditEntry
			ts int64
		)
		if err := rows.Scan(&a.Seq, &ts, &a.Action, &a.Details, &a.ProcessID); err != nil {
			return nil, fmt.Errorf("sqlite scan audit: %w", err)
		}
		a.Timestamp = fromNanos(ts)
		log = append(log, a)
	}
	return log, rows.Err()
}

// appendAuditTx appends entry after the current tail. Timestamps never go
// backwards relative to the previous entry.
func appendAuditTx(ctx context.Context, tx *sql.Tx, exitID int64, entry model.AuditEntry) (model.AuditEntry, error) {
	var (
		seq    int
		lastTS sql.NullInt64
	)
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0), MAX(ts) FROM exit_audit_log WHERE exit_id = ?`,
		exitID).Scan(&seq, &lastTS); err != nil {
		return entry, fmt.Errorf("sqlite audit tail: %w", err)
	}
	entry.Seq = seq + 1
	ts := nanos(entry.Timestamp)
	if lastTS.Valid && ts < lastTS.Int64 {
		ts = lastTS.Int64
		entry.Timestamp = fromNanos(ts)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO exit_audit_log (exit_id, seq, ts, action, details, process_id)
		VALUES (?, ?, ?, ?, ?, ?)`, exitID, entry.Seq, ts, entry.Action, entry.Details, entry.ProcessID); err != nil {
		return entry, fmt.Errorf("sqlite append audit: %w", err)
	}
	return entry, nil
}

func statusIn(s model.ExitStatus, set []model.ExitStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func nullDetails(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

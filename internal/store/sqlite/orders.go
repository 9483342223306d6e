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

const orderColumns = `order_id, trade_execution_id, user_id, symbol, exchange, order_type,
	transaction_type, product_type, quantity, price, placement_status, confirmation_status,
	execution_status, executed_quantity, executed_price, pending_quantity, confirmation_attempts,
	total_confirmation_ns, last_status_check, partial_since, error, status_message,
	needs_manual_review, manual_review_reason, version, created_at, updated_at`

func scanOrder(row rowScanner) (*model.OrderState, error) {
	var (
		o                             model.OrderState
		placement, confirmation, exec string
		totalNs, createdAt, updatedAt int64
		lastCheck, partialSince       sql.NullInt64
		review                        int
	)
	err := row.Scan(&o.OrderID, &o.TradeExecutionID, &o.UserID, &o.Symbol, &o.Exchange, &o.OrderType,
		&o.TransactionType, &o.ProductType, &o.Quantity, &o.Price, &placement, &confirmation,
		&exec, &o.ExecutedQuantity, &o.ExecutedPrice, &o.PendingQuantity, &o.ConfirmationAttempts,
		&totalNs, &lastCheck, &partialSince, &o.Error, &o.StatusMessage,
		&review, &o.ManualReviewReason, &o.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.PlacementStatus = model.PlacementStatus(placement)
	o.ConfirmationStatus = model.ConfirmationStatus(confirmation)
	o.ExecutionStatus = model.ExecutionStatus(exec)
	o.TotalConfirmationTime = time.Duration(totalNs)
	o.LastStatusCheck = timePtr(lastCheck)
	o.PartialSince = timePtr(partialSince)
	o.NeedsManualReview = review != 0
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	return &o, nil
}

// InsertOrder stores a new order and its initial status history.
func (s *Store) InsertOrder(ctx context.Context, o *model.OrderState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if o.Version == 0 {
		o.Version = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_states (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.TradeExecutionID, o.UserID, o.Symbol, o.Exchange, o.OrderType,
		o.TransactionType, o.ProductType, o.Quantity, o.Price, string(o.PlacementStatus),
		string(o.ConfirmationStatus), string(o.ExecutionStatus), o.ExecutedQuantity, o.ExecutedPrice,
		o.PendingQuantity, o.ConfirmationAttempts, int64(o.TotalConfirmationTime),
		nullNanos(o.LastStatusCheck), nullNanos(o.PartialSince), o.Error, o.StatusMessage,
		boolInt(o.NeedsManualReview), o.ManualReviewReason, o.Version, nanos(o.CreatedAt), nanos(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s already tracked: %w", o.OrderID, model.ErrStaleRecord)
		}
		return fmt.Errorf("sqlite insert order: %w", err)
	}

	entries := o.StatusHistory
	o.StatusHistory = nil
	for _, entry := range entries {
		stored, err := appendHistoryTx(ctx, tx, o.OrderID, entry)
		if err != nil {
			return err
		}
		o.StatusHistory = append(o.StatusHistory, stored)
	}
	return tx.Commit()
}

// GetOrder loads an order with its status history.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.OrderState, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM order_states WHERE order_id = ?`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite get order: %w", err)
	}
	if o.StatusHistory, err = loadHistory(ctx, s.db, o.OrderID); err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateOrder persists o under optimistic concurrency and appends entries
// to its history in the same transaction.
func (s *Store) UpdateOrder(ctx context.Context, o *model.OrderState, entries ...model.StatusEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE order_states SET
			confirmation_status = ?, execution_status = ?, executed_quantity = ?, executed_price = ?,
			pending_quantity = ?, confirmation_attempts = ?, total_confirmation_ns = ?,
			last_status_check = ?, partial_since = ?, error = ?, status_message = ?,
			needs_manual_review = ?, manual_review_reason = ?, version = version + 1, updated_at = ?
		WHERE order_id = ? AND version = ?`,
		string(o.ConfirmationStatus), string(o.ExecutionStatus), o.ExecutedQuantity, o.ExecutedPrice,
		o.PendingQuantity, o.ConfirmationAttempts, int64(o.TotalConfirmationTime),
		nullNanos(o.LastStatusCheck), nullNanos(o.PartialSince), o.Error, o.StatusMessage,
		boolInt(o.NeedsManualReview), o.ManualReviewReason, nanos(o.UpdatedAt),
		o.OrderID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", o.OrderID, model.ErrStaleRecord)
	}

	for _, entry := range entries {
		stored, err := appendHistoryTx(ctx, tx, o.OrderID, entry)
		if err != nil {
			return err
		}
		o.StatusHistory = append(o.StatusHistory, stored)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.Version++
	return nil
}

// ListUnconfirmedOrders returns orders the monitor still has to resolve.
func (s *Store) ListUnconfirmedOrders(ctx context.Context) ([]model.OrderState, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM order_states
		WHERE confirmation_status IN ('PENDING', 'CONFIRMING') ORDER BY created_at ASC`)
}

// ListOrders returns a filtered page of orders, newest first.
func (s *Store) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.OrderState, int, error) {
	var (
		where []string
		args  []any
	)
	if f.ConfirmationStatus != "" {
		where = append(where, "confirmation_status = ?")
		args = append(args, string(f.ConfirmationStatus))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.NeedsManualReview != nil {
		where = append(where, "needs_manual_review = ?")
		args = append(args, boolInt(*f.NeedsManualReview))
	}
	if !f.Date.IsZero() {
		where = append(where, "created_at >= ? AND created_at < ?")
		args = append(args, nanos(f.Date), nanos(f.Date.AddDate(0, 0, 1)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_states`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite count orders: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	page := append(append([]any{}, args...), limit, f.Offset)
	orders, err := s.queryOrders(ctx, `SELECT `+orderColumns+` FROM order_states`+cond+
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`, page...)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// PurgeOrders deletes terminal orders older than cutoff. Orders awaiting
// manual review are never purged.
func (s *Store) PurgeOrders(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	const purgeable = `confirmation_status IN ('CONFIRMED', 'TIMEOUT', 'FAILED')
		AND needs_manual_review = 0 AND updated_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_status_history WHERE order_id IN
		(SELECT order_id FROM order_states WHERE `+purgeable+`)`, nanos(cutoff)); err != nil {
		return 0, fmt.Errorf("sqlite purge order history: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM order_states WHERE `+purgeable, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite purge orders: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

func (s *Store) queryOrders(ctx context.Context, q string, args ...any) ([]model.OrderState, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query orders: %w", err)
	}
	var orders []model.OrderState
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range orders {
		if orders[i].StatusHistory, err = loadHistory(ctx, s.db, orders[i].OrderID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func loadHistory(ctx context.Context, q querier, orderID string) ([]model.StatusEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq, status, ts, details
		FROM order_status_history WHERE order_id = ? ORDER BY seq ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query history: %w", err)
	}
	defer rows.Close()

	var history []model.StatusEntry
	for rows.Next() {
		var (
			h  model.StatusEntry
			ts int64
		)
		if err := rows.Scan(&h.Seq, &h.Status, &ts, &h.Details); err != nil {
			return nil, fmt.Errorf("sqlite scan history: %w", err)
		}
		h.Timestamp = fromNanos(ts)
		history = append(history, h)
	}
	return history, rows.Err()
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, orderID string, entry model.StatusEntry) (model.StatusEntry, error) {
	var (
		seq    int
		lastTS sql.NullInt64
	)
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0), MAX(ts) FROM order_status_history WHERE order_id = ?`,
		orderID).Scan(&seq, &lastTS); err != nil {
		return entry, fmt.Errorf("sqlite history tail: %w", err)
	}
	entry.Seq = seq + 1
	ts := nanos(entry.Timestamp)
	if lastTS.Valid && ts < lastTS.Int64 {
		ts = lastTS.Int64
		entry.Timestamp = fromNanos(ts)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO order_status_history (order_id, seq, status, ts, details)
		VALUES (?, ?, ?, ?, ?)`, orderID, entry.Seq, entry.Status, ts, entry.Details); err != nil {
		return entry, fmt.Errorf("sqlite append history: %w", err)
	}
	return entry, nil
}

package model

import "time"

// PlacementStatus is the outcome of the initial submit call. Set once.
type PlacementStatus string

const (
	PlacementPlaced PlacementStatus = "PLACED"
	PlacementFailed PlacementStatus = "PLACEMENT_FAILED"
	PlacementError  PlacementStatus = "PLACEMENT_ERROR"
)

// ConfirmationStatus tracks how far the monitor got in learning an order's
// final outcome.
type ConfirmationStatus string

const (
	ConfirmPending    ConfirmationStatus = "PENDING"
	ConfirmConfirming ConfirmationStatus = "CONFIRMING"
	ConfirmConfirmed  ConfirmationStatus = "CONFIRMED"
	ConfirmTimeout    ConfirmationStatus = "TIMEOUT"
	ConfirmFailed     ConfirmationStatus = "FAILED"
)

// Terminal reports whether the monitor stops polling in this state.
func (s ConfirmationStatus) Terminal() bool {
	return s == ConfirmConfirmed || s == ConfirmTimeout || s == ConfirmFailed
}

// ExecutionStatus is derived from broker fill data.
type ExecutionStatus string

const (
	ExecComplete  ExecutionStatus = "COMPLETE"
	ExecPartial   ExecutionStatus = "PARTIAL"
	ExecOpen      ExecutionStatus = "OPEN"
	ExecCancelled ExecutionStatus = "CANCELLED"
	ExecRejected  ExecutionStatus = "REJECTED"
	ExecUnknown   ExecutionStatus = "UNKNOWN"
)

// Terminal reports whether the broker will not change this order further.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecComplete || s == ExecCancelled || s == ExecRejected
}

// Transaction types.
const (
	Buy  = "BUY"
	Sell = "SELL"
)

// StatusEntry is one append-only line in an OrderState's status history.
type StatusEntry struct {
	Seq       int       `json:"seq"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// OrderState tracks one broker order from placement to a known final outcome.
// Prices are in paise.
type OrderState struct {
	OrderID               string             `json:"order_id"`
	TradeExecutionID      string             `json:"trade_execution_id"`
	UserID                string             `json:"user_id"`
	Symbol                string             `json:"symbol"`
	Exchange              string             `json:"exchange"`
	OrderType             string             `json:"order_type"`       // MARKET, LIMIT
	TransactionType       string             `json:"transaction_type"` // BUY, SELL
	ProductType           string             `json:"product_type"`     // INTRADAY, DELIVERY
	Quantity              int64              `json:"quantity"`
	Price                 int64              `json:"price"`
	PlacementStatus       PlacementStatus    `json:"placement_status"`
	ConfirmationStatus    ConfirmationStatus `json:"confirmation_status"`
	ExecutionStatus       ExecutionStatus    `json:"execution_status"`
	ExecutedQuantity      int64              `json:"executed_quantity"`
	ExecutedPrice         int64              `json:"executed_price"`
	PendingQuantity       int64              `json:"pending_quantity"`
	ConfirmationAttempts  int                `json:"confirmation_attempts"`
	TotalConfirmationTime time.Duration      `json:"total_confirmation_time"`
	LastStatusCheck       *time.Time         `json:"last_status_check,omitempty"`
	PartialSince          *time.Time         `json:"partial_since,omitempty"`
	Error                 string             `json:"error,omitempty"`
	StatusMessage         string             `json:"status_message,omitempty"`
	NeedsManualReview     bool               `json:"needs_manual_review"`
	ManualReviewReason    string             `json:"manual_review_reason,omitempty"`
	StatusHistory         []StatusEntry      `json:"status_history"`
	Version               int64              `json:"version"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// FlagForReview sets the manual review flag. An existing reason is kept.
func (o *OrderState) FlagForReview(reason string) {
	if o.NeedsManualReview {
		return
	}
	o.NeedsManualReview = true
	o.ManualReviewReason = reason
}

// OrderRequest is an order already decided upon, ready for the broker.
type OrderRequest struct {
	TradeExecutionID string `json:"trade_execution_id"`
	UserID           string `json:"user_id"`
	Symbol           string `json:"symbol"`
	Token            string `json:"token,omitempty"`
	Exchange         string `json:"exchange"`
	TransactionType  string `json:"transaction_type"`
	OrderType        string `json:"order_type"`
	ProductType      string `json:"product_type"`
	Quantity         int64  `json:"quantity"`
	Price            int64  `json:"price"` // paise, 0 for market
}

// BrokerOrderStatus is the broker's view of one order.
type BrokerOrderStatus struct {
	OrderID          string
	Status           string // raw broker status text
	Live             bool   // broker still works the order
	Cancelled        bool
	Rejected         bool
	Quantity         int64
	ExecutedQuantity int64
	ExecutedPrice    int64 // paise, average fill
	Message          string
}

// OrderFilter narrows ListOrders queries.
type OrderFilter struct {
	ConfirmationStatus ConfirmationStatus
	UserID             string
	NeedsManualReview  *bool
	Date               time.Time
	Limit              int
	Offset             int
}

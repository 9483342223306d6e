package model

import (
	"encoding/json"
	"time"
)

// ExitStatus is the lifecycle state of a ScheduledExit.
type ExitStatus string

const (
	ExitPending   ExitStatus = "PENDING"
	ExitExecuting ExitStatus = "EXECUTING"
	ExitCompleted ExitStatus = "COMPLETED"
	ExitFailed    ExitStatus = "FAILED"
	ExitCancelled ExitStatus = "CANCELLED"
)

// Active reports whether the status is non-terminal.
func (s ExitStatus) Active() bool {
	return s == ExitPending || s == ExitExecuting
}

// Valid reports whether s is a known status.
func (s ExitStatus) Valid() bool {
	switch s {
	case ExitPending, ExitExecuting, ExitCompleted, ExitFailed, ExitCancelled:
		return true
	}
	return false
}

// ExecutionMethod records what triggered an exit execution.
type ExecutionMethod string

const (
	MethodAutoTimeout        ExecutionMethod = "AUTO_TIMEOUT"
	MethodManualTrigger      ExecutionMethod = "MANUAL_TRIGGER"
	MethodRestartRecovery    ExecutionMethod = "RESTART_RECOVERY"
	MethodImmediateExecution ExecutionMethod = "IMMEDIATE_EXECUTION"
)

// Audit actions appended to ScheduledExit.AuditLog.
const (
	AuditScheduled        = "SCHEDULED"
	AuditAdopted          = "ADOPTED"
	AuditExecutionStarted = "EXECUTION_STARTED"
	AuditExecutionFailed  = "EXECUTION_FAILED"
	AuditRetryScheduled   = "RETRY_SCHEDULED"
	AuditCompleted        = "COMPLETED"
	AuditFailed           = "FAILED"
	AuditCancelled        = "CANCELLED"
	AuditReset            = "RESET"
	AuditForceRescheduled = "FORCE_RESCHEDULED"
)

// Provenance identifies the scheduler process that armed an exit.
type Provenance struct {
	ProcessID        string    `json:"process_id"`
	SchedulerVersion string    `json:"scheduler_version"`
	ScheduledAt      time.Time `json:"scheduled_at"`
}

// AuditEntry is one append-only line in a ScheduledExit's audit log.
type AuditEntry struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	ProcessID string    `json:"process_id"`
}

// ScheduledExit is the durable intent to square off one intraday position
// at a wall-clock time.
type ScheduledExit struct {
	ID                   int64           `json:"id"`
	PositionID           string          `json:"position_id"`
	UserID               string          `json:"user_id"`
	Symbol               string          `json:"symbol"`
	Exchange             string          `json:"exchange"`
	ProductType          string          `json:"product_type"`
	ScheduledExitTime    string          `json:"scheduled_exit_time"` // "HH:MM" IST
	ScheduledForDate     time.Time       `json:"scheduled_for_date"`  // midnight IST
	Status               ExitStatus      `json:"status"`
	ExecutionAttempts    int             `json:"execution_attempts"`
	LastExecutionAttempt *time.Time      `json:"last_execution_attempt,omitempty"`
	LastExecutionError   string          `json:"last_execution_error,omitempty"`
	InFlight             bool            `json:"in_flight"`
	ScheduledBy          Provenance      `json:"scheduled_by"`
	ExecutedAt           *time.Time      `json:"executed_at,omitempty"`
	ExecutionMethod      ExecutionMethod `json:"execution_method,omitempty"`
	ExecutionDetails     json.RawMessage `json:"execution_details,omitempty"`
	AuditLog             []AuditEntry    `json:"audit_log"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ExitRequest asks the scheduler to square off a position at ExitTime.
type ExitRequest struct {
	PositionID  string `json:"position_id"`
	UserID      string `json:"user_id"`
	Symbol      string `json:"symbol"`
	Exchange    string `json:"exchange"`
	ProductType string `json:"product_type"`
	ExitTime    string `json:"exit_time"` // "HH:MM" IST; empty uses the configured default
}

// ExitTransition is a conditional status change applied atomically by the
// exit store. It is rejected with ErrTransitionRejected unless the record's
// current status is one of From (and, when RequireIdle is set, no attempt
// holds the record).
type ExitTransition struct {
	ID          int64
	From        []ExitStatus
	RequireIdle bool
	To          ExitStatus
	InFlight    bool
	Audit       AuditEntry
	Apply       func(e *ScheduledExit)
}

// ExitFilter narrows ListExits queries.
type ExitFilter struct {
	Status     ExitStatus
	UserID     string
	PositionID string
	Date       time.Time // zero = any day
	Limit      int
	Offset     int
}

// ExitResult is the payload stored in ScheduledExit.ExecutionDetails.
type ExitResult struct {
	OrderID         string `json:"order_id,omitempty"`
	TransactionType string `json:"transaction_type,omitempty"`
	Quantity        int64  `json:"quantity"`
	AlreadyFlat     bool   `json:"already_flat,omitempty"`
}

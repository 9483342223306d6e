// Package broker defines the brokerage port used by the scheduler and the
// confirmation monitor, with error classes shared by every adapter.
package broker

import (
	"context"
	"errors"
	"fmt"

	"trading-squareoff/internal/model"
)

// Client is one authenticated broker account.
type Client interface {
	// PlaceOrder submits an order and returns the broker order id.
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)

	// GetOrderStatus returns the broker's view of one order.
	GetOrderStatus(ctx context.Context, orderID string) (model.BrokerOrderStatus, error)

	// GetPositions returns the account's open and closed day positions.
	GetPositions(ctx context.Context) ([]model.Position, error)
}

// Accounts resolves the broker session for a user.
type Accounts interface {
	Client(ctx context.Context, userID string) (Client, error)
}

// Static serves every user from one client. This is the single-account
// deployment.
type Static struct {
	C Client
}

// Client implements Accounts.
func (s Static) Client(context.Context, string) (Client, error) {
	if s.C == nil {
		return nil, fmt.Errorf("no broker client configured: %w", ErrAuth)
	}
	return s.C, nil
}

// Error classes. Adapters wrap broker failures so that errors.Is matches one
// of these.
var (
	ErrTransient     = errors.New("broker transient failure")
	ErrRateLimited   = errors.New("broker rate limited")
	ErrAuth          = errors.New("broker authentication failed")
	ErrRejected      = errors.New("broker rejected order")
	ErrOrderNotFound = errors.New("broker order not found")
)

// Error carries the broker's own code and message alongside its class.
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

// IsRetryable reports whether a later attempt may succeed. Unclassified
// errors (network failures, timeouts) are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrRejected) && !errors.Is(err, ErrOrderNotFound)
}

// Package angel adapts the Angel One SmartAPI to broker.Client. It logs in
// with client code, PIN and a TOTP generated from the account secret, and
// logs in again once when the session expires.
package angel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"trading-squareoff/internal/broker"
	"trading-squareoff/internal/model"
	smartconnect "trading-squareoff/pkg/smartconnect"
)

// Config holds Angel One credentials.
type Config struct {
	APIKey     string
	ClientCode string
	PIN        string
	TOTPSecret string
	RootURL    string        // optional, for tests
	Timeout    time.Duration // per HTTP call
}

// Client implements broker.Client.
type Client struct {
	cfg Config
	sc  *smartconnect.SmartConnect
	now func() time.Time

	loginMu sync.Mutex
}

// New creates a client. Login happens lazily on first use.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		sc: smartconnect.New(smartconnect.Config{
			APIKey:  cfg.APIKey,
			RootURL: cfg.RootURL,
			Timeout: cfg.Timeout,
		}),
		now: time.Now,
	}
}

// Login forces a fresh session.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
	if err != nil {
		return &broker.Error{Kind: broker.ErrAuth, Message: "totp: " + err.Error()}
	}
	if _, err := c.sc.GenerateSession(ctx, c.cfg.ClientCode, c.cfg.PIN, code); err != nil {
		slog.Error("angel login failed", "client", c.cfg.ClientCode, "err", err)
		var apiErr *smartconnect.APIError
		if errors.As(err, &apiErr) && !apiErr.IsServer() && !apiErr.IsRateLimited() {
			return &broker.Error{Kind: broker.ErrAuth, Code: apiErr.ErrorCode, Message: apiErr.Message}
		}
		return classify(err, false)
	}
	slog.Info("angel session established", "client", c.cfg.ClientCode)
	return nil
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.sc.LoggedIn() {
		return nil
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.sc.LoggedIn() {
		return nil
	}
	return c.login(ctx)
}

// withSession runs fn, logging in again once if the session has expired.
func (c *Client) withSession(ctx context.Context, fn func() error) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	err := fn()
	var apiErr *smartconnect.APIError
	if errors.As(err, &apiErr) && apiErr.IsAuth() {
		slog.Warn("angel session expired, logging in again", "code", apiErr.ErrorCode)
		if lerr := c.Login(ctx); lerr != nil {
			return lerr
		}
		err = fn()
	}
	return err
}

// classify maps SmartAPI failures onto broker error classes. Placement
// failures that are not transport or session problems are rejections.
func classify(err error, placing bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", broker.ErrTransient, err)
	}
	var apiErr *smartconnect.APIError
	if !errors.As(err, &apiErr) {
		return &broker.Error{Kind: broker.ErrTransient, Message: err.Error()}
	}
	kind := broker.ErrTransient
	switch {
	case apiErr.IsAuth():
		kind = broker.ErrAuth
	case apiErr.IsRateLimited():
		kind = broker.ErrRateLimited
	case apiErr.IsServer():
		kind = broker.ErrTransient
	case placing:
		kind = broker.ErrRejected
	}
	return &broker.Error{Kind: kind, Code: apiErr.ErrorCode, Message: apiErr.Message}
}

// PlaceOrder implements broker.Client.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	params := smartconnect.OrderParams{
		Variety:         "NORMAL",
		TradingSymbol:   req.Symbol,
		SymbolToken:     req.Token,
		TransactionType: req.TransactionType,
		Exchange:        req.Exchange,
		OrderType:       req.OrderType,
		ProductType:     req.ProductType,
		Duration:        "DAY",
		Price:           "0",
		Quantity:        strconv.FormatInt(req.Quantity, 10),
		OrderTag:        tag(req.TradeExecutionID),
	}
	if req.Price > 0 {
		params.Price = decimal.New(req.Price, -2).StringFixed(2)
	}

	var orderID string
	err := c.withSession(ctx, func() (err error) {
		orderID, err = c.sc.PlaceOrder(ctx, params)
		return err
	})
	if err != nil {
		return "", classify(err, true)
	}
	return orderID, nil
}

// Angel allows order tags of up to 20 characters.
func tag(id string) string {
	if len(id) > 20 {
		return id[:20]
	}
	return id
}

// GetOrderStatus implements broker.Client. SmartAPI has no single-order
// lookup by id alone, so the day's order book is scanned.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (model.BrokerOrderStatus, error) {
	var rows []smartconnect.OrderBookEntry
	err := c.withSession(ctx, func() (err error) {
		rows, err = c.sc.OrderBook(ctx)
		return err
	})
	if err != nil {
		return model.BrokerOrderStatus{}, classify(err, false)
	}
	for _, r := range rows {
		if r.OrderID == orderID {
			return toOrderStatus(r), nil
		}
	}
	return model.BrokerOrderStatus{}, &broker.Error{Kind: broker.ErrOrderNotFound, Message: orderID}
}

func toOrderStatus(r smartconnect.OrderBookEntry) model.BrokerOrderStatus {
	status := strings.ToLower(strings.TrimSpace(r.Status))
	if status == "" {
		status = strings.ToLower(strings.TrimSpace(r.OrderStatus))
	}
	st := model.BrokerOrderStatus{
		OrderID:          r.OrderID,
		Status:           status,
		Quantity:         r.Quantity.IntPart(),
		ExecutedQuantity: r.FilledShares.IntPart(),
		ExecutedPrice:    paise(r.AveragePrice),
		Message:          r.Text,
	}
	switch status {
	case "complete":
	case "rejected":
		st.Rejected = true
	case "cancelled":
		st.Cancelled = true
	default:
		// open, open pending, trigger pending, validation pending,
		// modify pending, put order req received, after market order req received
		st.Live = true
	}
	return st
}

// GetPositions implements broker.Client.
func (c *Client) GetPositions(ctx context.Context) ([]model.Position, error) {
	var rows []smartconnect.PositionEntry
	err := c.withSession(ctx, func() (err error) {
		rows, err = c.sc.Position(ctx)
		return err
	})
	if err != nil {
		return nil, classify(err, false)
	}
	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Position{
			Symbol:      r.TradingSymbol,
			Token:       r.SymbolToken,
			Exchange:    r.Exchange,
			ProductType: r.ProductType,
			Qty:         r.NetQty.IntPart(),
			AvgPrice:    paise(r.AvgNetPrice),
			PnL:         paise(r.PnL),
		})
	}
	return out, nil
}

func paise(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

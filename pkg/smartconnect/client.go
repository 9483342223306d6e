// Package smartconnect is a small client for the Angel One SmartAPI REST
// endpoints used to place exit orders and read order and position books.
//
// Usage example:
//
//	sc := smartconnect.New(smartconnect.Config{APIKey: "your_api_key"})
//	sess, err := sc.GenerateSession(ctx, "CLIENTID", "PIN", totpCode)
//	if err != nil { return err }
//	orderID, err := sc.PlaceOrder(ctx, smartconnect.OrderParams{
//	    Variety: "NORMAL", TradingSymbol: "SBIN-EQ", SymbolToken: "3045", TransactionType: "SELL",
//	    Exchange: "NSE", OrderType: "MARKET", ProductType: "INTRADAY", Duration: "DAY", Quantity: "1",
//	})
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Config configures a SmartConnect client.
type Config struct {
	APIKey         string
	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	ClientLocalIP  string        // default: first non-loopback IPv4, else 127.0.0.1
	ClientPublicIP string        // default: ClientLocalIP
	ClientMAC      string        // default: first interface MAC
	HTTPClient     *http.Client  // optional, overrides Timeout
}

// SmartConnect is safe for concurrent use.
type SmartConnect struct {
	apiKey  string
	rootURL string
	http    *http.Client

	clientLocalIP  string
	clientPublicIP string
	clientMAC      string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	feedToken    string
	userID       string
}

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.token":        "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"api.order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",
	"api.position":     "/rest/secure/angelbroking/order/v1/getPosition",
}

// New creates a client. No network calls are made.
func New(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = localIP()
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = cfg.ClientLocalIP
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		http:           hc,
		clientLocalIP:  cfg.ClientLocalIP,
		clientPublicIP: cfg.ClientPublicIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Errors ----

// APIError is a non-success SmartAPI response.
type APIError struct {
	HTTPStatus int
	ErrorType  string // e.g. TokenException
	ErrorCode  string // e.g. AG8001
	Message    string
}

func (e *APIError) Error() string {
	code := e.ErrorCode
	if code == "" {
		code = e.ErrorType
	}
	return fmt.Sprintf("smartapi %d %s: %s", e.HTTPStatus, code, e.Message)
}

var authCodes = map[string]bool{
	"AG8001": true, // invalid token
	"AG8002": true, // token expired
	"AG8003": true, // token missing
	"AB8050": true, // invalid refresh token
	"AB8051": true, // refresh token expired
	"AB1010": true, // session expired
	"AB1011": true, // client not logged in
}

// IsAuth reports whether the session is no longer valid.
func (e *APIError) IsAuth() bool {
	return e.ErrorType == "TokenException" || authCodes[e.ErrorCode] || e.HTTPStatus == http.StatusUnauthorized
}

// IsRateLimited reports whether the request was throttled.
func (e *APIError) IsRateLimited() bool {
	return e.HTTPStatus == http.StatusTooManyRequests ||
		strings.Contains(strings.ToLower(e.Message), "access rate")
}

// IsServer reports a broker-side failure worth retrying.
func (e *APIError) IsServer() bool {
	return e.HTTPStatus >= 500
}

// ---- Transport ----

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (sc *SmartConnect) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	sc.mu.RLock()
	if sc.accessToken != "" {
		h.Set("Authorization", "Bearer "+sc.accessToken)
	}
	sc.mu.RUnlock()
	return h
}

// do sends the request and decodes the envelope's data into out (if non-nil).
func (sc *SmartConnect) do(ctx context.Context, method, route string, params any, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("unknown route: %s", route)
	}

	var body io.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, sc.rootURL+uri, body)
	if err != nil {
		return err
	}
	req.Header = sc.headers()

	resp, err := sc.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	slog.Debug("smartapi response", "route", route, "code", resp.StatusCode, "bytes", len(raw))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("couldn't parse JSON response: %w", err)
	}
	if env.ErrorType != "" || !env.Status || resp.StatusCode != http.StatusOK {
		return &APIError{
			HTTPStatus: resp.StatusCode,
			ErrorType:  env.ErrorType,
			ErrorCode:  env.ErrorCode,
			Message:    env.Message,
		}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// ---- Session ----

// Session holds the tokens returned by a password+TOTP login.
type Session struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// GenerateSession logs in and stores the tokens on the client.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (*Session, error) {
	var sess Session
	err := sc.do(ctx, http.MethodPost, "api.login", map[string]string{
		"clientcode": clientCode, "password": password, "totp": totp,
	}, &sess)
	if err != nil {
		return nil, err
	}
	if sess.JWTToken == "" {
		return nil, fmt.Errorf("login response carried no token")
	}
	sc.mu.Lock()
	sc.accessToken = sess.JWTToken
	sc.refreshToken = sess.RefreshToken
	sc.feedToken = sess.FeedToken
	sc.userID = clientCode
	sc.mu.Unlock()
	return &sess, nil
}

// TerminateSession logs out.
func (sc *SmartConnect) TerminateSession(ctx context.Context) error {
	sc.mu.RLock()
	id := sc.userID
	sc.mu.RUnlock()
	return sc.do(ctx, http.MethodPost, "api.logout", map[string]string{"clientcode": id}, nil)
}

// UserID returns the logged-in client code.
func (sc *SmartConnect) UserID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.userID
}

// LoggedIn reports whether a session token is held.
func (sc *SmartConnect) LoggedIn() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken != ""
}

// ---- Orders ----

// OrderParams mirrors the placeOrder request body.
type OrderParams struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price,omitempty"`
	Quantity        string `json:"quantity"`
	OrderTag        string `json:"ordertag,omitempty"`
}

// PlaceOrder submits an order and returns the broker order id.
func (sc *SmartConnect) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := sc.do(ctx, http.MethodPost, "api.order.place", p, &data); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", fmt.Errorf("place order: response carried no order id")
	}
	return data.OrderID, nil
}

// CancelOrder cancels an open order.
func (sc *SmartConnect) CancelOrder(ctx context.Context, orderID, variety string) error {
	return sc.do(ctx, http.MethodPost, "api.order.cancel",
		map[string]string{"variety": variety, "orderid": orderID}, nil)
}

// OrderBookEntry is one row of the order book. Numeric fields arrive as
// either JSON strings or numbers.
type OrderBookEntry struct {
	OrderID         string          `json:"orderid"`
	TradingSymbol   string          `json:"tradingsymbol"`
	Exchange        string          `json:"exchange"`
	TransactionType string          `json:"transactiontype"`
	ProductType     string          `json:"producttype"`
	Status          string          `json:"status"`
	OrderStatus     string          `json:"orderstatus"`
	Text            string          `json:"text"`
	Quantity        decimal.Decimal `json:"quantity"`
	FilledShares    decimal.Decimal `json:"filledshares"`
	UnfilledShares  decimal.Decimal `json:"unfilledshares"`
	AveragePrice    decimal.Decimal `json:"averageprice"`
}

// OrderBook returns today's orders.
func (sc *SmartConnect) OrderBook(ctx context.Context) ([]OrderBookEntry, error) {
	var rows []OrderBookEntry
	if err := sc.do(ctx, http.MethodGet, "api.order.book", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// PositionEntry is one row of the position book.
type PositionEntry struct {
	TradingSymbol string          `json:"tradingsymbol"`
	SymbolToken   string          `json:"symboltoken"`
	Exchange      string          `json:"exchange"`
	ProductType   string          `json:"producttype"`
	NetQty        decimal.Decimal `json:"netqty"`
	AvgNetPrice   decimal.Decimal `json:"avgnetprice"`
	PnL           decimal.Decimal `json:"pnl"`
}

// Position returns the day's net positions.
func (sc *SmartConnect) Position(ctx context.Context) ([]PositionEntry, error) {
	var rows []PositionEntry
	if err := sc.do(ctx, http.MethodGet, "api.position", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

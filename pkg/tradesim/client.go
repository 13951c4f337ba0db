// Package tradesim provides a Go client for the tradesim server API.
package tradesim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/domain"
)

// Client talks to a tradesim server on behalf of one account.
type Client struct {
	baseURL    string
	account    string
	httpClient *http.Client
}

// NewClient creates a client for the given server base URL and account ID.
func NewClient(baseURL, account string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		account:    account,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// OrderUpdate changes a resting order. Nil fields are untouched.
type OrderUpdate struct {
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	Qty        *int64   `json:"qty,omitempty"`
}

// CloseResult reports the outcome of a position close.
type CloseResult struct {
	CancelledOrders int           `json:"cancelledOrders"`
	Order           *domain.Order `json:"order"`
}

// AccountSnapshot is the account state marked to the latest prices.
type AccountSnapshot struct {
	Account       domain.Account    `json:"account"`
	Equity        float64           `json:"equity"`
	UnrealizedPnL float64           `json:"unrealizedPnl"`
	Positions     []domain.Position `json:"positions"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if query == nil {
		query = url.Values{}
	}
	query.Set("account", c.account)
	u += "?" + query.Encode()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// SubmitOrder submits a new order. The account is filled in from the client.
// Setting order.ID makes the call idempotent: resubmitting the same ID
// returns the already-recorded order.
func (c *Client) SubmitOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	order.AccountID = c.account
	var out domain.Order
	if err := c.do(ctx, http.MethodPost, "/api/orders", nil, order, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Orders lists the account's orders, newest first, optionally filtered by
// status.
func (c *Client) Orders(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	var out []domain.Order
	if err := c.do(ctx, http.MethodGet, "/api/orders", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateOrder reprices or resizes a resting order.
func (c *Client) UpdateOrder(ctx context.Context, orderID string, upd OrderUpdate) (*domain.Order, error) {
	var out domain.Order
	if err := c.do(ctx, http.MethodPatch, "/api/orders/"+url.PathEscape(orderID), nil, upd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(orderID), nil, nil, nil)
}

// Positions lists the account's open positions.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClosePosition cancels the position's bracket orders and flattens it.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*CloseResult, error) {
	var out CloseResult
	if err := c.do(ctx, http.MethodPost, "/api/positions/"+url.PathEscape(symbol)+"/close", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account fetches the account snapshot: balance, margin, equity, positions.
func (c *Client) Account(ctx context.Context) (*AccountSnapshot, error) {
	var out AccountSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/account/"+url.PathEscape(c.account), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Instruments lists the tradable contracts.
func (c *Client) Instruments(ctx context.Context) ([]domain.Instrument, error) {
	var out []domain.Instrument
	if err := c.do(ctx, http.MethodGet, "/api/instruments", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Candles fetches recent candles for a symbol. A zero interval uses the
// server's base interval; count 0 uses the server default.
func (c *Client) Candles(ctx context.Context, symbol string, interval time.Duration, count int) ([]domain.Candle, error) {
	q := url.Values{}
	if interval > 0 {
		q.Set("interval", interval.String())
	}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	var out []domain.Candle
	if err := c.do(ctx, http.MethodGet, "/api/candles/"+url.PathEscape(symbol), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ArchivedCandles fetches candles from the Parquet archive for [start, end].
func (c *Client) ArchivedCandles(ctx context.Context, symbol string, start, end time.Time) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	var out []domain.Candle
	if err := c.do(ctx, http.MethodGet, "/api/candles/"+url.PathEscape(symbol), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Package broker implements C5's four BrokerAdapter variants. The HTTP
// client, header scheme (APCA-API-KEY-ID / APCA-API-SECRET-KEY), and
// endpoint shapes are carried over from the teacher pack's
// poorman-SynapseStrike AlpacaTrader, adapted here to return typed
// domain values and classified BrokerError kinds instead of
// map[string]interface{} and bare errors.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

const (
	alpacaLiveBaseURL  = "https://api.alpaca.markets"
	alpacaPaperBaseURL = "https://paper-api.alpaca.markets"
	requestTimeout     = 30 * time.Second
)

var _ ports.BrokerAdapter = (*AlpacaBroker)(nil)

// AlpacaBroker implements ports.BrokerAdapter against the Alpaca
// trading REST API. mode distinguishes paper from live purely for
// logging and Mode() reporting; the endpoint is chosen by baseURL.
type AlpacaBroker struct {
	apiKey, secretKey string
	baseURL           string
	mode              domain.ExecutionMode
	client            *http.Client
	log               *slog.Logger
}

// NewPaper constructs an AlpacaBroker against the paper-trading endpoint.
func NewPaper(apiKey, secretKey string, log *slog.Logger) *AlpacaBroker {
	return newAlpacaBroker(apiKey, secretKey, alpacaPaperBaseURL, domain.ModeAlpacaPaper, log)
}

// NewLive constructs an AlpacaBroker against the live-trading endpoint.
func NewLive(apiKey, secretKey string, log *slog.Logger) *AlpacaBroker {
	return newAlpacaBroker(apiKey, secretKey, alpacaLiveBaseURL, domain.ModeAlpacaLive, log)
}

func newAlpacaBroker(apiKey, secretKey, baseURL string, mode domain.ExecutionMode, log *slog.Logger) *AlpacaBroker {
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaBroker{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   baseURL,
		mode:      mode,
		client:    &http.Client{Timeout: requestTimeout},
		log:       log,
	}
}

func (b *AlpacaBroker) Mode() domain.ExecutionMode { return b.mode }

func (b *AlpacaBroker) doRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("broker: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", b.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", b.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, &domain.BrokerError{Kind: domain.BrokerTransient, Op: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &domain.BrokerError{Kind: domain.BrokerTransient, Op: path, Err: err}
	}
	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, &domain.BrokerError{
			Kind: classifyStatus(resp.StatusCode),
			Op:   path,
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)),
		}
	}
	return respBody, resp.StatusCode, nil
}

func classifyStatus(status int) domain.BrokerErrorKind {
	switch {
	case status == 401:
		return domain.BrokerAuthFailure
	case status == 403:
		return domain.BrokerInsufficientFunds
	case status == 409:
		return domain.BrokerAlreadyExists
	case status == 422:
		return domain.BrokerInvalidRequest
	case status == 429:
		return domain.BrokerRateLimited
	case status >= 500:
		return domain.BrokerTransient
	default:
		return domain.BrokerUnknown
	}
}

func (b *AlpacaBroker) SubmitBracket(ctx context.Context, req domain.BracketRequest) (domain.BrokerOrder, error) {
	order := map[string]any{
		"symbol":          req.Symbol,
		"qty":             strconv.FormatInt(req.Quantity, 10),
		"side":            "buy",
		"type":            "limit",
		"time_in_force":   "day",
		"limit_price":     req.LimitPrice.StringFixed(2),
		"client_order_id": req.ClientOrderID,
		"order_class":     "bracket",
		"stop_loss": map[string]any{
			"stop_price": req.StopPrice.StringFixed(2),
		},
		"take_profit": map[string]any{
			"limit_price": req.TakeProfit.StringFixed(2),
		},
	}
	if req.LimitPrice.IsZero() {
		order["type"] = "market"
		delete(order, "limit_price")
	}

	respBody, _, err := b.doRequest(ctx, "POST", "/v2/orders", order)
	if err != nil {
		return domain.BrokerOrder{}, err
	}
	return parseBrokerOrder(respBody)
}

func (b *AlpacaBroker) SubmitStop(ctx context.Context, req domain.StopRequest) (domain.BrokerOrder, error) {
	order := map[string]any{
		"symbol":          req.Symbol,
		"qty":             strconv.FormatInt(req.Quantity, 10),
		"side":            "sell",
		"type":            "stop",
		"stop_price":      req.StopPrice.StringFixed(2),
		"time_in_force":   "gtc",
		"client_order_id": req.ClientOrderID,
	}
	if req.StopPrice.IsZero() {
		// A zero stop price is sent as a market sell.
		order["type"] = "market"
		delete(order, "stop_price")
	}
	respBody, _, err := b.doRequest(ctx, "POST", "/v2/orders", order)
	if err != nil {
		return domain.BrokerOrder{}, err
	}
	return parseBrokerOrder(respBody)
}

func (b *AlpacaBroker) Cancel(ctx context.Context, orderID string) error {
	_, status, err := b.doRequest(ctx, "DELETE", "/v2/orders/"+orderID, nil)
	if err != nil {
		if status == 404 {
			return nil // already gone — cancel is idempotent
		}
		return err
	}
	return nil
}

func (b *AlpacaBroker) ListOpenOrders(ctx context.Context, symbol string) ([]domain.BrokerOrder, error) {
	path := "/v2/orders?status=open"
	if symbol != "" {
		path += "&symbols=" + symbol
	}
	respBody, _, err := b.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, &domain.BrokerError{Kind: domain.BrokerUnknown, Op: "ListOpenOrders", Err: err}
	}
	out := make([]domain.BrokerOrder, 0, len(raw))
	for _, r := range raw {
		o, err := parseBrokerOrder(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (b *AlpacaBroker) ListPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	respBody, _, err := b.doRequest(ctx, "GET", "/v2/positions", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol        string `json:"symbol"`
		Qty           string `json:"qty"`
		AvgEntryPrice string `json:"avg_entry_price"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, &domain.BrokerError{Kind: domain.BrokerUnknown, Op: "ListPositions", Err: err}
	}
	out := make([]domain.BrokerPosition, 0, len(raw))
	for _, p := range raw {
		qty, _ := strconv.ParseInt(p.Qty, 10, 64)
		out = append(out, domain.BrokerPosition{
			Symbol:   p.Symbol,
			Quantity: qty,
			AvgEntry: mustDecimal(p.AvgEntryPrice),
		})
	}
	return out, nil
}

func (b *AlpacaBroker) GetAccountEquity(ctx context.Context) (float64, error) {
	respBody, _, err := b.doRequest(ctx, "GET", "/v2/account", nil)
	if err != nil {
		return 0, err
	}
	var acct struct {
		Equity string `json:"equity"`
	}
	if err := json.Unmarshal(respBody, &acct); err != nil {
		return 0, &domain.BrokerError{Kind: domain.BrokerUnknown, Op: "GetAccountEquity", Err: err}
	}
	equity, err := strconv.ParseFloat(acct.Equity, 64)
	if err != nil {
		return 0, &domain.BrokerError{Kind: domain.BrokerUnknown, Op: "GetAccountEquity", Err: err}
	}
	return equity, nil
}

func (b *AlpacaBroker) MarketClock(ctx context.Context) (domain.MarketClock, error) {
	respBody, _, err := b.doRequest(ctx, "GET", "/v2/clock", nil)
	if err != nil {
		return domain.MarketClock{}, err
	}
	var raw struct {
		IsOpen    bool      `json:"is_open"`
		NextOpen  time.Time `json:"next_open"`
		NextClose time.Time `json:"next_close"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return domain.MarketClock{}, &domain.BrokerError{Kind: domain.BrokerUnknown, Op: "MarketClock", Err: err}
	}
	return domain.MarketClock{IsOpen: raw.IsOpen, NextOpen: raw.NextOpen, NextClose: raw.NextClose}, nil
}

func parseBrokerOrder(raw json.RawMessage) (domain.BrokerOrder, error) {
	var o struct {
		ID             string `json:"id"`
		ClientOrderID  string `json:"client_order_id"`
		Symbol         string `json:"symbol"`
		Qty            string `json:"qty"`
		FilledQty      string `json:"filled_qty"`
		FilledAvgPrice string `json:"filled_avg_price"`
		Status         string `json:"status"`
		SubmittedAt    time.Time `json:"submitted_at"`
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return domain.BrokerOrder{}, &domain.BrokerError{Kind: domain.BrokerUnknown, Op: "parseBrokerOrder", Err: err}
	}
	qty, _ := strconv.ParseInt(o.Qty, 10, 64)
	filledQty, _ := strconv.ParseInt(o.FilledQty, 10, 64)
	return domain.BrokerOrder{
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Quantity:       qty,
		FilledQty:      filledQty,
		FilledAvgPrice: mustDecimal(o.FilledAvgPrice),
		Status:         mapAlpacaStatus(o.Status),
		SubmittedAt:    o.SubmittedAt,
	}, nil
}

func mapAlpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartial
	case "canceled", "expired":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	case "new", "accepted", "pending_new":
		return domain.OrderStatusOpen
	default:
		return domain.OrderStatusSubmitted
	}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

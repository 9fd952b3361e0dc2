// Package marketdata implements C4. AlpacaMarketData follows the same
// doRequest/header pattern as internal/adapters/broker, grounded on the
// same poorman-SynapseStrike AlpacaTrader GetMarketPrice/bars usage,
// but against the data.alpaca.markets host rather than the trading host.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

const (
	alpacaDataBaseURL = "https://data.alpaca.markets"
	tradingBaseURLLive = "https://api.alpaca.markets"
	tradingBaseURLPaper = "https://paper-api.alpaca.markets"
	requestTimeout     = 15 * time.Second
)

var _ ports.MarketDataProvider = (*AlpacaMarketData)(nil)

// AlpacaMarketData implements ports.MarketDataProvider against Alpaca's
// market data API. tradingBaseURL selects paper vs live for the
// /v2/clock cross-check, independent of which broker variant is active.
type AlpacaMarketData struct {
	apiKey, secretKey string
	tradingBaseURL    string
	client            *http.Client
}

// New constructs an AlpacaMarketData client. usePaperClock selects
// which trading host's /v2/clock to consult for MarketClock.
func New(apiKey, secretKey string, usePaperClock bool) *AlpacaMarketData {
	tradingURL := tradingBaseURLLive
	if usePaperClock {
		tradingURL = tradingBaseURLPaper
	}
	return &AlpacaMarketData{
		apiKey:         apiKey,
		secretKey:      secretKey,
		tradingBaseURL: tradingURL,
		client:         &http.Client{Timeout: requestTimeout},
	}
}

func (m *AlpacaMarketData) doRequest(ctx context.Context, baseURL, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataTransient, Err: err}
	}
	req.Header.Set("APCA-API-KEY-ID", m.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", m.secretKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataTransient, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataAuthError, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataNotFound, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataTransient, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	return body, nil
}

// LastTwoClosedTenMinuteBars fetches the most recent two closed 10-minute
// bars for BOH confirmation (§4.4a, §4.8 step 2).
func (m *AlpacaMarketData) LastTwoClosedTenMinuteBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	path := fmt.Sprintf("/v2/stocks/%s/bars?timeframe=10Min&limit=3&adjustment=raw", symbol)
	body, err := m.doRequest(ctx, alpacaDataBaseURL, path)
	if err != nil {
		return nil, withSymbol(err, symbol)
	}

	var raw struct {
		Bars []struct {
			T string  `json:"t"`
			O float64 `json:"o"`
			H float64 `json:"h"`
			L float64 `json:"l"`
			C float64 `json:"c"`
			V int64   `json:"v"`
		} `json:"bars"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataTransient, Symbol: symbol, Err: err}
	}
	if len(raw.Bars) < 2 {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataNotFound, Symbol: symbol, Err: fmt.Errorf("fewer than 2 closed bars available")}
	}

	n := len(raw.Bars)
	last2 := raw.Bars[n-2:]
	out := make([]domain.Bar, 0, 2)
	for _, b := range last2 {
		ts, _ := time.Parse(time.RFC3339, b.T)
		out = append(out, domain.Bar{
			Symbol: symbol,
			Open:   decimal.NewFromFloat(b.O),
			High:   decimal.NewFromFloat(b.H),
			Low:    decimal.NewFromFloat(b.L),
			Close:  decimal.NewFromFloat(b.C),
			Volume: b.V,
			TSUTC:  ts.UTC(),
		})
	}
	return out, nil
}

// LastTrade fetches the latest trade tick for symbol.
func (m *AlpacaMarketData) LastTrade(ctx context.Context, symbol string) (domain.Trade, error) {
	path := fmt.Sprintf("/v2/stocks/%s/trades/latest", symbol)
	body, err := m.doRequest(ctx, alpacaDataBaseURL, path)
	if err != nil {
		return domain.Trade{}, withSymbol(err, symbol)
	}

	var raw struct {
		Trade struct {
			T string  `json:"t"`
			P float64 `json:"p"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Trade{}, &domain.MarketDataError{Kind: domain.MarketDataTransient, Symbol: symbol, Err: err}
	}
	ts, _ := time.Parse(time.RFC3339, raw.Trade.T)
	return domain.Trade{Symbol: symbol, Price: decimal.NewFromFloat(raw.Trade.P), TSUTC: ts.UTC()}, nil
}

// MarketClock consults the trading API's /v2/clock, which is
// authoritative for actual-open vs calendar-computed-open (§4.1's
// cross-check requirement).
func (m *AlpacaMarketData) MarketClock(ctx context.Context) (domain.MarketClock, error) {
	body, err := m.doRequest(ctx, m.tradingBaseURL, "/v2/clock")
	if err != nil {
		return domain.MarketClock{}, err
	}
	var raw struct {
		IsOpen    bool      `json:"is_open"`
		NextOpen  time.Time `json:"next_open"`
		NextClose time.Time `json:"next_close"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.MarketClock{}, &domain.MarketDataError{Kind: domain.MarketDataTransient, Err: err}
	}
	return domain.MarketClock{IsOpen: raw.IsOpen, NextOpen: raw.NextOpen, NextClose: raw.NextClose}, nil
}

func withSymbol(err error, symbol string) error {
	if mde, ok := err.(*domain.MarketDataError); ok {
		mde.Symbol = symbol
		return mde
	}
	return err
}

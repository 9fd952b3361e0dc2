package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

var _ ports.MarketDataProvider = (*Fixture)(nil)

// Fixture is an in-memory MarketDataProvider for dry-run cycles and
// tests: it serves bars/trades seeded by the caller rather than a live
// network call, so CI and offline dry-run mode never depend on network
// availability (§9 "no network dependency in fully offline mode").
type Fixture struct {
	mu    sync.Mutex
	bars  map[string][]domain.Bar
	trade map[string]domain.Trade
	clock domain.MarketClock

	// clockSeeded records whether SeedClock was called, so a seeded closed
	// clock with no NextClose is still returned as seeded.
	clockSeeded bool
}

// NewFixture constructs an empty Fixture.
func NewFixture() *Fixture {
	return &Fixture{
		bars:  make(map[string][]domain.Bar),
		trade: make(map[string]domain.Trade),
	}
}

// SeedBars registers the bars returned for symbol by
// LastTwoClosedTenMinuteBars.
func (f *Fixture) SeedBars(symbol string, bars []domain.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars[symbol] = bars
}

// SeedTrade registers the trade returned for symbol by LastTrade.
func (f *Fixture) SeedTrade(symbol string, trade domain.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trade[symbol] = trade
}

// SeedClock sets the value returned by MarketClock.
func (f *Fixture) SeedClock(c domain.MarketClock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = c
	f.clockSeeded = true
}

func (f *Fixture) LastTwoClosedTenMinuteBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bars, ok := f.bars[symbol]
	if !ok || len(bars) < 2 {
		return nil, &domain.MarketDataError{Kind: domain.MarketDataNotFound, Symbol: symbol, Err: errNoFixtureBars}
	}
	n := len(bars)
	return append([]domain.Bar(nil), bars[n-2:]...), nil
}

func (f *Fixture) LastTrade(ctx context.Context, symbol string) (domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trade[symbol]
	if !ok {
		return domain.Trade{}, &domain.MarketDataError{Kind: domain.MarketDataNotFound, Symbol: symbol, Err: errNoFixtureTrade}
	}
	return t, nil
}

func (f *Fixture) MarketClock(ctx context.Context) (domain.MarketClock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.clockSeeded {
		now := time.Now().UTC()
		return domain.MarketClock{IsOpen: true, NextOpen: now, NextClose: now.Add(6 * time.Hour)}, nil
	}
	return f.clock, nil
}

type fixtureErr string

func (e fixtureErr) Error() string { return string(e) }

const (
	errNoFixtureBars  = fixtureErr("marketdata: no seeded bars for symbol")
	errNoFixtureTrade = fixtureErr("marketdata: no seeded trade for symbol")
)

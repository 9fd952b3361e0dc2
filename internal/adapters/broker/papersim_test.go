package broker_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/execution-v2/internal/adapters/broker"
	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

type fakeMarketData struct {
	lastTrade domain.Trade
	clock     domain.MarketClock
}

func (f *fakeMarketData) LastTwoClosedTenMinuteBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	return nil, nil
}

func (f *fakeMarketData) LastTrade(ctx context.Context, symbol string) (domain.Trade, error) {
	return f.lastTrade, nil
}

func (f *fakeMarketData) MarketClock(ctx context.Context) (domain.MarketClock, error) {
	return f.clock, nil
}

func TestPaperSimBroker_SubmitBracketFillsAtLimitWhenSet(t *testing.T) {
	md := &fakeMarketData{lastTrade: domain.Trade{Symbol: "AAPL", Price: decimal.NewFromFloat(105)}}
	b := broker.NewPaperSim(md, decimal.NewFromFloat(100000), nil, fixedNow)

	order, err := b.SubmitBracket(context.Background(), domain.BracketRequest{
		Symbol: "AAPL", Quantity: 10, LimitPrice: decimal.NewFromFloat(100), ClientOrderID: "c1",
	})
	require.NoError(t, err)
	assert.True(t, order.FilledAvgPrice.Equal(decimal.NewFromFloat(100)))
}

func TestPaperSimBroker_SubmitBracketFillsAtLastTradeWhenMarketOrder(t *testing.T) {
	md := &fakeMarketData{lastTrade: domain.Trade{Symbol: "AAPL", Price: decimal.NewFromFloat(105)}}
	b := broker.NewPaperSim(md, decimal.NewFromFloat(100000), nil, fixedNow)

	order, err := b.SubmitBracket(context.Background(), domain.BracketRequest{
		Symbol: "AAPL", Quantity: 10, ClientOrderID: "c1",
	})
	require.NoError(t, err)
	assert.True(t, order.FilledAvgPrice.Equal(decimal.NewFromFloat(105)))
}

func TestPaperSimBroker_TracksWeightedAverageEntryAcrossFills(t *testing.T) {
	md := &fakeMarketData{lastTrade: domain.Trade{Symbol: "AAPL", Price: decimal.NewFromFloat(100)}}
	b := broker.NewPaperSim(md, decimal.NewFromFloat(100000), nil, fixedNow)

	_, err := b.SubmitBracket(context.Background(), domain.BracketRequest{Symbol: "AAPL", Quantity: 10, ClientOrderID: "c1"})
	require.NoError(t, err)

	md.lastTrade.Price = decimal.NewFromFloat(110)
	_, err = b.SubmitBracket(context.Background(), domain.BracketRequest{Symbol: "AAPL", Quantity: 10, ClientOrderID: "c2"})
	require.NoError(t, err)

	positions, err := b.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].AvgEntry.Equal(decimal.NewFromFloat(105)))
	assert.Equal(t, int64(20), positions[0].Quantity)
}

func TestPaperSimBroker_OrderIDsAreDistinctAcrossSubmits(t *testing.T) {
	md := &fakeMarketData{lastTrade: domain.Trade{Price: decimal.NewFromFloat(100)}}
	b := broker.NewPaperSim(md, decimal.Zero, nil, fixedNow)

	first, err := b.SubmitBracket(context.Background(), domain.BracketRequest{Symbol: "AAPL", Quantity: 1, ClientOrderID: "c1"})
	require.NoError(t, err)
	second, err := b.SubmitBracket(context.Background(), domain.BracketRequest{Symbol: "AAPL", Quantity: 1, ClientOrderID: "c2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, second.OrderID)
}

func TestPaperSimBroker_CancelMarksOpenOrderCancelled(t *testing.T) {
	md := &fakeMarketData{lastTrade: domain.Trade{Price: decimal.NewFromFloat(100)}}
	b := broker.NewPaperSim(md, decimal.Zero, nil, fixedNow)

	order, err := b.SubmitStop(context.Background(), domain.StopRequest{Symbol: "AAPL", Quantity: 10, StopPrice: decimal.NewFromFloat(98), ClientOrderID: "c1"})
	require.NoError(t, err)

	require.NoError(t, b.Cancel(context.Background(), order.OrderID))
	open, err := b.ListOpenOrders(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Empty(t, open, "a cancelled stop must no longer appear in open orders")
}

func TestPaperSimBroker_ListOpenOrdersFiltersBySymbol(t *testing.T) {
	md := &fakeMarketData{lastTrade: domain.Trade{Price: decimal.NewFromFloat(100)}}
	b := broker.NewPaperSim(md, decimal.Zero, nil, fixedNow)

	_, err := b.SubmitStop(context.Background(), domain.StopRequest{Symbol: "AAPL", Quantity: 10, StopPrice: decimal.NewFromFloat(98), ClientOrderID: "c1"})
	require.NoError(t, err)
	_, err = b.SubmitStop(context.Background(), domain.StopRequest{Symbol: "MSFT", Quantity: 10, StopPrice: decimal.NewFromFloat(198), ClientOrderID: "c2"})
	require.NoError(t, err)

	open, err := b.ListOpenOrders(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "AAPL", open[0].Symbol)
}

func TestPaperSimBroker_GetAccountEquityReturnsStartingBalance(t *testing.T) {
	md := &fakeMarketData{}
	b := broker.NewPaperSim(md, decimal.NewFromFloat(50000), nil, fixedNow)
	eq, err := b.GetAccountEquity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50000.0, eq)
}

func TestPaperSimBroker_MarketClockDelegatesToProvider(t *testing.T) {
	md := &fakeMarketData{clock: domain.MarketClock{IsOpen: true}}
	b := broker.NewPaperSim(md, decimal.Zero, nil, fixedNow)
	clock, err := b.MarketClock(context.Background())
	require.NoError(t, err)
	assert.True(t, clock.IsOpen)
}

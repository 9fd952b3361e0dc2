package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/execution-v2/internal/adapters/broker"
	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

func fixedNow() time.Time { return time.Date(2026, time.August, 3, 10, 0, 0, 0, time.UTC) }

func TestDryRunBroker_SubmitBracketFillsImmediatelyAtLimit(t *testing.T) {
	b := broker.NewDryRun(nil, fixedNow, nil)
	req := domain.BracketRequest{
		Symbol:        "AAPL",
		Quantity:      10,
		LimitPrice:    decimal.NewFromFloat(100),
		ClientOrderID: "client-1",
	}
	order, err := b.SubmitBracket(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, int64(10), order.FilledQty)
	assert.True(t, order.FilledAvgPrice.Equal(decimal.NewFromFloat(100)))
}

func TestDryRunBroker_SubmitBracketOrderIDIsDeterministic(t *testing.T) {
	b := broker.NewDryRun(nil, fixedNow, nil)
	req := domain.BracketRequest{Symbol: "AAPL", Quantity: 10, ClientOrderID: "client-1"}

	first, err := b.SubmitBracket(context.Background(), req)
	require.NoError(t, err)
	second, err := b.SubmitBracket(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID, "repeated cycles for the same client order id must produce the same synthetic order id")
}

func TestDryRunBroker_SubmitStopRestsOpen(t *testing.T) {
	b := broker.NewDryRun(nil, fixedNow, nil)
	order, err := b.SubmitStop(context.Background(), domain.StopRequest{
		Symbol: "AAPL", Quantity: 10, StopPrice: decimal.NewFromFloat(98), ClientOrderID: "client-2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, order.Status)
}

func TestDryRunBroker_GetAccountEquityErrorsWithoutOverride(t *testing.T) {
	b := broker.NewDryRun(nil, fixedNow, nil)
	_, err := b.GetAccountEquity(context.Background())
	assert.Error(t, err)
}

func TestDryRunBroker_MarketClockReportsOpen(t *testing.T) {
	b := broker.NewDryRun(nil, fixedNow, nil)
	clock, err := b.MarketClock(context.Background())
	require.NoError(t, err)
	assert.True(t, clock.IsOpen)
}

func TestDryRunBroker_Mode(t *testing.T) {
	b := broker.NewDryRun(nil, nil, nil)
	assert.Equal(t, domain.ModeDryRun, b.Mode())
}

type fakeLedgerWriter struct {
	entries []domain.OrderLedgerRecord
}

func (f *fakeLedgerWriter) AppendOrderEvent(book string, rec domain.OrderLedgerRecord) (bool, error) {
	return true, nil
}
func (f *fakeLedgerWriter) AppendPortfolioCycle(rec domain.PortfolioDecisionCycleRecord) error {
	return nil
}
func (f *fakeLedgerWriter) AppendSlippage(rec domain.SlippageRecord) error { return nil }
func (f *fakeLedgerWriter) WriteDryRunLedger(entries []domain.OrderLedgerRecord) error {
	f.entries = append([]domain.OrderLedgerRecord(nil), entries...)
	return nil
}
func (f *fakeLedgerWriter) ReadDryRunLedger() ([]domain.OrderLedgerRecord, error) {
	return f.entries, nil
}

func TestDryRunBroker_SubmitBracketWritesDryRunLedgerSnapshot(t *testing.T) {
	fl := &fakeLedgerWriter{}
	b := broker.NewDryRun(nil, fixedNow, fl)

	_, err := b.SubmitBracket(context.Background(), domain.BracketRequest{
		Symbol: "AAPL", Quantity: 10, LimitPrice: decimal.NewFromFloat(100), ClientOrderID: "intent-1|Entry",
	})
	require.NoError(t, err)

	require.Len(t, fl.entries, 1)
	assert.Equal(t, "intent-1", fl.entries[0].IntentID)
	assert.Equal(t, domain.PurposeEntry, fl.entries[0].Purpose)
	assert.Equal(t, domain.OrderStatusFilled, fl.entries[0].Status)
}

func TestDryRunBroker_SubmitBracketDedupsRepeatedFillsInSnapshot(t *testing.T) {
	fl := &fakeLedgerWriter{}
	b := broker.NewDryRun(nil, fixedNow, fl)
	req := domain.BracketRequest{
		Symbol: "AAPL", Quantity: 10, LimitPrice: decimal.NewFromFloat(100), ClientOrderID: "intent-1|Entry",
	}

	_, err := b.SubmitBracket(context.Background(), req)
	require.NoError(t, err)
	_, err = b.SubmitBracket(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, fl.entries, 1, "repeated fills for the same intent/purpose must not duplicate the snapshot")
}

func TestDryRunBroker_RecoversSeenFillsFromExistingSnapshot(t *testing.T) {
	fl := &fakeLedgerWriter{entries: []domain.OrderLedgerRecord{
		{IntentID: "intent-1", Purpose: domain.PurposeEntry, Status: domain.OrderStatusFilled},
	}}
	b := broker.NewDryRun(nil, fixedNow, fl)

	_, err := b.SubmitBracket(context.Background(), domain.BracketRequest{
		Symbol: "AAPL", Quantity: 10, LimitPrice: decimal.NewFromFloat(100), ClientOrderID: "intent-1|Entry",
	})
	require.NoError(t, err)

	assert.Len(t, fl.entries, 1, "a fill already present in the loaded snapshot must not be recorded twice")
}

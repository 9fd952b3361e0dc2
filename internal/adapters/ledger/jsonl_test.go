package ledger_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/execution-v2/internal/adapters/ledger"
	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

func newWriter(t *testing.T) (*ledger.Writer, string) {
	t.Helper()
	dir := t.TempDir()
	dryRun := filepath.Join(dir, "dry_run_ledger.json")
	return ledger.New(filepath.Join(dir, "ledger"), dryRun), dir
}

func sampleRecord(intentID string) domain.OrderLedgerRecord {
	return domain.OrderLedgerRecord{
		RecordType:    domain.RecordOrderSubmitted,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        "2026-08-03",
		TSUTC:         time.Now().UTC().Truncate(time.Second),
		IntentID:      intentID,
		Symbol:        "AAPL",
		Purpose:       domain.PurposeEntry,
		Status:        domain.OrderStatusSubmitted,
		Quantity:      10,
		Price:         "100.00",
	}
}

func TestAppendOrderEvent_AppendsOnce(t *testing.T) {
	w, dir := newWriter(t)

	appended, err := w.AppendOrderEvent("DRY_RUN", sampleRecord("intent-1"))
	require.NoError(t, err)
	assert.True(t, appended)

	path := filepath.Join(dir, "ledger", "DRY_RUN", "2026-08-03.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "intent-1")
}

func TestAppendOrderEvent_SecondCallForSameNaturalKeyIsSkipped(t *testing.T) {
	w, _ := newWriter(t)

	appended, err := w.AppendOrderEvent("DRY_RUN", sampleRecord("intent-1"))
	require.NoError(t, err)
	assert.True(t, appended)

	appended, err = w.AppendOrderEvent("DRY_RUN", sampleRecord("intent-1"))
	require.NoError(t, err)
	assert.False(t, appended, "the idempotency scan must detect the existing (intent_id, purpose) line")
}

func TestAppendOrderEvent_DistinctIntentsBothAppend(t *testing.T) {
	w, _ := newWriter(t)

	_, err := w.AppendOrderEvent("DRY_RUN", sampleRecord("intent-1"))
	require.NoError(t, err)
	appended, err := w.AppendOrderEvent("DRY_RUN", sampleRecord("intent-2"))
	require.NoError(t, err)
	assert.True(t, appended)
}

func TestAppendPortfolioCycle_Appends(t *testing.T) {
	w, dir := newWriter(t)

	rec := domain.PortfolioDecisionCycleRecord{
		RecordType:    domain.RecordPortfolioCycle,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        "2026-08-03",
		TSUTC:         time.Now().UTC(),
		Mode:          string(domain.ModeDryRun),
		GatePass:      true,
	}
	require.NoError(t, w.AppendPortfolioCycle(rec))

	path := filepath.Join(dir, "ledger", "PORTFOLIO_DECISIONS", "2026-08-03.jsonl")
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestAppendSlippage_Appends(t *testing.T) {
	w, dir := newWriter(t)

	rec := domain.SlippageRecord{
		RecordType:    domain.RecordSlippage,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        "2026-08-03",
		TSUTC:         time.Now().UTC(),
		IntentID:      "intent-1",
		Symbol:        "AAPL",
		ExpectedPrice: "100.00",
		ActualPrice:   "100.05",
		SlippageBps:   5,
	}
	require.NoError(t, w.AppendSlippage(rec))

	path := filepath.Join(dir, "ledger", "EXECUTION_SLIPPAGE", "2026-08-03.jsonl")
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestWriteAndReadDryRunLedger_RoundTrips(t *testing.T) {
	w, _ := newWriter(t)

	entries := []domain.OrderLedgerRecord{sampleRecord("intent-1"), sampleRecord("intent-2")}
	require.NoError(t, w.WriteDryRunLedger(entries))

	got, err := w.ReadDryRunLedger()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "intent-1", got[0].IntentID)
}

func TestWriteDryRunLedger_AtomicallyReplacesPriorContent(t *testing.T) {
	w, _ := newWriter(t)

	require.NoError(t, w.WriteDryRunLedger([]domain.OrderLedgerRecord{sampleRecord("intent-1")}))
	require.NoError(t, w.WriteDryRunLedger([]domain.OrderLedgerRecord{sampleRecord("intent-2")}))

	got, err := w.ReadDryRunLedger()
	require.NoError(t, err)
	require.Len(t, got, 1, "the snapshot is a wholesale replace, not an append")
	assert.Equal(t, "intent-2", got[0].IntentID)
}

func TestReadDryRunLedger_MissingFileIsEmptyNotError(t *testing.T) {
	w, _ := newWriter(t)

	got, err := w.ReadDryRunLedger()
	require.NoError(t, err)
	assert.Empty(t, got)
}

package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/execution-v2/internal/adapters/candidates"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/ledger"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/lock"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/marketdata"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/storage"
	"github.com/kvanhimbergen/execution-v2/internal/application/clock"
	"github.com/kvanhimbergen/execution-v2/internal/application/orchestrator"
	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

type noopBroker struct{}

func (noopBroker) SubmitBracket(ctx context.Context, req domain.BracketRequest) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, nil
}
func (noopBroker) SubmitStop(ctx context.Context, req domain.StopRequest) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, nil
}
func (noopBroker) Cancel(ctx context.Context, orderID string) error { return nil }
func (noopBroker) ListOpenOrders(ctx context.Context, symbol string) ([]domain.BrokerOrder, error) {
	return nil, nil
}
func (noopBroker) ListPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}
func (noopBroker) GetAccountEquity(ctx context.Context) (float64, error) { return 100000, nil }
func (noopBroker) MarketClock(ctx context.Context) (domain.MarketClock, error) {
	return domain.MarketClock{IsOpen: true}, nil
}
func (noopBroker) Mode() domain.ExecutionMode { return domain.ModeDryRun }

type allowAllPortfolio struct{}

func (allowAllPortfolio) Load(ctx context.Context, nyDate domain.NYDate) (domain.PortfolioDecisionArtifact, bool, string) {
	// Permit blocks any (symbol, strategy) without an entry, so the
	// artifact carries an explicit allow for the watchlist symbol.
	return domain.PortfolioDecisionArtifact{Decisions: map[string]domain.PortfolioDecisionEntry{
		domain.DecisionKey("AAPL", domain.DefaultStrategyID): {Allow: true},
	}}, true, ""
}

// fakeClock pins NowUTC to a fixed midday NY trading instant so orchestrator
// tests don't depend on the wall-clock time the test happens to run at.
type fakeClock struct {
	real *clock.NYClock
	now  time.Time
}

func newFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	real, err := clock.New(clock.Config{})
	require.NoError(t, err)
	return &fakeClock{real: real, now: fakeClockNow}
}

func (f *fakeClock) NowUTC() time.Time                          { return f.now }
func (f *fakeClock) NYDate(t time.Time) domain.NYDate            { return f.real.NYDate(t) }
func (f *fakeClock) MarketPhase(t time.Time) domain.MarketPhase  { return f.real.MarketPhase(t) }
func (f *fakeClock) PollInterval(t time.Time) time.Duration      { return f.real.PollInterval(t) }
func (f *fakeClock) MarketOpenTime(t time.Time) time.Time        { return f.real.MarketOpenTime(t) }
func (f *fakeClock) Location() *time.Location                    { return f.real.Location() }

// fakeClockNow is the fixed instant newFakeClock pins NowUTC to; watchlist
// fixtures must carry this as their mtime so the freshness gate sees a
// CandidatesModDate that matches NYDate(fakeClockNow).
var fakeClockNow = time.Date(2026, time.August, 3, 16, 0, 0, 0, time.UTC)

func writeWatchlist(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "watchlist.csv")
	body := "Symbol,Direction,Entry_Level,Stop_Loss,Target_R1,Target_R2,Entry_DistPct\nAAPL,long,100,98,102,105,0.02\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, fakeClockNow, fakeClockNow))
	return path
}

func newTestOrchestrator(t *testing.T, candidatesCSV string) (*orchestrator.Orchestrator, ports.WriterLock, *storage.SQLiteStore) {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	w := ledger.New(t.TempDir()+"/ledger", t.TempDir()+"/dry_run.json")
	c := newFakeClock(t)
	l := lock.New(filepath.Join(t.TempDir(), "execution_v2.lock"))
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	md.SeedTrade("AAPL", domain.Trade{Symbol: "AAPL", Price: decimal.NewFromFloat(101)})

	cfg := domain.DefaultExecutionConfig()
	cfg.CandidatesCSV = candidatesCSV
	cfg.EntryDelayAfterOpen = 0
	cfg.IgnoreMarketHours = true

	o := orchestrator.New(orchestrator.Deps{
		Store:      db,
		MD:         md,
		Broker:     noopBroker{},
		Ledger:     w,
		Clock:      c,
		Lock:       l,
		Candidates: candidates.New(c.Location()),
		Portfolio:  allowAllPortfolio{},
	}, cfg, 1, nil)
	return o, l, db
}

func TestRunOnce_SavesHeartbeatAndReleasesLock(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeWatchlist(t, dir)
	o, l, db := newTestOrchestrator(t, csvPath)

	require.NoError(t, o.RunOnce(context.Background()))

	heartbeats, err := db.RecentHeartbeats(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, heartbeats, 1)

	// the lock must be free again after RunOnce returns
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
}

func TestRunOnce_SecondConcurrentInstanceFailsWithLockHeldExitCode(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeWatchlist(t, dir)
	lockPath := filepath.Join(t.TempDir(), "shared.lock")

	held := lock.New(lockPath)
	require.NoError(t, held.Acquire())
	defer held.Release()

	db, err := storage.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	w := ledger.New(t.TempDir()+"/ledger", t.TempDir()+"/dry_run.json")
	c, err := clock.New(clock.Config{})
	require.NoError(t, err)
	md := marketdata.NewFixture()
	cfg := domain.DefaultExecutionConfig()
	cfg.CandidatesCSV = csvPath
	cfg.IgnoreMarketHours = true

	o := orchestrator.New(orchestrator.Deps{
		Store:      db,
		MD:         md,
		Broker:     noopBroker{},
		Ledger:     w,
		Clock:      c,
		Lock:       lock.New(lockPath),
		Candidates: candidates.New(c.Location()),
		Portfolio:  allowAllPortfolio{},
	}, cfg, 1, nil)

	err = o.RunOnce(context.Background())
	require.Error(t, err)
	var fatal *domain.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, domain.ErrWriterLockHeld, fatal.Kind)
	assert.Equal(t, 64, fatal.ExitCode)
}

func TestRunOnce_MissingCandidatesFileStillRunsSellLoop(t *testing.T) {
	o, _, db := newTestOrchestrator(t, filepath.Join(t.TempDir(), "missing.csv"))

	require.NoError(t, o.RunOnce(context.Background()))

	heartbeats, err := db.RecentHeartbeats(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, heartbeats, 1)
	assert.Equal(t, 1, heartbeats[0].ErrorsCount, "a missing candidate file counts as one cycle error")
}

func TestRunOnce_MaterialCycleSchedulesAnIntent(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeWatchlist(t, dir)
	o, _, db := newTestOrchestrator(t, csvPath)

	require.NoError(t, o.RunOnce(context.Background()))

	heartbeats, err := db.RecentHeartbeats(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, heartbeats, 1)
	assert.Equal(t, 1, heartbeats[0].IntentsCount)
}

func TestRunOnce_CompletesCycleEvenWhenContextAlreadyCancelled(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeWatchlist(t, dir)
	o, _, _ := newTestOrchestrator(t, csvPath)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// RunOnce does not itself poll select on ctx mid-cycle; it still
	// completes the single cycle synchronously even if ctx is already done.
	err := o.RunOnce(ctx)
	assert.NoError(t, err)
}

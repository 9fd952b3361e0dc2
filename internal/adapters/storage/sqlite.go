// Package storage implements C2: the single-writer embedded SQLite
// state store. The schema-as-const, single-connection, and
// UPSERT-via-ON-CONFLICT-excluded patterns below are carried over
// directly from the teacher's scan-history store; symbol-lifecycle rows
// are written with the same single-statement INSERT ... ON CONFLICT
// DO UPDATE upsert.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS candidates (
	ny_date        TEXT    NOT NULL,
	strategy_id    TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	direction      TEXT    NOT NULL,
	entry_level    TEXT    NOT NULL,
	stop_loss      TEXT    NOT NULL,
	target_r1      TEXT    NOT NULL,
	target_r2      TEXT    NOT NULL,
	entry_dist_pct TEXT    NOT NULL,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (ny_date, strategy_id, symbol)
);

CREATE TABLE IF NOT EXISTS entry_intents (
	intent_id      TEXT PRIMARY KEY,
	ny_date        TEXT     NOT NULL,
	symbol         TEXT     NOT NULL,
	strategy_id    TEXT     NOT NULL,
	pivot          TEXT     NOT NULL,
	stop           TEXT     NOT NULL,
	r1             TEXT     NOT NULL,
	r2             TEXT     NOT NULL,
	quantity       INTEGER  NOT NULL,
	planned_entry_ts DATETIME NOT NULL,
	status         TEXT     NOT NULL,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_intents_due ON entry_intents(status, planned_entry_ts);
CREATE INDEX IF NOT EXISTS idx_intents_day ON entry_intents(ny_date, symbol, strategy_id);

CREATE TABLE IF NOT EXISTS order_ledger (
	intent_id        TEXT    NOT NULL,
	purpose          TEXT    NOT NULL,
	broker_order_id  TEXT    NOT NULL DEFAULT '',
	status           TEXT    NOT NULL,
	ts               DATETIME NOT NULL,
	PRIMARY KEY (intent_id, purpose)
);

CREATE TABLE IF NOT EXISTS symbol_lifecycle (
	ny_date            TEXT NOT NULL,
	strategy_id        TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	phase              TEXT NOT NULL DEFAULT 'Flat',
	consumed_entry     INTEGER NOT NULL DEFAULT 0,
	cooldown_expires   DATETIME,
	PRIMARY KEY (ny_date, strategy_id, symbol)
);

CREATE TABLE IF NOT EXISTS positions (
	symbol            TEXT NOT NULL,
	strategy_id       TEXT NOT NULL,
	intent_id         TEXT NOT NULL DEFAULT '',
	qty_open          INTEGER NOT NULL,
	avg_entry         TEXT NOT NULL,
	initial_stop      TEXT NOT NULL,
	current_stop      TEXT NOT NULL,
	r1                TEXT NOT NULL DEFAULT '0',
	r2                TEXT NOT NULL DEFAULT '0',
	r1_done           INTEGER NOT NULL DEFAULT 0,
	r2_done           INTEGER NOT NULL DEFAULT 0,
	exit_state        TEXT NOT NULL,
	opened_ts         DATETIME NOT NULL,
	last_structure_ts DATETIME,
	PRIMARY KEY (symbol, strategy_id)
);

CREATE TABLE IF NOT EXISTS daily_summary (
	ny_date        TEXT PRIMARY KEY,
	intents_count  INTEGER NOT NULL DEFAULT 0,
	orders_count   INTEGER NOT NULL DEFAULT 0,
	fills_count    INTEGER NOT NULL DEFAULT 0,
	errors_count   INTEGER NOT NULL DEFAULT 0,
	skip_counts_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS heartbeats (
	ts             DATETIME NOT NULL,
	mode           TEXT NOT NULL,
	market_open    INTEGER NOT NULL,
	intents_count  INTEGER NOT NULL,
	orders_count   INTEGER NOT NULL,
	errors_count   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heartbeats_ts ON heartbeats(ts DESC);
`

var _ ports.StateStore = (*SQLiteStore)(nil)

// SQLiteStore implements ports.StateStore over a single-writer SQLite
// connection (pure Go driver, no CGo).
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.New: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ApplySchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ApplySchema creates all tables/indexes if absent. Safe to call
// repeatedly.
func (s *SQLiteStore) ApplySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage.ApplySchema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- candidates ---

func (s *SQLiteStore) UpsertCandidate(ctx context.Context, nyDate domain.NYDate, c domain.Candidate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates
			(ny_date, strategy_id, symbol, direction, entry_level, stop_loss, target_r1, target_r2, entry_dist_pct, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ny_date, strategy_id, symbol) DO UPDATE SET
			direction      = excluded.direction,
			entry_level    = excluded.entry_level,
			stop_loss      = excluded.stop_loss,
			target_r1      = excluded.target_r1,
			target_r2      = excluded.target_r2,
			entry_dist_pct = excluded.entry_dist_pct,
			updated_at     = excluded.updated_at
	`, string(nyDate), c.EffectiveStrategyID(), c.Symbol, string(c.Direction),
		c.EntryLevel.String(), c.StopLoss.String(), c.TargetR1.String(), c.TargetR2.String(),
		c.EntryDistPct.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage.UpsertCandidate %s: %w", c.Symbol, err)
	}
	return nil
}

func (s *SQLiteStore) ListActiveCandidates(ctx context.Context, nyDate domain.NYDate) ([]domain.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_id, symbol, direction, entry_level, stop_loss, target_r1, target_r2, entry_dist_pct
		FROM candidates WHERE ny_date = ?
	`, string(nyDate))
	if err != nil {
		return nil, fmt.Errorf("storage.ListActiveCandidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		var c domain.Candidate
		var dir, entry, stop, r1, r2, distPct string
		if err := rows.Scan(&c.StrategyID, &c.Symbol, &dir, &entry, &stop, &r1, &r2, &distPct); err != nil {
			return nil, fmt.Errorf("storage.ListActiveCandidates: scan: %w", err)
		}
		c.Direction = domain.Direction(dir)
		c.EntryLevel = mustDecimal(entry)
		c.StopLoss = mustDecimal(stop)
		c.TargetR1 = mustDecimal(r1)
		c.TargetR2 = mustDecimal(r2)
		c.EntryDistPct = mustDecimal(distPct)
		c.ScanDate = nyDate
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- entry intents ---

func (s *SQLiteStore) PutEntryIntent(ctx context.Context, intent domain.EntryIntent) (domain.EntryIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok, err := s.getIntentLocked(ctx, intent.IntentID); err != nil {
		return domain.EntryIntent{}, err
	} else if ok {
		return existing, nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_intents
			(intent_id, ny_date, symbol, strategy_id, pivot, stop, r1, r2, quantity, planned_entry_ts, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, intent.IntentID, string(intent.NYDate), intent.Symbol, intent.StrategyID,
		intent.Pivot.String(), intent.Stop.String(), intent.R1.String(), intent.R2.String(),
		intent.Quantity, intent.PlannedEntryTimeUTC, string(intent.Status), intent.CreatedAtUTC)
	if err != nil {
		return domain.EntryIntent{}, fmt.Errorf("storage.PutEntryIntent: %w", err)
	}
	return intent, nil
}

func (s *SQLiteStore) PopDueEntryIntents(ctx context.Context, now time.Time) ([]domain.EntryIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent_id, ny_date, symbol, strategy_id, pivot, stop, r1, r2, quantity, planned_entry_ts, status, created_at
		FROM entry_intents
		WHERE status = ? AND planned_entry_ts <= ?
	`, string(domain.IntentScheduled), now)
	if err != nil {
		return nil, fmt.Errorf("storage.PopDueEntryIntents: %w", err)
	}
	defer rows.Close()

	var out []domain.EntryIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

// ListSubmittedEntryIntents returns intents whose bracket order has been
// sent to the broker but whose fill has not yet been confirmed — the
// per-cycle reconciliation set for brokers that rest orders instead of
// filling them synchronously (§4.8 step 8).
func (s *SQLiteStore) ListSubmittedEntryIntents(ctx context.Context) ([]domain.EntryIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent_id, ny_date, symbol, strategy_id, pivot, stop, r1, r2, quantity, planned_entry_ts, status, created_at
		FROM entry_intents
		WHERE status = ?
	`, string(domain.IntentSubmitted))
	if err != nil {
		return nil, fmt.Errorf("storage.ListSubmittedEntryIntents: %w", err)
	}
	defer rows.Close()

	var out []domain.EntryIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateIntentStatus(ctx context.Context, intentID string, status domain.IntentStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE entry_intents SET status = ? WHERE intent_id = ?`, string(status), intentID)
	if err != nil {
		return fmt.Errorf("storage.UpdateIntentStatus %s: %w", intentID, err)
	}
	return nil
}

func (s *SQLiteStore) GetIntent(ctx context.Context, intentID string) (domain.EntryIntent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getIntentLocked(ctx, intentID)
}

func (s *SQLiteStore) getIntentLocked(ctx context.Context, intentID string) (domain.EntryIntent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT intent_id, ny_date, symbol, strategy_id, pivot, stop, r1, r2, quantity, planned_entry_ts, status, created_at
		FROM entry_intents WHERE intent_id = ?
	`, intentID)
	intent, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return domain.EntryIntent{}, false, nil
	}
	if err != nil {
		return domain.EntryIntent{}, false, fmt.Errorf("storage.GetIntent %s: %w", intentID, err)
	}
	return intent, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (domain.EntryIntent, error) {
	var i domain.EntryIntent
	var nyDate, pivot, stop, r1, r2, status string
	if err := row.Scan(&i.IntentID, &nyDate, &i.Symbol, &i.StrategyID, &pivot, &stop, &r1, &r2,
		&i.Quantity, &i.PlannedEntryTimeUTC, &status, &i.CreatedAtUTC); err != nil {
		return domain.EntryIntent{}, err
	}
	i.NYDate = domain.NYDate(nyDate)
	i.Pivot = mustDecimal(pivot)
	i.Stop = mustDecimal(stop)
	i.R1 = mustDecimal(r1)
	i.R2 = mustDecimal(r2)
	i.Status = domain.IntentStatus(status)
	return i, nil
}

// --- order ledger ---

func (s *SQLiteStore) RecordOrderOnce(ctx context.Context, intentID string, purpose domain.OrderPurpose, brokerOrderID string, status domain.OrderStatus) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT broker_order_id FROM order_ledger WHERE intent_id = ? AND purpose = ?`,
		intentID, string(purpose)).Scan(&existing)
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("storage.RecordOrderOnce: lookup: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_ledger (intent_id, purpose, broker_order_id, status, ts) VALUES (?, ?, ?, ?, ?)
	`, intentID, string(purpose), brokerOrderID, string(status), time.Now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("storage.RecordOrderOnce: insert: %w", err)
	}
	return brokerOrderID, true, nil
}

func (s *SQLiteStore) UpdateExternalOrderID(ctx context.Context, intentID string, purpose domain.OrderPurpose, brokerOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE order_ledger SET broker_order_id = ? WHERE intent_id = ? AND purpose = ?`,
		brokerOrderID, intentID, string(purpose))
	if err != nil {
		return fmt.Errorf("storage.UpdateExternalOrderID %s/%s: %w", intentID, purpose, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, intentID string, purpose domain.OrderPurpose, status domain.OrderStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE order_ledger SET status = ? WHERE intent_id = ? AND purpose = ?`,
		string(status), intentID, string(purpose))
	if err != nil {
		return fmt.Errorf("storage.UpdateOrderStatus %s/%s: %w", intentID, purpose, err)
	}
	return nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, intentID string, purpose domain.OrderPurpose) (domain.OrderLedgerEntry, bool, error) {
	var e domain.OrderLedgerEntry
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT intent_id, purpose, broker_order_id, status, ts FROM order_ledger WHERE intent_id = ? AND purpose = ?
	`, intentID, string(purpose)).Scan(&e.IntentID, (*string)(&e.Purpose), &e.BrokerOrderID, &status, &e.TSUTC)
	if err == sql.ErrNoRows {
		return domain.OrderLedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.OrderLedgerEntry{}, false, fmt.Errorf("storage.GetOrder %s/%s: %w", intentID, purpose, err)
	}
	e.Status = domain.OrderStatus(status)
	return e, true, nil
}

// --- symbol lifecycle ---

func (s *SQLiteStore) SetSymbolPhase(ctx context.Context, nyDate domain.NYDate, strategyID, symbol string, phase domain.SymbolPhase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbol_lifecycle (ny_date, strategy_id, symbol, phase, consumed_entry)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(ny_date, strategy_id, symbol) DO UPDATE SET phase = excluded.phase
	`, string(nyDate), strategyID, symbol, string(phase))
	if err != nil {
		return fmt.Errorf("storage.SetSymbolPhase %s: %w", symbol, err)
	}
	return nil
}

func (s *SQLiteStore) GetSymbolLifecycle(ctx context.Context, nyDate domain.NYDate, strategyID, symbol string) (domain.SymbolLifecycleState, bool, error) {
	var st domain.SymbolLifecycleState
	var phase string
	var consumed int
	var cooldown sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT phase, consumed_entry, cooldown_expires FROM symbol_lifecycle
		WHERE ny_date = ? AND strategy_id = ? AND symbol = ?
	`, string(nyDate), strategyID, symbol).Scan(&phase, &consumed, &cooldown)
	if err == sql.ErrNoRows {
		return domain.SymbolLifecycleState{}, false, nil
	}
	if err != nil {
		return domain.SymbolLifecycleState{}, false, fmt.Errorf("storage.GetSymbolLifecycle %s: %w", symbol, err)
	}
	st.NYDate = nyDate
	st.StrategyID = strategyID
	st.Symbol = symbol
	st.Phase = domain.SymbolPhase(phase)
	st.ConsumedEntry = consumed != 0
	if cooldown.Valid {
		st.CooldownExpiresTS = cooldown.Time
	}
	return st, true, nil
}

func (s *SQLiteStore) MarkEntryConsumed(ctx context.Context, nyDate domain.NYDate, strategyID, symbol string, cooldownExpires time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbol_lifecycle (ny_date, strategy_id, symbol, phase, consumed_entry, cooldown_expires)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(ny_date, strategy_id, symbol) DO UPDATE SET
			consumed_entry   = 1,
			cooldown_expires = excluded.cooldown_expires
	`, string(nyDate), strategyID, symbol, string(domain.PhaseEntering), cooldownExpires)
	if err != nil {
		return fmt.Errorf("storage.MarkEntryConsumed %s: %w", symbol, err)
	}
	return nil
}

// --- positions ---

func (s *SQLiteStore) UpsertPosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions
			(symbol, strategy_id, intent_id, qty_open, avg_entry, initial_stop, current_stop, r1, r2, r1_done, r2_done, exit_state, opened_ts, last_structure_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, strategy_id) DO UPDATE SET
			intent_id         = excluded.intent_id,
			qty_open          = excluded.qty_open,
			avg_entry         = excluded.avg_entry,
			initial_stop      = excluded.initial_stop,
			current_stop      = excluded.current_stop,
			r1                = excluded.r1,
			r2                = excluded.r2,
			r1_done           = excluded.r1_done,
			r2_done           = excluded.r2_done,
			exit_state        = excluded.exit_state,
			last_structure_ts = excluded.last_structure_ts
	`, p.Symbol, p.StrategyID, p.IntentID, p.QtyOpen, p.AvgEntry.String(), p.InitialStop.String(), p.CurrentStop.String(),
		p.R1.String(), p.R2.String(), boolToInt(p.R1Done), boolToInt(p.R2Done), string(p.ExitState), p.OpenedTSUTC, nullTimeVal(p.LastStructureTSUTC))
	if err != nil {
		return fmt.Errorf("storage.UpsertPosition %s: %w", p.Symbol, err)
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, strategyID, symbol string) (domain.Position, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, strategy_id, intent_id, qty_open, avg_entry, initial_stop, current_stop, r1, r2, r1_done, r2_done, exit_state, opened_ts, last_structure_ts
		FROM positions WHERE strategy_id = ? AND symbol = ?
	`, strategyID, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return domain.Position{}, false, nil
	}
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("storage.GetPosition %s: %w", symbol, err)
	}
	return p, true, nil
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, strategy_id, intent_id, qty_open, avg_entry, initial_stop, current_stop, r1, r2, r1_done, r2_done, exit_state, opened_ts, last_structure_ts
		FROM positions WHERE exit_state NOT IN (?, ?)
	`, string(domain.ExitFlat), string(domain.ExitClosed))
	if err != nil {
		return nil, fmt.Errorf("storage.ListOpenPositions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListOpenPositions: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var avgEntry, initStop, curStop, r1Str, r2Str, exitState string
	var r1Done, r2Done int
	var lastStructure sql.NullTime
	if err := row.Scan(&p.Symbol, &p.StrategyID, &p.IntentID, &p.QtyOpen, &avgEntry, &initStop, &curStop,
		&r1Str, &r2Str, &r1Done, &r2Done, &exitState, &p.OpenedTSUTC, &lastStructure); err != nil {
		return domain.Position{}, err
	}
	p.AvgEntry = mustDecimal(avgEntry)
	p.InitialStop = mustDecimal(initStop)
	p.CurrentStop = mustDecimal(curStop)
	p.R1 = mustDecimal(r1Str)
	p.R2 = mustDecimal(r2Str)
	p.R1Done = r1Done != 0
	p.R2Done = r2Done != 0
	p.ExitState = domain.ExitState(exitState)
	if lastStructure.Valid {
		p.LastStructureTSUTC = lastStructure.Time
	}
	return p, nil
}

// --- daily summary / heartbeats ---

func (s *SQLiteStore) SaveDailySummary(ctx context.Context, nyDate domain.NYDate, sm ports.DailySummary) error {
	skipJSON, err := encodeSkipCounts(sm.SkipCounts)
	if err != nil {
		return fmt.Errorf("storage.SaveDailySummary: encode skip counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_summary (ny_date, intents_count, orders_count, fills_count, errors_count, skip_counts_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ny_date) DO UPDATE SET
			intents_count    = excluded.intents_count,
			orders_count     = excluded.orders_count,
			fills_count      = excluded.fills_count,
			errors_count     = excluded.errors_count,
			skip_counts_json = excluded.skip_counts_json
	`, string(nyDate), sm.IntentsCount, sm.OrdersCount, sm.FillsCount, sm.ErrorsCount, skipJSON)
	if err != nil {
		return fmt.Errorf("storage.SaveDailySummary %s: %w", nyDate, err)
	}
	return nil
}

func (s *SQLiteStore) SaveHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (ts, mode, market_open, intents_count, orders_count, errors_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, hb.TSUTC, hb.Mode, boolToInt(hb.MarketOpen), hb.IntentsCount, hb.OrdersCount, hb.ErrorsCount)
	if err != nil {
		return fmt.Errorf("storage.SaveHeartbeat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentHeartbeats(ctx context.Context, limit int) ([]domain.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, mode, market_open, intents_count, orders_count, errors_count FROM heartbeats ORDER BY ts DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentHeartbeats: %w", err)
	}
	defer rows.Close()

	var out []domain.Heartbeat
	for rows.Next() {
		var hb domain.Heartbeat
		var marketOpen int
		if err := rows.Scan(&hb.TSUTC, &hb.Mode, &marketOpen, &hb.IntentsCount, &hb.OrdersCount, &hb.ErrorsCount); err != nil {
			return nil, fmt.Errorf("storage.RecentHeartbeats: scan: %w", err)
		}
		hb.MarketOpen = marketOpen != 0
		out = append(out, hb)
	}
	return out, rows.Err()
}

// --- helpers ---

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeSkipCounts(m map[domain.SkipReason]int) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	plain := make(map[string]int, len(m))
	for k, v := range m {
		plain[string(k)] = v
	}
	b, err := json.Marshal(plain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

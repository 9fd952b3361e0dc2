// Package ledger implements C3: an append-only JSONL writer with two
// durability tiers. Ordinary lines (order events, portfolio cycles,
// slippage) are appended with an fsync after each write. The dry-run
// idempotency snapshot is small enough to rewrite wholesale every cycle,
// so it uses write-temp-fsync-rename instead, matching the atomic-replace
// pattern the teacher applies to its own state files (cmd/scanner's
// STOP-file convention motivates "never leave a half-written control
// file on disk"; no pack repo implements JSONL append directly, so the
// fsync discipline here is built from the spec's durability requirement
// directly — see DESIGN.md).
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

var _ ports.LedgerWriter = (*Writer)(nil)

// Writer roots all ledger files under baseDir (typically "ledger/").
type Writer struct {
	baseDir        string
	dryRunPath     string
	mu             sync.Mutex
}

// New constructs a Writer. dryRunPath is the path to the single
// dry-run idempotency snapshot file (outside baseDir's per-day layout).
func New(baseDir, dryRunPath string) *Writer {
	return &Writer{baseDir: baseDir, dryRunPath: dryRunPath}
}

// AppendOrderEvent appends rec to ledger/<book>/<ny_date>.jsonl after
// scanning the existing file for a line with the same natural key. The
// scan makes append O(n) in the day's line count, which is acceptable
// given the per-symbol-per-day cardinality described in §4.3.
func (w *Writer) AppendOrderEvent(book string, rec domain.OrderLedgerRecord) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Join(w.baseDir, book)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("ledger: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, string(rec.NYDate)+".jsonl")

	exists, err := scanForNaturalKey(path, rec.NaturalKey())
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if err := appendLine(path, rec); err != nil {
		return false, err
	}
	return true, nil
}

func scanForNaturalKey(path, key string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()

	var probe struct {
		IntentID string                `json:"intent_id"`
		Purpose  domain.OrderPurpose   `json:"purpose"`
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue // tolerate malformed trailing line from a prior crash
		}
		if probe.IntentID+"|"+string(probe.Purpose) == key {
			return true, nil
		}
	}
	return false, sc.Err()
}

func appendLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}
	return f.Sync()
}

// AppendPortfolioCycle appends to ledger/PORTFOLIO_DECISIONS/<date>.jsonl.
// Every cycle is distinct (no natural-key dedup), so this is a plain
// fsynced append.
func (w *Writer) AppendPortfolioCycle(rec domain.PortfolioDecisionCycleRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Join(w.baseDir, "PORTFOLIO_DECISIONS")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, string(rec.NYDate)+".jsonl")
	return appendLine(path, rec)
}

// AppendSlippage appends to ledger/EXECUTION_SLIPPAGE/<date>.jsonl.
func (w *Writer) AppendSlippage(rec domain.SlippageRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Join(w.baseDir, "EXECUTION_SLIPPAGE")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, string(rec.NYDate)+".jsonl")
	return appendLine(path, rec)
}

// WriteDryRunLedger atomically replaces the idempotency snapshot: write
// to a temp file in the same directory, fsync, then rename over the
// target. Rename is atomic on the same filesystem, so a reader never
// observes a partial file.
func (w *Writer) WriteDryRunLedger(entries []domain.OrderLedgerRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(w.dryRunPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".dry_run_ledger_*.tmp")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := json.NewEncoder(tmp)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return fmt.Errorf("ledger: encode: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, w.dryRunPath); err != nil {
		return fmt.Errorf("ledger: rename into place: %w", err)
	}
	return nil
}

// ReadDryRunLedger loads the current idempotency snapshot. A missing
// file is an empty ledger, not an error (first run of the day).
func (w *Writer) ReadDryRunLedger() ([]domain.OrderLedgerRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.dryRunPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open %s: %w", w.dryRunPath, err)
	}
	defer f.Close()

	var out []domain.OrderLedgerRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec domain.OrderLedgerRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("ledger: decode dry-run line: %w", err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

package ports

import "github.com/kvanhimbergen/execution-v2/internal/domain"

// LedgerWriter is the append-only JSONL writer (C3). One instance routes
// all books; callers pass the book ID so the writer can route to
// ledger/<BOOK_ID>/<ny_date>.jsonl (or the fixed PORTFOLIO_DECISIONS /
// EXECUTION_SLIPPAGE routes).
type LedgerWriter interface {
	// AppendOrderEvent appends to ledger/<book>/<ny_date>.jsonl after an
	// idempotency scan for a matching natural key; returns (false, nil)
	// without appending if the natural key is already present.
	AppendOrderEvent(book string, rec domain.OrderLedgerRecord) (appended bool, err error)
	AppendPortfolioCycle(rec domain.PortfolioDecisionCycleRecord) error
	AppendSlippage(rec domain.SlippageRecord) error
	// WriteDryRunLedger atomically replaces the dry-run idempotency
	// snapshot (write-temp-fsync-rename, per §4.3/§9).
	WriteDryRunLedger(entries []domain.OrderLedgerRecord) error
	ReadDryRunLedger() ([]domain.OrderLedgerRecord, error)
}

package ports

import (
	"context"
	"time"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

// StateStore is the single-writer embedded transactional store (C2). All
// mutating operations are idempotent: replaying a cycle's writes must be
// safe, since the orchestrator is re-entrant-safe across restarts.
type StateStore interface {
	ApplySchema(ctx context.Context) error

	// Candidates.
	UpsertCandidate(ctx context.Context, nyDate domain.NYDate, c domain.Candidate) error
	ListActiveCandidates(ctx context.Context, nyDate domain.NYDate) ([]domain.Candidate, error)

	// Entry intents.
	// PutEntryIntent returns the existing intent unchanged if intent_id
	// already exists (collision == idempotent no-op), per §4.2.
	PutEntryIntent(ctx context.Context, intent domain.EntryIntent) (domain.EntryIntent, error)
	PopDueEntryIntents(ctx context.Context, now time.Time) ([]domain.EntryIntent, error)
	// ListSubmittedEntryIntents returns intents awaiting fill confirmation
	// for the next-cycle reconciliation pass (§4.8 step 8).
	ListSubmittedEntryIntents(ctx context.Context) ([]domain.EntryIntent, error)
	UpdateIntentStatus(ctx context.Context, intentID string, status domain.IntentStatus) error
	GetIntent(ctx context.Context, intentID string) (domain.EntryIntent, bool, error)

	// Order ledger. RecordOrderOnce is idempotent: for a given
	// (intent_id, purpose) it returns the prior successful broker_order_id
	// if one already exists rather than recording a second one.
	RecordOrderOnce(ctx context.Context, intentID string, purpose domain.OrderPurpose, brokerOrderID string, status domain.OrderStatus) (existing string, wasNew bool, err error)
	UpdateExternalOrderID(ctx context.Context, intentID string, purpose domain.OrderPurpose, brokerOrderID string) error
	UpdateOrderStatus(ctx context.Context, intentID string, purpose domain.OrderPurpose, status domain.OrderStatus) error
	GetOrder(ctx context.Context, intentID string, purpose domain.OrderPurpose) (domain.OrderLedgerEntry, bool, error)

	// Symbol lifecycle.
	SetSymbolPhase(ctx context.Context, nyDate domain.NYDate, strategyID, symbol string, phase domain.SymbolPhase) error
	GetSymbolLifecycle(ctx context.Context, nyDate domain.NYDate, strategyID, symbol string) (domain.SymbolLifecycleState, bool, error)
	MarkEntryConsumed(ctx context.Context, nyDate domain.NYDate, strategyID, symbol string, cooldownExpires time.Time) error

	// Positions.
	UpsertPosition(ctx context.Context, p domain.Position) error
	GetPosition(ctx context.Context, strategyID, symbol string) (domain.Position, bool, error)
	ListOpenPositions(ctx context.Context) ([]domain.Position, error)

	// Daily summary / heartbeat history (supplemented, §SPEC_FULL).
	SaveDailySummary(ctx context.Context, nyDate domain.NYDate, s DailySummary) error
	SaveHeartbeat(ctx context.Context, hb domain.Heartbeat) error
	RecentHeartbeats(ctx context.Context, limit int) ([]domain.Heartbeat, error)

	Close() error
}

// DailySummary is the supplemented per-ny_date aggregate row (SPEC_FULL.md).
type DailySummary struct {
	NYDate       domain.NYDate
	IntentsCount int
	OrdersCount  int
	FillsCount   int
	ErrorsCount  int
	SkipCounts   map[domain.SkipReason]int
}

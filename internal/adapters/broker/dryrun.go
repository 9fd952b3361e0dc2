package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

var _ ports.BrokerAdapter = (*DryRunBroker)(nil)

// DryRunBroker never touches a real account. It logs every would-be
// order and returns a synthetic, deterministic order ID derived from
// the client order ID, so repeated cycles in dry-run mode produce
// stable, comparable output (§4.5, §9 default mode). Every fill is also
// appended to the state/dry_run_ledger.json control file so a restarted
// process can recover which dry-run fills it has already recorded
// instead of replaying them as new.
type DryRunBroker struct {
	log    *slog.Logger
	now    func() time.Time
	ledger ports.LedgerWriter

	mu      sync.Mutex
	entries []domain.OrderLedgerRecord
	seen    map[string]bool
}

// NewDryRun constructs a DryRunBroker. now defaults to time.Now when nil.
// ledger may be nil (e.g. in tests that don't care about the control
// file), in which case fills are simply not persisted to it.
func NewDryRun(log *slog.Logger, now func() time.Time, ledger ports.LedgerWriter) *DryRunBroker {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	b := &DryRunBroker{log: log, now: now, ledger: ledger, seen: make(map[string]bool)}
	if ledger != nil {
		if existing, err := ledger.ReadDryRunLedger(); err == nil {
			for _, e := range existing {
				b.entries = append(b.entries, e)
				b.seen[e.IntentID+"|"+string(e.Purpose)] = true
			}
		} else {
			log.Warn("dry_run: reading existing ledger snapshot failed", "err", err)
		}
	}
	return b
}

// recordFill appends a fill to the in-memory snapshot (deduped by
// intent/purpose) and rewrites state/dry_run_ledger.json wholesale.
func (b *DryRunBroker) recordFill(rec domain.OrderLedgerRecord) {
	if b.ledger == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := rec.IntentID + "|" + string(rec.Purpose)
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.entries = append(b.entries, rec)
	if err := b.ledger.WriteDryRunLedger(b.entries); err != nil {
		b.log.Warn("dry_run: ledger snapshot write failed", "intent_id", rec.IntentID, "err", err)
	}
}

func (b *DryRunBroker) Mode() domain.ExecutionMode { return domain.ModeDryRun }

func syntheticOrderID(clientOrderID string) string {
	sum := sha256.Sum256([]byte("dry_run|" + clientOrderID))
	return "dryrun-" + hex.EncodeToString(sum[:8])
}

func (b *DryRunBroker) SubmitBracket(ctx context.Context, req domain.BracketRequest) (domain.BrokerOrder, error) {
	b.log.Info("dry_run: submit bracket",
		"symbol", req.Symbol, "qty", req.Quantity, "limit", req.LimitPrice.String(),
		"stop", req.StopPrice.String(), "take_profit", req.TakeProfit.String(),
		"client_order_id", req.ClientOrderID)
	orderID := syntheticOrderID(req.ClientOrderID)
	ts := b.now().UTC()

	intentID, purpose := parseClientOrderID(req.ClientOrderID)
	b.recordFill(domain.OrderLedgerRecord{
		RecordType:    domain.RecordFillDetected,
		SchemaVersion: domain.LedgerSchemaVersion,
		TSUTC:         ts,
		IntentID:      intentID,
		Symbol:        req.Symbol,
		Purpose:       purpose,
		BrokerOrderID: orderID,
		Status:        domain.OrderStatusFilled,
		Quantity:      req.Quantity,
		Price:         req.LimitPrice.String(),
	})

	return domain.BrokerOrder{
		OrderID:        orderID,
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Quantity:       req.Quantity,
		Status:         domain.OrderStatusFilled,
		FilledQty:      req.Quantity,
		FilledAvgPrice: req.LimitPrice,
		SubmittedAt:    ts,
	}, nil
}

func (b *DryRunBroker) SubmitStop(ctx context.Context, req domain.StopRequest) (domain.BrokerOrder, error) {
	b.log.Info("dry_run: submit stop",
		"symbol", req.Symbol, "qty", req.Quantity, "stop", req.StopPrice.String(),
		"client_order_id", req.ClientOrderID)
	orderID := syntheticOrderID(req.ClientOrderID)
	ts := b.now().UTC()

	intentID, purpose := parseClientOrderID(req.ClientOrderID)
	b.recordFill(domain.OrderLedgerRecord{
		RecordType:    domain.RecordOrderSubmitted,
		SchemaVersion: domain.LedgerSchemaVersion,
		TSUTC:         ts,
		IntentID:      intentID,
		Symbol:        req.Symbol,
		Purpose:       purpose,
		BrokerOrderID: orderID,
		Status:        domain.OrderStatusOpen,
		Quantity:      req.Quantity,
		Price:         req.StopPrice.String(),
	})

	return domain.BrokerOrder{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Quantity:      req.Quantity,
		Status:        domain.OrderStatusOpen,
		SubmittedAt:   ts,
	}, nil
}

// parseClientOrderID splits the "intent_id|purpose" client order ID
// submitOne/sellloop construct back into its parts for the dry-run
// ledger snapshot.
func parseClientOrderID(clientOrderID string) (intentID string, purpose domain.OrderPurpose) {
	idx := strings.LastIndex(clientOrderID, "|")
	if idx < 0 {
		return clientOrderID, ""
	}
	return clientOrderID[:idx], domain.OrderPurpose(clientOrderID[idx+1:])
}

func (b *DryRunBroker) Cancel(ctx context.Context, orderID string) error {
	b.log.Info("dry_run: cancel order", "order_id", orderID)
	return nil
}

func (b *DryRunBroker) ListOpenOrders(ctx context.Context, symbol string) ([]domain.BrokerOrder, error) {
	return nil, nil
}

func (b *DryRunBroker) ListPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}

func (b *DryRunBroker) GetAccountEquity(ctx context.Context) (float64, error) {
	return 0, fmt.Errorf("dry_run: account equity unavailable, configure ACCOUNT_EQUITY_OVERRIDE")
}

func (b *DryRunBroker) MarketClock(ctx context.Context) (domain.MarketClock, error) {
	now := b.now().UTC()
	return domain.MarketClock{IsOpen: true, NextOpen: now, NextClose: now.Add(6*time.Hour + 30*time.Minute)}, nil
}

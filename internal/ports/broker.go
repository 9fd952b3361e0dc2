package ports

import (
	"context"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

// BrokerAdapter is the capability interface described in §9: four
// variants (dry-run, paper-sim, broker-paper, broker-live) are selected
// at startup from EXECUTION_MODE; the rest of the core is agnostic to
// which one is wired in.
type BrokerAdapter interface {
	SubmitBracket(ctx context.Context, req domain.BracketRequest) (domain.BrokerOrder, error)
	SubmitStop(ctx context.Context, req domain.StopRequest) (domain.BrokerOrder, error)
	Cancel(ctx context.Context, orderID string) error
	ListOpenOrders(ctx context.Context, symbol string) ([]domain.BrokerOrder, error)
	ListPositions(ctx context.Context) ([]domain.BrokerPosition, error)
	GetAccountEquity(ctx context.Context) (float64, error)
	MarketClock(ctx context.Context) (domain.MarketClock, error)
	// Mode reports which ExecutionMode this adapter instance implements,
	// so the orchestrator can log/record the effective mode accurately.
	Mode() domain.ExecutionMode
}

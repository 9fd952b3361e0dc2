package ports

import (
	"context"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

// MarketDataProvider is the C4 adapter. Functions return either a value
// or a classified failure (domain.MarketDataError); transient failures
// are retried with bounded backoff by the caller, not here.
type MarketDataProvider interface {
	// LastTwoClosedTenMinuteBars returns exactly the last two fully
	// closed 10-minute bars for symbol, oldest first, for BOH confirmation.
	LastTwoClosedTenMinuteBars(ctx context.Context, symbol string) ([]domain.Bar, error)
	LastTrade(ctx context.Context, symbol string) (domain.Trade, error)
	MarketClock(ctx context.Context) (domain.MarketClock, error)
}

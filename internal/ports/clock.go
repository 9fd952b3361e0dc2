package ports

import (
	"time"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

// Clock provides NY-timezone time decisions (C1). All day-boundary logic
// uses NY time; all stored timestamps are UTC.
type Clock interface {
	NowUTC() time.Time
	NYDate(t time.Time) domain.NYDate
	MarketPhase(t time.Time) domain.MarketPhase
	// PollInterval returns the poll cadence for the given instant: tight
	// during the configured tight window, market interval during market
	// hours, base interval otherwise.
	PollInterval(t time.Time) time.Duration
	// MarketOpenTime returns today's scheduled open in UTC.
	MarketOpenTime(t time.Time) time.Time
}

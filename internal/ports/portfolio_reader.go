package ports

import (
	"context"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

// PortfolioDecisionReader is C7: loads and validates the day's ALLOW/BLOCK
// artifact and exposes per-intent permission.
type PortfolioDecisionReader interface {
	// Load reads and validates analytics/artifacts/portfolio_decisions/<ny_date>.json.
	// A validation failure is not a Go error here — it is represented as
	// ok=false so the caller can force BLOCK-all without treating this as
	// a fatal condition.
	Load(ctx context.Context, nyDate domain.NYDate) (artifact domain.PortfolioDecisionArtifact, ok bool, failureReason string)
}

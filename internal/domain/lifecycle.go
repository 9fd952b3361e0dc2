package domain

import "time"

// SymbolLifecycleState is the per (ny_date, strategy_id, symbol) phase
// tracker described in §3. The one-shot marker and cooldown are what
// back the "one entry per symbol per day" rule in §4.8 step 3.
type SymbolLifecycleState struct {
	NYDate             NYDate
	StrategyID         string
	Symbol             string
	Phase              SymbolPhase
	ConsumedEntry       bool
	CooldownExpiresTS   time.Time
}

// CooldownActive reports whether the one-shot cooldown still blocks a new
// entry at the given time.
func (s SymbolLifecycleState) CooldownActive(now time.Time) bool {
	return s.ConsumedEntry && now.Before(s.CooldownExpiresTS)
}

// SkipReason is the reason code a gate or lifecycle check records when it
// declines to act. These populate GateDecision.Reasons and the
// portfolio-decision ledger record.
type SkipReason string

const (
	SkipOneShotCooldown   SkipReason = "one_shot_cooldown_active"
	SkipMinDelayAfterOpen SkipReason = "entry_delay_after_open"
	SkipBOHNotConfirmed   SkipReason = "boh_not_confirmed"
	SkipSizeTooSmall      SkipReason = "size_too_small"
	SkipKillSwitch        SkipReason = "kill_switch_active"
	SkipMarketClosed      SkipReason = "market_closed"
	SkipWatchlistStale    SkipReason = "watchlist_stale"
	SkipCapsOrdersPerDay  SkipReason = "cap_orders_per_day"
	SkipCapsPositions     SkipReason = "cap_positions"
	SkipCapsGrossNotional SkipReason = "cap_gross_notional"
	SkipCapsSymbolNotional SkipReason = "cap_symbol_notional"
	SkipNotAllowlisted    SkipReason = "not_allowlisted"
	SkipPortfolioBlock    SkipReason = "concentration_cap"
	SkipPortfolioArtifactInvalid SkipReason = "portfolio_artifact_invalid"
	SkipLiveConfirmMissing  SkipReason = "live_confirm_missing"
	SkipLiveConfirmMismatch SkipReason = "live_confirm_mismatch"
	SkipLiveLedgerAbsent    SkipReason = "live_ledger_absent"
	SkipModeDowngraded      SkipReason = "mode_downgraded"
)

package domain

import "time"

// ExecutionConfig is the §9 "single value computed once at cycle start"
// design note: every feature-flagged subsystem (Edge Window, one-shot,
// correlation sizing, dynamic exposure) gates on a boolean field here,
// so on/off behavior is symmetric and testable instead of scattered
// env-var reads deep in the call stack.
type ExecutionConfig struct {
	// Mode resolution / safety.
	ConfiguredMode        ExecutionMode
	ForceDryRun            bool
	LiveTradingRequested   bool
	LiveConfirmToken       string
	KillSwitchEnv          bool
	AllowlistSymbols       []string
	Caps                   Caps
	PortfolioDecisionEnforce bool
	IgnoreMarketHours      bool

	// Polling / clock (C1).
	PollSeconds           int
	PollTightSeconds      int
	PollTightStartET      string
	PollTightEndET        string
	PollMarketSeconds     int

	// Entry throttles (C8).
	EntryDelayAfterOpen   time.Duration
	MinExitArmingSeconds  time.Duration
	MarketSettleMinutes   time.Duration

	// Edge Window (C8 step 2).
	EdgeWindowEnabled       bool
	EdgeWindowRechecks      int
	EdgeWindowRecheckDelay  time.Duration
	EdgeWindowProximityPct  float64

	// One-shot (C8 step 3).
	OneShotPerSymbolEnabled bool
	OneShotResetMode        string // "cooldown"
	OneShotCooldownMinutes  time.Duration

	// Sizing (C8 step 5).
	BaseRiskPct            float64
	RiskScale              float64
	CorrelationSizingEnabled bool

	// Trims / exits (C9).
	TrimFraction float64 // default 0.5

	// Paths.
	StateDir       string
	DBPath         string
	CandidatesCSV  string
}

// DefaultExecutionConfig returns the documented defaults from §6's
// environment variable table; callers apply env/flag overrides on top.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		ConfiguredMode:          ModeDryRun,
		PollSeconds:             60,
		PollTightSeconds:        15,
		PollTightStartET:        "09:30",
		PollTightEndET:          "10:05",
		PollMarketSeconds:       60,
		EntryDelayAfterOpen:     20 * time.Minute,
		MinExitArmingSeconds:    120 * time.Second,
		MarketSettleMinutes:     0,
		EdgeWindowRechecks:      3,
		EdgeWindowRecheckDelay:  5 * time.Second,
		EdgeWindowProximityPct:  0.002,
		OneShotPerSymbolEnabled: true,
		OneShotResetMode:        "cooldown",
		OneShotCooldownMinutes:  120 * time.Minute,
		BaseRiskPct:             0.0075,
		RiskScale:               1.0,
		TrimFraction:            0.5,
		StateDir:                "/root/avwap_r3k_scanner/state",
		DBPath:                  "data/execution_v2.sqlite",
	}
}

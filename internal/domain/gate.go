package domain

// ExecutionMode is the effective broker-adapter variant for the cycle,
// resolved by gate 4 in §4.6.
type ExecutionMode string

const (
	ModeDryRun      ExecutionMode = "DRY_RUN"
	ModePaperSim    ExecutionMode = "PAPER_SIM"
	ModeAlpacaPaper ExecutionMode = "ALPACA_PAPER"
	ModeAlpacaLive  ExecutionMode = "ALPACA_LIVE"
)

// Caps are the per-day/position/notional limits enforced by gate 6.
type Caps struct {
	MaxOrdersPerDay       int
	MaxPositions          int
	MaxGrossNotional      float64
	MaxNotionalPerSymbol  float64
}

// GateDecision is the per-cycle output of the Safety Gate Stack (C6).
// Reasons accumulate in gate-evaluation order; Blocks maps individual
// symbols to why their entry was refused (as opposed to Reasons, which
// covers cycle-wide downgrades).
type GateDecision struct {
	Mode      ExecutionMode
	Pass      bool
	Reasons   []SkipReason
	Allowlist []string
	Caps      Caps
	Blocks    map[string]SkipReason
}

// NewGateDecision returns a passing decision in the given mode with no
// blocks, the zero value a cycle starts from before gates run.
func NewGateDecision(mode ExecutionMode) GateDecision {
	return GateDecision{
		Mode:   mode,
		Pass:   true,
		Blocks: make(map[string]SkipReason),
	}
}

// Downgrade records a reason and forces DRY_RUN without failing the whole
// cycle — used by gates that only downgrade (kill switch, mode
// resolution, live ledger absence, auth failure).
func (d *GateDecision) Downgrade(reason SkipReason) {
	d.Mode = ModeDryRun
	d.Reasons = append(d.Reasons, reason)
}

// BlockAll marks the cycle as not passing for new entries (exits still
// run) — used by watchlist staleness and portfolio-artifact validation
// failures.
func (d *GateDecision) BlockAll(reason SkipReason) {
	d.Pass = false
	d.Reasons = append(d.Reasons, reason)
}

// BlockSymbol records a per-symbol reason without affecting other symbols.
func (d *GateDecision) BlockSymbol(symbol string, reason SkipReason) {
	if d.Blocks == nil {
		d.Blocks = make(map[string]SkipReason)
	}
	d.Blocks[symbol] = reason
}

// EntriesAllowed reports whether new entries may be submitted at all this
// cycle (independent of per-symbol blocks).
func (d GateDecision) EntriesAllowed() bool {
	return d.Pass
}

// IsAllowlisted reports whether symbol may trade given the allowlist. An
// empty allowlist means all symbols are permitted.
func (d GateDecision) IsAllowlisted(symbol string) bool {
	if len(d.Allowlist) == 0 {
		return true
	}
	for _, s := range d.Allowlist {
		if s == symbol {
			return true
		}
	}
	return false
}

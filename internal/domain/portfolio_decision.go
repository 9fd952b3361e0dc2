package domain

// PortfolioDecisionEntry is one symbol/strategy verdict inside the day's
// portfolio decision artifact.
type PortfolioDecisionEntry struct {
	Allow  bool
	Reason string // populated when Allow is false
}

// PortfolioDecisionArtifact is the external JSON keyed by ny_date,
// produced by the (out-of-scope) portfolio-decision analytics process and
// read-only to this engine. Invariant: missing, unreadable, or
// mismatched-date artifact forces BLOCK-all for entries (§3, §4.7).
type PortfolioDecisionArtifact struct {
	SchemaVersion int
	NYDate        NYDate
	Decisions     map[string]PortfolioDecisionEntry // key: symbol|strategy_id
}

// DecisionKey builds the map key used by PortfolioDecisionArtifact.Decisions.
func DecisionKey(symbol, strategyID string) string {
	return symbol + "|" + strategyID
}

// Permit looks up the decision for (symbol, strategyID). A missing entry
// is treated as Block with reason "no_decision" — the reader enforces
// fail-closed per-intent permission, not just artifact-level validity.
func (a PortfolioDecisionArtifact) Permit(symbol, strategyID string) (allow bool, reason string) {
	d, ok := a.Decisions[DecisionKey(symbol, strategyID)]
	if !ok {
		return false, "no_decision"
	}
	return d.Allow, d.Reason
}

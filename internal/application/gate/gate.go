// Package gate implements C6: the ordered Safety Gate Stack. The
// per-reason alert throttle reuses golang.org/x/time/rate the way the
// teacher's polymarket client rate-limits outbound calls — here it
// rate-limits outbound operator alerts instead of HTTP requests, one
// token per reason per roughly a day.
package gate

import (
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

// CapCounts are the current-cycle counts the caller (orchestrator) has
// already gathered from the state store, checked against Caps in gate 6.
type CapCounts struct {
	OrdersToday        int
	OpenPositions      int
	GrossNotional      float64
	PerSymbolNotional  map[string]float64
}

// Input is everything the gate stack needs to produce one GateDecision.
// All fields are pre-computed by the caller; the gate stack does no I/O
// of its own beyond the kill-switch, live-confirm-token and live-ledger
// file checks, which are inherently filesystem-state gates.
type Input struct {
	Now                 time.Time
	NYDate              domain.NYDate
	MarketOpen          bool
	IgnoreMarketHours   bool
	CandidatesPresent   bool
	CandidatesModDate   domain.NYDate

	KillSwitchFilePath  string
	KillSwitchEnv       bool

	ConfiguredMode      domain.ExecutionMode
	ForceDryRun         bool
	LiveTradingRequested bool
	LiveConfirmTokenPath string // file holding the expected token
	LiveConfirmToken    string  // value supplied by the operator (env/flag)
	LiveLedgerPath      string

	Caps       domain.Caps
	CapCounts  CapCounts
	Allowlist  []string

	PortfolioArtifactOK     bool
	PortfolioFailureReason  string
}

// Stack evaluates the ordered gate sequence and throttles repeat alerts.
type Stack struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter // key: ny_date|reason
	onAlert   func(reason domain.SkipReason, detail string)
}

// New constructs a Stack. onAlert is invoked at most once per
// (ny_date, reason) — pass nil to disable alerting (e.g. in tests).
func New(onAlert func(reason domain.SkipReason, detail string)) *Stack {
	return &Stack{
		limiters: make(map[string]*rate.Limiter),
		onAlert:  onAlert,
	}
}

func (s *Stack) alert(nyDate domain.NYDate, reason domain.SkipReason, detail string) {
	if s.onAlert == nil {
		return
	}
	s.mu.Lock()
	key := string(nyDate) + "|" + string(reason)
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(24*time.Hour), 1)
		s.limiters[key] = lim
	}
	allow := lim.Allow()
	s.mu.Unlock()
	if allow {
		s.onAlert(reason, detail)
	}
}

// Evaluate runs the 8 ordered gates from the Safety Gate Stack design.
func (s *Stack) Evaluate(in Input) domain.GateDecision {
	d := domain.NewGateDecision(in.ConfiguredMode)
	d.Caps = in.Caps
	d.Allowlist = in.Allowlist

	// Gate 1: kill switch. Forces DRY_RUN and blocks new entries outright
	// — the sell loop still runs, but no new entry order reaches a live
	// broker while the switch is active (§4.6 step 1: "continue exits only").
	if in.KillSwitchEnv || fileExists(in.KillSwitchFilePath) {
		d.Downgrade(domain.SkipKillSwitch)
		d.Pass = false
		s.alert(in.NYDate, domain.SkipKillSwitch, "kill switch active; continuing exits only in DRY_RUN")
	}

	// Gate 2: market hours.
	if !in.IgnoreMarketHours && !in.MarketOpen {
		d.BlockAll(domain.SkipMarketClosed)
		return d
	}

	// Gate 3: watchlist freshness.
	if !in.CandidatesPresent || in.CandidatesModDate != in.NYDate {
		d.BlockAll(domain.SkipWatchlistStale)
		s.alert(in.NYDate, domain.SkipWatchlistStale, "candidate file missing or stale")
	}

	// Gate 4: execution mode resolution.
	mode := d.Mode // already DRY_RUN when gate 1 fired
	if in.ForceDryRun {
		mode = domain.ModeDryRun
	} else if mode == domain.ModeAlpacaLive {
		if !in.LiveTradingRequested || in.LiveConfirmToken == "" {
			mode = domain.ModeDryRun
			d.Reasons = append(d.Reasons, domain.SkipLiveConfirmMissing)
		} else {
			expected, err := os.ReadFile(in.LiveConfirmTokenPath)
			if err != nil || strings.TrimSpace(string(expected)) != in.LiveConfirmToken {
				mode = domain.ModeDryRun
				d.Reasons = append(d.Reasons, domain.SkipLiveConfirmMismatch)
				s.alert(in.NYDate, domain.SkipLiveConfirmMismatch, "LIVE_CONFIRM_TOKEN did not match")
			}
		}
	}
	d.Mode = mode

	// Gate 5: live ledger present.
	if d.Mode == domain.ModeAlpacaLive && !fileExists(in.LiveLedgerPath) {
		d.Mode = domain.ModeDryRun
		d.Reasons = append(d.Reasons, domain.SkipLiveLedgerAbsent)
		s.alert(in.NYDate, domain.SkipLiveLedgerAbsent, "live ledger file missing; downgraded to DRY_RUN")
	}

	// Gate 6: caps.
	if in.Caps.MaxOrdersPerDay > 0 && in.CapCounts.OrdersToday >= in.Caps.MaxOrdersPerDay {
		d.BlockAll(domain.SkipCapsOrdersPerDay)
	}
	if in.Caps.MaxPositions > 0 && in.CapCounts.OpenPositions >= in.Caps.MaxPositions {
		d.BlockAll(domain.SkipCapsPositions)
	}
	if in.Caps.MaxGrossNotional > 0 && in.CapCounts.GrossNotional >= in.Caps.MaxGrossNotional {
		d.BlockAll(domain.SkipCapsGrossNotional)
	}
	for symbol, notional := range in.CapCounts.PerSymbolNotional {
		if in.Caps.MaxNotionalPerSymbol > 0 && notional >= in.Caps.MaxNotionalPerSymbol {
			d.BlockSymbol(symbol, domain.SkipCapsSymbolNotional)
		}
	}

	// Gate 7: allowlist is carried on the decision; per-symbol
	// enforcement happens in the buy loop via d.IsAllowlisted.

	// Gate 8: portfolio decision artifact validity.
	if !in.PortfolioArtifactOK {
		d.BlockAll(domain.SkipPortfolioArtifactInvalid)
		s.alert(in.NYDate, domain.SkipPortfolioArtifactInvalid, in.PortfolioFailureReason)
	}

	return d
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}


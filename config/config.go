// Package config loads execution-v2's configuration: a YAML file
// overlaid by a .env file overlaid by environment variables, following
// the teacher's config.Load/applyEnvOverrides/setDefaults split.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

// Config is execution-v2's complete resolved configuration.
type Config struct {
	Mode    ModeConfig    `yaml:"mode"`
	Safety  SafetyConfig  `yaml:"safety"`
	Broker  BrokerConfig  `yaml:"broker"`
	Paths   PathsConfig   `yaml:"paths"`
	Poll    PollConfig    `yaml:"poll"`
	Entry   EntryConfig   `yaml:"entry"`
	Edge    EdgeConfig    `yaml:"edge"`
	OneShot OneShotConfig `yaml:"one_shot"`
	Sizing  SizingConfig  `yaml:"sizing"`
	Trim    TrimConfig    `yaml:"trim"`
	Log     LogConfig     `yaml:"log"`
}

// ModeConfig resolves EXECUTION_MODE and live-trading confirmation.
type ModeConfig struct {
	Execution            string `yaml:"execution"` // DRY_RUN | PAPER_SIM | ALPACA_PAPER | ALPACA_LIVE
	ForceDryRun          bool   `yaml:"force_dry_run"`
	LiveTradingRequested bool   `yaml:"live_trading_requested"`
	LiveConfirmToken     string `yaml:"live_confirm_token"`
	LiveConfirmTokenPath string `yaml:"live_confirm_token_path"`
}

// SafetyConfig holds the kill switch, allowlist, and caps.
type SafetyConfig struct {
	KillSwitchEnv           bool     `yaml:"kill_switch"`
	KillSwitchFilePath      string   `yaml:"kill_switch_file_path"`
	AllowlistSymbols        []string `yaml:"allowlist_symbols"`
	MaxOrdersPerDay         int      `yaml:"max_orders_per_day"`
	MaxPositions            int      `yaml:"max_positions"`
	MaxGrossNotional        float64  `yaml:"max_gross_notional"`
	MaxNotionalPerSymbol    float64  `yaml:"max_notional_per_symbol"`
	PortfolioDecisionEnforce bool    `yaml:"portfolio_decision_enforce"`
	IgnoreMarketHours       bool     `yaml:"ignore_market_hours"`
}

// BrokerConfig holds Alpaca credentials.
type BrokerConfig struct {
	APIKeyID     string `yaml:"api_key_id"`
	APISecretKey string `yaml:"api_secret_key"`
	BaseURL      string `yaml:"base_url"`
}

// PathsConfig holds filesystem roots.
type PathsConfig struct {
	StateDir          string `yaml:"state_dir"`
	DBPath            string `yaml:"db_path"`
	CandidatesCSV     string `yaml:"candidates_csv"`
	LedgerDir         string `yaml:"ledger_dir"`
	DryRunLedgerPath  string `yaml:"dry_run_ledger_path"`
	LiveLedgerPath    string `yaml:"live_ledger_path"`
	PortfolioArtifactDir string `yaml:"portfolio_artifact_dir"`
	LockFilePath      string `yaml:"lock_file_path"`
	HeartbeatPath     string `yaml:"heartbeat_path"`
}

// PollConfig holds cycle cadence.
type PollConfig struct {
	Seconds       int    `yaml:"seconds"`
	TightSeconds  int    `yaml:"tight_seconds"`
	TightStartET  string `yaml:"tight_start_et"`
	TightEndET    string `yaml:"tight_end_et"`
	MarketSeconds int    `yaml:"market_seconds"`
}

// EntryConfig holds entry-side timing throttles.
type EntryConfig struct {
	DelayAfterOpenMinutes  int `yaml:"delay_after_open_minutes"`
	MinExitArmingSeconds   int `yaml:"min_exit_arming_seconds"`
	MarketSettleMinutes    int `yaml:"market_settle_minutes"`
}

// EdgeConfig holds the Edge Window feature flag and parameters.
type EdgeConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Rechecks          int     `yaml:"rechecks"`
	RecheckDelaySec   int     `yaml:"recheck_delay_sec"`
	ProximityPct      float64 `yaml:"proximity_pct"`
}

// OneShotConfig holds the one-entry-per-symbol-per-day feature.
type OneShotConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ResetMode        string `yaml:"reset_mode"`
	CooldownMinutes  int    `yaml:"cooldown_minutes"`
}

// SizingConfig holds position-sizing parameters.
type SizingConfig struct {
	BaseRiskPct            float64 `yaml:"base_risk_pct"`
	RiskScale              float64 `yaml:"risk_scale"`
	CorrelationSizingEnabled bool  `yaml:"correlation_sizing_enabled"`
	AccountEquityOverride  float64 `yaml:"account_equity_override"`
}

// TrimConfig holds the R1/R2 trim fraction.
type TrimConfig struct {
	Fraction float64 `yaml:"fraction"`
}

// LogConfig controls the logging format and level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path as YAML, overlays a .env file (if present), then
// applies environment variable overrides, and fills in defaults for
// anything still unset.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		if fe, ok := err.(*domain.FatalError); ok {
			return nil, fe // already classified (missing credentials, exit 65)
		}
		return nil, &domain.FatalError{Kind: domain.ErrConfigInvalid, ExitCode: 2, Err: err}
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		cfg.Mode.Execution = v
	}
	if v := os.Getenv("DRY_RUN"); v == "1" {
		cfg.Mode.ForceDryRun = true
	}
	if v := os.Getenv("LIVE_TRADING"); v == "1" {
		cfg.Mode.LiveTradingRequested = true
	}
	if v := os.Getenv("LIVE_CONFIRM_TOKEN"); v != "" {
		cfg.Mode.LiveConfirmToken = v
	}

	if os.Getenv("KILL_SWITCH") == "1" {
		cfg.Safety.KillSwitchEnv = true
	}
	if v := os.Getenv("ALLOWLIST_SYMBOLS"); v != "" {
		cfg.Safety.AllowlistSymbols = strings.Split(v, ",")
	}
	if v, ok := envInt("MAX_LIVE_ORDERS_PER_DAY"); ok {
		cfg.Safety.MaxOrdersPerDay = v
	}
	if v, ok := envInt("MAX_LIVE_POSITIONS"); ok {
		cfg.Safety.MaxPositions = v
	}
	if v, ok := envFloat("MAX_LIVE_GROSS_NOTIONAL"); ok {
		cfg.Safety.MaxGrossNotional = v
	}
	if v, ok := envFloat("MAX_LIVE_NOTIONAL_PER_SYMBOL"); ok {
		cfg.Safety.MaxNotionalPerSymbol = v
	}
	if v := os.Getenv("PORTFOLIO_DECISION_ENFORCE"); v != "" {
		cfg.Safety.PortfolioDecisionEnforce = v == "1"
	}

	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.APIKeyID = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.APISecretKey = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}

	if v := os.Getenv("AVWAP_STATE_DIR"); v != "" {
		cfg.Paths.StateDir = v
	}
	if v := os.Getenv("EXECUTION_V2_DB"); v != "" {
		cfg.Paths.DBPath = v
	}

	if v, ok := envInt("EXECUTION_POLL_SECONDS"); ok {
		cfg.Poll.Seconds = v
	}
	if v, ok := envInt("EXECUTION_POLL_TIGHT_SECONDS"); ok {
		cfg.Poll.TightSeconds = v
	}
	if v := os.Getenv("EXECUTION_POLL_TIGHT_START_ET"); v != "" {
		cfg.Poll.TightStartET = v
	}
	if v := os.Getenv("EXECUTION_POLL_TIGHT_END_ET"); v != "" {
		cfg.Poll.TightEndET = v
	}
	if v, ok := envInt("EXECUTION_POLL_MARKET_SECONDS"); ok {
		cfg.Poll.MarketSeconds = v
	}

	if v, ok := envInt("ENTRY_DELAY_AFTER_OPEN_MINUTES"); ok {
		cfg.Entry.DelayAfterOpenMinutes = v
	}
	if v, ok := envInt("MIN_EXIT_ARMING_SECONDS"); ok {
		cfg.Entry.MinExitArmingSeconds = v
	}
	if v, ok := envInt("MARKET_SETTLE_MINUTES"); ok {
		cfg.Entry.MarketSettleMinutes = v
	}

	if v := os.Getenv("EDGE_WINDOW_ENABLED"); v != "" {
		cfg.Edge.Enabled = v == "1"
	}
	if v, ok := envInt("EDGE_WINDOW_RECHECKS"); ok {
		cfg.Edge.Rechecks = v
	}
	if v, ok := envInt("EDGE_WINDOW_RECHECK_DELAY_SEC"); ok {
		cfg.Edge.RecheckDelaySec = v
	}
	if v, ok := envFloat("EDGE_WINDOW_PROXIMITY_PCT"); ok {
		cfg.Edge.ProximityPct = v
	}

	if v := os.Getenv("ONE_SHOT_PER_SYMBOL_ENABLED"); v != "" {
		cfg.OneShot.Enabled = v == "1"
	}
	if v := os.Getenv("ONE_SHOT_RESET_MODE"); v != "" {
		cfg.OneShot.ResetMode = v
	}
	if v, ok := envInt("ONE_SHOT_COOLDOWN_MINUTES"); ok {
		cfg.OneShot.CooldownMinutes = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Mode.Execution == "" {
		cfg.Mode.Execution = string(domain.ModeDryRun)
	}
	if cfg.Mode.LiveConfirmTokenPath == "" {
		cfg.Mode.LiveConfirmTokenPath = "state/LIVE_CONFIRM_TOKEN"
	}

	if cfg.Safety.KillSwitchFilePath == "" {
		cfg.Safety.KillSwitchFilePath = "state/KILL_SWITCH"
	}

	if cfg.Broker.BaseURL == "" {
		cfg.Broker.BaseURL = "https://paper-api.alpaca.markets"
	}

	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = "/root/avwap_r3k_scanner/state"
	}
	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = "data/execution_v2.sqlite"
	}
	if cfg.Paths.CandidatesCSV == "" {
		cfg.Paths.CandidatesCSV = cfg.Paths.StateDir + "/candidates.csv"
	}
	if cfg.Paths.LedgerDir == "" {
		cfg.Paths.LedgerDir = "ledger"
	}
	if cfg.Paths.DryRunLedgerPath == "" {
		cfg.Paths.DryRunLedgerPath = "state/dry_run_ledger.json"
	}
	if cfg.Paths.LiveLedgerPath == "" {
		cfg.Paths.LiveLedgerPath = "state/LIVE_LEDGER_ENABLED"
	}
	if cfg.Paths.PortfolioArtifactDir == "" {
		cfg.Paths.PortfolioArtifactDir = "analytics/artifacts/portfolio_decisions"
	}
	if cfg.Paths.LockFilePath == "" {
		cfg.Paths.LockFilePath = "state/execution_v2.lock"
	}
	if cfg.Paths.HeartbeatPath == "" {
		cfg.Paths.HeartbeatPath = "state/execution_heartbeat.json"
	}

	if cfg.Poll.Seconds <= 0 {
		cfg.Poll.Seconds = 60
	}
	if cfg.Poll.TightSeconds <= 0 {
		cfg.Poll.TightSeconds = 15
	}
	if cfg.Poll.TightStartET == "" {
		cfg.Poll.TightStartET = "09:30"
	}
	if cfg.Poll.TightEndET == "" {
		cfg.Poll.TightEndET = "10:05"
	}
	if cfg.Poll.MarketSeconds <= 0 {
		cfg.Poll.MarketSeconds = 60
	}

	if cfg.Entry.DelayAfterOpenMinutes <= 0 {
		cfg.Entry.DelayAfterOpenMinutes = 20
	}
	if cfg.Entry.MinExitArmingSeconds <= 0 {
		cfg.Entry.MinExitArmingSeconds = 120
	}

	if cfg.Edge.Rechecks <= 0 {
		cfg.Edge.Rechecks = 3
	}
	if cfg.Edge.RecheckDelaySec <= 0 {
		cfg.Edge.RecheckDelaySec = 5
	}
	if cfg.Edge.ProximityPct <= 0 {
		cfg.Edge.ProximityPct = 0.002
	}

	if cfg.OneShot.ResetMode == "" {
		cfg.OneShot.ResetMode = "cooldown"
	}
	if cfg.OneShot.CooldownMinutes <= 0 {
		cfg.OneShot.CooldownMinutes = 120
	}

	if cfg.Sizing.BaseRiskPct <= 0 {
		cfg.Sizing.BaseRiskPct = 0.0075
	}
	if cfg.Sizing.RiskScale <= 0 {
		cfg.Sizing.RiskScale = 1.0
	}

	if cfg.Trim.Fraction <= 0 {
		cfg.Trim.Fraction = 0.5
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func validate(cfg *Config) error {
	switch domain.ExecutionMode(cfg.Mode.Execution) {
	case domain.ModeDryRun, domain.ModePaperSim, domain.ModeAlpacaPaper, domain.ModeAlpacaLive:
	default:
		return fmt.Errorf("config: invalid EXECUTION_MODE %q", cfg.Mode.Execution)
	}
	if domain.ExecutionMode(cfg.Mode.Execution) != domain.ModeDryRun && domain.ExecutionMode(cfg.Mode.Execution) != domain.ModePaperSim {
		if cfg.Broker.APIKeyID == "" || cfg.Broker.APISecretKey == "" {
			return &domain.FatalError{Kind: domain.ErrCredentialsMissing, ExitCode: 65,
				Err: fmt.Errorf("config: APCA_API_KEY_ID/APCA_API_SECRET_KEY required for mode %q", cfg.Mode.Execution)}
		}
	}
	if cfg.Trim.Fraction <= 0 || cfg.Trim.Fraction > 1 {
		return fmt.Errorf("config: trim fraction %v out of range (0,1]", cfg.Trim.Fraction)
	}
	return nil
}

// ExecutionConfig projects Config into the domain.ExecutionConfig the
// application layer consumes, computed once at cycle/process start per
// §9's design note.
func (cfg *Config) ExecutionConfig() domain.ExecutionConfig {
	return domain.ExecutionConfig{
		ConfiguredMode:           domain.ExecutionMode(cfg.Mode.Execution),
		ForceDryRun:              cfg.Mode.ForceDryRun,
		LiveTradingRequested:     cfg.Mode.LiveTradingRequested,
		LiveConfirmToken:         cfg.Mode.LiveConfirmToken,
		KillSwitchEnv:            cfg.Safety.KillSwitchEnv,
		AllowlistSymbols:         cfg.Safety.AllowlistSymbols,
		Caps: domain.Caps{
			MaxOrdersPerDay:      cfg.Safety.MaxOrdersPerDay,
			MaxPositions:         cfg.Safety.MaxPositions,
			MaxGrossNotional:     cfg.Safety.MaxGrossNotional,
			MaxNotionalPerSymbol: cfg.Safety.MaxNotionalPerSymbol,
		},
		PortfolioDecisionEnforce: cfg.Safety.PortfolioDecisionEnforce,
		IgnoreMarketHours:        cfg.Safety.IgnoreMarketHours,

		PollSeconds:       cfg.Poll.Seconds,
		PollTightSeconds:  cfg.Poll.TightSeconds,
		PollTightStartET:  cfg.Poll.TightStartET,
		PollTightEndET:    cfg.Poll.TightEndET,
		PollMarketSeconds: cfg.Poll.MarketSeconds,

		EntryDelayAfterOpen:  time.Duration(cfg.Entry.DelayAfterOpenMinutes) * time.Minute,
		MinExitArmingSeconds: time.Duration(cfg.Entry.MinExitArmingSeconds) * time.Second,
		MarketSettleMinutes:  time.Duration(cfg.Entry.MarketSettleMinutes) * time.Minute,

		EdgeWindowEnabled:      cfg.Edge.Enabled,
		EdgeWindowRechecks:     cfg.Edge.Rechecks,
		EdgeWindowRecheckDelay: time.Duration(cfg.Edge.RecheckDelaySec) * time.Second,
		EdgeWindowProximityPct: cfg.Edge.ProximityPct,

		OneShotPerSymbolEnabled: cfg.OneShot.Enabled,
		OneShotResetMode:        cfg.OneShot.ResetMode,
		OneShotCooldownMinutes:  time.Duration(cfg.OneShot.CooldownMinutes) * time.Minute,

		BaseRiskPct:              cfg.Sizing.BaseRiskPct,
		RiskScale:                cfg.Sizing.RiskScale,
		CorrelationSizingEnabled: cfg.Sizing.CorrelationSizingEnabled,

		TrimFraction: cfg.Trim.Fraction,

		StateDir:      cfg.Paths.StateDir,
		DBPath:        cfg.Paths.DBPath,
		CandidatesCSV: cfg.Paths.CandidatesCSV,
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

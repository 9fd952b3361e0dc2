package domain

import "time"

// OrderLedgerEntry records a single order-submission attempt. Invariant
// (§3, §8 invariant 3): for a given (IntentID, Purpose), at most one
// successful BrokerOrderID exists — enforced by the state store's
// record_order_once operation.
type OrderLedgerEntry struct {
	IntentID      string
	Purpose       OrderPurpose
	BrokerOrderID string
	Status        OrderStatus
	TSUTC         time.Time
}

// LedgerRecordType names the schema of a JSONL ledger line, used to make
// replay/idempotency scans cheap (scan for record_type + natural key
// without fully decoding unrelated record shapes).
type LedgerRecordType string

const (
	RecordOrderSubmitted  LedgerRecordType = "order_submitted"
	RecordFillDetected    LedgerRecordType = "fill_detected"
	RecordPortfolioCycle  LedgerRecordType = "portfolio_decision_cycle"
	RecordSlippage        LedgerRecordType = "execution_slippage"
	RecordDryRunIdempotent LedgerRecordType = "dry_run_order"
)

// LedgerSchemaVersion is bumped whenever a record shape changes in a
// backward-incompatible way; readers reject unknown higher versions.
const LedgerSchemaVersion = 1

// OrderLedgerRecord is the JSONL shape for RecordOrderSubmitted /
// RecordFillDetected lines in ledger/<BOOK_ID>/<date>.jsonl.
type OrderLedgerRecord struct {
	RecordType    LedgerRecordType `json:"record_type"`
	SchemaVersion int              `json:"schema_version"`
	NYDate        NYDate           `json:"ny_date"`
	TSUTC         time.Time        `json:"ts_utc"`
	IntentID      string           `json:"intent_id"`
	Symbol        string           `json:"symbol"`
	Purpose       OrderPurpose     `json:"purpose"`
	BrokerOrderID string           `json:"broker_order_id"`
	Status        OrderStatus      `json:"status"`
	Quantity      int64            `json:"quantity,omitempty"`
	Price         string           `json:"price,omitempty"`
}

// NaturalKey returns the idempotency key the JSONL writer scans for
// before appending: (intent_id, purpose) within the same day's file.
func (r OrderLedgerRecord) NaturalKey() string {
	return r.IntentID + "|" + string(r.Purpose)
}

// PortfolioDecisionCycleRecord is one line per material cycle in
// ledger/PORTFOLIO_DECISIONS/<date>.jsonl.
type PortfolioDecisionCycleRecord struct {
	RecordType    LedgerRecordType `json:"record_type"`
	SchemaVersion int              `json:"schema_version"`
	NYDate        NYDate           `json:"ny_date"`
	TSUTC         time.Time        `json:"ts_utc"`
	Mode          string           `json:"mode"`
	GatePass      bool             `json:"gate_pass"`
	Reasons       []string         `json:"reasons,omitempty"`
	IntentsCount  int              `json:"intents_count"`
	OrdersCount   int              `json:"orders_count"`
	ErrorsCount   int              `json:"errors_count"`
	Blocks        map[string]string `json:"blocks,omitempty"`
}

// SlippageRecord is one line per fill in ledger/EXECUTION_SLIPPAGE/<date>.jsonl.
type SlippageRecord struct {
	RecordType    LedgerRecordType `json:"record_type"`
	SchemaVersion int              `json:"schema_version"`
	NYDate        NYDate           `json:"ny_date"`
	TSUTC         time.Time        `json:"ts_utc"`
	IntentID      string           `json:"intent_id"`
	Symbol        string           `json:"symbol"`
	ExpectedPrice string           `json:"expected_price"`
	IdealPrice    string           `json:"ideal_price"`
	ActualPrice   string           `json:"actual_price"`
	SlippageBps   float64          `json:"slippage_bps"`
}

// Heartbeat is the per-cycle liveness record that the orchestrator saves
// to the state store's heartbeats table (SaveHeartbeat) after every
// non-fatal cycle. No heartbeat JSON file is written.
type Heartbeat struct {
	TSUTC        time.Time `json:"ts_utc"`
	Mode         string    `json:"mode"`
	MarketOpen   bool      `json:"market_open"`
	IntentsCount int       `json:"intents_count"`
	OrdersCount  int       `json:"orders_count"`
	ErrorsCount  int       `json:"errors_count"`
}

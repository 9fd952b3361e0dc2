package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntryIntent is the derived record created once a candidate's BOH
// confirmation passes. At most one non-terminal intent may exist per
// (ny_date, symbol, strategy_id) — enforced by the state store, not here.
type EntryIntent struct {
	IntentID            string
	NYDate               NYDate
	Symbol               string
	StrategyID           string
	Pivot                decimal.Decimal
	Stop                 decimal.Decimal
	R1                   decimal.Decimal
	R2                   decimal.Decimal
	Quantity             int64
	PlannedEntryTimeUTC  time.Time
	Status               IntentStatus
	CreatedAtUTC         time.Time
}

// IntentID computes the deterministic hash described in §4.8 step 6:
// hash(ny_date | strategy_id | symbol | "entry" | pivot-rounded). It is
// byte-stable across restarts as long as the rounded pivot is unchanged,
// which is the idempotency anchor for the whole buy loop.
func IntentID(nyDate NYDate, strategyID, symbol string, pivotRounded decimal.Decimal) string {
	key := fmt.Sprintf("%s|%s|%s|entry|%s", nyDate, strategyID, symbol, pivotRounded.String())
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

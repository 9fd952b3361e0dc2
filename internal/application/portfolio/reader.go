// Package portfolio implements C7: loading and validating the daily
// ALLOW/BLOCK portfolio-decision artifact produced by an out-of-scope
// analytics process. JSON decode-and-validate mirrors the teacher's
// config.Load pattern (decode, then field-by-field validation with
// named errors) rather than a schema library, since the artifact is a
// small, locally-trusted file rather than an external API payload.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

const currentSchemaVersion = 1

var _ ports.PortfolioDecisionReader = (*Reader)(nil)

// Reader loads analytics/artifacts/portfolio_decisions/<ny_date>.json.
type Reader struct {
	artifactsDir string
}

// New constructs a Reader rooted at artifactsDir (typically
// "analytics/artifacts/portfolio_decisions").
func New(artifactsDir string) *Reader {
	return &Reader{artifactsDir: artifactsDir}
}

type wireEntry struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

type wireArtifact struct {
	SchemaVersion int                  `json:"schema_version"`
	NYDate        string               `json:"ny_date"`
	Decisions     map[string]wireEntry `json:"decisions"`
}

func (r *Reader) Load(ctx context.Context, nyDate domain.NYDate) (domain.PortfolioDecisionArtifact, bool, string) {
	path := filepath.Join(r.artifactsDir, string(nyDate)+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PortfolioDecisionArtifact{}, false, fmt.Sprintf("read %s: %v", path, err)
	}

	var w wireArtifact
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.PortfolioDecisionArtifact{}, false, fmt.Sprintf("decode %s: %v", path, err)
	}
	if w.SchemaVersion > currentSchemaVersion {
		return domain.PortfolioDecisionArtifact{}, false, fmt.Sprintf("unsupported schema_version %d (max %d)", w.SchemaVersion, currentSchemaVersion)
	}
	if domain.NYDate(w.NYDate) != nyDate {
		return domain.PortfolioDecisionArtifact{}, false, fmt.Sprintf("artifact ny_date %q does not match cycle date %q", w.NYDate, nyDate)
	}
	if w.Decisions == nil {
		return domain.PortfolioDecisionArtifact{}, false, "artifact missing decisions map"
	}

	decisions := make(map[string]domain.PortfolioDecisionEntry, len(w.Decisions))
	for k, v := range w.Decisions {
		decisions[k] = domain.PortfolioDecisionEntry{Allow: v.Allow, Reason: v.Reason}
	}

	return domain.PortfolioDecisionArtifact{
		SchemaVersion: w.SchemaVersion,
		NYDate:        nyDate,
		Decisions:     decisions,
	}, true, ""
}

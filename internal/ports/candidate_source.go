package ports

import "github.com/kvanhimbergen/execution-v2/internal/domain"

// CandidateSource reads the day's candidate file (owned exclusively by
// the out-of-scope scan pipeline; this engine only reads it).
type CandidateSource interface {
	// Load parses the CSV at path. ModTimeNYDate is the NY calendar date
	// of the file's mtime, used by the watchlist-freshness gate (§4.6
	// gate 3) without re-opening the file.
	Load(path string) (candidates []domain.Candidate, modTimeNYDate domain.NYDate, err error)
}

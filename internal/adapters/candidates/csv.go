// Package candidates implements the CSV reader for the external
// candidate file described in §4.6/§9. No pack repo reads a
// domain-specific CSV watchlist, so the column-mapping style here
// follows the teacher's config.go: explicit field-by-field validation
// with named errors rather than struct-tag reflection.
package candidates

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

var _ ports.CandidateSource = (*CSVSource)(nil)

// CSVSource reads watchlist rows from a headered CSV file. Required
// columns: Symbol, Direction, Entry_Level, Stop_Loss, Target_R1,
// Target_R2, Entry_DistPct. Optional: Strategy_ID.
type CSVSource struct {
	loc *time.Location
}

// New constructs a CSVSource. loc is used to compute the file's mtime
// as an NY calendar date for the watchlist-freshness gate.
func New(loc *time.Location) *CSVSource {
	return &CSVSource{loc: loc}
}

func (s *CSVSource) Load(path string) ([]domain.Candidate, domain.NYDate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("candidates: stat %s: %w", path, err)
	}
	modDate := domain.NYDateFromTime(info.ModTime(), s.loc)

	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("candidates: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, "", fmt.Errorf("candidates: read header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return nil, "", fmt.Errorf("candidates: %w", err)
	}

	var out []domain.Candidate
	rowNum := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			return nil, "", fmt.Errorf("candidates: row %d: %w", rowNum, err)
		}
		c, err := parseRow(row, idx)
		if err != nil {
			return nil, "", fmt.Errorf("candidates: row %d: %w", rowNum, err)
		}
		if err := c.Validate(); err != nil {
			return nil, "", fmt.Errorf("candidates: row %d: %w", rowNum, err)
		}
		out = append(out, c)
	}
	return out, modDate, nil
}

type colIndex struct {
	symbol, direction, entry, stop, r1, r2, distPct int
	strategy                                        int // -1 if absent
}

var requiredColumns = []string{"Symbol", "Direction", "Entry_Level", "Stop_Loss", "Target_R1", "Target_R2", "Entry_DistPct"}

func columnIndex(header []string) (colIndex, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	for _, col := range requiredColumns {
		if _, ok := pos[col]; !ok {
			return colIndex{}, fmt.Errorf("missing required column %q", col)
		}
	}
	idx := colIndex{
		symbol:    pos["Symbol"],
		direction: pos["Direction"],
		entry:     pos["Entry_Level"],
		stop:      pos["Stop_Loss"],
		r1:        pos["Target_R1"],
		r2:        pos["Target_R2"],
		distPct:   pos["Entry_DistPct"],
		strategy:  -1,
	}
	if si, ok := pos["Strategy_ID"]; ok {
		idx.strategy = si
	}
	return idx, nil
}

func parseRow(row []string, idx colIndex) (domain.Candidate, error) {
	get := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	c := domain.Candidate{
		Symbol:    get(idx.symbol),
		Direction: domain.Direction(get(idx.direction)),
	}
	var err error
	if c.EntryLevel, err = parseDecimal(get(idx.entry)); err != nil {
		return domain.Candidate{}, fmt.Errorf("Entry_Level: %w", err)
	}
	if c.StopLoss, err = parseDecimal(get(idx.stop)); err != nil {
		return domain.Candidate{}, fmt.Errorf("Stop_Loss: %w", err)
	}
	if c.TargetR1, err = parseDecimal(get(idx.r1)); err != nil {
		return domain.Candidate{}, fmt.Errorf("Target_R1: %w", err)
	}
	if c.TargetR2, err = parseDecimal(get(idx.r2)); err != nil {
		return domain.Candidate{}, fmt.Errorf("Target_R2: %w", err)
	}
	if c.EntryDistPct, err = parseDecimal(get(idx.distPct)); err != nil {
		return domain.Candidate{}, fmt.Errorf("Entry_DistPct: %w", err)
	}
	if idx.strategy >= 0 {
		c.StrategyID = get(idx.strategy)
	}
	return c, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

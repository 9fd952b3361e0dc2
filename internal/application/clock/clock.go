// Package clock implements C1: NY-timezone now, market-open/close,
// session phases, and poll-cadence policy. It is grounded on the
// stdlib's IANA timezone database rather than a fixed offset, so DST
// transitions are handled the way the original operator docs require
// (§9 "Time handling").
package clock

import (
	"log/slog"
	"time"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

// Config configures poll cadence and the tight window. Invalid values
// (parse failures, end before start) fall back to defaults with a single
// startup warning, per §4.1.
type Config struct {
	PollSeconds       int
	PollTightSeconds  int
	PollTightStartET  string // "HH:MM"
	PollTightEndET    string
	PollMarketSeconds int
}

const (
	defaultPollSeconds       = 60
	defaultPollTightSeconds  = 15
	defaultPollTightStartET  = "09:30"
	defaultPollTightEndET    = "10:05"
	defaultPollMarketSeconds = 60

	marketOpenHour, marketOpenMin   = 9, 30
	marketCloseHour, marketCloseMin = 16, 0
	openNoiseEndHour, openNoiseEndMin = 9, 45
	earlyTrendEndHour, earlyTrendEndMin = 10, 30
	closePotectStartHour, closePotectStartMin = 15, 30
)

var _ ports.Clock = (*NYClock)(nil)

// NYClock implements ports.Clock using America/New_York.
type NYClock struct {
	loc              *time.Location
	pollBase         time.Duration
	pollTight        time.Duration
	pollMarket       time.Duration
	tightStartH, tightStartM int
	tightEndH, tightEndM     int
}

// New constructs an NYClock, loading the IANA zone and validating the
// configured window. On any parse failure it logs one warning and uses
// the documented defaults for the offending field(s).
func New(cfg Config) (*NYClock, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}

	c := &NYClock{
		loc:        loc,
		pollBase:   durOrDefault(cfg.PollSeconds, defaultPollSeconds),
		pollTight:  durOrDefault(cfg.PollTightSeconds, defaultPollTightSeconds),
		pollMarket: durOrDefault(cfg.PollMarketSeconds, defaultPollMarketSeconds),
	}

	startH, startM, ok1 := parseHHMM(cfg.PollTightStartET)
	endH, endM, ok2 := parseHHMM(cfg.PollTightEndET)
	if !ok1 || !ok2 || (endH < startH || (endH == startH && endM <= startM)) {
		slog.Warn("clock: invalid tight poll window, using defaults",
			"configured_start", cfg.PollTightStartET, "configured_end", cfg.PollTightEndET)
		startH, startM, _ = parseHHMM(defaultPollTightStartET)
		endH, endM, _ = parseHHMM(defaultPollTightEndET)
	}
	c.tightStartH, c.tightStartM = startH, startM
	c.tightEndH, c.tightEndM = endH, endM

	return c, nil
}

func durOrDefault(seconds, def int) time.Duration {
	if seconds <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(seconds) * time.Second
}

func parseHHMM(s string) (h, m int, ok bool) {
	var hh, mm int
	if _, err := time.Parse("15:04", s); err != nil {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	hh, mm = t.Hour(), t.Minute()
	return hh, mm, true
}

// Location returns the America/New_York *time.Location this clock uses,
// so other NY-date-aware collaborators (e.g. the candidate CSV source)
// share the same loaded zone instead of reloading it.
func (c *NYClock) Location() *time.Location {
	return c.loc
}

// NowUTC returns the current instant in UTC.
func (c *NYClock) NowUTC() time.Time {
	return time.Now().UTC()
}

// NYDate returns t's calendar date in America/New_York.
func (c *NYClock) NYDate(t time.Time) domain.NYDate {
	return domain.NYDateFromTime(t, c.loc)
}

// MarketPhase classifies t into a session phase from the calendar alone.
// Weekends are Holiday; NYSE holiday closures are not computed, and the
// broker's MarketClock is not consulted here or by the orchestrator, so a
// weekday exchange holiday is classified like a trading day.
func (c *NYClock) MarketPhase(t time.Time) domain.MarketPhase {
	ny := t.In(c.loc)
	if ny.Weekday() == time.Saturday || ny.Weekday() == time.Sunday {
		return domain.PhaseHoliday
	}

	mins := ny.Hour()*60 + ny.Minute()
	open := marketOpenHour*60 + marketOpenMin
	openNoiseEnd := openNoiseEndHour*60 + openNoiseEndMin
	earlyTrendEnd := earlyTrendEndHour*60 + earlyTrendEndMin
	closePotectStart := closePotectStartHour*60 + closePotectStartMin
	close := marketCloseHour*60 + marketCloseMin

	switch {
	case mins < open:
		return domain.PhasePre
	case mins < openNoiseEnd:
		return domain.PhaseOpenNoise
	case mins < earlyTrendEnd:
		return domain.PhaseEarlyTrend
	case mins < closePotectStart:
		return domain.PhaseNormal
	case mins < close:
		return domain.PhaseClosePotect
	default:
		return domain.PhasePost
	}
}

// MarketOpenTime returns t's NY calendar day's scheduled 09:30 ET open,
// expressed in UTC.
func (c *NYClock) MarketOpenTime(t time.Time) time.Time {
	ny := t.In(c.loc)
	open := time.Date(ny.Year(), ny.Month(), ny.Day(), marketOpenHour, marketOpenMin, 0, 0, c.loc)
	return open.UTC()
}

// PollInterval implements §4.1's cadence policy: tight during the
// configured window, market interval during market hours, base
// otherwise.
func (c *NYClock) PollInterval(t time.Time) time.Duration {
	ny := t.In(c.loc)
	mins := ny.Hour()*60 + ny.Minute()
	tightStart := c.tightStartH*60 + c.tightStartM
	tightEnd := c.tightEndH*60 + c.tightEndM

	if mins >= tightStart && mins < tightEnd {
		return c.pollTight
	}
	if c.MarketPhase(t).MarketOpen() {
		if c.pollMarket < c.pollBase {
			return c.pollMarket
		}
		return c.pollBase
	}
	return c.pollBase
}

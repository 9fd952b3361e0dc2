package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/execution-v2/internal/application/clock"
	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

func mustClock(t *testing.T) *clock.NYClock {
	t.Helper()
	c, err := clock.New(clock.Config{
		PollSeconds:       60,
		PollTightSeconds:  15,
		PollTightStartET:  "09:30",
		PollTightEndET:    "10:05",
		PollMarketSeconds: 60,
	})
	require.NoError(t, err)
	return c
}

func nyTime(t *testing.T, loc *time.Location, h, m int) time.Time {
	t.Helper()
	return time.Date(2026, time.August, 3, h, m, 0, 0, loc)
}

func TestMarketPhase_Weekday(t *testing.T) {
	c := mustClock(t)
	loc := c.Location()

	cases := []struct {
		h, m     int
		expected domain.MarketPhase
	}{
		{8, 0, domain.PhasePre},
		{9, 40, domain.PhaseOpenNoise},
		{10, 0, domain.PhaseEarlyTrend},
		{12, 0, domain.PhaseNormal},
		{15, 45, domain.PhaseClosePotect},
		{17, 0, domain.PhasePost},
	}
	for _, tc := range cases {
		got := c.MarketPhase(nyTime(t, loc, tc.h, tc.m))
		assert.Equal(t, tc.expected, got, "%02d:%02d", tc.h, tc.m)
	}
}

func TestMarketPhase_Weekend(t *testing.T) {
	c := mustClock(t)
	loc := c.Location()
	saturday := time.Date(2026, time.August, 1, 12, 0, 0, 0, loc)
	assert.Equal(t, domain.PhaseHoliday, c.MarketPhase(saturday))
}

func TestMarketPhase_MarketOpenHelper(t *testing.T) {
	c := mustClock(t)
	loc := c.Location()
	assert.True(t, c.MarketPhase(nyTime(t, loc, 12, 0)).MarketOpen())
	assert.False(t, c.MarketPhase(nyTime(t, loc, 8, 0)).MarketOpen())
}

func TestPollInterval_TightWindowWins(t *testing.T) {
	c := mustClock(t)
	loc := c.Location()
	got := c.PollInterval(nyTime(t, loc, 9, 45))
	assert.Equal(t, 15*time.Second, got)
}

func TestPollInterval_MarketHoursOutsideTightWindow(t *testing.T) {
	c := mustClock(t)
	loc := c.Location()
	got := c.PollInterval(nyTime(t, loc, 12, 0))
	assert.Equal(t, 60*time.Second, got)
}

func TestPollInterval_OutsideMarketHours(t *testing.T) {
	c := mustClock(t)
	loc := c.Location()
	got := c.PollInterval(nyTime(t, loc, 20, 0))
	assert.Equal(t, 60*time.Second, got)
}

func TestNew_InvalidTightWindowFallsBackToDefaults(t *testing.T) {
	c, err := clock.New(clock.Config{PollTightStartET: "not-a-time", PollTightEndET: "also-bad"})
	require.NoError(t, err)
	loc := c.Location()
	got := c.PollInterval(nyTime(t, loc, 9, 45))
	assert.Equal(t, 15*time.Second, got, "should fall back to the documented default tight window")
}

func TestNYDate_RoundTripsCalendarDay(t *testing.T) {
	c := mustClock(t)
	loc := c.Location()
	got := c.NYDate(nyTime(t, loc, 23, 0))
	assert.Equal(t, domain.NYDate("2026-08-03"), got)
}

func TestMarketOpenTime(t *testing.T) {
	c := mustClock(t)
	loc := c.Location()
	now := nyTime(t, loc, 14, 0)
	open := c.MarketOpenTime(now)
	assert.Equal(t, 9, open.In(loc).Hour())
	assert.Equal(t, 30, open.In(loc).Minute())
}

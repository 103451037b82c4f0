package calendar

import (
	"errors"
	"testing"
	"time"

	"github.com/dkrylov/stockcast/internal/adapters/config"
)

func testConfig() (*config.MarketsConfig, *config.SchedulerConfig) {
	markets := &config.MarketsConfig{
		Regions: []string{
			"US||America/New_York|09:30|16:00|2026-01-19",
			"LSE|.L|Europe/London|08:00|16:30|",
			"TSE|.T|Asia/Tokyo|09:00|15:00|",
		},
	}
	sched := &config.SchedulerConfig{
		PregenWindow:   90 * time.Minute,
		ValidateOffset: 15 * time.Minute,
	}
	return markets, sched
}

func newTestCalendar(t *testing.T, clock Clock) *Calendar {
	t.Helper()
	markets, sched := testConfig()
	cal, err := New(markets, sched, clock)
	if err != nil {
		t.Fatalf("failed to build calendar: %v", err)
	}
	return cal
}

func nyTime(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func TestCalendar_Resolve(t *testing.T) {
	cal := newTestCalendar(t, RealClock())

	tests := []struct {
		symbol string
		region string
		err    bool
	}{
		{"AAPL", "US", false},
		{"VOD.L", "LSE", false},
		{"7203.T", "TSE", false},
		{"SAP.DE", "", true},
	}

	for _, tt := range tests {
		region, err := cal.Resolve(tt.symbol)
		if tt.err {
			if !errors.Is(err, ErrUnknownMarket) {
				t.Errorf("Resolve(%s): expected ErrUnknownMarket, got %v", tt.symbol, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%s): unexpected error %v", tt.symbol, err)
			continue
		}
		if region.Name != tt.region {
			t.Errorf("Resolve(%s): expected region %s, got %s", tt.symbol, tt.region, region.Name)
		}
	}
}

func TestCalendar_SessionInstants(t *testing.T) {
	clock := &FixedClock{Current: nyTime(t, "2026-01-09 08:15")}
	cal := newTestCalendar(t, clock)

	session, err := cal.CurrentSession("AAPL")
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if session == nil {
		t.Fatal("expected a session on a Friday")
	}

	if session.Date != "2026-01-09" {
		t.Errorf("expected session date 2026-01-09, got %s", session.Date)
	}
	if !session.Open.Equal(nyTime(t, "2026-01-09 09:30")) {
		t.Errorf("unexpected open: %v", session.Open)
	}
	if !session.PregenStart.Equal(nyTime(t, "2026-01-09 08:00")) {
		t.Errorf("unexpected pregen start: %v", session.PregenStart)
	}
	if !session.PregenEnd.Equal(session.Open) {
		t.Error("pregen window must end at open")
	}
	if !session.ValidateAt.Equal(nyTime(t, "2026-01-09 16:15")) {
		t.Errorf("unexpected validate_at: %v", session.ValidateAt)
	}
}

func TestCalendar_WindowBooleans(t *testing.T) {
	clock := &FixedClock{Current: nyTime(t, "2026-01-09 07:59")}
	cal := newTestCalendar(t, clock)

	assertWindows := func(wantPregen, wantOpen bool) {
		t.Helper()
		pregen, err := cal.IsPregenNow("AAPL")
		if err != nil {
			t.Fatalf("IsPregenNow: %v", err)
		}
		open, err := cal.IsOpenNow("AAPL")
		if err != nil {
			t.Fatalf("IsOpenNow: %v", err)
		}
		if pregen != wantPregen || open != wantOpen {
			t.Errorf("at %v: pregen=%v open=%v, want pregen=%v open=%v",
				clock.Current, pregen, open, wantPregen, wantOpen)
		}
	}

	assertWindows(false, false) // before pregen

	clock.Advance(time.Minute) // 08:00 sharp
	assertWindows(true, false)

	clock.Advance(89 * time.Minute) // 09:29
	assertWindows(true, false)

	clock.Advance(time.Minute) // 09:30, market opens and pregen ends
	assertWindows(false, true)

	clock.Advance(6*time.Hour + 29*time.Minute) // 15:59
	assertWindows(false, true)

	clock.Advance(time.Minute) // 16:00, closed
	assertWindows(false, false)
}

func TestCalendar_WeekendNoSession(t *testing.T) {
	clock := &FixedClock{Current: nyTime(t, "2026-01-10 10:00")} // Saturday
	cal := newTestCalendar(t, clock)

	session, err := cal.CurrentSession("AAPL")
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if session != nil {
		t.Error("expected no session on a Saturday")
	}

	open, err := cal.IsOpenNow("AAPL")
	if err != nil || open {
		t.Errorf("market must not be open on a weekend (open=%v err=%v)", open, err)
	}
}

func TestCalendar_NextSessionDateSkipsWeekendAndHoliday(t *testing.T) {
	// Saturday Jan 17; Monday Jan 19 is a configured US holiday.
	clock := &FixedClock{Current: nyTime(t, "2026-01-17 10:00")}
	cal := newTestCalendar(t, clock)

	next, err := cal.NextSessionDate("AAPL")
	if err != nil {
		t.Fatalf("NextSessionDate: %v", err)
	}
	if next != "2026-01-20" {
		t.Errorf("expected 2026-01-20 (Tuesday after holiday), got %s", next)
	}
}

func TestCalendar_RegionTimezonesIndependent(t *testing.T) {
	// 20:00 New York on Thursday = 10:00 Friday in Tokyo: TSE is open
	// while US is closed.
	clock := &FixedClock{Current: nyTime(t, "2026-01-08 20:00")}
	cal := newTestCalendar(t, clock)

	usOpen, err := cal.IsOpenNow("AAPL")
	if err != nil {
		t.Fatalf("IsOpenNow(AAPL): %v", err)
	}
	tokyoOpen, err := cal.IsOpenNow("7203.T")
	if err != nil {
		t.Fatalf("IsOpenNow(7203.T): %v", err)
	}

	if usOpen {
		t.Error("US market should be closed at 20:00 New York")
	}
	if !tokyoOpen {
		t.Error("Tokyo market should be open at 10:00 Tokyo")
	}
}

package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkrylov/stockcast/internal/adapters/config"
)

// ErrUnknownMarket is returned when a symbol's suffix matches no
// configured market region.
var ErrUnknownMarket = errors.New("unknown market for symbol")

// Region describes one market's trading hours and holiday calendar
type Region struct {
	Name     string
	Suffix   string // symbol suffix including dot, empty for the default region
	Location *time.Location

	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int

	holidays map[string]struct{} // YYYY-MM-DD in region tz
}

// IsHoliday reports whether the given date is a configured holiday
func (r *Region) IsHoliday(date time.Time) bool {
	_, ok := r.holidays[date.In(r.Location).Format("2006-01-02")]
	return ok
}

// Session is one trading day for a region, with all lifecycle instants
// resolved to timezone-aware times.
type Session struct {
	Region      string
	Date        string // YYYY-MM-DD in region tz
	Open        time.Time
	Close       time.Time
	PregenStart time.Time
	PregenEnd   time.Time // equals Open
	ValidateAt  time.Time
}

// Calendar resolves symbols to market regions and session instants
type Calendar struct {
	regions        []*Region
	bySuffix       map[string]*Region
	defaultRegion  *Region
	pregenWindow   time.Duration
	validateOffset time.Duration
	clock          Clock
}

// New builds a calendar from the configured region table
func New(markets *config.MarketsConfig, sched *config.SchedulerConfig, clock Clock) (*Calendar, error) {
	if clock == nil {
		clock = RealClock()
	}

	c := &Calendar{
		bySuffix:       make(map[string]*Region),
		pregenWindow:   sched.PregenWindow,
		validateOffset: sched.ValidateOffset,
		clock:          clock,
	}

	for _, entry := range markets.Regions {
		region, err := parseRegion(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid market region %q: %w", entry, err)
		}
		c.regions = append(c.regions, region)
		if region.Suffix == "" {
			c.defaultRegion = region
		} else {
			c.bySuffix[region.Suffix] = region
		}
	}

	return c, nil
}

// parseRegion parses "name|suffix|tz|open|close|holidays"
func parseRegion(entry string) (*Region, error) {
	parts := strings.Split(entry, "|")
	if len(parts) != 6 {
		return nil, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}

	loc, err := time.LoadLocation(parts[2])
	if err != nil {
		return nil, fmt.Errorf("bad timezone: %w", err)
	}

	openH, openM, err := parseWallClock(parts[3])
	if err != nil {
		return nil, fmt.Errorf("bad open time: %w", err)
	}
	closeH, closeM, err := parseWallClock(parts[4])
	if err != nil {
		return nil, fmt.Errorf("bad close time: %w", err)
	}

	holidays := make(map[string]struct{})
	for _, d := range strings.Split(parts[5], ";") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("bad holiday date %q: %w", d, err)
		}
		holidays[d] = struct{}{}
	}

	return &Region{
		Name:        parts[0],
		Suffix:      parts[1],
		Location:    loc,
		OpenHour:    openH,
		OpenMinute:  openM,
		CloseHour:   closeH,
		CloseMinute: closeM,
		holidays:    holidays,
	}, nil
}

func parseWallClock(s string) (int, int, error) {
	hm := strings.SplitN(s, ":", 2)
	if len(hm) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour %q", hm[0])
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute %q", hm[1])
	}
	return h, m, nil
}

// Resolve maps a symbol to its market region by suffix
func (c *Calendar) Resolve(symbol string) (*Region, error) {
	if idx := strings.LastIndex(symbol, "."); idx >= 0 {
		suffix := symbol[idx:]
		if region, ok := c.bySuffix[suffix]; ok {
			return region, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}

	if c.defaultRegion == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}
	return c.defaultRegion, nil
}

// Regions returns all configured regions
func (c *Calendar) Regions() []*Region {
	return c.regions
}

// Region returns a configured region by name
func (c *Calendar) Region(name string) (*Region, bool) {
	for _, r := range c.regions {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// IsTradingDay reports whether date is a weekday and not a holiday
// for the region.
func (c *Calendar) IsTradingDay(region *Region, date time.Time) bool {
	local := date.In(region.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !region.IsHoliday(local)
}

// SessionOn builds the session instants for a region on a given date.
// The date's trading validity is not checked here; see IsTradingDay.
func (c *Calendar) SessionOn(region *Region, date time.Time) *Session {
	local := date.In(region.Location)
	open := time.Date(local.Year(), local.Month(), local.Day(),
		region.OpenHour, region.OpenMinute, 0, 0, region.Location)
	close := time.Date(local.Year(), local.Month(), local.Day(),
		region.CloseHour, region.CloseMinute, 0, 0, region.Location)

	return &Session{
		Region:      region.Name,
		Date:        local.Format("2006-01-02"),
		Open:        open,
		Close:       close,
		PregenStart: open.Add(-c.pregenWindow),
		PregenEnd:   open,
		ValidateAt:  close.Add(c.validateOffset),
	}
}

// CurrentSession resolves the symbol's session for today in its region.
// Returns nil (no error) when today is not a trading day.
func (c *Calendar) CurrentSession(symbol string) (*Session, error) {
	region, err := c.Resolve(symbol)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now().In(region.Location)
	if !c.IsTradingDay(region, now) {
		return nil, nil
	}
	return c.SessionOn(region, now), nil
}

// NextSessionDate returns the next valid trading date for the symbol,
// starting from today, skipping weekends and holidays.
func (c *Calendar) NextSessionDate(symbol string) (string, error) {
	region, err := c.Resolve(symbol)
	if err != nil {
		return "", err
	}

	day := c.clock.Now().In(region.Location)
	for i := 0; i < 30; i++ {
		if c.IsTradingDay(region, day) {
			return day.Format("2006-01-02"), nil
		}
		day = day.AddDate(0, 0, 1)
	}
	return "", fmt.Errorf("no trading day within 30 days for %s", symbol)
}

// IsOpenNow reports whether the symbol's market is currently inside
// its open/close window.
func (c *Calendar) IsOpenNow(symbol string) (bool, error) {
	session, err := c.CurrentSession(symbol)
	if err != nil || session == nil {
		return false, err
	}
	now := c.clock.Now()
	return !now.Before(session.Open) && now.Before(session.Close), nil
}

// IsPregenNow reports whether the symbol is currently inside the
// pre-open generation window.
func (c *Calendar) IsPregenNow(symbol string) (bool, error) {
	session, err := c.CurrentSession(symbol)
	if err != nil || session == nil {
		return false, err
	}
	now := c.clock.Now()
	return !now.Before(session.PregenStart) && now.Before(session.PregenEnd), nil
}

// Now exposes the calendar's clock
func (c *Calendar) Now() time.Time {
	return c.clock.Now()
}

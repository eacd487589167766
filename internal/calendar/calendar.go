package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leon-biju/trading-simulator/internal/config"
)

const dateLayout = "2006-01-02"

// schedule is one exchange's trading calendar with the timezone resolved.
type schedule struct {
	code     string
	loc      *time.Location
	openMin  int // minutes from local midnight
	closeMin int
	weekdays [7]bool
	holidays map[string]bool // local YYYY-MM-DD
}

// Calendar answers session-hour queries for a set of exchanges. It is built
// once from configuration and is safe for concurrent use; all methods are
// pure functions of the schedule and the supplied timestamp.
type Calendar struct {
	schedules map[string]*schedule
}

// New builds a Calendar from exchange configuration. An unknown timezone,
// unparseable session time, or a close that does not follow the open is a
// configuration error.
func New(exchanges []config.Exchange) (*Calendar, error) {
	cal := &Calendar{schedules: make(map[string]*schedule, len(exchanges))}
	for _, ex := range exchanges {
		loc, err := time.LoadLocation(ex.Timezone)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: unknown timezone %q: %w", ex.Code, ex.Timezone, err)
		}
		openMin, err := parseClock(ex.Open)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: bad open time: %w", ex.Code, err)
		}
		closeMin, err := parseClock(ex.Close)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: bad close time: %w", ex.Code, err)
		}
		if closeMin <= openMin {
			return nil, fmt.Errorf("exchange %s: close %q must be after open %q", ex.Code, ex.Close, ex.Open)
		}

		s := &schedule{
			code:     ex.Code,
			loc:      loc,
			openMin:  openMin,
			closeMin: closeMin,
			holidays: make(map[string]bool, len(ex.Holidays)),
		}
		for _, wd := range ex.Weekdays {
			if wd < 0 || wd > 6 {
				return nil, fmt.Errorf("exchange %s: weekday %d out of range", ex.Code, wd)
			}
			s.weekdays[wd] = true
		}
		for _, h := range ex.Holidays {
			if _, err := time.ParseInLocation(dateLayout, h, loc); err != nil {
				return nil, fmt.Errorf("exchange %s: bad holiday date %q: %w", ex.Code, h, err)
			}
			s.holidays[h] = true
		}
		cal.schedules[ex.Code] = s
	}
	return cal, nil
}

// parseClock converts "HH:MM" to minutes from midnight.
func parseClock(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", v)
	}
	return h*60 + m, nil
}

// Has reports whether the calendar knows the exchange.
func (c *Calendar) Has(code string) bool {
	_, ok := c.schedules[code]
	return ok
}

// IsOpen reports whether the exchange is inside its trading session at t.
// Holidays close the exchange for the whole local day. Times are converted
// through the exchange's timezone, so the answer is correct across DST
// transitions.
func (c *Calendar) IsOpen(code string, t time.Time) bool {
	s, ok := c.schedules[code]
	if !ok {
		return false
	}
	return s.isOpen(t)
}

func (s *schedule) isOpen(t time.Time) bool {
	local := t.In(s.loc)
	if !s.weekdays[int(local.Weekday())] {
		return false
	}
	if s.holidays[local.Format(dateLayout)] {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= s.openMin && m < s.closeMin
}

// tradingDay reports whether the local calendar date is a trading day.
func (s *schedule) tradingDay(local time.Time) bool {
	return s.weekdays[int(local.Weekday())] && !s.holidays[local.Format(dateLayout)]
}

// NextBoundary returns the next instant at which the exchange's open state
// changes after t: the session close if currently open, otherwise the next
// session open. Local wall-clock session times are materialized with
// time.Date in the exchange's location, never with fixed UTC offsets.
func (c *Calendar) NextBoundary(code string, t time.Time) (time.Time, error) {
	s, ok := c.schedules[code]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown exchange %q", code)
	}

	local := t.In(s.loc)
	if s.isOpen(t) {
		return s.sessionTime(local, s.closeMin), nil
	}

	// Search forward for the next session open. 366 days covers any run of
	// holidays and weekends a sane schedule can produce.
	for day := 0; day <= 366; day++ {
		d := local.AddDate(0, 0, day)
		if !s.tradingDay(d) {
			continue
		}
		open := s.sessionTime(d, s.openMin)
		if open.After(t) {
			return open, nil
		}
	}
	return time.Time{}, fmt.Errorf("exchange %q has no upcoming session within a year", code)
}

// sessionTime materializes a minutes-from-midnight offset on the given
// local date.
func (s *schedule) sessionTime(local time.Time, minutes int) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(),
		minutes/60, minutes%60, 0, 0, s.loc)
}

// OpenExchanges returns the codes of all exchanges open at t.
func (c *Calendar) OpenExchanges(t time.Time) []string {
	var open []string
	for code, s := range c.schedules {
		if s.isOpen(t) {
			open = append(open, code)
		}
	}
	return open
}

// Location returns the exchange's timezone for bucket arithmetic.
func (c *Calendar) Location(code string) (*time.Location, error) {
	s, ok := c.schedules[code]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", code)
	}
	return s.loc, nil
}

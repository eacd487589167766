package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/leon-biju/trading-simulator/internal/config"
)

func nyse() config.Exchange {
	return config.Exchange{
		Name:     "New York Stock Exchange",
		Code:     "NYSE",
		Timezone: "America/New_York",
		Open:     "09:30",
		Close:    "16:00",
		Weekdays: []int{1, 2, 3, 4, 5},
		Holidays: []string{"2026-07-03", "2026-12-25"},
		Currency: "USD",
	}
}

func tse() config.Exchange {
	return config.Exchange{
		Name:     "Tokyo Stock Exchange",
		Code:     "TSE",
		Timezone: "Asia/Tokyo",
		Open:     "09:00",
		Close:    "15:00",
		Weekdays: []int{1, 2, 3, 4, 5},
		Currency: "JPY",
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Exchange)
	}{
		{"unknown timezone", func(ex *config.Exchange) { ex.Timezone = "Mars/Olympus" }},
		{"bad open clock", func(ex *config.Exchange) { ex.Open = "9am" }},
		{"close before open", func(ex *config.Exchange) { ex.Close = "08:00" }},
		{"weekday out of range", func(ex *config.Exchange) { ex.Weekdays = []int{7} }},
		{"bad holiday date", func(ex *config.Exchange) { ex.Holidays = []string{"July 4th"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ex := nyse()
			tc.mutate(&ex)
			_, err := New([]config.Exchange{ex})
			assert.Error(t, err)
		})
	}
}

func TestIsOpen_SessionHours(t *testing.T) {
	cal, err := New([]config.Exchange{nyse()})
	assert.NoError(t, err)

	ny, _ := time.LoadLocation("America/New_York")

	// Monday 2026-06-01
	assert.False(t, cal.IsOpen("NYSE", time.Date(2026, 6, 1, 9, 29, 0, 0, ny)))
	assert.True(t, cal.IsOpen("NYSE", time.Date(2026, 6, 1, 9, 30, 0, 0, ny)))
	assert.True(t, cal.IsOpen("NYSE", time.Date(2026, 6, 1, 15, 59, 0, 0, ny)))
	// Close is exclusive.
	assert.False(t, cal.IsOpen("NYSE", time.Date(2026, 6, 1, 16, 0, 0, 0, ny)))

	// Saturday
	assert.False(t, cal.IsOpen("NYSE", time.Date(2026, 6, 6, 12, 0, 0, 0, ny)))

	// Unknown exchange is simply closed.
	assert.False(t, cal.IsOpen("LSE", time.Date(2026, 6, 1, 12, 0, 0, 0, ny)))
}

func TestIsOpen_Holiday(t *testing.T) {
	cal, err := New([]config.Exchange{nyse()})
	assert.NoError(t, err)

	ny, _ := time.LoadLocation("America/New_York")

	// 2026-07-03 is a Friday and a configured holiday.
	assert.False(t, cal.IsOpen("NYSE", time.Date(2026, 7, 3, 12, 0, 0, 0, ny)))
	// The next Monday trades normally.
	assert.True(t, cal.IsOpen("NYSE", time.Date(2026, 7, 6, 12, 0, 0, 0, ny)))
}

func TestIsOpen_UTCQueryCrossesLocalMidnight(t *testing.T) {
	cal, err := New([]config.Exchange{tse()})
	assert.NoError(t, err)

	// 01:00 UTC Monday is 10:00 JST Monday, inside the session.
	assert.True(t, cal.IsOpen("TSE", time.Date(2026, 6, 1, 1, 0, 0, 0, time.UTC)))
	// 07:00 UTC Monday is 16:00 JST, after the close.
	assert.False(t, cal.IsOpen("TSE", time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC)))
	// Sunday 23:50 UTC is Monday 08:50 JST, still before the open.
	assert.False(t, cal.IsOpen("TSE", time.Date(2026, 5, 31, 23, 50, 0, 0, time.UTC)))
	// Monday 00:00 UTC is Monday 09:00 JST, exactly the open.
	assert.True(t, cal.IsOpen("TSE", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestIsOpen_DSTTransition(t *testing.T) {
	cal, err := New([]config.Exchange{nyse()})
	assert.NoError(t, err)

	// US DST starts 2026-03-08. On Friday 2026-03-06 (EST, UTC-5) the open
	// is 14:30 UTC; on Monday 2026-03-09 (EDT, UTC-4) it is 13:30 UTC.
	assert.False(t, cal.IsOpen("NYSE", time.Date(2026, 3, 6, 14, 0, 0, 0, time.UTC)))
	assert.True(t, cal.IsOpen("NYSE", time.Date(2026, 3, 6, 14, 30, 0, 0, time.UTC)))

	assert.True(t, cal.IsOpen("NYSE", time.Date(2026, 3, 9, 13, 30, 0, 0, time.UTC)))
	assert.False(t, cal.IsOpen("NYSE", time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)))
}

func TestNextBoundary_CloseWhenOpen(t *testing.T) {
	cal, err := New([]config.Exchange{nyse()})
	assert.NoError(t, err)

	ny, _ := time.LoadLocation("America/New_York")
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, ny)

	next, err := cal.NextBoundary("NYSE", at)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 16, 0, 0, 0, ny), next)
}

func TestNextBoundary_SkipsWeekendAndHoliday(t *testing.T) {
	cal, err := New([]config.Exchange{nyse()})
	assert.NoError(t, err)

	ny, _ := time.LoadLocation("America/New_York")

	// After Thursday 2026-07-02 close: Friday is a holiday, then the
	// weekend, so the next open is Monday 2026-07-06.
	at := time.Date(2026, 7, 2, 17, 0, 0, 0, ny)
	next, err := cal.NextBoundary("NYSE", at)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 6, 9, 30, 0, 0, ny), next)
}

func TestNextBoundary_BeforeOpenSameDay(t *testing.T) {
	cal, err := New([]config.Exchange{nyse()})
	assert.NoError(t, err)

	ny, _ := time.LoadLocation("America/New_York")
	at := time.Date(2026, 6, 1, 7, 0, 0, 0, ny)

	next, err := cal.NextBoundary("NYSE", at)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 9, 30, 0, 0, ny), next)
}

func TestNextBoundary_UnknownExchange(t *testing.T) {
	cal, err := New([]config.Exchange{nyse()})
	assert.NoError(t, err)

	_, err = cal.NextBoundary("LSE", time.Now())
	assert.Error(t, err)
}

func TestOpenExchanges(t *testing.T) {
	cal, err := New([]config.Exchange{nyse(), tse()})
	assert.NoError(t, err)

	// 14:30 UTC Monday: NYSE is opening (09:30 EST... June is EDT, so
	// 10:30 local) and TSE is long closed (23:30 JST).
	open := cal.OpenExchanges(time.Date(2026, 6, 1, 14, 30, 0, 0, time.UTC))
	assert.Equal(t, []string{"NYSE"}, open)

	// 02:00 UTC Monday: TSE only (11:00 JST).
	open = cal.OpenExchanges(time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC))
	assert.Equal(t, []string{"TSE"}, open)

	// Sunday: none.
	assert.Empty(t, cal.OpenExchanges(time.Date(2026, 6, 7, 12, 0, 0, 0, time.UTC)))
}

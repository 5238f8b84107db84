package normalize

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// EventHour is the local hour every event date is pinned to. Noon keeps the
// calendar day stable when the receiver reads the timestamp in a zone a few
// hours away.
const EventHour = 12

const isoDate = "2006-01-02"

// ParseDate converts raw into unix seconds for 12:00:00 of that calendar day
// in timezoneName.
//
// YYYY-MM-DD is matched exactly first. Other layouts go through dateparse
// with month-first resolution, so "01/09/25" is January 9, 2025. Empty input,
// an unreadable date or an empty or unknown zone yields false.
func ParseDate(raw, timezoneName string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	// LoadLocation("") is UTC; a job always names its zone.
	if raw == "" || timezoneName == "" {
		return 0, false
	}
	loc, err := time.LoadLocation(timezoneName)
	if err != nil {
		return 0, false
	}

	var parsed time.Time
	if len(raw) == len(isoDate) && raw[4] == '-' && raw[7] == '-' {
		parsed, err = time.ParseInLocation(isoDate, raw, loc)
	} else {
		parsed, err = dateparse.ParseIn(raw, loc,
			dateparse.PreferMonthFirst(true),
			dateparse.RetryAmbiguousDateWithSwap(false))
	}
	if err != nil {
		return 0, false
	}

	y, m, d := parsed.Date()
	return time.Date(y, m, d, EventHour, 0, 0, 0, loc).Unix(), true
}

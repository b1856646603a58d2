package usage

import (
	"sort"
	"time"
)

// DailyReading is one day of meter data as fetched from the API. It is
// immutable once fetched; the date is the natural key.
type DailyReading struct {
	Date time.Time `json:"date"`
	// MeterValue is the cumulative meter register at the reading time.
	MeterValue float64 `json:"meterValue"`
	// Volume is the incremental consumption attributed to the day.
	Volume float64 `json:"volume"`
	// Fee is the incremental billed fee for the day; zero when the server
	// has not billed the day yet.
	Fee float64 `json:"fee"`
	// Balance is the account balance at the reading time.
	Balance float64 `json:"balance"`
}

// dayKey truncates the reading date to its calendar day.
func dayKey(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// NormalizeReadings deduplicates by calendar day (last write wins, the
// wire order decides) and returns the result sorted by date ascending.
func NormalizeReadings(readings []DailyReading) []DailyReading {
	byDay := make(map[time.Time]DailyReading, len(readings))
	for _, r := range readings {
		byDay[dayKey(r.Date)] = r
	}

	out := make([]DailyReading, 0, len(byDay))
	for day, r := range byDay {
		r.Date = day
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

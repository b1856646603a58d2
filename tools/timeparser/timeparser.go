package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// ParseReadingTimestamp attempts to parse an API reading timestamp with
// multiple formats. The server is inconsistent: daily records carry
// "2006-01-02 15:04:05", some endpoints return bare dates, and a few
// append a stray ".0" fraction.
func ParseReadingTimestamp(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSuffix(strings.TrimSpace(dateStr), ".0")

	formats := []string{
		"2006-01-02 15:04:05",
		"2006-01-02",
		time.RFC3339,
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.ParseInLocation(format, dateStr, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of the fetch time
func IsWithinTolerance(readingTime, fetchedTime time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(fetchedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}

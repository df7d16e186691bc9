// Package calendar holds the date arithmetic shared by the public and admin pages.
// Every calendar day is evaluated in UTC+8 regardless of the server's zone.
package calendar

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// UTC8 is the site's reference zone.
var UTC8 = time.FixedZone("UTC+8", 8*60*60)

const day = 24 * time.Hour

// DebutDate is the first stream, counted from on the home page.
var DebutDate = time.Date(2024, time.July, 15, 0, 0, 0, 0, time.UTC)

const (
	BirthdayMonth    = time.March
	BirthdayDay      = 1
	AnniversaryMonth = time.July
	AnniversaryDay   = 16
)

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDateTime reads a backend timestamp. Zone-less values are taken to be in loc.
func ParseDateTime(value string, loc *time.Location) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, trimmed, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatDateTime renders a backend timestamp as "YYYY-MM-DD HH:MM:SS" in loc.
// Values that do not parse are returned untouched.
func FormatDateTime(value string, loc *time.Location) string {
	if t, ok := ParseDateTime(value, loc); ok {
		return t.In(loc).Format(time.DateTime)
	}
	return value
}

// --- Month numbers ---

// MonthNumber encodes t's month in UTC+8 as year*100+month.
func MonthNumber(t time.Time) int {
	local := t.In(UTC8)
	return local.Year()*100 + int(local.Month())
}

// FormatMonth renders a month number as "YYYYMM".
func FormatMonth(n int) string {
	return fmt.Sprintf("%d%02d", n/100, n%100)
}

// ParseMonth validates a "YYYYMM" string.
func ParseMonth(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if m := n % 100; m < 1 || m > 12 {
		return 0, false
	}
	return n, true
}

// PrevMonth returns the month number preceding n.
func PrevMonth(n int) int {
	year, month := n/100, n%100
	if month == 1 {
		return (year-1)*100 + 12
	}
	return year*100 + month - 1
}

// DefaultMonth is the newest selectable month: the current one, never earlier than floor.
func DefaultMonth(now time.Time, floor int) int {
	return max(MonthNumber(now), floor)
}

// MonthOptions lists months from start down to floor inclusive, newest first.
func MonthOptions(start, floor int) []string {
	var months []string
	for current := max(start, floor); current >= floor; current = PrevMonth(current) {
		months = append(months, FormatMonth(current))
	}
	return months
}

// --- Day arithmetic ---

// DayStart returns the UTC+8 calendar day containing t, expressed as midnight UTC of that date.
func DayStart(t time.Time) time.Time {
	local := t.In(UTC8)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysSince counts whole UTC+8 days elapsed since since. It never goes negative.
func DaysSince(now, since time.Time) int {
	return max(0, int(DayStart(now).Sub(since)/day))
}

// Countdown is the distance to the next occurrence of a yearly date.
type Countdown struct {
	Days  int
	Today bool
}

// NextAnniversary reports how many UTC+8 days remain until month/dayOfMonth.
// On the day itself Days is zero and Today is set.
func NextAnniversary(now time.Time, month time.Month, dayOfMonth int) Countdown {
	today := DayStart(now)
	target := time.Date(today.Year(), month, dayOfMonth, 0, 0, 0, 0, time.UTC)
	isToday := today.Equal(target)
	if today.After(target) {
		target = time.Date(today.Year()+1, month, dayOfMonth, 0, 0, 0, 0, time.UTC)
	}
	return Countdown{Days: int(target.Sub(today) / day), Today: isToday}
}

// --- Live status ---

// ParseLiveTime reads the backend's "YYYY-MM-DD HH:MM:SS" UTC+8 stream start.
func ParseLiveTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(time.DateTime, value, UTC8)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatDuration renders d as HH:MM:SS. Negative durations clamp to zero.
func FormatDuration(d time.Duration) string {
	total := max(0, int64(d/time.Second))
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// RetryWait converts a retry_at epoch (seconds) into whole seconds left to wait.
func RetryWait(retryAt float64, now time.Time) int {
	remaining := retryAt*1000 - float64(now.UnixMilli())
	return max(0, int(math.Ceil(remaining/1000)))
}

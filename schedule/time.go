package schedule

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INTERVAL - Half-open shift window [Start, End)
// =============================================================================

type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start.UTC(), End: end.UTC()}
}

// Valid reports whether the interval has positive length.
// Overnight shifts must carry a real end date, never an end clock time earlier than the start.
func (iv Interval) Valid() bool { return iv.End.After(iv.Start) }

func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

func (iv Interval) Hours() decimal.Decimal { return HoursOf(iv.Duration()) }

func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Overlap returns how long the two intervals intersect (zero when disjoint).
func (iv Interval) Overlap(other Interval) time.Duration {
	if !iv.Overlaps(other) {
		return 0
	}
	start := iv.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := iv.End
	if other.End.Before(end) {
		end = other.End
	}
	return end.Sub(start)
}

func (iv Interval) Contains(other Interval) bool {
	return !other.Start.Before(iv.Start) && !other.End.After(iv.End)
}

// Gap returns the idle time between two disjoint intervals. Overlapping intervals have no gap.
func (iv Interval) Gap(other Interval) time.Duration {
	switch {
	case iv.Overlaps(other):
		return 0
	case !other.Start.Before(iv.End):
		return other.Start.Sub(iv.End)
	default:
		return iv.Start.Sub(other.End)
	}
}

func (iv Interval) Equal(other Interval) bool {
	return iv.Start.Equal(other.Start) && iv.End.Equal(other.End)
}

func (iv Interval) String() string {
	return "[" + iv.Start.Format(time.RFC3339) + ", " + iv.End.Format(time.RFC3339) + ")"
}

// =============================================================================
// HOURS & WEEKS
// =============================================================================

func HoursOf(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d / time.Minute)).Div(decimal.NewFromInt(60))
}

// WeekContaining returns the seven-day window starting on weekStart that contains t.
func WeekContaining(t time.Time, weekStart time.Weekday) Interval {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) - int(weekStart) + 7) % 7
	start := day.AddDate(0, 0, -offset)
	return Interval{Start: start, End: start.AddDate(0, 0, 7)}
}

// DateOnly truncates t to midnight UTC.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(s string) (time.Duration, bool) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, true
		}
	}
	return 0, false
}

// Clock is the time source. Tests pin it.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

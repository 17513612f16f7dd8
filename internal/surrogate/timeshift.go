package surrogate

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
)

// layout is a timestamp format together with the smallest unit it shows.
type layout struct {
	format string
	unit   time.Duration
}

const day = 24 * time.Hour

// Layouts tried in order when parsing acquisition timestamps. The first
// match decides the output format.
var layouts = []layout{
	{"03:04PM 02.01.2006", time.Minute},
	{"3:04PM 02.01.2006", time.Minute},
	{"03:04 PM 02.01.2006", time.Minute},
	{"15:04 02.01.2006", time.Minute},
	{"02.01.2006 15:04:05", time.Second},
	{"02.01.2006", day},
	{time.RFC3339, time.Second},
	{"2006-01-02 15:04:05", time.Second},
	{"2006-01-02", day},
	{"2006:01:02 15:04:05", time.Second},
	{"01/02/06 15:04:05", time.Second},
	{"01/02/06", day},
}

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// TimeShifter moves a timestamp to a different instant. unit is the
// smallest step the textual format can show; the shift must be a non-zero
// multiple of it.
type TimeShifter interface {
	Shift(t time.Time, unit time.Duration) (time.Time, error)
}

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// RandomShift moves timestamps back by a uniformly random whole number of
// units between MinDays and MaxYears. When that would precede 1970 the
// timestamp is moved forward instead, but never past Clock.Now.
type RandomShift struct {
	MinDays  int
	MaxYears int
	Clock    Clock
}

// Shift implements TimeShifter.
func (s RandomShift) Shift(t time.Time, unit time.Duration) (time.Time, error) {
	lo := time.Duration(max(s.MinDays, 1)) * day
	hi := time.Duration(max(s.MaxYears, 1)) * 365 * day
	if hi <= lo {
		hi = lo + day
	}
	lo, hi = roundUp(lo, unit), hi/unit*unit

	span := int64((hi - lo) / unit)
	n, err := rand.Int(rand.Reader, big.NewInt(span+1))
	if err != nil {
		return time.Time{}, fmt.Errorf("random shift: %w", err)
	}
	offset := lo + time.Duration(n.Int64())*unit

	if shifted := t.Add(-offset); !shifted.Before(epoch) {
		return shifted, nil
	}
	clock := s.Clock
	if clock == nil {
		clock = SystemClock
	}
	shifted := t.Add(offset)
	if shifted.After(clock.Now()) {
		return time.Time{}, errs.New("surrogate.RandomShift", errs.ErrInvalidTimestamp, "no room to shift %s", t.Format(time.DateOnly))
	}
	return shifted, nil
}

// FixedShift moves every timestamp back by the same number of days.
type FixedShift struct {
	Days int
}

// Shift implements TimeShifter.
func (s FixedShift) Shift(t time.Time, _ time.Duration) (time.Time, error) {
	if s.Days == 0 {
		return time.Time{}, fmt.Errorf("fixed shift of zero days")
	}
	return t.AddDate(0, 0, -s.Days), nil
}

func roundUp(d, unit time.Duration) time.Duration {
	if r := d % unit; r != 0 {
		return d + unit - r
	}
	return d
}

// ParseTimestamp parses s with the first matching layout and returns the
// instant with that layout.
func ParseTimestamp(s string) (time.Time, string, time.Duration, error) {
	v := strings.TrimSpace(s)
	for _, l := range layouts {
		if t, err := time.Parse(l.format, v); err == nil {
			return t, l.format, l.unit, nil
		}
	}
	return time.Time{}, "", 0, errs.New("surrogate.ParseTimestamp", errs.ErrInvalidTimestamp, "no known layout matches")
}

// ShiftTimestamp shifts the timestamp in s and formats it with the layout
// it was written in.
func ShiftTimestamp(s string, shifter TimeShifter) (string, error) {
	t, format, unit, err := ParseTimestamp(s)
	if err != nil {
		return "", err
	}
	shifted, err := shifter.Shift(t, unit)
	if err != nil {
		return "", err
	}
	out := shifted.Format(format)
	if out == strings.TrimSpace(s) {
		return "", errs.New("surrogate.ShiftTimestamp", errs.ErrInvalidTimestamp, "shift left %q unchanged", format)
	}
	return out, nil
}

// Offset returns how far shifted lies from original.
func Offset(original, shifted string) (time.Duration, error) {
	a, _, _, err := ParseTimestamp(original)
	if err != nil {
		return 0, err
	}
	b, _, _, err := ParseTimestamp(shifted)
	if err != nil {
		return 0, err
	}
	return b.Sub(a), nil
}

// ShiftBy moves a timestamp written in layout by d, keeping the layout.
func ShiftBy(s, layout string, d time.Duration) (string, error) {
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return "", errs.Wrap("surrogate.ShiftBy", errs.ErrInvalidTimestamp, err)
	}
	return t.Add(d).Format(layout), nil
}

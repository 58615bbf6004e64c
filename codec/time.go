package codec

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

const secondsPerDay = 86400

// encodeDate renders a date as calendar days since 1970-01-01, or as an
// ISO-8601 date string. Dates are timezone-agnostic: the calendar day is
// taken from the value's own location.
func encodeDate(t time.Time, asString bool) string {
	if asString {
		return t.Format(dateLayout)
	}
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%d", floorDiv(midnight.Unix(), secondsPerDay))
}

func decodeDateDays(days int64) time.Time {
	return time.Unix(days*secondsPerDay, 0).UTC()
}

// encodeDatetime renders a timestamp as unix seconds with sub-second
// precision (an exact decimal, never a binary float), or as RFC3339Nano.
func encodeDatetime(t time.Time, asString bool) string {
	if asString {
		return t.Format(time.RFC3339Nano)
	}
	return decimal.New(t.UnixNano(), -9).String()
}

func decodeDatetimeNumber(s string, loc *time.Location) (time.Time, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}, err
	}
	nanos := d.Shift(9)
	if !nanos.IsInteger() {
		nanos = nanos.Truncate(0)
	}
	return time.Unix(0, nanos.IntPart()).In(loc), nil
}

// floorDiv rounds toward negative infinity, so pre-epoch dates land on the
// right calendar day.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

package broker

import (
	"fmt"
	"strconv"
)

// NormalizeTimestamp converts a decimal seconds-since-epoch value into
// the fixed-width form stored in container DBs. The form pads to ten
// integer digits and five fractional digits so that lexicographic
// ordering of the stored strings equals numeric ordering.
func NormalizeTimestamp(ts string) (string, error) {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f < 0 {
		return "", fmt.Errorf("invalid timestamp %q", ts)
	}
	return fmt.Sprintf("%016.5f", f), nil
}

// TimestampToFloat parses a stored (or raw) timestamp back to seconds.
func TimestampToFloat(ts string) (float64, error) {
	return strconv.ParseFloat(ts, 64)
}

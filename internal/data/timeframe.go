package data

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeframeDuration parses a timeframe label ("1m", "5m", "1h", "4h", "1d")
// into its nominal bar duration. Calendar-aware coarser units (weeks, months)
// are not supported by the resampler and are rejected here.
func TimeframeDuration(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
}

// Package interval parses human interval specs ("s5", "m1", "h1") and
// computes wall-clock-aligned tick boundaries. Alignment matters: every
// fleet member derives the same tick epoch for the same wall time, which is
// what makes the distributed claim key agree across processes.
package interval

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrInvalidInterval = errors.New("invalid interval")

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
}

// Parse converts an interval spec to seconds. Accepted grammar: a single
// unit character (s|m|h|d|w) followed by a positive integer multiplier,
// or a raw positive integer meaning seconds.
func Parse(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("%w: empty spec", ErrInvalidInterval)
	}
	if n, err := strconv.ParseInt(spec, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidInterval, spec)
		}
		return n, nil
	}
	unit, ok := unitSeconds[spec[0]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidInterval, spec)
	}
	mult, err := strconv.ParseInt(spec[1:], 10, 64)
	if err != nil || mult <= 0 {
		return 0, fmt.Errorf("%w: bad multiplier in %q", ErrInvalidInterval, spec)
	}
	return unit * mult, nil
}

// Duration is Parse expressed as a time.Duration.
func Duration(spec string) (time.Duration, error) {
	sec, err := Parse(spec)
	if err != nil {
		return 0, err
	}
	return time.Duration(sec) * time.Second, nil
}

// NextTick returns the earliest boundary t strictly after now such that
// t mod intervalSec == 0 in wall-clock seconds since the Unix epoch.
func NextTick(intervalSec int64, now time.Time) time.Time {
	next := (now.Unix()/intervalSec + 1) * intervalSec
	return time.Unix(next, 0)
}

// Epoch returns floor(now / intervalSec); the claim-lock key component.
func Epoch(intervalSec int64, now time.Time) int64 {
	return now.Unix() / intervalSec
}

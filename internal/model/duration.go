package model

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"time"
)

var durationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?(\d+ms)?$`)

// ParseDuration parses the config duration form, ordered day/hour/minute/
// second/millisecond segments such as "1d12h" or "500ms". Empty string
// rejected.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format")
	}
	units := []struct {
		suffix int // chars to strip
		unit   time.Duration
	}{
		{1, 24 * time.Hour},
		{1, time.Hour},
		{1, time.Minute},
		{1, time.Second},
		{2, time.Millisecond},
	}
	var total time.Duration
	for i, seg := range m[1:] { // groups 1..5
		if seg == "" {
			continue
		}
		numStr := seg[:len(seg)-units[i].suffix]
		val, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		add := units[i].unit * time.Duration(val)
		if add > 0 && total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}

// MustDuration is for wiring validated config values, where the CUE schema
// has already constrained the format.
func MustDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic("duration " + s + ": " + err.Error())
	}
	return d
}

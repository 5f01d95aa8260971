// Package timewin parses time-window values as they appear in gateway
// configuration and per-request option overrides.
//
// Two input shapes are accepted:
//   - a non-negative whole number of milliseconds (int, int64, float64, uint),
//   - a string of the form "<digits><unit>" where unit is one of
//     ms, s, m, h, d — e.g. "30s", "1m", "500ms".
//
// Anything else is rejected. The result is always milliseconds.
package timewin

import (
	"regexp"
	"strconv"

	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

var windowRe = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)$`)

// Unit multipliers to milliseconds.
const (
	msPerSecond = 1_000
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
)

// Parse converts v into a millisecond count.
//
// Numeric inputs must be non-negative whole numbers. String inputs must match
// ^(\d+)(ms|s|m|h|d)$. Invalid values fail with INVALID_TIME_WINDOW_VALUE;
// unsupported Go types fail with INVALID_TIME_WINDOW_TYPE.
func Parse(v any) (int64, error) {
	switch t := v.(type) {
	case string:
		return parseString(t)
	case int:
		return checkNumber(int64(t))
	case int64:
		return checkNumber(t)
	case uint:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float64:
		if t != float64(int64(t)) {
			return 0, aierr.New(aierr.CodeInvalidTimeWindowValue,
				"time window must be a whole number of milliseconds")
		}
		return checkNumber(int64(t))
	default:
		return 0, aierr.New(aierr.CodeInvalidTimeWindowType,
			"time window must be a number of milliseconds or a string like \"30s\"")
	}
}

func parseString(s string) (int64, error) {
	m := windowRe.FindStringSubmatch(s)
	if m == nil {
		return 0, aierr.New(aierr.CodeInvalidTimeWindowValue,
			"invalid time window "+strconv.Quote(s)+"; expected e.g. \"500ms\", \"30s\", \"1m\", \"2h\", \"1d\"")
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, aierr.New(aierr.CodeInvalidTimeWindowValue,
			"time window out of range: "+strconv.Quote(s))
	}

	switch m[2] {
	case "ms":
		return n, nil
	case "s":
		return n * msPerSecond, nil
	case "m":
		return n * msPerMinute, nil
	case "h":
		return n * msPerHour, nil
	default: // "d" — the regexp admits nothing else
		return n * msPerDay, nil
	}
}

func checkNumber(n int64) (int64, error) {
	if n < 0 {
		return 0, aierr.New(aierr.CodeInvalidTimeWindowValue,
			"time window must not be negative")
	}
	return n, nil
}

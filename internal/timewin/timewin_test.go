package timewin

import (
	"testing"

	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

func TestParseStringForms(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"500ms", 500},
		{"0ms", 0},
		{"30s", 30_000},
		{"1m", 60_000},
		{"2h", 7_200_000},
		{"1d", 86_400_000},
		{"90s", 90_000},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseNumericForms(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{int(1500), 1500},
		{int64(0), 0},
		{uint(250), 250},
		{uint64(10), 10},
		{float64(30000), 30000},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Errorf("Parse(%v): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseInvalidValues(t *testing.T) {
	cases := []any{
		"30",      // missing unit
		"s30",     // unit before digits
		"30 s",    // embedded space
		"-5s",     // negative
		"1.5s",    // fractional
		"30S",     // uppercase unit
		"",        // empty
		"30w",     // unknown unit
		int(-1),   // negative number
		float64(1.5),
	}
	for _, c := range cases {
		_, err := Parse(c)
		if err == nil {
			t.Errorf("Parse(%v): expected error, got nil", c)
			continue
		}
		if code := aierr.CodeOf(err); code != aierr.CodeInvalidTimeWindowValue {
			t.Errorf("Parse(%v): code = %q, want %q", c, code, aierr.CodeInvalidTimeWindowValue)
		}
	}
}

func TestParseUnsupportedTypes(t *testing.T) {
	for _, c := range []any{nil, true, []string{"30s"}, map[string]any{}} {
		_, err := Parse(c)
		if err == nil {
			t.Errorf("Parse(%v): expected error, got nil", c)
			continue
		}
		if code := aierr.CodeOf(err); code != aierr.CodeInvalidTimeWindowType {
			t.Errorf("Parse(%v): code = %q, want %q", c, code, aierr.CodeInvalidTimeWindowType)
		}
	}
}

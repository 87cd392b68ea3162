package config

import (
	"testing"
	"time"
)

func TestParseDurationExtended(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"month lookback", "30d", 30 * 24 * time.Hour},
		{"week lookback", "1w", 7 * 24 * time.Hour},
		{"mixed units", "1w2d3h", (7*24 + 2*24 + 3) * time.Hour},
		{"fractional day", "1.5d", 36 * time.Hour},
		{"negative", "-2w", -14 * 24 * time.Hour},
		{"rate window, plain go units", "10m", 10 * time.Minute},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseDurationExtended(tc.in)
			if err != nil {
				t.Fatalf("parseDurationExtended(%q) unexpected error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("parseDurationExtended(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseDurationExtendedRejectsMalformed(t *testing.T) {
	bad := []string{"", "   ", "3x", "2d3x", "-", "d"}
	for _, in := range bad {
		if _, err := parseDurationExtended(in); err == nil {
			t.Fatalf("parseDurationExtended(%q) expected error, got nil", in)
		}
	}
}

package dispatch

import "testing"

func TestResolveMessagesPerSecond(t *testing.T) {
	cases := []struct {
		name      string
		perMinute int
		want      int
	}{
		{"unset", 0, 15},
		{"negative", -10, 15},
		{"below one per second", 30, 1},
		{"exactly one per second", 60, 1},
		{"typical", 120, 2},
		{"fractional floors", 119, 1},
		{"high", 900, 15},
		{"clamped at ceiling", 6000, 25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveMessagesPerSecond(tc.perMinute); got != tc.want {
				t.Fatalf("ResolveMessagesPerSecond(%d) = %d, want %d", tc.perMinute, got, tc.want)
			}
		})
	}
}

func TestResolveMessagesPerSecondAlwaysInRange(t *testing.T) {
	for perMinute := -100; perMinute <= 10000; perMinute += 37 {
		got := ResolveMessagesPerSecond(perMinute)
		if got < 1 || got > 25 {
			t.Fatalf("ResolveMessagesPerSecond(%d) = %d out of [1,25]", perMinute, got)
		}
	}
}

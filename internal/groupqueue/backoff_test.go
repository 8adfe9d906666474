package groupqueue

import (
	"testing"
	"time"
)

func TestComputeBackoff(t *testing.T) {
	t.Parallel()
	base := 10 * time.Second
	max := 5 * time.Minute

	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{"zero base disables delay", 3, 0, max, 0},
		{"first attempt uses base", 0, base, max, base},
		{"doubles per attempt", 2, base, max, 40 * time.Second},
		{"caps at max", 10, base, max, max},
		{"base above max clamps", 0, 10 * time.Minute, max, max},
		{"no max grows unbounded", 4, base, 0, 160 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeBackoff(tt.attempt, tt.base, tt.max); got != tt.want {
				t.Fatalf("computeBackoff(%d, %v, %v) = %v, want %v",
					tt.attempt, tt.base, tt.max, got, tt.want)
			}
		})
	}
}

package worker

import (
	"testing"
	"time"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()
	p := &Pool{cfg: Config{
		RetryBase:     2 * time.Second,
		RetryMaxDelay: time.Minute,
		RetryJitter:   0, // deterministic
	}}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute}, // 64s hits the cap
		{20, time.Minute},
	}
	for _, tt := range tests {
		if got := p.backoffDelay(tt.retry); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	t.Parallel()
	const jitter = 0.2
	p := &Pool{cfg: Config{
		RetryBase:     time.Second,
		RetryMaxDelay: time.Minute,
		RetryJitter:   jitter,
	}}

	// retry 2 doubles to 2s, then jitter spreads it within ±20%.
	want := 2 * time.Second
	lo := time.Duration(float64(want) * (1 - jitter))
	hi := time.Duration(float64(want) * (1 + jitter))
	for i := 0; i < 200; i++ {
		got := p.backoffDelay(2)
		if got < lo || got > hi {
			t.Fatalf("backoffDelay(2) = %v, want within [%v, %v]", got, lo, hi)
		}
	}

	// jitter never pushes a capped delay past the cap
	for i := 0; i < 200; i++ {
		if got := p.backoffDelay(20); got > time.Minute {
			t.Fatalf("backoffDelay(20) = %v, exceeds cap", got)
		}
	}
}

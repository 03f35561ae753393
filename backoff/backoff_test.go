package backoff_test

import (
	"testing"
	"time"

	"github.com/ledgerline/backlog/backoff"
)

func TestNext_Fixed(t *testing.T) {
	spec := backoff.Spec{Kind: backoff.KindFixed, Base: 5 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		if got := backoff.Next(spec, attempt); got != 5*time.Second {
			t.Errorf("Next(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestNext_Exponential(t *testing.T) {
	spec := backoff.Spec{Kind: backoff.KindExponential, Base: time.Second, Max: time.Hour}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},  // 1 * 2^0
		{2, 2 * time.Second},  // 1 * 2^1
		{3, 4 * time.Second},  // 1 * 2^2
		{4, 8 * time.Second},  // 1 * 2^3
		{5, 16 * time.Second}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := backoff.Next(spec, tt.attempt); got != tt.want {
			t.Errorf("Next(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNext_ExponentialCapsAtMax(t *testing.T) {
	spec := backoff.Spec{Kind: backoff.KindExponential, Base: time.Second, Max: 10 * time.Second}

	// Attempt 5 = 16s > 10s max → should return 10s.
	if got := backoff.Next(spec, 5); got != 10*time.Second {
		t.Errorf("Next(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := backoff.Next(spec, 20); got != 10*time.Second {
		t.Errorf("Next(20) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestNext_ClampsLowAttempts(t *testing.T) {
	spec := backoff.Spec{Kind: backoff.KindExponential, Base: time.Second}
	if got := backoff.Next(spec, 0); got != time.Second {
		t.Errorf("Next(0) = %v, want %v", got, time.Second)
	}
	if got := backoff.Next(spec, -3); got != time.Second {
		t.Errorf("Next(-3) = %v, want %v", got, time.Second)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    backoff.Spec
		wantErr bool
	}{
		{"valid fixed", backoff.Spec{Kind: backoff.KindFixed, Base: time.Second}, false},
		{"valid exponential", backoff.Spec{Kind: backoff.KindExponential, Base: time.Second, Max: time.Minute}, false},
		{"unknown kind", backoff.Spec{Kind: "sinus", Base: time.Second}, true},
		{"zero base", backoff.Spec{Kind: backoff.KindFixed}, true},
		{"negative base", backoff.Spec{Kind: backoff.KindFixed, Base: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStrategy_SpecRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		strategy backoff.Strategy
	}{
		{"fixed", backoff.NewFixed(3 * time.Second)},
		{"exponential", backoff.NewExponential(time.Second, time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.strategy.Spec()
			for attempt := 1; attempt <= 6; attempt++ {
				if got, want := backoff.Next(spec, attempt), tt.strategy.Delay(attempt); got != want {
					t.Errorf("attempt %d: Next = %v, Delay = %v", attempt, got, want)
				}
			}
		})
	}
}

func TestJitter_StaysBelowInner(t *testing.T) {
	inner := backoff.NewExponential(time.Second, time.Minute)
	j := backoff.NewJitter(inner)

	for attempt := 1; attempt <= 6; attempt++ {
		d := j.Delay(attempt)
		upper := inner.Delay(attempt)
		if d < upper/2 || d >= upper {
			t.Errorf("attempt %d: jittered delay %v outside [%v, %v)", attempt, d, upper/2, upper)
		}
	}
}

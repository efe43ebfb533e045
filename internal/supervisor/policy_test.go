package supervisor

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowth(t *testing.T) {
	p := Policy{BackoffBase: 500 * time.Millisecond, BackoffMax: 30 * time.Second}
	p.Normalize()

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, w := range want {
		if got := p.backoffDelay(i + 1); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffDelayFloor(t *testing.T) {
	p := Policy{}
	p.Normalize()
	if got := p.backoffDelay(0); got != p.BackoffBase {
		t.Fatalf("backoffDelay(0) = %v, want base %v", got, p.BackoffBase)
	}
	if got := p.backoffDelay(-3); got != p.BackoffBase {
		t.Fatalf("backoffDelay(-3) = %v, want base %v", got, p.BackoffBase)
	}
}

func TestPolicyNormalizeDefaults(t *testing.T) {
	var p Policy
	p.Normalize()
	if p.BackoffBase != DefaultBackoffBase ||
		p.BackoffMax != DefaultBackoffMax ||
		p.StabilityPeriod != DefaultStabilityPeriod ||
		p.StartWindow != DefaultStartWindow ||
		p.StopTimeout != DefaultStopTimeout {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if p.MaxRestarts != 0 {
		t.Fatalf("MaxRestarts should stay unlimited, got %d", p.MaxRestarts)
	}
}

func TestStateActive(t *testing.T) {
	active := []State{StateStarting, StateRunning, StateStopping}
	inactive := []State{StateStopped, StateBackoff, StateFailed}
	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range inactive {
		if s.Active() {
			t.Errorf("%s should be inactive", s)
		}
	}
}

package timeline

import (
	"testing"
	"time"
)

func TestClockMonotonic(t *testing.T) {
	clock := NewClock()

	prev := clock.Now()
	for i := 0; i < 100; i++ {
		cur := clock.Now()
		if cur < prev {
			t.Fatalf("clock went backwards: %v after %v", cur, prev)
		}
		prev = cur
	}
}

func TestPointConversions(t *testing.T) {
	p := Point(1500 * time.Millisecond)

	if got := p.Seconds(); got != 1.5 {
		t.Errorf("Seconds() = %v, want 1.5", got)
	}
	if got := p.Duration(); got != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, want 1.5s", got)
	}
	if got := FromSeconds(1.5); got != p {
		t.Errorf("FromSeconds(1.5) = %v, want %v", got, p)
	}
}

func TestPointArithmetic(t *testing.T) {
	a := Point(2 * time.Second)
	b := Point(500 * time.Millisecond)

	if got := a.Sub(b); got != 1500*time.Millisecond {
		t.Errorf("Sub = %v, want 1.5s", got)
	}
	if got := b.Add(time.Second); got != Point(1500*time.Millisecond) {
		t.Errorf("Add = %v, want 1.5s", got)
	}
}

func TestPointString(t *testing.T) {
	p := Point(1234 * time.Millisecond)
	if got := p.String(); got != "1.234s" {
		t.Errorf("String() = %q, want %q", got, "1.234s")
	}
}

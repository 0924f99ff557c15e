package portpool

import (
	"errors"
	"testing"
)

func TestAcquireReleaseConservation(t *testing.T) {
	p := New(30000, 30010)
	initial := p.Available()

	var ports []int
	for i := 0; i < 5; i++ {
		port, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		ports = append(ports, port)
	}

	for _, port := range ports {
		p.Release(port)
	}

	if got := p.Available(); got != initial {
		t.Errorf("Available() after release = %d, want %d", got, initial)
	}
	if got := p.Allocated(); got != 0 {
		t.Errorf("Allocated() after release = %d, want 0", got)
	}
}

func TestAcquireExhaustion(t *testing.T) {
	p := New(30000, 30002)
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrNoAvailablePorts) {
		t.Errorf("Acquire() on exhausted pool error = %v, want ErrNoAvailablePorts", err)
	}
}

func TestReleaseUnknownPortIsNoop(t *testing.T) {
	p := New(30000, 30002)
	before := p.Available()
	p.Release(59999)
	if got := p.Available(); got != before {
		t.Errorf("Available() after releasing unknown port = %d, want %d", got, before)
	}
}

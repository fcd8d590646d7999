package cb

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	c := New(3, 100*time.Millisecond, nil)
	if c.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", c.CurrentState())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	c := New(3, 100*time.Millisecond, nil)
	errFail := errors.New("fail")

	for i := 0; i < 3; i++ {
		if err := c.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}

	if c.CurrentState() != StateOpen {
		t.Errorf("expected Open after 3 failures, got %v", c.CurrentState())
	}

	if err := c.Execute(func() error { return nil }); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	c := New(2, 50*time.Millisecond, nil)
	errFail := errors.New("fail")

	for i := 0; i < 2; i++ {
		c.Execute(func() error { return errFail })
	}
	if c.CurrentState() != StateOpen {
		t.Fatal("expected Open")
	}

	time.Sleep(60 * time.Millisecond)

	if err := c.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if c.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", c.CurrentState())
	}
}

func TestCircuitBreaker_RecordFailureAndSuccess(t *testing.T) {
	c := New(2, 50*time.Millisecond, nil)
	c.RecordFailure()
	c.RecordFailure()
	if c.CurrentState() != StateOpen {
		t.Fatalf("expected Open, got %v", c.CurrentState())
	}
	time.Sleep(60 * time.Millisecond)
	if !c.Allow() {
		t.Fatal("expected Allow() true after reset timeout (half-open probe)")
	}
	c.RecordSuccess()
	if c.CurrentState() != StateClosed {
		t.Errorf("expected Closed after recorded success, got %v", c.CurrentState())
	}
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions []State
	c := New(1, 50*time.Millisecond, nil)
	c.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	c.Execute(func() error { return errors.New("fail") })

	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("expected [Open], got %v", transitions)
	}

	time.Sleep(60 * time.Millisecond)
	c.Execute(func() error { return nil })

	if len(transitions) != 3 {
		t.Fatalf("expected 3 transitions, got %d: %v", len(transitions), transitions)
	}
	if transitions[1] != StateHalfOpen || transitions[2] != StateClosed {
		t.Errorf("expected [Open, HalfOpen, Closed], got %v", transitions)
	}
}

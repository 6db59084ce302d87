package correlator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/wire"
)

func TestRegisterComplete(t *testing.T) {
	c := New()
	id := wire.NewRequestId()

	wait, err := c.Register(id, time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	go c.Complete(id, "pong")

	val, err := wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if val != "pong" {
		t.Fatalf("got %v, want pong", val)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected 0 pending, got %d", c.Pending())
	}
}

func TestTimeout(t *testing.T) {
	c := New()
	id := wire.NewRequestId()

	wait, err := c.Register(id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = wait(context.Background())
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestDuplicateID(t *testing.T) {
	c := New()
	id := wire.NewRequestId()

	if _, err := c.Register(id, time.Second); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := c.Register(id, time.Second)
	var dupErr *DuplicateIDError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateIDError, got %v", err)
	}
	c.CancelAll("test cleanup")
}

func TestLateResponseDroppedSilently(t *testing.T) {
	c := New()
	id := wire.NewRequestId()

	wait, _ := c.Register(id, 5*time.Millisecond)
	_, _ = wait(context.Background()) // times out and removes the slot

	// A response arriving after the slot already resolved must not panic
	// or resurrect the slot.
	c.Complete(id, "too late")
	if c.Pending() != 0 {
		t.Fatalf("expected 0 pending after late response, got %d", c.Pending())
	}
}

func TestCancelAll(t *testing.T) {
	c := New()
	id1, id2 := wire.NewRequestId(), wire.NewRequestId()
	wait1, _ := c.Register(id1, time.Second)
	wait2, _ := c.Register(id2, time.Second)

	c.CancelAll("shutdown")

	for _, wait := range []func(context.Context) (any, error){wait1, wait2} {
		_, err := wait(context.Background())
		var cancelled *CancelledError
		if !errors.As(err, &cancelled) {
			t.Fatalf("expected CancelledError, got %v", err)
		}
	}
}

func TestResolvedExactlyOnce(t *testing.T) {
	c := New()
	id := wire.NewRequestId()
	wait, _ := c.Register(id, time.Second)

	c.Complete(id, "first")
	c.Complete(id, "second") // dropped: slot already removed

	val, err := wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if val != "first" {
		t.Fatalf("expected first resolution to win, got %v", val)
	}
}

func TestContextCancellation(t *testing.T) {
	c := New()
	id := wire.NewRequestId()
	wait, _ := c.Register(id, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

package portneg

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/wire"
)

// droppingRequester never replies, simulating an orchestrator that drops
// every PortRequest (spec.md §8 scenario 4).
type droppingRequester struct {
	sends atomic.Int64
}

func (d *droppingRequester) Send(wire.ModuleToOrchestrator) error {
	d.sends.Add(1)
	return nil
}

// respondingRequester replies with a fixed port on every request, via the
// Negotiator's Deliver method.
type respondingRequester struct {
	n    *Negotiator
	port int
}

func (r *respondingRequester) Send(msg wire.ModuleToOrchestrator) error {
	if msg.PortRequest == nil {
		return nil
	}
	reqID := msg.PortRequest.RequestID
	go r.n.Deliver(&wire.PortResponsePayload{RequestID: reqID, Port: &r.port})
	return nil
}

func TestNegotiateEnvOverrideBypassesNegotiation(t *testing.T) {
	req := &droppingRequester{}
	n := New(req, nil)

	port, unadvertised, err := n.Negotiate(context.Background(), map[string]string{"PYWATT_PORT": "9090"}, nil)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if port != 9090 || unadvertised {
		t.Fatalf("got port=%d unadvertised=%v, want 9090/false", port, unadvertised)
	}
	if req.sends.Load() != 0 {
		t.Fatal("expected no PortRequest to be sent when env override is present")
	}
}

func TestNegotiateSuccessClosesBreaker(t *testing.T) {
	n := New(nil, nil)
	req := &respondingRequester{n: n, port: 8080}
	n.requester = req

	port, unadvertised, err := n.Negotiate(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if port != 8080 || unadvertised {
		t.Fatalf("got port=%d unadvertised=%v", port, unadvertised)
	}
	if n.BreakerState() != Closed {
		t.Fatalf("expected Closed breaker, got %v", n.BreakerState())
	}
}

func TestBreakerOpensOnFifthConsecutiveFailureAndFallsBack(t *testing.T) {
	req := &droppingRequester{}
	n := New(req, nil)

	// Push the breaker from Closed to Open by recording failures on it
	// directly: driving real failed negotiations would spend the full
	// overall deadline on each Negotiate call.
	for i := 0; i < breakerFailureThreshold; i++ {
		n.breaker.recordFailure()
	}
	if n.BreakerState() != Open {
		t.Fatalf("expected Open after %d consecutive failures, got %v", breakerFailureThreshold, n.BreakerState())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	port, unadvertised, err := n.Negotiate(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !unadvertised {
		t.Fatal("expected fallback port to be flagged unadvertised")
	}
	if port < fallbackRangeLow || port > fallbackRangeHigh {
		t.Fatalf("port %d outside fallback range", port)
	}
	if req.sends.Load() != 0 {
		t.Fatal("expected the open breaker to short-circuit straight to fallback, no PortRequest sent")
	}
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	n := New(nil, nil)
	for i := 0; i < breakerFailureThreshold; i++ {
		n.breaker.recordFailure()
	}
	n.breaker.openedAt = time.Now().Add(-breakerOpenDuration - time.Millisecond)

	var wg sync.WaitGroup
	allowed := atomic.Int64{}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := n.breaker.allow(); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 1 {
		t.Fatalf("expected exactly one HalfOpen probe to be allowed, got %d", allowed.Load())
	}
}

func TestBreakerRecordSuccessClosesFromHalfOpen(t *testing.T) {
	n := New(nil, nil)
	for i := 0; i < breakerFailureThreshold; i++ {
		n.breaker.recordFailure()
	}
	n.breaker.openedAt = time.Now().Add(-breakerOpenDuration - time.Millisecond)
	if ok, isProbe := n.breaker.allow(); !ok || !isProbe {
		t.Fatalf("expected a HalfOpen probe to be allowed")
	}
	n.breaker.recordSuccess()
	if n.BreakerState() != Closed {
		t.Fatalf("expected Closed after a successful probe, got %v", n.BreakerState())
	}
}

func TestPortFromEnv(t *testing.T) {
	t.Setenv("PYWATT_PORT", "5151")
	port, ok := PortFromEnv()
	if !ok || port != 5151 {
		t.Fatalf("got port=%d ok=%v, want 5151/true", port, ok)
	}
}

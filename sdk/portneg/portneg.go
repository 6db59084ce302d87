// Package portneg implements the port negotiator (spec component C6):
// request a TCP port from the orchestrator with retry and a circuit
// breaker, falling back to a random ephemeral port when the breaker is
// open or the orchestrator never answers. The breaker's failure counters
// follow the same gauge/counter bookkeeping style used elsewhere in this
// module for Prometheus metrics.
package portneg

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

// envPort is the environment variable that bypasses negotiation entirely
// when a pre-allocated port is already known (spec.md §6, §4.6).
const envPort = "PYWATT_PORT"

// overallDeadline bounds the whole negotiate call (spec.md §4.6).
const overallDeadline = 10 * time.Second

// attemptBackoffs are the per-attempt delays before a retry (spec.md §4.6:
// "up to 3 attempts with exponential backoff (250 ms → 1 s → 4 s)").
var attemptBackoffs = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

// breakerFailureThreshold and breakerWindow define when the breaker opens
// (spec.md §4.6: "opens after 5 consecutive failures within 60 s").
const breakerFailureThreshold = 5

const breakerWindow = 60 * time.Second

// breakerOpenDuration is how long the breaker stays Open before allowing a
// HalfOpen probe.
const breakerOpenDuration = 30 * time.Second

// fallbackRangeLow and fallbackRangeHigh bound the random-port fallback
// (spec.md §4.6: "[49152, 65535]").
const fallbackRangeLow = 49152
const fallbackRangeHigh = 65535

// BreakerState is the circuit breaker's position.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// BreakerOpenError is returned when a negotiate call is short-circuited by
// an open breaker straight to the fallback path.
type BreakerOpenError struct{}

func (*BreakerOpenError) Error() string { return "portneg: circuit breaker open" }

// NoPortAvailableError is returned when neither the orchestrator nor the
// fallback range yielded a bindable port.
type NoPortAvailableError struct{ Err error }

func (e *NoPortAvailableError) Error() string {
	return fmt.Sprintf("portneg: no port available: %v", e.Err)
}
func (e *NoPortAvailableError) Unwrap() error { return e.Err }

// breaker is a per-process circuit breaker over consecutive PortRequest
// failures.
type breaker struct {
	mu              sync.Mutex
	state           BreakerState
	failures        int
	windowStart     time.Time
	openedAt        time.Time
	halfOpenInFlight bool
}

func newBreaker() *breaker {
	return &breaker{state: Closed}
}

// allow reports whether a new attempt may proceed, and if so whether it is
// a HalfOpen probe (at most one probe in flight at a time).
func (b *breaker) allow() (ok bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if time.Since(b.openedAt) >= breakerOpenDuration {
			b.state = HalfOpen
			b.halfOpenInFlight = true
			return true, true
		}
		return false, false
	case HalfOpen:
		if b.halfOpenInFlight {
			return false, false
		}
		b.halfOpenInFlight = true
		return true, true
	default:
		return false, false
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.halfOpenInFlight = false
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		b.failures = 0
		b.halfOpenInFlight = false
		return
	}

	now := time.Now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > breakerWindow {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	if b.failures >= breakerFailureThreshold {
		b.state = Open
		b.openedAt = now
	}
}

func (b *breaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Requester is the narrow stdio capability the negotiator needs: send a
// PortRequest line. The matching PortResponse comes back separately,
// routed by bootstrap's dispatcher into Negotiator.Deliver below.
type Requester interface {
	Send(wire.ModuleToOrchestrator) error
}

// Negotiator issues port requests over stdio, applying retry and circuit
// breaker policy. The zero value is not usable; use New.
type Negotiator struct {
	requester Requester
	log       *logger.Logger
	breaker   *breaker

	mu      sync.Mutex
	waiters map[wire.RequestId]chan *wire.PortResponsePayload
}

// New constructs a Negotiator bound to requester.
func New(requester Requester, log *logger.Logger) *Negotiator {
	if log == nil {
		log = logger.Default
	}
	return &Negotiator{
		requester: requester,
		log:       log,
		breaker:   newBreaker(),
		waiters:   make(map[wire.RequestId]chan *wire.PortResponsePayload),
	}
}

// BreakerState reports the negotiator's current breaker position, for
// diagnostics.
func (n *Negotiator) BreakerState() BreakerState { return n.breaker.current() }

// Negotiate obtains a usable port following spec.md §4.6: an env override
// bypasses negotiation entirely; otherwise it requests from the
// orchestrator with retries and a breaker, falling back to a random
// ephemeral port when the breaker is open or every attempt fails.
func (n *Negotiator) Negotiate(ctx context.Context, env map[string]string, specificPort *int) (port int, unadvertised bool, err error) {
	if v, ok := env[envPort]; ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p, false, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, overallDeadline)
	defer cancel()

	if ok, _ := n.breaker.allow(); !ok {
		return n.fallback()
	}

	var lastErr error
retryLoop:
	for attempt := 0; attempt < len(attemptBackoffs)+1; attempt++ {
		p, err := n.attempt(ctx, specificPort)
		if err == nil {
			n.breaker.recordSuccess()
			return p, false, nil
		}
		lastErr = err
		n.breaker.recordFailure()
		if n.breaker.current() == Open {
			break retryLoop
		}
		if attempt < len(attemptBackoffs) {
			select {
			case <-time.After(attemptBackoffs[attempt]):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			}
		}
	}

	n.log.Warning("portneg: negotiation failed, falling back to random port: %v", lastErr)
	return n.fallback()
}

func (n *Negotiator) attempt(ctx context.Context, specificPort *int) (int, error) {
	reqID := wire.NewRequestId()
	reply := make(chan *wire.PortResponsePayload, 1)

	n.mu.Lock()
	n.waiters[reqID] = reply
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.waiters, reqID)
		n.mu.Unlock()
	}()

	if err := n.requester.Send(wire.ModuleToOrchestrator{
		PortRequest: &wire.PortRequestPayload{RequestID: reqID, SpecificPort: specificPort},
	}); err != nil {
		return 0, err
	}

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return 0, fmt.Errorf("portneg: orchestrator error: %s", resp.Error)
		}
		if resp.Port == nil {
			return 0, fmt.Errorf("portneg: empty port response")
		}
		return *resp.Port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Deliver routes an orchestrator PortResponse to the matching Negotiate
// call. Bootstrap's dispatcher calls this for every
// OrchestratorToModule.PortResponse message it observes.
func (n *Negotiator) Deliver(payload *wire.PortResponsePayload) {
	n.mu.Lock()
	ch, ok := n.waiters[payload.RequestID]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

// fallback selects a uniformly random port in the ephemeral range, verifies
// it is bindable, and returns it flagged unadvertised.
func (n *Negotiator) fallback() (int, bool, error) {
	for i := 0; i < 20; i++ {
		candidate := fallbackRangeLow + rand.Intn(fallbackRangeHigh-fallbackRangeLow+1)
		if bindable(candidate) {
			return candidate, true, nil
		}
	}
	return 0, false, &NoPortAvailableError{Err: fmt.Errorf("no bindable port found in [%d,%d] after 20 tries", fallbackRangeLow, fallbackRangeHigh)}
}

func bindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// PortFromEnv reads PYWATT_PORT from the process environment directly, for
// callers that haven't gone through InitBlob.env (e.g. PYWATT_MODULE_ID
// test-mode startup per spec.md §6).
func PortFromEnv() (int, bool) {
	v := os.Getenv(envPort)
	if v == "" {
		return 0, false
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Package secrets implements the secret client (spec component C4): request,
// cache, and refresh secrets over the stdio control channel; fan out
// rotation notifications; and keep the redaction registry (C5) in step with
// every value the caller has ever seen. The client is a small
// mutex-guarded struct wrapped around a request/cache/notify loop, with
// an atomic-ish in-flight map so concurrent fetches for the same name
// collapse into one round trip.
package secrets

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/internal/eventbus"
	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/redact"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

// FetchMode selects how Get resolves a secret, per spec.md §4.4.
type FetchMode int

const (
	// CacheThenRemote returns the cached value if present, otherwise
	// requests it remotely with a deadline.
	CacheThenRemote FetchMode = iota
	// ForceRemote always requests the remote value and replaces the cache
	// entry atomically.
	ForceRemote
	// CacheOnly never issues a remote request.
	CacheOnly
)

// remoteDeadline bounds a CacheThenRemote/ForceRemote round trip to the
// orchestrator (spec.md §4.4: "a 5-second deadline").
const remoteDeadline = 5 * time.Second

// NotFoundError is returned by CacheOnly lookups that miss.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("secrets: %q not found", e.Name) }

// TimeoutError is returned when a remote fetch exceeds its deadline.
type TimeoutError struct{ Name string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("secrets: fetching %q timed out", e.Name) }

// ParseError is returned by GetTyped when the resolved string value cannot
// be parsed into the requested type.
type ParseError struct {
	Name string
	Kind string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("secrets: parsing %q as %s: %v", e.Name, e.Kind, e.Err)
}
func (e *ParseError) Unwrap() error { return e.Err }

// TransportError wraps a failure to reach the orchestrator for a secret
// request.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("secrets: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Requester is the narrow capability the secret client needs from the
// stdio control channel: send a ModuleToOrchestrator line. The caller
// (bootstrap, C8) wires this to the real stdio writer.
type Requester interface {
	Send(wire.ModuleToOrchestrator) error
}

// entry is a cached secret. Value is zeroized on replacement and on Close.
type entry struct {
	value      []byte
	rotationID *string
	fetchedAt  wire.Timestamp
}

func (e *entry) zeroize() {
	for i := range e.value {
		e.value[i] = 0
	}
}

// RotationEvent is published to subscribers when the orchestrator reports
// rotated keys.
type RotationEvent struct {
	Keys []string
}

var rotationTopic = eventbus.NewTopic[RotationEvent]("secrets.rotated")

// secretReply is what Deliver hands back to a pending fetchRemote call.
// Secret{} replies aren't correlated by RequestId (spec.md §3), so routing
// is by name instead: one reply channel per in-flight name.
type secretReply struct {
	value      string
	rotationID *string
	err        error
}

// inflight tracks a single shared in-progress remote fetch so concurrent
// Get calls for the same name collapse into one request (spec.md §4.4:
// "at-most-one concurrent fetch per name").
type inflight struct {
	done chan struct{}
	val  []byte
	rot  *string
	err  error
}

// Client is the module-side secret client. The zero value is not usable;
// use New.
type Client struct {
	requester Requester
	log       *logger.Logger
	registry  *redact.Registry
	bus       *eventbus.Bus

	mu      sync.Mutex
	cache   map[string]*entry
	pending map[string]*inflight
	waiters map[string][]chan secretReply
}

// New constructs a Client bound to requester. bus is the typed event bus
// rotation notifications are published on; registry defaults to
// redact.Default when nil.
func New(requester Requester, bus *eventbus.Bus, registry *redact.Registry, log *logger.Logger) *Client {
	if registry == nil {
		registry = redact.Default
	}
	if log == nil {
		log = logger.Default
	}
	return &Client{
		requester: requester,
		log:       log,
		registry:  registry,
		bus:       bus,
		cache:     make(map[string]*entry),
		pending:   make(map[string]*inflight),
		waiters:   make(map[string][]chan secretReply),
	}
}

// Get resolves name per mode, per spec.md §4.4's semantics.
func (c *Client) Get(ctx context.Context, name string, mode FetchMode) (string, error) {
	if mode != ForceRemote {
		c.mu.Lock()
		if e, ok := c.cache[name]; ok {
			val := string(e.value)
			c.mu.Unlock()
			return val, nil
		}
		c.mu.Unlock()
		if mode == CacheOnly {
			return "", &NotFoundError{Name: name}
		}
	}
	return c.fetchRemote(ctx, name)
}

// GetTyped resolves name and parses it with parse. Declared as a free
// function (Go methods can't carry their own type parameters).
func GetTyped[T any](ctx context.Context, c *Client, name string, mode FetchMode, parse func(string) (T, error)) (T, error) {
	var zero T
	raw, err := c.Get(ctx, name, mode)
	if err != nil {
		return zero, err
	}
	v, err := parse(raw)
	if err != nil {
		return zero, &ParseError{Name: name, Kind: fmt.Sprintf("%T", zero), Err: err}
	}
	return v, nil
}

// ParseInt is a convenience parser for GetTyped[int].
func ParseInt(s string) (int, error) { return strconv.Atoi(s) }

// ParseBool is a convenience parser for GetTyped[bool].
func ParseBool(s string) (bool, error) { return strconv.ParseBool(s) }

// fetchRemote issues (or joins) a GetSecret request for name, with the
// at-most-one-concurrent-fetch guarantee.
func (c *Client) fetchRemote(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if f, ok := c.pending[name]; ok {
		c.mu.Unlock()
		return waitInflight(ctx, f)
	}
	f := &inflight{done: make(chan struct{})}
	c.pending[name] = f
	c.mu.Unlock()

	go c.doFetch(name, f)

	return waitInflight(ctx, f)
}

func waitInflight(ctx context.Context, f *inflight) (string, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return "", f.err
		}
		return string(f.val), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) doFetch(name string, f *inflight) {
	reply := make(chan secretReply, 1)
	c.mu.Lock()
	c.waiters[name] = append(c.waiters[name], reply)
	c.mu.Unlock()

	if err := c.requester.Send(wire.ModuleToOrchestrator{GetSecret: &wire.GetSecretPayload{Name: name}}); err != nil {
		c.finishFetch(name, f, nil, nil, &TransportError{Err: err})
		return
	}

	timer := time.NewTimer(remoteDeadline)
	defer timer.Stop()

	select {
	case res := <-reply:
		if res.err != nil {
			c.finishFetch(name, f, nil, nil, res.err)
			return
		}
		c.finishFetch(name, f, []byte(res.value), res.rotationID, nil)
	case <-timer.C:
		c.finishFetch(name, f, nil, nil, &TimeoutError{Name: name})
	}
}

func (c *Client) finishFetch(name string, f *inflight, value []byte, rotationID *string, err error) {
	c.mu.Lock()
	delete(c.pending, name)
	delete(c.waiters, name)
	if err == nil {
		if old, ok := c.cache[name]; ok {
			c.registry.Unregister(old.value)
			old.zeroize()
		}
		c.cache[name] = &entry{value: value, rotationID: rotationID, fetchedAt: wire.Now()}
	}
	c.mu.Unlock()

	if err == nil {
		c.registry.Register(value)
	}

	f.val, f.rot, f.err = value, rotationID, err
	close(f.done)
}

// Deliver routes an orchestrator Secret{} reply to whichever fetchRemote
// call is waiting on it. Bootstrap's dispatcher calls this for every
// OrchestratorToModule.Secret message it observes.
func (c *Client) Deliver(payload *wire.SecretPayload) {
	c.mu.Lock()
	waiters := c.waiters[payload.Name]
	c.mu.Unlock()
	for _, w := range waiters {
		select {
		case w <- secretReply{value: payload.Value, rotationID: payload.RotationID}:
		default:
		}
	}
}

// SubscribeRotations returns a channel of RotationEvent notifications.
func (c *Client) SubscribeRotations() <-chan RotationEvent {
	raw := eventbus.SubTyped(c.bus, rotationTopic)
	out := make(chan RotationEvent, 16)
	go func() {
		defer close(out)
		for v := range raw {
			if ev, ok := v.(RotationEvent); ok {
				out <- ev
			}
		}
	}()
	return out
}

// rotationAckGrace bounds how long HandleRotated waits before acking a
// rotation, so a slow or absent subscriber never stalls the orchestrator's
// rotation protocol (SPEC_FULL.md §4's rotation-ack timing resolution).
const rotationAckGrace = 2 * time.Second

// HandleRotated invalidates cached entries for the rotated keys, publishes
// a RotationEvent, and acknowledges the rotation after a short grace
// period for subscribers to react, per spec.md §4.4.
func (c *Client) HandleRotated(payload *wire.RotatedPayload) {
	c.mu.Lock()
	for _, key := range payload.Keys {
		if old, ok := c.cache[key]; ok {
			c.registry.Unregister(old.value)
			old.zeroize()
			delete(c.cache, key)
		}
	}
	c.mu.Unlock()

	eventbus.Publish(c.bus, rotationTopic, RotationEvent{Keys: payload.Keys})

	go func(rotationID string) {
		time.Sleep(rotationAckGrace)
		if err := c.requester.Send(wire.ModuleToOrchestrator{
			RotationAck: &wire.RotationAckPayload{RotationID: rotationID, Status: wire.RotationStatusOK},
		}); err != nil {
			c.log.Warning("secrets: failed to send rotation ack for %s: %v", rotationID, err)
		}
	}(payload.RotationID)
}

// Close zeroizes every cached secret value. Bootstrap calls this during
// shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, e := range c.cache {
		c.registry.Unregister(e.value)
		e.zeroize()
		delete(c.cache, name)
	}
}

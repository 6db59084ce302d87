// Package correlator implements the request/response correlator (spec
// component C7): it maps outbound RequestIds to single-shot response slots
// with deadlines, so a response arriving on any channel can be matched back
// to the goroutine awaiting it purely by RequestId.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/wire"
)

// TimeoutError is returned when a registered slot's deadline elapses
// before a response arrives.
type TimeoutError struct {
	RequestID wire.RequestId
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("correlator: request %s timed out", e.RequestID)
}

// CancelledError is returned to every pending slot when CancelAll runs,
// e.g. on shutdown or a required channel's permanent close.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("correlator: cancelled: %s", e.Reason)
}

// DuplicateIDError marks an attempt to register a RequestId that is
// already pending. Per spec.md §7 this is a programmer error: the caller
// generated a colliding id, which should never happen with random UUIDs.
type DuplicateIDError struct {
	RequestID wire.RequestId
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("correlator: request id %s already registered", e.RequestID)
}

// slot is a single-shot delivery primitive: exactly one of result or err is
// ever sent, and it is sent exactly once.
type slot struct {
	done chan struct{}
	once sync.Once
	val  any
	err  error
}

func newSlot() *slot {
	return &slot{done: make(chan struct{})}
}

func (s *slot) resolve(val any, err error) {
	s.once.Do(func() {
		s.val = val
		s.err = err
		close(s.done)
	})
}

// Correlator owns the pending-slot table. The zero value is not usable;
// use New.
type Correlator struct {
	mu      sync.Mutex
	pending map[wire.RequestId]*slot
}

// New creates an empty Correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[wire.RequestId]*slot)}
}

// Register inserts a slot for requestID with the given timeout and returns
// a function that blocks until a response is delivered, the timeout
// elapses, or ctx is cancelled. It returns DuplicateIDError immediately if
// requestID is already pending.
func (c *Correlator) Register(requestID wire.RequestId, timeout time.Duration) (wait func(ctx context.Context) (any, error), err error) {
	c.mu.Lock()
	if _, exists := c.pending[requestID]; exists {
		c.mu.Unlock()
		return nil, &DuplicateIDError{RequestID: requestID}
	}
	s := newSlot()
	c.pending[requestID] = s
	c.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		c.complete(requestID, nil, &TimeoutError{RequestID: requestID})
	})

	wait = func(ctx context.Context) (any, error) {
		select {
		case <-s.done:
			timer.Stop()
			return s.val, s.err
		case <-ctx.Done():
			timer.Stop()
			c.complete(requestID, nil, ctx.Err())
			<-s.done
			return s.val, s.err
		}
	}
	return wait, nil
}

// Complete resolves the slot for requestID with result and removes it from
// the pending table. A response for an id with no pending slot (a late
// response after the slot already resolved, or one that never existed) is
// dropped silently, per spec.md §4.7.
func (c *Correlator) Complete(requestID wire.RequestId, result any) {
	c.complete(requestID, result, nil)
}

// Fail resolves the slot for requestID with an error.
func (c *Correlator) Fail(requestID wire.RequestId, err error) {
	c.complete(requestID, nil, err)
}

func (c *Correlator) complete(requestID wire.RequestId, result any, err error) {
	c.mu.Lock()
	s, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return // late or unknown response; dropped silently
	}
	s.resolve(result, err)
}

// CancelAll resolves every pending slot with a CancelledError carrying
// reason, and empties the pending table. Used on shutdown or when a
// required channel transitions to PermanentlyClosed.
func (c *Correlator) CancelAll(reason string) {
	c.mu.Lock()
	slots := make([]*slot, 0, len(c.pending))
	for id, s := range c.pending {
		slots = append(slots, s)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	err := &CancelledError{Reason: reason}
	for _, s := range slots {
		s.resolve(nil, err)
	}
}

// Pending returns the number of in-flight requests, for diagnostics.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

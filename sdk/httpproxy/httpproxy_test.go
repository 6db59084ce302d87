package httpproxy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/wire"
)

type recordingSender struct {
	failUntil int32
	attempts  atomic.Int32
	responses chan wire.IpcHttpResponse
}

func (s *recordingSender) SendHttpResponse(resp wire.IpcHttpResponse) error {
	n := s.attempts.Add(1)
	if n <= s.failUntil {
		return errors.New("transient write failure")
	}
	s.responses <- resp
	return nil
}

func TestDispatchEchoesRequestID(t *testing.T) {
	a := New(HandlerFunc(func(ctx context.Context, req wire.IpcHttpRequest) wire.IpcHttpResponse {
		return wire.IpcHttpResponse{StatusCode: 200, Body: []byte("ok")}
	}), nil)

	sender := &recordingSender{responses: make(chan wire.IpcHttpResponse, 1)}
	id := wire.NewRequestId()
	a.Dispatch(context.Background(), wire.IpcHttpRequest{RequestID: id, Method: "GET", URI: "/health"}, sender)

	select {
	case resp := <-sender.responses:
		if resp.RequestID != id {
			t.Fatalf("expected echoed request id %s, got %s", id, resp.RequestID)
		}
		if resp.StatusCode != 200 || string(resp.Body) != "ok" {
			t.Fatalf("unexpected response %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}

	snap := a.Snapshot()
	if snap.RequestsReceived != 1 || snap.ResponsesSent != 1 || snap.Errors != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDispatchRetriesTransientWriteFailures(t *testing.T) {
	a := New(HandlerFunc(func(ctx context.Context, req wire.IpcHttpRequest) wire.IpcHttpResponse {
		return wire.IpcHttpResponse{StatusCode: 200}
	}), nil)

	sender := &recordingSender{failUntil: 2, responses: make(chan wire.IpcHttpResponse, 1)}
	a.Dispatch(context.Background(), wire.IpcHttpRequest{RequestID: wire.NewRequestId()}, sender)

	select {
	case <-sender.responses:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response after retries")
	}

	if sender.attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", sender.attempts.Load())
	}
	if a.Snapshot().Errors != 0 {
		t.Fatalf("expected no error recorded when a retry eventually succeeds")
	}
}

func TestDispatchRecordsErrorAfterExhaustingRetries(t *testing.T) {
	a := New(HandlerFunc(func(ctx context.Context, req wire.IpcHttpRequest) wire.IpcHttpResponse {
		return wire.IpcHttpResponse{StatusCode: 200}
	}), nil)

	sender := &recordingSender{failUntil: 100, responses: make(chan wire.IpcHttpResponse, 1)}
	a.Dispatch(context.Background(), wire.IpcHttpRequest{RequestID: wire.NewRequestId()}, sender)

	snap := a.Snapshot()
	if snap.Errors != 1 {
		t.Fatalf("expected 1 recorded error, got %d", snap.Errors)
	}
	if sender.attempts.Load() != int32(len(writeBackoffs))+1 {
		t.Fatalf("expected %d attempts, got %d", len(writeBackoffs)+1, sender.attempts.Load())
	}
}

func TestRegistryExposesMetrics(t *testing.T) {
	a := New(HandlerFunc(func(ctx context.Context, req wire.IpcHttpRequest) wire.IpcHttpResponse {
		return wire.IpcHttpResponse{}
	}), nil)

	families, err := a.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family registered")
	}
}

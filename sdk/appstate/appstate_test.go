package appstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/correlator"
	"github.com/pywatt/module-sdk-go/sdk/peermsg"
	"github.com/pywatt/module-sdk-go/sdk/transport/socket"
	"github.com/pywatt/module-sdk-go/sdk/transport/stdio"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

func newTestAppState(t *testing.T, buf *bytes.Buffer) *AppState {
	t.Helper()
	return New(Config{
		ModuleID:        "test-module",
		OrchestratorAPI: "unix:///tmp/orchestrator.sock",
		UserState:       42,
		Correlator:      correlator.New(),
		Peers:           peermsg.New(correlator.New(), nil),
		StdioWriter:     stdio.NewWriter(buf),
		Preferences:     ChannelPreferences{EnableFallback: true},
	})
}

func TestAccessorsReturnConstructedValues(t *testing.T) {
	a := newTestAppState(t, &bytes.Buffer{})
	if a.ModuleID() != "test-module" {
		t.Fatalf("unexpected module id %s", a.ModuleID())
	}
	if a.OrchestratorAPI() != "unix:///tmp/orchestrator.sock" {
		t.Fatalf("unexpected orchestrator api %s", a.OrchestratorAPI())
	}
	if a.UserState().(int) != 42 {
		t.Fatalf("unexpected user state %v", a.UserState())
	}
}

func TestAvailableChannelsIncludesStdioOnly(t *testing.T) {
	a := newTestAppState(t, &bytes.Buffer{})
	channels := a.AvailableChannels()
	if len(channels) != 1 || channels[0] != ChannelStdio {
		t.Fatalf("expected only Stdio available, got %v", channels)
	}
}

func TestSelectChannelHonorsExplicitChannel(t *testing.T) {
	a := newTestAppState(t, &bytes.Buffer{})
	ct, err := a.selectChannel(nil, "")
	if err != nil {
		t.Fatalf("selectChannel: %v", err)
	}
	if ct != ChannelStdio {
		t.Fatalf("expected fallback to Stdio, got %s", ct)
	}

	explicit := ChannelTCP
	_, err = a.selectChannel(&explicit, "")
	var unavailable *ChannelUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ChannelUnavailableError for unconfigured Tcp, got %v", err)
	}
}

func TestSelectChannelFallsBackToStdioWhenEnabled(t *testing.T) {
	a := newTestAppState(t, &bytes.Buffer{})
	ct, err := a.selectChannel(nil, "some-peer")
	if err != nil {
		t.Fatalf("selectChannel: %v", err)
	}
	if ct != ChannelStdio {
		t.Fatalf("expected Stdio fallback, got %s", ct)
	}
}

func TestSelectChannelNoChannelsAvailableWithoutFallback(t *testing.T) {
	a := New(Config{
		ModuleID:    "m",
		Correlator:  correlator.New(),
		Peers:       peermsg.New(correlator.New(), nil),
		Preferences: ChannelPreferences{EnableFallback: false},
	})
	_, err := a.selectChannel(nil, "")
	var none *NoChannelsAvailableError
	if !errors.As(err, &none) {
		t.Fatalf("expected NoChannelsAvailableError, got %v", err)
	}
}

func TestSendOnStdioWritesOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAppState(t, &buf)

	if err := a.sendOn(ChannelStdio, wire.ModuleToOrchestrator{HeartbeatAck: &struct{}{}}); err != nil {
		t.Fatalf("sendOn: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("decode written line: %v", err)
	}
	if _, ok := decoded["HeartbeatAck"]; !ok {
		t.Fatalf("expected HeartbeatAck variant, got %s", buf.String())
	}
}

func TestRegisterHandlerDelegatesToPeerDispatcher(t *testing.T) {
	a := newTestAppState(t, &bytes.Buffer{})
	called := make(chan wire.ModuleId, 1)
	a.RegisterHandler("peer-a", func(ctx context.Context, source wire.ModuleId, requestID wire.RequestId, payload json.RawMessage) (any, error) {
		called <- source
		return nil, nil
	})

	responder := &fakeResponder{}
	a.Peers().DeliverRequest(context.Background(), wire.RoutedModuleMessagePayload{
		SourceModuleID: "peer-a",
		RequestID:      wire.NewRequestId(),
	}, responder)

	select {
	case src := <-called:
		if src != "peer-a" {
			t.Fatalf("unexpected source %s", src)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

type fakeResponder struct{}

func (*fakeResponder) SendRoutedModuleResponse(wire.RoutedModuleResponsePayload) error { return nil }

func TestObserveLatencyInfluencesChannelHealth(t *testing.T) {
	a := newTestAppState(t, &bytes.Buffer{})
	a.ObserveLatency(ChannelStdio, 10*time.Millisecond)

	health := a.ChannelHealth()
	if len(health) == 0 || health[0].Type != ChannelStdio {
		t.Fatalf("expected stdio health entry, got %+v", health)
	}
	if health[0].MeanLatency != 10*time.Millisecond {
		t.Fatalf("expected latency to be recorded, got %s", health[0].MeanLatency)
	}
}

func TestReplayFallbackSendsQueuedMessagesOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAppState(t, &buf)
	a.fallback = []queuedSend{
		{channel: ChannelStdio, msg: wire.ModuleToOrchestrator{HeartbeatAck: &struct{}{}}},
	}

	a.ReplayFallback(ChannelStdio)

	if len(a.fallback) != 0 {
		t.Fatalf("expected queue drained after a successful replay, got %+v", a.fallback)
	}
	if buf.Len() == 0 {
		t.Fatal("expected the queued message to have been written on replay")
	}
}

func TestReplayFallbackRequeuesOnRenewedFailure(t *testing.T) {
	// An unconnected channel: Send always fails, simulating the channel
	// dropping again right after replay begins.
	tcp := socket.NewTCP("127.0.0.1:1", nil, nil, nil)
	a := New(Config{
		ModuleID:    "test-module",
		Correlator:  correlator.New(),
		Peers:       peermsg.New(correlator.New(), nil),
		TCPChannel:  tcp,
		Preferences: ChannelPreferences{EnableFallback: true},
	})
	a.fallback = []queuedSend{
		{channel: ChannelTCP, msg: wire.ModuleToOrchestrator{HeartbeatAck: &struct{}{}}},
		{channel: ChannelIPC, msg: wire.ModuleToOrchestrator{HeartbeatAck: &struct{}{}}},
	}

	a.ReplayFallback(ChannelTCP)

	var foundTCP, foundIPC bool
	for _, q := range a.fallback {
		switch q.channel {
		case ChannelTCP:
			foundTCP = true
		case ChannelIPC:
			foundIPC = true
		}
	}
	if !foundTCP {
		t.Fatal("expected the still-failing Tcp entry to be requeued")
	}
	if !foundIPC {
		t.Fatal("expected the untouched Ipc entry to remain queued")
	}
}

func TestShutdownIsIdempotentAndRunsHooks(t *testing.T) {
	a := newTestAppState(t, &bytes.Buffer{})
	var hookRuns int
	a.RegisterShutdownHook(func(ctx context.Context) { hookRuns++ })

	a.Shutdown(context.Background(), "test shutdown")
	a.Shutdown(context.Background(), "test shutdown")

	if hookRuns != 1 {
		t.Fatalf("expected shutdown hook to run exactly once, ran %d times", hookRuns)
	}
}

package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/appstate"
	"github.com/pywatt/module-sdk-go/sdk/transport/stdio"
)

func TestExitCodeMapsKnownErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{&stdio.HandshakeFailedError{Reason: "bad json"}, ExitHandshakeFailed},
		{&RequiredChannelFailedError{Type: appstate.ChannelTCP}, ExitRequiredChannelFailed},
		{&appstate.NoChannelsAvailableError{}, ExitRequiredChannelFailed},
		{&AnnouncementFailedError{Err: errors.New("broken pipe")}, ExitAnnouncementFailed},
		{errors.New("something unexpected"), ExitInternalError},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestRunFailsHandshakeOnMalformedInitBlob(t *testing.T) {
	_, err := Run(context.Background(), Config{
		Stdin:  strings.NewReader("not json\n"),
		Stdout: &bytes.Buffer{},
	})
	var handshakeErr *stdio.HandshakeFailedError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("expected HandshakeFailedError, got %v", err)
	}
}

func TestRunEmitsExactlyOneAnnounceBlobAndShutsDownCleanlyOnEOF(t *testing.T) {
	init := map[string]any{
		"orchestrator_api": "unix:///tmp/orch.sock",
		"module_id":        "test-module",
		"env":              map[string]string{},
		"listen":           map[string]string{"tcp": "127.0.0.1:9000"},
		"security_level":   "None",
	}
	body, err := json.Marshal(init)
	if err != nil {
		t.Fatalf("marshal init blob: %v", err)
	}

	var stdout bytes.Buffer
	rt, err := Run(context.Background(), Config{
		Stdin:  strings.NewReader(string(body) + "\n"),
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case <-rt.Done:
	case <-time.After(time.Second):
		t.Fatal("background loop did not exit after stdin EOF")
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line on stdout, got %d: %q", len(lines), stdout.String())
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("decode announce line: %v", err)
	}
	if _, ok := decoded["Announce"]; !ok {
		t.Fatalf("expected an Announce variant, got %s", lines[0])
	}

	if rt.AppState.ModuleID() != "test-module" {
		t.Fatalf("unexpected module id %s", rt.AppState.ModuleID())
	}
	if len(rt.AppState.AvailableChannels()) != 1 {
		t.Fatalf("expected only Stdio available with no configured tcp/ipc channel, got %v", rt.AppState.AvailableChannels())
	}
}

func TestRunFailsWhenRequiredTCPChannelCannotConnect(t *testing.T) {
	init := map[string]any{
		"orchestrator_api": "unix:///tmp/orch.sock",
		"module_id":        "test-module",
		"env":              map[string]string{},
		"listen":           map[string]string{"tcp": "127.0.0.1:9000"},
		"tcp_channel":      map[string]any{"address": "127.0.0.1:1", "tls_enabled": false, "required": true},
		"security_level":   "None",
	}
	body, _ := json.Marshal(init)

	_, err := Run(context.Background(), Config{
		Stdin:  strings.NewReader(string(body) + "\n"),
		Stdout: &bytes.Buffer{},
	})
	var reqErr *RequiredChannelFailedError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequiredChannelFailedError, got %v", err)
	}
}

func TestFetchInitialSecretsWithNoSpecsReturnsEmpty(t *testing.T) {
	values, err := fetchInitialSecrets(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("fetchInitialSecrets with no specs: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected no values, got %v", values)
	}
}

// Command examplemodule is a minimal module that exercises the runtime SDK
// end to end: it reads the orchestrator handshake, fetches one optional
// secret, serves a tiny HTTP API tunneled through the HTTP-over-IPC
// adapter, and answers one peer-messaging endpoint.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/gorilla/mux"

	"github.com/pywatt/module-sdk-go/sdk/appstate"
	"github.com/pywatt/module-sdk-go/sdk/bootstrap"
	"github.com/pywatt/module-sdk-go/sdk/httpproxy"
	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

var cli struct {
	LogLevel string `default:"info" help:"log level: debug, info, warning, error"`
	LogFile  string `default:"" help:"optional path to also log to a rotating file"`
}

// moduleState is the UserState this module's state_builder produces; it is
// handed back to every HTTP/peer handler via AppState.UserState().
type moduleState struct {
	greeting string
}

func main() {
	kong.Parse(&cli)

	router := mux.NewRouter()
	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/greeting", handleGreeting).Methods(http.MethodGet)

	rt, err := bootstrap.Run(context.Background(), bootstrap.Config{
		InitialSecrets: []bootstrap.SecretSpec{
			{Name: "GREETING_SUFFIX", Required: false},
		},
		StateBuilder: func(init wire.InitBlob, secretValues map[string]string) (any, error) {
			suffix := secretValues["GREETING_SUFFIX"]
			if suffix == "" {
				suffix = "world"
			}
			return &moduleState{greeting: "hello, " + suffix}, nil
		},
		Preferences: appstate.ChannelPreferences{
			PreferIPCForLocal:  true,
			PreferTCPForRemote: true,
			EnableFallback:     true,
		},
		HTTPHandler: httpproxy.HandlerFunc(func(ctx context.Context, req wire.IpcHttpRequest) wire.IpcHttpResponse {
			return serveViaMux(router, req)
		}),
		LogLevel:    logger.ParseLevel(cli.LogLevel),
		LogFilePath: cli.LogFile,
	})
	if err != nil {
		logger.Error("examplemodule: bootstrap failed: %v", err)
		os.Exit(bootstrap.ExitCode(err))
	}

	rt.AppState.RegisterHandler("peer-echo", func(ctx context.Context, source wire.ModuleId, requestID wire.RequestId, payload json.RawMessage) (any, error) {
		var body map[string]any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &body); err != nil {
				return nil, err
			}
		}
		return map[string]any{"echoed": body, "from": string(source)}, nil
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		rt.Shutdown("received termination signal")
	case <-rt.Done:
	}

	os.Exit(bootstrap.ExitOK)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleGreeting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"greeting": "hello"})
}

// serveViaMux adapts one tunneled IpcHttpRequest through the router built
// with net/http's own types, since mux is an http.Handler, not something
// that understands IpcHttpRequest directly.
func serveViaMux(router *mux.Router, req wire.IpcHttpRequest) wire.IpcHttpResponse {
	httpReq, err := http.NewRequest(req.Method, req.URI, nil)
	if err != nil {
		return wire.IpcHttpResponse{StatusCode: http.StatusBadRequest, Body: []byte(err.Error())}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httpReq)

	headers := make(map[string]string, len(rec.Header()))
	for k := range rec.Header() {
		headers[k] = rec.Header().Get(k)
	}

	return wire.IpcHttpResponse{
		StatusCode: uint16(rec.Code),
		Headers:    headers,
		Body:       rec.Body.Bytes(),
	}
}

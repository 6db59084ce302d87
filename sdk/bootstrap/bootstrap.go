// Package bootstrap implements the module startup and shutdown sequence
// (spec component C8): read the handshake, stand up the secret client,
// build the caller's state, bring up channels, negotiate a port, announce,
// and spawn the background message loops that keep AppState fed. Run
// plays the usual "parse config once, build one shared context, hand it
// to every subsystem" entrypoint role, just driven by the module
// handshake instead of command-line flags.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/appstate"
	"github.com/pywatt/module-sdk-go/sdk/codec"
	"github.com/pywatt/module-sdk-go/sdk/correlator"
	"github.com/pywatt/module-sdk-go/sdk/httpproxy"
	"github.com/pywatt/module-sdk-go/sdk/internal/eventbus"
	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/peermsg"
	"github.com/pywatt/module-sdk-go/sdk/portneg"
	"github.com/pywatt/module-sdk-go/sdk/redact"
	"github.com/pywatt/module-sdk-go/sdk/secrets"
	"github.com/pywatt/module-sdk-go/sdk/transport/socket"
	"github.com/pywatt/module-sdk-go/sdk/transport/stdio"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

// Exit codes, per spec.md §6.
const (
	ExitOK                    = 0
	ExitHandshakeFailed       = 64
	ExitRequiredChannelFailed = 65
	ExitAnnouncementFailed    = 66
	ExitInternalError         = 70
)

// eventBusCapacity is the default bounded-queue capacity for the secret
// client's rotation fan-out (spec.md §5: "default capacity 1,024 messages").
const eventBusCapacity = 1024

// RequiredChannelFailedError means a channel InitBlob marked required never
// reached Connected.
type RequiredChannelFailedError struct{ Type appstate.ChannelType }

func (e *RequiredChannelFailedError) Error() string {
	return fmt.Sprintf("bootstrap: required channel %s failed to connect", e.Type)
}

// AnnouncementFailedError wraps a failure to write the AnnounceBlob.
type AnnouncementFailedError struct{ Err error }

func (e *AnnouncementFailedError) Error() string {
	return fmt.Sprintf("bootstrap: writing announce blob: %v", e.Err)
}
func (e *AnnouncementFailedError) Unwrap() error { return e.Err }

// ExitCode maps a bootstrap/runtime error to the process exit code spec.md
// §6 assigns it. A nil error exits clean.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case isHandshakeFailed(err):
		return ExitHandshakeFailed
	case isRequiredChannelFailed(err), isNoChannelsAvailable(err):
		return ExitRequiredChannelFailed
	case isAnnouncementFailed(err):
		return ExitAnnouncementFailed
	default:
		return ExitInternalError
	}
}

func isHandshakeFailed(err error) bool {
	_, ok := err.(*stdio.HandshakeFailedError)
	return ok
}

func isRequiredChannelFailed(err error) bool {
	_, ok := err.(*RequiredChannelFailedError)
	return ok
}

func isNoChannelsAvailable(err error) bool {
	_, ok := err.(*appstate.NoChannelsAvailableError)
	return ok
}

func isAnnouncementFailed(err error) bool {
	_, ok := err.(*AnnouncementFailedError)
	return ok
}

// SecretSpec names one secret to fetch during startup.
type SecretSpec struct {
	Name     string
	Required bool
}

// StateBuilder turns the handshake and the initially fetched secrets into
// the caller's opaque UserState.
type StateBuilder func(init wire.InitBlob, secretValues map[string]string) (any, error)

// Config configures one Run call.
type Config struct {
	InitialSecrets []SecretSpec
	StateBuilder   StateBuilder
	Preferences    appstate.ChannelPreferences

	TLSConfig   *tls.Config
	HTTPHandler httpproxy.Handler // nil when the module does not serve HTTP directly

	ReconnectPolicy socket.ReconnectPolicy // defaults to a bounded exponential backoff

	LogLevel    logger.Level
	LogFilePath string

	Stdin  io.Reader // defaults to os.Stdin
	Stdout io.Writer // defaults to os.Stdout
}

// Runtime is everything Run hands back to main: the constructed AppState,
// the HTTP adapter if one was configured, and a channel that closes once
// every background processor has exited.
type Runtime struct {
	AppState *appstate.AppState
	HTTP     *httpproxy.Adapter
	Done     <-chan struct{}

	shutdownOnce sync.Once
	cancel       context.CancelFunc
}

// Shutdown cancels every background processor and blocks until they exit
// or spec.md §4.8's 5 s graceful window elapses. AppState's shutdown hooks
// receive a context carrying the same 5 s deadline.
func (r *Runtime) Shutdown(reason string) {
	r.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.AppState.Shutdown(ctx, reason)
		r.cancel()
	})
	select {
	case <-r.Done:
	case <-time.After(5 * time.Second):
	}
}

// stdioSender adapts stdio.Writer's Write method to the narrow Send
// capability secrets.Requester and portneg.Requester each declare.
type stdioSender struct{ w *stdio.Writer }

func (s stdioSender) Send(msg wire.ModuleToOrchestrator) error { return s.w.Write(msg) }

// Run executes the nine-step startup sequence of spec.md §4.8 and returns
// a live Runtime, or the first fatal error encountered (translate it with
// ExitCode for the process exit status).
func Run(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.ReconnectPolicy == nil {
		cfg.ReconnectPolicy = &socket.ExponentialBackoffPolicy{
			Initial: 200 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.2, MaxAttempts: 0,
		}
	}

	// Step 1: logging to stderr, wired to the process-wide redaction registry.
	logOpts := []logger.Option{logger.WithLevel(cfg.LogLevel), logger.WithRegistry(redact.Default)}
	if cfg.LogFilePath != "" {
		logOpts = append(logOpts, logger.WithFileRotation(cfg.LogFilePath))
	}
	log := logger.New(logOpts...)

	// Step 2: read InitBlob from stdin.
	stdinReader := stdio.NewReader(cfg.Stdin, log)
	initBlob, err := stdinReader.ReadInitBlob()
	if err != nil {
		return nil, err
	}
	if v, ok := initBlob.Env["PYWATT_MODULE_ID"]; ok && initBlob.ModuleID == "" {
		initBlob.ModuleID = wire.ModuleId(v)
	}

	stdoutWriter := stdio.NewWriter(cfg.Stdout)
	bus := eventbus.New(eventBusCapacity)
	corr := correlator.New()
	peers := peermsg.New(corr, log)

	// Step 3: construct SecretClient bound to stdio.
	secretClient := secrets.New(stdioSender{w: stdoutWriter}, bus, redact.Default, log)

	// Step 4: fetch initial secrets in parallel; only a required miss is fatal.
	secretValues, err := fetchInitialSecrets(ctx, secretClient, cfg.InitialSecrets)
	if err != nil {
		return nil, err
	}

	// Step 5: build caller state.
	var userState any
	if cfg.StateBuilder != nil {
		userState, err = cfg.StateBuilder(initBlob, secretValues)
		if err != nil {
			return nil, err
		}
	}

	// Step 6: bring up configured channels.
	var tcpChannel, ipcChannel *socket.Channel
	if initBlob.TCPChannel != nil {
		var tlsCfg *tls.Config
		if initBlob.TCPChannel.TLSEnabled {
			tlsCfg = cfg.TLSConfig
		}
		tcpChannel = socket.NewTCP(initBlob.TCPChannel.Address, tlsCfg, cfg.ReconnectPolicy, log)
		if connErr := tcpChannel.EnsureConnected(ctx); connErr != nil && initBlob.TCPChannel.Required {
			return nil, &RequiredChannelFailedError{Type: appstate.ChannelTCP}
		}
	}
	if initBlob.IPCChannel != nil {
		ipcChannel = socket.NewUnix(initBlob.IPCChannel.SocketPath, cfg.ReconnectPolicy, log)
		if connErr := ipcChannel.EnsureConnected(ctx); connErr != nil && initBlob.IPCChannel.Required {
			return nil, &RequiredChannelFailedError{Type: appstate.ChannelIPC}
		}
	}

	prefs := cfg.Preferences
	prefs.UseTCP = tcpChannel != nil
	prefs.UseIPC = ipcChannel != nil

	state := appstate.New(appstate.Config{
		ModuleID:        initBlob.ModuleID,
		OrchestratorAPI: initBlob.OrchestratorAPI,
		UserState:       userState,
		SecretClient:    secretClient,
		Correlator:      corr,
		Peers:           peers,
		StdioWriter:     stdoutWriter,
		TCPChannel:      tcpChannel,
		IPCChannel:      ipcChannel,
		Preferences:     prefs,
		Log:             log,
	})

	// Step 7: negotiate or honor a given listen spec. PYWATT_IPC_ONLY (spec.md
	// §6) disables HTTP binding outright, so the module serves only over its
	// message channels.
	listen := initBlob.Listen
	var httpAdapter *httpproxy.Adapter
	if cfg.HTTPHandler != nil && !ipcOnly(initBlob.Env) {
		httpAdapter = httpproxy.New(cfg.HTTPHandler, log)
	}

	needsNegotiation := httpAdapter != nil &&
		strings.TrimSpace(initBlob.Listen.TCP) == "" && strings.TrimSpace(initBlob.Listen.Unix) == ""

	var negotiator *portneg.Negotiator
	if needsNegotiation {
		negotiator = portneg.New(stdioSender{w: stdoutWriter}, log)
	}

	// Step 9 (stdio loop) starts now, ahead of negotiation: Negotiate blocks
	// on stdin's PortResponse arriving, and only the stdio loop reads stdin.
	// Starting it here lets route() pump that response into negotiator
	// instead of negotiator always timing out and falling back.
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runStdioLoop(runCtx, stdinReader, state, secretClient, peers, httpAdapter, negotiator, stdoutWriter, log)
	}()

	if needsNegotiation {
		port, unadvertised, negErr := negotiator.Negotiate(ctx, initBlob.Env, nil)
		if negErr != nil {
			cancel()
			waitBounded(&wg, 5*time.Second)
			return nil, negErr
		}
		if !unadvertised {
			listen = wire.ListenSpec{TCP: fmt.Sprintf("127.0.0.1:%d", port)}
		}
	}

	// Step 8: emit exactly one AnnounceBlob on stdout.
	announce := wire.ModuleToOrchestrator{Announce: &wire.AnnounceBlob{Listen: listenString(listen)}}
	if err := stdoutWriter.Write(announce); err != nil {
		cancel()
		waitBounded(&wg, 5*time.Second)
		return nil, &AnnouncementFailedError{Err: err}
	}

	// Step 9 (remainder): one background processor per remaining live channel.
	rt := &Runtime{AppState: state, HTTP: httpAdapter, cancel: cancel}

	if tcpChannel != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSocketLoop(runCtx, appstate.ChannelTCP, tcpChannel, state, peers, httpAdapter, log)
		}()
	}
	if ipcChannel != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSocketLoop(runCtx, appstate.ChannelIPC, ipcChannel, state, peers, httpAdapter, log)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	rt.Done = done

	return rt, nil
}

func listenString(l wire.ListenSpec) string {
	if l.IsTCP() {
		return l.TCP
	}
	return l.Unix
}

// waitBounded waits for wg with the same grace window Runtime.Shutdown
// gives its background loops, so an early-abort path never blocks Run's
// caller indefinitely on a stdin read that will never return.
func waitBounded(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

func fetchInitialSecrets(ctx context.Context, client *secrets.Client, specs []SecretSpec) (map[string]string, error) {
	values := make(map[string]string, len(specs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, len(specs))

	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec SecretSpec) {
			defer wg.Done()
			v, err := client.Get(ctx, spec.Name, secrets.CacheThenRemote)
			if err != nil {
				if spec.Required {
					errs[i] = fmt.Errorf("bootstrap: required secret %q: %w", spec.Name, err)
				}
				return
			}
			mu.Lock()
			values[spec.Name] = v
			mu.Unlock()
		}(i, spec)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

// runStdioLoop reads OrchestratorToModule lines from stdin until EOF or a
// Shutdown message, routing each to the matching collaborator.
func runStdioLoop(ctx context.Context, r *stdio.Reader, state *appstate.AppState, sc *secrets.Client, peers *peermsg.Dispatcher, http *httpproxy.Adapter, negotiator *portneg.Negotiator, w *stdio.Writer, log *logger.Logger) {
	responder := stdioResponder{w: w}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := r.Next()
		if err != nil {
			if err == io.EOF {
				return
			}
			log.Warning("bootstrap: stdio read error: %v", err)
			continue
		}
		route(ctx, msg, state, sc, peers, http, negotiator, responder, log)
		if msg.Shutdown != nil {
			return
		}
	}
}

// runSocketLoop decodes EncodedMessage frames from a socket channel and
// routes them identically to the stdio loop. Port negotiation travels over
// stdio only, so negotiator is always nil here. When the channel drops, it
// reconnects per its policy before resuming reads, and replays anything
// queued in AppState's fallback queue for this channel once it is back.
func runSocketLoop(ctx context.Context, ct appstate.ChannelType, ch *socket.Channel, state *appstate.AppState, peers *peermsg.Dispatcher, http *httpproxy.Adapter, log *logger.Logger) {
	responder := socketResponder{ch: ch}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if ch.State() == socket.PermanentlyClosed {
			return
		}
		if ch.State() != socket.Connected {
			if err := ch.EnsureConnected(ctx); err != nil {
				log.Warning("bootstrap: %s channel reconnect failed: %v", ct, err)
				continue
			}
			state.ReplayFallback(ct)
		}
		encoded, err := ch.Receive()
		if err != nil {
			log.Warning("bootstrap: %s channel read error: %v", ct, err)
			continue
		}
		start := time.Now()
		msg, err := codec.Decode[wire.OrchestratorToModule](encoded)
		if err != nil {
			log.Warning("bootstrap: %s channel decode error: %v", ct, err)
			continue
		}
		state.ObserveLatency(ct, time.Since(start))
		route(ctx, msg, state, nil, peers, http, nil, responder, log)
	}
}

type stdioResponder struct{ w *stdio.Writer }

func (r stdioResponder) SendHttpResponse(resp wire.IpcHttpResponse) error {
	return r.w.Write(wire.ModuleToOrchestrator{HttpResponse: &resp})
}

type socketResponder struct{ ch *socket.Channel }

func (r socketResponder) SendHttpResponse(resp wire.IpcHttpResponse) error {
	encoded, err := codec.Encode(resp, wire.ContentTypeJSON, nil)
	if err != nil {
		return err
	}
	return r.ch.Send(encoded)
}

// route dispatches one inbound OrchestratorToModule message to its
// handling collaborator. sc and negotiator may be nil on socket loops,
// which never carry Secret/Rotated/PortResponse frames per spec.md §4.4
// (those travel over stdio only).
func route(ctx context.Context, msg wire.OrchestratorToModule, state *appstate.AppState, sc *secrets.Client, peers *peermsg.Dispatcher, http *httpproxy.Adapter, negotiator *portneg.Negotiator, responder httpproxy.Sender, log *logger.Logger) {
	switch {
	case msg.Secret != nil:
		if sc != nil {
			sc.Deliver(msg.Secret)
		}
	case msg.Rotated != nil:
		if sc != nil {
			sc.HandleRotated(msg.Rotated)
		}
	case msg.Shutdown != nil:
		state.Shutdown(ctx, "orchestrator requested shutdown")
	case msg.PortResponse != nil:
		if negotiator != nil {
			negotiator.Deliver(msg.PortResponse)
		}
	case msg.RoutedModuleMessage != nil:
		peers.DeliverRequest(ctx, *msg.RoutedModuleMessage, state.RespondToPeer())
	case msg.RoutedModuleResponse != nil:
		peers.DeliverResponse(*msg.RoutedModuleResponse)
	case msg.HttpRequest != nil:
		if http != nil {
			http.Dispatch(ctx, *msg.HttpRequest, responder)
		}
	case msg.Heartbeat != nil:
		// Acknowledged implicitly; the channel's liveness is the heartbeat.
	}
}

// PortFromEnv reads PYWATT_PORT, matching portneg.PortFromEnv, re-exported
// here so callers that only imported bootstrap don't need the portneg
// import just to check it themselves.
func PortFromEnv() (int, bool) { return portneg.PortFromEnv() }

// ipcOnly reports whether PYWATT_IPC_ONLY disables HTTP binding, per
// spec.md §6.
func ipcOnly(env map[string]string) bool {
	v, ok := env["PYWATT_IPC_ONLY"]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

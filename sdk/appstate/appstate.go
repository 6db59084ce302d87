// Package appstate implements AppState and the channel-selection policy
// (spec component C11): it holds module identity, user state, the live
// channels, the request correlator, and the peer-message handler registry,
// and picks which channel carries an outgoing message per spec.md §4.11.
// It is the one struct constructed once at startup and handed down to
// every subsystem for the rest of the module's life.
package appstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pywatt/module-sdk-go/sdk/codec"
	"github.com/pywatt/module-sdk-go/sdk/correlator"
	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/peermsg"
	"github.com/pywatt/module-sdk-go/sdk/secrets"
	"github.com/pywatt/module-sdk-go/sdk/transport/socket"
	"github.com/pywatt/module-sdk-go/sdk/transport/stdio"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

// ChannelType names one of the three message-plane transports spec.md §1
// lists: stdio IPC, Unix-socket IPC, and TCP.
type ChannelType int

const (
	ChannelStdio ChannelType = iota
	ChannelTCP
	ChannelIPC
)

func (c ChannelType) String() string {
	switch c {
	case ChannelStdio:
		return "Stdio"
	case ChannelTCP:
		return "Tcp"
	case ChannelIPC:
		return "Ipc"
	default:
		return "Unknown"
	}
}

// ChannelCapabilities describes what a channel can carry, per spec.md §3.
type ChannelCapabilities struct {
	ModuleMessaging bool
	HTTPProxy       bool
	Streaming       bool
	MaxMessageSize  int
}

// ChannelPreferences steers channel selection, per spec.md §3 and §4.11.
type ChannelPreferences struct {
	UseTCP              bool
	UseIPC              bool
	PreferIPCForLocal   bool
	PreferTCPForRemote  bool
	EnableFallback      bool
}

// ChannelHealth is a diagnostic snapshot of one channel's current state and
// observed latency, returned by AppState.ChannelHealth.
type ChannelHealth struct {
	Type         ChannelType
	State        socket.State // stdio is always reported Connected while the process is alive
	MeanLatency  time.Duration
}

// ChannelUnavailableError is returned when a caller names a specific
// channel that is not usable.
type ChannelUnavailableError struct{ Type ChannelType }

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("appstate: channel %s unavailable", e.Type)
}

// NoChannelsAvailableError is returned when every configured channel has
// permanently closed.
type NoChannelsAvailableError struct{}

func (*NoChannelsAvailableError) Error() string { return "appstate: no channels available" }

// BackpressureError is returned by a socket send whose failed message could
// not be queued because the fallback queue already holds
// fallbackQueueCapacity entries. The message is dropped at once; the sender
// does not wait for room in the queue.
type BackpressureError struct{ Type ChannelType }

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("appstate: channel %s is backpressured", e.Type)
}

// fallbackQueueCapacity is the maximum number of messages queued for the
// earliest reconnection, per spec.md §4.11.
const fallbackQueueCapacity = 256

// queuedSend is a message held for replay once its target channel
// reconnects.
type queuedSend struct {
	channel ChannelType
	msg     wire.ModuleToOrchestrator
}

// AppState is the module's shared runtime handle, constructed once by
// bootstrap (C8) and passed down to every background loop and to
// user-supplied handlers. The zero value is not usable; use New.
type AppState struct {
	moduleID        wire.ModuleId
	orchestratorAPI string
	userState       any
	log             *logger.Logger

	secretClient *secrets.Client
	correlator   *correlator.Correlator
	peers        *peermsg.Dispatcher

	stdioWriter *stdio.Writer
	tcp         *socket.Channel
	ipc         *socket.Channel

	prefs       ChannelPreferences
	remoteLocal map[wire.ModuleId]bool // true if orchestrator tagged the peer local

	mu           sync.Mutex
	latency      map[ChannelType]time.Duration
	fallback     []queuedSend
	shutdownOnce sync.Once
	shutdownHooks []func(context.Context)
}

// Config bundles the channels and policy New needs; channels that were
// never configured are left nil.
type Config struct {
	ModuleID        wire.ModuleId
	OrchestratorAPI string
	UserState       any
	SecretClient    *secrets.Client
	Correlator      *correlator.Correlator
	Peers           *peermsg.Dispatcher
	StdioWriter     *stdio.Writer
	TCPChannel      *socket.Channel
	IPCChannel      *socket.Channel
	Preferences     ChannelPreferences
	Log             *logger.Logger
}

// New constructs an AppState from cfg.
func New(cfg Config) *AppState {
	log := cfg.Log
	if log == nil {
		log = logger.Default
	}
	return &AppState{
		moduleID:        cfg.ModuleID,
		orchestratorAPI: cfg.OrchestratorAPI,
		userState:       cfg.UserState,
		log:             log,
		secretClient:    cfg.SecretClient,
		correlator:      cfg.Correlator,
		peers:           cfg.Peers,
		stdioWriter:     cfg.StdioWriter,
		tcp:             cfg.TCPChannel,
		ipc:             cfg.IPCChannel,
		prefs:           cfg.Preferences,
		remoteLocal:     make(map[wire.ModuleId]bool),
		latency:         make(map[ChannelType]time.Duration),
	}
}

// ModuleID returns the module's assigned identity.
func (a *AppState) ModuleID() wire.ModuleId { return a.moduleID }

// OrchestratorAPI returns the opaque orchestrator endpoint identifier from
// InitBlob.
func (a *AppState) OrchestratorAPI() string { return a.orchestratorAPI }

// Secrets returns the bound SecretClient.
func (a *AppState) Secrets() *secrets.Client { return a.secretClient }

// UserState returns the opaque state the module author's state_builder
// produced during bootstrap.
func (a *AppState) UserState() any { return a.userState }

// Peers returns the peer-message dispatcher, for registering handlers and
// issuing send_request calls directly when the generic helpers in package
// peermsg are preferred over AppState's own SendRequest wrapper.
func (a *AppState) Peers() *peermsg.Dispatcher { return a.peers }

// RegisterHandler installs handler for requests whose source_module_id is
// source.
func (a *AppState) RegisterHandler(source wire.ModuleId, handler peermsg.Handler) {
	a.peers.RegisterHandler(source, handler)
}

// MarkRemoteLocal records whether the orchestrator tagged a peer module as
// local (same host) or remote, informing channel preference in §4.11 step 2.
func (a *AppState) MarkRemoteLocal(peer wire.ModuleId, local bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remoteLocal[peer] = local
}

// ObserveLatency folds a newly observed latency into the channel's running
// estimate (the mean of the previous estimate and d), used by the "lowest
// observed mean latency" tie-break in §4.11.
func (a *AppState) ObserveLatency(ct ChannelType, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.latency[ct]; ok {
		a.latency[ct] = (prev + d) / 2
	} else {
		a.latency[ct] = d
	}
}

// AvailableChannels returns every channel type currently usable (stdio is
// always available while the process is alive).
func (a *AppState) AvailableChannels() []ChannelType {
	out := []ChannelType{ChannelStdio}
	if a.tcp != nil && a.tcp.State() == socket.Connected {
		out = append(out, ChannelTCP)
	}
	if a.ipc != nil && a.ipc.State() == socket.Connected {
		out = append(out, ChannelIPC)
	}
	return out
}

// ChannelHealth reports the current state and mean latency of every
// configured channel, for diagnostics.
func (a *AppState) ChannelHealth() []ChannelHealth {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := []ChannelHealth{{Type: ChannelStdio, State: socket.Connected, MeanLatency: a.latency[ChannelStdio]}}
	if a.tcp != nil {
		out = append(out, ChannelHealth{Type: ChannelTCP, State: a.tcp.State(), MeanLatency: a.latency[ChannelTCP]})
	}
	if a.ipc != nil {
		out = append(out, ChannelHealth{Type: ChannelIPC, State: a.ipc.State(), MeanLatency: a.latency[ChannelIPC]})
	}
	return out
}

// selectChannel implements spec.md §4.11's policy. explicit, when non-nil,
// forces that channel or fails; peer, when non-empty, informs the
// local/remote preference.
func (a *AppState) selectChannel(explicit *ChannelType, peer wire.ModuleId) (ChannelType, error) {
	if explicit != nil {
		if a.channelUsable(*explicit) {
			return *explicit, nil
		}
		return 0, &ChannelUnavailableError{Type: *explicit}
	}

	a.mu.Lock()
	local, tagged := a.remoteLocal[peer]
	a.mu.Unlock()

	if tagged && local && a.prefs.PreferIPCForLocal && a.channelUsable(ChannelIPC) {
		return ChannelIPC, nil
	}
	if tagged && !local && a.prefs.PreferTCPForRemote && a.channelUsable(ChannelTCP) {
		return ChannelTCP, nil
	}

	best := ChannelType(-1)
	var bestLatency time.Duration
	for _, ct := range []ChannelType{ChannelStdio, ChannelTCP, ChannelIPC} {
		if !a.channelUsable(ct) {
			continue
		}
		a.mu.Lock()
		lat, ok := a.latency[ct]
		a.mu.Unlock()
		if !ok {
			lat = 0
		}
		if best == ChannelType(-1) || lat < bestLatency {
			best, bestLatency = ct, lat
		}
	}
	if best != ChannelType(-1) {
		return best, nil
	}

	if a.prefs.EnableFallback {
		return ChannelStdio, nil // stdio never permanently closes while the process runs
	}
	return 0, &NoChannelsAvailableError{}
}

func (a *AppState) channelUsable(ct ChannelType) bool {
	switch ct {
	case ChannelStdio:
		return a.stdioWriter != nil
	case ChannelTCP:
		return a.tcp != nil && a.tcp.State() == socket.Connected
	case ChannelIPC:
		return a.ipc != nil && a.ipc.State() == socket.Connected
	default:
		return false
	}
}

// sendOn writes msg on the named channel: directly as a control-plane line
// over stdio, or framed as an EncodedMessage over a socket channel.
func (a *AppState) sendOn(ct ChannelType, msg wire.ModuleToOrchestrator) error {
	switch ct {
	case ChannelStdio:
		if a.stdioWriter == nil {
			return &ChannelUnavailableError{Type: ct}
		}
		return a.stdioWriter.Write(msg)
	case ChannelTCP, ChannelIPC:
		ch := a.tcp
		if ct == ChannelIPC {
			ch = a.ipc
		}
		if ch == nil {
			return &ChannelUnavailableError{Type: ct}
		}
		encoded, err := codec.Encode(msg, wire.ContentTypeJSON, nil)
		if err != nil {
			return err
		}
		if err := ch.Send(encoded); err != nil {
			if !a.enqueueFallback(ct, msg) {
				return &BackpressureError{Type: ct}
			}
			return err
		}
		return nil
	default:
		return &ChannelUnavailableError{Type: ct}
	}
}

func (a *AppState) enqueueFallback(ct ChannelType, msg wire.ModuleToOrchestrator) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.fallback) >= fallbackQueueCapacity {
		a.log.Warning("appstate: fallback queue for %s full, dropping message", ct)
		return false
	}
	a.fallback = append(a.fallback, queuedSend{channel: ct, msg: msg})
	return true
}

// ReplayFallback resends, in FIFO order, every message queued for ct by an
// earlier send failure, now that ct has reconnected (spec.md §4.11 step 3:
// queued messages go out "at the earliest reconnection"). A caller is
// bootstrap's per-channel read loop, once EnsureConnected succeeds again.
func (a *AppState) ReplayFallback(ct ChannelType) {
	a.mu.Lock()
	var pending, rest []queuedSend
	for _, q := range a.fallback {
		if q.channel == ct {
			pending = append(pending, q)
		} else {
			rest = append(rest, q)
		}
	}
	a.fallback = rest
	a.mu.Unlock()

	for i, q := range pending {
		if err := a.sendOn(ct, q.msg); err != nil {
			// sendOn already re-queued q itself via enqueueFallback on
			// failure; put the untried remainder back too and stop.
			a.mu.Lock()
			a.fallback = append(a.fallback, pending[i+1:]...)
			a.mu.Unlock()
			a.log.Warning("appstate: replaying queued %s messages interrupted: %v", ct, err)
			return
		}
	}
}

// internalSender / internalResponder adapt AppState to peermsg.Sender and
// peermsg.ResponseSender by running every call through selectChannel.
type internalSender struct {
	a    *AppState
	peer wire.ModuleId
}

func (s internalSender) SendInternalRequest(p wire.InternalRequestPayload) error {
	ct, err := s.a.selectChannel(nil, s.peer)
	if err != nil {
		return err
	}
	return s.a.sendOn(ct, wire.ModuleToOrchestrator{InternalRequest: &p})
}

type internalResponder struct{ a *AppState }

func (r internalResponder) SendRoutedModuleResponse(p wire.RoutedModuleResponsePayload) error {
	ct, err := r.a.selectChannel(nil, "")
	if err != nil {
		return err
	}
	return r.a.sendOn(ct, wire.ModuleToOrchestrator{RoutedModuleResponse: &p})
}

// SendRequest sends a typed request to target's endpoint and returns the
// typed response once it arrives, selecting a channel per §4.11.
func SendRequest[TReq any, TResp any](ctx context.Context, a *AppState, target wire.ModuleId, endpoint string, payload TReq, timeout time.Duration) (TResp, error) {
	return peermsg.SendRequest[TReq, TResp](ctx, a.peers, internalSender{a: a, peer: target}, target, endpoint, payload, timeout)
}

// RespondToPeer answers a RoutedModuleMessage dispatched through
// AppState.Peers().DeliverRequest; callers pass this as the ResponseSender.
// The response's channel is picked by selectChannel, like any outgoing
// message; it is not tied to the channel the request arrived on.
func (a *AppState) RespondToPeer() peermsg.ResponseSender {
	return internalResponder{a: a}
}

// RegisterShutdownHook installs fn to run during Shutdown, in registration
// order.
func (a *AppState) RegisterShutdownHook(fn func(context.Context)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdownHooks = append(a.shutdownHooks, fn)
}

// Shutdown cancels every pending correlator slot, closes the socket
// channels, and runs shutdown hooks, honoring ctx's deadline (bootstrap
// sets a 5 s graceful deadline per spec.md §4.8).
func (a *AppState) Shutdown(ctx context.Context, reason string) {
	a.shutdownOnce.Do(func() {
		if a.correlator != nil {
			a.correlator.CancelAll(reason)
		}

		a.mu.Lock()
		hooks := append([]func(context.Context){}, a.shutdownHooks...)
		a.mu.Unlock()
		for _, hook := range hooks {
			hook(ctx)
		}

		if a.tcp != nil {
			_ = a.tcp.Disconnect()
		}
		if a.ipc != nil {
			_ = a.ipc.Disconnect()
		}
		if a.secretClient != nil {
			a.secretClient.Close()
		}
	})
}

// Package httpproxy implements the HTTP-over-IPC adapter (spec component
// C9): it hands inbound IpcHttpRequest frames to a user-supplied handler
// and writes the matching IpcHttpResponse back onto the channel the
// request arrived on, with retry on transient write failure and a metrics
// surface (C14). Inbound requests are dispatched by RequestId rather than
// broadcast, and metrics are registered against a private Prometheus
// registry instead of the global default one.
package httpproxy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

// writeBackoffs are the delays between response-write retries (spec.md
// §4.9: "retried up to 3 times with 50/150/450 ms backoff").
var writeBackoffs = []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 450 * time.Millisecond}

// Handler processes one tunneled HTTP request and returns the response to
// send back. Implementations are the out-of-scope "embedded HTTP router
// framework bindings" collaborator spec.md §1 names; the adapter itself
// never parses paths or methods beyond forwarding them.
type Handler interface {
	ServeIPC(ctx context.Context, req wire.IpcHttpRequest) wire.IpcHttpResponse
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req wire.IpcHttpRequest) wire.IpcHttpResponse

func (f HandlerFunc) ServeIPC(ctx context.Context, req wire.IpcHttpRequest) wire.IpcHttpResponse {
	return f(ctx, req)
}

// Sender is the capability the adapter needs from whichever channel an
// IpcHttpRequest arrived on, so the matching IpcHttpResponse goes back out
// the same way.
type Sender interface {
	SendHttpResponse(wire.IpcHttpResponse) error
}

// Snapshot is a plain-Go view of the adapter's counters, so callers never
// need to import prometheus/client_golang themselves to read metrics
// (SPEC_FULL.md §4.14).
type Snapshot struct {
	RequestsReceived uint64
	ResponsesSent    uint64
	Errors           uint64
	MeanLatency      time.Duration
}

// Adapter dispatches inbound IpcHttpRequest frames to a Handler and writes
// the response back, tracking metrics on a private Prometheus registry.
// The zero value is not usable; use New.
type Adapter struct {
	handler Handler
	log     *logger.Logger

	registry *prometheus.Registry

	promRequestsReceived prometheus.Counter
	promResponsesSent    prometheus.Counter
	promErrors           prometheus.Counter
	promLatency          prometheus.Histogram

	// Plain atomic counters back Snapshot(): client_golang's Counter and
	// Histogram types don't expose their current value directly, and
	// round-tripping through their protobuf DTO for every Snapshot() call
	// would be needless overhead for what is meant to be a cheap read.
	requestsReceived atomic.Uint64
	responsesSent    atomic.Uint64
	errorsCount      atomic.Uint64
	latencySumNanos  atomic.Int64
	latencyCount     atomic.Uint64
}

// New constructs an Adapter that dispatches to handler. It owns a private
// prometheus.Registry (never the global default, per SPEC_FULL.md §4.14:
// this SDK is not in the business of shipping a standing exporter).
func New(handler Handler, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default
	}
	registry := prometheus.NewRegistry()

	a := &Adapter{
		handler:  handler,
		log:      log,
		registry: registry,
		promRequestsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pywatt_httpproxy_requests_received_total",
			Help: "IpcHttpRequest frames received from the orchestrator.",
		}),
		promResponsesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pywatt_httpproxy_responses_sent_total",
			Help: "IpcHttpResponse frames successfully written back.",
		}),
		promErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pywatt_httpproxy_errors_total",
			Help: "Requests whose response could not be delivered after retrying.",
		}),
		promLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pywatt_httpproxy_response_latency_seconds",
			Help:    "Time from request receipt to the handler returning its response.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(a.promRequestsReceived, a.promResponsesSent, a.promErrors, a.promLatency)
	return a
}

// Registry returns the private Prometheus registry, for a caller that
// wants to mount its own /metrics exporter (another out-of-scope
// collaborator, per SPEC_FULL.md §4.14).
func (a *Adapter) Registry() *prometheus.Registry { return a.registry }

// Snapshot returns a plain-Go view of the current counters.
func (a *Adapter) Snapshot() Snapshot {
	count := a.latencyCount.Load()
	var mean time.Duration
	if count > 0 {
		mean = time.Duration(a.latencySumNanos.Load() / int64(count))
	}
	return Snapshot{
		RequestsReceived: a.requestsReceived.Load(),
		ResponsesSent:    a.responsesSent.Load(),
		Errors:           a.errorsCount.Load(),
		MeanLatency:      mean,
	}
}

// Dispatch handles one inbound IpcHttpRequest: invokes the handler, then
// writes the response back through sender, retrying transient write
// failures per spec.md §4.9. It is safe to call concurrently for different
// requests.
func (a *Adapter) Dispatch(ctx context.Context, req wire.IpcHttpRequest, sender Sender) {
	a.requestsReceived.Add(1)
	a.promRequestsReceived.Inc()
	start := time.Now()

	resp := a.handler.ServeIPC(ctx, req)
	resp.RequestID = req.RequestID // a response must echo the originating id, per spec.md §3

	elapsed := time.Since(start)
	a.promLatency.Observe(elapsed.Seconds())
	a.latencySumNanos.Add(elapsed.Nanoseconds())
	a.latencyCount.Add(1)

	var lastErr error
retryLoop:
	for attempt := 0; attempt <= len(writeBackoffs); attempt++ {
		err := sender.SendHttpResponse(resp)
		if err == nil {
			a.responsesSent.Add(1)
			a.promResponsesSent.Inc()
			return
		}
		lastErr = err
		if attempt == len(writeBackoffs) {
			break retryLoop
		}
		select {
		case <-time.After(writeBackoffs[attempt]):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retryLoop
		}
	}

	a.errorsCount.Add(1)
	a.promErrors.Inc()
	a.log.Error("httpproxy: dropping response for request %s after retries: %v", req.RequestID, lastErr)
}

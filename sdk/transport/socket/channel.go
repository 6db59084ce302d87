package socket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pywatt/module-sdk-go/sdk/codec"
	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}
	return dir
}

// maxConsecutiveFailures is the number of back-to-back failed connection
// attempts after which a channel gives up permanently, per spec.md §4.3
// ("Failed with too many consecutive failures transitions to
// PermanentlyClosed").
const maxConsecutiveFailures = 10

// dialFunc opens the underlying net.Conn; TCP and Unix channels differ only
// in this function and in how they wait for the target to become dialable.
type dialFunc func(ctx context.Context) (net.Conn, error)

// Channel is a MessageChannel (spec.md §9): a framed, reconnecting,
// mutex-protected stream transport. The zero value is not usable; build one
// with NewTCP or NewUnix.
type Channel struct {
	dial   dialFunc
	policy ReconnectPolicy
	log    *logger.Logger

	state atomicState

	mu   sync.Mutex
	conn net.Conn

	writeMu sync.Mutex

	failMu              sync.Mutex
	consecutiveFailures int
	nextAttemptAt       time.Time
	attempt             int
}

// NewTCP builds a channel that dials a TCP address. A non-nil tlsConfig
// dials TLS (bootstrap passes its Config.TLSConfig when the InitBlob's
// tcp_channel.tls_enabled is set); a nil config dials plaintext.
func NewTCP(address string, tlsConfig *tls.Config, policy ReconnectPolicy, log *logger.Logger) *Channel {
	if log == nil {
		log = logger.Default
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &Channel{
		policy: policy,
		log:    log,
		dial: func(ctx context.Context) (net.Conn, error) {
			if tlsConfig != nil {
				return tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
			}
			return dialer.DialContext(ctx, "tcp", address)
		},
	}
}

// NewUnix builds a channel that dials a Unix domain socket at path, waiting
// (via fsnotify) for the socket file to be created if it does not exist
// yet — the orchestrator and module start concurrently, so the socket may
// not be there on the first attempt.
func NewUnix(path string, policy ReconnectPolicy, log *logger.Logger) *Channel {
	if log == nil {
		log = logger.Default
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &Channel{
		policy: policy,
		log:    log,
		dial: func(ctx context.Context) (net.Conn, error) {
			if err := waitForSocket(ctx, path); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, "unix", path)
		},
	}
}

// waitForSocket blocks until path exists or ctx is done, using fsnotify on
// its parent directory rather than polling.
func waitForSocket(ctx context.Context, path string) error {
	if fileExists(path) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// fsnotify unavailable (e.g. sandboxed environment): fall back to
		// a short poll loop rather than failing the whole dial.
		return pollForSocket(ctx, path)
	}
	defer watcher.Close()

	dir := parentDir(path)
	if err := watcher.Add(dir); err != nil {
		return pollForSocket(ctx, path)
	}

	if fileExists(path) {
		return nil
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("socket: watcher closed while waiting for %s", path)
			}
			if ev.Name == path && (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("socket: watcher error channel closed")
			}
			return fmt.Errorf("socket: watching %s: %w", dir, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func pollForSocket(ctx context.Context, path string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if fileExists(path) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect performs a single connection attempt (the state machine's
// Disconnected/Failed → Connecting → Connected edge). Callers that want
// the reconnect policy honored should use EnsureConnected instead.
func (c *Channel) Connect(ctx context.Context) error {
	c.state.store(Connecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.state.store(Failed)
		c.recordFailure()
		return classify(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.resetFailures()
	c.state.store(Connected)
	return nil
}

// EnsureConnected brings the channel to Connected, honoring the reconnect
// policy's inter-attempt delay and attempt cap. It returns immediately if
// already Connected, and returns an error without blocking if the channel
// has already transitioned to PermanentlyClosed.
func (c *Channel) EnsureConnected(ctx context.Context) error {
	if c.state.load() == Connected {
		return nil
	}
	if c.state.load() == PermanentlyClosed {
		return fmt.Errorf("socket: channel permanently closed")
	}

	c.failMu.Lock()
	wait := time.Until(c.nextAttemptAt)
	c.failMu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.Connect(ctx); err != nil {
		c.failMu.Lock()
		delay, retry := c.policy.Next(c.attempt)
		c.attempt++
		c.failMu.Unlock()
		if !retry {
			c.state.store(PermanentlyClosed)
			return fmt.Errorf("socket: giving up after %d attempts: %w", c.attempt, err)
		}
		c.failMu.Lock()
		c.nextAttemptAt = time.Now().Add(delay)
		c.failMu.Unlock()
		return err
	}

	c.failMu.Lock()
	c.attempt = 0
	c.failMu.Unlock()
	return nil
}

// Disconnect closes the underlying connection and marks the channel
// Disconnected (not Failed: this is a deliberate close, e.g. shutdown).
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.state.store(Disconnected)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Send writes one framed EncodedMessage. A failure marks the channel
// Disconnected so the next EnsureConnected call reconnects per policy.
func (c *Channel) Send(msg wire.EncodedMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &TransportError{Kind: KindIO, Err: fmt.Errorf("not connected")}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := codec.WriteFrame(conn, msg); err != nil {
		te := classify(err)
		c.handleIOFailure()
		return te
	}
	return nil
}

// Receive reads one framed EncodedMessage. A failure marks the channel
// Disconnected so the caller's loop can call EnsureConnected and retry.
func (c *Channel) Receive() (wire.EncodedMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return wire.EncodedMessage{}, &TransportError{Kind: KindIO, Err: fmt.Errorf("not connected")}
	}

	msg, err := codec.ReadFrame(conn)
	if err != nil {
		te := classify(err)
		c.handleIOFailure()
		return wire.EncodedMessage{}, te
	}
	return msg, nil
}

// State reports the channel's current position in the connection lifecycle.
func (c *Channel) State() State { return c.state.load() }

func (c *Channel) handleIOFailure() {
	if c.state.load() != PermanentlyClosed {
		c.state.store(Disconnected)
	}
	c.recordFailure()
}

func (c *Channel) recordFailure() {
	c.failMu.Lock()
	c.consecutiveFailures++
	failures := c.consecutiveFailures
	c.failMu.Unlock()
	if failures >= maxConsecutiveFailures {
		c.state.store(PermanentlyClosed)
		c.log.Warning("socket: channel permanently closed after %d consecutive failures", failures)
	}
}

func (c *Channel) resetFailures() {
	c.failMu.Lock()
	c.consecutiveFailures = 0
	c.failMu.Unlock()
}

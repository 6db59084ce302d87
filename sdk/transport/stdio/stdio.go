// Package stdio implements the stdio IPC transport (spec component C2):
// line-delimited JSON framed on stdin/stdout, carrying the handshake,
// secret, rotation, port-negotiation, and control-plane traffic. Stdout
// is reserved exclusively for this single JSON-framed protocol stream;
// all diagnostic logging goes to stderr instead, per spec.md §4.2 and §6.
package stdio

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

// Reader yields one OrchestratorToModule per line read from r. Malformed
// lines and unrecognized message kinds are logged to stderr and skipped,
// never fatal, so the module tolerates additive protocol changes
// (spec.md §4.2, §6).
type Reader struct {
	scanner *bufio.Scanner
	log     *logger.Logger
}

// NewReader wraps r (typically os.Stdin) for line-delimited reads. Lines up
// to 1 MiB are supported; InitBlob/control messages are expected to be far
// smaller than that.
func NewReader(r io.Reader, log *logger.Logger) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if log == nil {
		log = logger.Default
	}
	return &Reader{scanner: scanner, log: log}
}

// ReadInitBlob reads exactly one line and parses it as an InitBlob. Per
// spec.md §4.8 step 2, a malformed or missing InitBlob is fatal
// (HandshakeFailedError), unlike every other stdio message kind.
func (r *Reader) ReadInitBlob() (wire.InitBlob, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return wire.InitBlob{}, &HandshakeFailedError{Reason: "reading init blob", Err: err}
		}
		return wire.InitBlob{}, &HandshakeFailedError{Reason: "stdin closed before init blob was sent"}
	}
	var blob wire.InitBlob
	if err := json.Unmarshal(r.scanner.Bytes(), &blob); err != nil {
		return wire.InitBlob{}, &HandshakeFailedError{Reason: "malformed init blob JSON", Err: err}
	}
	if blob.ModuleID == "" {
		return wire.InitBlob{}, &HandshakeFailedError{Reason: "init blob missing module_id"}
	}
	return blob, nil
}

// Next blocks for the next well-formed OrchestratorToModule message,
// silently skipping (after logging) any line that fails to parse or names
// an unrecognized variant. It returns io.EOF once the stream is exhausted.
func (r *Reader) Next() (wire.OrchestratorToModule, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg wire.OrchestratorToModule
		if err := json.Unmarshal(line, &msg); err != nil {
			var unknown *wire.UnknownVariantError
			if errors.As(err, &unknown) {
				r.log.Warning("stdio: skipping message with unknown kind %q", unknown.Key)
			} else {
				r.log.Warning("stdio: skipping malformed line: %v", err)
			}
			continue
		}
		return msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return wire.OrchestratorToModule{}, fmt.Errorf("stdio: reading: %w", err)
	}
	return wire.OrchestratorToModule{}, io.EOF
}

// HandshakeFailedError is returned only for the initial InitBlob read; per
// spec.md §7 it is the sole stdio error that is always fatal to the
// process (exit code 64, per spec.md §6).
type HandshakeFailedError struct {
	Reason string
	Err    error
}

func (e *HandshakeFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

func (e *HandshakeFailedError) Unwrap() error { return e.Err }

// Writer serializes ModuleToOrchestrator messages to w (typically
// os.Stdout) one per line, under a process-wide mutex. Exactly one Writer
// should exist per process: spec.md §4.2 states the transport is exclusive
// and no other code may write to stdout once bootstrap has handed control
// to the background loops.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for exclusive line-delimited writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write serializes msg and writes it as a single newline-terminated line,
// flushing immediately if w implements an explicit Flush method.
func (w *Writer) Write(msg wire.ModuleToOrchestrator) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stdio: marshaling outbound message: %w", err)
	}
	body = append(body, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("stdio: writing line: %w", err)
	}
	if f, ok := w.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

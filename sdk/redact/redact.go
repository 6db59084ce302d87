// Package redact maintains the process-global set of sensitive strings
// (spec component C5) and scrubs them from log output before it reaches
// stderr. A multi-pattern Aho–Corasick automaton keeps the per-call cost at
// O(len(text) + matches) regardless of how many secrets are registered.
//
// No example in the retrieved corpus imports a Go Aho–Corasick library, and
// the two well-known ones either require a code-generation step or expose
// only dictionary-membership testing without the byte offsets a
// find-and-replace pass needs; see DESIGN.md for the libraries considered.
// The automaton here is therefore hand-built on top of the standard
// library, which is the stated justification for this component's absence
// of a third-party dependency.
package redact

import "sync"

// placeholder replaces every redacted occurrence.
const placeholder = "[REDACTED]"

// minLength is the shortest registered value the matcher will act on;
// shorter strings are ignored to avoid catastrophic false positives
// (spec.md §4.5).
const minLength = 4

// Registry is a process-wide set of sensitive byte strings and the
// automaton built from them. The zero value is not usable; use New.
type Registry struct {
	mu      sync.RWMutex
	values  map[string]struct{}
	matcher *matcher
	dirty   bool
}

// New creates an empty registry. Most callers should use the process-wide
// Default registry instead via the package-level Register/Unregister/Redact
// functions; New exists for tests and for embedders that want isolated
// redaction scopes (e.g. one per test case).
func New() *Registry {
	return &Registry{values: make(map[string]struct{})}
}

// Register adds value to the sensitive set. Values shorter than minLength
// bytes are ignored. The matcher is invalidated and rebuilt lazily on the
// next call to Redact.
func (r *Registry) Register(value []byte) {
	if len(value) < minLength {
		return
	}
	s := string(value)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[s]; ok {
		return
	}
	r.values[s] = struct{}{}
	r.dirty = true
}

// Unregister removes value from the sensitive set, e.g. once a cache entry
// it backed has been replaced or zeroized.
func (r *Registry) Unregister(value []byte) {
	if len(value) < minLength {
		return
	}
	s := string(value)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[s]; !ok {
		return
	}
	delete(r.values, s)
	r.dirty = true
}

// Redact returns text with every registered value replaced by
// "[REDACTED]". Overlapping matches are covered by a single replacement
// rather than being double-redacted.
func (r *Registry) Redact(text string) string {
	m := r.currentMatcher()
	if m == nil || len(text) == 0 {
		return text
	}
	return m.redact(text)
}

// currentMatcher returns a ready-to-use matcher, rebuilding it if the
// sensitive set has changed since the last build.
func (r *Registry) currentMatcher() *matcher {
	r.mu.RLock()
	if !r.dirty {
		m := r.matcher
		r.mu.RUnlock()
		return m
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		patterns := make([]string, 0, len(r.values))
		for v := range r.values {
			patterns = append(patterns, v)
		}
		r.matcher = buildMatcher(patterns)
		r.dirty = false
	}
	return r.matcher
}

// Default is the process-global redaction registry. The stdio transport,
// secret client, and standard logging integration all register and redact
// against this single instance, per spec.md's invariant that a secret's
// value is registered for redaction before its first log emission.
var Default = New()

// Register adds value to the default registry.
func Register(value []byte) { Default.Register(value) }

// Unregister removes value from the default registry.
func Unregister(value []byte) { Default.Unregister(value) }

// Redact scrubs text against the default registry.
func Redact(text string) string { return Default.Redact(text) }

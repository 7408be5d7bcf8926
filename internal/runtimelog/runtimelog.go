// Package runtimelog provides the flag-gated tracing output spec.md
// §5's "log serializer" describes: a small set of independently
// switchable channels (segment maps, fixups, initializer order, API
// calls) feeding a single serialized sink, the way the teacher's
// engine_purego.go gates its own tracing behind a single env var but
// generalized here to several independent gates since a loader runtime
// has several log-worthy subsystems that a caller wants to enable
// separately.
//
// An enabled Tracef call goes through the configured logrus logger,
// whose own output is discarded; a Ring hook copies each formatted
// line into a small ring buffer under one mutex, and lines leave that
// buffer only through Drain. Once the ring is full, the oldest line is
// overwritten.
package runtimelog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Gate selects one independently-enabled tracing channel.
type Gate uint8

const (
	GateSegments Gate = 1 << iota
	GateFixups
	GateInitializers
	GateAPIs
)

// Ring is a fixed-capacity ring buffer of formatted log lines, used as
// a logrus.Hook so every Fire call is a lock-protected append rather
// than an immediate write to the underlying logrus output.
type Ring struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	next     int
	full     bool
}

// NewRing constructs a Ring holding at most capacity lines before it
// starts overwriting the oldest entry.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{lines: make([]string, capacity), capacity: capacity}
}

// Levels implements logrus.Hook; the ring records every level and lets
// Logger's own level filter decide what gets formatted in the first
// place.
func (r *Ring) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (r *Ring) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return nil
}

// Drain returns every buffered line in chronological order and empties
// the ring. Called off the hot path, typically by a periodic flusher
// or at process exit.
func (r *Ring) Drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	r.next = 0
	r.full = false
	return out
}

// Logger wraps a *logrus.Logger with the channel-gating RuntimeState
// needs: every call site passes its own Gate, and the call is a no-op
// unless that gate is enabled, so disabled tracing costs one branch
// and no formatting.
type Logger struct {
	base    *logrus.Logger
	ring    *Ring
	mu      sync.Mutex
	enabled Gate
}

// New builds a Logger whose output is routed through a Ring hook
// instead of base's configured output, preserving base's level and
// formatter.
func New(base *logrus.Logger, ringCapacity int) *Logger {
	ring := NewRing(ringCapacity)
	base.AddHook(ring)
	base.SetOutput(nopWriter{})
	return &Logger{base: base, ring: ring}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetGates replaces the full set of enabled channels.
func (l *Logger) SetGates(gates Gate) {
	l.mu.Lock()
	l.enabled = gates
	l.mu.Unlock()
}

// Enabled reports whether gate is currently turned on.
func (l *Logger) Enabled(gate Gate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled&gate != 0
}

// Tracef logs a formatted line on gate, if enabled.
func (l *Logger) Tracef(gate Gate, format string, args ...interface{}) {
	if !l.Enabled(gate) {
		return
	}
	l.base.Tracef(format, args...)
}

// Drain flushes every buffered line, in order, clearing the ring.
func (l *Logger) Drain() []string { return l.ring.Drain() }

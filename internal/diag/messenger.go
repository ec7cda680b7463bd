// Package diag is the diagnostic sink described in spec §4.M: a
// deduplicating, per-function buffered message sink with
// DEBUG/TRACE/INFO/ERROR severities, plus delayed "conditional"
// messages tied to a variable (owned by the fresh-variable checker,
// flushed here only on commit).
//
// It is modeled on rtcheck/main.go's state.warnl/state.warnp and on
// original_source/src/linemsg.cpp's dedup and flush-on-function-change
// behavior.
package diag

import (
	"fmt"
	"io"
	"sort"

	"github.com/aclements/rchk/internal/ir"
)

// Kind is a diagnostic severity.
type Kind int

const (
	Debug Kind = iota
	Trace
	Info
	Error
)

func (k Kind) String() string {
	switch k {
	case Debug:
		return "DEBUG"
	case Trace:
		return "TRACE"
	case Info:
		return "INFO"
	case Error:
		return "ERROR"
	}
	return "?"
}

type message struct {
	kind Kind
	text string
	path string
	line int
}

func (m message) key() message {
	// Equality key for dedup: identical (kind, message, path, line)
	// tuples collapse per spec §4.M.
	return m
}

// Messenger buffers diagnostics for the function currently being
// analyzed and flushes them, deduplicated and sorted, when the
// function changes or the messenger is closed.
type Messenger struct {
	w       io.Writer
	dedup   bool
	minKind Kind

	curFn   string
	pending []message
	seen    map[message]bool
	total   int
}

// New returns a Messenger writing to w. When dedup is true (the
// "unique" mode spec §6 describes), identical messages within a
// function collapse to one and are sorted before being written.
func New(w io.Writer, dedup bool, minKind Kind) *Messenger {
	return &Messenger{w: w, dedup: dedup, minKind: minKind, seen: map[message]bool{}}
}

// SetFunction flushes the prior function's buffered messages and
// begins buffering for fn.
func (m *Messenger) SetFunction(fn *ir.Function) {
	m.flush()
	if fn != nil {
		m.curFn = fn.Name
	} else {
		m.curFn = ""
	}
}

func (m *Messenger) emit(kind Kind, in *ir.Instr, format string, args ...interface{}) {
	if kind < m.minKind {
		return
	}
	text := fmt.Sprintf(format, args...)
	msg := message{kind: kind, text: text}
	if in != nil {
		msg.path, msg.line = in.Path, in.Line
		if !in.HasLoc {
			msg.path, msg.line = "", 0
		}
	}
	if !m.dedup {
		m.write(msg)
		m.total++
		return
	}
	if m.seen[msg.key()] {
		return
	}
	m.seen[msg.key()] = true
	m.pending = append(m.pending, msg)
}

// Debug, Trace, Info and Error each record one diagnostic attached to
// in (or nil for a function-wide message).
func (m *Messenger) Debug(in *ir.Instr, format string, args ...interface{}) {
	m.emit(Debug, in, format, args...)
}
func (m *Messenger) Trace(in *ir.Instr, format string, args ...interface{}) {
	m.emit(Trace, in, format, args...)
}
func (m *Messenger) Info(in *ir.Instr, format string, args ...interface{}) {
	m.emit(Info, in, format, args...)
}
func (m *Messenger) Error(in *ir.Instr, format string, args ...interface{}) {
	m.emit(Error, in, format, args...)
}

// Count returns the number of messages written so far. In dedup mode,
// buffered messages are counted (deduplicated) only when they are
// flushed.
func (m *Messenger) Count() int { return m.total }

func (m *Messenger) flush() {
	if len(m.pending) == 0 {
		m.seen = map[message]bool{}
		return
	}
	sort.Slice(m.pending, func(i, j int) bool {
		a, b := m.pending[i], m.pending[j]
		if a.path != b.path {
			return a.path < b.path
		}
		if a.line != b.line {
			return a.line < b.line
		}
		return a.text < b.text
	})
	fmt.Fprintf(m.w, "Function %s\n", m.curFn)
	for _, msg := range m.pending {
		m.write(msg)
	}
	m.total += len(m.pending)
	m.pending = nil
	m.seen = map[message]bool{}
}

func (m *Messenger) write(msg message) {
	loc := "<unknown location>"
	if msg.path != "" {
		loc = fmt.Sprintf("%s:%d", msg.path, msg.line)
	}
	fmt.Fprintf(m.w, "  %s: %s %s\n", msg.kind, msg.text, loc)
}

// Close flushes any remaining buffered messages for the last function.
func (m *Messenger) Close() { m.flush() }

// ClearForFunction discards whatever has been buffered for the current
// function without writing it out. A checker that restarts a
// function's analysis at a higher precision level (more guard tracking
// enabled) calls this first so the less precise attempt's diagnostics
// never reach the output, matching linemsg.cpp's
// LineMessenger::clearForFunction as used by bcheck.cpp's retry loop.
func (m *Messenger) ClearForFunction() {
	m.pending = nil
	m.seen = map[message]bool{}
}

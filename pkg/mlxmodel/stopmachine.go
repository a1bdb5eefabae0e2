package mlxmodel

import "strings"

// StopMachine implements the streaming stop-sequence state machine (spec.md
// §4.3.3): buffer arriving text, hold back at most maxStopLen bytes (the
// longest length any stop string could still be found spanning a chunk
// boundary), and detect a stop string as soon as it fully appears in the
// buffer.
type StopMachine struct {
	stops      []string
	maxStopLen int
	buffer     string
	stopped    bool
	stopReason string
}

// NewStopMachine builds a StopMachine for the given stop strings. Stop
// strings are matched in input order; whichever occurs earliest in the
// buffer wins (ties broken by input order).
func NewStopMachine(stops []string) *StopMachine {
	max := 0
	for _, s := range stops {
		if len(s) > max {
			max = len(s)
		}
	}
	return &StopMachine{stops: stops, maxStopLen: max}
}

// Stopped reports whether a stop string has already been matched; once
// true, Feed is a no-op.
func (m *StopMachine) Stopped() bool { return m.stopped }

// MatchedStop returns the stop string that triggered a match, or "" if none
// has matched yet.
func (m *StopMachine) MatchedStop() string { return m.stopReason }

// Feed implements spec.md §4.3.3 steps 1-3: append t to the buffer; if a
// stop string now fully appears, emit everything before it and stop; else
// emit a safe prefix, retaining up to maxStopLen trailing bytes as the new
// buffer so a stop string split across this chunk and the next is still
// caught.
func (m *StopMachine) Feed(t string) (emit string, stopped bool) {
	if m.stopped {
		return "", true
	}
	m.buffer += t

	if pos, s := m.earliestStop(); pos >= 0 {
		emit = m.buffer[:pos]
		m.stopped = true
		m.stopReason = s
		m.buffer = ""
		return emit, true
	}

	if len(m.buffer) <= m.maxStopLen {
		return "", false
	}
	cut := len(m.buffer) - m.maxStopLen
	emit = m.buffer[:cut]
	m.buffer = m.buffer[cut:]
	return emit, false
}

// Flush implements spec.md §4.3.3 step 4: "On upstream end with non-empty
// buffer: emit the buffer as-is (no stop matched)."
func (m *StopMachine) Flush() string {
	if m.stopped {
		return ""
	}
	out := m.buffer
	m.buffer = ""
	return out
}

// earliestStop finds the lowest-index occurrence of any configured stop
// string in the current buffer.
func (m *StopMachine) earliestStop() (pos int, matched string) {
	pos = -1
	for _, s := range m.stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(m.buffer, s); idx >= 0 && (pos < 0 || idx < pos) {
			pos = idx
			matched = s
		}
	}
	return pos, matched
}

// TruncateAtStop implements the non-streaming variant (spec.md §4.3.3):
// "scan the finished string for the earliest occurrence of any stop string
// and truncate at its lower bound." Returns the truncated text and whether
// a stop string was found.
func TruncateAtStop(text string, stops []string) (truncated string, stopped bool) {
	earliest := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && (earliest < 0 || idx < earliest) {
			earliest = idx
		}
	}
	if earliest < 0 {
		return text, false
	}
	return text[:earliest], true
}

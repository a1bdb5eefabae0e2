package foundation

import (
	"regexp"
	"strconv"
	"strings"
)

// ContextWindowExceededError carries the provided and maximum token counts
// extracted from the backend's error description (spec.md §4.4).
type ContextWindowExceededError struct {
	Provided int
	Maximum  int
	Raw      string
}

func (e *ContextWindowExceededError) Error() string {
	return "foundation: context window exceeded: " + e.Raw
}

// GuardrailError carries the backend's debug message for a guardrail /
// unsafe-content rejection (spec.md §4.4).
type GuardrailError struct {
	DebugMessage string
}

func (e *GuardrailError) Error() string {
	return "foundation: guardrail violation: " + e.DebugMessage
}

var commaTolerantIntRE = regexp.MustCompile(`[0-9][0-9,]*`)

// ClassifyError implements spec.md §4.4: "Classify errors by
// pattern-matching the backend's error description: a 'context window
// exceeded' substring maps to a structured error carrying the provided
// and maximum token counts (both extracted from the message with
// comma-tolerant integer parsing); a 'guardrail' / 'unsafe content'
// substring maps to a guardrail error carrying the extracted debug
// message." Errors matching neither pattern are returned unchanged.
func ClassifyError(raw error) error {
	if raw == nil {
		return nil
	}
	msg := raw.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "context window exceeded"):
		provided, maximum, ok := extractTwoIntegers(msg)
		if !ok {
			return &ContextWindowExceededError{Raw: msg}
		}
		return &ContextWindowExceededError{Provided: provided, Maximum: maximum, Raw: msg}
	case strings.Contains(lower, "guardrail"), strings.Contains(lower, "unsafe content"):
		return &GuardrailError{DebugMessage: msg}
	default:
		return raw
	}
}

// extractTwoIntegers finds the first two comma-tolerant integers in msg,
// in order of appearance: the provided count, then the maximum.
func extractTwoIntegers(msg string) (provided, maximum int, ok bool) {
	matches := commaTolerantIntRE.FindAllString(msg, -1)
	if len(matches) < 2 {
		return 0, 0, false
	}
	p, err1 := strconv.Atoi(strings.ReplaceAll(matches[0], ",", ""))
	m, err2 := strconv.Atoi(strings.ReplaceAll(matches[1], ",", ""))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return p, m, true
}

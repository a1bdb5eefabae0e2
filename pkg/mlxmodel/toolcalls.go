package mlxmodel

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/afm/gateway/pkg/afmapi"
	"github.com/afm/gateway/pkg/jsonvalue"
)

// ExtractedCall is one tool call recovered by the fallback extractor,
// ready to become an afmapi.ToolCall once an id is assigned.
type ExtractedCall struct {
	Name      string
	Arguments jsonvalue.Value
}

var (
	toolCallBlockRE = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	xmlFunctionRE   = regexp.MustCompile(`(?s)<function=([^>]+)>(.*?)</function>`)
	xmlParameterRE  = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*?)</parameter>`)
	// xmlUnclosedParamRE salvages a trailing "<parameter=KEY>VALUE" with no
	// closing tag at end-of-string (spec.md §4.3.4: "salvage an unclosed
	// trailing <parameter=KEY>VALUE... at end-of-string").
	xmlUnclosedParamRE = regexp.MustCompile(`(?s)<parameter=([^>]+)>([^<]*)$`)
	mistralArrayRE     = regexp.MustCompile(`(?s)^\s*\[TOOL_CALLS\]\s*(\[.*\])\s*$`)
	mistralCallRE      = regexp.MustCompile(`(?s)([A-Za-z_][A-Za-z0-9_]*)\[(\{.*?\})\]`)
	emptyThinkRE       = regexp.MustCompile(`<think>\s*</think>`)
)

// ExtractToolCalls implements the fallback tool-call extractor (spec.md
// §4.3.4), run only when the model's native tool-call path produced
// nothing. It returns the calls found and the content with matched regions
// stripped (and resulting empty <think></think> tags collapsed).
func ExtractToolCalls(content string) (calls []ExtractedCall, remaining string) {
	remaining = content

	if blocks := toolCallBlockRE.FindAllStringSubmatchIndex(remaining, -1); len(blocks) > 0 {
		var out []ExtractedCall
		var b strings.Builder
		last := 0
		for _, m := range blocks {
			start, end := m[0], m[1]
			inner := remaining[m[2]:m[3]]
			if call, ok := parseToolCallInner(inner); ok {
				out = append(out, call)
			}
			b.WriteString(remaining[last:start])
			last = end
		}
		b.WriteString(remaining[last:])
		return out, collapseEmptyThink(b.String())
	}

	// A trailing <tool_call> with no closing tag (output cut off mid-call)
	// is parsed through end-of-string.
	if idx := strings.LastIndex(remaining, "<tool_call>"); idx >= 0 {
		if call, ok := parseToolCallInner(remaining[idx+len("<tool_call>"):]); ok {
			return []ExtractedCall{call}, collapseEmptyThink(remaining[:idx])
		}
	}

	if mistral := mistralArrayRE.FindStringSubmatch(strings.TrimSpace(remaining)); mistral != nil {
		if out, ok := parseMistralArray(mistral[1]); ok {
			return out, ""
		}
	}

	if strings.HasPrefix(strings.TrimSpace(remaining), "[TOOL_CALLS]") {
		body := strings.TrimPrefix(strings.TrimSpace(remaining), "[TOOL_CALLS]")
		if out := parseMistralRepeated(body); len(out) > 0 {
			return out, ""
		}
	}

	if call, ok := parseBareJSONCall(strings.TrimSpace(remaining)); ok {
		return []ExtractedCall{call}, ""
	}

	return nil, remaining
}

// parseToolCallInner tries the XML-function format, then the JSON format,
// for the content of a single <tool_call>...</tool_call> block.
func parseToolCallInner(inner string) (ExtractedCall, bool) {
	inner = strings.TrimSpace(inner)

	if m := xmlFunctionRE.FindStringSubmatch(inner); m != nil {
		return parseXMLFunction(strings.TrimSpace(m[1]), m[2]), true
	}

	// Salvage an unclosed function: "<function=NAME>" with parameters but
	// no closing "</function>".
	if idx := strings.Index(inner, "<function="); idx >= 0 {
		rest := inner[idx+len("<function="):]
		if gt := strings.Index(rest, ">"); gt >= 0 {
			name := strings.TrimSpace(rest[:gt])
			body := rest[gt+1:]
			return parseXMLFunction(name, body), true
		}
	}

	if call, ok := parseBareJSONCall(inner); ok {
		return call, true
	}

	return ExtractedCall{}, false
}

// parseXMLFunction implements spec.md §4.3.4(a): zero or more
// <parameter=KEY>VALUE</parameter>, stripping one leading/trailing newline
// from each value, keeping the first non-empty value on duplicate keys,
// and salvaging an unclosed trailing parameter.
func parseXMLFunction(name, body string) ExtractedCall {
	fields := map[string]jsonvalue.Value{}

	for _, m := range xmlParameterRE.FindAllStringSubmatch(body, -1) {
		key := strings.TrimSpace(m[1])
		val := trimOneNewline(m[2])
		setIfFirstNonEmpty(fields, key, val)
	}

	// Remove all closed parameters from body, then look for a salvageable
	// unclosed trailing one.
	closed := xmlParameterRE.ReplaceAllString(body, "")
	if m := xmlUnclosedParamRE.FindStringSubmatch(closed); m != nil {
		key := strings.TrimSpace(m[1])
		val := trimOneNewline(m[2])
		setIfFirstNonEmpty(fields, key, val)
	}

	return ExtractedCall{Name: name, Arguments: jsonvalue.Object(fields)}
}

// setIfFirstNonEmpty keeps the first non-empty value seen for a duplicate
// key (spec.md §4.3.4: "on duplicate keys keep the first non-empty value").
func setIfFirstNonEmpty(fields map[string]jsonvalue.Value, key, val string) {
	if existing, ok := fields[key]; ok {
		if s, _ := existing.String(); s != "" {
			return
		}
	}
	fields[key] = jsonvalue.String(val)
}

// trimOneNewline strips exactly one leading and one trailing newline, not
// all surrounding whitespace.
func trimOneNewline(s string) string {
	s = strings.TrimPrefix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return s
}

// jsonCallShape is the wire shape for {"name":..., "arguments"|"parameters": ...}.
type jsonCallShape struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

// parseBareJSONCall implements spec.md §4.3.4(b) and the bare top-level
// JSON object case: an object with name and arguments (or parameters).
func parseBareJSONCall(text string) (ExtractedCall, bool) {
	text = strings.TrimSpace(text)
	if text == "" || text[0] != '{' {
		return ExtractedCall{}, false
	}
	var shape jsonCallShape
	if err := json.Unmarshal([]byte(text), &shape); err != nil || shape.Name == "" {
		return ExtractedCall{}, false
	}
	raw := shape.Arguments
	if raw == nil {
		raw = shape.Parameters
	}
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	var native interface{}
	if err := json.Unmarshal(raw, &native); err != nil {
		return ExtractedCall{}, false
	}
	val, err := jsonvalue.FromNative(native)
	if err != nil {
		return ExtractedCall{}, false
	}
	return ExtractedCall{Name: shape.Name, Arguments: val}, true
}

// parseMistralArray implements the Mistral "[TOOL_CALLS]" form that wraps a
// JSON array of call objects.
func parseMistralArray(arrayText string) ([]ExtractedCall, bool) {
	var shapes []jsonCallShape
	if err := json.Unmarshal([]byte(arrayText), &shapes); err != nil {
		return nil, false
	}
	out := make([]ExtractedCall, 0, len(shapes))
	for _, s := range shapes {
		raw := s.Arguments
		if raw == nil {
			raw = s.Parameters
		}
		if raw == nil {
			raw = json.RawMessage("{}")
		}
		var native interface{}
		if err := json.Unmarshal(raw, &native); err != nil {
			return nil, false
		}
		val, err := jsonvalue.FromNative(native)
		if err != nil {
			return nil, false
		}
		out = append(out, ExtractedCall{Name: s.Name, Arguments: val})
	}
	return out, len(out) > 0
}

// parseMistralRepeated implements the Mistral repetitions form in which each
// call is NAME followed by a bracketed JSON object, NAME[{...}]. The
// spelling with a literal [ARGS] marker, NAME[ARGS]{...}, is not recognized.
func parseMistralRepeated(text string) []ExtractedCall {
	var out []ExtractedCall
	for _, m := range mistralCallRE.FindAllStringSubmatch(text, -1) {
		name, argsText := m[1], m[2]
		var native interface{}
		if err := json.Unmarshal([]byte(argsText), &native); err != nil {
			continue
		}
		val, err := jsonvalue.FromNative(native)
		if err != nil {
			continue
		}
		out = append(out, ExtractedCall{Name: name, Arguments: val})
	}
	return out
}

func collapseEmptyThink(s string) string {
	return emptyThinkRE.ReplaceAllString(s, "")
}

// ToAFMToolCalls assigns fresh ids and canonical, sorted-key argument
// strings to each extracted call, producing the wire shape afmapi expects.
func ToAFMToolCalls(calls []ExtractedCall) ([]afmapi.ToolCall, error) {
	out := make([]afmapi.ToolCall, 0, len(calls))
	for _, c := range calls {
		argsStr, err := c.Arguments.CanonicalString()
		if err != nil {
			return nil, err
		}
		out = append(out, afmapi.ToolCall{
			ID:   afmapi.NewToolCallID(),
			Type: "function",
			Function: afmapi.ToolCallFunc{
				Name:      c.Name,
				Arguments: argsStr,
			},
		})
	}
	return out, nil
}

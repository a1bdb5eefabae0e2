package afmapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// toolChoiceFunctionWrapper is the object shape {"type":"function",
// "function":{"name":"..."}} a client sends to pin a specific tool.
type toolChoiceFunctionWrapper struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// UnmarshalJSON accepts either a literal string ("auto"/"none"/"required")
// or the function-pinning object shape.
func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("afmapi: tool_choice string: %w", err)
		}
		*tc = ToolChoice{Mode: s}
		return nil
	}
	var wrapper toolChoiceFunctionWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("afmapi: tool_choice object: %w", err)
	}
	*tc = ToolChoice{Function: wrapper.Function.Name}
	return nil
}

// MarshalJSON renders the ToolChoice back to whichever shape it holds.
func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Function != "" {
		wrapper := toolChoiceFunctionWrapper{Type: "function"}
		wrapper.Function.Name = tc.Function
		return json.Marshal(wrapper)
	}
	return json.Marshal(tc.Mode)
}

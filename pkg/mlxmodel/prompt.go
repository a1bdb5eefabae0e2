package mlxmodel

import (
	"strings"

	"github.com/afm/gateway/pkg/afmapi"
)

const defaultSystemMessage = "You are a helpful assistant."

// chatTemplateOverride names the four hand-written templates spec.md
// §4.3.2 lists for when a tool-call-parser override is active.
type chatTemplateOverride string

const (
	templateXMLFunction chatTemplateOverride = "xml-function"
	templateHermes      chatTemplateOverride = "hermes"
	templateLlama3JSON  chatTemplateOverride = "llama3-json"
	templateMistral     chatTemplateOverride = "mistral"
)

// templateForToolCallFormat maps a detected tool-call format to the
// override template used when the caller forces tool definitions into the
// prompt (spec.md §4.3.2: "substitute one of four hand-written chat
// templates... so the model sees tool definitions in the exact format the
// chosen parser expects").
//
// DetectToolCallFormat's {xml_function, json, gemma, none} taxonomy
// (spec.md §4.3.1 step 7) is coarser than the four templates: the Hermes
// family (Qwen/Hermes-derived checkpoints) shares xml_function with
// Llama/Mistral but expects its own `<tools>` block shape, so modelType
// further discriminates within that bucket.
func templateForToolCallFormat(format ToolCallFormat, modelType string) chatTemplateOverride {
	switch format {
	case ToolCallFormatJSON:
		return templateLlama3JSON
	case ToolCallFormatGemma:
		return templateMistral
	case ToolCallFormatXMLFunction:
		if strings.Contains(strings.ToLower(modelType), "hermes") || strings.Contains(strings.ToLower(modelType), "qwen") {
			return templateHermes
		}
		return templateXMLFunction
	default:
		return templateXMLFunction
	}
}

// PromptOptions carries everything BuildPrompt needs beyond the message
// history.
type PromptOptions struct {
	Tools          []afmapi.ToolDefinition
	ToolCallFormat ToolCallFormat
	ModelType      string
	ResponseFormat *afmapi.ResponseFormat
	OverrideParser bool
}

// BuildPrompt implements spec.md §4.3.2's "Prompt construction": render the
// message history plus tool/response-format directives into a single
// chat-templated string, inserting a default system message when none was
// supplied.
func BuildPrompt(messages []afmapi.Message, opts PromptOptions) string {
	var b strings.Builder

	hasSystem := false
	for _, m := range messages {
		if m.Role == afmapi.RoleSystem || m.Role == afmapi.RoleDeveloper {
			hasSystem = true
			break
		}
	}
	if !hasSystem {
		writeSystemBlock(&b, defaultSystemMessage)
	}

	if len(opts.Tools) > 0 && opts.OverrideParser {
		writeToolDefinitions(&b, opts.Tools, templateForToolCallFormat(opts.ToolCallFormat, opts.ModelType))
	}

	for _, m := range messages {
		switch m.Role {
		case afmapi.RoleSystem, afmapi.RoleDeveloper:
			writeSystemBlock(&b, m.Content.PlainText())
		case afmapi.RoleAssistant:
			writeAssistantBlock(&b, m)
		case afmapi.RoleTool:
			writeToolResponseBlock(&b, m)
		case afmapi.RoleUser:
			writeUserBlock(&b, m)
		default:
			writeUserBlock(&b, m)
		}
	}

	if jsonInstruction := responseFormatInstruction(opts.ResponseFormat); jsonInstruction != "" {
		writeSystemBlock(&b, jsonInstruction)
	}

	b.WriteString("<|assistant|>\n")
	return b.String()
}

func writeSystemBlock(b *strings.Builder, text string) {
	b.WriteString("<|system|>\n")
	b.WriteString(text)
	b.WriteString("\n")
}

func writeUserBlock(b *strings.Builder, m afmapi.Message) {
	b.WriteString("<|user|>\n")
	if m.Content != nil && m.Content.HasImages() {
		b.WriteString("[multimodal input]\n")
	}
	b.WriteString(m.Content.PlainText())
	b.WriteString("\n")
}

// writeAssistantBlock renders tool_calls as <tool_call>{"name":...,
// "arguments":...}</tool_call> blocks per spec.md §4.3.2.
func writeAssistantBlock(b *strings.Builder, m afmapi.Message) {
	b.WriteString("<|assistant|>\n")
	if text := m.Content.PlainText(); text != "" {
		b.WriteString(text)
		b.WriteString("\n")
	}
	for _, tc := range m.ToolCalls {
		b.WriteString(`<tool_call>{"name":"`)
		b.WriteString(tc.Function.Name)
		b.WriteString(`","arguments":`)
		b.WriteString(tc.Function.Arguments)
		b.WriteString("}</tool_call>\n")
	}
}

func writeToolResponseBlock(b *strings.Builder, m afmapi.Message) {
	b.WriteString("<|tool|>\n")
	b.WriteString(`<tool_response>`)
	b.WriteString(m.Content.PlainText())
	b.WriteString("</tool_response>\n")
}

// writeToolDefinitions renders the caller's tool schemas in one of the four
// override templates, each shaped the way its corresponding tool-call
// parser expects to find them:
//
//   - xml-function: one <function=name>description</function> tag per tool,
//     matching the <function=...>...</function> call syntax Llama/Mistral
//     XML-style parsers extract from completions.
//   - hermes: a single <tools>...</tools> block holding one JSON object per
//     line, matching Hermes/Qwen's documented tool-use prompt format.
//   - llama3-json: a <|python_tag|>-prefixed JSON array of {"type":
//     "function", "function": {...}} objects, the shape Llama 3's JSON
//     tool-call mode expects.
//   - mistral: a bare bracketed JSON array of {"name","description"}
//     objects directly after <|tools|>, with no [INST] wrapper.
func writeToolDefinitions(b *strings.Builder, tools []afmapi.ToolDefinition, template chatTemplateOverride) {
	switch template {
	case templateHermes:
		b.WriteString("<tools>\n")
		for _, t := range tools {
			writeToolSpecJSON(b, t, `{"type":"function","function":`)
			b.WriteString("}\n")
		}
		b.WriteString("</tools>\n")
	case templateLlama3JSON:
		b.WriteString("<|python_tag|>[")
		for i, t := range tools {
			if i > 0 {
				b.WriteString(",")
			}
			writeToolSpecJSON(b, t, `{"type":"function","function":`)
			b.WriteString("}")
		}
		b.WriteString("]\n")
	case templateMistral:
		b.WriteString("<|tools|>[")
		for i, t := range tools {
			if i > 0 {
				b.WriteString(",")
			}
			writeToolSpecJSON(b, t, "")
		}
		b.WriteString("]\n")
	default: // templateXMLFunction
		b.WriteString("<|tools|>\n")
		for _, t := range tools {
			b.WriteString("<function=")
			b.WriteString(t.Function.Name)
			b.WriteString(">")
			b.WriteString(t.Function.Description)
			b.WriteString("</function>\n")
		}
	}
}

// writeToolSpecJSON writes prefix followed by {"name":"...","description":
// "..."} ("" leaves it bare, as mistral does); a caller that passes a
// prefix writes the matching closing brace itself.
func writeToolSpecJSON(b *strings.Builder, t afmapi.ToolDefinition, prefix string) {
	b.WriteString(prefix)
	b.WriteString(`{"name":"`)
	b.WriteString(t.Function.Name)
	b.WriteString(`","description":"`)
	b.WriteString(t.Function.Description)
	b.WriteString(`"}`)
}

// responseFormatInstruction implements spec.md §4.3.2: "If response_format
// requests JSON..., append a system instruction that forbids non-JSON
// output, optionally including a serialized schema."
func responseFormatInstruction(rf *afmapi.ResponseFormat) string {
	if rf == nil {
		return ""
	}
	switch rf.Type {
	case "json_object":
		return "Respond with a single JSON object and no other text."
	case "json_schema":
		if rf.JSONSchema == nil {
			return "Respond with a single JSON object and no other text."
		}
		schemaText, err := rf.JSONSchema.Schema.CanonicalString()
		if err != nil {
			return "Respond with a single JSON object and no other text."
		}
		return "Respond with a single JSON object and no other text, conforming exactly to this schema: " + schemaText
	default:
		return ""
	}
}

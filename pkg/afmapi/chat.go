// Package afmapi defines the OpenAI-compatible wire schemas this gateway
// accepts and emits: chat-completion requests/responses (streaming and
// non-streaming), the models/props/health endpoints, and the error
// envelope. Types here are pure data -- no behavior -- so the MLX,
// foundation, and proxy paths can all produce and consume the same shapes.
package afmapi

import (
	"crypto/rand"

	"github.com/afm/gateway/pkg/jsonvalue"
)

// Role enumerates the chat message roles spec.md §3 lists.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single chat-history entry. Content is either a plain string
// or an array of ContentPart (multimodal); exactly one of the two is set by
// the decoder, never both -- see Content.UnmarshalJSON.
type Message struct {
	Role       Role         `json:"role"`
	Content    *Content     `json:"content,omitempty"`
	ToolCalls  []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`

	// ReasoningContent carries <think>...</think> content split out from
	// user-visible content (spec.md §6: "reasoning_content on messages and
	// deltas carries <think> content separated from user-visible content").
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ContentPart is one element of a multimodal message's content array.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps an inline or remote image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// ToolCall is a single function invocation the model produced, either
// natively or via the fallback extractor (spec.md §4.3.4).
type ToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"` // always "function"
	Function ToolCallFunc  `json:"function"`
}

// ToolCallFunc holds the function name and its canonically re-serialized
// JSON-object arguments string.
type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is a caller-supplied function the model may call.
type ToolDefinition struct {
	Type     string           `json:"type"` // "function"
	Function ToolFunctionSpec `json:"function"`
}

// ToolFunctionSpec describes one callable function's name, description, and
// JSON-schema parameters.
type ToolFunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  jsonvalue.Value `json:"parameters,omitempty"`
}

// ToolChoice is either a literal string ("auto", "none", "required") or an
// object pinning a specific function; UnmarshalJSON accepts either shape
// and records it as Mode or Function.
type ToolChoice struct {
	Mode     string // "auto", "none", "required", or "" when Function is set
	Function string // set when the client pinned a specific tool
}

// ResponseFormat requests structured output: plain text, an opaque JSON
// object, or a JSON-schema-constrained object.
type ResponseFormat struct {
	Type       string          `json:"type"` // "text", "json_object", "json_schema"
	JSONSchema *JSONSchemaSpec `json:"json_schema,omitempty"`
}

// JSONSchemaSpec names and defines a response-format schema.
type JSONSchemaSpec struct {
	Name   string          `json:"name"`
	Schema jsonvalue.Value `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

// ChatCompletionRequest is the POST /v1/chat/completions request body
// (spec.md §6). Pointer fields distinguish "absent" from "explicit zero
// value", which matters for sampling parameters (a client-sent
// temperature:0 must not be treated the same as "not specified").
type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	MinP        *float64 `json:"min_p,omitempty"`

	// RepetitionPenalty and RepeatPenalty are aliases for the same
	// sampling knob. Both keep their decoded values;
	// EffectiveRepetitionPenalty picks whichever was sent.
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	RepeatPenalty     *float64 `json:"repeat_penalty,omitempty"`

	PresencePenalty *float64 `json:"presence_penalty,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`

	// MaxTokens and MaxCompletionTokens are aliases. Both keep their
	// decoded values; EffectiveMaxTokens picks whichever was sent.
	MaxTokens           *int `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int `json:"max_completion_tokens,omitempty"`

	Stop []string `json:"stop,omitempty"`

	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice *ToolChoice      `json:"tool_choice,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	Logprobs    bool `json:"logprobs,omitempty"`
	TopLogprobs *int `json:"top_logprobs,omitempty"`
}

// EffectiveRepetitionPenalty returns RepetitionPenalty, falling back to the
// repeat_penalty alias when the canonical field was not set.
func (r *ChatCompletionRequest) EffectiveRepetitionPenalty() *float64 {
	if r.RepetitionPenalty != nil {
		return r.RepetitionPenalty
	}
	return r.RepeatPenalty
}

// EffectiveMaxTokens returns MaxTokens, falling back to the
// max_completion_tokens alias when the canonical field was not set.
func (r *ChatCompletionRequest) EffectiveMaxTokens() *int {
	if r.MaxTokens != nil {
		return r.MaxTokens
	}
	return r.MaxCompletionTokens
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// CachedTokens is non-zero only when the prefix-KV-cache reuse
	// protocol (spec.md §4.3.2) served part of the prompt from the
	// prompt-cache box.
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Timings carries per-request prefill/decode timing, attached to stream
// chunks per spec.md §6.
type Timings struct {
	PromptN     int     `json:"prompt_n"`
	PromptMs    float64 `json:"prompt_ms"`
	PredictedN  int     `json:"predicted_n"`
	PredictedMs float64 `json:"predicted_ms"`
}

// LogprobContent is one token's log-probability record, OpenAI-shaped.
type LogprobContent struct {
	Token       string             `json:"token"`
	Logprob     float64            `json:"logprob"`
	Bytes       []int              `json:"bytes,omitempty"`
	TopLogprobs []TopLogprobDetail `json:"top_logprobs,omitempty"`
}

// TopLogprobDetail is one alternative-token entry within a LogprobContent.
type TopLogprobDetail struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
	Bytes   []int   `json:"bytes,omitempty"`
}

// Logprobs wraps the per-choice logprob content array.
type Logprobs struct {
	Content []LogprobContent `json:"content"`
}

// Choice is one non-streaming completion choice.
type Choice struct {
	Index        int       `json:"index"`
	Message      Message   `json:"message"`
	FinishReason string    `json:"finish_reason"`
	Logprobs     *Logprobs `json:"logprobs,omitempty"`
}

// ChatCompletionResponse is the POST /v1/chat/completions non-streaming
// response body.
type ChatCompletionResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"` // "chat.completion"
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
}

// Delta is the incremental content of one streaming chunk's choice.
type Delta struct {
	Role             Role       `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// StreamChoice is one streaming-chunk choice.
type StreamChoice struct {
	Index        int       `json:"index"`
	Delta        Delta     `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
	Logprobs     *Logprobs `json:"logprobs,omitempty"`
}

// ChatCompletionChunk is a single "chat.completion.chunk" SSE frame.
type ChatCompletionChunk struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"` // "chat.completion.chunk"
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	SystemFingerprint string         `json:"system_fingerprint,omitempty"`
	Choices           []StreamChoice `json:"choices"`
	Usage             *Usage         `json:"usage,omitempty"`
	Timings           *Timings       `json:"timings,omitempty"`
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// generateID returns n random characters drawn from idAlphabet using
// crypto/rand, the same construction the pack's GenerateID helper uses
// (grounded on the deleted pkg/responses/api.go's GenerateID/GenerateCallID,
// which built "call_" + 24 random alphanumerics for tool-call ids).
func generateID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable, a condition this process cannot recover from.
		panic("afmapi: crypto/rand unavailable: " + err.Error())
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}

// NewCompletionID returns a fresh "chatcmpl-<29 random chars>" id.
func NewCompletionID() string {
	return "chatcmpl-" + generateID(29)
}

// NewToolCallID returns a fresh "call_<24 random chars>" id, exactly the
// format spec.md §4.3.4 specifies.
func NewToolCallID() string {
	return "call_" + generateID(24)
}

// SystemFingerprintFoundation is the fixed fingerprint for on-device
// foundation-model completions (spec.md §6).
const SystemFingerprintFoundation = "afm_apple_foundation"

// SystemFingerprintMLX builds the "afm_mlx__<sanitized-id>" fingerprint for
// MLX completions.
func SystemFingerprintMLX(sanitizedModelID string) string {
	return "afm_mlx__" + sanitizedModelID
}

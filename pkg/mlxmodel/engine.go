// Package mlxmodel implements the MLX Model Service (spec.md §4.3): the
// locally managed MLX transformer runtime's lifecycle (resolve → download →
// load → generate), the prefix KV-cache reuse protocol, the streaming
// stop-sequence state machine, and the fallback tool-call extraction and
// argument-remapping pipeline.
//
// The actual tensor math (attention, sampling, weight loading) is an
// external collaborator: spec.md §1 scopes this package to "the
// inference-orchestration layer", treating execution itself as something
// an Engine implementation provides. Production wires a real MLX runtime
// behind the Engine interface; tests wire a fake one.
package mlxmodel

import (
	"context"
	"strings"
)

// KVState is an opaque per-layer key/value cache, owned by an Engine
// implementation. The service only ever clones, trims, and measures it --
// it never inspects the tensors inside.
type KVState interface {
	// Len returns the cache's current logical length in tokens.
	Len() int
	// Clone returns an independent copy so the original can keep growing
	// (or be discarded) without affecting callers holding the clone.
	Clone() KVState
	// Trim returns a copy truncated to the first n tokens. n must be <=
	// Len().
	Trim(n int) KVState
}

// SamplingParams carries the optional per-request sampling knobs spec.md
// §4.3.2 lists.
type SamplingParams struct {
	Temperature       *float64
	TopP              *float64
	TopK              *int
	MinP              *float64
	RepetitionPenalty *float64
	PresencePenalty   *float64
	Seed              *int64
	MaxTokens         *int
}

// TokenLogprob is one token's log-probability record, prior to translation
// into the OpenAI-shaped structure (spec.md §4.3.2 post-processing).
type TokenLogprob struct {
	TokenID     int
	Logprob     float64
	TopAlts     []TokenLogprobAlt
}

// TokenLogprobAlt is one alternative-token entry within a TokenLogprob.
type TokenLogprobAlt struct {
	TokenID int
	Logprob float64
}

// RawToolCall is a tool call as the engine natively emits it, before the
// service assigns a final id and canonical argument serialization.
type RawToolCall struct {
	Name      string
	Arguments string // raw JSON object text as produced by the model
}

// TokenCounts is the `info(counts)` event payload (spec.md §4.3.2).
type TokenCounts struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamEvent is one decoded event from the engine's token stream,
// dispatched by the decoding loop (spec.md §4.3.2 "Decoding loop").
// Exactly one of the typed fields is populated, mirroring the
// chunk/token_logprobs/tool_call/info tagged variant the spec describes.
type StreamEvent struct {
	Chunk        string
	TokenLogprobs []TokenLogprob
	ToolCall     *RawToolCall
	Info         *TokenCounts
}

// GenerateRequest is what the service hands the engine for one generation.
type GenerateRequest struct {
	// PromptTokens is the full templated token sequence.
	PromptTokens []int
	// ReuseState is a previously-trimmed KVState to prefill from, or nil
	// to allocate fresh state (spec.md §4.3.2 KV-cache reuse protocol).
	ReuseState KVState
	// SuffixTokens is the subset of PromptTokens the engine must actually
	// run through prefill -- the tokens after the reused prefix, or the
	// full PromptTokens when ReuseState is nil.
	SuffixTokens []int
	Sampling     SamplingParams
	Logprobs     bool
	TopLogprobs  int
}

// GenerateResult is returned once a generation finishes, carrying the
// engine's final KV state for the service to trim and box (spec.md
// §4.3.2: "After generation finishes (success only), trim the KV state
// back down to len(prompt_tokens) and save it").
type GenerateResult struct {
	FinalState KVState
}

// Engine is the boundary to the actual MLX runtime. A single Engine
// instance corresponds to one loaded model container; the service
// serializes all calls to a given Engine through Container.Perform (spec.md
// §5: "at most one generation touches the model weights at a time").
type Engine interface {
	// Tokenize converts templated prompt text into token ids.
	Tokenize(text string) ([]int, error)
	// Detokenize converts token ids back into text, used to decode
	// per-token logprob records (spec.md §4.3.2 post-processing).
	Detokenize(tokens []int) (string, error)

	// Generate starts a generation and returns a channel of StreamEvents.
	// The channel is closed when generation ends (success, error, or
	// ctx cancellation); the returned GenerateResult is only valid after
	// the channel closes with no error.
	Generate(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, *GenerateResult, error)

	// RequiredMemoryBytes estimates the unified memory a fully loaded
	// model needs, used for preflight checks and logging.
	RequiredMemoryBytes() int64
}

// ModelConfig is the subset of config.json fields ensure_loaded inspects
// (spec.md §4.3.1 steps 6-7).
type ModelConfig struct {
	ModelType        string
	HasTextConfig    bool
	HasVisionConfig  bool
	HasVisionTokenID bool
}

// DetectVision implements spec.md §4.3.1 step 6: "Detect vision model by
// probing config.json: model_type contains 'vl'/'vision'; or both
// text_config and vision_config are present; or vision-token-id fields
// exist."
func (c ModelConfig) DetectVision() bool {
	lower := strings.ToLower(c.ModelType)
	if strings.Contains(lower, "vl") || strings.Contains(lower, "vision") {
		return true
	}
	if c.HasTextConfig && c.HasVisionConfig {
		return true
	}
	return c.HasVisionTokenID
}

// ToolCallFormat is the on-the-wire convention a model uses for tool calls
// (spec.md §4.3.1 step 7, GLOSSARY).
type ToolCallFormat string

const (
	ToolCallFormatXMLFunction ToolCallFormat = "xml_function"
	ToolCallFormatJSON        ToolCallFormat = "json"
	ToolCallFormatGemma       ToolCallFormat = "gemma"
	ToolCallFormatNone        ToolCallFormat = "none"
)

// DetectToolCallFormat implements spec.md §4.3.1 step 7: "Detect tool-call
// format from model_type: one of {xml_function, json, gemma, none}."
func DetectToolCallFormat(modelType string) ToolCallFormat {
	lower := strings.ToLower(modelType)
	switch {
	case strings.Contains(lower, "gemma"):
		return ToolCallFormatGemma
	case strings.Contains(lower, "qwen"), strings.Contains(lower, "llama"),
		strings.Contains(lower, "hermes"), strings.Contains(lower, "mistral"):
		return ToolCallFormatXMLFunction
	case strings.Contains(lower, "mixtral"), strings.Contains(lower, "granite"):
		return ToolCallFormatJSON
	default:
		return ToolCallFormatNone
	}
}

package mlxmodel

import (
	"context"
	"fmt"
	"strings"

	"github.com/afm/gateway/pkg/afmapi"
	"github.com/afm/gateway/pkg/jsonvalue"
)

// ErrNoModelLoaded is returned by Complete/StreamComplete when no
// ensure_loaded call has succeeded yet.
var ErrNoModelLoaded = fmt.Errorf("mlxmodel: no model loaded")

// GenerationRequest is the subset of a chat-completion request the
// generation pipeline (spec.md §4.3.2) needs, independent of the HTTP wire
// shape.
type GenerationRequest struct {
	Messages       []afmapi.Message
	Tools          []afmapi.ToolDefinition
	ResponseFormat *afmapi.ResponseFormat
	Sampling       SamplingParams
	Stop           []string
	Logprobs       bool
	TopLogprobs    int
	FixToolArgs    bool
}

// pipelineResult is the generation pipeline's output before it is wrapped
// into the OpenAI wire shape.
type pipelineResult struct {
	Content      string
	ToolCalls    []afmapi.ToolCall
	FinishReason string
	Usage        afmapi.Usage
	Logprobs     *afmapi.Logprobs
}

func hasImageInput(messages []afmapi.Message) bool {
	for _, m := range messages {
		if m.Content != nil && m.Content.HasImages() {
			return true
		}
	}
	return false
}

// run executes spec.md §4.3.2's full pipeline: prompt construction,
// KV-cache reuse planning, the engine's decoding loop, and
// post-processing. onDelta, when non-nil, is called with each
// stop-machine-approved content fragment as it becomes available
// (StreamComplete's hook); Complete passes nil and reads the aggregate
// result instead.
func (s *Service) run(ctx context.Context, req GenerationRequest, onDelta func(string)) (pipelineResult, error) {
	container := s.CurrentContainer()
	if container == nil {
		return pipelineResult{}, ErrNoModelLoaded
	}

	promptText := BuildPrompt(req.Messages, PromptOptions{
		Tools:          req.Tools,
		ToolCallFormat: container.ToolCallFormat,
		ModelType:      container.Config.ModelType,
		ResponseFormat: req.ResponseFormat,
		OverrideParser: len(req.Tools) > 0,
	})

	tokens, err := container.Engine.Tokenize(promptText)
	if err != nil {
		return pipelineResult{}, fmt.Errorf("mlxmodel: tokenize: %w", err)
	}

	modelID := s.CurrentModelID()
	plan := s.promptCacheBox.PlanReuse(modelID, tokens, hasImageInput(req.Messages))

	// Clone and trim the boxed state to the reused prefix length, so the
	// engine prefills SuffixTokens on top of exactly ReuseLength tokens.
	reuseState := plan.ReuseState
	if reuseState != nil {
		reuseState = reuseState.Clone().Trim(plan.ReuseLength)
	}

	genReq := GenerateRequest{
		PromptTokens: tokens,
		ReuseState:   reuseState,
		SuffixTokens: plan.SuffixTokens,
		Sampling:     req.Sampling,
		Logprobs:     req.Logprobs,
		TopLogprobs:  req.TopLogprobs,
	}

	stopMachine := NewStopMachine(req.Stop)
	var content strings.Builder
	var nativeCalls []RawToolCall
	var logprobRecords []TokenLogprob
	var counts TokenCounts
	var finalState KVState
	stopped := false

	runErr := container.Perform(func(engine Engine) error {
		events, result, startErr := engine.Generate(ctx, genReq)
		if startErr != nil {
			return startErr
		}
		for ev := range events {
			switch {
			case ev.Chunk != "":
				if stopped {
					continue
				}
				emitted, didStop := stopMachine.Feed(ev.Chunk)
				if emitted != "" {
					content.WriteString(emitted)
					if onDelta != nil {
						onDelta(emitted)
					}
				}
				if didStop {
					stopped = true
				}
			case len(ev.TokenLogprobs) > 0:
				logprobRecords = append(logprobRecords, ev.TokenLogprobs...)
			case ev.ToolCall != nil:
				nativeCalls = append(nativeCalls, *ev.ToolCall)
			case ev.Info != nil:
				counts = *ev.Info
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !stopped {
			if flushed := stopMachine.Flush(); flushed != "" {
				content.WriteString(flushed)
				if onDelta != nil {
					onDelta(flushed)
				}
			}
		}
		if result != nil {
			finalState = result.FinalState
		}
		return nil
	})

	if runErr != nil {
		// spec.md §5: "the prompt cache is not updated (the suffix is
		// incomplete)" on error or cancellation -- leave the box untouched.
		return pipelineResult{}, runErr
	}

	finalContent := injectLeadingThink(promptText, content.String())

	toolCalls, remainingContent, usedFallback, err := resolveToolCalls(nativeCalls, finalContent, req.Tools, req.FixToolArgs)
	if err != nil {
		return pipelineResult{}, fmt.Errorf("mlxmodel: resolve tool calls: %w", err)
	}
	if usedFallback {
		finalContent = remainingContent
	}

	finishReason := "stop"
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}

	usage := afmapi.Usage{
		PromptTokens:     counts.PromptTokens,
		CompletionTokens: counts.CompletionTokens,
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = EstimateTokenCount(promptText)
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = EstimateTokenCount(finalContent)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if plan.ReuseLength > 0 {
		usage.CachedTokens = plan.ReuseLength
	}

	var logprobsOut *afmapi.Logprobs
	if req.Logprobs && len(logprobRecords) > 0 {
		logprobsOut = translateLogprobs(container.Engine, logprobRecords)
	}

	if finalState != nil {
		trimmed := finalState.Trim(len(tokens))
		s.promptCacheBox.Store(modelID, tokens, trimmed)
	}

	return pipelineResult{
		Content:      finalContent,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage:        usage,
		Logprobs:     logprobsOut,
	}, nil
}

// injectLeadingThink implements spec.md §4.3.2's post-processing rule: "If
// a <think> token pair appears at the very end of the templated prompt,
// inject a literal <think> into the emitted stream so downstream reasoning
// extractors can see the opening tag."
func injectLeadingThink(promptText, content string) string {
	if strings.HasSuffix(promptText, "<think>") && !strings.HasPrefix(content, "<think>") {
		return "<think>" + content
	}
	return content
}

// resolveToolCalls implements the "no tool calls were emitted by the
// backend -> run the fallback extractor" and "fix-tool-args -> run the
// argument-remapping heuristic" steps of spec.md §4.3.2.
func resolveToolCalls(native []RawToolCall, content string, tools []afmapi.ToolDefinition, fixArgs bool) ([]afmapi.ToolCall, string, bool, error) {
	schemaByName := make(map[string][]string, len(tools))
	for _, t := range tools {
		schemaByName[t.Function.Name] = schemaProperties(t.Function.Parameters)
	}

	if len(native) > 0 {
		calls := make([]afmapi.ToolCall, 0, len(native))
		for _, nc := range native {
			args, err := jsonvalue.ParseArguments(nc.Arguments)
			if err != nil {
				return nil, content, false, err
			}
			if fixArgs {
				args = RemapArguments(args, schemaByName[nc.Name])
			}
			argsStr, err := args.CanonicalString()
			if err != nil {
				return nil, content, false, err
			}
			calls = append(calls, afmapi.ToolCall{
				ID:   afmapi.NewToolCallID(),
				Type: "function",
				Function: afmapi.ToolCallFunc{
					Name:      nc.Name,
					Arguments: argsStr,
				},
			})
		}
		return calls, content, false, nil
	}

	if len(tools) == 0 {
		return nil, content, false, nil
	}

	extracted, remaining := ExtractToolCalls(content)
	if len(extracted) == 0 {
		return nil, content, false, nil
	}

	calls := make([]afmapi.ToolCall, 0, len(extracted))
	for _, ec := range extracted {
		args := ec.Arguments
		if fixArgs {
			args = RemapArguments(args, schemaByName[ec.Name])
		}
		argsStr, err := args.CanonicalString()
		if err != nil {
			return nil, content, false, err
		}
		calls = append(calls, afmapi.ToolCall{
			ID:   afmapi.NewToolCallID(),
			Type: "function",
			Function: afmapi.ToolCallFunc{
				Name:      ec.Name,
				Arguments: argsStr,
			},
		})
	}
	return calls, remaining, true, nil
}

// schemaProperties extracts the top-level property names of a JSON-schema
// `parameters` object, the schema-property list RemapArguments's suffix and
// exact-match heuristics need.
func schemaProperties(params jsonvalue.Value) []string {
	properties, ok := params.Field("properties")
	if !ok {
		return nil
	}
	fields, ok := properties.Object()
	if !ok {
		return nil
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	return names
}

// translateLogprobs implements spec.md §4.3.2's "Translate internal
// token-logprob records into the OpenAI-shaped structure, decoding each
// token id through the tokenizer."
func translateLogprobs(engine Engine, records []TokenLogprob) *afmapi.Logprobs {
	content := make([]afmapi.LogprobContent, 0, len(records))
	for _, r := range records {
		tokenText, _ := engine.Detokenize([]int{r.TokenID})
		alts := make([]afmapi.TopLogprobDetail, 0, len(r.TopAlts))
		for _, a := range r.TopAlts {
			altText, _ := engine.Detokenize([]int{a.TokenID})
			alts = append(alts, afmapi.TopLogprobDetail{Token: altText, Logprob: a.Logprob})
		}
		content = append(content, afmapi.LogprobContent{
			Token:       tokenText,
			Logprob:     r.Logprob,
			TopLogprobs: alts,
		})
	}
	return &afmapi.Logprobs{Content: content}
}

// Complete runs the non-streaming generation pipeline and assembles an
// OpenAI chat.completion response.
func (s *Service) Complete(ctx context.Context, req GenerationRequest) (*afmapi.ChatCompletionResponse, error) {
	result, err := s.run(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	resp := &afmapi.ChatCompletionResponse{
		ID:                afmapi.NewCompletionID(),
		Object:            "chat.completion",
		Model:             s.CurrentModelID(),
		SystemFingerprint: afmapi.SystemFingerprintMLX(sanitizeFingerprintID(s.CurrentModelID())),
		Choices: []afmapi.Choice{
			{
				Index:        0,
				FinishReason: result.FinishReason,
				Logprobs:     result.Logprobs,
				Message: afmapi.Message{
					Role:      afmapi.RoleAssistant,
					Content:   afmapi.TextContent(result.Content),
					ToolCalls: result.ToolCalls,
				},
			},
		},
		Usage: &result.Usage,
	}
	return resp, nil
}

// StreamComplete runs the streaming generation pipeline, invoking emit with
// one chat.completion.chunk per stop-machine-approved fragment plus a final
// finish chunk. emit receives chunks in strict monotonic order (spec.md §5).
func (s *Service) StreamComplete(ctx context.Context, req GenerationRequest, emit func(afmapi.ChatCompletionChunk) error) error {
	id := afmapi.NewCompletionID()
	modelID := s.CurrentModelID()
	fingerprint := afmapi.SystemFingerprintMLX(sanitizeFingerprintID(modelID))

	first := true
	onDelta := func(text string) {
		role := afmapi.Role("")
		if first {
			role = afmapi.RoleAssistant
			first = false
		}
		_ = emit(afmapi.ChatCompletionChunk{
			ID:                id,
			Object:            "chat.completion.chunk",
			Model:             modelID,
			SystemFingerprint: fingerprint,
			Choices: []afmapi.StreamChoice{
				{
					Index: 0,
					Delta: afmapi.Delta{Role: role, Content: text},
				},
			},
		})
	}

	result, err := s.run(ctx, req, onDelta)
	if err != nil {
		return err
	}

	finishReason := result.FinishReason
	return emit(afmapi.ChatCompletionChunk{
		ID:                id,
		Object:            "chat.completion.chunk",
		Model:             modelID,
		SystemFingerprint: fingerprint,
		Choices: []afmapi.StreamChoice{
			{
				Index:        0,
				Delta:        afmapi.Delta{ToolCalls: result.ToolCalls},
				FinishReason: &finishReason,
			},
		},
		Usage: &result.Usage,
	})
}

// sanitizeFingerprintID lowercases and replaces path separators, matching
// the "sanitized-id" spec.md §6 describes for the afm_mlx__ fingerprint.
func sanitizeFingerprintID(modelID string) string {
	replacer := strings.NewReplacer("/", "-", " ", "-")
	return strings.ToLower(replacer.Replace(modelID))
}

package mlxmodel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afm/gateway/pkg/afmapi"
	"github.com/afm/gateway/pkg/jsonvalue"
)

type fakeEngine struct {
	chunks    []string
	toolCalls []RawToolCall
	counts    TokenCounts
	genErr    error
	lastReq   GenerateRequest
}

func (f *fakeEngine) Tokenize(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int(r))
	}
	return tokens, nil
}

func (f *fakeEngine) Detokenize(tokens []int) (string, error) {
	var out []rune
	for _, t := range tokens {
		out = append(out, rune(t))
	}
	return string(out), nil
}

func (f *fakeEngine) Generate(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, *GenerateResult, error) {
	f.lastReq = req
	if f.genErr != nil {
		return nil, nil, f.genErr
	}
	ch := make(chan StreamEvent, len(f.chunks)+len(f.toolCalls)+1)
	for _, c := range f.chunks {
		ch <- StreamEvent{Chunk: c}
	}
	for _, tc := range f.toolCalls {
		tc := tc
		ch <- StreamEvent{ToolCall: &tc}
	}
	ch <- StreamEvent{Info: &f.counts}
	close(ch)
	return ch, &GenerateResult{FinalState: &fakeKVState{len: len(req.PromptTokens)}}, nil
}

func (f *fakeEngine) RequiredMemoryBytes() int64 { return 0 }

func serviceWithLoadedFakeEngine(t *testing.T, engine *fakeEngine) *Service {
	t.Helper()
	root := t.TempDir()
	writeFakeWeights(t, root, "myorg", "mymodel", "qwen2")
	svc := newTestService(t, root, func(weightDir string, cfg ModelConfig) (Engine, error) {
		return engine, nil
	})
	require.NoError(t, svc.EnsureLoaded(context.Background(), "myorg/mymodel", nil, nil))
	return svc
}

func TestCompleteReturnsContentAndUsage(t *testing.T) {
	engine := &fakeEngine{chunks: []string{"hello ", "world"}}
	svc := serviceWithLoadedFakeEngine(t, engine)

	resp, err := svc.Complete(context.Background(), GenerationRequest{
		Messages: []afmapi.Message{{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "hello world", resp.Choices[0].Message.Content.PlainText())
	require.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
}

func TestCompleteAppliesStopSequence(t *testing.T) {
	engine := &fakeEngine{chunks: []string{"hello END", " world"}}
	svc := serviceWithLoadedFakeEngine(t, engine)

	resp, err := svc.Complete(context.Background(), GenerationRequest{
		Messages: []afmapi.Message{{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")}},
		Stop:     []string{"END"},
	})
	require.NoError(t, err)
	require.Equal(t, "hello ", resp.Choices[0].Message.Content.PlainText())
	require.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestCompleteRunsFallbackExtractionWhenNoNativeToolCalls(t *testing.T) {
	engine := &fakeEngine{chunks: []string{`<tool_call><function=f><parameter=a>1</parameter></function></tool_call>`}}
	svc := serviceWithLoadedFakeEngine(t, engine)

	resp, err := svc.Complete(context.Background(), GenerationRequest{
		Messages: []afmapi.Message{{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")}},
		Tools: []afmapi.ToolDefinition{
			{Type: "function", Function: afmapi.ToolFunctionSpec{Name: "f"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "", resp.Choices[0].Message.Content.PlainText())
	require.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	require.Equal(t, "f", resp.Choices[0].Message.ToolCalls[0].Function.Name)
	require.Equal(t, `{"a":"1"}`, resp.Choices[0].Message.ToolCalls[0].Function.Arguments)
}

func TestCompleteUsesNativeToolCallsWhenPresent(t *testing.T) {
	engine := &fakeEngine{
		chunks:    []string{"ignored trailing text"},
		toolCalls: []RawToolCall{{Name: "f", Arguments: `{"path":"/x"}`}},
	}
	svc := serviceWithLoadedFakeEngine(t, engine)

	resp, err := svc.Complete(context.Background(), GenerationRequest{
		Messages: []afmapi.Message{{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")}},
		Tools: []afmapi.ToolDefinition{
			{Type: "function", Function: afmapi.ToolFunctionSpec{Name: "f"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	require.Equal(t, `{"path":"/x"}`, resp.Choices[0].Message.ToolCalls[0].Function.Arguments)
}

func TestCompleteRemapsArgumentsWhenFixToolArgsSet(t *testing.T) {
	engine := &fakeEngine{
		toolCalls: []RawToolCall{{Name: "f", Arguments: `{"path":"/x"}`}},
	}
	svc := serviceWithLoadedFakeEngine(t, engine)

	schema := jsonvalue.Object(map[string]jsonvalue.Value{
		"properties": jsonvalue.Object(map[string]jsonvalue.Value{
			"filePath": jsonvalue.Object(map[string]jsonvalue.Value{
				"type": jsonvalue.String("string"),
			}),
		}),
	})

	resp, completeErr := svc.Complete(context.Background(), GenerationRequest{
		Messages: []afmapi.Message{{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")}},
		Tools: []afmapi.ToolDefinition{
			{Type: "function", Function: afmapi.ToolFunctionSpec{
				Name:       "f",
				Parameters: schema,
			}},
		},
		FixToolArgs: true,
	})
	require.NoError(t, completeErr)
	require.Equal(t, `{"filePath":"/x"}`, resp.Choices[0].Message.ToolCalls[0].Function.Arguments)
}

func TestStreamCompleteEmitsChunksInOrderThenFinish(t *testing.T) {
	engine := &fakeEngine{chunks: []string{"a", "b", "c"}}
	svc := serviceWithLoadedFakeEngine(t, engine)

	var deltas []string
	var finishReasons []string
	err := svc.StreamComplete(context.Background(), GenerationRequest{
		Messages: []afmapi.Message{{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")}},
	}, func(chunk afmapi.ChatCompletionChunk) error {
		if chunk.Choices[0].Delta.Content != "" {
			deltas = append(deltas, chunk.Choices[0].Delta.Content)
		}
		if chunk.Choices[0].FinishReason != nil {
			finishReasons = append(finishReasons, *chunk.Choices[0].FinishReason)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, deltas)
	require.Equal(t, []string{"stop"}, finishReasons)
}

func TestCompleteErrorsWithoutLoadedModel(t *testing.T) {
	root := t.TempDir()
	svc := newTestService(t, root, func(weightDir string, cfg ModelConfig) (Engine, error) {
		return &fakeEngine{}, nil
	})
	_, err := svc.Complete(context.Background(), GenerationRequest{})
	require.ErrorIs(t, err, ErrNoModelLoaded)
}


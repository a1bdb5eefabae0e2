package mlxmodel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afm/gateway/pkg/afmapi"
)

func TestBuildPromptInsertsDefaultSystemMessage(t *testing.T) {
	prompt := BuildPrompt([]afmapi.Message{
		{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")},
	}, PromptOptions{})
	require.Contains(t, prompt, defaultSystemMessage)
}

func TestBuildPromptSkipsDefaultWhenSystemPresent(t *testing.T) {
	prompt := BuildPrompt([]afmapi.Message{
		{Role: afmapi.RoleSystem, Content: afmapi.TextContent("custom instructions")},
		{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")},
	}, PromptOptions{})
	require.NotContains(t, prompt, defaultSystemMessage)
	require.Contains(t, prompt, "custom instructions")
}

func TestBuildPromptRendersAssistantToolCalls(t *testing.T) {
	prompt := BuildPrompt([]afmapi.Message{
		{
			Role: afmapi.RoleAssistant,
			ToolCalls: []afmapi.ToolCall{
				{Function: afmapi.ToolCallFunc{Name: "f", Arguments: `{"a":1}`}},
			},
		},
	}, PromptOptions{})
	require.Contains(t, prompt, `<tool_call>{"name":"f","arguments":{"a":1}}</tool_call>`)
}

func TestBuildPromptRendersToolResponse(t *testing.T) {
	prompt := BuildPrompt([]afmapi.Message{
		{Role: afmapi.RoleTool, Content: afmapi.TextContent(`{"result":1}`)},
	}, PromptOptions{})
	require.Contains(t, prompt, `<tool_response>{"result":1}</tool_response>`)
}

func TestBuildPromptAppendsJSONObjectInstruction(t *testing.T) {
	prompt := BuildPrompt([]afmapi.Message{
		{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")},
	}, PromptOptions{ResponseFormat: &afmapi.ResponseFormat{Type: "json_object"}})
	require.Contains(t, strings.ToLower(prompt), "json")
}

func TestBuildPromptFlagsMultimodalUserMessage(t *testing.T) {
	prompt := BuildPrompt([]afmapi.Message{
		{Role: afmapi.RoleUser, Content: afmapi.PartsContent([]afmapi.ContentPart{
			{Type: "image_url", ImageURL: &afmapi.ImageURL{URL: "https://example.com/x.png"}},
		})},
	}, PromptOptions{})
	require.Contains(t, prompt, "[multimodal input]")
}

func TestDetectToolCallFormat(t *testing.T) {
	require.Equal(t, ToolCallFormatXMLFunction, DetectToolCallFormat("qwen2"))
	require.Equal(t, ToolCallFormatGemma, DetectToolCallFormat("gemma2"))
	require.Equal(t, ToolCallFormatJSON, DetectToolCallFormat("granite-moe"))
	require.Equal(t, ToolCallFormatNone, DetectToolCallFormat("phi3"))
}

func toolPrompt(format ToolCallFormat, modelType string) string {
	return BuildPrompt([]afmapi.Message{
		{Role: afmapi.RoleUser, Content: afmapi.TextContent("hi")},
	}, PromptOptions{
		Tools: []afmapi.ToolDefinition{
			{Function: afmapi.ToolFunctionSpec{Name: "get_weather", Description: "Get the weather"}},
		},
		ToolCallFormat: format,
		ModelType:      modelType,
		OverrideParser: true,
	})
}

func TestWriteToolDefinitionsRendersFourDistinctTemplates(t *testing.T) {
	xmlFunction := toolPrompt(ToolCallFormatXMLFunction, "llama")
	hermes := toolPrompt(ToolCallFormatXMLFunction, "qwen2")
	llama3JSON := toolPrompt(ToolCallFormatJSON, "granite")
	mistral := toolPrompt(ToolCallFormatGemma, "gemma2")

	require.Contains(t, xmlFunction, "<function=get_weather>")
	require.Contains(t, hermes, "<tools>")
	require.Contains(t, hermes, `{"type":"function","function":{"name":"get_weather"`)
	require.Contains(t, llama3JSON, "<|python_tag|>[")
	require.Contains(t, llama3JSON, `{"type":"function","function":{"name":"get_weather"`)
	require.Contains(t, mistral, "<|tools|>[")
	require.NotContains(t, mistral, `"type":"function"`)

	rendered := []string{xmlFunction, hermes, llama3JSON, mistral}
	for i := range rendered {
		for j := range rendered {
			if i == j {
				continue
			}
			require.NotEqual(t, rendered[i], rendered[j], "templates %d and %d rendered identically", i, j)
		}
	}
}

func TestTemplateForToolCallFormatReachesHermes(t *testing.T) {
	require.Equal(t, templateHermes, templateForToolCallFormat(ToolCallFormatXMLFunction, "NousResearch-Hermes-2"))
	require.Equal(t, templateXMLFunction, templateForToolCallFormat(ToolCallFormatXMLFunction, "llama3"))
}

func TestDetectVision(t *testing.T) {
	require.True(t, ModelConfig{ModelType: "qwen2-vl"}.DetectVision())
	require.True(t, ModelConfig{HasTextConfig: true, HasVisionConfig: true}.DetectVision())
	require.True(t, ModelConfig{HasVisionTokenID: true}.DetectVision())
	require.False(t, ModelConfig{ModelType: "qwen2"}.DetectVision())
}

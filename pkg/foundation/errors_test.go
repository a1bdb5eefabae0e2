package foundation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyErrorContextWindowExceeded(t *testing.T) {
	raw := fmt.Errorf("generation failed: context window exceeded: 4,500 tokens provided, maximum 4,096")
	classified := ClassifyError(raw)

	var cwe *ContextWindowExceededError
	require.ErrorAs(t, classified, &cwe)
	require.Equal(t, 4500, cwe.Provided)
	require.Equal(t, 4096, cwe.Maximum)
}

func TestClassifyErrorContextWindowExceededWithoutCounts(t *testing.T) {
	raw := fmt.Errorf("context window exceeded")
	classified := ClassifyError(raw)
	var cwe *ContextWindowExceededError
	require.ErrorAs(t, classified, &cwe)
	require.Equal(t, 0, cwe.Provided)
}

func TestClassifyErrorGuardrail(t *testing.T) {
	raw := fmt.Errorf("response blocked by guardrail: unsafe content detected in output")
	classified := ClassifyError(raw)
	var g *GuardrailError
	require.ErrorAs(t, classified, &g)
	require.Contains(t, g.DebugMessage, "guardrail")
}

func TestClassifyErrorUnsafeContentAlone(t *testing.T) {
	raw := fmt.Errorf("request rejected: unsafe content")
	classified := ClassifyError(raw)
	var g *GuardrailError
	require.ErrorAs(t, classified, &g)
}

func TestClassifyErrorPassesThroughUnmatched(t *testing.T) {
	raw := fmt.Errorf("some other backend failure")
	classified := ClassifyError(raw)
	require.Equal(t, raw, classified)
}

func TestClassifyErrorNil(t *testing.T) {
	require.Nil(t, ClassifyError(nil))
}

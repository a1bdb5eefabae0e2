package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afm/gateway/pkg/logging"
)

func testLogger() logging.Logger {
	return logging.NewLogrusAdapter(newSilentLogrus())
}

func TestProbeOneParsesDataAndModelsVariant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer "+BearerToken, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{"id": "llama3", "owned_by": "ollama", "created": 100},
			},
			"models": []map[string]interface{}{
				{"model": "llama3", "capabilities": []string{"tools"}},
			},
		})
	}))
	defer server.Close()

	d := NewDiscovery(testLogger(), server.Client(), 0)
	backend, ok := d.probeOne(contextBackground(), "test", server.URL, KnownBackendProbeTimeout)
	require.True(t, ok)
	require.Equal(t, "test", backend.Name)
	require.Len(t, backend.Models, 1)
	require.Equal(t, "llama3", backend.Models[0].OriginalID)
	require.Equal(t, DisplayID("llama3", "test"), backend.Models[0].DisplayID)
	require.Equal(t, []string{"completion", "tools"}, backend.Models[0].Capabilities)
}

func TestProbeOneRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDiscovery(testLogger(), server.Client(), 0)
	_, ok := d.probeOne(contextBackground(), "test", server.URL, KnownBackendProbeTimeout)
	require.False(t, ok)
}

func TestSnapshotModelLookup(t *testing.T) {
	snap := &Snapshot{Backends: []Backend{
		{Name: "Ollama", BaseURL: "http://localhost:11434", Models: []BackendModel{
			{DisplayID: DisplayID("llama3", "Ollama"), OriginalID: "llama3"},
		}},
	}}
	backend, model, ok := snap.ModelLookup(DisplayID("llama3", "Ollama"))
	require.True(t, ok)
	require.Equal(t, "Ollama", backend.Name)
	require.Equal(t, "llama3", model.OriginalID)

	// The bare original id, without the backend suffix, must not resolve --
	// routing is by display_id only (spec.md Testable Property 8).
	_, _, ok = snap.ModelLookup("llama3")
	require.False(t, ok)

	_, _, ok = snap.ModelLookup("missing")
	require.False(t, ok)
}

func TestRefreshIfStaleSkipsWhenRecent(t *testing.T) {
	d := NewDiscovery(testLogger(), http.DefaultClient, 0)
	d.lastScan = time.Now()
	before := d.Current()
	d.RefreshIfStale(contextBackground())
	require.Same(t, before, d.Current())
}

func TestMergeCapabilitiesDedupes(t *testing.T) {
	merged := mergeCapabilities([]string{"tools"}, []string{"tools", "vision"})
	require.Equal(t, []string{"tools", "vision"}, merged)
}

func TestEnrichOllamaScansForContextLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"capabilities": []string{"tools"},
			"model_info":   map[string]interface{}{"llama.context_length": 8192},
		})
	}))
	defer server.Close()

	d := NewDiscovery(testLogger(), server.Client(), 0)
	model := &BackendModel{OriginalID: "llama3", Capabilities: []string{CompletionCapability}}
	d.enrichOllama(contextBackground(), server.URL, model)
	require.Contains(t, model.Capabilities, "completion")
	require.Contains(t, model.Capabilities, "tools")
	require.Contains(t, model.Capabilities, "context_length")
}

func TestEnrichLMStudioAddsContextLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"type":               "llm",
			"capabilities":       []string{"vision"},
			"max_context_length": 4096,
		})
	}))
	defer server.Close()

	d := NewDiscovery(testLogger(), server.Client(), 0)
	model := &BackendModel{OriginalID: "some/model id", Capabilities: []string{CompletionCapability}}
	d.enrichLMStudio(contextBackground(), server.URL, model)
	require.Contains(t, model.Capabilities, "completion")
	require.Contains(t, model.Capabilities, "vision")
	require.Contains(t, model.Capabilities, "context_length")
}

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/afm/gateway/pkg/internal/utils"
	"github.com/afm/gateway/pkg/logging"
	"github.com/afm/gateway/pkg/middleware"
)

// NonStreamingProxyTimeout bounds a non-streaming proxied completion
// (spec.md §5).
const NonStreamingProxyTimeout = 120 * time.Second

// StreamingProxyTimeout bounds a streaming proxied completion (spec.md §5).
const StreamingProxyTimeout = 300 * time.Second

// ollamaSamplingKeys are the non-standard top-level sampling keys the
// proxy repacks into Ollama's "options" sub-object (spec.md §4.6).
var ollamaSamplingKeys = []string{
	"top_k", "min_p", "repeat_penalty", "repeat_last_n", "typical_p",
	"mirostat", "mirostat_tau", "mirostat_eta", "num_predict", "tfs_z",
}

// Proxy implements proxy_request / proxy_streaming_request (spec.md §4.6).
// It remembers the last model it proxied to so a model switch on the next
// request triggers history stripping.
type Proxy struct {
	log        logging.Logger
	httpClient *http.Client

	mu              sync.Mutex
	lastProxyModel  string
}

// NewProxy constructs a Proxy. A nil httpClient uses http.DefaultClient.
func NewProxy(log logging.Logger, httpClient *http.Client) *Proxy {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Proxy{log: logging.Component(log, "proxy"), httpClient: httpClient}
}

// stripHistoryFlag reports whether originalModelID differs from the last
// model this Proxy forwarded to, updating the remembered model as a side
// effect (spec.md §4.6: "a last-proxied-model field is maintained... When
// the incoming request's original_model_id differs from the last, set a
// strip-history flag").
func (p *Proxy) stripHistoryFlag(originalModelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	strip := p.lastProxyModel != "" && p.lastProxyModel != originalModelID
	p.lastProxyModel = originalModelID
	return strip
}

// rewriteBody implements the body-rewrite step of spec.md §4.6: replace
// "model" with originalModelID, optionally strip history to
// system-messages-plus-last-user-message, and for Ollama repack
// non-standard sampling keys into an "options" sub-object.
func rewriteBody(body []byte, originalModelID, backendName string, stripHistory bool) ([]byte, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("gateway: proxy body is not valid JSON: %w", err)
	}

	decoded["model"] = originalModelID

	if stripHistory {
		if messages, ok := decoded["messages"].([]interface{}); ok {
			decoded["messages"] = stripToSystemAndLastUser(messages)
		}
	}

	if backendName == "Ollama" {
		options, _ := decoded["options"].(map[string]interface{})
		if options == nil {
			options = map[string]interface{}{}
		}
		for _, key := range ollamaSamplingKeys {
			if strings.HasPrefix(key, "mirostat") {
				for k, v := range decoded {
					if strings.HasPrefix(k, "mirostat") {
						options[k] = v
						delete(decoded, k)
					}
				}
				continue
			}
			if v, ok := decoded[key]; ok {
				options[key] = v
				delete(decoded, key)
			}
		}
		if v, ok := decoded["temperature"]; ok {
			options["temperature"] = v
		}
		if v, ok := decoded["seed"]; ok {
			options["seed"] = v
		}
		if len(options) > 0 {
			decoded["options"] = options
		}

		if stream, ok := decoded["stream"].(bool); ok && stream {
			decoded["stream_options"] = map[string]interface{}{"include_usage": true}
		}
	}

	return json.Marshal(decoded)
}

func stripToSystemAndLastUser(messages []interface{}) []interface{} {
	kept := make([]interface{}, 0, len(messages))
	var lastUser interface{}
	for _, m := range messages {
		obj, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		switch obj["role"] {
		case "system", "developer":
			kept = append(kept, m)
		case "user":
			lastUser = m
		}
	}
	if lastUser != nil {
		kept = append(kept, lastUser)
	}
	return kept
}

// statusErrorMessage maps a non-2xx proxied status code to a fixed
// user-facing explanation (spec.md §4.6).
func statusErrorMessage(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "the backend rejected the request's credentials"
	case status == http.StatusForbidden:
		return "the backend refused access to the requested model"
	case status == http.StatusNotFound:
		return "the backend does not have the requested model loaded"
	case status >= 500:
		return "the backend encountered an internal error"
	default:
		return fmt.Sprintf("the backend returned an unexpected status (%d)", status)
	}
}

// ProxyRequest performs a non-streaming proxied completion (spec.md
// §4.6's proxy_request).
func (p *Proxy) ProxyRequest(ctx context.Context, baseURL, originalModelID, backendName string, body []byte) (int, []byte, error) {
	strip := p.stripHistoryFlag(originalModelID)
	rewritten, err := rewriteBody(body, originalModelID, backendName, strip)
	if err != nil {
		return 0, nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, NonStreamingProxyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(rewritten))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+BearerToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.WithError(err).Warnf("backend unreachable: model=%s backend=%s", utils.SanitizeForLog(originalModelID), utils.SanitizeForLog(backendName))
		return 0, nil, fmt.Errorf("gateway: backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode >= 300 {
		p.log.Warnf("backend returned non-2xx: model=%s backend=%s status=%d", utils.SanitizeForLog(originalModelID), utils.SanitizeForLog(backendName), resp.StatusCode)
	}
	return resp.StatusCode, respBody, nil
}

// ProxyStreamingRequest performs a streaming proxied completion, writing
// SSE frames to w via middleware.SSEWriter and applying the timing
// injection described in spec.md §4.6.
func (p *Proxy) ProxyStreamingRequest(ctx context.Context, w http.ResponseWriter, baseURL, originalModelID, backendName string, body []byte) error {
	strip := p.stripHistoryFlag(originalModelID)
	rewritten, err := rewriteBody(body, originalModelID, backendName, strip)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, StreamingProxyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(rewritten))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+BearerToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.WithError(err).Warnf("backend unreachable: model=%s backend=%s", utils.SanitizeForLog(originalModelID), utils.SanitizeForLog(backendName))
		return p.writeDiagnostic(w, fmt.Sprintf("the backend is unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.log.Warnf("backend returned non-2xx: model=%s backend=%s status=%d", utils.SanitizeForLog(originalModelID), utils.SanitizeForLog(backendName), resp.StatusCode)
		return p.writeDiagnostic(w, statusErrorMessage(resp.StatusCode))
	}

	sse, err := middleware.NewSSEWriter(w)
	if err != nil {
		return err
	}

	streamStart := time.Now()
	var firstTokenTime time.Time
	var lastDataLine []byte
	var observedUsage json.RawMessage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		payload, ok := bytes.CutPrefix(trimmed, []byte("data: "))
		if !ok {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}

		if firstTokenTime.IsZero() {
			firstTokenTime = time.Now()
		}
		if lastDataLine != nil {
			if err := sse.WriteData(lastDataLine); err != nil {
				return err
			}
		}
		lastDataLine = append([]byte(nil), payload...)

		var chunk struct {
			Usage json.RawMessage `json:"usage"`
		}
		if json.Unmarshal(payload, &chunk) == nil && chunk.Usage != nil {
			observedUsage = chunk.Usage
		}
	}

	if lastDataLine != nil {
		augmented, _ := injectTimings(lastDataLine, streamStart, firstTokenTime, observedUsage)
		if err := sse.WriteData(augmented); err != nil {
			return err
		}
	}

	return sse.WriteDone()
}

func (p *Proxy) writeDiagnostic(w http.ResponseWriter, message string) error {
	sse, err := middleware.NewSSEWriter(w)
	if err != nil {
		return err
	}
	chunk := map[string]interface{}{
		"object": "chat.completion.chunk",
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"delta": map[string]string{"content": message},
			},
		},
	}
	payload, _ := json.Marshal(chunk)
	if err := sse.WriteData(payload); err != nil {
		return err
	}

	finish := "stop"
	finishChunk := map[string]interface{}{
		"object": "chat.completion.chunk",
		"choices": []map[string]interface{}{
			{"index": 0, "delta": map[string]string{}, "finish_reason": finish},
		},
	}
	payload, _ = json.Marshal(finishChunk)
	if err := sse.WriteData(payload); err != nil {
		return err
	}
	return sse.WriteDone()
}

// injectTimings implements spec.md §4.6's "Streaming timing injection":
// if the last observed data line lacks a timings field, compute one from
// proxy wall-clock observations and re-marshal the line with it attached.
func injectTimings(lastLine []byte, streamStart, firstTokenTime time.Time, usage json.RawMessage) ([]byte, bool) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(lastLine, &decoded); err != nil {
		return lastLine, false
	}
	if _, hasTimings := decoded["timings"]; hasTimings {
		return lastLine, false
	}
	if firstTokenTime.IsZero() {
		firstTokenTime = streamStart
	}

	timings := map[string]interface{}{
		"prompt_ms":    float64(firstTokenTime.Sub(streamStart).Milliseconds()),
		"predicted_ms": float64(time.Since(firstTokenTime).Milliseconds()),
	}
	if usage != nil {
		var u struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		}
		if json.Unmarshal(usage, &u) == nil {
			timings["prompt_n"] = u.PromptTokens
			timings["predicted_n"] = u.CompletionTokens
		}
	}
	decoded["timings"] = timings

	out, err := json.Marshal(decoded)
	if err != nil {
		return lastLine, false
	}
	return out, true
}

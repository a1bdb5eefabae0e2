package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/afm/gateway/pkg/afmapi"
	"github.com/afm/gateway/pkg/foundation"
	"github.com/afm/gateway/pkg/internal/utils"
	"github.com/afm/gateway/pkg/logging"
	"github.com/afm/gateway/pkg/mlxcache"
	"github.com/afm/gateway/pkg/mlxmodel"
)

// FoundationModelID is the fixed model identifier routed to the Foundation
// Session Service rather than MLX or a proxied backend.
const FoundationModelID = "foundation"

// Route identifies which backend handles one chat-completion request
// (spec.md §2: "dispatches to {foundation | mlx | proxy(backend)}").
type Route int

const (
	RouteFoundation Route = iota
	RouteMLX
	RouteProxy
)

// RoutingDecision is the outcome of classifying an incoming model id.
type RoutingDecision struct {
	Route       Route
	MLXModelID  string // normalized id, set when Route == RouteMLX
	ProxyTarget Backend
	ProxyModel  BackendModel
}

// Router dispatches chat-completion requests to the Foundation session,
// the MLX model service, or a discovered backend proxy (spec.md §2).
type Router struct {
	log        logging.Logger
	shared     *foundation.SharedSession
	mlx        *mlxmodel.Service
	discovery  *Discovery
	proxy      *Proxy
	version    string
}

// NewRouter wires the three dispatch targets together.
func NewRouter(log logging.Logger, shared *foundation.SharedSession, mlx *mlxmodel.Service, discovery *Discovery, proxy *Proxy, version string) *Router {
	return &Router{
		log:       logging.Component(log, "router"),
		shared:    shared,
		mlx:       mlx,
		discovery: discovery,
		proxy:     proxy,
		version:   version,
	}
}

// Classify decides how to route req.Model (spec.md §2: "the router
// inspects the model field"). A model id matching a backend's currently
// discovered model list is proxied; FoundationModelID routes to the
// on-device session; everything else is treated as an MLX model reference.
func (rt *Router) Classify(modelID string) RoutingDecision {
	if modelID == "" || modelID == FoundationModelID {
		return RoutingDecision{Route: RouteFoundation}
	}

	rt.discovery.RefreshIfStale(context.Background())
	if backend, model, ok := rt.discovery.Current().ModelLookup(modelID); ok {
		return RoutingDecision{Route: RouteProxy, ProxyTarget: backend, ProxyModel: model}
	}

	return RoutingDecision{Route: RouteMLX, MLXModelID: mlxcache.Normalize(modelID)}
}

// HandleChatCompletion is the POST /v1/chat/completions entry point.
func (rt *Router) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, afmapi.ErrorTypeInvalidRequest, "", err.Error())
		return
	}

	var req afmapi.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, afmapi.ErrorTypeInvalidRequest, "", "malformed JSON request body")
		return
	}

	decision := rt.Classify(req.Model)
	rt.log.Debugf("routed chat completion: model=%s route=%d", utils.SanitizeForLog(req.Model), decision.Route)
	switch decision.Route {
	case RouteFoundation:
		rt.handleFoundation(w, r, req)
	case RouteMLX:
		rt.handleMLX(w, r, req, req.Model)
	case RouteProxy:
		rt.handleProxy(w, r, body, req, decision)
	}
}

func (rt *Router) handleFoundation(w http.ResponseWriter, r *http.Request, req afmapi.ChatCompletionRequest) {
	session := rt.shared.Get()
	if session == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "", "no foundation session loaded")
		return
	}

	prompt := foundationPromptFromMessages(req.Messages)
	randomness := foundation.Randomness{Mode: foundation.ModeGreedy}

	if !req.Stream {
		text, err := session.Respond(r.Context(), prompt, randomness)
		if err != nil {
			rt.log.WithError(err).Warn("foundation session request failed")
			writeClassifiedError(w, err)
			return
		}
		resp := &afmapi.ChatCompletionResponse{
			ID:                afmapi.NewCompletionID(),
			Object:            "chat.completion",
			Model:             FoundationModelID,
			SystemFingerprint: afmapi.SystemFingerprintFoundation,
			Choices: []afmapi.Choice{{
				Index:        0,
				FinishReason: "stop",
				Message:      afmapi.Message{Role: afmapi.RoleAssistant, Content: afmapi.TextContent(text)},
			}},
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ch, err := session.StreamResponse(r.Context(), prompt, randomness)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}

	sse, err := newSSE(w)
	if err != nil {
		return
	}
	id := afmapi.NewCompletionID()
	first := true
	for fragment := range ch {
		role := afmapi.Role("")
		if first {
			role = afmapi.RoleAssistant
			first = false
		}
		chunk := afmapi.ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Model: FoundationModelID,
			SystemFingerprint: afmapi.SystemFingerprintFoundation,
			Choices:           []afmapi.StreamChoice{{Index: 0, Delta: afmapi.Delta{Role: role, Content: fragment}}},
		}
		payload, _ := json.Marshal(chunk)
		if err := sse.WriteData(payload); err != nil {
			return
		}
	}
	finish := "stop"
	finishChunk := afmapi.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Model: FoundationModelID,
		SystemFingerprint: afmapi.SystemFingerprintFoundation,
		Choices:           []afmapi.StreamChoice{{Index: 0, FinishReason: &finish}},
	}
	payload, _ := json.Marshal(finishChunk)
	if err := sse.WriteData(payload); err != nil {
		return
	}
	_ = sse.WriteDone()
}

func foundationPromptFromMessages(messages []afmapi.Message) string {
	var prompt string
	for _, m := range messages {
		if m.Content == nil {
			continue
		}
		prompt += string(m.Role) + ": " + m.Content.PlainText() + "\n"
	}
	return prompt
}

func (rt *Router) handleMLX(w http.ResponseWriter, r *http.Request, req afmapi.ChatCompletionRequest, modelID string) {
	if err := rt.mlx.EnsureLoaded(r.Context(), modelID, nil, nil); err != nil {
		writeError(w, http.StatusServiceUnavailable, "session_creation_failed", "", err.Error())
		return
	}

	genReq := mlxmodel.GenerationRequest{
		Messages:       req.Messages,
		Tools:          req.Tools,
		ResponseFormat: req.ResponseFormat,
		Stop:           req.Stop,
		Logprobs:       req.Logprobs,
		Sampling: mlxmodel.SamplingParams{
			Temperature:       req.Temperature,
			TopP:              req.TopP,
			TopK:              req.TopK,
			MinP:              req.MinP,
			RepetitionPenalty: req.EffectiveRepetitionPenalty(),
			PresencePenalty:   req.PresencePenalty,
			Seed:              req.Seed,
			MaxTokens:         req.EffectiveMaxTokens(),
		},
	}
	if req.TopLogprobs != nil {
		genReq.TopLogprobs = *req.TopLogprobs
	}

	if !req.Stream {
		resp, err := rt.mlx.Complete(r.Context(), genReq)
		if err != nil {
			rt.log.WithError(err).Warnf("mlx generation failed: model=%s", utils.SanitizeForLog(modelID))
			writeClassifiedMLXError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sse, err := newSSE(w)
	if err != nil {
		return
	}
	err = rt.mlx.StreamComplete(r.Context(), genReq, func(chunk afmapi.ChatCompletionChunk) error {
		payload, marshalErr := json.Marshal(chunk)
		if marshalErr != nil {
			return marshalErr
		}
		return sse.WriteData(payload)
	})
	if err != nil {
		return
	}
	_ = sse.WriteDone()
}

func (rt *Router) handleProxy(w http.ResponseWriter, r *http.Request, body []byte, req afmapi.ChatCompletionRequest, decision RoutingDecision) {
	originalModelID := decision.ProxyModel.OriginalID
	if !req.Stream {
		status, respBody, err := rt.proxy.ProxyRequest(r.Context(), decision.ProxyTarget.BaseURL, originalModelID, decision.ProxyTarget.Name, body)
		if err != nil {
			writeError(w, http.StatusBadGateway, "backend_unreachable", "", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(respBody)
		return
	}

	_ = rt.proxy.ProxyStreamingRequest(r.Context(), w, decision.ProxyTarget.BaseURL, originalModelID, decision.ProxyTarget.Name, body)
}

// HandleModels implements GET /v1/models (spec.md §6).
func (rt *Router) HandleModels(w http.ResponseWriter, r *http.Request) {
	rt.discovery.RefreshIfStale(r.Context())
	snapshot := rt.discovery.Current()

	resp := &afmapi.ModelsResponse{Object: "list"}
	resp.Data = append(resp.Data, afmapi.ModelListEntry{ID: FoundationModelID, Object: "model", OwnedBy: "apple"})
	resp.Models = append(resp.Models, afmapi.ModelSummary{
		Name: FoundationModelID + " (foundation)", Model: FoundationModelID,
	})

	for _, backend := range snapshot.Backends {
		for _, m := range backend.Models {
			resp.Data = append(resp.Data, afmapi.ModelListEntry{ID: m.DisplayID, Object: "model", OwnedBy: backend.Name, Created: m.Created})
			resp.Models = append(resp.Models, afmapi.ModelSummary{
				Name: m.DisplayID, Model: m.DisplayID, Capabilities: m.Capabilities,
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleModelLoad implements POST /v1/models/load and /v1/models/unload
// (spec.md §6: "stubs that echo {success:true, model} for client
// compatibility").
func (rt *Router) HandleModelLoad(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, afmapi.ErrorTypeInvalidRequest, "", err.Error())
		return
	}
	var req afmapi.ModelLoadRequest
	_ = json.Unmarshal(body, &req)
	writeJSON(w, http.StatusOK, afmapi.ModelLoadResponse{Success: true, Model: req.Model})
}

// HandleHealth implements GET /health.
func (rt *Router) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, afmapi.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().Unix(),
		Version:   rt.version,
	})
}

// HandleProps implements GET /props?model=<id> (spec.md §6).
func (rt *Router) HandleProps(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model")
	decision := rt.Classify(modelID)

	role := "router"
	switch decision.Route {
	case RouteFoundation:
		role = "router"
	case RouteMLX:
		role = "mlx"
	case RouteProxy:
		role = "model"
	}

	var diskUsage *afmapi.PropsDiskUsage
	if rt.mlx != nil {
		if bytes, err := rt.mlx.DiskUsageBytes(); err == nil {
			diskUsage = &afmapi.PropsDiskUsage{CacheBytes: bytes}
		} else {
			rt.log.WithError(err).Warn("failed to compute cache disk usage")
		}
	}

	writeJSON(w, http.StatusOK, afmapi.PropsResponse{
		DefaultGenerationSettings: afmapi.PropsGenerationSettings{NCtx: 4096, Params: map[string]interface{}{}},
		TotalSlots:                1,
		ModelPath:                 modelID,
		Role:                      role,
		Modalities:                afmapi.PropsModalities{Vision: false, Audio: false},
		DiskUsage:                 diskUsage,
	})
}

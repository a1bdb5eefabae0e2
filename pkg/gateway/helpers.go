package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/afm/gateway/pkg/afmapi"
	"github.com/afm/gateway/pkg/foundation"
	"github.com/afm/gateway/pkg/middleware"
	"github.com/afm/gateway/pkg/mlxmodel"
)

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return middleware.ReadLimitedBody(w, r, middleware.MaximumChatCompletionRequestSize)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, afmapi.ErrorResponse{Error: afmapi.ErrorDetail{Message: message, Type: errType, Code: code}})
}

// writeClassifiedError maps a foundation-session error (already run
// through foundation.ClassifyError by the caller's Respond/StreamResponse)
// to its HTTP status per spec.md §7.
func writeClassifiedError(w http.ResponseWriter, err error) {
	var cwe *foundation.ContextWindowExceededError
	if errors.As(err, &cwe) {
		writeError(w, http.StatusBadRequest, afmapi.ErrorTypeInvalidRequest, afmapi.ErrorCodeContextWindowExceed, cwe.Error())
		return
	}
	var guardrail *foundation.GuardrailError
	if errors.As(err, &guardrail) {
		writeError(w, http.StatusBadRequest, afmapi.ErrorTypeInvalidRequest, afmapi.ErrorCodeGuardrailViolation, guardrail.Error())
		return
	}
	writeError(w, http.StatusServiceUnavailable, "service_unavailable", "", err.Error())
}

// writeClassifiedMLXError applies the same §7 error taxonomy to an MLX
// generation error, reusing foundation.ClassifyError since the
// context-window/guardrail pattern-matching rules are backend-agnostic.
func writeClassifiedMLXError(w http.ResponseWriter, err error) {
	if errors.Is(err, mlxmodel.ErrNoModelLoaded) {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "", err.Error())
		return
	}
	writeClassifiedError(w, foundation.ClassifyError(err))
}

func newSSE(w http.ResponseWriter) (*middleware.SSEWriter, error) {
	sse, err := middleware.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid_request_error", "", err.Error())
		return nil, err
	}
	return sse, nil
}

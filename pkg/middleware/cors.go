// Package middleware provides the small set of HTTP cross-cutting concerns
// this gateway owns directly: CORS for the embedded webui (itself out of
// scope, but still a browser client of this surface) and payload-size
// guarding for the chat-completions endpoint (spec.md §7, "Payload too
// large").
package middleware

import "net/http"

// CorsMiddleware wraps handler with permissive CORS headers scoped to
// allowedOrigins. An empty allowedOrigins list allows any origin, which is
// the default for a gateway that only ever binds to loopback.
func CorsMiddleware(allowedOrigins []string, handler http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if len(allowed) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

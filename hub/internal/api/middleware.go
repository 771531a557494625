package api

import "net/http"

// Everything the hub serves is a JSON snapshot or a WebSocket upgrade.
// Responses must never be cached or content-sniffed by intermediaries.
func baseHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

package handlers

import "net/http"

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Sessions: deps.Sessions}
	clips := ClipHandler{Tokens: deps.Tokens, Clips: deps.Clips, Limiter: deps.ClipLimiter, MaxBytes: deps.MaxClipBytes}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/api/v1/clips", clips.Upload)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	if deps.WebSocket != nil {
		mux.Handle("/ws", deps.WebSocket)
	}
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Tokens       TokenValidator
	Clips        ClipStore
	ClipLimiter  RateLimiter
	MaxClipBytes int64
	Sessions     SessionCounter
	Metrics      http.Handler
	WebSocket    http.Handler
}

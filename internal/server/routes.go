package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func SetupRoutes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.requireLogin(h.Index))
	mux.HandleFunc("GET /ws/", h.requireLogin(h.WebSocket))
	mux.HandleFunc("GET /login/", h.requireLogout(h.Login))
	mux.HandleFunc("POST /login/", h.requireLogout(h.Login))
	mux.HandleFunc("GET /register/", h.requireLogout(h.Register))
	mux.HandleFunc("POST /register/", h.requireLogout(h.Register))
	mux.HandleFunc("GET /logout/", h.requireLogin(h.Logout))
	mux.HandleFunc("GET /health", h.HealthHandler)
	return mux
}

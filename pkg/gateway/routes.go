package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/harun/tronagent/internal/observability"
	"github.com/rs/cors"
)

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	sessions := router.PathPrefix("/sessions").Subrouter()
	sessions.Use(s.requireAuth)
	sessions.HandleFunc("", s.handleListSessions).Methods(http.MethodGet)
	sessions.HandleFunc("/{key}", s.handleGetSession).Methods(http.MethodGet)
	sessions.HandleFunc("/{key}", s.handleDeleteSession).Methods(http.MethodDelete)

	if len(s.cfg.AllowedOrigins) == 0 {
		return router
	}

	// Browser dashboards on other origins read /sessions and /healthz
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(router)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authHandler.Authenticate(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.shuttingDown() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"clients": s.clients.Count(),
		"runs":    s.runPool.Running(),
	})
}

func (s *Server) browser(w http.ResponseWriter) (SessionBrowser, bool) {
	browser, ok := s.cfg.Sessions.(SessionBrowser)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session store unavailable"})
		return nil, false
	}
	return browser, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	browser, ok := s.browser(w)
	if !ok {
		return
	}
	keys, err := browser.ListSessions()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list sessions")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": keys})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	browser, ok := s.browser(w)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	messages, err := browser.LoadMessages(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_key": key,
		"messages":    messages,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	browser, ok := s.browser(w)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	if s.sessionActive(key) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session has an active run"})
		return
	}
	if err := browser.DeleteSession(r.Context(), key); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info().Str("session_key", key).Msg("Session deleted via gateway")
	w.WriteHeader(http.StatusNoContent)
}

// sessionActive reports whether any connected client is running the session
func (s *Server) sessionActive(key string) bool {
	for _, client := range s.clients.GetAll() {
		for _, active := range client.activeRuns() {
			if active == key {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

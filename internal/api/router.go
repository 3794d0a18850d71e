package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		// Device endpoints
		r.Route("/devices", func(r chi.Router) {
			r.Get("/all_devices.json", s.handleAllDevices)
			r.Get("/views/{view_id}/devices.json", s.handleViewDevices)
			r.Post("/multimac/devices.json", s.handleMultimac)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/device.json", s.handleGetDevice)
				r.Post("/set_name", s.handleSetName)
				r.Post("/set_tag", s.handleSetTag)
			})
		})

		// PHY endpoints
		r.Get("/phys/all_phys.json", s.handleAllPhys)

		// WebSocket event stream
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleStatus returns tracker-level counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":           s.tracker.NumDevices(),
		"packets":           s.tracker.NumPackets(),
		"data_packets":      s.tracker.NumDataPackets(),
		"error_packets":     s.tracker.NumErrorPackets(),
		"filter_packets":    s.tracker.NumFilterPackets(),
		"full_refresh_time": s.tracker.FullRefreshTime(),
	})
}

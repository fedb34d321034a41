// Route registration for the admin API.

package admin

import "net/http"

// registerRoutes sets up all API routes.
func (a *API) registerRoutes(mux *http.ServeMux) {
	// Health, status, ports, metrics
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /status", a.handleGetStatus)
	mux.HandleFunc("GET /ports", a.handleListPorts)
	mux.Handle("GET /metrics", a.metrics.Handler())

	// Mapping management
	mux.HandleFunc("GET /mappings", a.handleListMappings)
	mux.HandleFunc("POST /mappings", a.handleCreateMapping)
	mux.HandleFunc("GET /mappings/{id}", a.handleGetMapping)
	mux.HandleFunc("PUT /mappings/{id}", a.handleUpdateMapping)
	mux.HandleFunc("DELETE /mappings/{id}", a.handleDeleteMapping)

	// Live mapping change feed for the console
	mux.HandleFunc("GET /mappings/events", a.handleMappingEvents)

	// Force an immediate reconciliation pass
	mux.HandleFunc("POST /sync", a.handleSync)
}

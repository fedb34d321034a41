package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getproxyd/proxyd/pkg/allocator"
	"github.com/getproxyd/proxyd/pkg/engine"
	"github.com/getproxyd/proxyd/pkg/mapping"
	"github.com/getproxyd/proxyd/pkg/relay"
)

// MappingView is a mapping record enriched with live relay state.
type MappingView struct {
	*mapping.Mapping
	ActiveConns int64 `json:"activeConns"`
}

// MappingListResponse is returned by GET /mappings.
type MappingListResponse struct {
	Mappings []MappingView `json:"mappings"`
	Count    int           `json:"count"`
}

func (a *API) view(m *mapping.Mapping) MappingView {
	return MappingView{Mapping: m, ActiveConns: a.engine.ConnCount(m.ID)}
}

// handleListMappings handles GET /mappings.
func (a *API) handleListMappings(w http.ResponseWriter, _ *http.Request) {
	all := a.engine.ListMappings()
	views := make([]MappingView, 0, len(all))
	for _, m := range all {
		views = append(views, a.view(m))
	}
	writeJSON(w, http.StatusOK, MappingListResponse{Mappings: views, Count: len(views)})
}

// handleCreateMapping handles POST /mappings.
func (a *API) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON in request body")
		return
	}
	m, err := a.engine.CreateMapping(req)
	if err != nil {
		a.writeMappingError(w, err, "create mapping")
		return
	}
	writeJSON(w, http.StatusCreated, a.view(m))
}

// handleGetMapping handles GET /mappings/{id}.
func (a *API) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	m, err := a.engine.GetMapping(r.PathValue("id"))
	if err != nil {
		a.writeMappingError(w, err, "get mapping")
		return
	}
	writeJSON(w, http.StatusOK, a.view(m))
}

// handleUpdateMapping handles PUT /mappings/{id}.
func (a *API) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	var req engine.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON in request body")
		return
	}
	m, err := a.engine.UpdateMapping(r.PathValue("id"), req)
	if err != nil {
		a.writeMappingError(w, err, "update mapping")
		return
	}
	writeJSON(w, http.StatusOK, a.view(m))
}

// handleDeleteMapping handles DELETE /mappings/{id}. The response is an
// ack: the record has reached removing, teardown completes asynchronously.
func (a *API) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.engine.DeleteMapping(id); err != nil {
		a.writeMappingError(w, err, "delete mapping")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(mapping.StateRemoving)})
}

// writeMappingError maps engine errors onto the HTTP error envelope. The
// full error is logged; clients get the taxonomy code and message.
func (a *API) writeMappingError(w http.ResponseWriter, err error, operation string) {
	a.log.Warn("admin operation failed", "operation", operation, "error", err)

	var bindErr *relay.BindError
	switch {
	case errors.Is(err, mapping.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Mapping not found")
	case errors.Is(err, mapping.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, mapping.ErrPortConflict), errors.Is(err, allocator.ErrPortInUse):
		writeError(w, http.StatusConflict, "port_in_use", err.Error())
	case errors.Is(err, allocator.ErrRangeExhausted):
		writeError(w, http.StatusServiceUnavailable, "range_exhausted", err.Error())
	case errors.As(err, &bindErr):
		writeError(w, http.StatusServiceUnavailable, "bind_failed", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

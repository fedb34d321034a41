package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/getproxyd/proxyd/pkg/mapping"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int    `json:"uptime"`
}

// StatusResponse is returned by /status.
type StatusResponse struct {
	Running        bool      `json:"running"`
	Uptime         int       `json:"uptime"`
	Mappings       int       `json:"mappings"`
	ActiveMappings int       `json:"activeMappings"`
	Timestamp      time.Time `json:"timestamp"`
}

// PortInfo describes one externally reachable port.
type PortInfo struct {
	Port      int    `json:"port,omitempty"`
	RangeFrom int    `json:"rangeFrom,omitempty"`
	RangeTo   int    `json:"rangeTo,omitempty"`
	Protocol  string `json:"protocol"`
	Component string `json:"component"`
	Status    string `json:"status"`
}

// PortsResponse is returned by /ports.
type PortsResponse struct {
	Ports []PortInfo `json:"ports"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: errCode, Message: message})
}

// handleHealth handles GET /health.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Uptime: a.Uptime()})
}

// handleGetStatus handles GET /status.
func (a *API) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	all := a.engine.ListMappings()
	active := 0
	for _, m := range all {
		if m.State == mapping.StateActive {
			active++
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:        a.engine.IsRunning(),
		Uptime:         a.engine.Uptime(),
		Mappings:       len(all),
		ActiveMappings: active,
		Timestamp:      time.Now().UTC(),
	})
}

// handleListPorts handles GET /ports. It announces the fixed admin port,
// the dynamic listener range, and every bound listener port.
func (a *API) handleListPorts(w http.ResponseWriter, _ *http.Request) {
	start, end := a.engine.PortRange()
	ports := []PortInfo{
		{Port: a.port, Protocol: "HTTP", Component: "Admin API", Status: "running"},
		{RangeFrom: start, RangeTo: end, Protocol: "TCP", Component: "Proxy Listeners", Status: "allocatable"},
	}
	for _, s := range a.engine.PoolStats() {
		ports = append(ports, PortInfo{
			Port:      s.ListenPort,
			Protocol:  "TCP",
			Component: "Proxy Listener",
			Status:    "running",
		})
	}
	writeJSON(w, http.StatusOK, PortsResponse{Ports: ports})
}

// handleSync handles POST /sync: kick an immediate reconciliation pass.
func (a *API) handleSync(w http.ResponseWriter, _ *http.Request) {
	a.engine.Kick()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

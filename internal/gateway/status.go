package gateway

import (
	"net/http"

	"github.com/flemzord/toolgate/internal/supervisor"
)

// StatusResponse is the JSON response for GET /v1/status.
type StatusResponse struct {
	UptimeSeconds        int64 `json:"uptime_seconds"`
	Tools                int   `json:"tools"`
	Sessions             int   `json:"sessions"`
	PendingConfirmations int   `json:"pending_confirmations"`
	ProcessesReady       int   `json:"processes_ready"`
	AuditWriteErrors     int64 `json:"audit_write_errors"`
}

// handleStatus returns an http.HandlerFunc for GET /v1/status.
func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			UptimeSeconds:        int64(s.uptime().Seconds()),
			Tools:                len(s.gw.tools.Names()),
			Sessions:             s.gw.sessions.Len(),
			PendingConfirmations: s.gw.broker.PendingCount(),
		}
		if s.gw.processes != nil {
			for _, st := range s.gw.processes.Status() {
				if st.State == supervisor.StateReady {
					resp.ProcessesReady++
				}
			}
		}
		if s.audit != nil {
			resp.AuditWriteErrors = s.audit.WriteErrors()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

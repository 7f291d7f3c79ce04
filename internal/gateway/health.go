package gateway

import (
	"net/http"

	"github.com/flemzord/toolgate/internal/supervisor"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status               string              `json:"status"` // "ok" or "degraded"
	Sessions             int                 `json:"sessions"`
	PendingConfirmations int                 `json:"pending_confirmations"`
	Processes            []supervisor.Status `json:"processes"`
}

// handleHealth returns 200 while every eager tool server can serve, and
// 503 once one of them has been stopped by its restart budget or an
// operator. Lazy servers never degrade health.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status:               "ok",
			Sessions:             s.gw.sessions.Len(),
			PendingConfirmations: s.gw.broker.PendingCount(),
			Processes:            []supervisor.Status{},
		}

		if s.gw.processes != nil {
			resp.Processes = s.gw.processes.Status()
			for _, p := range resp.Processes {
				if p.Eager && p.State == supervisor.StateStopped {
					resp.Status = "degraded"
					break
				}
			}
		}

		code := http.StatusOK
		if resp.Status == "degraded" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

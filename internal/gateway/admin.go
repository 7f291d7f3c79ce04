package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/supervisor"
	"github.com/flemzord/toolgate/internal/tool"
)

// invokeBody is the POST /v1/invoke payload. With wait set, an elevated
// call blocks until a human decides instead of returning elevated.
type invokeBody struct {
	Request
	Wait bool `json:"wait,omitempty"`
}

func (s *Server) handleInvoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body invokeBody
		if err := decodeJSON(r, &body); err != nil {
			writeResult(w, failure(KindInvalidRequest, "%v", err))
			return
		}

		if body.Wait {
			// The response may legitimately outlive the server write timeout.
			deadline := time.Now().Add(s.gw.broker.Timeout() + s.cfg.WriteTimeout)
			_ = http.NewResponseController(w).SetWriteDeadline(deadline)
			writeResult(w, s.gw.InvokeAndWait(r.Context(), body.Request))
			return
		}
		writeResult(w, s.gw.Invoke(r.Context(), body.Request))
	}
}

// resolveBody is the POST /v1/confirmations/{id} payload.
type resolveBody struct {
	Approve bool `json:"approve"`
	Execute bool `json:"execute"`
}

func (s *Server) handleResolve() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body resolveBody
		if err := decodeJSON(r, &body); err != nil {
			writeResult(w, failure(KindInvalidRequest, "%v", err))
			return
		}
		writeResult(w, s.gw.Resolve(r.Context(), ResolveRequest{
			RequestID: chi.URLParam(r, "id"),
			Approve:   body.Approve,
			Execute:   body.Execute,
		}))
	}
}

func (s *Server) handleListConfirmations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pendingOnly, _ := strconv.ParseBool(r.URL.Query().Get("pending"))
		list := s.gw.broker.List(pendingOnly)
		for i := range list {
			list[i] = s.gw.scrubConfirmation(list[i])
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) handleGetConfirmation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := s.gw.broker.Get(id)
		if err != nil {
			writeResult(w, failure(KindNotFound, "confirmation %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, s.gw.scrubConfirmation(c))
	}
}

// toolJSON is a tool listing entry enriched with its policy and process.
type toolJSON struct {
	tool.Info
	MinRole       string             `json:"min_role,omitempty"`
	MaxPerSession int                `json:"max_per_session,omitempty"`
	Process       *supervisor.Status `json:"process,omitempty"`
}

func (s *Server) handleListTools() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		procs := make(map[string]supervisor.Status)
		if s.gw.processes != nil {
			for _, st := range s.gw.processes.Status() {
				procs[st.Tool] = st
			}
		}

		engine := s.gw.Policy()
		infos := s.gw.tools.List()
		out := make([]toolJSON, 0, len(infos))
		for _, info := range infos {
			tj := toolJSON{Info: info}
			if tp, ok := engine.Policy(info.Name); ok {
				tj.MinRole = tp.MinRole.String()
				tj.MaxPerSession = tp.MaxPerSession
			}
			if st, ok := procs[info.Name]; ok {
				tj.Process = &st
			}
			out = append(out, tj)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.gw.sessions.List())
	}
}

func (s *Server) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if s.gw.sessions.Get(id) == nil {
			writeResult(w, failure(KindNotFound, "session %s not found", id))
			return
		}
		s.gw.sessions.Delete(id)
		s.audit.Log(security.AuditEvent{
			Type:      security.EventSessionDelete,
			SessionID: id,
			Metadata:  map[string]string{"remote_addr": r.RemoteAddr},
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// writeResult encodes a Result with a status derived from its error kind.
// Elevated results are 202 Accepted: the call exists but has not run.
func writeResult(w http.ResponseWriter, res Result) {
	code := http.StatusOK
	switch {
	case res.Error != nil:
		code = res.Error.Kind.HTTPStatus()
	case res.Elevated:
		code = http.StatusAccepted
	}
	if res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	writeJSON(w, code, res)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/trybotster/webterm-hubd/internal/apierror"
	"github.com/trybotster/webterm-hubd/internal/authz"
	"github.com/trybotster/webterm-hubd/internal/session"
	"github.com/trybotster/webterm-hubd/internal/wsconn"
)

// pagination parses limit/offset query params, rejecting values outside
// [minLimit, maxLimit] or a negative offset with a VALIDATION_ERROR.
// limit defaults to defaultLimit when the query param is absent.
func pagination(r *http.Request, defaultLimit, minLimit, maxLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, apierror.Invalid("limit must be an integer", err)
		}
	}
	if limit < minLimit || limit > maxLimit {
		return 0, 0, apierror.Invalid(fmt.Sprintf("limit must be between %d and %d", minLimit, maxLimit), nil)
	}

	offset = 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, apierror.Invalid("offset must be an integer", err)
		}
	}
	if offset < 0 {
		return 0, 0, apierror.Invalid("offset must not be negative", nil)
	}

	return limit, offset, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"active_sessions"`
	PTYs        int    `json:"active_ptys"`
	ServerTime  string `json:"server_time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		PTYs:       s.pty.Count(),
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) authenticateRequest(r *http.Request) (*jwtAuthResult, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, apierror.AuthMissing("missing bearer token")
	}
	validated, err := s.validator.Validate(r.Context(), token)
	if err != nil {
		return nil, err
	}
	role := authz.RoleUser
	for _, g := range validated.Claims.Groups {
		if authz.ParseRole(g) == authz.RoleAdmin {
			role = authz.RoleAdmin
			break
		}
	}
	return &jwtAuthResult{UserID: validated.Claims.Subject, Role: role}, nil
}

type jwtAuthResult struct {
	UserID string
	Role   authz.Role
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	auth, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authzSvc.Check(auth.UserID, auth.Role, authz.CreateSession, nil); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.sessions.Create(auth.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	auth, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit, offset, err := pagination(r, 10, 1, 100)
	if err != nil {
		writeError(w, err)
		return
	}

	// ListAllSessions would additionally need a ListAll registry method;
	// not implemented, so admins currently see only their own sessions too.
	ids := s.sessions.ListByUser(auth.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"sessions": paginate(ids, limit, offset)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	auth, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := session.ID(mux.Vars(r)["id"])

	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authzSvc.AuthorizeSessionAction(auth.UserID, auth.Role, authz.ViewSession, sess.Owner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	auth, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := session.ID(mux.Vars(r)["id"])

	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authzSvc.AuthorizeSessionAction(auth.UserID, auth.Role, authz.KillSession, sess.Owner); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.Destroy(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	auth, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := session.ID(mux.Vars(r)["id"])

	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authzSvc.AuthorizeSessionAction(auth.UserID, auth.Role, authz.ViewSession, sess.Owner); err != nil {
		writeError(w, err)
		return
	}

	limit, offset, err := pagination(r, 1000, 1, 1000)
	if err != nil {
		writeError(w, err)
		return
	}

	history, err := s.sessions.History(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": paginate(history, limit, offset)})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connLimiter := s.connLimiterFactory()
	c := wsconn.New(conn, wsconn.Deps{
		Sessions:  s.sessions,
		PTY:       s.pty,
		Validator: s.validator,
		Authz:     s.authzSvc,
		ConnLimit: connLimiter,
		Logger:    s.logger,
	})
	c.Run(context.Background())
}

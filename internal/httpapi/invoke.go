package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/msageha/hostagent/internal/auth"
	"github.com/msageha/hostagent/internal/logging"
	"github.com/msageha/hostagent/internal/schema"
)

func (s *Server) handleLinkOrInvoke(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleLink(w, r)
		return
	}
	s.handleInvoke(w, r)
}

// handleInvoke parses the request's command and runs the handler registered
// for the request path and command id.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ex := newExchange("http")
	raw, ok, err := readCommand(w, r)
	if !ok {
		s.finish(w, r, ex, http.StatusMethodNotAllowed, nil, nil)
		return
	}
	if err != nil {
		s.finish(w, r, ex, http.StatusBadRequest, nil, err)
		return
	}
	inv, err := s.cfg.Registry.ParseCommand(raw)
	if err != nil {
		s.finish(w, r, ex, http.StatusBadRequest, nil, err)
		return
	}
	ex.command = inv.CommandName
	path := r.URL.Path

	if s.cfg.Access.IsAuthorizePath(path) {
		s.authorize(w, r, ex, inv)
		return
	}

	fn, found := s.cfg.Table.Lookup(path, inv.Command)
	if !found {
		code := http.StatusNotFound
		if s.cfg.Table.HasPath(path) {
			code = http.StatusBadRequest
		}
		s.finish(w, r, ex, code, nil, nil)
		return
	}
	if !s.cfg.Access.IsAuthorized(inv) {
		s.finish(w, r, ex, http.StatusUnauthorized, nil, nil)
		return
	}

	resp, err := fn(r.Context(), inv)
	if err != nil {
		s.log(logging.LevelWarn, "invoke handler failed: path=%s command=%s err=%v", path, inv.CommandName, err)
		s.finish(w, r, ex, http.StatusInternalServerError, nil, err)
		return
	}
	if resp == nil {
		s.finish(w, r, ex, http.StatusInternalServerError, nil, errors.New("handler returned no response"))
		return
	}
	s.finish(w, r, ex, http.StatusOK, resp, nil)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, ex *exchange, inv *schema.Invocation) {
	if inv.Command != schema.AuthorizeID {
		s.finish(w, r, ex, http.StatusBadRequest, nil, nil)
		return
	}
	resp, err := s.cfg.Access.Authorize(inv)
	if errors.Is(err, auth.ErrDenied) {
		s.finish(w, r, ex, http.StatusUnauthorized, nil, err)
		return
	}
	if err != nil {
		s.finish(w, r, ex, http.StatusInternalServerError, nil, err)
		return
	}
	s.finish(w, r, ex, http.StatusOK, resp, nil)
}

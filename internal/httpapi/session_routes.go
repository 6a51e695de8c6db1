package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/andromeda/internal/apierror"
	"github.com/antoniostano/andromeda/internal/session"
)

// Authenticator validates login credentials carried by r. A nil error means
// the caller may be issued a session. Errors that carry their own status are
// passed through; anything else is reported as 401.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) error {
	return f(ctx, r)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		apierror.Write(w, apierror.New(http.StatusNotImplemented, http.StatusText(http.StatusNotImplemented), "login is not configured"))
		return
	}
	if err := s.auth.Authenticate(r.Context(), r); err != nil {
		var withStatus interface{ StatusCode() int }
		if !errors.As(err, &withStatus) {
			err = apierror.New(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), err.Error())
		}
		s.logger.Debug().Err(err).Msg("login rejected")
		apierror.Write(w, err)
		return
	}

	id := s.sessions.Generate()
	s.sessionEvent("created")
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       id,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

// requireInternalToken admits collaborator services presenting
// "Authorization: Bearer <SESSION_INTERNAL_TOKEN>".
func (s *Server) requireInternalToken(next http.Handler) http.Handler {
	want := []byte(s.cfg.SessionInternalToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
			s.logger.Debug().Str("path", r.URL.Path).Msg("internal session route rejected")
			apierror.Write(w, apierror.New(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "internal token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.sessions.Check(id)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session.NewStateResponse(id, state))
}

type setStateRequest struct {
	State json.RawMessage `json:"state"`
}

// handleSetSessionState applies {"state": "active" | "end" | <unix millis>}.
func (s *Server) handleSetSessionState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setStateRequest
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, &session.ValidationError{Message: "invalid request body"})
		return
	}
	t, err := session.ParseTransition(rawStateValue(req.State))
	if err != nil {
		apierror.Write(w, err)
		return
	}

	state, err := s.sessions.SetState(id, t)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	resp := session.NewStateResponse(id, state)
	switch t {
	case session.TransitionEnd:
		resp.Ended = true
		s.sessionEvent("ended")
	case session.TransitionActive:
		s.sessionEvent("activated")
	default:
		s.sessionEvent("deactivated")
	}
	respondJSON(w, http.StatusOK, resp)
}

// rawStateValue turns the JSON state value into the text form
// ParseTransition accepts. Strings are unquoted; numbers are used as written.
func rawStateValue(raw json.RawMessage) string {
	v := strings.TrimSpace(string(raw))
	if strings.HasPrefix(v, `"`) {
		if unquoted, err := strconv.Unquote(v); err == nil {
			return unquoted
		}
		return ""
	}
	return v
}

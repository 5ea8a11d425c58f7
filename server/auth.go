package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/taskdeck/auth"
	"github.com/GoCodeAlone/taskdeck/internal/apperr"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    string    `json:"userId"`
}

// handleSignIn validates credentials and issues a bearer token whose
// subject is the user id.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.issueToken(w, http.StatusOK, u)
}

// handleSignUp creates an account and signs it in.
func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Auth.AllowSignUp {
		writeJSONError(w, http.StatusForbidden, "sign-up is disabled")
		return
	}
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := s.users.Create(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.logger.Info("user signed up", slog.String("user_id", u.ID), slog.String("username", u.Username))
	s.issueToken(w, http.StatusCreated, u)
}

func (s *Server) issueToken(w http.ResponseWriter, status int, u *auth.User) {
	token, exp, err := s.verifier.Sign(u.ID)
	if err != nil {
		s.logger.Error("sign token", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, status, tokenResponse{Token: token, ExpiresAt: exp, UserID: u.ID})
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		s.logger.Error("auth request failed", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSONError(w, apperr.HTTPStatus(kind), apperr.Message(err))
}

// handleMe returns the authenticated subject and, when it names a local
// account, its username.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	subject, _ := auth.SubjectFrom(r.Context())
	resp := map[string]string{"subject": subject}
	if s.users != nil {
		if u, err := s.users.Get(r.Context(), subject); err == nil && u != nil {
			resp["username"] = u.Username
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

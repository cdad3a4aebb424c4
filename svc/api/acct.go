package api

import (
	"encoding/json"
	"io"
	"net/http"
	"snipbin/pkg/domain"
	"snipbin/svc/auth"
	"time"

	"github.com/rs/zerolog/hlog"
)

const maxCredentialsBytes = 4 * 1024

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func readCredentials(r *http.Request) (credentials, error) {
	var c credentials
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCredentialsBytes))
	if err := dec.Decode(&c); err != nil {
		return c, domain.ErrInvalidJSON
	}
	return c, nil
}

func (h *Hdl) Register(w http.ResponseWriter, r *http.Request) {
	c, err := readCredentials(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	u, err := h.accounts.Register(r.Context(), c.Username, c.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int64("user_id", u.ID).Msg("user registered")
	writeJSON(w, http.StatusOK, messageResp{Message: "User registered"})
}

// Login sets the session cookie. The body is empty on success.
func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	c, err := readCredentials(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	u, err := h.accounts.Login(r.Context(), c.Username, c.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	token, exp, err := h.sessions.Issue(u.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	http.SetCookie(w, h.sessionCookie(token, exp))
	w.WriteHeader(http.StatusOK)
}

// Logout revokes the current session, if any, and clears the cookie.
func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.CookieName); err == nil && cookie.Value != "" {
		if claims, err := h.sessions.Parse(r.Context(), cookie.Value); err == nil {
			if err := h.sessions.Revoke(r.Context(), claims); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("session revocation failed")
			}
		}
	}
	http.SetCookie(w, h.sessionCookie("", time.Unix(0, 0)))
	w.WriteHeader(http.StatusOK)
}

// DeleteAccount removes the caller and every paste they own, then ends the
// session.
func (h *Hdl) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r.Context())
	if err := h.accounts.Delete(r.Context(), claims.UserID); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.sessions.Revoke(r.Context(), claims); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("session revocation failed")
	}
	http.SetCookie(w, h.sessionCookie("", time.Unix(0, 0)))
	writeJSON(w, http.StatusOK, messageResp{Message: "account deleted"})
}

func (h *Hdl) sessionCookie(value string, exp time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     auth.CookieName,
		Value:    value,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		c.MaxAge = -1
	}
	return c
}

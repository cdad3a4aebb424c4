package api

import (
	"encoding/json"
	"net/http"
	"snipbin/pkg/domain"
	"snipbin/svc/auth"
	"snipbin/svc/svc"
	"snipbin/svc/util"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

type Hdl struct {
	paste    *svc.Paste
	accounts *auth.Accounts
	sessions *auth.Sessions
	secure   bool
}

// CreateReq is the JSON body form of a create request. Missing fields fall
// back to the service defaults.
type CreateReq struct {
	Content     string `json:"content"`
	Visibility  string `json:"visibility"`
	Expiration  string `json:"expiration"`
	IsEncrypted bool   `json:"isEncrypted"`
}

type CreateResp struct {
	Title string `json:"title"`
}

type messageResp struct {
	Message string `json:"message"`
}

// CreatePaste accepts either a raw text body (text/* or no Content-Type) or
// a JSON CreateReq.
func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := hlog.FromRequest(r)
	body, err := h.paste.ReadContent(ctx, r.Body)
	if err != nil {
		log.Warn().Err(err).Msg("create body rejected")
		writeErr(w, r, err)
		return
	}
	params := domain.CreateParams{CallerID: util.GetCallerID(ctx)}
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if contentType == "" || strings.HasPrefix(contentType, "text/") {
		params.Content = strings.ToValidUTF8(body, "")
	} else {
		var req CreateReq
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			log.Warn().Err(err).Str("content_type", contentType).Msg("invalid JSON body")
			writeErr(w, r, domain.ErrInvalidJSON)
			return
		}
		params.Content = req.Content
		params.Visibility = req.Visibility
		params.Expiration = req.Expiration
		params.IsEncrypted = req.IsEncrypted
	}
	paste, err := h.paste.Create(ctx, params)
	if err != nil {
		if errors.Is(err, svc.ErrShuttingDown) {
			writeJSON(w, http.StatusServiceUnavailable, messageResp{Message: "service shutting down"})
			return
		}
		log.Warn().Err(err).
			Str("content", util.RedactPasteContent(params.Content)).
			Msg("create paste failed")
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateResp{Title: paste.Title})
}

// GetPaste renders the HTML view for browsers and the JSON payload otherwise.
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	title := chi.URLParam(r, "title")
	paste, err := h.paste.Get(r.Context(), title)
	if err != nil {
		if !errors.Is(err, domain.ErrPasteNotFound) {
			hlog.FromRequest(r).Error().Err(err).Str("title", title).Msg("get paste failed")
		}
		writeErr(w, r, err)
		return
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html") {
		renderPaste(w, r, paste)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewPayload(paste))
}

func (h *Hdl) ListPastes(w http.ResponseWriter, r *http.Request) {
	rows, err := h.paste.List(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]domain.Payload, 0, len(rows))
	for _, p := range rows {
		out = append(out, domain.NewPayload(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Hdl) ListUserPastes(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r.Context())
	rows, err := h.paste.ListForOwner(r.Context(), claims.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]domain.OwnerPayload, 0, len(rows))
	for _, p := range rows {
		out = append(out, domain.NewOwnerPayload(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	title := chi.URLParam(r, "title")
	claims := sessionClaims(r.Context())
	if err := h.paste.Delete(r.Context(), title, claims.UserID); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			hlog.FromRequest(r).Warn().
				Str("title", title).
				Int64("user_id", claims.UserID).
				Msg("delete of foreign paste refused")
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "Paste deleted"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.Warn().Err(err).Msg("failed to write response")
	}
}

// writeErr maps err to its status. Details of unexpected 5xx errors stay in
// the log.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	status := domain.Status(err)
	if status >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, status, map[string]string{
		"message":    domain.Message(err),
		"request_id": requestID,
	})
}

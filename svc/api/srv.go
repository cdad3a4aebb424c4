package api

import (
	"context"
	"net/http"
	"snipbin/cfg"
	"snipbin/svc/auth"
	"snipbin/svc/db"
	"snipbin/svc/lim"
	"snipbin/svc/svc"
	"snipbin/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Deps are the collaborators the HTTP surface routes to. Redis is optional.
type Deps struct {
	Cfg      *cfg.Cfg
	Paste    *svc.Paste
	Accounts *auth.Accounts
	Sessions *auth.Sessions
	Window   *lim.Window
	Reads    *lim.ReadLimiter
	DB       *db.SQLite
	Redis    *db.Redis
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(d Deps) *Server {
	r := chi.NewRouter()
	mw := NewMw(d.Window, d.Reads, d.Sessions, d.Cfg)
	s := &Server{
		router: r,
		cfg:    d.Cfg,
		db:     d.DB,
		rdb:    d.Redis,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Instrument)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.Identity)
		hdl := &Hdl{
			paste:    d.Paste,
			accounts: d.Accounts,
			sessions: d.Sessions,
			secure:   d.Cfg.Environment == "production",
		}
		r.With(mw.Admit("")).Post("/paste", hdl.CreatePaste)
		r.With(mw.Admit("")).Put("/paste", hdl.CreatePaste)
		r.With(mw.ReadLimit).Get("/paste/{title}", hdl.GetPaste)
		r.With(mw.Admit("delete-pastes"), mw.RequireSession).Delete("/paste/{title}", hdl.DeletePaste)
		r.With(mw.ReadLimit).Get("/pastes", hdl.ListPastes)
		r.With(mw.ReadLimit, mw.RequireSession).Get("/user/pastes", hdl.ListUserPastes)
		r.With(mw.Admit("register")).Post("/register", hdl.Register)
		r.With(mw.Admit("login")).Post("/login", hdl.Login)
		r.Post("/logout", hdl.Logout)
		r.Options("/*", func(http.ResponseWriter, *http.Request) {})
		r.With(mw.Admit("delete-account"), mw.RequireSession).Delete("/delete-account", hdl.DeleteAccount)
	})
	s.httpServer = &http.Server{
		Addr:              ":" + d.Cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

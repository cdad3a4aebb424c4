package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"snipbin/cfg"
	"snipbin/metrics"
	"snipbin/pkg/domain"
	"snipbin/svc/auth"
	"snipbin/svc/lim"
	"snipbin/svc/util"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type claimsKey struct{}

type Mw struct {
	window   *lim.Window
	reads    *lim.ReadLimiter
	sessions *auth.Sessions
	cfg      *cfg.Cfg
	now      func() time.Time
}

func NewMw(window *lim.Window, reads *lim.ReadLimiter, sessions *auth.Sessions, c *cfg.Cfg) *Mw {
	return &Mw{window: window, reads: reads, sessions: sessions, cfg: c, now: time.Now}
}

func (m *Mw) clientIP(r *http.Request) string {
	return lim.GetRealIP(r, m.cfg.TrustedProxies)
}

func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.NewRequestID()
		ctx := util.SetRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		if m.cfg.Environment == "production" {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				util.Error().
					Interface("panic", rvr).
					Str("request_id", util.GetRequestID(r.Context())).
					Str("path", r.URL.Path).
					Msg("panic recovered")
				writeErr(w, r, domain.ErrInternalServer)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Identity resolves the session cookie into a caller ID. A missing or bad
// cookie leaves the request anonymous.
func (m *Mw) Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(auth.CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.sessions.Parse(r.Context(), cookie.Value)
		if err != nil {
			if !errors.Is(err, domain.ErrUnauthorized) {
				util.Warn().Err(err).
					Str("request_id", util.GetRequestID(r.Context())).
					Msg("session check failed, treating caller as anonymous")
			}
			next.ServeHTTP(w, r)
			return
		}
		ctx := util.SetCallerID(r.Context(), claims.UserID)
		ctx = context.WithValue(ctx, claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects requests Identity could not authenticate.
func (m *Mw) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionClaims(r.Context()) == nil {
			writeErr(w, r, domain.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionClaims(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

// Admit runs the sliding-window limiter for scope. An empty scope keys on the
// caller's identity, so anonymous and signed-in traffic from one address are
// counted separately.
func (m *Mw) Admit(scope string) func(http.Handler) http.Handler {
	label := scope
	if label == "" {
		label = "create"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := m.clientIP(r)
			now := m.now()
			res := m.window.Check(lim.Key(scope, util.GetCallerID(r.Context()), ip), now)
			setRateHeaders(w, res)
			if !res.Allowed {
				metrics.RateLimitHits.WithLabelValues(label).Inc()
				util.Warn().
					Str("ip", util.RedactIP(ip)).
					Str("scope", label).
					Str("request_id", util.GetRequestID(r.Context())).
					Msg("rate limit exceeded")
				w.Header().Set("Retry-After", retryAfter(res.Reset, now))
				writeErr(w, r, domain.ErrRateLimitExceeded)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Mw) ReadLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.clientIP(r)
		now := m.now()
		res := m.reads.Allow(ip, now)
		setRateHeaders(w, res)
		if !res.Allowed {
			metrics.RateLimitHits.WithLabelValues("read").Inc()
			util.Warn().
				Str("ip", util.RedactIP(ip)).
				Str("scope", "read").
				Msg("rate limit exceeded")
			w.Header().Set("Retry-After", retryAfter(res.Reset, now))
			writeErr(w, r, domain.ErrRateLimitExceeded)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setRateHeaders(w http.ResponseWriter, res lim.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}

func retryAfter(reset, now time.Time) string {
	secs := int(reset.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func (m *Mw) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range m.cfg.AllowedOrigins {
			if o == "*" || (origin != "" && origin == o) {
				allowed = true
				break
			}
		}
		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "300")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) BasicAuthMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MetricsUser == "" && m.cfg.MetricsPass.Value() == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := 0
		passMatch := 0
		if ok {
			userMatch = subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.MetricsUser))
			passMatch = subtle.ConstantTimeCompare([]byte(pass), []byte(m.cfg.MetricsPass.Value()))
		}
		if !ok || userMatch != 1 || passMatch != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Instrument records request latency by route pattern so path parameters
// do not explode label cardinality.
func (m *Mw) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := m.now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).
			Observe(m.now().Sub(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

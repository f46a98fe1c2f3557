// Package admin serves the operator portal: a small HTML console, reachable
// only over the tailnet, for inspecting tracking engine stats and editing
// region flags.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/matt-riley/regionflagz/internal/middleware"
	"github.com/matt-riley/regionflagz/internal/repository"
	"github.com/matt-riley/regionflagz/internal/server"
	"github.com/matt-riley/regionflagz/internal/service"
)

const (
	// operatorPrefix marks region events written from the portal.
	operatorPrefix = "admin:"
	eventPageSize  = 100
)

type contextKey string

const sessionContextKey contextKey = "admin_session"

// Backend is the slice of server.Backend the portal drives.
type Backend interface {
	ListFlags(ctx context.Context) ([]server.FlagInfo, error)
	ListRegions(ctx context.Context) ([]server.RegionInfo, error)
	SetRegionFlag(ctx context.Context, operator, dimension, id, flag string, value json.RawMessage) error
	UnsetRegionFlag(ctx context.Context, operator, dimension, id, flag string) error
	RecentEvents(ctx context.Context, limit int) ([]repository.RegionEvent, error)
}

// StatsSource reports the tracking engine's counters.
type StatsSource interface {
	Stats() service.Stats
}

// Credentials is the single portal account.
type Credentials struct {
	Username     string
	PasswordHash string
}

type Handler struct {
	backend  Backend
	stats    StatsSource
	sessions *SessionManager
	creds    Credentials
	limiter  *middleware.RateLimiter
	log      *slog.Logger
	mux      *http.ServeMux
}

// NewHandler builds the portal. limiter may be nil to disable login
// throttling.
func NewHandler(backend Backend, stats StatsSource, sessions *SessionManager, creds Credentials, limiter *middleware.RateLimiter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		backend:  backend,
		stats:    stats,
		sessions: sessions,
		creds:    creds,
		limiter:  limiter,
		log:      log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /login", h.handleLoginPage)
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("POST /logout", h.handleLogout)

	mux.HandleFunc("GET /{$}", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("GET /regions", h.requireAuth(h.handleRegions))
	mux.HandleFunc("POST /regions/{dimension}/{id}/flags/{flag}", h.requireAuth(h.handleSetFlag))
	mux.HandleFunc("POST /regions/{dimension}/{id}/flags/{flag}/unset", h.requireAuth(h.handleUnsetFlag))
	mux.HandleFunc("GET /events", h.requireAuth(h.handleEvents))

	mux.Handle("GET /static/", http.FileServerFS(content))
	return mux
}

// requireAuth ensures a valid session exists and checks the session CSRF
// token on POSTs.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		session, err := h.sessions.ValidateSession(cookie.Value)
		if err != nil {
			h.sessions.ClearSessionCookie(w)
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		if r.Method == http.MethodPost {
			token := r.FormValue("csrf_token")
			if token == "" {
				token = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		next(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey, session)))
	}
}

func sessionFrom(ctx context.Context) Session {
	s, _ := ctx.Value(sessionContextKey).(Session)
	return s
}

func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	h.renderLogin(w, r, "")
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, errMsg string) {
	token, err := randomToken(csrfTokenLength)
	if err != nil {
		http.Error(w, "Failed to create login form", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
	if errMsg != "" {
		w.WriteHeader(http.StatusUnauthorized)
	}
	h.render(w, "login.html", map[string]any{
		"CSRFToken": token,
		"Error":     errMsg,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !validateDoubleSubmitCSRF(r) {
		http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
		return
	}
	// The tailnet listener reports the peer's tailscale address, so there
	// are no proxy headers to honour.
	ip := middleware.ExtractIP(r.RemoteAddr)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		h.log.Warn("admin login throttled", "ip", ip)
		h.renderLogin(w, r, "Too many attempts. Please try again later.")
		return
	}

	username := r.FormValue("username")
	ok, err := VerifyPassword(r.FormValue("password"), h.creds.PasswordHash)
	if err != nil {
		h.log.Error("verify admin password", "error", err)
	}
	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(h.creds.Username)) == 1
	if err != nil || !ok || !userMatch {
		if h.limiter != nil {
			h.limiter.RecordFailure(ip)
		}
		h.log.Info("admin login failed", "ip", ip, "username", username)
		h.renderLogin(w, r, "Invalid credentials")
		return
	}

	token, _, err := h.sessions.GenerateSession(h.creds.Username)
	if err != nil {
		h.log.Error("create admin session", "error", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	h.sessions.SetSessionCookie(w, token)
	h.log.Info("admin login", "ip", ip, "username", h.creds.Username)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		h.sessions.InvalidateSession(cookie.Value)
	}
	h.sessions.ClearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	flags, err := h.backend.ListFlags(r.Context())
	if err != nil {
		h.serviceError(w, "list flags", err)
		return
	}
	regions, err := h.backend.ListRegions(r.Context())
	if err != nil {
		h.serviceError(w, "list regions", err)
		return
	}
	h.render(w, "dashboard.html", map[string]any{
		"User":      session.Username,
		"CSRFToken": session.CSRFToken,
		"Stats":     h.stats.Stats(),
		"Flags":     flags,
		"Regions":   len(regions),
		"Sessions":  h.sessions.Active(),
	})
}

func (h *Handler) handleRegions(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	regions, err := h.backend.ListRegions(r.Context())
	if err != nil {
		h.serviceError(w, "list regions", err)
		return
	}
	flags, err := h.backend.ListFlags(r.Context())
	if err != nil {
		h.serviceError(w, "list flags", err)
		return
	}
	h.render(w, "regions.html", map[string]any{
		"User":      session.Username,
		"CSRFToken": session.CSRFToken,
		"Regions":   regions,
		"Flags":     flags,
		"Notice":    r.URL.Query().Get("notice"),
	})
}

func (h *Handler) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	dimension, id, flag := r.PathValue("dimension"), r.PathValue("id"), r.PathValue("flag")
	value := formValueJSON(r.FormValue("value"))
	if err := h.backend.SetRegionFlag(r.Context(), operatorPrefix+session.Username, dimension, id, flag, value); err != nil {
		h.serviceError(w, "set region flag", err)
		return
	}
	h.log.Info("admin set region flag",
		"username", session.Username,
		"dimension", dimension,
		"region", id,
		"flag", flag,
	)
	http.Redirect(w, r, "/regions?notice=updated", http.StatusSeeOther)
}

func (h *Handler) handleUnsetFlag(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	dimension, id, flag := r.PathValue("dimension"), r.PathValue("id"), r.PathValue("flag")
	if err := h.backend.UnsetRegionFlag(r.Context(), operatorPrefix+session.Username, dimension, id, flag); err != nil {
		h.serviceError(w, "unset region flag", err)
		return
	}
	h.log.Info("admin unset region flag",
		"username", session.Username,
		"dimension", dimension,
		"region", id,
		"flag", flag,
	)
	http.Redirect(w, r, "/regions?notice=updated", http.StatusSeeOther)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	data := map[string]any{
		"User":      session.Username,
		"CSRFToken": session.CSRFToken,
	}
	events, err := h.backend.RecentEvents(r.Context(), eventPageSize)
	switch {
	case errors.Is(err, server.ErrEventsUnavailable):
		data["Unavailable"] = true
	case err != nil:
		h.serviceError(w, "list region events", err)
		return
	default:
		data["Events"] = events
	}
	h.render(w, "events.html", data)
}

func (h *Handler) serviceError(w http.ResponseWriter, action string, err error) {
	status, message := server.ClassifyError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("admin "+action, "error", err)
	}
	http.Error(w, message, status)
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	if err := Render(w, name, data); err != nil {
		h.log.Error("render error", "template", name, "error", err)
	}
}

// formValueJSON accepts a JSON literal from the form and treats anything
// else as a bare string, so "deny" and "\"deny\"" set the same state.
func formValueJSON(v string) json.RawMessage {
	v = strings.TrimSpace(v)
	if v != "" && json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	b, _ := json.Marshal(v)
	return b
}

// validateDoubleSubmitCSRF checks the login form token against the
// regionflagz_csrf cookie.
func validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	token := r.FormValue("csrf_token")
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(token)) == 1
}

package admin

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"
)

const (
	sessionCookieName  = "regionflagz_admin_session"
	csrfCookieName     = "regionflagz_csrf"
	sessionDuration    = 12 * time.Hour
	sessionTokenLength = 32
	csrfTokenLength    = 32
	pruneInterval      = 10 * time.Minute
)

var ErrUnauthorized = errors.New("unauthorized")

// Session is an authenticated portal login.
type Session struct {
	Username  string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManager keeps portal sessions in memory. Raw tokens only live in
// the operator's cookie; the map is keyed by their HMAC under the session
// secret, so a restart or a new secret signs everyone out.
type SessionManager struct {
	secret []byte
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
}

// NewSessionManager returns a manager that prunes expired sessions until ctx
// is done.
func NewSessionManager(ctx context.Context, secret string) *SessionManager {
	m := &SessionManager{
		secret:   []byte(secret),
		now:      time.Now,
		sessions: make(map[string]Session),
	}
	go m.pruneLoop(ctx)
	return m
}

// GenerateSession creates a session for username and returns the raw token
// for the cookie.
func (m *SessionManager) GenerateSession(username string) (string, Session, error) {
	raw, err := randomToken(sessionTokenLength)
	if err != nil {
		return "", Session{}, fmt.Errorf("generate session token: %w", err)
	}
	csrf, err := randomToken(csrfTokenLength)
	if err != nil {
		return "", Session{}, fmt.Errorf("generate csrf token: %w", err)
	}
	now := m.now()
	s := Session{
		Username:  username,
		CSRFToken: csrf,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionDuration),
	}

	m.mu.Lock()
	m.sessions[m.hashToken(raw)] = s
	m.mu.Unlock()
	return raw, s, nil
}

// ValidateSession returns the live session for a cookie token.
func (m *SessionManager) ValidateSession(raw string) (Session, error) {
	if raw == "" {
		return Session{}, ErrUnauthorized
	}
	key := m.hashToken(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, ErrUnauthorized
	}
	if m.now().After(s.ExpiresAt) {
		delete(m.sessions, key)
		return Session{}, ErrUnauthorized
	}
	return s, nil
}

func (m *SessionManager) InvalidateSession(raw string) {
	m.mu.Lock()
	delete(m.sessions, m.hashToken(raw))
	m.mu.Unlock()
}

// Active reports how many sessions are held.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetSessionCookie writes the session cookie. Secure is left off because the
// portal is served as plain HTTP inside the tailnet.
func (m *SessionManager) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  m.now().Add(sessionDuration),
	})
}

func (m *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func (m *SessionManager) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pruneExpired()
		}
	}
}

func (m *SessionManager) pruneExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	maps.DeleteFunc(m.sessions, func(_ string, s Session) bool {
		return now.After(s.ExpiresAt)
	})
}

func (m *SessionManager) hashToken(raw string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

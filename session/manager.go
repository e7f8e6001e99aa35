package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/securecookie"
)

// CookieName is the name of the session cookie.
const CookieName = "session"

// CookieConfig holds the attributes written on the session cookie.
type CookieConfig struct {
	Domain string
	Secure bool
}

// CookieDomain derives the cookie domain from the application URL. Ports are
// dropped, so localhost:8080 yields localhost.
func CookieDomain(appURL string) (string, error) {
	u, err := url.Parse(appURL)
	if err != nil {
		return "", fmt.Errorf("parse application url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("application url %q has no host", appURL)
	}
	return host, nil
}

// Manager binds sessions to requests through the cookie.
type Manager struct {
	store  *Store
	codec  *securecookie.SecureCookie
	cookie CookieConfig
	logger *slog.Logger
}

// NewManager builds a Manager whose cookies are signed with keys.Signing and
// encrypted with keys.Encryption.
func NewManager(store *Store, keys Keys, cookie CookieConfig, logger *slog.Logger) *Manager {
	codec := securecookie.New(keys.Signing, keys.Encryption)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(store.TTL().Seconds()))
	return &Manager{store: store, codec: codec, cookie: cookie, logger: logger}
}

// FromRequest returns the session referenced by the request cookie. A missing,
// undecodable or expired cookie yields a new, unsaved session.
func (m *Manager) FromRequest(ctx context.Context, r *http.Request) (*Session, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return newSession(), nil
	}
	var id string
	if err := m.codec.Decode(CookieName, c.Value, &id); err != nil {
		m.logger.Debug("discarding undecodable session cookie", "error", err)
		return newSession(), nil
	}
	rec, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return newSession(), nil
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// LoadByID loads a session by id, independent of any cookie. It returns
// ErrNotFound when the record is missing or expired.
func (m *Manager) LoadByID(ctx context.Context, id string) (*Session, error) {
	rec, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// Save persists a modified session and returns the cookie to send. Unmodified
// sessions are not written and yield a nil cookie.
func (m *Manager) Save(ctx context.Context, s *Session) (*http.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.modified {
		return nil, nil
	}
	if !s.stored {
		rec := m.store.newRecord()
		rec.Data = s.record.Data
		s.record = rec
	}
	if err := m.store.Save(ctx, s.record); err != nil {
		return nil, err
	}
	s.stored = true
	s.modified = false
	return m.cookieFor(s.record.ID)
}

// Rotate moves the session's data to a fresh id, deletes the previous record
// and returns the cookie for the new id.
func (m *Manager) Rotate(ctx context.Context, s *Session) (*http.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldID, stored := s.record.ID, s.stored
	rec := m.store.newRecord()
	rec.Data = s.record.Data
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	if stored {
		if err := m.store.Delete(ctx, oldID); err != nil {
			return nil, err
		}
	}
	s.record = rec
	s.stored = true
	s.modified = false
	return m.cookieFor(rec.ID)
}

// Destroy deletes the record and returns a cookie that clears the browser's copy.
func (m *Manager) Destroy(ctx context.Context, s *Session) (*http.Cookie, error) {
	s.mu.Lock()
	id, stored := s.record.ID, s.stored
	s.mu.Unlock()
	if stored {
		if err := m.store.Delete(ctx, id); err != nil {
			return nil, err
		}
	}
	c := m.baseCookie()
	c.MaxAge = -1
	return c, nil
}

func (m *Manager) cookieFor(id string) (*http.Cookie, error) {
	value, err := m.codec.Encode(CookieName, id)
	if err != nil {
		return nil, fmt.Errorf("encode session cookie: %w", err)
	}
	c := m.baseCookie()
	c.Value = value
	return c, nil
}

// baseCookie has no Expires or MaxAge, so browsers drop it when the session ends.
func (m *Manager) baseCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Path:     "/",
		Domain:   m.cookie.Domain,
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

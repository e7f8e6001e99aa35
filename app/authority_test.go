package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"sessiongate/kv"
)

const (
	testClientID     = "gateway"
	testClientSecret = "gateway-secret"
)

// fakeAuthority serves discovery, introspection and the token endpoint.
type fakeAuthority struct {
	*httptest.Server

	mu             sync.Mutex
	tokens         map[string]map[string]any
	codes          map[string]string // code -> PKCE challenge
	introspections int
	exchanges      int
	tokenFailure   bool
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	fa := &fakeAuthority{
		tokens: make(map[string]map[string]any),
		codes:  make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", fa.handleDiscovery)
	mux.HandleFunc("/oauth/v2/introspect", fa.handleIntrospect)
	mux.HandleFunc("/oauth/v2/token", fa.handleToken)
	fa.Server = httptest.NewServer(mux)
	t.Cleanup(fa.Close)
	return fa
}

// activeToken registers an active token for subject that expires in an hour.
func (fa *fakeAuthority) activeToken(token, subject string) {
	claims := map[string]any{
		"active":             true,
		"exp":                time.Now().Add(time.Hour).Unix(),
		"email":              subject + "@example.com",
		"preferred_username": subject,
	}
	if subject != "" {
		claims["sub"] = subject
	}
	fa.mu.Lock()
	fa.tokens[token] = claims
	fa.mu.Unlock()
}

func (fa *fakeAuthority) issueCode(code, challenge string) {
	fa.mu.Lock()
	fa.codes[code] = challenge
	fa.mu.Unlock()
}

func (fa *fakeAuthority) counts() (introspections, exchanges int) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.introspections, fa.exchanges
}

func (fa *fakeAuthority) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                 fa.URL,
		"authorization_endpoint": fa.URL + "/oauth/v2/authorize",
		"token_endpoint":         fa.URL + "/oauth/v2/token",
		"introspection_endpoint": fa.URL + "/oauth/v2/introspect",
		"jwks_uri":               fa.URL + "/oauth/v2/keys",
	})
}

func (fa *fakeAuthority) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := r.BasicAuth()
	if !ok || id != testClientID || secret != testClientSecret {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	token := r.PostForm.Get("token")
	if token == "explode" {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	fa.mu.Lock()
	fa.introspections++
	claims, known := fa.tokens[token]
	fa.mu.Unlock()
	if !known {
		claims = map[string]any{"active": false}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

func (fa *fakeAuthority) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.exchanges++

	w.Header().Set("Content-Type", "application/json")
	fail := func(desc string) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": desc})
	}
	if fa.tokenFailure {
		fail("upstream secret detail")
		return
	}
	if id, secret, ok := r.BasicAuth(); !ok || id != testClientID || secret != testClientSecret {
		fail("bad client")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		fail("bad grant")
		return
	}
	code := r.PostForm.Get("code")
	challenge, ok := fa.codes[code]
	if !ok {
		fail("unknown code")
		return
	}
	delete(fa.codes, code)
	if oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
		fail("pkce mismatch")
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "access-" + code,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, fa *fakeAuthority, modify func(*Config)) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://localhost:8080"
	cfg.Authority.URL = fa.URL
	cfg.Authority.ClientID = testClientID
	cfg.Authority.ClientSecret = testClientSecret
	if modify != nil {
		modify(&cfg)
	}
	require.NoError(t, cfg.Validate(), "invalid test config")

	app, err := NewApp(context.Background(), cfg, testLogger(),
		WithStore(kv.NewMemoryStore()),
		WithHTTPClient(fa.Client()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func serve(app *App, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, r)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	require.FailNowf(t, "response has no session cookie", "headers %v", rec.Header())
	return nil
}

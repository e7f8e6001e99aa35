package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoginRedirectRequired(t *testing.T) {
	tests := []struct {
		status int
		reason string
		want   bool
	}{
		{http.StatusUnauthorized, "unauthorized", true},
		{http.StatusBadRequest, "invalid schema", true},
		{http.StatusBadRequest, "invalid header", true},
		{http.StatusBadRequest, "introspection error", true},
		{http.StatusForbidden, "user is inactive", true},
		{http.StatusNotFound, "user was not found", true},
		{http.StatusInternalServerError, "missing config", true},
		{http.StatusInternalServerError, "introspection error", false},
		{http.StatusUnauthorized, "user is inactive", false},
		{http.StatusNotFound, "", false},
		{http.StatusOK, "unauthorized", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, LoginRedirectRequired(tt.status, tt.reason), "LoginRedirectRequired(%d, %q)", tt.status, tt.reason)
	}
}

func TestRedirectOnIntrospectionError(t *testing.T) {
	respond := func(status int, reason string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reason != "" {
				w.Header().Set(IntrospectionErrorHeader, reason)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"` + reason + `"}`))
		})
	}

	t.Run("redirects recoverable failures", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RedirectOnIntrospectionError(respond(http.StatusForbidden, "user is inactive")).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app", nil))

		require.Equal(t, http.StatusSeeOther, rec.Code)
		require.Equal(t, LoginPath, rec.Header().Get("Location"))
		require.Empty(t, rec.Header().Get(IntrospectionErrorHeader), "reason header must not leak onto the redirect")
		require.Zero(t, rec.Body.Len())
	})

	t.Run("passes other responses through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RedirectOnIntrospectionError(respond(http.StatusInternalServerError, "introspection error")).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app", nil))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, "introspection error", rec.Header().Get(IntrospectionErrorHeader))
		require.Equal(t, `{"error":"introspection error"}`, rec.Body.String())
	})

	t.Run("implicit ok", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RedirectOnIntrospectionError(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("hello"))
		})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "hello", rec.Body.String())
	})
}

func TestRouterRedirectsAnonymousBrowser(t *testing.T) {
	fa := newFakeAuthority(t)
	app := newTestApp(t, fa, nil)

	rec := serve(app, httptest.NewRequest(http.MethodGet, "/api/whoami", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, LoginPath, rec.Header().Get("Location"))
}

package introspection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubSigner struct {
	audience string
	err      error
}

func (s *stubSigner) SignAssertion(audience string) (string, error) {
	s.audience = audience
	if s.err != nil {
		return "", s.err
	}
	return "signed.jwt.value", nil
}

func TestIntrospectBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok || id != "client" || secret != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("token") != "opaque-token" || r.PostForm.Get("client_assertion") != "" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"active": true,
			"sub": "user-1",
			"exp": 4102444800,
			"email": "ada@example.com",
			"email_verified": true,
			"urn:zitadel:iam:org:project:roles": {"admin": {"org-1": "example.com"}},
			"urn:zitadel:iam:user:metadata": {"team": "cGxhdGZvcm0="}
		}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.Client()).Introspect(context.Background(), srv.URL+"/oauth/v2/introspect", srv.URL,
		BasicAuth{ClientID: "client", ClientSecret: "secret"}, "opaque-token")
	require.NoError(t, err)
	require.True(t, resp.Active)
	require.Equal(t, "user-1", resp.Sub)
	require.Equal(t, int64(4102444800), resp.ExpiresAt().Unix())
	require.Equal(t, "platform", resp.Metadata["team"])
	require.Equal(t, "example.com", resp.ProjectRoles["admin"]["org-1"])

	user, ok := UserFromResponse(resp)
	require.True(t, ok)
	require.Equal(t, "user-1", user.UserID)
	require.Equal(t, "ada@example.com", user.Email)
	require.NotNil(t, user.EmailVerified)
	require.True(t, *user.EmailVerified)
}

func TestIntrospectJWTProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, hasBasic := r.BasicAuth(); hasBasic {
			http.Error(w, "unexpected basic auth", http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil ||
			r.PostForm.Get("client_assertion_type") != clientAssertionType ||
			r.PostForm.Get("client_assertion") != "signed.jwt.value" ||
			r.PostForm.Get("token") != "tok" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"active": false}`))
	}))
	defer srv.Close()

	signer := &stubSigner{}
	resp, err := NewClient(srv.Client()).Introspect(context.Background(), srv.URL, "https://authority.example.com", JWTProfile{Signer: signer}, "tok")
	require.NoError(t, err)
	require.False(t, resp.Active)
	require.Equal(t, "https://authority.example.com", signer.audience)
}

func TestIntrospectErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		auth    Authentication
		check   func(t *testing.T, err error)
	}{
		{
			name: "non success status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			},
			auth: BasicAuth{ClientID: "c", ClientSecret: "s"},
			check: func(t *testing.T, err error) {
				var respErr *ResponseError
				require.True(t, errors.As(err, &respErr))
				require.Equal(t, http.StatusUnauthorized, respErr.StatusCode)
				require.Contains(t, respErr.Body, "invalid_client")
				require.NotContains(t, err.Error(), "invalid_client")
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"active": tru`))
			},
			auth: BasicAuth{},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrParseResponse)
			},
		},
		{
			name: "metadata not base64",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"active": true, "sub": "u", "urn:zitadel:iam:user:metadata": {"k": "%%%"}}`))
			},
			auth: BasicAuth{},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrDecodeResponse)
			},
		},
		{
			name: "signer failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				t.Error("request must not be sent when signing fails")
			},
			auth: JWTProfile{Signer: &stubSigner{err: errors.New("no key")}},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrJWTProfile)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := NewClient(srv.Client()).Introspect(context.Background(), srv.URL, srv.URL, tc.auth, "tok")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestIntrospectBadEndpoint(t *testing.T) {
	_, err := NewClient(nil).Introspect(context.Background(), "::not a url", "", BasicAuth{}, "tok")
	require.ErrorIs(t, err, ErrParseURL)
}

func TestIntrospectTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(nil).Introspect(context.Background(), url, url, BasicAuth{}, "tok")
	require.ErrorIs(t, err, ErrRequestFailed)
}

func TestEndpointResolverDiscoversOnce(t *testing.T) {
	var hits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/oauth/v2/authorize",
			"token_endpoint":         srv.URL + "/oauth/v2/token",
			"introspection_endpoint": srv.URL + "/oauth/v2/introspect",
			"jwks_uri":               srv.URL + "/oauth/v2/keys",
		})
	}))
	defer srv.Close()

	resolver := NewEndpointResolver(srv.URL, "", srv.Client())
	for i := 0; i < 3; i++ {
		endpoint, err := resolver.Resolve(context.Background())
		require.NoError(t, err)
		require.Equal(t, srv.URL+"/oauth/v2/introspect", endpoint)
	}
	require.Equal(t, int32(1), hits.Load())
}

func TestEndpointResolverSurvivesCanceledCaller(t *testing.T) {
	var hits atomic.Int32
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		arrived <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/oauth/v2/authorize",
			"token_endpoint":         srv.URL + "/oauth/v2/token",
			"introspection_endpoint": srv.URL + "/oauth/v2/introspect",
			"jwks_uri":               srv.URL + "/oauth/v2/keys",
		})
	}))
	defer srv.Close()

	resolver := NewEndpointResolver(srv.URL, "", srv.Client())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(ctxA)
		errA <- err
	}()
	<-arrived

	type result struct {
		endpoint string
		err      error
	}
	resB := make(chan result, 1)
	go func() {
		endpoint, err := resolver.Resolve(context.Background())
		resB <- result{endpoint, err}
	}()

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	got := <-resB
	require.NoError(t, got.err)
	require.Equal(t, srv.URL+"/oauth/v2/introspect", got.endpoint)
	require.Equal(t, int32(1), hits.Load())
}

func TestEndpointResolverStaticAndMissing(t *testing.T) {
	endpoint, err := NewEndpointResolver("", "https://static.example.com/introspect", nil).Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://static.example.com/introspect", endpoint)

	_, err = NewEndpointResolver("", "", nil).Resolve(context.Background())
	require.Error(t, err)
}

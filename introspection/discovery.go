package introspection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/sync/singleflight"
)

// Discover reads the introspection endpoint from the authority's
// /.well-known/openid-configuration document.
func Discover(ctx context.Context, httpClient *http.Client, authority string) (string, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	provider, err := oidc.NewProvider(ctx, strings.TrimSuffix(authority, "/"))
	if err != nil {
		return "", fmt.Errorf("discover authority: %w", err)
	}
	var meta struct {
		IntrospectionEndpoint string `json:"introspection_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("parse discovery document: %w", err)
	}
	if meta.IntrospectionEndpoint == "" {
		return "", errors.New("authority does not advertise an introspection endpoint")
	}
	return meta.IntrospectionEndpoint, nil
}

// EndpointResolver resolves the introspection endpoint once and remembers it.
// A failed discovery is not remembered, so the next caller tries again.
type EndpointResolver struct {
	authority  string
	httpClient *http.Client

	mu       sync.RWMutex
	endpoint string
	group    singleflight.Group
}

// NewEndpointResolver returns a resolver. A non-empty static endpoint skips
// discovery entirely.
func NewEndpointResolver(authority, static string, httpClient *http.Client) *EndpointResolver {
	return &EndpointResolver{authority: authority, endpoint: static, httpClient: httpClient}
}

// Resolve returns the introspection endpoint.
func (r *EndpointResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.RLock()
	endpoint := r.endpoint
	r.mu.RUnlock()
	if endpoint != "" {
		return endpoint, nil
	}
	if r.authority == "" {
		return "", errors.New("authority url is not configured")
	}

	// The shared lookup runs detached; each caller stops waiting on its own ctx.
	flight := context.WithoutCancel(ctx)
	ch := r.group.DoChan("discover", func() (any, error) {
		found, err := Discover(flight, r.httpClient, r.authority)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.endpoint = found
		r.mu.Unlock()
		return found, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

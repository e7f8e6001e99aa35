package credentials

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

const (
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	apiAccessScope = "urn:zitadel:iam:org:project:id:zitadel:aud"
)

// ServiceAccount is a Zitadel machine-user key.
type ServiceAccount struct {
	UserID string `json:"userId"`
	KeyID  string `json:"keyId"`
	Key    string `json:"key"`

	privateKey *rsa.PrivateKey
	now        func() time.Time
}

// TokenOptions shapes the scopes requested for a service account token.
type TokenOptions struct {
	// APIAccess requests the audience of the authority's own management API.
	APIAccess        bool
	Scopes           []string
	Roles            []string
	ProjectAudiences []string
}

// Scope renders the space separated scope string, without duplicates.
func (o TokenOptions) Scope() string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	add(oidc.ScopeOpenID)
	for _, r := range o.Roles {
		add("urn:zitadel:iam:org:project:role:" + r)
	}
	for _, p := range o.ProjectAudiences {
		add("urn:zitadel:iam:org:project:id:" + p + ":aud")
	}
	for _, s := range o.Scopes {
		add(s)
	}
	if o.APIAccess {
		add(apiAccessScope)
	}
	return strings.Join(out, " ")
}

// LoadServiceAccountFromFile reads and parses a service account key file.
func LoadServiceAccountFromFile(path string) (*ServiceAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	return LoadServiceAccountFromJSON(raw)
}

// LoadServiceAccountFromJSON parses a service account key document.
func LoadServiceAccountFromJSON(raw []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if sa.UserID == "" {
		return nil, errors.New("service account key has no userId")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.Key))
	if err != nil {
		return nil, fmt.Errorf("parse service account rsa key: %w", err)
	}
	sa.privateKey = key
	sa.now = time.Now
	return &sa, nil
}

// SignAssertion returns an RS256 JWT with iss and sub set to the user id.
func (sa *ServiceAccount) SignAssertion(audience string) (string, error) {
	return signAssertion(sa.privateKey, sa.KeyID, sa.UserID, audience, sa.now)
}

// Token performs the JWT-bearer grant against the authority's token endpoint,
// which is found through discovery, and returns the access token.
func (sa *ServiceAccount) Token(ctx context.Context, httpClient *http.Client, authority string, opts TokenOptions) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	authority = strings.TrimSuffix(authority, "/")
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), authority)
	if err != nil {
		return "", fmt.Errorf("discover authority: %w", err)
	}
	tokenURL := provider.Endpoint().TokenURL
	if tokenURL == "" {
		return "", errors.New("discovery document has no token endpoint")
	}

	assertion, err := sa.SignAssertion(authority)
	if err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)
	form.Set("scope", opts.Scope())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", fmt.Errorf("token endpoint responded with status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("token response does not contain an access token")
	}
	return body.AccessToken, nil
}

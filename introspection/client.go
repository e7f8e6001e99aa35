// Package introspection calls the authority's RFC 7662 introspection endpoint
// and caches active results until the token expires.
package introspection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	maxErrorBody        = 64 << 10
)

var (
	ErrParseURL       = errors.New("introspection: invalid endpoint url")
	ErrRequestFailed  = errors.New("introspection: request failed")
	ErrJWTProfile     = errors.New("introspection: could not create client assertion")
	ErrParseResponse  = errors.New("introspection: could not parse response")
	ErrDecodeResponse = errors.New("introspection: could not decode response claims")
)

// ResponseError is returned when the authority answers with a non-2xx status.
// Body is kept for diagnostics and is deliberately left out of Error().
type ResponseError struct {
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("introspection: authority responded with status %d", e.StatusCode)
}

// AssertionSigner produces a signed client assertion for the given audience.
type AssertionSigner interface {
	SignAssertion(audience string) (string, error)
}

// Authentication selects how the gateway authenticates itself to the
// introspection endpoint. The set of implementations is closed.
type Authentication interface {
	authenticate(req *http.Request, form url.Values, authority string) error
}

// BasicAuth authenticates with a shared client secret.
type BasicAuth struct {
	ClientID     string
	ClientSecret string
}

func (b BasicAuth) authenticate(req *http.Request, _ url.Values, _ string) error {
	req.SetBasicAuth(b.ClientID, b.ClientSecret)
	return nil
}

// JWTProfile authenticates with a freshly signed RS256 client assertion.
type JWTProfile struct {
	Signer AssertionSigner
}

func (j JWTProfile) authenticate(_ *http.Request, form url.Values, authority string) error {
	if j.Signer == nil {
		return fmt.Errorf("%w: no signer configured", ErrJWTProfile)
	}
	assertion, err := j.Signer.SignAssertion(authority)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJWTProfile, err)
	}
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	return nil
}

// Client performs introspection calls. It never retries.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a client using httpClient, or http.DefaultClient when nil.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient}
}

// Introspect asks the authority whether token is active.
func (c *Client) Introspect(ctx context.Context, endpoint, authority string, auth Authentication, token string) (*Response, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrParseURL, endpoint)
	}
	if auth == nil {
		return nil, fmt.Errorf("%w: no authentication configured", ErrRequestFailed)
	}

	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	if err := auth.authenticate(req, form, authority); err != nil {
		return nil, err
	}
	body := form.Encode()
	req.Body = io.NopCloser(strings.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ResponseError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseResponse, err)
	}
	if err := out.decodeMetadata(); err != nil {
		return nil, err
	}
	return &out, nil
}

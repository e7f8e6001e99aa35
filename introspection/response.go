package introspection

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Response is an RFC 7662 introspection response plus the extra claims the
// authority adds for users.
type Response struct {
	Active    bool             `json:"active"`
	Scope     string           `json:"scope,omitempty"`
	ClientID  string           `json:"client_id,omitempty"`
	Username  string           `json:"username,omitempty"`
	TokenType string           `json:"token_type,omitempty"`
	Exp       *jwt.NumericDate `json:"exp,omitempty"`
	Iat       *jwt.NumericDate `json:"iat,omitempty"`
	Nbf       *jwt.NumericDate `json:"nbf,omitempty"`
	Sub       string           `json:"sub,omitempty"`
	Aud       jwt.ClaimStrings `json:"aud,omitempty"`
	Iss       string           `json:"iss,omitempty"`
	Jti       string           `json:"jti,omitempty"`

	Name                       string                       `json:"name,omitempty"`
	GivenName                  string                       `json:"given_name,omitempty"`
	FamilyName                 string                       `json:"family_name,omitempty"`
	PreferredUsername          string                       `json:"preferred_username,omitempty"`
	Email                      string                       `json:"email,omitempty"`
	EmailVerified              *bool                        `json:"email_verified,omitempty"`
	Locale                     string                       `json:"locale,omitempty"`
	ResourceOwnerID            string                       `json:"urn:zitadel:iam:user:resourceowner:id,omitempty"`
	ResourceOwnerName          string                       `json:"urn:zitadel:iam:user:resourceowner:name,omitempty"`
	ResourceOwnerPrimaryDomain string                       `json:"urn:zitadel:iam:user:resourceowner:primary_domain,omitempty"`
	ProjectRoles               map[string]map[string]string `json:"urn:zitadel:iam:org:project:roles,omitempty"`
	Metadata                   map[string]string            `json:"urn:zitadel:iam:user:metadata,omitempty"`
}

// ExpiresAt returns the expiry instant, or the zero time when exp is absent.
func (r *Response) ExpiresAt() time.Time {
	if r == nil || r.Exp == nil {
		return time.Time{}
	}
	return r.Exp.Time
}

// decodeMetadata replaces every base64 metadata value with its decoded form.
func (r *Response) decodeMetadata() error {
	if len(r.Metadata) == 0 {
		return nil
	}
	decoded := make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("%w: metadata %q: %w", ErrDecodeResponse, k, err)
		}
		decoded[k] = string(raw)
	}
	r.Metadata = decoded
	return nil
}

// User is the identity admitted by the gateway for an active token.
type User struct {
	UserID            string                       `json:"user_id"`
	Username          string                       `json:"username,omitempty"`
	Name              string                       `json:"name,omitempty"`
	GivenName         string                       `json:"given_name,omitempty"`
	FamilyName        string                       `json:"family_name,omitempty"`
	PreferredUsername string                       `json:"preferred_username,omitempty"`
	Email             string                       `json:"email,omitempty"`
	EmailVerified     *bool                        `json:"email_verified,omitempty"`
	Locale            string                       `json:"locale,omitempty"`
	ProjectRoles      map[string]map[string]string `json:"project_roles,omitempty"`
	Metadata          map[string]string            `json:"metadata,omitempty"`
}

// UserFromResponse builds a User. ok is false when the response has no subject.
func UserFromResponse(r *Response) (*User, bool) {
	if r == nil || r.Sub == "" {
		return nil, false
	}
	return &User{
		UserID:            r.Sub,
		Username:          r.Username,
		Name:              r.Name,
		GivenName:         r.GivenName,
		FamilyName:        r.FamilyName,
		PreferredUsername: r.PreferredUsername,
		Email:             r.Email,
		EmailVerified:     r.EmailVerified,
		Locale:            r.Locale,
		ProjectRoles:      r.ProjectRoles,
		Metadata:          r.Metadata,
	}, true
}

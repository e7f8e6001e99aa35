// Package credentials loads Zitadel key files and signs the RS256 assertions
// used for JWT-profile client authentication and the JWT-bearer grant.
package credentials

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AssertionLifetime bounds how long a signed assertion is valid.
const AssertionLifetime = time.Hour

// Application is a Zitadel application key, as downloaded from the console.
type Application struct {
	Type     string `json:"type"`
	KeyID    string `json:"keyId"`
	Key      string `json:"key"`
	AppID    string `json:"appId"`
	ClientID string `json:"clientId"`

	privateKey *rsa.PrivateKey
	now        func() time.Time
}

// LoadApplicationFromFile reads and parses an application key file.
func LoadApplicationFromFile(path string) (*Application, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read application key: %w", err)
	}
	return LoadApplicationFromJSON(raw)
}

// LoadApplicationFromJSON parses an application key document and its RSA key.
func LoadApplicationFromJSON(raw []byte) (*Application, error) {
	var app Application
	if err := json.Unmarshal(raw, &app); err != nil {
		return nil, fmt.Errorf("parse application key: %w", err)
	}
	if app.ClientID == "" {
		return nil, errors.New("application key has no clientId")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(app.Key))
	if err != nil {
		return nil, fmt.Errorf("parse application rsa key: %w", err)
	}
	app.privateKey = key
	app.now = time.Now
	return &app, nil
}

// SignAssertion returns an RS256 JWT with iss and sub set to the client id.
func (a *Application) SignAssertion(audience string) (string, error) {
	return signAssertion(a.privateKey, a.KeyID, a.ClientID, audience, a.now)
}

func signAssertion(key *rsa.PrivateKey, kid, subject, audience string, now func() time.Time) (string, error) {
	if key == nil {
		return "", errors.New("no private key loaded")
	}
	if now == nil {
		now = time.Now
	}
	issued := now()
	claims := jwt.RegisteredClaims{
		Issuer:    subject,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(AssertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

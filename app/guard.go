package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"sessiongate/introspection"
	"sessiongate/session"
)

// IntrospectionErrorHeader carries the guard failure reason on rejected responses.
const IntrospectionErrorHeader = "X-Introspection-Error"

// GuardErrorKind enumerates why the guard refused a request.
type GuardErrorKind int

const (
	KindMissingConfig GuardErrorKind = iota
	KindUnauthorized
	KindInvalidHeader
	KindWrongScheme
	KindIntrospection
	KindInactive
	KindNoUserID
)

var guardErrorTable = map[GuardErrorKind]struct {
	status int
	reason string
}{
	KindMissingConfig: {http.StatusInternalServerError, "missing config"},
	KindUnauthorized:  {http.StatusUnauthorized, "unauthorized"},
	KindInvalidHeader: {http.StatusBadRequest, "invalid header"},
	KindWrongScheme:   {http.StatusBadRequest, "invalid schema"},
	KindIntrospection: {http.StatusBadRequest, "introspection error"},
	KindInactive:      {http.StatusForbidden, "user is inactive"},
	KindNoUserID:      {http.StatusNotFound, "user was not found"},
}

// GuardError is a typed guard failure with a fixed wire mapping.
type GuardError struct {
	Kind GuardErrorKind
	Err  error
}

func (e *GuardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason(), e.Err)
	}
	return e.Reason()
}

func (e *GuardError) Unwrap() error { return e.Err }

// Reason is the value written to IntrospectionErrorHeader.
func (e *GuardError) Reason() string {
	return guardErrorTable[e.Kind].reason
}

// Status is the HTTP status for the failure. Introspection failures are 400
// only when the authority rejected the request itself; transport, parse and
// 5xx failures are 500.
func (e *GuardError) Status() int {
	if e.Kind == KindIntrospection {
		var respErr *introspection.ResponseError
		if errors.As(e.Err, &respErr) && respErr.StatusCode >= 400 && respErr.StatusCode < 500 {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
	return guardErrorTable[e.Kind].status
}

func guardErr(kind GuardErrorKind, err error) *GuardError {
	return &GuardError{Kind: kind, Err: err}
}

// Guard decides whether a request carries an active token.
type Guard struct {
	authority string
	auth      introspection.Authentication
	resolver  *introspection.EndpointResolver
	client    *introspection.Client
	cache     introspection.Cache
	logger    *slog.Logger
	inflight  singleflight.Group
}

// GuardConfig wires a Guard.
type GuardConfig struct {
	Authority string
	Auth      introspection.Authentication
	Resolver  *introspection.EndpointResolver
	Client    *introspection.Client
	Cache     introspection.Cache
}

// NewGuard builds a Guard. Missing pieces surface as KindMissingConfig when
// a request is authenticated, not here.
func NewGuard(cfg GuardConfig, logger *slog.Logger) *Guard {
	client := cfg.Client
	if client == nil {
		client = introspection.NewClient(nil)
	}
	return &Guard{
		authority: cfg.Authority,
		auth:      cfg.Auth,
		resolver:  cfg.Resolver,
		client:    client,
		cache:     cfg.Cache,
		logger:    logger,
	}
}

// Authenticate resolves the caller's token (session first, then the bearer
// header), introspects it through the cache and returns the admitted user.
func (g *Guard) Authenticate(ctx context.Context, r *http.Request, sess *session.Session) (*introspection.User, error) {
	if g == nil || g.cache == nil || g.auth == nil || g.resolver == nil || g.authority == "" {
		return nil, guardErr(KindMissingConfig, errors.New("guard is not fully configured"))
	}

	token, ok := "", false
	if sess != nil {
		token, ok = sess.GetString(sessionTokenKey)
	}
	if !ok || token == "" {
		var gerr *GuardError
		token, gerr = bearerToken(r)
		if gerr != nil {
			return nil, gerr
		}
	}

	resp, gerr := g.introspect(ctx, token)
	if gerr != nil {
		return nil, gerr
	}

	if !resp.Active {
		return nil, guardErr(KindInactive, nil)
	}
	user, ok := introspection.UserFromResponse(resp)
	if !ok {
		return nil, guardErr(KindNoUserID, nil)
	}
	return user, nil
}

func (g *Guard) introspect(ctx context.Context, token string) (*introspection.Response, *GuardError) {
	if resp, ok := g.cache.Get(ctx, token); ok {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return resp, nil
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()

	endpoint, err := g.resolver.Resolve(ctx)
	if err != nil {
		g.logger.Error("introspection endpoint unavailable", "error", err)
		return nil, guardErr(KindMissingConfig, err)
	}

	// Concurrent requests for the same token share one call, detached from
	// any single caller's cancellation.
	v, err, _ := g.inflight.Do(token, func() (any, error) {
		resp, err := g.client.Introspect(context.WithoutCancel(ctx), endpoint, g.authority, g.auth, token)
		if err != nil {
			return nil, err
		}
		g.cache.Set(context.WithoutCancel(ctx), token, resp)
		return resp, nil
	})
	if err != nil {
		introspectionsTotal.WithLabelValues("error").Inc()
		g.logger.Warn("introspection failed", "error", err)
		return nil, guardErr(KindIntrospection, err)
	}
	resp := v.(*introspection.Response)
	if resp.Active {
		introspectionsTotal.WithLabelValues("active").Inc()
	} else {
		introspectionsTotal.WithLabelValues("inactive").Inc()
	}
	return resp, nil
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, *GuardError) {
	values := r.Header.Values("Authorization")
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", guardErr(KindUnauthorized, nil)
	}
	header := values[0]
	if !utf8.ValidString(header) {
		return "", guardErr(KindInvalidHeader, errors.New("authorization header is not valid utf-8"))
	}
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return "", guardErr(KindWrongScheme, nil)
	}
	token := strings.TrimSpace(rest)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", guardErr(KindInvalidHeader, errors.New("malformed bearer token"))
	}
	return token, nil
}

// writeGuardError renders a guard failure as status, reason header and JSON body.
func writeGuardError(w http.ResponseWriter, gerr *GuardError) {
	w.Header().Set(IntrospectionErrorHeader, gerr.Reason())
	writeJSONStatus(w, gerr.Status(), map[string]string{"error": gerr.Reason()})
}

// RequireUser admits requests that pass the guard and stores the user on the
// request context.
func (a *App) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess, err := a.Sessions.FromRequest(ctx, r)
		var user *introspection.User
		if err != nil {
			a.Logger.Error("session backend unavailable", "error", err)
			err = guardErr(KindMissingConfig, err)
		} else {
			user, err = a.Guard.Authenticate(ctx, r, sess)
		}
		if err != nil {
			var gerr *GuardError
			if !errors.As(err, &gerr) {
				gerr = guardErr(KindMissingConfig, err)
			}
			guardFailuresTotal.WithLabelValues(gerr.Reason()).Inc()
			a.Logger.Debug("request rejected by guard", "reason", gerr.Reason(), "status", gerr.Status(), "path", r.URL.Path)
			writeGuardError(w, gerr)
			return
		}

		setRequestUser(ctx, user.UserID)
		next.ServeHTTP(w, r.WithContext(withUser(ctx, user)))
	})
}

package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"sessiongate/introspection"
	"sessiongate/kv"
	"sessiongate/session"
)

// Login flow paths.
const (
	LoginPath     = "/login"
	AuthorizePath = "/login/authorize"
	CallbackPath  = "/login/callback"
	LogoutPath    = "/logout"
)

// Session and store keys written by the login flow.
const (
	sessionTokenKey      = "token"
	csrfStateKey         = "csrf_state"
	lastVisitedKey       = "last_visited"
	pkceVerifierPrefix   = "pkce_verifier_"
	csrfSessionKeyPrefix = "csrf_session_"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Messages returned by the callback. They never carry provider detail.
const (
	msgInvalidCode     = "Invalid authorization code"
	msgStateMismatch   = "Session state mismatch or expired."
	msgCSRFMismatch    = "CSRF state mismatch or missing."
	msgExchangeFailed  = "OAuth2 token exchange failed."
	msgLoginInProgress = "A login is already in progress for this session."
)

func verifierKey(state string) string { return pkceVerifierPrefix + state }

func bindingKey(state string) string { return csrfSessionKeyPrefix + state }

// Scopes returns the scopes requested at the authority. Organization and
// project scopes are only added when the ids are set.
func Scopes(organizationID, projectID string) []string {
	scopes := []string{"openid", "email"}
	if organizationID != "" {
		scopes = append(scopes, "urn:zitadel:iam:org:id:"+organizationID)
	}
	if projectID != "" {
		scopes = append(scopes, "urn:zitadel:iam:org:project:id:"+projectID+":aud")
	}
	return scopes
}

// FlowConfig configures a FlowController.
type FlowConfig struct {
	Authority      string
	ClientID       string
	ClientSecret   string
	PublicURL      string
	OrganizationID string
	ProjectID      string
	TransactionTTL time.Duration

	// Signer, when set, authenticates the code exchange with a client
	// assertion instead of the client secret.
	Signer introspection.AssertionSigner
	// HTTPClient is used for the code exchange. nil means http.DefaultClient.
	HTTPClient *http.Client
}

// FlowController drives the authorization code flow with PKCE.
type FlowController struct {
	sessions       *session.Manager
	store          kv.Store
	oauth          *oauth2.Config
	authority      string
	signer         introspection.AssertionSigner
	httpClient     *http.Client
	transactionTTL time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewFlowController builds the login flow. store holds the CSRF state to
// session id bindings.
func NewFlowController(cfg FlowConfig, sessions *session.Manager, store kv.Store, logger *slog.Logger) *FlowController {
	authority := strings.TrimSuffix(cfg.Authority, "/")
	authStyle := oauth2.AuthStyleInHeader
	clientSecret := cfg.ClientSecret
	if cfg.Signer != nil {
		// The client assertion replaces the secret on the token request.
		clientSecret = ""
	}
	if clientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}
	ttl := cfg.TransactionTTL
	if ttl <= 0 {
		ttl = DefaultTransactionTTL
	}
	return &FlowController{
		sessions: sessions,
		store:    store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authority + "/oauth/v2/authorize",
				TokenURL:  authority + "/oauth/v2/token",
				AuthStyle: authStyle,
			},
			RedirectURL: strings.TrimSuffix(cfg.PublicURL, "/") + CallbackPath,
			Scopes:      Scopes(cfg.OrganizationID, cfg.ProjectID),
		},
		authority:      authority,
		signer:         cfg.Signer,
		httpClient:     cfg.HTTPClient,
		transactionTTL: ttl,
		logger:         logger,
		now:            time.Now,
	}
}

var loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Signing in</title></head>
<body onload="document.forms[0].submit()">
  <form method="get" action="{{.Action}}">
    <noscript><p>Continue to sign in.</p></noscript>
    <button type="submit">Sign in</button>
  </form>
</body>
</html>
`))

var signedOutPage = template.Must(template.New("signedOut").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Signed out</title></head>
<body>
  <p>You have been signed out.</p>
  <p><a href="{{.Action}}">Sign in again</a></p>
</body>
</html>
`))

// Login records the visit and serves a page that submits to AuthorizePath.
func (f *FlowController) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := f.sessions.FromRequest(ctx, r)
	if err != nil {
		f.fail(w, "login", "load session", err)
		return
	}
	if err := sess.Insert(lastVisitedKey, f.now().UTC().Format(time.RFC3339)); err != nil {
		f.fail(w, "login", "update session", err)
		return
	}
	if !f.save(ctx, w, sess, "login") {
		return
	}
	loginStepsTotal.WithLabelValues("login", "ok").Inc()
	renderPage(w, loginPage, AuthorizePath)
}

// Authorize starts a transaction and redirects to the authority.
func (f *FlowController) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := f.sessions.FromRequest(ctx, r)
	if err != nil {
		f.fail(w, "authorize", "load session", err)
		return
	}

	state, err := newCSRFState()
	if err != nil {
		f.fail(w, "authorize", "generate state", err)
		return
	}

	if pending, ok := sess.GetString(csrfStateKey); ok && pending != state {
		live, err := f.bindingAlive(ctx, pending)
		if err != nil {
			f.fail(w, "authorize", "check pending transaction", err)
			return
		}
		if live {
			loginStepsTotal.WithLabelValues("authorize", "conflict").Inc()
			f.logger.Info("login already in progress", "session_id", sess.ID())
			http.Error(w, msgLoginInProgress, http.StatusBadRequest)
			return
		}
		// The binding expired, so the old transaction can never complete.
		sess.Remove(verifierKey(pending))
	}

	verifier := oauth2.GenerateVerifier()
	if err := sess.Insert(csrfStateKey, state); err != nil {
		f.fail(w, "authorize", "update session", err)
		return
	}
	if err := sess.Insert(verifierKey(state), verifier); err != nil {
		f.fail(w, "authorize", "update session", err)
		return
	}
	cookie, err := f.sessions.Save(ctx, sess)
	if err != nil {
		f.fail(w, "authorize", "save session", err)
		return
	}
	expires := f.now().Add(f.transactionTTL)
	if err := f.store.Put(ctx, bindingKey(state), []byte(sess.ID()), kv.WithExpiration(expires)); err != nil {
		f.fail(w, "authorize", "bind state", err)
		return
	}
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	loginStepsTotal.WithLabelValues("authorize", "ok").Inc()
	http.Redirect(w, r, f.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

// Callback completes the transaction started by Authorize.
func (f *FlowController) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	code, state := query.Get("code"), query.Get("state")
	if code == "" {
		f.reject(w, msgInvalidCode)
		return
	}
	if state == "" {
		f.reject(w, msgStateMismatch)
		return
	}

	raw, err := f.store.Get(ctx, bindingKey(state))
	if errors.Is(err, kv.ErrNotFound) {
		f.logger.Info("callback for unknown or expired login transaction")
		f.reject(w, msgStateMismatch)
		return
	}
	if err != nil {
		f.fail(w, "callback", "read state binding", err)
		return
	}
	if err := f.store.Delete(ctx, bindingKey(state)); err != nil {
		f.fail(w, "callback", "delete state binding", err)
		return
	}

	authSess, err := f.sessions.LoadByID(ctx, string(raw))
	if errors.Is(err, session.ErrNotFound) {
		f.reject(w, msgStateMismatch)
		return
	}
	if err != nil {
		f.fail(w, "callback", "load session", err)
		return
	}

	verifier, ok := authSess.GetString(verifierKey(state))
	if !ok {
		f.reject(w, msgStateMismatch)
		return
	}
	stored, ok := authSess.GetString(csrfStateKey)
	if !ok {
		f.reject(w, msgCSRFMismatch)
		return
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(state)) != 1 {
		f.logger.Warn("csrf state mismatch on login callback", "session_id", authSess.ID())
		f.reject(w, msgCSRFMismatch)
		return
	}

	authSess.Remove(csrfStateKey)
	authSess.Remove(verifierKey(state))
	if _, err := f.sessions.Save(ctx, authSess); err != nil {
		f.fail(w, "callback", "save session", err)
		return
	}

	token, err := f.exchange(ctx, code, verifier)
	if err != nil {
		loginStepsTotal.WithLabelValues("callback", "error").Inc()
		attrs := []any{"error_type", fmt.Sprintf("%T", err)}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			attrs = append(attrs, "error_code", re.ErrorCode)
			if re.Response != nil {
				attrs = append(attrs, "status", re.Response.StatusCode)
			}
		}
		f.logger.Error("authorization code exchange failed", attrs...)
		http.Error(w, msgExchangeFailed, http.StatusInternalServerError)
		return
	}

	current, err := f.sessions.FromRequest(ctx, r)
	if err != nil {
		f.fail(w, "callback", "load session", err)
		return
	}
	if current.ID() != "" && current.ID() == authSess.ID() {
		current = authSess
	}
	if err := current.Insert(sessionTokenKey, token.AccessToken); err != nil {
		f.fail(w, "callback", "update session", err)
		return
	}
	// A signed-in session never keeps the id it had before login.
	cookie, err := f.sessions.Rotate(ctx, current)
	if err != nil {
		f.fail(w, "callback", "rotate session", err)
		return
	}
	http.SetCookie(w, cookie)

	loginStepsTotal.WithLabelValues("callback", "ok").Inc()
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout deletes the session and expires the cookie.
func (f *FlowController) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := f.sessions.FromRequest(ctx, r)
	if err != nil {
		f.fail(w, "logout", "load session", err)
		return
	}
	cookie, err := f.sessions.Destroy(ctx, sess)
	if err != nil {
		f.fail(w, "logout", "delete session", err)
		return
	}
	http.SetCookie(w, cookie)
	loginStepsTotal.WithLabelValues("logout", "ok").Inc()
	renderPage(w, signedOutPage, LoginPath)
}

func (f *FlowController) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	// The exchange must finish even if the browser goes away.
	ctx = context.WithoutCancel(ctx)
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}
	if f.signer != nil {
		assertion, err := f.signer.SignAssertion(f.authority)
		if err != nil {
			return nil, fmt.Errorf("sign client assertion: %w", err)
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("client_assertion_type", clientAssertionType),
			oauth2.SetAuthURLParam("client_assertion", assertion),
		)
	}
	return f.oauth.Exchange(ctx, code, opts...)
}

func (f *FlowController) bindingAlive(ctx context.Context, state string) (bool, error) {
	_, err := f.store.Get(ctx, bindingKey(state))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kv.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// save persists sess and sets the cookie. It reports whether the handler may continue.
func (f *FlowController) save(ctx context.Context, w http.ResponseWriter, sess *session.Session, step string) bool {
	cookie, err := f.sessions.Save(ctx, sess)
	if err != nil {
		f.fail(w, step, "save session", err)
		return false
	}
	if cookie != nil {
		http.SetCookie(w, cookie)
	}
	return true
}

func (f *FlowController) reject(w http.ResponseWriter, msg string) {
	loginStepsTotal.WithLabelValues("callback", "rejected").Inc()
	http.Error(w, msg, http.StatusBadRequest)
}

func (f *FlowController) fail(w http.ResponseWriter, step, action string, err error) {
	loginStepsTotal.WithLabelValues(step, "error").Inc()
	f.logger.Error("login flow failed", "step", step, "action", action, "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func renderPage(w http.ResponseWriter, page *template.Template, action string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = page.Execute(w, struct{ Action string }{Action: action})
}

func newCSRFState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

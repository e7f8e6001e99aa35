package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sessiongate/credentials"
	"sessiongate/introspection"
	"sessiongate/kv"
	"sessiongate/session"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    kv.Store
	Sessions *session.Manager
	Cache    introspection.Cache
	Guard    *Guard
	Login    *FlowController
	Proxy    *Proxy

	ownsStore bool
}

type options struct {
	store      kv.Store
	httpClient *http.Client
}

// Option customises NewApp.
type Option func(*options)

// WithStore uses store instead of opening the configured storage driver. The
// caller keeps ownership and must close it.
func WithStore(store kv.Store) Option {
	return func(o *options) { o.store = store }
}

// WithHTTPClient sets the client used for every call to the authority.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	store, owns := o.store, false
	if store == nil {
		var err error
		store, err = openStore(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		owns = true
	}
	closeOnErr := func(err error) (*App, error) {
		if owns {
			_ = store.Close()
		}
		return nil, err
	}

	keys, err := session.LoadOrCreateKeys(ctx, store)
	if err != nil {
		return closeOnErr(fmt.Errorf("init session keys: %w", err))
	}
	domain, err := session.CookieDomain(cfg.Server.PublicURL)
	if err != nil {
		return closeOnErr(err)
	}
	sessions := session.NewManager(
		session.NewStore(store, cfg.Sessions.TTL),
		keys,
		session.CookieConfig{Domain: domain, Secure: !cfg.Server.DevMode},
		logger,
	)

	var cache introspection.Cache
	switch cfg.Cache.Driver {
	case DriverStore:
		cache = introspection.NewStoreCache(store, logger)
	default:
		cache = introspection.NewMemoryCache()
	}

	auth, signer, err := authorityAuthentication(cfg.Authority)
	if err != nil {
		return closeOnErr(err)
	}

	guard := NewGuard(GuardConfig{
		Authority: cfg.Authority.URL,
		Auth:      auth,
		Resolver:  introspection.NewEndpointResolver(cfg.Authority.URL, cfg.Authority.IntrospectionEndpoint, httpClient),
		Client:    introspection.NewClient(httpClient),
		Cache:     cache,
	}, logger)

	login := NewFlowController(FlowConfig{
		Authority:      cfg.Authority.URL,
		ClientID:       cfg.Authority.ClientID,
		ClientSecret:   cfg.Authority.ClientSecret,
		PublicURL:      cfg.Server.PublicURL,
		OrganizationID: cfg.Authority.OrganizationID,
		ProjectID:      cfg.Authority.ProjectID,
		TransactionTTL: cfg.Login.TransactionTTL,
		Signer:         signer,
		HTTPClient:     httpClient,
	}, sessions, store, logger)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  sessions,
		Cache:     cache,
		Guard:     guard,
		Login:     login,
		ownsStore: owns,
	}

	if cfg.Proxy.Target != "" {
		proxy, err := NewProxy(cfg.Proxy, logger)
		if err != nil {
			return closeOnErr(fmt.Errorf("init proxy: %w", err))
		}
		app.Proxy = proxy
	}

	logger.Info("gateway initialised",
		"storage", cfg.Storage.Driver,
		"cache", cfg.Cache.Driver,
		"jwt_profile", signer != nil,
		"proxy", cfg.Proxy.Target != "",
	)
	return app, nil
}

// Close releases the storage backend when NewApp opened it.
func (a *App) Close() error {
	if a.ownsStore {
		return a.Store.Close()
	}
	return nil
}

func openStore(ctx context.Context, cfg StorageConfig) (kv.Store, error) {
	switch cfg.Driver {
	case DriverRedis:
		store, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis storage: %w", err)
		}
		return store, nil
	case DriverBolt:
		store, err := kv.OpenBolt(kv.BoltConfig{Path: cfg.Bolt.Path, Bucket: cfg.Bolt.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open bolt storage: %w", err)
		}
		return store, nil
	case DriverMemory, "":
		return kv.NewMemoryStore(), nil
	default:
		return nil, &ConfigError{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

// authorityAuthentication selects JWT profile when an application key file is
// configured and Basic otherwise. The signer is nil for Basic.
func authorityAuthentication(cfg AuthorityConfig) (introspection.Authentication, introspection.AssertionSigner, error) {
	if cfg.ApplicationKeyFile != "" {
		application, err := credentials.LoadApplicationFromFile(cfg.ApplicationKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load application key: %w", err)
		}
		return introspection.JWTProfile{Signer: application}, application, nil
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, nil, nil
	}
	return introspection.BasicAuth{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret}, nil, nil
}

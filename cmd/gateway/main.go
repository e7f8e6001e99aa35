package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"sessiongate/app"
	"sessiongate/credentials"
	"sessiongate/introspection"
)

func main() {
	configPath := flag.String("config", os.Getenv("SESSIONGATE_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Usage = usage
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		cfg, err := loadConfig(*configPath, logger)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if err := serve(cfg, logger); err != nil {
			log.Fatalf("serve: %v", err)
		}
	case "config":
		if len(args) == 0 || args[0] != "validate" {
			log.Fatalf("usage: %s [-config path] config validate", os.Args[0])
		}
		if err := runConfigValidate(*configPath, logger); err != nil {
			log.Fatalf("config validation failed: %v", err)
		}
		logger.Info("configuration is valid", "path", *configPath)
	case "service-token":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runServiceToken(ctx, args, *configPath, os.Stdout, nil); err != nil {
			log.Fatalf("service token: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] [command]

Commands:
  serve                       run the gateway (default)
  config validate             load and check the configuration
  service-token -key FILE     print an access token for a service account

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

// loadConfig reads path when it is set. Without a file the configuration
// comes from defaults and environment variables alone.
func loadConfig(path string, logger *slog.Logger) (app.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return app.Config{}, fmt.Errorf("config file not found at %s", path)
			}
			return app.Config{}, fmt.Errorf("stat config: %w", err)
		}
	}
	logger.Debug("loading config", "path", path)
	return app.LoadConfig(path)
}

func serve(cfg app.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	checkAuthority(checkCtx, cfg, nil, logger)
	cancel()

	application, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	handler := application.Routes()
	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      cfg.Proxy.Timeout + 15*time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
			NextProtos:     []string{"h2", "http/1.1"},
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	return nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// checkAuthority logs whether the introspection endpoint can be resolved.
// Failures are warnings only; the guard reports them per request.
func checkAuthority(ctx context.Context, cfg app.Config, httpClient *http.Client, logger *slog.Logger) error {
	if cfg.Authority.IntrospectionEndpoint != "" {
		logger.Info("using configured introspection endpoint", "endpoint", cfg.Authority.IntrospectionEndpoint)
		return nil
	}
	endpoint, err := introspection.Discover(ctx, httpClient, cfg.Authority.URL)
	if err != nil {
		logger.Warn("authority discovery failed", "authority", cfg.Authority.URL, "error", err)
		return err
	}
	logger.Info("authority discovered", "authority", cfg.Authority.URL, "introspection_endpoint", endpoint)
	return nil
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}
	if cfg.Authority.ApplicationKeyFile != "" {
		if _, err := credentials.LoadApplicationFromFile(cfg.Authority.ApplicationKeyFile); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return checkAuthority(ctx, cfg, nil, logger)
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

// runServiceToken performs the JWT bearer grant for a service account key and
// writes the access token to out.
func runServiceToken(ctx context.Context, args []string, configPath string, out io.Writer, httpClient *http.Client) error {
	fs := flag.NewFlagSet("service-token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keyFile := fs.String("key", "", "Service account key file (JSON)")
	authority := fs.String("authority", "", "Authority URL (defaults to authority.url from config)")
	apiAccess := fs.Bool("api", false, "Request the authority API audience")
	var scopes, roles, projects stringList
	fs.Var(&scopes, "scope", "Extra scope (repeatable, comma separated)")
	fs.Var(&roles, "role", "Project role (repeatable, comma separated)")
	fs.Var(&projects, "project", "Project id to add as audience (repeatable, comma separated)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyFile == "" {
		return errors.New("-key is required")
	}

	authorityURL := *authority
	if authorityURL == "" {
		cfg := app.DefaultConfig()
		if configPath != "" {
			loaded, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		authorityURL = cfg.Authority.URL
	}
	if authorityURL == "" {
		return errors.New("authority URL is required (-authority or authority.url)")
	}

	sa, err := credentials.LoadServiceAccountFromFile(*keyFile)
	if err != nil {
		return err
	}
	token, err := sa.Token(ctx, httpClient, authorityURL, credentials.TokenOptions{
		APIAccess:        *apiAccess,
		Scopes:           scopes,
		Roles:            roles,
		ProjectAudiences: projects,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

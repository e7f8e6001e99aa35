package app

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// Identity headers injected on proxied requests. Inbound copies are always
// stripped so clients cannot assert an identity.
const (
	HeaderForwardedUser              = "X-Forwarded-User"
	HeaderForwardedEmail             = "X-Forwarded-Email"
	HeaderForwardedPreferredUsername = "X-Forwarded-Preferred-Username"
)

// Proxy forwards admitted requests to a single upstream target.
type Proxy struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// NewProxy builds a reverse proxy for cfg.Target.
func NewProxy(cfg ProxyConfig, logger *slog.Logger) (*Proxy, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("target is required")
	}
	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	p := &Proxy{target: targetURL, logger: logger}

	rp := httputil.NewSingleHostReverseProxy(targetURL)
	rp.Transport = transport

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalHost := req.Host
		originalDirector(req)

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", originalHost)

		req.Header.Del(HeaderForwardedUser)
		req.Header.Del(HeaderForwardedEmail)
		req.Header.Del(HeaderForwardedPreferredUsername)
		if user, ok := UserFromContext(req.Context()); ok {
			req.Header.Set(HeaderForwardedUser, user.UserID)
			if user.Email != "" {
				req.Header.Set(HeaderForwardedEmail, user.Email)
			}
			if user.PreferredUsername != "" {
				req.Header.Set(HeaderForwardedPreferredUsername, user.PreferredUsername)
			}
		}
	}

	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		proxyErrorsTotal.Inc()
		p.logger.Error("proxy error",
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	p.proxy = rp
	logger.Info("proxy target configured", "target", cfg.Target, "preserve_host", cfg.PreserveHost)
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.logger.Debug("proxying request", "path", r.URL.Path, "method", r.Method)
	p.proxy.ServeHTTP(w, r)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

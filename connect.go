package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"oidcrp/identity"
	"oidcrp/server"
)

const maxConnectRedirects = 10

type loginBuilder interface {
	Build(redirectURI string, level identity.Level) (server.AuthorizationRequest, error)
}

// connect checks that the configured issuer accepts a real authorization
// request. mode is "auth" (default) or "identity".
func connect(logger *slog.Logger, cfg server.Config, args []string) error {
	mode := "auth"
	if len(args) > 0 {
		mode = args[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	var level identity.Level
	switch mode {
	case "auth":
	case "identity":
		if level = app.IdentityLevel(); level == "" {
			return errors.New("connect identity: identity is not enabled")
		}
	default:
		return fmt.Errorf("unknown connect mode %q (want auth or identity)", mode)
	}

	if err := runConnect(ctx, logger, app.Requests, connectRedirectURI(cfg), level, nil); err != nil {
		return fmt.Errorf("connect %s: %w", mode, err)
	}
	logger.Info("connect.succeeded", "mode", mode)
	return nil
}

// runConnect follows a freshly built authorization request until the issuer
// answers with something other than a redirect.
func runConnect(ctx context.Context, logger *slog.Logger, builder loginBuilder, redirectURI string, level identity.Level, httpClient *http.Client) error {
	if builder == nil {
		return errors.New("authorization request builder required")
	}

	req, err := builder.Build(redirectURI, level)
	if err != nil {
		return fmt.Errorf("build authorization request: %w", err)
	}
	logger.Info("connect.start", "auth_url", req.URL, "identity_level", level)

	client := cleanhttp.DefaultClient()
	client.Timeout = startupTimeout
	if httpClient != nil {
		c := *httpClient
		client = &c
	}
	hops := 0
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		hops = len(via)
		if hops >= maxConnectRedirects {
			return fmt.Errorf("stopped after %d redirects", hops)
		}
		logger.Info("connect.redirect", "hop", hops, "url", next.URL.Redacted())
		return nil
	}

	authReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("authorization request: %w", err)
	}
	resp, err := client.Do(authReq)
	if err != nil {
		return fmt.Errorf("reach authorization endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	final := resp.Request.URL.Redacted()
	logger.Info("connect.result", "status", resp.StatusCode, "final_url", final, "redirects", hops)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("authorization endpoint answered %s at %s", resp.Status, final)
	}
	return nil
}

func connectRedirectURI(cfg server.Config) string {
	if cfg.Client.RedirectURI != "" {
		return cfg.Client.RedirectURI
	}
	return strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/oauth/callback"
}

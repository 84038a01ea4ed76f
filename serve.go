package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"oidcrp/server"
)

const (
	startupTimeout = 30 * time.Second
	shutdownGrace  = 15 * time.Second
	ioTimeout      = 15 * time.Second
)

type listener struct {
	srv *http.Server
	tls bool
}

func (l listener) run() error {
	var err error
	if l.tls {
		err = l.srv.ListenAndServeTLS("", "")
	} else {
		err = l.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("listen %s: %w", l.srv.Addr, err)
}

// serve runs the relying party until SIGINT/SIGTERM or a listener fails.
func serve(logger *slog.Logger, cfg server.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	app, err := server.NewApp(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	var listeners []listener
	if cfg.Server.DevMode {
		listeners = devListeners(cfg, app.Routes())
	} else {
		listeners = tlsListeners(cfg, app.Routes())
	}

	errs := make(chan error, len(listeners))
	for _, l := range listeners {
		logger.Info("server listening", "addr", l.srv.Addr, "tls", l.tls, "dev_mode", cfg.Server.DevMode)
		go func() { errs <- l.run() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, l := range listeners {
		if err := l.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "addr", l.srv.Addr, "error", err)
		}
	}
	return runErr
}

func devListeners(cfg server.Config, h http.Handler) []listener {
	return []listener{{srv: newHTTPServer(cfg.Server.DevListenAddr, h)}}
}

// tlsListeners serves h over HTTPS with ACME certificates. The plain HTTP
// listener answers http-01 challenges and redirects everything else.
func tlsListeners(cfg server.Config, h http.Handler) []listener {
	certs := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}

	https := newHTTPServer(cfg.Server.HTTPSListenAddr, h)
	https.TLSConfig = certs.TLSConfig()
	https.TLSConfig.MinVersion = tls.VersionTLS12

	return []listener{
		{srv: https, tls: true},
		{srv: newHTTPServer(cfg.Server.HTTPListenAddr, certs.HTTPHandler(nil))},
	}
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: ioTimeout,
		ReadTimeout:       ioTimeout,
		WriteTimeout:      ioTimeout,
	}
}

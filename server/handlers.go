package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"oidcrp/identity"
)

const callbackPath = "/oauth/callback"

// Presenter renders a completed login. The default writes a JSON summary.
type Presenter interface {
	Present(w http.ResponseWriter, r *http.Request, result *LoginResult)
}

// App bundles runtime dependencies for the HTTP service. Everything is built
// once by NewApp and only read afterwards.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Issuer    *Issuer
	Requests  *AuthorizationRequestBuilder
	Callbacks *CallbackHandler
	Cookies   *LoginCookies
	Presenter Presenter

	identityLevel identity.Level
}

// NewApp resolves the issuer, loads keys and wires the login flow.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = cfg.Server.RequestTimeout

	issuer, err := NewIssuerResolver(cfg.Issuer, httpClient, logger).Resolve(ctx)
	if err != nil {
		return nil, err
	}
	metadata := issuer.Metadata()

	cred, err := NewClientCredential(cfg.Client)
	if err != nil {
		return nil, err
	}
	logger.Info("client credential loaded", "client", cred)

	authenticator, err := NewClientAuthenticator(cred, metadata, httpClient)
	if err != nil {
		return nil, err
	}

	claims := make([]Claim, 0, len(cfg.Identity.Claims))
	for _, name := range cfg.Identity.Claims {
		c, err := ParseClaim(name)
		if err != nil {
			return nil, configError("identity.claims: %v", err)
		}
		claims = append(claims, c)
	}

	requests, err := NewAuthorizationRequestBuilder(cred.ClientID, metadata, AuthorizationOptions{
		Scopes:    cfg.Client.Scopes,
		Vectors:   cfg.Identity.VectorsOfTrust,
		Claims:    claims,
		UILocales: cfg.Client.UILocales,
	})
	if err != nil {
		return nil, err
	}

	opts := CallbackOptions{
		Exchanger: authenticator,
		UserInfo:  issuer,
		Timeout:   cfg.Server.RequestTimeout,
		Logger:    logger,
	}
	if metadata.JWKSURI != "" {
		opts.IDTokens = issuer.IDTokenVerifier(cred.ClientID)
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Issuer:    issuer,
		Requests:  requests,
		Cookies:   NewLoginCookies(cfg.Server),
		Presenter: jsonPresenter{},
	}

	if cfg.Identity.Enabled {
		verifier, err := newIdentityVerifier(cfg.Identity, cred.ClientID)
		if err != nil {
			return nil, err
		}
		opts.Identity = verifier
		app.identityLevel = verifier.MinLevel()
	}
	app.Callbacks = NewCallbackHandler(opts)

	return app, nil
}

func newIdentityVerifier(cfg IdentityConfig, clientID string) (*identity.Verifier, error) {
	pub, err := loadPublicKey(cfg.PublicKeyFile)
	if err != nil {
		return nil, configError("identity public key: %v", err)
	}
	policy, err := identity.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, configError("identity.policy: %v", err)
	}
	level, err := identity.ParseLevel(cfg.MinLevel)
	if err != nil {
		return nil, configError("identity.min_level: %v", err)
	}
	verifier, err := identity.NewVerifier(identity.VerifierConfig{
		Issuer:    cfg.Issuer,
		PublicKey: pub,
		MinLevel:  level,
		Policy:    policy,
		Audience:  clientID,
	})
	if err != nil {
		return nil, configError("identity verifier: %v", err)
	}
	return verifier, nil
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"login":    "/oauth/login",
		"identity": a.identityLevel != "",
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"issuer": a.Issuer.Metadata().Issuer,
	})
}

// handleLogin starts a login attempt. Identity is requested whenever it is
// enabled, unless the caller passes identity=false.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	level := a.identityLevel
	if strings.EqualFold(r.URL.Query().Get("identity"), "false") {
		level = ""
	}

	req, err := a.Requests.Build(a.redirectURI(r), level)
	if err != nil {
		a.Logger.Error("login.build_failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "login unavailable"})
		return
	}

	a.Cookies.Set(w, req)
	a.Logger.Info("login.redirect",
		"request_id", RequestIDFromContext(r.Context()),
		"identity_level", level)
	http.Redirect(w, r, req.URL, http.StatusFound)
}

// handleCallback consumes the login cookies whatever the outcome.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	secrets := a.Cookies.Read(r)
	a.Cookies.Clear(w)

	params := ParseCallbackParams(r.URL.Query())
	result, err := a.Callbacks.Handle(r.Context(), params, secrets, a.redirectURI(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if a.identityLevel != "" && result.IdentityErr != nil {
		a.fail(w, r, result.IdentityErr)
		return
	}

	a.Logger.Info("callback.succeeded",
		"request_id", RequestIDFromContext(r.Context()),
		"sub", result.UserInfo.Subject,
		"identity_verified", result.IdentityVerified())
	a.Presenter.Present(w, r, result)
}

// fail logs the full error chain and writes a generic response.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	a.Logger.Warn("callback.failed",
		"request_id", RequestIDFromContext(r.Context()),
		"status", status,
		"error", err)
	writeJSON(w, status, map[string]string{"error": "authentication failed"})
}

func statusFor(err error) int {
	var authErr *AuthorizationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrSession), errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTokenExchange), errors.Is(err, ErrUserInfo):
		return http.StatusBadGateway
	case identity.IsVerificationError(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// redirectURI prefers configuration and falls back to the request's own
// origin. X-Forwarded-Proto is only trusted when configured.
func (a *App) redirectURI(r *http.Request) string {
	if a.Config.Client.RedirectURI != "" {
		return a.Config.Client.RedirectURI
	}
	if a.Config.Server.PublicURL != "" {
		return strings.TrimSuffix(a.Config.Server.PublicURL, "/") + callbackPath
	}
	return schemeFromRequest(r, a.Config.Server.TrustProxyHeaders) + "://" + r.Host + callbackPath
}

func schemeFromRequest(r *http.Request, trustProxy bool) string {
	if r.TLS != nil {
		return "https"
	}
	if trustProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
			return proto
		}
	}
	return "http"
}

type jsonPresenter struct{}

type identitySummary struct {
	GivenNames []string `json:"given_names"`
	FamilyName string   `json:"family_name"`
	BirthDate  string   `json:"birth_date,omitempty"`
	Level      string   `json:"vot"`
}

type loginSummary struct {
	Subject             string           `json:"sub"`
	Email               string           `json:"email,omitempty"`
	EmailVerified       bool             `json:"email_verified"`
	PhoneNumber         string           `json:"phone_number,omitempty"`
	PhoneNumberVerified bool             `json:"phone_number_verified"`
	IdentityVerified    bool             `json:"identity_verified"`
	Identity            *identitySummary `json:"identity,omitempty"`
}

func (jsonPresenter) Present(w http.ResponseWriter, r *http.Request, result *LoginResult) {
	info := result.UserInfo
	summary := loginSummary{
		Subject:             info.Subject,
		Email:               info.Email,
		EmailVerified:       info.EmailVerified,
		PhoneNumber:         info.PhoneNumber,
		PhoneNumberVerified: info.PhoneNumberVerified,
		IdentityVerified:    result.IdentityVerified(),
	}
	if result.IdentityVerified() {
		summary.Identity = &identitySummary{
			GivenNames: result.Identity.GivenNames(),
			FamilyName: result.Identity.FamilyName(),
			BirthDate:  result.Identity.BirthDate(),
			Level:      string(result.Identity.Level),
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// IdentityLevel is the level requested on login, or empty when identity is disabled.
func (a *App) IdentityLevel() identity.Level {
	return a.identityLevel
}

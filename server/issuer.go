package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const maxDiscoveryBytes = 1 << 20

// IssuerMetadata describes the authorization server endpoints and algorithms.
type IssuerMetadata struct {
	Issuer                       string   `yaml:"issuer,omitempty" json:"issuer"`
	AuthorizationEndpoint        string   `yaml:"authorization_endpoint,omitempty" json:"authorization_endpoint"`
	TokenEndpoint                string   `yaml:"token_endpoint,omitempty" json:"token_endpoint"`
	UserInfoEndpoint             string   `yaml:"userinfo_endpoint,omitempty" json:"userinfo_endpoint"`
	JWKSURI                      string   `yaml:"jwks_uri,omitempty" json:"jwks_uri"`
	IDTokenSigningAlgs           []string `yaml:"id_token_signing_algs,omitempty" json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethods     []string `yaml:"token_endpoint_auth_methods,omitempty" json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgs []string `yaml:"token_endpoint_auth_signing_algs,omitempty" json:"token_endpoint_auth_signing_alg_values_supported"`
}

func (m IssuerMetadata) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"issuer", m.Issuer},
		{"authorization_endpoint", m.AuthorizationEndpoint},
		{"token_endpoint", m.TokenEndpoint},
		{"userinfo_endpoint", m.UserInfoEndpoint},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if f.name == "issuer" {
			continue
		}
		if u, err := url.Parse(f.value); err != nil || !u.IsAbs() {
			return fmt.Errorf("%s must be an absolute URL, got %q", f.name, f.value)
		}
	}
	return nil
}

// merge overlays non-empty override fields onto m.
func (m IssuerMetadata) merge(o IssuerMetadata) IssuerMetadata {
	pick := func(base, override string) string {
		if override != "" {
			return override
		}
		return base
	}
	pickList := func(base, override []string) []string {
		if len(override) > 0 {
			return slices.Clone(override)
		}
		return slices.Clone(base)
	}
	return IssuerMetadata{
		Issuer:                       pick(m.Issuer, o.Issuer),
		AuthorizationEndpoint:        pick(m.AuthorizationEndpoint, o.AuthorizationEndpoint),
		TokenEndpoint:                pick(m.TokenEndpoint, o.TokenEndpoint),
		UserInfoEndpoint:             pick(m.UserInfoEndpoint, o.UserInfoEndpoint),
		JWKSURI:                      pick(m.JWKSURI, o.JWKSURI),
		IDTokenSigningAlgs:           pickList(m.IDTokenSigningAlgs, o.IDTokenSigningAlgs),
		TokenEndpointAuthMethods:     pickList(m.TokenEndpointAuthMethods, o.TokenEndpointAuthMethods),
		TokenEndpointAuthSigningAlgs: pickList(m.TokenEndpointAuthSigningAlgs, o.TokenEndpointAuthSigningAlgs),
	}
}

// Issuer is the resolved, read-only view of the authorization server.
type Issuer struct {
	metadata   IssuerMetadata
	provider   *oidc.Provider
	httpClient *http.Client
}

// Metadata returns a copy of the resolved metadata.
func (i *Issuer) Metadata() IssuerMetadata {
	return i.metadata.merge(IssuerMetadata{})
}

// IDTokenVerifier builds a verifier for ID tokens addressed to clientID.
func (i *Issuer) IDTokenVerifier(clientID string) *oidc.IDTokenVerifier {
	algs := i.metadata.IDTokenSigningAlgs
	if len(algs) == 0 {
		algs = []string{oidc.ES256}
	}
	return i.provider.Verifier(&oidc.Config{
		ClientID:             clientID,
		SupportedSigningAlgs: algs,
	})
}

// UserInfo fetches and decodes the user-info resource for accessToken.
func (i *Issuer) UserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	ctx = oidc.ClientContext(ctx, i.httpClient)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})

	info, err := i.provider.UserInfo(ctx, src)
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: %w", ErrUserInfo, err)
	}

	var ui UserInfo
	if err := info.Claims(&ui); err != nil {
		return UserInfo{}, fmt.Errorf("%w: decode claims: %w", ErrUserInfo, err)
	}
	if ui.Subject == "" {
		return UserInfo{}, fmt.Errorf("%w: sub claim missing", ErrUserInfo)
	}
	return ui, nil
}

// IssuerResolver turns an IssuerConfig into an Issuer. Resolution happens at
// most once per resolver; later calls return the memoized outcome.
type IssuerResolver struct {
	cfg        IssuerConfig
	httpClient *http.Client
	logger     *slog.Logger

	once   sync.Once
	issuer *Issuer
	err    error
}

// NewIssuerResolver prepares a resolver using httpClient for outbound calls.
func NewIssuerResolver(cfg IssuerConfig, httpClient *http.Client, logger *slog.Logger) *IssuerResolver {
	return &IssuerResolver{cfg: cfg, httpClient: httpClient, logger: logger}
}

// Resolve loads static metadata or fetches the discovery document.
func (r *IssuerResolver) Resolve(ctx context.Context) (*Issuer, error) {
	r.once.Do(func() {
		r.issuer, r.err = r.resolve(ctx)
	})
	return r.issuer, r.err
}

func (r *IssuerResolver) resolve(ctx context.Context) (*Issuer, error) {
	var (
		metadata IssuerMetadata
		source   string
	)

	switch {
	case r.cfg.Static != nil && r.cfg.Discovery != nil:
		return nil, configError("issuer: static and discovery are mutually exclusive")
	case r.cfg.Static != nil:
		metadata = r.cfg.Static.merge(IssuerMetadata{})
		source = "static"
	case r.cfg.Discovery != nil:
		discovered, err := r.discover(ctx, r.cfg.Discovery.Endpoint)
		if err != nil {
			return nil, configError("discover %s: %v", r.cfg.Discovery.Endpoint, err)
		}
		metadata = discovered.merge(r.cfg.Discovery.Overrides)
		source = "discovery"
	default:
		return nil, configError("issuer: neither static metadata nor discovery endpoint configured")
	}

	if err := metadata.validate(); err != nil {
		return nil, configError("issuer metadata: %v", err)
	}

	providerCfg := &oidc.ProviderConfig{
		IssuerURL:   metadata.Issuer,
		AuthURL:     metadata.AuthorizationEndpoint,
		TokenURL:    metadata.TokenEndpoint,
		UserInfoURL: metadata.UserInfoEndpoint,
		JWKSURL:     metadata.JWKSURI,
		Algorithms:  metadata.IDTokenSigningAlgs,
	}
	// The remote key set keeps this context for later JWKS fetches.
	keyCtx := oidc.ClientContext(context.WithoutCancel(ctx), r.httpClient)

	r.logger.Info("issuer resolved",
		"source", source,
		"issuer", metadata.Issuer,
		"authorization_endpoint", metadata.AuthorizationEndpoint,
		"token_endpoint", metadata.TokenEndpoint)

	return &Issuer{
		metadata:   metadata,
		provider:   providerCfg.NewProvider(keyCtx),
		httpClient: r.httpClient,
	}, nil
}

func (r *IssuerResolver) discover(ctx context.Context, endpoint string) (IssuerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return IssuerMetadata{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return IssuerMetadata{}, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return IssuerMetadata{}, fmt.Errorf("discovery endpoint returned %s", resp.Status)
	}

	var metadata IssuerMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBytes)).Decode(&metadata); err != nil {
		return IssuerMetadata{}, fmt.Errorf("decode discovery document: %w", err)
	}
	if metadata.Issuer == "" {
		return IssuerMetadata{}, errors.New("discovery document has no issuer")
	}
	return metadata, nil
}

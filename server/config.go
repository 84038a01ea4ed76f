package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"oidcrp/identity"
)

// Hardcoded request and cookie defaults
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultCookieMaxAge   = 10 * time.Minute
	DefaultAssertionAlg   = "PS256"
	DefaultAuthMethod     = "private_key_jwt"
	DefaultAuthVector     = "Cl.Cm"
)

// DefaultDiscoveryEndpoint is the GOV.UK One Login integration environment.
const DefaultDiscoveryEndpoint = "https://oidc.integration.account.gov.uk/.well-known/openid-configuration"

var DefaultScopes = []string{"openid", "email", "phone"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Issuer   IssuerConfig   `yaml:"issuer"`
	Identity IdentityConfig `yaml:"identity"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string        `yaml:"public_url" validate:"omitempty,url"`
	DevListenAddr     string        `yaml:"dev_listen_addr" validate:"required_if=DevMode true"`
	HTTPListenAddr    string        `yaml:"http_listen_addr"`
	HTTPSListenAddr   string        `yaml:"https_listen_addr"`
	DevMode           bool          `yaml:"dev_mode"`
	SecretsPath       string        `yaml:"secrets_path"`
	TLS               TLSConfig     `yaml:"tls"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	CookieMaxAge      time.Duration `yaml:"cookie_max_age"`
	CookieDomain      string        `yaml:"cookie_domain"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email" validate:"omitempty,email"`
	HSTSMaxAge int      `yaml:"hsts_max_age" validate:"gte=0"`
}

// ClientConfig describes this relying party's registration with the authorization server.
type ClientConfig struct {
	ClientID       string   `yaml:"client_id" validate:"required"`
	PrivateKeyFile string   `yaml:"private_key_file" validate:"required_without=PrivateKey"`
	PrivateKey     string   `yaml:"private_key,omitempty"`
	KeyID          string   `yaml:"key_id"`
	AssertionAlg   string   `yaml:"assertion_alg" validate:"omitempty,oneof=PS256 RS256 ES256"`
	AuthMethod     string   `yaml:"auth_method" validate:"omitempty,oneof=private_key_jwt"`
	RedirectURI    string   `yaml:"redirect_uri" validate:"omitempty,url"`
	Scopes         []string `yaml:"scopes"`
	UILocales      string   `yaml:"ui_locales"`
}

// IssuerConfig is a tagged variant: exactly one of Discovery or Static is set.
type IssuerConfig struct {
	Discovery *DiscoveryConfig `yaml:"discovery,omitempty"`
	Static    *IssuerMetadata  `yaml:"static,omitempty"`
}

// DiscoveryConfig points at a discovery document with optional overrides.
type DiscoveryConfig struct {
	Endpoint  string         `yaml:"endpoint" validate:"required,url"`
	Overrides IssuerMetadata `yaml:"overrides"`
}

// IdentityConfig configures core identity requests and verification.
type IdentityConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Issuer         string   `yaml:"issuer" validate:"required_if=Enabled true"`
	PublicKeyFile  string   `yaml:"public_key_file" validate:"required_if=Enabled true"`
	MinLevel       string   `yaml:"min_level" validate:"omitempty,oneof=P0 P1 P2 P3 P4"`
	Policy         string   `yaml:"policy" validate:"omitempty,oneof=exact minimum"`
	VectorsOfTrust []string `yaml:"vectors_of_trust"`
	Claims         []string `yaml:"claims"`
}

// LoadConfig reads the YAML config file (when path is set) and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, configError("read config: %v", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, configError("parse config: %v", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:3000",
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			RequestTimeout:  DefaultRequestTimeout,
			CookieMaxAge:    DefaultCookieMaxAge,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				HSTSMaxAge: 31536000,
			},
		},
		Client: ClientConfig{
			AssertionAlg: DefaultAssertionAlg,
			AuthMethod:   DefaultAuthMethod,
			Scopes:       append([]string(nil), DefaultScopes...),
		},
		Identity: IdentityConfig{
			MinLevel: string(identity.LevelP2),
			Policy:   string(identity.PolicyExact),
			Claims:   []string{string(ClaimCoreIdentity)},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	cfg := defaultConfig()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Server.CookieMaxAge <= 0 {
		c.Server.CookieMaxAge = DefaultCookieMaxAge
	}
	if c.Client.AuthMethod == "" {
		c.Client.AuthMethod = DefaultAuthMethod
	}
	if c.Issuer.Discovery == nil && c.Issuer.Static == nil {
		c.Issuer.Discovery = &DiscoveryConfig{Endpoint: DefaultDiscoveryEndpoint}
	}
	if len(c.Client.Scopes) == 0 {
		c.Client.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.Identity.Enabled && len(c.Identity.VectorsOfTrust) == 0 && c.Identity.MinLevel != "" {
		c.Identity.VectorsOfTrust = []string{DefaultAuthVector + "." + c.Identity.MinLevel}
	}
}

func applyEnvOverrides(cfg *Config) {
	discovery := func(v string) {
		if cfg.Issuer.Discovery == nil {
			cfg.Issuer.Discovery = &DiscoveryConfig{}
		}
		cfg.Issuer.Discovery.Endpoint = v
		cfg.Issuer.Static = nil
	}

	overrides := map[string]func(string){
		"RP_PUBLIC_URL":               func(v string) { cfg.Server.PublicURL = v },
		"RP_LISTEN_ADDR":              func(v string) { cfg.Server.DevListenAddr = v },
		"RP_HTTP_LISTEN_ADDR":         func(v string) { cfg.Server.HTTPListenAddr = v },
		"RP_HTTPS_LISTEN_ADDR":        func(v string) { cfg.Server.HTTPSListenAddr = v },
		"RP_DEV_MODE":                 func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"RP_TLS_DOMAINS":              func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"RP_TLS_EMAIL":                func(v string) { cfg.Server.TLS.Email = v },
		"RP_SECRETS_PATH":             func(v string) { cfg.Server.SecretsPath = v },
		"RP_TRUST_PROXY_HEADERS":      func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"RP_REQUEST_TIMEOUT":          func(v string) { cfg.Server.RequestTimeout = parseDuration(v, cfg.Server.RequestTimeout) },
		"RP_CLIENT_ID":                func(v string) { cfg.Client.ClientID = v },
		"RP_PRIVATE_KEY_FILE":         func(v string) { cfg.Client.PrivateKeyFile = v },
		"RP_PRIVATE_KEY":              func(v string) { cfg.Client.PrivateKey = v },
		"RP_KEY_ID":                   func(v string) { cfg.Client.KeyID = v },
		"RP_ASSERTION_ALG":            func(v string) { cfg.Client.AssertionAlg = v },
		"RP_REDIRECT_URI":             func(v string) { cfg.Client.RedirectURI = v },
		"RP_SCOPES":                   func(v string) { cfg.Client.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " ")) },
		"RP_DISCOVERY_ENDPOINT":       discovery,
		"RP_IDENTITY_ENABLED":         func(v string) { cfg.Identity.Enabled = parseBool(v, cfg.Identity.Enabled) },
		"RP_IDENTITY_ISSUER":          func(v string) { cfg.Identity.Issuer = v },
		"RP_IDENTITY_PUBLIC_KEY_FILE": func(v string) { cfg.Identity.PublicKeyFile = v },
		"RP_IDENTITY_MIN_LEVEL":       func(v string) { cfg.Identity.MinLevel = strings.ToUpper(strings.TrimSpace(v)) },
		"RP_IDENTITY_POLICY":          func(v string) { cfg.Identity.Policy = strings.ToLower(strings.TrimSpace(v)) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate performs struct-tag validation followed by cross-field checks.
func (c Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			slog.Error("Invalid configuration values", "fields", fields)
			return configError("invalid fields: %s", strings.Join(fields, ", "))
		}
		return configError("%v", err)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return configError("server.tls.domains must be provided in production")
	}

	switch {
	case c.Issuer.Discovery == nil && c.Issuer.Static == nil:
		slog.Error("Missing issuer configuration", "field", "issuer")
		return configError("issuer.discovery or issuer.static is required")
	case c.Issuer.Discovery != nil && c.Issuer.Static != nil:
		slog.Error("Ambiguous issuer configuration", "field", "issuer", "reason", "discovery and static are mutually exclusive")
		return configError("issuer.discovery and issuer.static are mutually exclusive")
	case c.Issuer.Static != nil:
		if err := c.Issuer.Static.validate(); err != nil {
			return configError("issuer.static: %v", err)
		}
	}

	if !slices.Contains(c.Client.Scopes, "openid") {
		return configError("client.scopes must include openid")
	}

	for _, name := range c.Identity.Claims {
		if _, err := ParseClaim(name); err != nil {
			slog.Error("Unknown identity claim requested", "claim", name)
			return configError("identity.claims: %v", err)
		}
	}

	if c.Identity.Enabled {
		if c.Identity.MinLevel == "" {
			return configError("identity.min_level is required when identity is enabled")
		}
		policy, _ := identity.ParsePolicy(c.Identity.Policy)
		minLevel := identity.Level(c.Identity.MinLevel)
		for _, vector := range c.Identity.VectorsOfTrust {
			level := identity.VectorLevel(vector)
			if level == "" || !policy.Satisfies(level, minLevel) {
				slog.Error("Vector of trust cannot satisfy identity policy", "vector", vector, "min_level", minLevel, "policy", policy)
				return configError("identity.vectors_of_trust: %q does not satisfy %s (%s)", vector, minLevel, policy)
			}
		}
	}

	return nil
}

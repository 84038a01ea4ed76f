package server

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ClientAssertionType is the client_assertion_type for private_key_jwt (RFC 7523).
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const assertionTTL = 5 * time.Minute

// ClientCredential is the relying party's identity and signing key. The key
// never leaves the ClientAuthenticator that owns it.
type ClientCredential struct {
	ClientID   string
	KeyID      string
	Algorithm  string
	AuthMethod string
	key        crypto.Signer
}

// String omits key material.
func (c ClientCredential) String() string {
	return fmt.Sprintf("client %s (%s, %s)", c.ClientID, c.AuthMethod, c.Algorithm)
}

// LogValue keeps key material out of structured logs.
func (c ClientCredential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", c.ClientID),
		slog.String("alg", c.Algorithm),
		slog.String("auth_method", c.AuthMethod),
		slog.String("kid", c.KeyID),
	)
}

// NewClientCredential loads the signing key described by cfg.
func NewClientCredential(cfg ClientConfig) (ClientCredential, error) {
	key, err := loadSigningKey(cfg.PrivateKeyFile, cfg.PrivateKey)
	if err != nil {
		return ClientCredential{}, configError("client key: %v", err)
	}
	cred := ClientCredential{
		ClientID:   cfg.ClientID,
		KeyID:      cfg.KeyID,
		Algorithm:  cfg.AssertionAlg,
		AuthMethod: cfg.AuthMethod,
		key:        key.signer,
	}
	if cred.KeyID == "" {
		cred.KeyID = key.keyID
	}
	if cred.Algorithm == "" {
		cred.Algorithm = key.algorithm
	}
	if cred.Algorithm == "" {
		cred.Algorithm = DefaultAssertionAlg
	}
	if cred.AuthMethod == "" {
		cred.AuthMethod = DefaultAuthMethod
	}
	return cred, nil
}

// TokenResponse is the transient result of a code exchange.
type TokenResponse struct {
	AccessToken string
	TokenType   string
	IDToken     string
	Expiry      time.Time
}

// ClientAuthenticator signs client assertions and performs the code exchange.
type ClientAuthenticator struct {
	cred       ClientCredential
	method     jwt.SigningMethod
	endpoint   oauth2.Endpoint
	httpClient *http.Client

	// overwritten in tests
	now   func() time.Time
	genID func() string
}

// NewClientAuthenticator checks the credential against the issuer metadata.
func NewClientAuthenticator(cred ClientCredential, issuer IssuerMetadata, httpClient *http.Client) (*ClientAuthenticator, error) {
	if cred.ClientID == "" {
		return nil, configError("client id required")
	}
	if cred.AuthMethod != DefaultAuthMethod {
		return nil, configError("unsupported token endpoint auth method %q", cred.AuthMethod)
	}
	if methods := issuer.TokenEndpointAuthMethods; len(methods) > 0 && !slices.Contains(methods, cred.AuthMethod) {
		return nil, configError("issuer does not support %s", cred.AuthMethod)
	}
	if algs := issuer.TokenEndpointAuthSigningAlgs; len(algs) > 0 && !slices.Contains(algs, cred.Algorithm) {
		return nil, configError("issuer does not accept %s client assertions (supported: %v)", cred.Algorithm, algs)
	}

	method, err := signingMethodFor(cred.Algorithm, cred.key)
	if err != nil {
		return nil, configError("client key: %v", err)
	}

	return &ClientAuthenticator{
		cred:   cred,
		method: method,
		endpoint: oauth2.Endpoint{
			AuthURL:   issuer.AuthorizationEndpoint,
			TokenURL:  issuer.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
		now:        time.Now,
		genID:      uuid.NewString,
	}, nil
}

// ClientID returns the public client identifier.
func (a *ClientAuthenticator) ClientID() string {
	return a.cred.ClientID
}

// BuildAssertion returns a freshly signed, short-lived client assertion
// addressed to the token endpoint.
func (a *ClientAuthenticator) BuildAssertion() (string, error) {
	now := a.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    a.cred.ClientID,
		Subject:   a.cred.ClientID,
		Audience:  jwt.ClaimStrings{a.endpoint.TokenURL},
		ID:        a.genID(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
	}
	token := jwt.NewWithClaims(a.method, claims)
	if a.cred.KeyID != "" {
		token.Header["kid"] = a.cred.KeyID
	}
	signed, err := token.SignedString(a.cred.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

// ExchangeCode redeems an authorization code at the token endpoint,
// authenticating with a client assertion.
func (a *ClientAuthenticator) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	assertion, err := a.BuildAssertion()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	cfg := oauth2.Config{
		ClientID: a.cred.ClientID,
		Endpoint: a.endpoint,
	}
	tok, err := cfg.Exchange(oidc.ClientContext(ctx, a.httpClient), code,
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		oauth2.SetAuthURLParam("client_assertion_type", ClientAssertionType),
		oauth2.SetAuthURLParam("client_assertion", assertion),
	)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return nil, fmt.Errorf("%w: token endpoint rejected request: %s %s", ErrTokenExchange, re.ErrorCode, re.ErrorDescription)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: access_token missing", ErrTokenExchange)
	}

	resp := &TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = raw
	}
	return resp, nil
}

func signingMethodFor(alg string, key crypto.Signer) (jwt.SigningMethod, error) {
	switch alg {
	case "PS256", "RS256":
		if _, ok := key.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%s requires an RSA key, got %T", alg, key)
		}
	case "ES256":
		k, ok := key.(*ecdsa.PrivateKey)
		if !ok || k.Curve.Params().BitSize != 256 {
			return nil, fmt.Errorf("ES256 requires a P-256 key, got %T", key)
		}
	default:
		return nil, fmt.Errorf("unsupported assertion algorithm %q", alg)
	}
	return jwt.GetSigningMethod(alg), nil
}

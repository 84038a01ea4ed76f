package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"oidcrp/identity"
)

const secretBytes = 32

// AuthorizationRequest is a login redirect together with the raw secrets the
// caller stores until the callback.
type AuthorizationRequest struct {
	URL       string
	State     string
	Nonce     string
	CreatedAt time.Time
}

// AuthorizationRequestBuilder composes authorization redirects. It holds only
// immutable configuration and is safe for concurrent use.
type AuthorizationRequestBuilder struct {
	oauth     oauth2.Config
	vectors   []string
	claims    string
	uiLocales string

	// overwritten in tests
	now    func() time.Time
	random func([]byte) (int, error)
}

// AuthorizationOptions configures what each authorization request asks for.
type AuthorizationOptions struct {
	Scopes []string
	// Vectors are the vectors of trust to request, in priority order, when an
	// identity level is required.
	Vectors   []string
	Claims    []Claim
	UILocales string
}

// NewAuthorizationRequestBuilder prepares a builder for the given client and issuer.
func NewAuthorizationRequestBuilder(clientID string, issuer IssuerMetadata, opts AuthorizationOptions) (*AuthorizationRequestBuilder, error) {
	if clientID == "" {
		return nil, configError("client id required")
	}
	if issuer.AuthorizationEndpoint == "" {
		return nil, configError("authorization endpoint required")
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	var claims string
	if len(opts.Claims) > 0 {
		p, err := claimsParameter(opts.Claims)
		if err != nil {
			return nil, configError("claims request: %v", err)
		}
		claims = p
	}

	return &AuthorizationRequestBuilder{
		oauth: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{AuthURL: issuer.AuthorizationEndpoint},
			Scopes:   append([]string(nil), scopes...),
		},
		vectors:   append([]string(nil), opts.Vectors...),
		claims:    claims,
		uiLocales: opts.UILocales,
		now:       time.Now,
		random:    rand.Read,
	}, nil
}

// Build returns a redirect for a new login attempt. An empty level requests
// authentication only. Otherwise the configured vectors of trust (or one
// derived from level) are requested along with the claims request.
func (b *AuthorizationRequestBuilder) Build(redirectURI string, level identity.Level) (AuthorizationRequest, error) {
	state, err := b.newSecret()
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := b.newSecret()
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("generate nonce: %w", err)
	}

	vectors := []string{DefaultAuthVector}
	switch {
	case level == "":
	case len(b.vectors) > 0:
		vectors = b.vectors
	default:
		vectors = []string{DefaultAuthVector + "." + string(level)}
	}
	vtr, err := json.Marshal(vectors)
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("encode vtr: %w", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		oauth2.SetAuthURLParam("nonce", hashSecret(nonce)),
		oauth2.SetAuthURLParam("vtr", string(vtr)),
	}
	if level != "" && b.claims != "" {
		opts = append(opts, oauth2.SetAuthURLParam("claims", b.claims))
	}
	if b.uiLocales != "" {
		opts = append(opts, oauth2.SetAuthURLParam("ui_locales", b.uiLocales))
	}

	return AuthorizationRequest{
		URL:       b.oauth.AuthCodeURL(hashSecret(state), opts...),
		State:     state,
		Nonce:     nonce,
		CreatedAt: b.now().UTC(),
	}, nil
}

// Scopes reports the scopes sent with every request.
func (b *AuthorizationRequestBuilder) Scopes() []string {
	return append([]string(nil), b.oauth.Scopes...)
}

func (b *AuthorizationRequestBuilder) newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := b.random(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashSecret is the value sent to the authorization server in place of a
// raw state or nonce secret.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// secretMatches reports whether transmitted is the hash of secret.
func secretMatches(secret, transmitted string) bool {
	if secret == "" || transmitted == "" {
		return false
	}
	want := hashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(want), []byte(transmitted)) == 1
}

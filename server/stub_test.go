package server

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"oidcrp/identity"
)

const (
	testClientID       = "client-123"
	testCode           = "code-1"
	testAccessToken    = "tok-1"
	testIdentityIssuer = "identity.example"
	idTokenKeyID       = "id-key"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubIssuer is an in-process authorization server serving discovery, JWKS,
// token and user-info endpoints.
type stubIssuer struct {
	srv       *httptest.Server
	clientKey crypto.PublicKey
	idKey     *ecdsa.PrivateKey

	mu             sync.Mutex
	userInfo       map[string]any
	userInfoStatus int
	idToken        func() jwt.MapClaims
	tokenError     string
	tokenDelay     time.Duration
	omitToken      bool
	tokenCalls     int
	discoveryCalls int
	lastTokenForm  url.Values
	lastAuthHeader string
}

func newStubIssuer(t *testing.T, clientKey crypto.PublicKey) *stubIssuer {
	t.Helper()
	idKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	s := &stubIssuer{
		clientKey: clientKey,
		idKey:     idKey,
		userInfo:  map[string]any{"sub": "u1", "email": "a@b.com"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/jwks", s.handleJWKS)
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("login"))
	})
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserInfo)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubIssuer) URL() string { return s.srv.URL }

func (s *stubIssuer) discoveryEndpoint() string {
	return s.srv.URL + "/.well-known/openid-configuration"
}

func (s *stubIssuer) metadata() IssuerMetadata {
	return IssuerMetadata{
		Issuer:                       s.srv.URL,
		AuthorizationEndpoint:        s.srv.URL + "/authorize",
		TokenEndpoint:                s.srv.URL + "/token",
		UserInfoEndpoint:             s.srv.URL + "/userinfo",
		JWKSURI:                      s.srv.URL + "/jwks",
		IDTokenSigningAlgs:           []string{"ES256"},
		TokenEndpointAuthMethods:     []string{"private_key_jwt"},
		TokenEndpointAuthSigningAlgs: []string{"ES256", "PS256", "RS256"},
	}
}

func (s *stubIssuer) set(fn func(s *stubIssuer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *stubIssuer) calls() (discovery, token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discoveryCalls, s.tokenCalls
}

func (s *stubIssuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.discoveryCalls++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.metadata())
}

func (s *stubIssuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.idKey.PublicKey,
		KeyID:     idTokenKeyID,
		Algorithm: "ES256",
		Use:       "sig",
	}}})
}

func (s *stubIssuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	s.tokenCalls++
	s.lastTokenForm = r.PostForm
	delay, tokenError, omit, idToken := s.tokenDelay, s.tokenError, s.omitToken, s.idToken
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if tokenError != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": tokenError, "error_description": "rejected by stub"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" ||
		r.PostForm.Get("code") != testCode ||
		r.PostForm.Get("client_assertion_type") != ClientAssertionType {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if _, err := jwt.ParseWithClaims(r.PostForm.Get("client_assertion"), &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return s.clientKey, nil },
		jwt.WithAudience(s.srv.URL+"/token"),
		jwt.WithIssuer(testClientID),
		jwt.WithSubject(testClientID),
		jwt.WithExpirationRequired(),
	); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client", "error_description": err.Error()})
		return
	}

	resp := map[string]any{"token_type": "Bearer", "expires_in": 3600}
	if !omit {
		resp["access_token"] = testAccessToken
	}
	if idToken != nil {
		claims := idToken()
		tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
		tok.Header["kid"] = idTokenKeyID
		raw, err := tok.SignedString(s.idKey)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		resp["id_token"] = raw
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *stubIssuer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastAuthHeader = r.Header.Get("Authorization")
	status, body := s.userInfoStatus, s.userInfo
	s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// idTokenClaims returns standard ID token claims for subject and nonce.
func (s *stubIssuer) idTokenClaims(subject, nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   s.srv.URL,
		"aud":   testClientID,
		"sub":   subject,
		"nonce": nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	}
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// signCoreIdentity issues a core identity credential for sub at level.
func signCoreIdentity(t *testing.T, key *ecdsa.PrivateKey, sub string, level identity.Level) string {
	t.Helper()
	now := time.Now()
	claims := identity.NewClaims(jwt.RegisteredClaims{
		Issuer:    testIdentityIssuer,
		Subject:   sub,
		Audience:  jwt.ClaimStrings{testClientID},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}, level, []identity.Name{{NameParts: []identity.NamePart{
		{Type: "GivenName", Value: "Alice"},
		{Type: "FamilyName", Value: "Smith"},
	}}}, []identity.BirthDate{{Value: "1985-01-13"}})
	raw, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	require.NoError(t, err)
	return raw
}

func writePEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600))
	return path
}

func writePrivateKeyPEM(t *testing.T, key crypto.Signer) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return writePEM(t, "PRIVATE KEY", der)
}

func writePublicKeyPEM(t *testing.T, key crypto.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	require.NoError(t, err)
	return writePEM(t, "PUBLIC KEY", der)
}

func newTestCredential(key crypto.Signer, alg string) ClientCredential {
	return ClientCredential{
		ClientID:   testClientID,
		KeyID:      "client-key",
		Algorithm:  alg,
		AuthMethod: DefaultAuthMethod,
		key:        key,
	}
}

func decodeJSON(t *testing.T, r io.Reader, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(r).Decode(v))
}

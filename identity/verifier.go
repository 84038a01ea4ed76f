// Package identity verifies core identity credentials: signed JWTs embedded
// in user-info that assert a verified real-world identity at a given level
// of confidence.
package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures the credential verifier.
type VerifierConfig struct {
	Issuer     string
	PublicKey  crypto.PublicKey
	MinLevel   Level
	Policy     Policy
	Audience   string
	Algorithms []string
	Leeway     time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Verifier checks a raw credential's signature, issuer and level.
type Verifier struct {
	cfg    VerifierConfig
	parser *jwt.Parser
}

// NewVerifier validates the configuration and prepares the JWT parser.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("identity issuer required")
	}
	if cfg.PublicKey == nil {
		return nil, errors.New("identity public key required")
	}
	if _, ok := levelRank[cfg.MinLevel]; !ok {
		return nil, fmt.Errorf("unknown identity level %q", cfg.MinLevel)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyExact
	}
	if len(cfg.Algorithms) == 0 {
		algs, err := algorithmsForKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		cfg.Algorithms = algs
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	return &Verifier{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// MinLevel returns the configured required level.
func (v *Verifier) MinLevel() Level {
	return v.cfg.MinLevel
}

// Verify checks the credential and returns its payload. When subject is
// non-empty the credential must have been issued for that subject. No
// payload is returned unless every check passes.
func (v *Verifier) Verify(ctx context.Context, raw, subject string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrMalformed)
	}
	if err := checkSignatureEncoding(raw); err != nil {
		return nil, err
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.cfg.PublicKey, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	if claims.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, claims.Issuer)
	}

	got := Level(claims.VoT)
	if !v.cfg.Policy.Satisfies(got, v.cfg.MinLevel) {
		return nil, fmt.Errorf("%w: got %q, require %q (%s)", ErrInsufficientAssurance, claims.VoT, v.cfg.MinLevel, v.cfg.Policy)
	}

	if subject != "" && claims.Subject != subject {
		return nil, ErrSubjectMismatch
	}

	return claims.credential(), nil
}

// checkSignatureEncoding rejects a signature segment that is not canonical
// unpadded base64url, so every textual change to it is a signature failure.
// Tokens whose header or payload do not decode are left to the parser.
func checkSignatureEncoding(raw string) error {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil
	}
	enc := base64.RawURLEncoding.Strict()
	for _, segment := range parts[:2] {
		if _, err := enc.DecodeString(segment); err != nil {
			return nil
		}
	}
	if _, err := enc.DecodeString(parts[2]); err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrSignature, err)
	}
	return nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrAudienceMismatch, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrValidity, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func algorithmsForKey(key crypto.PublicKey) ([]string, error) {
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return []string{jwt.SigningMethodES256.Alg()}, nil
		case 384:
			return []string{jwt.SigningMethodES384.Alg()}, nil
		case 521:
			return []string{jwt.SigningMethodES512.Alg()}, nil
		}
		return nil, fmt.Errorf("unsupported ecdsa curve %s", k.Curve.Params().Name)
	case *rsa.PublicKey:
		return []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodPS256.Alg()}, nil
	case ed25519.PublicKey:
		return []string{jwt.SigningMethodEdDSA.Alg()}, nil
	default:
		return nil, fmt.Errorf("unsupported identity public key type %T", key)
	}
}

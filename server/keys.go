package server

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v3"
)

// signingKey is private key material together with the JWK hints it carried.
type signingKey struct {
	signer    crypto.Signer
	keyID     string
	algorithm string
}

// loadSigningKey reads a private key from path, or from inline when path is empty.
// Both JWK (JSON) and PEM encodings are accepted.
func loadSigningKey(path, inline string) (signingKey, error) {
	data := []byte(inline)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return signingKey{}, fmt.Errorf("read private key: %w", err)
		}
		data = b
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return signingKey{}, errors.New("private key is empty")
	}

	if data[0] == '{' {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(data); err != nil {
			return signingKey{}, fmt.Errorf("parse private jwk: %w", err)
		}
		if jwk.IsPublic() {
			return signingKey{}, errors.New("jwk does not contain private key material")
		}
		signer, ok := jwk.Key.(crypto.Signer)
		if !ok {
			return signingKey{}, fmt.Errorf("unsupported private jwk type %T", jwk.Key)
		}
		return signingKey{signer: signer, keyID: jwk.KeyID, algorithm: jwk.Algorithm}, nil
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return signingKey{}, errors.New("private key is neither JWK nor PEM")
	}
	signer, err := parsePEMPrivateKey(block)
	if err != nil {
		return signingKey{}, err
	}
	return signingKey{signer: signer}, nil
}

func parsePEMPrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse ec key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported pkcs8 key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported pem block %q", block.Type)
	}
}

// loadPublicKey reads a verification key from a JWK, PEM public key or PEM certificate.
func loadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("public key is empty")
	}

	if data[0] == '{' {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("parse public jwk: %w", err)
		}
		pub := jwk.Public()
		if pub.Key == nil {
			return nil, fmt.Errorf("unsupported public jwk type %T", jwk.Key)
		}
		return pub.Key, nil
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("public key is neither JWK nor PEM")
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported pem block %q", block.Type)
	}
}

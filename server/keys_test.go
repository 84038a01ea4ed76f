package server

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadSigningKeyFormats(t *testing.T) {
	ecKey := newECKey(t)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	t.Run("pkcs8", func(t *testing.T) {
		key, err := loadSigningKey(writePrivateKeyPEM(t, ecKey), "")
		require.NoError(t, err)
		assert.True(t, ecKey.Equal(key.signer))
	})

	t.Run("sec1", func(t *testing.T) {
		key, err := loadSigningKey(writePEM(t, "EC PRIVATE KEY", ecDER), "")
		require.NoError(t, err)
		assert.True(t, ecKey.Equal(key.signer))
	})

	t.Run("pkcs1", func(t *testing.T) {
		key, err := loadSigningKey(writePEM(t, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey)), "")
		require.NoError(t, err)
		assert.True(t, rsaKey.Equal(key.signer))
	})

	t.Run("jwk_inline", func(t *testing.T) {
		raw, err := jose.JSONWebKey{Key: ecKey, KeyID: "kid-1", Algorithm: "ES256"}.MarshalJSON()
		require.NoError(t, err)

		key, err := loadSigningKey("", string(raw))
		require.NoError(t, err)
		assert.True(t, ecKey.Equal(key.signer))
		assert.Equal(t, "kid-1", key.keyID)
		assert.Equal(t, "ES256", key.algorithm)
	})
}

func TestLoadSigningKeyRejects(t *testing.T) {
	ecKey := newECKey(t)
	publicJWK, err := jose.JSONWebKey{Key: &ecKey.PublicKey}.MarshalJSON()
	require.NoError(t, err)

	tests := map[string]func(t *testing.T) (string, string){
		"empty":       func(t *testing.T) (string, string) { return "", "  " },
		"public_jwk":  func(t *testing.T) (string, string) { return "", string(publicJWK) },
		"garbage":     func(t *testing.T) (string, string) { return writeFile(t, "k", []byte("not a key")), "" },
		"missing":     func(t *testing.T) (string, string) { return filepath.Join(t.TempDir(), "absent.pem"), "" },
		"wrong_block": func(t *testing.T) (string, string) { return writePEM(t, "CERTIFICATE", []byte{1, 2, 3}), "" },
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			path, inline := input(t)
			_, err := loadSigningKey(path, inline)
			assert.Error(t, err)
		})
	}
}

func TestLoadPublicKeyFormats(t *testing.T) {
	key := newECKey(t)

	t.Run("pkix", func(t *testing.T) {
		pub, err := loadPublicKey(writePublicKeyPEM(t, &key.PublicKey))
		require.NoError(t, err)
		assert.True(t, key.PublicKey.Equal(pub))
	})

	t.Run("jwk_public", func(t *testing.T) {
		raw, err := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "identity"}.MarshalJSON()
		require.NoError(t, err)
		pub, err := loadPublicKey(writeFile(t, "pub.json", raw))
		require.NoError(t, err)
		assert.True(t, key.PublicKey.Equal(pub))
	})

	t.Run("jwk_private_yields_public", func(t *testing.T) {
		raw, err := jose.JSONWebKey{Key: key}.MarshalJSON()
		require.NoError(t, err)
		pub, err := loadPublicKey(writeFile(t, "priv.json", raw))
		require.NoError(t, err)
		_, ok := pub.(*ecdsa.PublicKey)
		assert.True(t, ok)
	})

	t.Run("certificate", func(t *testing.T) {
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "identity.example"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		require.NoError(t, err)

		pub, err := loadPublicKey(writePEM(t, "CERTIFICATE", der))
		require.NoError(t, err)
		assert.True(t, key.PublicKey.Equal(pub))
	})

	t.Run("rejects_garbage", func(t *testing.T) {
		_, err := loadPublicKey(writeFile(t, "pub", []byte("nope")))
		assert.Error(t, err)
		_, err = loadPublicKey(writePEM(t, "RSA PRIVATE KEY", []byte{1}))
		assert.Error(t, err)
	})
}

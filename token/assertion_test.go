package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCertificate generates a self-signed certificate with its key,
// writes both into dir as one PEM bundle and returns the hex thumbprint.
func writeTestCertificate(t *testing.T, dir, filename string) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "steward-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	var bundle []byte
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), bundle, 0o600))

	fingerprint := sha1.Sum(der)
	return hex.EncodeToString(fingerprint[:]), key
}

func TestLoadSigningCertificate_MatchesThumbprint(t *testing.T) {
	dir := t.TempDir()
	_, _ = writeTestCertificate(t, dir, "other.pem")
	thumbprint, _ := writeTestCertificate(t, dir, "signing.pem")

	cert, err := loadSigningCertificate(dir, thumbprint)
	require.NoError(t, err)
	require.NotNil(t, cert.certificate)
	require.NotNil(t, cert.key)
	assert.Equal(t, thumbprint, hex.EncodeToString(cert.thumbprint))
}

func TestLoadSigningCertificate_CaseInsensitiveThumbprint(t *testing.T) {
	dir := t.TempDir()
	thumbprint, _ := writeTestCertificate(t, dir, "signing.pem")

	// Thumbprints are often pasted uppercase from portals
	upper := ""
	for _, c := range thumbprint {
		if c >= 'a' && c <= 'f' {
			upper += string(c - 32)
		} else {
			upper += string(c)
		}
	}

	_, err := loadSigningCertificate(dir, upper)
	require.NoError(t, err)
}

func TestLoadSigningCertificate_NoMatch(t *testing.T) {
	dir := t.TempDir()
	_, _ = writeTestCertificate(t, dir, "signing.pem")

	_, err := loadSigningCertificate(dir, "0000000000000000000000000000000000000000")
	require.ErrorIs(t, err, ErrCertificateNotFound)
}

func TestLoadSigningCertificate_Unconfigured(t *testing.T) {
	_, err := loadSigningCertificate("", "")
	require.ErrorIs(t, err, ErrCertificateNotFound)
}

func TestBuildClientAssertion(t *testing.T) {
	dir := t.TempDir()
	thumbprint, key := writeTestCertificate(t, dir, "signing.pem")

	cert, err := loadSigningCertificate(dir, thumbprint)
	require.NoError(t, err)

	endpoint := "https://login.example.net/tenant/oauth2/v2.0/token"
	signed, err := buildClientAssertion(cert, "app-id", endpoint)
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, endpoint, claims["aud"])
	assert.Equal(t, "app-id", claims["iss"])
	assert.Equal(t, "app-id", claims["sub"])
	assert.NotEmpty(t, claims["jti"])

	// The x5t header carries the base64url SHA-1 thumbprint
	raw, err := hex.DecodeString(thumbprint)
	require.NoError(t, err)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(raw), parsed.Header["x5t"])
}

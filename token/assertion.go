package token

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// assertionValidity is the lifetime stamped on a client assertion.
// Short by design: an assertion is consumed immediately by one exchange.
const assertionValidity = 10 * time.Minute

// signingCertificate is a certificate plus its private key, loaded from
// the certificate directory and matched by SHA-1 thumbprint.
type signingCertificate struct {
	certificate *x509.Certificate
	key         *rsa.PrivateKey
	thumbprint  []byte // SHA-1 over the DER certificate
}

// loadSigningCertificate scans the PEM files in dir for a certificate
// whose SHA-1 fingerprint matches thumbprint (hex, case-insensitive) and
// pairs it with the private key found alongside it.
func loadSigningCertificate(dir, thumbprint string) (*signingCertificate, error) {
	if dir == "" || thumbprint == "" {
		return nil, fmt.Errorf("%w: certificate directory or thumbprint not configured", ErrCertificateNotFound)
	}

	want, err := hex.DecodeString(strings.ToLower(thumbprint))
	if err != nil {
		return nil, fmt.Errorf("invalid certificate thumbprint %q: %w", thumbprint, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".pem" && ext != ".crt" {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}

		cert, key := parsePEMBundle(raw)
		if cert == nil || key == nil {
			continue
		}

		fingerprint := sha1.Sum(cert.Raw)
		if string(fingerprint[:]) == string(want) {
			return &signingCertificate{
				certificate: cert,
				key:         key,
				thumbprint:  fingerprint[:],
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: no certificate with thumbprint %s in %s", ErrCertificateNotFound, thumbprint, dir)
}

// parsePEMBundle extracts the first certificate and RSA private key from a
// PEM bundle. Either may be nil when absent.
func parsePEMBundle(raw []byte) (*x509.Certificate, *rsa.PrivateKey) {
	var cert *x509.Certificate
	var key *rsa.PrivateKey

	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}

		switch block.Type {
		case "CERTIFICATE":
			if cert != nil {
				continue
			}
			parsed, err := x509.ParseCertificate(block.Bytes)
			if err == nil {
				cert = parsed
			}
		case "RSA PRIVATE KEY":
			if key != nil {
				continue
			}
			parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err == nil {
				key = parsed
			}
		case "PRIVATE KEY":
			if key != nil {
				continue
			}
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err == nil {
				if rsaKey, ok := parsed.(*rsa.PrivateKey); ok {
					key = rsaKey
				}
			}
		}
	}

	return cert, key
}

// buildClientAssertion signs a short-lived RS256 JWT proving possession of
// the certificate. The x5t header carries the certificate thumbprint so
// the authority can locate the registered public key.
func buildClientAssertion(cert *signingCertificate, applicationID, tokenEndpoint string) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"aud": tokenEndpoint,
		"iss": applicationID,
		"sub": applicationID,
		"jti": uuid.New().String(),
		"nbf": now.Unix(),
		"iat": now.Unix(),
		"exp": now.Add(assertionValidity).Unix(),
	}

	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	assertion.Header["x5t"] = base64.RawURLEncoding.EncodeToString(cert.thumbprint)

	signed, err := assertion.SignedString(cert.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}

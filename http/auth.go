package http

import (
	"context"
	"crypto"
	"net/http"
	"strings"

	"github.com/hashicorp/cap/jwt"
	"github.com/stephnangue/steward/authorize"
	"github.com/stephnangue/steward/logger"
	"github.com/stephnangue/steward/partner"
)

type contextKey int

const callerContextKey contextKey = iota

// Authenticator validates bearer tokens and resolves the caller identity
// once per request at the HTTP boundary. Everything behind it works with a
// Principal, never a raw claims bag.
type Authenticator struct {
	validator *jwt.Validator
	expected  jwt.Expected
	logger    logger.Logger
}

// NewAuthenticator builds an Authenticator that discovers the authority's
// signing keys via OIDC discovery on the issuer.
func NewAuthenticator(ctx context.Context, issuer, audience string, log logger.Logger) (*Authenticator, error) {
	keySet, err := jwt.NewOIDCDiscoveryKeySet(ctx, issuer, "")
	if err != nil {
		return nil, err
	}
	return newAuthenticator(keySet, issuer, audience, log)
}

// NewStaticAuthenticator builds an Authenticator over a fixed set of
// public keys. Used in tests and air-gapped deployments.
func NewStaticAuthenticator(keys []crypto.PublicKey, issuer, audience string, log logger.Logger) (*Authenticator, error) {
	keySet, err := jwt.NewStaticKeySet(keys)
	if err != nil {
		return nil, err
	}
	return newAuthenticator(keySet, issuer, audience, log)
}

func newAuthenticator(keySet jwt.KeySet, issuer, audience string, log logger.Logger) (*Authenticator, error) {
	validator, err := jwt.NewValidator(keySet)
	if err != nil {
		return nil, err
	}

	expected := jwt.Expected{
		Issuer:            issuer,
		SigningAlgorithms: []jwt.Alg{jwt.RS256, jwt.RS384, jwt.RS512, jwt.ES256, jwt.ES384, jwt.ES512},
	}
	if audience != "" {
		expected.Audiences = []string{audience}
	}

	return &Authenticator{
		validator: validator,
		expected:  expected,
		logger:    log,
	}, nil
}

// Middleware validates the bearer token, maps its claims onto a Principal
// and stores the resolved caller in the request context. The raw token is
// kept alongside: it bootstraps the delegated credential flow downstream.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := a.validator.Validate(r.Context(), raw, a.expected)
		if err != nil {
			a.logger.Debug("rejected bearer token", logger.Err(err))
			respondError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		principal, err := authorize.PrincipalFromClaims(claims)
		if err != nil {
			a.logger.Debug("rejected token claims", logger.Err(err))
			respondError(w, http.StatusUnauthorized, "token claims are unusable")
			return
		}

		caller := &partner.Caller{
			Principal: principal,
			Assertion: raw,
		}
		ctx := context.WithValue(r.Context(), callerContextKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFromContext returns the caller resolved by the auth middleware
func CallerFromContext(ctx context.Context) *partner.Caller {
	caller, _ := ctx.Value(callerContextKey).(*partner.Caller)
	return caller
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

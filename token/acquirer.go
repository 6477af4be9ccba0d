package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/stephnangue/steward/logger"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// exchangeTimeout bounds a single token exchange against the authority.
// It is independent of the calling request's deadline: an exchange started
// for an aborted request is allowed to finish and populate the cache.
const exchangeTimeout = 30 * time.Second

// maxResponseBodySize limits response body reads to prevent OOM from large responses
const maxResponseBodySize = 1 << 20 // 1MB

// Flow kinds, used as the leading component of cache keys
const (
	flowAppOnly = "app-only"
	flowAppUser = "app-user"
)

const (
	grantClientCredentials = "client_credentials"
	grantAuthorizationCode = "authorization_code"
	grantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// AcquirerConfig configures an Acquirer
type AcquirerConfig struct {
	// AuthorityURL is the tenant-qualified authority,
	// e.g. https://login.example.net/{tenant-id}
	AuthorityURL string

	ApplicationID     string
	ApplicationSecret string

	// Certificate flow inputs; thumbprint is a hex SHA-1 fingerprint
	CertificateDir        string
	CertificateThumbprint string

	// UseCache enables read/write-through caching for the app-only and
	// authorization-code flows
	UseCache bool

	Cache      *Cache
	HTTPClient *http.Client
	Logger     logger.Logger
}

// Acquirer performs OAuth exchanges against the identity authority for the
// four flows the portal needs: app-only by client secret, app-only by
// certificate assertion, app-plus-user (on-behalf-of), and one-shot
// authorization-code redemption.
//
// All exchanges are network calls; no lock is ever held across one.
type Acquirer struct {
	authorityURL          string
	applicationID         string
	applicationSecret     string
	certificateDir        string
	certificateThumbprint string
	useCache              bool

	cache      *Cache
	httpClient *http.Client
	group      singleflight.Group
	logger     logger.Logger
}

// NewAcquirer creates an Acquirer. A missing authority URL or application
// id is a configuration error, fatal at construction.
func NewAcquirer(cfg AcquirerConfig) (*Acquirer, error) {
	if cfg.AuthorityURL == "" {
		return nil, errors.New("acquirer requires an authority URL")
	}
	if cfg.ApplicationID == "" {
		return nil, errors.New("acquirer requires an application id")
	}
	if cfg.Cache == nil {
		return nil, errors.New("acquirer requires a token cache")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Timeout = exchangeTimeout
	}

	return &Acquirer{
		authorityURL:          strings.TrimSuffix(cfg.AuthorityURL, "/"),
		applicationID:         cfg.ApplicationID,
		applicationSecret:     cfg.ApplicationSecret,
		certificateDir:        cfg.CertificateDir,
		certificateThumbprint: cfg.CertificateThumbprint,
		useCache:              cfg.UseCache,
		cache:                 cfg.Cache,
		httpClient:            httpClient,
		logger:                cfg.Logger,
	}, nil
}

func (a *Acquirer) tokenEndpoint() string {
	return a.authorityURL + "/oauth2/v2.0/token"
}

func (a *Acquirer) authorizeEndpoint() string {
	return a.authorityURL + "/oauth2/v2.0/authorize"
}

// scopeFor maps a resource identifier to its default OAuth scope
func scopeFor(resource string) string {
	return strings.TrimSuffix(resource, "/") + "/.default"
}

// cacheKey builds the composite key for one (flow, authority, resource,
// identity) tuple. The identity component keeps per-user entries from ever
// being shared across distinct identities.
func cacheKey(flow, authority, resource, identity string) string {
	key := flow + "|" + authority + "|" + resource
	if identity != "" {
		key += "|" + identity
	}
	return key
}

// AppToken exchanges the application credential for a token scoped to
// resource (client-credential grant). With caching enabled, a cache hit
// with a non-expired record returns without contacting the authority, and
// concurrent callers for the same key share a single exchange.
func (a *Acquirer) AppToken(ctx context.Context, resource string) (*Record, error) {
	key := cacheKey(flowAppOnly, a.authorityURL, resource, "")

	if a.useCache {
		if record, ok := a.cache.Get(ctx, key); ok {
			return record, nil
		}
	}

	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		// Double-check the cache in case another goroutine just populated it
		if a.useCache {
			if record, ok := a.cache.Get(ctx, key); ok {
				return record, nil
			}
		}

		form := url.Values{}
		form.Set("grant_type", grantClientCredentials)
		form.Set("client_id", a.applicationID)
		form.Set("client_secret", a.applicationSecret)
		form.Set("scope", scopeFor(resource))

		record, err := a.exchange(ctx, form)
		if err != nil {
			return nil, err
		}

		if a.useCache {
			a.cache.Put(ctx, key, record)
		}
		return record, nil
	})
	if err != nil {
		// Don't memoize failures - the next caller retries
		a.group.Forget(key)
		return nil, err
	}
	return v.(*Record), nil
}

// CertificateToken exchanges a client assertion signed with the locally
// held certificate for an app-only token. This flow serves a narrower set
// of callers and is never cached. A certificate that cannot be located is
// a fatal configuration error.
func (a *Acquirer) CertificateToken(ctx context.Context, resource string) (*Record, error) {
	cert, err := loadSigningCertificate(a.certificateDir, a.certificateThumbprint)
	if err != nil {
		return nil, err
	}

	assertion, err := buildClientAssertion(cert, a.applicationID, a.tokenEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to build client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", grantClientCredentials)
	form.Set("client_id", a.applicationID)
	form.Set("client_assertion_type", assertionTypeJWTBearer)
	form.Set("client_assertion", assertion)
	form.Set("scope", scopeFor(resource))

	return a.exchange(ctx, form)
}

// UserToken exchanges the signed-in user's bootstrap assertion plus the
// application credential for a token acting on behalf of that user
// (on-behalf-of grant). Records are cached per identity; the key carries
// userID so entries are never shared across users.
//
// Retry policy: when the authority reports the cached refresh token was
// revoked (invalid_grant), the entire authentication category is purged
// and the exchange retried exactly once with a fresh context. Any other
// error, and a second revoked-grant answer, propagate unretried.
func (a *Acquirer) UserToken(ctx context.Context, userAssertion, userID, resource string) (*Record, error) {
	if userID == "" {
		return nil, errors.New("user token requires the caller's identity")
	}

	key := cacheKey(flowAppUser, a.authorityURL, resource, userID)

	if record, ok := a.cache.Get(ctx, key); ok {
		return record, nil
	}

	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		if record, ok := a.cache.Get(ctx, key); ok {
			return record, nil
		}

		form := url.Values{}
		form.Set("grant_type", grantJWTBearer)
		form.Set("client_id", a.applicationID)
		form.Set("client_secret", a.applicationSecret)
		form.Set("assertion", userAssertion)
		form.Set("requested_token_use", "on_behalf_of")
		form.Set("scope", scopeFor(resource))

		record, err := a.exchange(ctx, form)
		if err != nil {
			var authErr *AuthorityError
			if errors.As(err, &authErr) && authErr.RevokedGrant() {
				a.logger.Warn("authority reported a revoked refresh token, purging authentication cache",
					logger.String("resource", resource),
				)
				if purgeErr := a.cache.Purge(ctx); purgeErr != nil {
					a.logger.Error("failed to purge authentication cache", logger.Err(purgeErr))
				}
				record, err = a.exchange(ctx, form)
			}
		}
		if err != nil {
			return nil, err
		}

		a.cache.Put(ctx, key, record)
		return record, nil
	})
	if err != nil {
		a.group.Forget(key)
		return nil, err
	}
	return v.(*Record), nil
}

// RedeemAuthorizationCode performs the one-shot exchange of an
// authorization code for a token. Used only during interactive sign-in,
// not on the hot path. With caching enabled the record is stored under the
// identity claim carried in the returned token; a token whose identity
// claim cannot be read is returned uncached.
func (a *Acquirer) RedeemAuthorizationCode(ctx context.Context, code, redirectURI, resource string) (*Record, error) {
	form := url.Values{}
	form.Set("grant_type", grantAuthorizationCode)
	form.Set("client_id", a.applicationID)
	form.Set("client_secret", a.applicationSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("scope", scopeFor(resource))

	record, err := a.exchange(ctx, form)
	if err != nil {
		return nil, err
	}

	if a.useCache {
		// The token just arrived from the authority over TLS, so reading
		// the identity claim from the unverified payload is fine here.
		if identity := claimFromToken(record.AccessToken, "oid"); identity != "" {
			a.cache.Put(ctx, cacheKey(flowAppUser, a.authorityURL, resource, identity), record)
		} else {
			a.logger.Debug("redeemed token carries no identity claim, not caching")
		}
	}

	return record, nil
}

// AuthCodeURL builds the authorization URL that starts interactive
// sign-in. State must be an unguessable per-attempt value.
func (a *Acquirer) AuthCodeURL(state, redirectURI, resource string) string {
	conf := &oauth2.Config{
		ClientID:    a.applicationID,
		RedirectURL: redirectURI,
		Scopes:      []string{scopeFor(resource)},
		Endpoint: oauth2.Endpoint{
			AuthURL:  a.authorizeEndpoint(),
			TokenURL: a.tokenEndpoint(),
		},
	}
	return conf.AuthCodeURL(state)
}

// exchange performs one POST to the token endpoint. The exchange runs on a
// context detached from the caller's: acquisition has no side effects to
// undo, so an aborted request lets the exchange finish and populate the
// cache for future callers instead of cancelling it.
func (a *Acquirer) exchange(ctx context.Context, form url.Values) (*Record, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	body, bodyErr := readLimitedBody(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		authErr := &AuthorityError{StatusCode: resp.StatusCode}
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
			CorrelationID    string `json:"correlation_id"`
		}
		if bodyErr == nil && json.Unmarshal(body, &oauthErr) == nil {
			authErr.Code = oauthErr.Error
			authErr.Description = oauthErr.ErrorDescription
			authErr.CorrelationID = oauthErr.CorrelationID
		}
		return nil, authErr
	}
	if bodyErr != nil {
		return nil, fmt.Errorf("failed to read token response: %w", bodyErr)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("authority returned an empty access token")
	}

	a.logger.Debug("token acquired",
		logger.String("grant_type", form.Get("grant_type")),
		logger.Duration("elapsed", time.Since(start)),
		logger.Int("expires_in", tokenResp.ExpiresIn),
	)

	return &Record{
		AccessToken: tokenResp.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

// claimFromToken reads a string claim from a JWT payload without verifying
// the signature. Only safe for tokens just received from the authority.
func claimFromToken(accessToken, claim string) string {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	value, _ := claims[claim].(string)
	return value
}

// readLimitedBody reads a response body with a size limit to prevent OOM
func readLimitedBody(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, maxResponseBodySize))
}

package http

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stephnangue/steward/authorize"
	"github.com/stephnangue/steward/cache"
	"github.com/stephnangue/steward/credential"
	"github.com/stephnangue/steward/logger"
	"github.com/stephnangue/steward/partner"
	"github.com/stephnangue/steward/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer         = "https://login.example.net/test-tenant"
	testAudience       = "app-id"
	testResellerTenant = "11111111-1111-1111-1111-111111111111"
	testCustomerTenant = "22222222-2222-2222-2222-222222222222"
)

// ============================================================================
// Token minting
// ============================================================================

type tokenSigner struct {
	key *rsa.PrivateKey
}

func newTokenSigner(t *testing.T) *tokenSigner {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &tokenSigner{key: key}
}

func (s *tokenSigner) sign(t *testing.T, tenantID string) string {
	t.Helper()

	now := time.Now()
	claims := gojwt.MapClaims{
		"iss":  testIssuer,
		"aud":  testAudience,
		"tid":  tenantID,
		"oid":  "user-" + tenantID,
		"name": "Test User",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	}
	tok := gojwt.NewWithClaims(gojwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key"

	signed, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

// ============================================================================
// Stub upstream clients
// ============================================================================

// stubClients serves canned answers and lets tests inject one error
type stubClients struct {
	err error
}

func (s *stubClients) ListCustomers(ctx context.Context, cred *credential.PartnerCredential, correlationID, continuation string) (*partner.Page[partner.Customer], error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Page[partner.Customer]{Items: []partner.Customer{{ID: "cust-1"}}}, nil
}

func (s *stubClients) GetCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string) (*partner.Customer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Customer{ID: customerID, CompanyName: "Acme"}, nil
}

func (s *stubClients) CreateCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID string, customer *partner.Customer) (*partner.Customer, error) {
	return customer, s.err
}

func (s *stubClients) DeleteCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string) error {
	return s.err
}

func (s *stubClients) ListSubscriptions(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, continuation string) (*partner.Page[partner.Subscription], error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Page[partner.Subscription]{Items: []partner.Subscription{{ID: "sub-1"}}}, nil
}

func (s *stubClients) GetSubscription(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, subscriptionID string) (*partner.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Subscription{ID: subscriptionID}, nil
}

func (s *stubClients) UpdateSubscriptionQuantity(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, subscriptionID string, quantity int) (*partner.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Subscription{ID: subscriptionID, Quantity: quantity}, nil
}

func (s *stubClients) ListUsers(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, continuation string) (*partner.Page[partner.CustomerUser], error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Page[partner.CustomerUser]{}, nil
}

func (s *stubClients) CreateUser(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string, user *partner.CustomerUser) (*partner.CustomerUser, error) {
	return user, s.err
}

func (s *stubClients) DeleteUser(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, userID string) error {
	return s.err
}

func (s *stubClients) ListInvoices(ctx context.Context, cred *credential.PartnerCredential, correlationID, continuation string) (*partner.Page[partner.Invoice], error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Page[partner.Invoice]{}, nil
}

func (s *stubClients) GetInvoice(ctx context.Context, cred *credential.PartnerCredential, correlationID, invoiceID string) (*partner.Invoice, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Invoice{ID: invoiceID}, nil
}

func (s *stubClients) ListOffers(ctx context.Context, cred *credential.PartnerCredential, correlationID, country string) ([]partner.Offer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []partner.Offer{{ID: "offer-1", Country: country}}, nil
}

func (s *stubClients) ListAuditRecords(ctx context.Context, cred *credential.PartnerCredential, correlationID string, start, end time.Time, continuation string) (*partner.Page[partner.AuditRecord], error) {
	if s.err != nil {
		return nil, s.err
	}
	return &partner.Page[partner.AuditRecord]{}, nil
}

// ============================================================================
// Harness
// ============================================================================

type httpHarness struct {
	server *httptest.Server
	signer *tokenSigner
	stubs  *stubClients
}

func newHTTPHarness(t *testing.T) *httpHarness {
	t.Helper()

	// Fake authority for the acquirer's exchanges
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(authority.Close)

	svc, err := cache.NewInmemCache(nil, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	acquirer, err := token.NewAcquirer(token.AcquirerConfig{
		AuthorityURL:      authority.URL,
		ApplicationID:     testAudience,
		ApplicationSecret: "app-secret",
		Cache:             token.NewCache(svc, time.Minute, logger.NewNopLogger()),
		Logger:            logger.NewNopLogger(),
	})
	require.NoError(t, err)

	vendor, err := credential.NewVendor(credential.VendorConfig{
		Acquirer:        acquirer,
		PartnerResource: "https://partner.example.net",
		Logger:          logger.NewNopLogger(),
	})
	require.NoError(t, err)

	guard, err := authorize.NewGuard(testResellerTenant, false)
	require.NoError(t, err)

	stubs := &stubClients{}
	ops, err := partner.NewOperations(partner.OperationsConfig{
		Vendor: vendor,
		Guard:  guard,
		Clients: partner.Clients{
			Customers:     stubs,
			Subscriptions: stubs,
			Users:         stubs,
			Invoices:      stubs,
			Offers:        stubs,
			Audit:         stubs,
		},
		Offers: partner.NewOffersCache(stubs, svc, logger.NewNopLogger()),
		Logger: logger.NewNopLogger(),
	})
	require.NoError(t, err)

	signer := newTokenSigner(t)
	authenticator, err := NewStaticAuthenticator([]crypto.PublicKey{&signer.key.PublicKey}, testIssuer, testAudience, logger.NewNopLogger())
	require.NoError(t, err)

	handler := Handler(&HandlerProperties{
		Operations:      ops,
		Acquirer:        acquirer,
		PartnerResource: "https://partner.example.net",
		Auth:            authenticator,
		Logger:          logger.NewNopLogger(),
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &httpHarness{server: server, signer: signer, stubs: stubs}
}

func (h *httpHarness) request(t *testing.T, method, path, bearer string, body string) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// ============================================================================
// Public endpoints
// ============================================================================

func TestHandler_HealthIsPublic(t *testing.T) {
	h := newHTTPHarness(t)

	resp := h.request(t, http.MethodGet, "/v1/sys/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_MetricsIsPublic(t *testing.T) {
	h := newHTTPHarness(t)

	resp := h.request(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_SigninBuildsAuthURL(t *testing.T) {
	h := newHTTPHarness(t)

	resp := h.request(t, http.MethodGet, "/v1/auth/signin?redirect_uri=https://portal.example.net/cb", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["auth_url"], "/oauth2/v2.0/authorize")
	require.NotEmpty(t, body["state"])
	// The returned state is the one embedded in the authorization URL
	assert.Contains(t, body["auth_url"], "state="+body["state"])
}

func TestHandler_SigninRequiresRedirectURI(t *testing.T) {
	h := newHTTPHarness(t)

	resp := h.request(t, http.MethodGet, "/v1/auth/signin", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ============================================================================
// Authentication
// ============================================================================

func TestHandler_MissingBearerIsUnauthorized(t *testing.T) {
	h := newHTTPHarness(t)

	resp := h.request(t, http.MethodGet, "/v1/customers", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_GarbageBearerIsUnauthorized(t *testing.T) {
	h := newHTTPHarness(t)

	resp := h.request(t, http.MethodGet, "/v1/customers", "not.a.token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_ValidBearerPasses(t *testing.T) {
	h := newHTTPHarness(t)
	bearer := h.signer.sign(t, testResellerTenant)

	resp := h.request(t, http.MethodGet, "/v1/customers", bearer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var customers []partner.Customer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&customers))
	assert.NotEmpty(t, customers)
}

// ============================================================================
// Error mapping
// ============================================================================

func TestHandler_AccessDeniedMapsTo403(t *testing.T) {
	h := newHTTPHarness(t)
	bearer := h.signer.sign(t, testCustomerTenant)

	resp := h.request(t, http.MethodPost, "/v1/customers", bearer, `{"companyName":"Rogue"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandler_UpstreamErrorKeepsStatus(t *testing.T) {
	h := newHTTPHarness(t)
	h.stubs.err = &partner.APIError{StatusCode: http.StatusNotFound, Message: "no such customer"}
	bearer := h.signer.sign(t, testResellerTenant)

	resp := h.request(t, http.MethodGet, "/v1/customers/cust-404", bearer, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_UnknownErrorMapsTo500(t *testing.T) {
	h := newHTTPHarness(t)
	h.stubs.err = fmt.Errorf("wire tripped")
	bearer := h.signer.sign(t, testResellerTenant)

	resp := h.request(t, http.MethodGet, "/v1/customers/cust-1", bearer, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandler_OffersRequireCountry(t *testing.T) {
	h := newHTTPHarness(t)
	bearer := h.signer.sign(t, testResellerTenant)

	resp := h.request(t, http.MethodGet, "/v1/offers", bearer, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_InvalidQuantityIs400(t *testing.T) {
	h := newHTTPHarness(t)
	bearer := h.signer.sign(t, testResellerTenant)

	resp := h.request(t, http.MethodPatch, "/v1/customers/cust-1/subscriptions/sub-1", bearer, `{"quantity":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_AuditRejectsInvertedWindow(t *testing.T) {
	h := newHTTPHarness(t)
	bearer := h.signer.sign(t, testResellerTenant)

	resp := h.request(t, http.MethodGet, "/v1/auditrecords?start=2000&end=1000", bearer, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_DeleteUserNoContent(t *testing.T) {
	h := newHTTPHarness(t)
	bearer := h.signer.sign(t, testResellerTenant)

	resp := h.request(t, http.MethodDelete, "/v1/customers/cust-1/users/user-1", bearer, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

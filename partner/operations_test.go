package partner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stephnangue/steward/authorize"
	"github.com/stephnangue/steward/cache"
	"github.com/stephnangue/steward/credential"
	"github.com/stephnangue/steward/logger"
	"github.com/stephnangue/steward/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	resellerTenant = "11111111-1111-1111-1111-111111111111"
	customer42     = "cust-42"
	customer7      = "cust-7"
	customer99     = "cust-99"
)

// ============================================================================
// Mock implementations
// ============================================================================

// mockClients implements every upstream API surface with call counters and
// per-test overrides.
type mockClients struct {
	calls atomic.Int32

	mu          sync.Mutex
	lastTenant  string
	lastCred    *credential.PartnerCredential
	listErr     error
	subPages    []*Page[Subscription]
	subPageIdx  int
}

func newMockClients() *mockClients {
	return &mockClients{}
}

func (m *mockClients) record(cred *credential.PartnerCredential, tenant string) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastCred = cred
	m.lastTenant = tenant
	m.mu.Unlock()
}

func (m *mockClients) ListCustomers(ctx context.Context, cred *credential.PartnerCredential, correlationID, continuation string) (*Page[Customer], error) {
	m.record(cred, "")
	return &Page[Customer]{Items: []Customer{{ID: customer42}, {ID: customer7}}}, nil
}

func (m *mockClients) GetCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string) (*Customer, error) {
	m.record(cred, customerID)
	return &Customer{ID: customerID, CompanyName: "Acme"}, nil
}

func (m *mockClients) CreateCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID string, customer *Customer) (*Customer, error) {
	m.record(cred, "")
	return customer, nil
}

func (m *mockClients) DeleteCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string) error {
	m.record(cred, customerID)
	return nil
}

func (m *mockClients) ListSubscriptions(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, continuation string) (*Page[Subscription], error) {
	m.record(cred, customerID)
	if m.listErr != nil {
		return nil, m.listErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subPages) == 0 {
		return &Page[Subscription]{}, nil
	}
	page := m.subPages[m.subPageIdx]
	if m.subPageIdx < len(m.subPages)-1 {
		m.subPageIdx++
	}
	return page, nil
}

func (m *mockClients) GetSubscription(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, subscriptionID string) (*Subscription, error) {
	m.record(cred, customerID)
	return &Subscription{ID: subscriptionID}, nil
}

func (m *mockClients) UpdateSubscriptionQuantity(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, subscriptionID string, quantity int) (*Subscription, error) {
	m.record(cred, customerID)
	return &Subscription{ID: subscriptionID, Quantity: quantity}, nil
}

func (m *mockClients) ListUsers(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, continuation string) (*Page[CustomerUser], error) {
	m.record(cred, customerID)
	return &Page[CustomerUser]{Items: []CustomerUser{{ID: "user-1"}}}, nil
}

func (m *mockClients) CreateUser(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string, user *CustomerUser) (*CustomerUser, error) {
	m.record(cred, customerID)
	return user, nil
}

func (m *mockClients) DeleteUser(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, userID string) error {
	m.record(cred, customerID)
	return nil
}

func (m *mockClients) ListInvoices(ctx context.Context, cred *credential.PartnerCredential, correlationID, continuation string) (*Page[Invoice], error) {
	m.record(cred, "")
	return &Page[Invoice]{Items: []Invoice{{ID: "inv-1"}}}, nil
}

func (m *mockClients) GetInvoice(ctx context.Context, cred *credential.PartnerCredential, correlationID, invoiceID string) (*Invoice, error) {
	m.record(cred, "")
	return &Invoice{ID: invoiceID}, nil
}

func (m *mockClients) ListOffers(ctx context.Context, cred *credential.PartnerCredential, correlationID, country string) ([]Offer, error) {
	m.record(cred, "")
	return []Offer{{ID: "offer-1", Country: country}}, nil
}

func (m *mockClients) ListAuditRecords(ctx context.Context, cred *credential.PartnerCredential, correlationID string, start, end time.Time, continuation string) (*Page[AuditRecord], error) {
	m.record(cred, "")
	return &Page[AuditRecord]{Items: []AuditRecord{{ID: "audit-1"}}}, nil
}

// recordingTracker captures telemetry for assertions
type recordingTracker struct {
	mu         sync.Mutex
	events     []trackedEvent
	exceptions []error
}

type trackedEvent struct {
	name   string
	props  map[string]string
	values map[string]float64
}

func (r *recordingTracker) TrackEvent(name string, properties map[string]string, values map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, trackedEvent{name: name, props: properties, values: values})
}

func (r *recordingTracker) TrackException(err error, properties map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions = append(r.exceptions, err)
}

func (r *recordingTracker) lastEvent() *trackedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return &r.events[len(r.events)-1]
}

// ============================================================================
// Test helpers
// ============================================================================

// testHarness bundles the facade with its observable collaborators
type testHarness struct {
	ops       *Operations
	clients   *mockClients
	tracker   *recordingTracker
	exchanges *atomic.Int32
}

func newTestHarness(t *testing.T, sandbox bool) *testHarness {
	t.Helper()

	var exchanges atomic.Int32
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
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
		ApplicationID:     "app-id",
		ApplicationSecret: "app-secret",
		Cache:             token.NewCache(svc, time.Minute, logger.NewNopLogger()),
		Logger:            logger.NewNopLogger(),
	})
	require.NoError(t, err)

	vendor, err := credential.NewVendor(credential.VendorConfig{
		Acquirer:        acquirer,
		PartnerResource: "https://partner.example.net",
		ApplicationName: "steward-portal",
		Logger:          logger.NewNopLogger(),
	})
	require.NoError(t, err)

	guard, err := authorize.NewGuard(resellerTenant, sandbox)
	require.NoError(t, err)

	clients := newMockClients()
	tracker := &recordingTracker{}

	ops, err := NewOperations(OperationsConfig{
		Vendor: vendor,
		Guard:  guard,
		Clients: Clients{
			Customers:     clients,
			Subscriptions: clients,
			Users:         clients,
			Invoices:      clients,
			Offers:        clients,
			Audit:         clients,
		},
		Offers:  NewOffersCache(clients, svc, logger.NewNopLogger()),
		Tracker: tracker,
		Logger:  logger.NewNopLogger(),
	})
	require.NoError(t, err)

	return &testHarness{
		ops:       ops,
		clients:   clients,
		tracker:   tracker,
		exchanges: &exchanges,
	}
}

func resellerCaller() *Caller {
	return &Caller{
		Principal: &authorize.Principal{
			HomeTenantID: resellerTenant,
			ObjectID:     "reseller-admin",
		},
		Assertion: "reseller-assertion",
	}
}

func customerCaller(tenant string) *Caller {
	return &Caller{
		Principal: &authorize.Principal{
			HomeTenantID: tenant,
			ObjectID:     "user-" + tenant,
		},
		Assertion: "customer-assertion",
	}
}

// ============================================================================
// Tenant scoping
// ============================================================================

func TestOperations_ResellerReachesRequestedTenant(t *testing.T) {
	h := newTestHarness(t, false)

	customer, err := h.ops.GetCustomer(context.Background(), resellerCaller(), customer42)
	require.NoError(t, err)
	assert.Equal(t, customer42, customer.ID)
	assert.Equal(t, customer42, h.clients.lastTenant)

	event := h.tracker.lastEvent()
	require.NotNil(t, event)
	assert.Equal(t, "get_customer", event.name)
	assert.Equal(t, "success", event.props["outcome"])
	assert.Equal(t, customer42, event.props["effective_tenant"])
	assert.Equal(t, resellerTenant, event.props["caller_tenant"])
	assert.NotEmpty(t, event.props["correlation_id"])
	assert.Contains(t, event.values, "duration_ms")
	assert.Contains(t, event.values, "result_count")
}

// A customer asking for another tenant is silently scoped onto its own.
func TestOperations_CustomerForcedOntoOwnTenant(t *testing.T) {
	h := newTestHarness(t, false)

	customer, err := h.ops.GetCustomer(context.Background(), customerCaller(customer7), customer99)
	require.NoError(t, err)
	assert.Equal(t, customer7, customer.ID)
	assert.Equal(t, customer7, h.clients.lastTenant)

	event := h.tracker.lastEvent()
	require.NotNil(t, event)
	assert.Equal(t, customer7, event.props["effective_tenant"])
}

// ============================================================================
// Denial short-circuit
// ============================================================================

// A denied operation never touches the authority or the upstream API.
func TestOperations_DenialShortCircuits(t *testing.T) {
	h := newTestHarness(t, false)

	_, err := h.ops.CreateCustomer(context.Background(), customerCaller(customer7), &Customer{CompanyName: "Rogue"})
	require.Error(t, err)
	assert.True(t, IsAccessDenied(err))

	assert.Equal(t, int32(0), h.clients.calls.Load())
	assert.Equal(t, int32(0), h.exchanges.Load())

	event := h.tracker.lastEvent()
	require.NotNil(t, event)
	assert.Equal(t, "denied", event.props["outcome"])
	assert.Equal(t, "insufficient privilege", event.props["denial_reason"])
}

func TestOperations_DestructiveRequiresSandbox(t *testing.T) {
	h := newTestHarness(t, false)

	err := h.ops.DeleteCustomer(context.Background(), resellerCaller(), customer42)
	require.Error(t, err)
	assert.True(t, IsAccessDenied(err))
	assert.Equal(t, int32(0), h.clients.calls.Load())
}

func TestOperations_DestructiveAllowedInSandbox(t *testing.T) {
	h := newTestHarness(t, true)

	err := h.ops.DeleteCustomer(context.Background(), resellerCaller(), customer42)
	require.NoError(t, err)
	assert.Equal(t, customer42, h.clients.lastTenant)
}

// ============================================================================
// Credential flow selection
// ============================================================================

// Customer-scoped reads use the delegated flow; invoices use app-only.
func TestOperations_FlowSelection(t *testing.T) {
	h := newTestHarness(t, false)
	ctx := context.Background()

	_, err := h.ops.ListSubscriptions(ctx, resellerCaller(), customer42)
	require.NoError(t, err)
	assert.Equal(t, credential.FlowAppUser, h.clients.lastCred.Flow)

	_, err = h.ops.ListInvoices(ctx, resellerCaller())
	require.NoError(t, err)
	assert.Equal(t, credential.FlowAppOnly, h.clients.lastCred.Flow)
}

func TestOperations_InvoicesResellerOnly(t *testing.T) {
	h := newTestHarness(t, false)

	_, err := h.ops.ListInvoices(context.Background(), customerCaller(customer7))
	require.Error(t, err)
	assert.True(t, IsAccessDenied(err))
}

// ============================================================================
// Paging
// ============================================================================

func TestOperations_ListSubscriptionsDrainsPages(t *testing.T) {
	h := newTestHarness(t, false)
	h.clients.subPages = []*Page[Subscription]{
		{Items: []Subscription{{ID: "s1"}, {ID: "s2"}}, ContinuationToken: "page-2"},
		{Items: []Subscription{{ID: "s3"}}, ContinuationToken: "page-3"},
		{Items: []Subscription{{ID: "s4"}}},
	}

	subs, err := h.ops.ListSubscriptions(context.Background(), resellerCaller(), customer42)
	require.NoError(t, err)
	require.Len(t, subs, 4)
	assert.Equal(t, "s4", subs[3].ID)

	event := h.tracker.lastEvent()
	require.NotNil(t, event)
	assert.Equal(t, float64(4), event.values["result_count"])
}

// ============================================================================
// Failure telemetry
// ============================================================================

// Upstream failures are recorded AND propagated, never swallowed.
func TestOperations_ExceptionTrackedAndPropagated(t *testing.T) {
	h := newTestHarness(t, false)
	upstreamErr := &APIError{StatusCode: 500, Message: "upstream exploded", CorrelationID: "corr"}
	h.clients.listErr = upstreamErr

	_, err := h.ops.ListSubscriptions(context.Background(), resellerCaller(), customer42)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.StatusCode)

	require.Len(t, h.tracker.exceptions, 1)
	assert.ErrorIs(t, h.tracker.exceptions[0], upstreamErr)

	event := h.tracker.lastEvent()
	require.NotNil(t, event)
	assert.Equal(t, "failure", event.props["outcome"])
}

// A credential acquisition failure is recorded as event telemetry with a
// duration, not only as an exception.
func TestOperations_CredentialFailureTracksEvent(t *testing.T) {
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
	}))
	t.Cleanup(authority.Close)

	svc, err := cache.NewInmemCache(nil, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	acquirer, err := token.NewAcquirer(token.AcquirerConfig{
		AuthorityURL:      authority.URL,
		ApplicationID:     "app-id",
		ApplicationSecret: "app-secret",
		Cache:             token.NewCache(svc, time.Minute, logger.NewNopLogger()),
		Logger:            logger.NewNopLogger(),
	})
	require.NoError(t, err)

	vendor, err := credential.NewVendor(credential.VendorConfig{
		Acquirer:        acquirer,
		PartnerResource: "https://partner.example.net",
		ApplicationName: "steward-portal",
		Logger:          logger.NewNopLogger(),
	})
	require.NoError(t, err)

	guard, err := authorize.NewGuard(resellerTenant, false)
	require.NoError(t, err)

	clients := newMockClients()
	tracker := &recordingTracker{}
	ops, err := NewOperations(OperationsConfig{
		Vendor: vendor,
		Guard:  guard,
		Clients: Clients{
			Customers:     clients,
			Subscriptions: clients,
			Users:         clients,
			Invoices:      clients,
			Offers:        clients,
			Audit:         clients,
		},
		Offers:  NewOffersCache(clients, svc, logger.NewNopLogger()),
		Tracker: tracker,
		Logger:  logger.NewNopLogger(),
	})
	require.NoError(t, err)

	_, err = ops.GetCustomer(context.Background(), resellerCaller(), customer42)
	require.Error(t, err)

	// The upstream API is never touched without a credential
	assert.Equal(t, int32(0), clients.calls.Load())

	require.Len(t, tracker.exceptions, 1)
	event := tracker.lastEvent()
	require.NotNil(t, event)
	assert.Equal(t, "get_customer", event.name)
	assert.Equal(t, "credential_failure", event.props["outcome"])
	assert.Contains(t, event.values, "duration_ms")
}

func TestOperations_RequiresCaller(t *testing.T) {
	h := newTestHarness(t, false)

	_, err := h.ops.ListCustomers(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), h.clients.calls.Load())
}

// ============================================================================
// Offers
// ============================================================================

// The offers catalog is fetched once per country and then served from the
// data cache; any authenticated caller may browse it.
func TestOperations_ListOffersCached(t *testing.T) {
	h := newTestHarness(t, false)
	ctx := context.Background()

	offers, err := h.ops.ListOffers(ctx, customerCaller(customer7), "US")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, int32(1), h.clients.calls.Load())

	// Warm read: no upstream call
	_, err = h.ops.ListOffers(ctx, customerCaller(customer7), "US")
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.clients.calls.Load())

	// A different country is its own cache entry
	_, err = h.ops.ListOffers(ctx, customerCaller(customer7), "FR")
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.clients.calls.Load())
}

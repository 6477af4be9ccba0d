package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/stephnangue/steward/credential"
	"github.com/stephnangue/steward/helper"
	"github.com/stephnangue/steward/logger"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 60 * time.Second

	// maxResponseBody caps how much of an upstream body we read, success
	// or failure
	maxResponseBody = 4 << 20

	headerCorrelationID = "MS-CorrelationId"
	headerRequestID     = "MS-RequestId"
)

// RESTClientConfig configures a RESTClient
type RESTClientConfig struct {
	// BaseURL is the management API root, e.g. https://api.partnercenter.example
	BaseURL string

	// RequestTimeout bounds each attempt; 0 means the default
	RequestTimeout time.Duration

	// RateLimit caps outbound requests per second; 0 disables limiting
	RateLimit float64

	Logger logger.Logger
}

// RESTClient implements every upstream API surface against a single
// management API host. One instance is shared by all operations; it holds
// no per-call state.
type RESTClient struct {
	baseURL string
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  logger.Logger
}

var (
	_ CustomerAPI     = (*RESTClient)(nil)
	_ SubscriptionAPI = (*RESTClient)(nil)
	_ UserAPI         = (*RESTClient)(nil)
	_ InvoiceAPI      = (*RESTClient)(nil)
	_ OfferAPI        = (*RESTClient)(nil)
	_ AuditAPI        = (*RESTClient)(nil)
)

// NewRESTClient creates a RESTClient
func NewRESTClient(cfg RESTClientConfig) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rest client requires a base url")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	transport := cleanhttp.DefaultPooledTransport()
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure http/2: %w", err)
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	if cfg.Logger != nil {
		client.Logger = logger.NewHCLogAdapter(cfg.Logger.WithSubsystem("partner.rest"))
	} else {
		client.Logger = nil
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return &RESTClient{
		baseURL: cfg.BaseURL,
		client:  client,
		limiter: limiter,
		logger:  cfg.Logger,
	}, nil
}

// do issues one authenticated request and decodes the response into out
// (skipped when out is nil). Every call carries the operation's correlation
// id plus a fresh per-request id, so retries of the same operation stay
// correlated upstream.
func (c *RESTClient) do(ctx context.Context, cred *credential.PartnerCredential, correlationID, method, path string, query url.Values, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerCorrelationID, correlationID)
	req.Header.Set(headerRequestID, helper.GenerateShortID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp.StatusCode, raw, correlationID)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// decodeError maps a non-2xx upstream response onto an APIError. The
// upstream error shape is best-effort: an undecodable body still yields
// the status code and correlation id.
func (c *RESTClient) decodeError(status int, raw []byte, correlationID string) error {
	var apiErr struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	_ = json.Unmarshal(raw, &apiErr)

	message := apiErr.Description
	if message == "" {
		message = apiErr.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}

	return &APIError{
		StatusCode:    status,
		Code:          apiErr.Code,
		Message:       message,
		CorrelationID: correlationID,
	}
}

// ===== Customers =====

func (c *RESTClient) ListCustomers(ctx context.Context, cred *credential.PartnerCredential, correlationID, continuation string) (*Page[Customer], error) {
	query := url.Values{}
	if continuation != "" {
		query.Set("continuationToken", continuation)
	}
	var page Page[Customer]
	if err := c.do(ctx, cred, correlationID, http.MethodGet, "/v1/customers", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *RESTClient) GetCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string) (*Customer, error) {
	var customer Customer
	if err := c.do(ctx, cred, correlationID, http.MethodGet, "/v1/customers/"+url.PathEscape(customerID), nil, nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (c *RESTClient) CreateCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID string, customer *Customer) (*Customer, error) {
	var created Customer
	if err := c.do(ctx, cred, correlationID, http.MethodPost, "/v1/customers", nil, customer, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *RESTClient) DeleteCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string) error {
	return c.do(ctx, cred, correlationID, http.MethodDelete, "/v1/customers/"+url.PathEscape(customerID), nil, nil, nil)
}

// ===== Subscriptions =====

func (c *RESTClient) ListSubscriptions(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, continuation string) (*Page[Subscription], error) {
	query := url.Values{}
	if continuation != "" {
		query.Set("continuationToken", continuation)
	}
	var page Page[Subscription]
	path := "/v1/customers/" + url.PathEscape(customerID) + "/subscriptions"
	if err := c.do(ctx, cred, correlationID, http.MethodGet, path, query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *RESTClient) GetSubscription(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	path := "/v1/customers/" + url.PathEscape(customerID) + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, cred, correlationID, http.MethodGet, path, nil, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *RESTClient) UpdateSubscriptionQuantity(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, subscriptionID string, quantity int) (*Subscription, error) {
	path := "/v1/customers/" + url.PathEscape(customerID) + "/subscriptions/" + url.PathEscape(subscriptionID)

	// Read-modify-write: the upstream PATCH requires the full subscription
	// resource, so fetch it first and change only the quantity.
	current, err := c.GetSubscription(ctx, cred, correlationID, customerID, subscriptionID)
	if err != nil {
		return nil, err
	}
	current.Quantity = quantity

	var updated Subscription
	if err := c.do(ctx, cred, correlationID, http.MethodPatch, path, nil, current, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ===== Customer users =====

func (c *RESTClient) ListUsers(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, continuation string) (*Page[CustomerUser], error) {
	query := url.Values{}
	if continuation != "" {
		query.Set("continuationToken", continuation)
	}
	var page Page[CustomerUser]
	path := "/v1/customers/" + url.PathEscape(customerID) + "/users"
	if err := c.do(ctx, cred, correlationID, http.MethodGet, path, query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *RESTClient) CreateUser(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string, user *CustomerUser) (*CustomerUser, error) {
	var created CustomerUser
	path := "/v1/customers/" + url.PathEscape(customerID) + "/users"
	if err := c.do(ctx, cred, correlationID, http.MethodPost, path, nil, user, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *RESTClient) DeleteUser(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, userID string) error {
	path := "/v1/customers/" + url.PathEscape(customerID) + "/users/" + url.PathEscape(userID)
	return c.do(ctx, cred, correlationID, http.MethodDelete, path, nil, nil, nil)
}

// ===== Invoices =====

func (c *RESTClient) ListInvoices(ctx context.Context, cred *credential.PartnerCredential, correlationID, continuation string) (*Page[Invoice], error) {
	query := url.Values{}
	if continuation != "" {
		query.Set("continuationToken", continuation)
	}
	var page Page[Invoice]
	if err := c.do(ctx, cred, correlationID, http.MethodGet, "/v1/invoices", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *RESTClient) GetInvoice(ctx context.Context, cred *credential.PartnerCredential, correlationID, invoiceID string) (*Invoice, error) {
	var invoice Invoice
	if err := c.do(ctx, cred, correlationID, http.MethodGet, "/v1/invoices/"+url.PathEscape(invoiceID), nil, nil, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// ===== Offers =====

func (c *RESTClient) ListOffers(ctx context.Context, cred *credential.PartnerCredential, correlationID, country string) ([]Offer, error) {
	query := url.Values{}
	query.Set("country", country)

	// The offers catalog is not paged upstream; it comes back whole.
	var result struct {
		Items []Offer `json:"items"`
	}
	if err := c.do(ctx, cred, correlationID, http.MethodGet, "/v1/offers", query, nil, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// ===== Audit =====

func (c *RESTClient) ListAuditRecords(ctx context.Context, cred *credential.PartnerCredential, correlationID string, start, end time.Time, continuation string) (*Page[AuditRecord], error) {
	query := url.Values{}
	query.Set("startDate", start.UTC().Format(time.RFC3339))
	query.Set("endDate", end.UTC().Format(time.RFC3339))
	if continuation != "" {
		query.Set("continuationToken", continuation)
	}
	query.Set("size", strconv.Itoa(500))

	var page Page[AuditRecord]
	if err := c.do(ctx, cred, correlationID, http.MethodGet, "/v1/auditrecords", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

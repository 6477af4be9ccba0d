package partner

import (
	"context"
	"errors"
	"time"

	"github.com/stephnangue/steward/authorize"
	"github.com/stephnangue/steward/credential"
	"github.com/stephnangue/steward/helper"
	"github.com/stephnangue/steward/logger"
	"github.com/stephnangue/steward/telemetry"
)

// Caller is one authenticated request's identity: the resolved principal
// plus the raw bearer assertion, which bootstraps the app-plus-user flow.
type Caller struct {
	Principal *authorize.Principal
	Assertion string
}

// OperationsConfig configures an Operations facade
type OperationsConfig struct {
	Vendor  *credential.Vendor
	Guard   *authorize.Guard
	Clients Clients
	Offers  *OffersCache
	Tracker telemetry.Tracker
	Logger  logger.Logger
}

// Operations is the single entry point for business operations. Every
// method follows the same shape: mint a correlation id, authorize, pick a
// credential flow, call upstream, record telemetry. Authorization failures
// short-circuit before any credential is touched.
type Operations struct {
	vendor  *credential.Vendor
	guard   *authorize.Guard
	clients Clients
	offers  *OffersCache
	tracker telemetry.Tracker
	logger  logger.Logger
}

// NewOperations creates an Operations facade
func NewOperations(cfg OperationsConfig) (*Operations, error) {
	if cfg.Vendor == nil {
		return nil, errors.New("operations require a credential vendor")
	}
	if cfg.Guard == nil {
		return nil, errors.New("operations require an authorization guard")
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = telemetry.NopTracker{}
	}
	return &Operations{
		vendor:  cfg.Vendor,
		guard:   cfg.Guard,
		clients: cfg.Clients,
		offers:  cfg.Offers,
		tracker: tracker,
		logger:  cfg.Logger,
	}, nil
}

// opCall is the upstream leg of one operation. It receives the credential
// the flow selected and the tenant the guard resolved, and reports how
// many items it returned for telemetry.
type opCall[T any] func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (T, int, error)

// runOp is the template every operation runs through. userFlow selects the
// app-plus-user credential (the caller's delegated identity) instead of
// the shared app-only one.
func runOp[T any](ctx context.Context, o *Operations, caller *Caller, name string, op authorize.Operation, target string, userFlow bool, call opCall[T]) (T, error) {
	var zero T

	if caller == nil || caller.Principal == nil {
		return zero, errors.New("operation requires an authenticated caller")
	}

	correlationID := helper.GenerateCorrelationID()
	start := time.Now()

	props := map[string]string{
		"operation":      name,
		"correlation_id": correlationID,
		"caller":         caller.Principal.ObjectID,
		"caller_tenant":  caller.Principal.HomeTenantID,
	}

	decision := o.guard.Evaluate(caller.Principal, target, op)
	if !decision.Allowed {
		props["outcome"] = "denied"
		props["denial_reason"] = decision.Reason.String()
		o.tracker.TrackEvent(name, props, map[string]float64{
			"duration_ms": float64(time.Since(start).Milliseconds()),
		})
		return zero, &AccessDeniedError{
			Operation: name,
			Caller:    caller.Principal.ObjectID,
			Decision:  decision,
		}
	}
	props["effective_tenant"] = decision.EffectiveTenantID

	var cred *credential.PartnerCredential
	var err error
	if userFlow {
		cred, err = o.vendor.ForUser(ctx, caller.Assertion, caller.Principal.ObjectID)
	} else {
		cred, err = o.vendor.AppOnly(ctx)
	}
	if err != nil {
		props["outcome"] = "credential_failure"
		o.tracker.TrackException(err, props)
		o.tracker.TrackEvent(name, props, map[string]float64{
			"duration_ms": float64(time.Since(start).Milliseconds()),
		})
		return zero, err
	}

	result, count, err := call(ctx, cred, correlationID, decision.EffectiveTenantID)
	values := map[string]float64{
		"duration_ms":  float64(time.Since(start).Milliseconds()),
		"result_count": float64(count),
	}
	if err != nil {
		props["outcome"] = "failure"
		o.tracker.TrackException(err, props)
		o.tracker.TrackEvent(name, props, values)
		return zero, err
	}

	props["outcome"] = "success"
	o.tracker.TrackEvent(name, props, values)
	return result, nil
}

// ===== Customers =====

// ListCustomers lists every customer the caller may see: all managed
// customers for the reseller, the caller's own tenant otherwise.
func (o *Operations) ListCustomers(ctx context.Context, caller *Caller) ([]Customer, error) {
	return runOp(ctx, o, caller, "list_customers", authorize.OpReadAnyTenant, "", true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) ([]Customer, int, error) {
			if o.guard.IsReseller(caller.Principal) {
				customers, err := drainPages(func(continuation string) (*Page[Customer], error) {
					return o.clients.Customers.ListCustomers(ctx, cred, correlationID, continuation)
				})
				return customers, len(customers), err
			}
			// A customer caller sees only its own tenant record
			customer, err := o.clients.Customers.GetCustomer(ctx, cred, correlationID, effectiveTenant)
			if err != nil {
				return nil, 0, err
			}
			return []Customer{*customer}, 1, nil
		})
}

// GetCustomer fetches one customer tenant
func (o *Operations) GetCustomer(ctx context.Context, caller *Caller, customerID string) (*Customer, error) {
	return runOp(ctx, o, caller, "get_customer", authorize.OpReadAnyTenant, customerID, true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (*Customer, int, error) {
			customer, err := o.clients.Customers.GetCustomer(ctx, cred, correlationID, effectiveTenant)
			if err != nil {
				return nil, 0, err
			}
			return customer, 1, nil
		})
}

// CreateCustomer provisions a new managed customer tenant. Reseller only.
func (o *Operations) CreateCustomer(ctx context.Context, caller *Caller, customer *Customer) (*Customer, error) {
	return runOp(ctx, o, caller, "create_customer", authorize.OpWriteReseller, "", true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (*Customer, int, error) {
			created, err := o.clients.Customers.CreateCustomer(ctx, cred, correlationID, customer)
			if err != nil {
				return nil, 0, err
			}
			return created, 1, nil
		})
}

// DeleteCustomer removes a customer tenant. Irreversible, so it is only
// permitted against the integration sandbox.
func (o *Operations) DeleteCustomer(ctx context.Context, caller *Caller, customerID string) error {
	_, err := runOp(ctx, o, caller, "delete_customer", authorize.OpDestructiveSandbox, customerID, true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (struct{}, int, error) {
			return struct{}{}, 0, o.clients.Customers.DeleteCustomer(ctx, cred, correlationID, effectiveTenant)
		})
	return err
}

// ===== Subscriptions =====

// ListSubscriptions lists the subscriptions of one customer tenant
func (o *Operations) ListSubscriptions(ctx context.Context, caller *Caller, customerID string) ([]Subscription, error) {
	return runOp(ctx, o, caller, "list_subscriptions", authorize.OpReadAnyTenant, customerID, true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) ([]Subscription, int, error) {
			subs, err := drainPages(func(continuation string) (*Page[Subscription], error) {
				return o.clients.Subscriptions.ListSubscriptions(ctx, cred, correlationID, effectiveTenant, continuation)
			})
			return subs, len(subs), err
		})
}

// GetSubscription fetches one subscription of one customer tenant
func (o *Operations) GetSubscription(ctx context.Context, caller *Caller, customerID, subscriptionID string) (*Subscription, error) {
	return runOp(ctx, o, caller, "get_subscription", authorize.OpReadAnyTenant, customerID, true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (*Subscription, int, error) {
			sub, err := o.clients.Subscriptions.GetSubscription(ctx, cred, correlationID, effectiveTenant, subscriptionID)
			if err != nil {
				return nil, 0, err
			}
			return sub, 1, nil
		})
}

// UpdateSubscriptionQuantity changes a subscription's seat count. Reseller only.
func (o *Operations) UpdateSubscriptionQuantity(ctx context.Context, caller *Caller, customerID, subscriptionID string, quantity int) (*Subscription, error) {
	return runOp(ctx, o, caller, "update_subscription_quantity", authorize.OpWriteReseller, customerID, true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (*Subscription, int, error) {
			sub, err := o.clients.Subscriptions.UpdateSubscriptionQuantity(ctx, cred, correlationID, effectiveTenant, subscriptionID, quantity)
			if err != nil {
				return nil, 0, err
			}
			return sub, 1, nil
		})
}

// ===== Customer users =====

// ListCustomerUsers lists the user accounts of one customer tenant
func (o *Operations) ListCustomerUsers(ctx context.Context, caller *Caller, customerID string) ([]CustomerUser, error) {
	return runOp(ctx, o, caller, "list_customer_users", authorize.OpReadAnyTenant, customerID, true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) ([]CustomerUser, int, error) {
			users, err := drainPages(func(continuation string) (*Page[CustomerUser], error) {
				return o.clients.Users.ListUsers(ctx, cred, correlationID, effectiveTenant, continuation)
			})
			return users, len(users), err
		})
}

// CreateCustomerUser creates a user account in a customer tenant. Reseller only.
func (o *Operations) CreateCustomerUser(ctx context.Context, caller *Caller, customerID string, user *CustomerUser) (*CustomerUser, error) {
	return runOp(ctx, o, caller, "create_customer_user", authorize.OpWriteReseller, customerID, true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (*CustomerUser, int, error) {
			created, err := o.clients.Users.CreateUser(ctx, cred, correlationID, effectiveTenant, user)
			if err != nil {
				return nil, 0, err
			}
			return created, 1, nil
		})
}

// DeleteCustomerUser removes a user account from a customer tenant. Reseller only.
func (o *Operations) DeleteCustomerUser(ctx context.Context, caller *Caller, customerID, userID string) error {
	_, err := runOp(ctx, o, caller, "delete_customer_user", authorize.OpWriteReseller, customerID, true,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (struct{}, int, error) {
			return struct{}{}, 0, o.clients.Users.DeleteUser(ctx, cred, correlationID, effectiveTenant, userID)
		})
	return err
}

// ===== Invoices =====

// ListInvoices lists the reseller's billing statements. The invoice API is
// partner-scoped upstream, so it runs on the app-only flow and is gated to
// the reseller.
func (o *Operations) ListInvoices(ctx context.Context, caller *Caller) ([]Invoice, error) {
	return runOp(ctx, o, caller, "list_invoices", authorize.OpWriteReseller, "", false,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) ([]Invoice, int, error) {
			invoices, err := drainPages(func(continuation string) (*Page[Invoice], error) {
				return o.clients.Invoices.ListInvoices(ctx, cred, correlationID, continuation)
			})
			return invoices, len(invoices), err
		})
}

// GetInvoice fetches one billing statement. Reseller only.
func (o *Operations) GetInvoice(ctx context.Context, caller *Caller, invoiceID string) (*Invoice, error) {
	return runOp(ctx, o, caller, "get_invoice", authorize.OpWriteReseller, "", false,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) (*Invoice, int, error) {
			invoice, err := o.clients.Invoices.GetInvoice(ctx, cred, correlationID, invoiceID)
			if err != nil {
				return nil, 0, err
			}
			return invoice, 1, nil
		})
}

// ===== Offers =====

// ListOffers returns the offers catalog for a country, served from the
// catalog cache. Any authenticated caller may browse the catalog.
func (o *Operations) ListOffers(ctx context.Context, caller *Caller, country string) ([]Offer, error) {
	return runOp(ctx, o, caller, "list_offers", authorize.OpReadOwnTenant, "", false,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) ([]Offer, int, error) {
			offers, err := o.offers.Get(ctx, cred, correlationID, country)
			return offers, len(offers), err
		})
}

// ===== Audit =====

// ListAuditRecords lists partner activity records in a time window.
// Reseller only; audit data spans every managed tenant.
func (o *Operations) ListAuditRecords(ctx context.Context, caller *Caller, start, end time.Time) ([]AuditRecord, error) {
	return runOp(ctx, o, caller, "list_audit_records", authorize.OpWriteReseller, "", false,
		func(ctx context.Context, cred *credential.PartnerCredential, correlationID, effectiveTenant string) ([]AuditRecord, int, error) {
			records, err := drainPages(func(continuation string) (*Page[AuditRecord], error) {
				return o.clients.Audit.ListAuditRecords(ctx, cred, correlationID, start, end, continuation)
			})
			return records, len(records), err
		})
}

package partner

import (
	"context"
	"time"

	"github.com/stephnangue/steward/credential"
)

// The upstream management APIs are black boxes to the core: each method
// takes a live credential handle plus a correlation id and returns domain
// objects or single pages. The facade drains pages; clients never loop.

type CustomerAPI interface {
	ListCustomers(ctx context.Context, cred *credential.PartnerCredential, correlationID, continuation string) (*Page[Customer], error)
	GetCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string) (*Customer, error)
	CreateCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID string, customer *Customer) (*Customer, error)
	DeleteCustomer(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string) error
}

type SubscriptionAPI interface {
	ListSubscriptions(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, continuation string) (*Page[Subscription], error)
	GetSubscription(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, subscriptionID string) (*Subscription, error)
	UpdateSubscriptionQuantity(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, subscriptionID string, quantity int) (*Subscription, error)
}

type UserAPI interface {
	ListUsers(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, continuation string) (*Page[CustomerUser], error)
	CreateUser(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID string, user *CustomerUser) (*CustomerUser, error)
	DeleteUser(ctx context.Context, cred *credential.PartnerCredential, correlationID, customerID, userID string) error
}

type InvoiceAPI interface {
	ListInvoices(ctx context.Context, cred *credential.PartnerCredential, correlationID, continuation string) (*Page[Invoice], error)
	GetInvoice(ctx context.Context, cred *credential.PartnerCredential, correlationID, invoiceID string) (*Invoice, error)
}

type OfferAPI interface {
	ListOffers(ctx context.Context, cred *credential.PartnerCredential, correlationID, country string) ([]Offer, error)
}

type AuditAPI interface {
	ListAuditRecords(ctx context.Context, cred *credential.PartnerCredential, correlationID string, start, end time.Time, continuation string) (*Page[AuditRecord], error)
}

// Clients bundles the upstream API surfaces the facade calls through
type Clients struct {
	Customers     CustomerAPI
	Subscriptions SubscriptionAPI
	Users         UserAPI
	Invoices      InvoiceAPI
	Offers        OfferAPI
	Audit         AuditAPI
}

// drainPages walks a paged collection to exhaustion, assembling the flat
// result list the presentation layer consumes.
func drainPages[T any](fetch func(continuation string) (*Page[T], error)) ([]T, error) {
	var items []T
	continuation := ""
	for {
		page, err := fetch(continuation)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.ContinuationToken == "" {
			return items, nil
		}
		continuation = page.ContinuationToken
	}
}

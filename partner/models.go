package partner

import "time"

// Page is one page of an upstream paged collection. The continuation
// token is opaque; an empty token means the collection is drained.
type Page[T any] struct {
	Items             []T    `json:"items"`
	ContinuationToken string `json:"continuationToken"`
}

// Customer is a managed customer tenant
type Customer struct {
	ID                    string `json:"id"`
	CompanyName           string `json:"companyName"`
	Domain                string `json:"domain"`
	RelationshipToPartner string `json:"relationshipToPartner"`
}

// Subscription is a customer's subscription to an offer
type Subscription struct {
	ID           string    `json:"id"`
	OfferID      string    `json:"offerId"`
	FriendlyName string    `json:"friendlyName"`
	Quantity     int       `json:"quantity"`
	Status       string    `json:"status"`
	CreationDate time.Time `json:"creationDate"`
}

// CustomerUser is a user account inside a customer tenant
type CustomerUser struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
}

// Invoice is a reseller billing statement
type Invoice struct {
	ID            string    `json:"id"`
	InvoiceDate   time.Time `json:"invoiceDate"`
	TotalCharges  float64   `json:"totalCharges"`
	PaidAmount    float64   `json:"paidAmount"`
	CurrencyCode  string    `json:"currencyCode"`
	PDFDownload   string    `json:"pdfDownloadLink"`
	BillingPeriod string    `json:"billingPeriod"`
}

// Offer is one entry of the available-offers catalog
type Offer struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	UnitPrice   float64 `json:"unitPrice"`
	Country     string  `json:"country"`
}

// AuditRecord is one partner activity log entry
type AuditRecord struct {
	ID            string    `json:"id"`
	OperationType string    `json:"operationType"`
	OperationDate time.Time `json:"operationDate"`
	UserPrincipal string    `json:"userPrincipalName"`
	CustomerID    string    `json:"customerId"`
	Status        string    `json:"operationStatus"`
}

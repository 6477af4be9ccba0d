package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stephnangue/steward/helper"
	"github.com/stephnangue/steward/logger"
	"github.com/stephnangue/steward/partner"
	"github.com/stephnangue/steward/token"
)

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Operations *partner.Operations
	Acquirer   *token.Acquirer

	// PartnerResource scopes the interactive sign-in flow
	PartnerResource string

	Auth   *Authenticator
	Logger logger.Logger
}

// Handler creates and returns the main HTTP handler for Steward. The
// health and metrics endpoints and the sign-in bootstrap are public;
// everything else requires a validated bearer token.
func Handler(props *HandlerProperties) http.Handler {
	h := &handler{
		ops:             props.Operations,
		acquirer:        props.Acquirer,
		partnerResource: props.PartnerResource,
		logger:          props.Logger,
	}

	r := chi.NewRouter()

	r.Get("/v1/sys/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/v1/auth/signin", h.handleSignin)
	r.Post("/v1/auth/callback", h.handleCallback)

	r.Group(func(r chi.Router) {
		r.Use(props.Auth.Middleware)

		r.Route("/v1/customers", func(r chi.Router) {
			r.Get("/", h.handleListCustomers)
			r.Post("/", h.handleCreateCustomer)
			r.Route("/{customerID}", func(r chi.Router) {
				r.Get("/", h.handleGetCustomer)
				r.Delete("/", h.handleDeleteCustomer)

				r.Get("/subscriptions", h.handleListSubscriptions)
				r.Get("/subscriptions/{subscriptionID}", h.handleGetSubscription)
				r.Patch("/subscriptions/{subscriptionID}", h.handleUpdateSubscription)

				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Delete("/users/{userID}", h.handleDeleteUser)
			})
		})

		r.Get("/v1/invoices", h.handleListInvoices)
		r.Get("/v1/invoices/{invoiceID}", h.handleGetInvoice)
		r.Get("/v1/offers", h.handleListOffers)
		r.Get("/v1/auditrecords", h.handleListAuditRecords)
	})

	return r
}

type handler struct {
	ops             *partner.Operations
	acquirer        *token.Acquirer
	partnerResource string
	logger          logger.Logger
}

// respondErr maps the error taxonomy onto HTTP statuses: local denial is
// 403, authority trouble is a 502 (the gateway could not get a credential),
// an upstream API error keeps its upstream status.
func (h *handler) respondErr(w http.ResponseWriter, err error) {
	var denied *partner.AccessDeniedError
	if errors.As(err, &denied) {
		respondError(w, http.StatusForbidden, denied.Error())
		return
	}

	var authErr *token.AuthorityError
	if errors.As(err, &authErr) {
		h.logger.Error("credential acquisition failed", logger.Err(err))
		respondError(w, http.StatusBadGateway, "credential acquisition failed")
		return
	}

	var apiErr *partner.APIError
	if errors.As(err, &apiErr) {
		respondError(w, apiErr.StatusCode, apiErr.Message)
		return
	}

	h.logger.Error("request failed", logger.Err(err))
	respondError(w, http.StatusInternalServerError, "internal error")
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOk(w, map[string]any{
		"initialized": true,
		"server_time_utc": time.Now().UTC().Unix(),
	})
}

// ===== Interactive sign-in =====

func (h *handler) handleSignin(w http.ResponseWriter, r *http.Request) {
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		respondError(w, http.StatusBadRequest, "redirect_uri is required")
		return
	}

	state, err := helper.GenerateState()
	if err != nil {
		h.logger.Error("failed to generate sign-in state", logger.Err(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondOk(w, map[string]string{
		"auth_url": h.acquirer.AuthCodeURL(state, redirectURI, h.partnerResource),
		"state":    state,
	})
}

func (h *handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Code == "" || body.RedirectURI == "" {
		respondError(w, http.StatusBadRequest, "code and redirect_uri are required")
		return
	}

	record, err := h.acquirer.RedeemAuthorizationCode(r.Context(), body.Code, body.RedirectURI, h.partnerResource)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, map[string]any{
		"access_token": record.AccessToken,
		"expires_at":   record.ExpiresAt.UTC().Unix(),
	})
}

// ===== Customers =====

func (h *handler) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.ops.ListCustomers(r.Context(), CallerFromContext(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, customers)
}

func (h *handler) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := h.ops.GetCustomer(r.Context(), CallerFromContext(r.Context()), chi.URLParam(r, "customerID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, customer)
}

func (h *handler) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var customer partner.Customer
	if err := decodeBody(r, &customer); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.ops.CreateCustomer(r.Context(), CallerFromContext(r.Context()), &customer)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, created)
}

func (h *handler) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	err := h.ops.DeleteCustomer(r.Context(), CallerFromContext(r.Context()), chi.URLParam(r, "customerID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondNoContent(w)
}

// ===== Subscriptions =====

func (h *handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.ops.ListSubscriptions(r.Context(), CallerFromContext(r.Context()), chi.URLParam(r, "customerID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, subs)
}

func (h *handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ops.GetSubscription(r.Context(), CallerFromContext(r.Context()),
		chi.URLParam(r, "customerID"), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, sub)
}

func (h *handler) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Quantity < 1 {
		respondError(w, http.StatusBadRequest, "quantity must be at least 1")
		return
	}

	sub, err := h.ops.UpdateSubscriptionQuantity(r.Context(), CallerFromContext(r.Context()),
		chi.URLParam(r, "customerID"), chi.URLParam(r, "subscriptionID"), body.Quantity)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, sub)
}

// ===== Customer users =====

func (h *handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.ops.ListCustomerUsers(r.Context(), CallerFromContext(r.Context()), chi.URLParam(r, "customerID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, users)
}

func (h *handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var user partner.CustomerUser
	if err := decodeBody(r, &user); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.ops.CreateCustomerUser(r.Context(), CallerFromContext(r.Context()), chi.URLParam(r, "customerID"), &user)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, created)
}

func (h *handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	err := h.ops.DeleteCustomerUser(r.Context(), CallerFromContext(r.Context()),
		chi.URLParam(r, "customerID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondNoContent(w)
}

// ===== Invoices =====

func (h *handler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.ops.ListInvoices(r.Context(), CallerFromContext(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, invoices)
}

func (h *handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := h.ops.GetInvoice(r.Context(), CallerFromContext(r.Context()), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, invoice)
}

// ===== Offers =====

func (h *handler) handleListOffers(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		respondError(w, http.StatusBadRequest, "country is required")
		return
	}

	offers, err := h.ops.ListOffers(r.Context(), CallerFromContext(r.Context()), country)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, offers)
}

// ===== Audit =====

func (h *handler) handleListAuditRecords(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)

	if v := r.URL.Query().Get("start"); v != "" {
		parsed, err := parseTimeParam(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		start = parsed
	}
	if v := r.URL.Query().Get("end"); v != "" {
		parsed, err := parseTimeParam(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		end = parsed
	}
	if !start.Before(end) {
		respondError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	records, err := h.ops.ListAuditRecords(r.Context(), CallerFromContext(r.Context()), start, end)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondOk(w, records)
}

// parseTimeParam accepts RFC3339 or a unix epoch
func parseTimeParam(v string) (time.Time, error) {
	if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

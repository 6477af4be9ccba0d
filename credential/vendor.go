package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stephnangue/steward/logger"
	"github.com/stephnangue/steward/token"
)

// DefaultUserHandleLimit bounds the per-identity handle table. Evicted
// identities simply re-acquire through the token cache on next use.
const DefaultUserHandleLimit = 512

// VendorConfig configures a Vendor
type VendorConfig struct {
	Acquirer *token.Acquirer

	// PartnerResource is the resource identifier handles are scoped to
	PartnerResource string

	// ApplicationName is stamped on every handle for upstream attribution
	ApplicationName string

	// Margin is the expiry safety margin shared with the token cache
	Margin time.Duration

	// UseCertificate selects the certificate assertion flow instead of
	// the client secret for app-only handles
	UseCertificate bool

	// UserHandleLimit bounds the per-identity table; 0 means the default
	UserHandleLimit int

	Logger logger.Logger
}

// Vendor owns the process-wide credential handles: one shared app-only
// handle, and one handle per signed-in identity for the app-plus-user
// flow. The two flows never interleave; each slot refreshes independently.
//
// Refresh discipline per slot: reads are lock-free; a mutex guards only
// the construct-and-swap step, so at most one refresh per slot is in
// flight and handle use is never serialized through a lock. Callers that
// loaded a handle just before it went stale may briefly keep using it;
// the upstream API rejects a genuinely expired token, which surfaces as a
// normal operation failure rather than corrupted state.
type Vendor struct {
	acquirer        *token.Acquirer
	partnerResource string
	applicationName string
	margin          time.Duration
	useCertificate  bool
	logger          logger.Logger

	appOnly handleSlot

	userMu      sync.Mutex // guards get-or-create on the table only
	userHandles *lru.Cache[string, *handleSlot]
}

// handleSlot holds one shared credential handle
type handleSlot struct {
	current atomic.Pointer[PartnerCredential]
	mu      sync.Mutex // guards construct-and-swap, never handle use
}

// NewVendor creates a Vendor
func NewVendor(cfg VendorConfig) (*Vendor, error) {
	if cfg.Acquirer == nil {
		return nil, errors.New("vendor requires a token acquirer")
	}
	if cfg.PartnerResource == "" {
		return nil, errors.New("vendor requires a partner resource identifier")
	}

	limit := cfg.UserHandleLimit
	if limit <= 0 {
		limit = DefaultUserHandleLimit
	}
	userHandles, err := lru.New[string, *handleSlot](limit)
	if err != nil {
		return nil, err
	}

	margin := cfg.Margin
	if margin <= 0 {
		margin = 5 * time.Minute
	}

	return &Vendor{
		acquirer:        cfg.Acquirer,
		partnerResource: cfg.PartnerResource,
		applicationName: cfg.ApplicationName,
		margin:          margin,
		useCertificate:  cfg.UseCertificate,
		logger:          cfg.Logger,
		userHandles:     userHandles,
	}, nil
}

// AppOnly returns the shared app-only handle, lazily built on first need
// and refreshed when its expiry margin has passed.
func (v *Vendor) AppOnly(ctx context.Context) (*PartnerCredential, error) {
	return v.appOnly.get(ctx, v.margin, FlowAppOnly, v.applicationName, func(ctx context.Context) (*token.Record, error) {
		if v.useCertificate {
			return v.acquirer.CertificateToken(ctx, v.partnerResource)
		}
		return v.acquirer.AppToken(ctx, v.partnerResource)
	})
}

// ForUser returns the app-plus-user handle for the given identity,
// exchanging the caller's bootstrap assertion on first need. Handles are
// never shared across distinct identities.
func (v *Vendor) ForUser(ctx context.Context, userAssertion, userID string) (*PartnerCredential, error) {
	if userID == "" {
		return nil, errors.New("user handle requires the caller's identity")
	}

	v.userMu.Lock()
	slot, ok := v.userHandles.Get(userID)
	if !ok {
		slot = &handleSlot{}
		v.userHandles.Add(userID, slot)
	}
	v.userMu.Unlock()

	return slot.get(ctx, v.margin, FlowAppUser, v.applicationName, func(ctx context.Context) (*token.Record, error) {
		return v.acquirer.UserToken(ctx, userAssertion, userID, v.partnerResource)
	})
}

// get returns the slot's handle, constructing a replacement when the held
// one has passed its margin. The mutex scope is exactly the check-expiry-
// and-construct step; once a fresh handle exists, reads take no lock.
func (s *handleSlot) get(ctx context.Context, margin time.Duration, flow Flow, applicationName string, acquire func(context.Context) (*token.Record, error)) (*PartnerCredential, error) {
	// Fast path, no lock
	if cred := s.current.Load(); !cred.Expired(margin) {
		return cred, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have finished the refresh while we waited
	if cred := s.current.Load(); !cred.Expired(margin) {
		return cred, nil
	}

	record, err := acquire(ctx)
	if err != nil {
		return nil, err
	}

	fresh := &PartnerCredential{
		AccessToken:     record.AccessToken,
		ExpiresAt:       record.ExpiresAt,
		Flow:            flow,
		ApplicationName: applicationName,
	}

	// Monotonic refresh: never replace the handle with one that expires
	// earlier than what callers have already observed.
	if cur := s.current.Load(); cur == nil || fresh.ExpiresAt.After(cur.ExpiresAt) {
		s.current.Store(fresh)
		return fresh, nil
	}
	return s.current.Load(), nil
}

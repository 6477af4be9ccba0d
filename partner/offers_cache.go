package partner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/copystructure"
	"github.com/stephnangue/steward/cache"
	"github.com/stephnangue/steward/credential"
	"github.com/stephnangue/steward/logger"
	"golang.org/x/sync/singleflight"
)

// OffersTTL is how long a per-country offers catalog stays served from
// cache. The catalog changes on the order of days; a day of staleness is
// acceptable.
const OffersTTL = 24 * time.Hour

// OffersCache is a read-through cache over the offers catalog, keyed by
// country. Population is collapsed so a cold country triggers at most one
// upstream fetch however many requests arrive at once.
type OffersCache struct {
	api    OfferAPI
	cache  cache.Service
	group  singleflight.Group
	logger logger.Logger
}

// NewOffersCache creates an OffersCache
func NewOffersCache(api OfferAPI, svc cache.Service, log logger.Logger) *OffersCache {
	return &OffersCache{
		api:    api,
		cache:  svc,
		logger: log,
	}
}

func offersKey(country string) string {
	return "offers/" + strings.ToUpper(country)
}

// Get returns the offers catalog for the country, fetching upstream on a
// miss. Returned slices are deep copies; callers may mutate them freely.
func (o *OffersCache) Get(ctx context.Context, cred *credential.PartnerCredential, correlationID, country string) ([]Offer, error) {
	key := offersKey(country)

	if raw, err := o.cache.Fetch(ctx, cache.CategoryData, key); err == nil {
		var offers []Offer
		if err := json.Unmarshal(raw, &offers); err == nil {
			return copyOffers(offers)
		}
		// Undecodable entry, treat as a miss and repopulate
		o.logger.Warn("dropping undecodable offers cache entry", logger.String("key", key))
	}

	result, err, _ := o.group.Do(key, func() (interface{}, error) {
		offers, err := o.api.ListOffers(ctx, cred, correlationID, country)
		if err != nil {
			return nil, err
		}

		if raw, err := json.Marshal(offers); err == nil {
			if err := o.cache.Store(ctx, cache.CategoryData, key, raw, OffersTTL); err != nil {
				// Cache write failure degrades to fetch-every-time
				o.logger.Warn("failed to store offers catalog", logger.String("key", key), logger.Err(err))
			}
		}
		return offers, nil
	})
	if err != nil {
		o.group.Forget(key)
		return nil, err
	}

	return copyOffers(result.([]Offer))
}

// copyOffers deep-copies the catalog so concurrent callers never share a
// mutable slice.
func copyOffers(offers []Offer) ([]Offer, error) {
	dup, err := copystructure.Copy(offers)
	if err != nil {
		return nil, fmt.Errorf("failed to copy offers catalog: %w", err)
	}
	return dup.([]Offer), nil
}

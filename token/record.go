package token

import (
	"time"
)

// Record is an opaque access token with its expiry, produced by the
// Acquirer and consumed by the credential vendor.
type Record struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the record is still usable. A record is usable
// only while now < ExpiresAt - margin; an expired record must be treated
// identically to a miss by every caller, cache included.
func (r *Record) Valid(margin time.Duration) bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	return time.Now().Before(r.ExpiresAt.Add(-margin))
}

// TTL returns the remaining lifetime of the record
func (r *Record) TTL() time.Duration {
	return time.Until(r.ExpiresAt)
}

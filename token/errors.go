package token

import (
	"errors"
	"fmt"
)

// codeInvalidGrant is the OAuth error code the authority returns when the
// refresh token backing a cached context has been revoked or is stale.
// It is the only acquisition failure with a retry rule.
const codeInvalidGrant = "invalid_grant"

var (
	// ErrCertificateNotFound is returned when no certificate matching the
	// configured thumbprint exists in the certificate directory. Fatal:
	// the certificate flow cannot degrade to another credential.
	ErrCertificateNotFound = errors.New("signing certificate not found")

	// ErrNoIdentityClaim is returned when a redeemed token carries no
	// usable identity claim to cache it under
	ErrNoIdentityClaim = errors.New("token carries no identity claim")
)

// AuthorityError is a non-2xx answer from the identity authority's token
// endpoint, decoded into the OAuth error shape.
type AuthorityError struct {
	StatusCode    int
	Code          string
	Description   string
	CorrelationID string
}

func (e *AuthorityError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("authority returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("authority returned %s (status %d): %s", e.Code, e.StatusCode, e.Description)
}

// RevokedGrant reports whether this failure means the cached refresh
// token was revoked. This is the tagged branch the single-retry policy
// keys on; every other authority error propagates unretried.
func (e *AuthorityError) RevokedGrant() bool {
	return e.Code == codeInvalidGrant
}

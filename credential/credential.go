package credential

import (
	"time"
)

// Secret is an opaque application secret. It never appears in logs or
// serialized output; call Plaintext() at the single point of use.
type Secret string

func (s Secret) String() string {
	return "<redacted>"
}

func (s Secret) GoString() string {
	return "<redacted>"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"<redacted>"`), nil
}

// Plaintext returns the secret value
func (s Secret) Plaintext() string {
	return string(s)
}

// Flow identifies which grant produced a credential
type Flow int

const (
	// FlowAppOnly authenticates as the application itself, no user context
	FlowAppOnly Flow = iota
	// FlowAppUser acts on behalf of a signed-in user
	FlowAppUser
)

func (f Flow) String() string {
	switch f {
	case FlowAppOnly:
		return "app-only"
	case FlowAppUser:
		return "app-user"
	default:
		return "unknown"
	}
}

// ApplicationCredential is the application identity used against the
// authority. Built once at process start from configuration (the secret
// possibly resolved through the vault) and immutable for the process
// lifetime; secret rotation requires a restart.
type ApplicationCredential struct {
	ApplicationID     string
	ApplicationSecret Secret
	UseCache          bool
}

// PartnerCredential is the opaque handle upstream API clients consume.
// ApplicationName tags outgoing calls for upstream attribution; it is
// static configuration, not per-request state.
type PartnerCredential struct {
	AccessToken     string
	ExpiresAt       time.Time
	Flow            Flow
	ApplicationName string
}

// Expired reports whether the handle needs a refresh. Uses the same
// safety margin as the token cache so a handle is replaced before the
// upstream API would reject it.
func (c *PartnerCredential) Expired(margin time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	return !time.Now().Before(c.ExpiresAt.Add(-margin))
}

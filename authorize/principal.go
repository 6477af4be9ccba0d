package authorize

import (
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-secure-stdlib/strutil"
)

// Principal is the resolved caller identity: derived once per request at
// the authentication boundary and read-only afterwards. Nothing past that
// boundary touches a raw claims bag.
type Principal struct {
	HomeTenantID string
	// ObjectID is the caller's stable identity claim; it keys every
	// per-user credential so entries never leak across identities
	ObjectID    string
	DisplayName string
	Roles       []string
}

// HasRole reports whether the principal carries the role
func (p *Principal) HasRole(role string) bool {
	return strutil.StrListContains(p.Roles, role)
}

// rawClaims is the claim subset the mapping consumes
type rawClaims struct {
	TenantID string   `mapstructure:"tid"`
	ObjectID string   `mapstructure:"oid"`
	Name     string   `mapstructure:"name"`
	Roles    []string `mapstructure:"roles"`
}

// PrincipalFromClaims maps a validated token's claims onto a Principal.
// The home tenant claim is mandatory; a token without one cannot be
// authorized against any tenant.
func PrincipalFromClaims(claims map[string]interface{}) (*Principal, error) {
	var raw rawClaims
	if err := mapstructure.Decode(claims, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}

	if raw.TenantID == "" {
		return nil, errors.New("claims carry no home tenant id")
	}

	return &Principal{
		HomeTenantID: raw.TenantID,
		ObjectID:     raw.ObjectID,
		DisplayName:  raw.Name,
		Roles:        raw.Roles,
	}, nil
}

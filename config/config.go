package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// DefaultTokenTTLMargin is the safety margin subtracted from a token's
// expiry when deciding whether it is still usable.
const DefaultTokenTTLMargin = 5 * time.Minute

// tenantIDPattern matches directory tenant IDs (UUID format)
var tenantIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidateTenantID checks that a tenant ID is a valid UUID
func ValidateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant id '%s': must be a valid UUID", tenantID)
	}
	return nil
}

// Config is the configuration for the steward server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotationPeriod  int    `hcl:"log_rotation_period,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	// IntegrationSandbox permits irreversible test-only operations
	// (e.g. customer deletion) that are forbidden in production.
	IntegrationSandbox bool `hcl:"integration_sandbox,optional"`

	Authority *AuthorityBlock `hcl:"authority,block"`
	Resources []ResourceBlock `hcl:"resource,block"`
	Cache     *CacheBlock     `hcl:"cache,block"`
	Vault     *VaultBlock     `hcl:"vault,block"`
	Listeners []ListenerBlock `hcl:"listener,block"`
	Telemetry *TelemetryBlock `hcl:"telemetry,block"`
}

// AuthorityBlock configures the identity authority and the application
// identity used against it.
type AuthorityBlock struct {
	URL              string `hcl:"url"`
	ResellerTenantID string `hcl:"reseller_tenant_id"`
	ApplicationID    string `hcl:"application_id"`

	// ApplicationSecret is the literal client secret. Mutually exclusive
	// with ApplicationSecretName, which is resolved through the vault block.
	ApplicationSecret     string `hcl:"application_secret,optional"`
	ApplicationSecretName string `hcl:"application_secret_name,optional"`

	// ApplicationName tags outgoing partner API calls for upstream attribution
	ApplicationName string `hcl:"application_name,optional"`

	CertificateDir        string `hcl:"certificate_dir,optional"`
	CertificateThumbprint string `hcl:"certificate_thumbprint,optional"`

	UseCache       bool   `hcl:"use_cache,optional"`
	TokenTTLMargin string `hcl:"token_ttl_margin,optional"`
}

// TokenMargin returns the parsed token TTL safety margin
func (a *AuthorityBlock) TokenMargin() time.Duration {
	if a.TokenTTLMargin == "" {
		return DefaultTokenTTLMargin
	}
	d, err := parseutil.ParseDurationSecond(a.TokenTTLMargin)
	if err != nil {
		return DefaultTokenTTLMargin
	}
	return d
}

// ResourceBlock identifies one upstream API the core calls.
// The label is the resource name: "partner", "graph", "resource_manager",
// or "service_communications".
type ResourceBlock struct {
	Name     string `hcl:"name,label"`
	ID       string `hcl:"id"`
	Endpoint string `hcl:"endpoint,optional"`
}

type CacheBlock struct {
	Type string `hcl:"type,label"` // "redis" or "inmem"

	// Redis specific config
	Address  string `hcl:"address,optional"`
	Password string `hcl:"password,optional"`
	Database int    `hcl:"database,optional"`
}

// Config returns the cache configuration as a map, keyed for the backend factory
func (c *CacheBlock) Config() map[string]string {
	config := make(map[string]string)
	config["type"] = c.Type
	if c.Address != "" {
		config["address"] = c.Address
	}
	if c.Password != "" {
		config["password"] = c.Password
	}
	if c.Database != 0 {
		config["database"] = fmt.Sprintf("%d", c.Database)
	}
	return config
}

type VaultBlock struct {
	Address          string `hcl:"address"`
	RoleID           string `hcl:"role_id"`
	SecretID         string `hcl:"secret_id"`
	AppRoleMountPath string `hcl:"approle_mount_path,optional"`
	SecretMount      string `hcl:"secret_mount,optional"`
	SecretPath       string `hcl:"secret_path"`
	Field            string `hcl:"field,optional"`
}

type ListenerBlock struct {
	Name        string `hcl:"name,label"`
	Address     string `hcl:"address"`
	TLSCertFile string `hcl:"tls_cert_file,optional"`
	TLSKeyFile  string `hcl:"tls_key_file,optional"`
	TLSEnabled  bool   `hcl:"tls_enabled,optional"`
}

type TelemetryBlock struct {
	ServiceName string `hcl:"service_name,optional"`
	Enabled     bool   `hcl:"enabled,optional"`
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration before any component is built.
// All failures are aggregated so the operator sees every problem at once.
// An absent or malformed authority url, application id or reseller tenant
// id is fatal; it is never guessed at.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Authority == nil {
		result = multierror.Append(result, fmt.Errorf("an authority block must be specified"))
	} else {
		if c.Authority.URL == "" {
			result = multierror.Append(result, fmt.Errorf("authority url is required"))
		}
		if c.Authority.ApplicationID == "" {
			result = multierror.Append(result, fmt.Errorf("authority application_id is required"))
		}
		if c.Authority.ResellerTenantID == "" {
			result = multierror.Append(result, fmt.Errorf("authority reseller_tenant_id is required"))
		} else if err := ValidateTenantID(c.Authority.ResellerTenantID); err != nil {
			result = multierror.Append(result, err)
		}
		if c.Authority.ApplicationSecret == "" && c.Authority.ApplicationSecretName == "" && c.Authority.CertificateThumbprint == "" {
			result = multierror.Append(result, fmt.Errorf("authority requires application_secret, application_secret_name or certificate_thumbprint"))
		}
		if c.Authority.ApplicationSecretName != "" && c.Vault == nil {
			result = multierror.Append(result, fmt.Errorf("application_secret_name requires a vault block"))
		}
		if c.Authority.TokenTTLMargin != "" {
			if _, err := parseutil.ParseDurationSecond(c.Authority.TokenTTLMargin); err != nil {
				result = multierror.Append(result, fmt.Errorf("invalid token_ttl_margin: %w", err))
			}
		}
	}

	if len(c.Resources) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one resource block must be specified"))
	}
	for _, res := range c.Resources {
		if res.ID == "" {
			result = multierror.Append(result, fmt.Errorf("resource %q is missing an id", res.Name))
		}
	}

	if c.Cache == nil {
		result = multierror.Append(result, fmt.Errorf("a cache block must be specified"))
	} else if c.Cache.Type == "redis" && c.Cache.Address == "" {
		result = multierror.Append(result, fmt.Errorf("redis cache requires an address"))
	}

	return result.ErrorOrNil()
}

// GetResource returns a resource block by its name (label)
func (c *Config) GetResource(name string) (*ResourceBlock, error) {
	for _, res := range c.Resources {
		if res.Name == name {
			return &res, nil
		}
	}
	return nil, fmt.Errorf("resource '%s' not found", name)
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for _, listener := range c.Listeners {
		if listener.Name == name {
			return &listener, nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener is a convenience method to get the api listener
func (c *Config) GetApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}

package vault

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/stephnangue/steward/logger"
)

const (
	defaultAppRoleMountPath = "approle"
	defaultSecretMount      = "secret"
	defaultSecretField      = "value"
)

// Config locates one secret in a Vault KV-v2 store
type Config struct {
	Address          string
	RoleID           string
	SecretID         string
	AppRoleMountPath string
	SecretMount      string
	SecretPath       string
	Field            string
}

// Resolver reads application secrets out of Vault at startup. Secrets
// never appear in the configuration file; the file only names them.
type Resolver struct {
	client *vaultapi.Client
	config Config
	logger logger.Logger
}

// NewResolver creates a Resolver and authenticates it via AppRole
func NewResolver(ctx context.Context, cfg Config, log logger.Logger) (*Resolver, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault resolver requires an address")
	}
	if cfg.AppRoleMountPath == "" {
		cfg.AppRoleMountPath = defaultAppRoleMountPath
	}
	if cfg.SecretMount == "" {
		cfg.SecretMount = defaultSecretMount
	}
	if cfg.Field == "" {
		cfg.Field = defaultSecretField
	}

	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	auth, err := approle.NewAppRoleAuth(
		cfg.RoleID,
		&approle.SecretID{FromString: cfg.SecretID},
		approle.WithMountPath(cfg.AppRoleMountPath),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build approle auth: %w", err)
	}

	secret, err := client.Auth().Login(ctx, auth)
	if err != nil {
		return nil, fmt.Errorf("vault approle login failed: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault approle login returned no auth data")
	}

	log.Info("authenticated against vault",
		logger.String("address", cfg.Address),
		logger.String("approle_mount", cfg.AppRoleMountPath))

	return &Resolver{
		client: client,
		config: cfg,
		logger: log,
	}, nil
}

// ResolveSecret reads the named field from the configured KV-v2 path.
// name overrides the configured path when non-empty, so one resolver can
// serve several named secrets.
func (r *Resolver) ResolveSecret(ctx context.Context, name string) (string, error) {
	path := r.config.SecretPath
	if name != "" {
		path = name
	}
	if path == "" {
		return "", fmt.Errorf("no secret path configured")
	}

	kv := r.client.KVv2(r.config.SecretMount)
	secret, err := kv.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret %q: %w", path, err)
	}

	value, ok := secret.Data[r.config.Field].(string)
	if !ok {
		return "", fmt.Errorf("secret %q has no string field %q", path, r.config.Field)
	}

	r.logger.Debug("resolved secret from vault", logger.String("path", path))
	return value, nil
}

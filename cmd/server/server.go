package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"github.com/stephnangue/steward/authorize"
	"github.com/stephnangue/steward/cache"
	"github.com/stephnangue/steward/config"
	"github.com/stephnangue/steward/credential"
	stewardhttp "github.com/stephnangue/steward/http"
	"github.com/stephnangue/steward/listener"
	"github.com/stephnangue/steward/listener/api"
	log "github.com/stephnangue/steward/logger"
	"github.com/stephnangue/steward/partner"
	"github.com/stephnangue/steward/telemetry"
	"github.com/stephnangue/steward/token"
	"github.com/stephnangue/steward/vault"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"

	// Upstream resource names from configuration
	resourcePartner = "partner"

	defaultServiceName = "steward"
)

var (
	configPath string

	flagDev bool

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a Steward server that responds to API requests",
		Long: `
Usage: steward server [options]

  This command starts a Steward server that responds to API requests.
  Start a server with a configuration file:

      $ steward server --config=/etc/steward/steward.hcl

  For a full list of examples, please see the documentation.
  `,
		RunE: run,
	}

	wg sync.WaitGroup

	cleanupGuard sync.Once
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/steward.hcl)")
	ServerCmd.Flags().BoolVar(&flagDev, "dev", false, "Run in dev mode: in-memory cache, literal application secret")
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := buildLogger(conf)
	defer logger.Close()

	infoKeys := make([]string, 0, 10)
	info := make(map[string]string)
	info["log level"] = conf.LogLevel
	infoKeys = append(infoKeys, "log level")
	info["log format"] = conf.LogFormat
	infoKeys = append(infoKeys, "log format")
	info["authority"] = conf.Authority.URL
	infoKeys = append(infoKeys, "authority")
	info["reseller tenant"] = conf.Authority.ResellerTenantID
	infoKeys = append(infoKeys, "reseller tenant")
	info["sandbox"] = fmt.Sprintf("%t", conf.IntegrationSandbox)
	infoKeys = append(infoKeys, "sandbox")
	if flagDev {
		info["mode"] = "dev"
		infoKeys = append(infoKeys, "mode")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Resolve the application identity before anything that needs it
	appCred, err := resolveApplicationCredential(ctx, conf, logger)
	if err != nil {
		return fmt.Errorf("failed to resolve application credential: %w", err)
	}

	// Build the distributed cache backend. Dev mode always runs on the
	// in-memory backend, whatever the config says.
	cacheConfig := map[string]string{"type": "inmem"}
	if !flagDev && conf.Cache != nil {
		cacheConfig = conf.Cache.Config()
	}
	cacheService, err := cache.NewService(cacheConfig, logger.WithSubsystem("cache."+cacheConfig["type"]))
	if err != nil {
		return fmt.Errorf("failed to construct the cache: %w", err)
	}
	defer cacheService.Close()

	info["cache"] = cacheConfig["type"]
	infoKeys = append(infoKeys, "cache")

	margin := conf.Authority.TokenMargin()
	tokenCache := token.NewCache(cacheService, margin, logger.WithSubsystem("token.cache"))

	acquirer, err := token.NewAcquirer(token.AcquirerConfig{
		AuthorityURL:          conf.Authority.URL,
		ApplicationID:         appCred.ApplicationID,
		ApplicationSecret:     appCred.ApplicationSecret.Plaintext(),
		CertificateDir:        conf.Authority.CertificateDir,
		CertificateThumbprint: conf.Authority.CertificateThumbprint,
		UseCache:              appCred.UseCache,
		Cache:                 tokenCache,
		Logger:                logger.WithSubsystem("token.acquirer"),
	})
	if err != nil {
		return fmt.Errorf("failed to construct the token acquirer: %w", err)
	}

	partnerResource, err := conf.GetResource(resourcePartner)
	if err != nil {
		return fmt.Errorf("partner resource is not configured: %w", err)
	}

	vendor, err := credential.NewVendor(credential.VendorConfig{
		Acquirer:        acquirer,
		PartnerResource: partnerResource.ID,
		ApplicationName: conf.Authority.ApplicationName,
		Margin:          margin,
		UseCertificate:  conf.Authority.CertificateThumbprint != "",
		Logger:          logger.WithSubsystem("credential.vendor"),
	})
	if err != nil {
		return fmt.Errorf("failed to construct the credential vendor: %w", err)
	}

	guard, err := authorize.NewGuard(conf.Authority.ResellerTenantID, conf.IntegrationSandbox)
	if err != nil {
		return fmt.Errorf("failed to construct the authorization guard: %w", err)
	}

	restClient, err := partner.NewRESTClient(partner.RESTClientConfig{
		BaseURL: partnerResource.Endpoint,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to construct the partner rest client: %w", err)
	}
	clients := partner.Clients{
		Customers:     restClient,
		Subscriptions: restClient,
		Users:         restClient,
		Invoices:      restClient,
		Offers:        restClient,
		Audit:         restClient,
	}

	offersCache := partner.NewOffersCache(restClient, cacheService, logger.WithSubsystem("partner.offers"))

	tracker, err := buildTracker(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the telemetry tracker: %w", err)
	}

	ops, err := partner.NewOperations(partner.OperationsConfig{
		Vendor:  vendor,
		Guard:   guard,
		Clients: clients,
		Offers:  offersCache,
		Tracker: tracker,
		Logger:  logger.WithSubsystem("partner.operations"),
	})
	if err != nil {
		return fmt.Errorf("failed to construct the operations facade: %w", err)
	}

	authenticator, err := stewardhttp.NewAuthenticator(ctx,
		conf.Authority.URL, conf.Authority.ApplicationID, logger.WithSubsystem("http.auth"))
	if err != nil {
		return fmt.Errorf("failed to construct the authenticator: %w", err)
	}

	httpHandler := stewardhttp.Handler(&stewardhttp.HandlerProperties{
		Operations:      ops,
		Acquirer:        acquirer,
		PartnerResource: partnerResource.ID,
		Auth:            authenticator,
		Logger:          logger.WithSubsystem("http"),
	})

	lns, err := initListeners(httpHandler, conf, logger, &infoKeys, info)
	if err != nil {
		return err
	}

	// Make sure we close all listeners from this point on
	listenerCloseFunc := func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping all listeners\n")
		for _, ln := range lns {
			if err := ln.Stop(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "failed to stop %s listener at %s: %v\n", ln.Type(), ln.Addr(), err)
			}
		}
	}
	defer cleanupGuard.Do(listenerCloseFunc)

	sort.Strings(infoKeys)
	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Steward server configuration:\n\n")

	titleCaser := cases.Title(language.English, cases.NoLower)

	for _, k := range infoKeys {
		fmt.Fprintf(cmd.OutOrStdout(), "%24s: %s\n", titleCaser.String(k), info[k])
	}

	errChan := make(chan error, len(lns))
	for _, ln := range lns {
		ln := ln
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ln.Start(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Steward server started! Log data will stream in below:\n")

	// Wait for shutdown: signal via the command context, or a listener error
	select {
	case err := <-errChan:
		fmt.Fprintf(cmd.OutOrStdout(), "Listener error occurred: %v\n", err)
		cancel()
	case <-ctx.Done():
		fmt.Fprintf(cmd.OutOrStdout(), "Steward shutdown triggered\n")
	}

	cleanupGuard.Do(listenerCloseFunc)
	wg.Wait()

	fmt.Fprintf(cmd.OutOrStdout(), "Server shutdown completed successfully\n")
	return nil
}

func buildLogger(conf *config.Config) log.Logger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(conf.LogLevel),
		Subsystem: subsystemCore,
		Format:    log.ParseOutputFormat(conf.LogFormat),
		Outputs:   []io.Writer{os.Stdout},
	}
	if conf.LogFile != "" {
		logConfig.FileConfig = &log.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxAge:     conf.LogRotationPeriod,
			MaxBackups: conf.LogRotateMaxFiles,
		}
	}
	return log.NewZerologLogger(logConfig)
}

// resolveApplicationCredential builds the application identity: the secret
// is the literal config value, or the named secret read from Vault. Dev
// mode and the certificate flow both work without a vault block.
func resolveApplicationCredential(ctx context.Context, conf *config.Config, logger log.Logger) (*credential.ApplicationCredential, error) {
	cred := &credential.ApplicationCredential{
		ApplicationID:     conf.Authority.ApplicationID,
		ApplicationSecret: credential.Secret(conf.Authority.ApplicationSecret),
		UseCache:          conf.Authority.UseCache,
	}

	if conf.Authority.ApplicationSecretName == "" {
		return cred, nil
	}
	if conf.Vault == nil {
		if flagDev {
			logger.Warn("dev mode: vault block missing, using literal application secret")
			return cred, nil
		}
		return nil, fmt.Errorf("application_secret_name is set but no vault block is configured")
	}

	resolver, err := vault.NewResolver(ctx, vault.Config{
		Address:          conf.Vault.Address,
		RoleID:           conf.Vault.RoleID,
		SecretID:         conf.Vault.SecretID,
		AppRoleMountPath: conf.Vault.AppRoleMountPath,
		SecretMount:      conf.Vault.SecretMount,
		SecretPath:       conf.Vault.SecretPath,
		Field:            conf.Vault.Field,
	}, logger.WithSubsystem("vault"))
	if err != nil {
		return nil, err
	}

	plaintext, err := resolver.ResolveSecret(ctx, conf.Authority.ApplicationSecretName)
	if err != nil {
		return nil, err
	}
	cred.ApplicationSecret = credential.Secret(plaintext)
	return cred, nil
}

func buildTracker(conf *config.Config, logger log.Logger) (telemetry.Tracker, error) {
	if conf.Telemetry == nil || !conf.Telemetry.Enabled {
		return telemetry.NopTracker{}, nil
	}

	serviceName := conf.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	if err := telemetry.SetupSink(serviceName); err != nil {
		return nil, err
	}
	return telemetry.NewMetricsTracker(serviceName, logger.WithSubsystem("telemetry"))
}

func initListeners(httpHandler http.Handler, conf *config.Config, logger log.Logger, infoKeys *[]string, info map[string]string) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, len(conf.Listeners))

	for _, lnConfig := range conf.Listeners {
		ln, err := api.NewApiListener(api.ApiListenerConfig{
			Logger:      logger.WithSubsystem(subsystemListener),
			Address:     lnConfig.Address,
			TLSCertFile: lnConfig.TLSCertFile,
			TLSKeyFile:  lnConfig.TLSKeyFile,
			TLSEnabled:  lnConfig.TLSEnabled,
		}, httpHandler)
		if err != nil {
			return nil, fmt.Errorf("error initializing listener %q: %w", lnConfig.Name, err)
		}
		lns = append(lns, ln)

		key := fmt.Sprintf("listener %s", lnConfig.Name)
		info[key] = lnConfig.Address
		*infoKeys = append(*infoKeys, key)
	}

	if len(lns) == 0 {
		return nil, fmt.Errorf("at least one listener must be configured")
	}
	return lns, nil
}

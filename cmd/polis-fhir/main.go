// Package main is the entry point for the polis-fhir binary.
// It provides a CLI for serving the FHIR API and minting development tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-fhir/internal/governance"
	polistls "github.com/polisai/polis-fhir/internal/tls"
	"github.com/polisai/polis-fhir/pkg/attachments"
	"github.com/polisai/polis-fhir/pkg/auth"
	"github.com/polisai/polis-fhir/pkg/config"
	"github.com/polisai/polis-fhir/pkg/dispatch"
	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/logging"
	"github.com/polisai/polis-fhir/pkg/policy"
	"github.com/polisai/polis-fhir/pkg/response"
	"github.com/polisai/polis-fhir/pkg/server"
	"github.com/polisai/polis-fhir/pkg/storage"
	"github.com/polisai/polis-fhir/pkg/telemetry"
	"github.com/polisai/polis-fhir/pkg/validation"
)

const (
	defaultTokenTTL      = time.Hour
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-fhir
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-fhir",
		Short: "FHIR R4 resource server",
		Long: `A FHIR R4 API server with bearer token authentication, Rego access
policies, bulk export and presigned attachment downloads.

Example:
  polis-fhir serve --config fhir.yaml
  polis-fhir token --subject alice --scope 'system/*.write'
  polis-fhir cert --dns fhir.local --out-dir ./certs`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(), newTokenCmd(), newCertCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML or TOML)")
	cmd.Flags().String("listen", "", "Listen address, overrides server.address")
	cmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("pretty", false, "Human readable log output")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML or TOML)")
	cmd.Flags().String("subject", "dev", "Token subject, mapped to Practitioner/{subject}")
	cmd.Flags().String("profile", "", "Explicit actor reference, e.g. Patient/123")
	cmd.Flags().StringSlice("scope", []string{"system/*.read"}, "Granted scopes")
	cmd.Flags().Duration("ttl", defaultTokenTTL, "Token lifetime")
	return cmd
}

func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed TLS certificate for development",
		Args:  cobra.NoArgs,
		RunE:  runCert,
	}
	cmd.Flags().String("cn", "localhost", "Common name")
	cmd.Flags().StringSlice("dns", nil, "DNS subject alternative names")
	cmd.Flags().StringSlice("ip", nil, "IP subject alternative names")
	cmd.Flags().Duration("valid-for", 365*24*time.Hour, "Validity period")
	cmd.Flags().String("out-dir", ".", "Output directory")
	return cmd
}

// serveOptions holds the parsed serve flags
type serveOptions struct {
	ConfigPath string
	Listen     string
	LogLevel   string
	Pretty     bool
}

func parseServeOptions(cmd *cobra.Command) (*serveOptions, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return nil, fmt.Errorf("failed to get listen flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}
	return &serveOptions{ConfigPath: configPath, Listen: listen, LogLevel: logLevel, Pretty: pretty}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	opts, err := parseServeOptions(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := logging.NewLogger(logging.Config{Level: level, Pretty: opts.Pretty || cfg.Logging.Pretty})
	slog.SetDefault(logger)

	metrics := telemetry.NewHTTPMetrics()

	var (
		provider domain.ConfigProvider = cfg
		files    *config.FileProvider
	)
	if opts.ConfigPath != "" {
		files, err = config.NewFileProvider(opts.ConfigPath, logger, metrics)
		if err != nil {
			return err
		}
		defer func() {
			if err := files.Close(); err != nil {
				logger.Warn("Failed to stop config watcher", "error", err)
			}
		}()
		provider = files
		cfg = files.Current()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.FHIR.SoftwareVersion,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Telemetry.Environment,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, provider, metrics, logger)
	if err != nil {
		return err
	}

	if files != nil {
		go a.server.Watch(ctx, files.Subscribe())
		go reloadOnHangup(ctx, files, logger)
	}
	go a.server.SweepLimiters(ctx, limiterSweepInterval)

	addr := cfg.Server.Address
	if opts.Listen != "" {
		addr = opts.Listen
	}
	logger.Info("Starting polis-fhir",
		"addr", addr,
		"mount_path", cfg.Server.MountPath,
		"base_url", cfg.FHIR.BaseURL,
		"policy_mode", cfg.Policy.Mode,
	)

	if err := a.server.Start(ctx, addr, cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile); err != nil {
		logger.Error("Server error", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}

	logger.Info("Server stopped")
	return nil
}

func reloadOnHangup(ctx context.Context, files *config.FileProvider, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("Received SIGHUP, reloading configuration")
			if err := files.Reload(); err != nil {
				logger.Error("Configuration reload failed", "error", err)
			}
		}
	}
}

// app holds the wired server and the repository behind it.
type app struct {
	server *server.Server
	repo   *storage.MemoryRepository
}

func buildApp(ctx context.Context, cfg *config.Config, provider domain.ConfigProvider, metrics *telemetry.HTTPMetrics, logger *slog.Logger) (*app, error) {
	repo := storage.NewMemoryRepository()
	binaries := storage.NewMemoryBinaryStore()

	modules, err := loadPolicyModules(cfg.Policy.Files)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Modules:         modules,
		CacheMaxEntries: cfg.Policy.CacheSize,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	mode, err := policy.ParseMode(cfg.Policy.Mode)
	if err != nil {
		return nil, err
	}

	authenticator, err := auth.NewJWTAuthenticator(authConfig(cfg), repo, engine, mode, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	signer, err := attachments.NewSigner(cfg.Storage.PresignSecret, provider.Settings().BaseURL, cfg.Storage.PresignExpiry.Std())
	if err != nil {
		return nil, fmt.Errorf("failed to create url signer: %w", err)
	}

	exporter := storage.NewMemoryExporter(repo, binaries, logger)

	srv, err := server.New(server.Options{
		Config:        provider,
		Authenticator: authenticator,
		Dispatcher:    dispatch.NewHandle(provider, logger),
		Exporter:      exporter,
		Validator:     validation.New(),
		Builder:       response.NewBuilder(attachments.NewRewriter(signer, logger), logger),
		Pipeline:      response.DefaultPipeline(),
		Signer:        signer,
		Resolver:      attachments.NewResolver(binaries, repo),
		RateLimiter: governance.NewRateLimiter(governance.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Burst,
			IdleTTL:           limiterIdleTTL,
		}),
		Timeouts:  governance.NewTimeoutManager(governance.TimeoutConfig{RequestTimeout: cfg.Server.RequestTimeout.Std()}),
		Metrics:   metrics,
		MountPath: cfg.Server.MountPath,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{server: srv, repo: repo}, nil
}

// loadPolicyModules reads Rego files. No files selects the built-in policy.
func loadPolicyModules(paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	modules := make(map[string]string, len(paths))
	for _, path := range paths {
		//nolint:gosec // Policy paths are controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		name := filepath.Base(path)
		if _, dup := modules[name]; dup {
			return nil, fmt.Errorf("duplicate policy module name %q", name)
		}
		modules[name] = string(data)
	}
	return modules, nil
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway.Std(),
	}
}

func runToken(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	subject, _ := flags.GetString("subject")
	profile, _ := flags.GetString("profile")
	scopes, _ := flags.GetStringSlice("scope")
	ttl, _ := flags.GetDuration("ttl")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(subject) == "" && profile == "" {
		return errors.New("either --subject or --profile is required")
	}

	token, err := auth.MintToken(authConfig(cfg), subject, profile, scopes, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}

func runCert(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	commonName, _ := flags.GetString("cn")
	dnsNames, _ := flags.GetStringSlice("dns")
	ipValues, _ := flags.GetStringSlice("ip")
	validFor, _ := flags.GetDuration("valid-for")
	outDir, _ := flags.GetString("out-dir")

	ips := make([]net.IP, 0, len(ipValues))
	for _, v := range ipValues {
		ip := net.ParseIP(strings.TrimSpace(v))
		if ip == nil {
			return fmt.Errorf("invalid IP address %q", v)
		}
		ips = append(ips, ip)
	}

	certPEM, keyPEM, err := polistls.GenerateSelfSigned(polistls.GenerateOptions{
		CommonName:  commonName,
		DNSNames:    dnsNames,
		IPAddresses: ips,
		ValidFor:    validFor,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	certFile := filepath.Join(outDir, "server.crt")
	keyFile := filepath.Join(outDir, "server.key")
	if err := polistls.WriteFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nPrivate key: %s\n", certFile, keyFile)
	return err
}

// Package config provides configuration structures and loading logic for the
// FHIR server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-fhir/pkg/domain"
)

// Config holds the global configuration of the server.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	FHIR      FHIRConfig      `yaml:"fhir" toml:"fhir"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Policy    PolicyConfig    `yaml:"policy" toml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds configuration for the HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" toml:"address" validate:"required"`
	MountPath       string   `yaml:"mount_path" toml:"mount_path" validate:"required,startswith=/"`
	RequestTimeout  Duration `yaml:"request_timeout" toml:"request_timeout" validate:"gte=0"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gte=0"`
	TLSCertFile     string   `yaml:"tls_cert_file" toml:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile      string   `yaml:"tls_key_file" toml:"tls_key_file" validate:"required_with=TLSCertFile"`
}

// FHIRConfig describes the API surface advertised to clients.
type FHIRConfig struct {
	BaseURL         string `yaml:"base_url" toml:"base_url" validate:"required,url"`
	FHIRVersion     string `yaml:"fhir_version" toml:"fhir_version" validate:"required"`
	SoftwareName    string `yaml:"software_name" toml:"software_name"`
	SoftwareVersion string `yaml:"software_version" toml:"software_version"`
	// Introspection enables system-wide search and history. It is read once
	// when the dispatcher is first used.
	Introspection bool `yaml:"introspection" toml:"introspection"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret   string   `yaml:"secret" toml:"secret" validate:"required,min=16"`
	Issuer   string   `yaml:"issuer" toml:"issuer"`
	Audience string   `yaml:"audience" toml:"audience"`
	Leeway   Duration `yaml:"leeway" toml:"leeway" validate:"gte=0"`
}

// StorageConfig configures binary access.
type StorageConfig struct {
	PresignSecret string   `yaml:"presign_secret" toml:"presign_secret" validate:"required,min=16"`
	PresignExpiry Duration `yaml:"presign_expiry" toml:"presign_expiry" validate:"gte=0"`
}

// PolicyConfig configures access control.
type PolicyConfig struct {
	Mode      string   `yaml:"mode" toml:"mode" validate:"omitempty,oneof=fail-closed fail-open"`
	Files     []string `yaml:"files" toml:"files"`
	CacheSize int      `yaml:"cache_size" toml:"cache_size"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
	Environment  string  `yaml:"environment" toml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio" toml:"sample_ratio" validate:"gte=0,lte=1"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// RateLimitConfig holds per-actor limits. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" toml:"burst" validate:"gte=0"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			MountPath:       "/fhir/R4",
			RequestTimeout:  Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		FHIR: FHIRConfig{
			BaseURL:         "http://localhost:8080/fhir/R4/",
			FHIRVersion:     "4.0.1",
			SoftwareName:    "polis-fhir",
			SoftwareVersion: "dev",
		},
		Storage: StorageConfig{
			PresignExpiry: Duration(time.Hour),
		},
		Policy: PolicyConfig{
			Mode: "fail-closed",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-fhir",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. TOML is used for ".toml" files, YAML otherwise. An empty path
// yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("FHIR_LISTEN_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("FHIR_MOUNT_PATH"); val != "" {
		cfg.Server.MountPath = val
	}
	if val := os.Getenv("FHIR_BASE_URL"); val != "" {
		cfg.FHIR.BaseURL = val
	}
	if val := os.Getenv("FHIR_INTROSPECTION"); val != "" {
		cfg.FHIR.Introspection, _ = strconv.ParseBool(val)
	}
	if val := os.Getenv("FHIR_AUTH_SECRET"); val != "" {
		cfg.Auth.Secret = val
	}
	if val := os.Getenv("FHIR_PRESIGN_SECRET"); val != "" {
		cfg.Storage.PresignSecret = val
	}
	if val := os.Getenv("FHIR_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FHIR_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("FHIR_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("FHIR_RATE_LIMIT_RPS"); val != "" {
		if rps, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = rps
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate normalises and checks the configuration.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.FHIR.BaseURL != "" && !strings.HasSuffix(c.FHIR.BaseURL, "/") {
		c.FHIR.BaseURL += "/"
	}
	c.Server.MountPath = "/" + strings.Trim(c.Server.MountPath, "/")

	if err := validate.Struct(c); err != nil {
		return err
	}
	return nil
}

// Settings returns the read-only settings snapshot consumed by the API layer.
func (c *Config) Settings() domain.Settings {
	return domain.Settings{
		BaseURL:              c.FHIR.BaseURL,
		IntrospectionEnabled: c.FHIR.Introspection,
		FHIRVersion:          c.FHIR.FHIRVersion,
		SoftwareName:         c.FHIR.SoftwareName,
		SoftwareVersion:      c.FHIR.SoftwareVersion,
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	Env     string `mapstructure:"ENV"`
	BaseURL string `mapstructure:"BASE_URL"`
	AppName string `mapstructure:"APP_NAME"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	FHIRServerBases       []string      `mapstructure:"FHIR_SERVER_BASE"`
	FHIRSupportedVersions []string      `mapstructure:"FHIR_SUPPORTED_VERSIONS"`
	RegistryCacheTTL      time.Duration `mapstructure:"REGISTRY_CACHE_TTL"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	SmartConfigCacheTTL  time.Duration `mapstructure:"SMART_CONFIG_CACHE_TTL"`
	SmartScopesSupported []string      `mapstructure:"SMART_SCOPES_SUPPORTED"`
	SmartCapabilities    []string      `mapstructure:"SMART_CAPABILITIES"`

	ConsentEnabled               bool          `mapstructure:"CONSENT_ENABLED"`
	ConsentMode                  string        `mapstructure:"CONSENT_MODE"`
	ConsentCacheTTL              time.Duration `mapstructure:"CONSENT_CACHE_TTL"`
	ConsentExemptClients         []string      `mapstructure:"CONSENT_EXEMPT_CLIENTS"`
	ConsentExemptResourceTypes   []string      `mapstructure:"CONSENT_EXEMPT_RESOURCE_TYPES"`
	ConsentRequiredResourceTypes []string      `mapstructure:"CONSENT_REQUIRED_RESOURCE_TYPES"`

	IALEnabled                bool          `mapstructure:"IAL_ENABLED"`
	IALMinimumLevel           string        `mapstructure:"IAL_MINIMUM_LEVEL"`
	IALSensitiveResourceTypes []string      `mapstructure:"IAL_SENSITIVE_RESOURCE_TYPES"`
	IALSensitiveMinimumLevel  string        `mapstructure:"IAL_SENSITIVE_MINIMUM_LEVEL"`
	IALVerifyPatientLink      bool          `mapstructure:"IAL_VERIFY_PATIENT_LINK"`
	IALAllowOnLookupFailure   bool          `mapstructure:"IAL_ALLOW_ON_PERSON_LOOKUP_FAILURE"`
	IALCacheTTL               time.Duration `mapstructure:"IAL_CACHE_TTL"`

	MTLSExpiryWarningDays int `mapstructure:"MTLS_EXPIRY_WARNING_DAYS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8445")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_URL", "http://localhost:8445")
	v.SetDefault("APP_NAME", "proxy-smart")
	v.SetDefault("AUTH_ISSUER", "http://localhost:8080/realms/proxy-smart")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("FHIR_SERVER_BASE", "http://localhost:8081/fhir")
	v.SetDefault("FHIR_SUPPORTED_VERSIONS", "R4")
	v.SetDefault("REGISTRY_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("SMART_CONFIG_CACHE_TTL", "5m")
	v.SetDefault("CONSENT_ENABLED", false)
	v.SetDefault("CONSENT_MODE", "disabled")
	v.SetDefault("CONSENT_CACHE_TTL", "1m")
	v.SetDefault("CONSENT_EXEMPT_RESOURCE_TYPES", "CapabilityStatement,metadata")
	v.SetDefault("IAL_ENABLED", false)
	v.SetDefault("IAL_MINIMUM_LEVEL", "level1")
	v.SetDefault("IAL_SENSITIVE_MINIMUM_LEVEL", "level3")
	v.SetDefault("IAL_VERIFY_PATIENT_LINK", true)
	v.SetDefault("IAL_ALLOW_ON_PERSON_LOOKUP_FAILURE", false)
	v.SetDefault("IAL_CACHE_TTL", "5m")
	v.SetDefault("MTLS_EXPIRY_WARNING_DAYS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "BASE_URL", "APP_NAME",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
		"FHIR_SERVER_BASE", "FHIR_SUPPORTED_VERSIONS", "REGISTRY_CACHE_TTL",
		"CORS_ORIGINS",
		"SMART_CONFIG_CACHE_TTL", "SMART_SCOPES_SUPPORTED", "SMART_CAPABILITIES",
		"CONSENT_ENABLED", "CONSENT_MODE", "CONSENT_CACHE_TTL",
		"CONSENT_EXEMPT_CLIENTS", "CONSENT_EXEMPT_RESOURCE_TYPES", "CONSENT_REQUIRED_RESOURCE_TYPES",
		"IAL_ENABLED", "IAL_MINIMUM_LEVEL", "IAL_SENSITIVE_RESOURCE_TYPES",
		"IAL_SENSITIVE_MINIMUM_LEVEL", "IAL_VERIFY_PATIENT_LINK",
		"IAL_ALLOW_ON_PERSON_LOOKUP_FAILURE", "IAL_CACHE_TTL",
		"MTLS_EXPIRY_WARNING_DAYS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated env values arrive as a single-element slice.
	cfg.FHIRServerBases = splitCSV(cfg.FHIRServerBases)
	cfg.FHIRSupportedVersions = splitCSV(cfg.FHIRSupportedVersions)
	cfg.CORSOrigins = splitCSV(cfg.CORSOrigins)
	cfg.SmartScopesSupported = splitCSV(cfg.SmartScopesSupported)
	cfg.SmartCapabilities = splitCSV(cfg.SmartCapabilities)
	cfg.ConsentExemptClients = splitCSV(cfg.ConsentExemptClients)
	cfg.ConsentExemptResourceTypes = splitCSV(cfg.ConsentExemptResourceTypes)
	cfg.ConsentRequiredResourceTypes = splitCSV(cfg.ConsentRequiredResourceTypes)
	cfg.IALSensitiveResourceTypes = splitCSV(cfg.IALSensitiveResourceTypes)

	return cfg, nil
}

func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the proxy is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ConsentModeResolved returns the effective consent mode. Unknown values fall
// back to "disabled" so a typo in configuration can never enforce denials.
func (c *Config) ConsentModeResolved() string {
	switch c.ConsentMode {
	case "enforce", "audit-only", "disabled":
		return c.ConsentMode
	}
	return "disabled"
}

// Validate checks that the configuration is safe to run. Outside development
// the identity provider issuer must be set so real JWT authentication is
// enforced on the proxy routes.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when ENV is %q. "+
				"Refusing to start without an identity provider configuration", c.Env)
	}
	if c.ConsentEnabled {
		switch c.ConsentMode {
		case "enforce", "audit-only", "disabled":
		default:
			return fmt.Errorf("CONSENT_MODE must be \"enforce\", \"audit-only\", or \"disabled\", got %q", c.ConsentMode)
		}
	}
	switch c.IALMinimumLevel {
	case "", "level1", "level2", "level3", "level4":
	default:
		return fmt.Errorf("IAL_MINIMUM_LEVEL must be level1..level4, got %q", c.IALMinimumLevel)
	}
	if len(c.FHIRSupportedVersions) == 0 {
		return fmt.Errorf("FHIR_SUPPORTED_VERSIONS must list at least one version")
	}
	return nil
}

package config

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/vc-policy-gateway/internal/observability"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Policy        PolicyConfig
	Database      *DatabaseConfig // Optional: enables the decision audit trail when set
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// PolicyConfig holds policy engine configuration
type PolicyConfig struct {
	File             string        // Policy bundle (YAML)
	Timeout          time.Duration // Per-evaluation budget
	MaxSteps         uint64        // Starlark step budget, 0 keeps the unit default
	ReloadInterval   time.Duration // 0 disables periodic reloads
	CredentialHeader string
	ResourceHeader   string   // Optional: honored only from TrustedProxies
	TrustedProxies   []string // CIDRs or addresses of proxies allowed to name the resource
	PublicOrigin     string   // Canonical scheme://host the protected prefix is served under
	ProtectedPrefix  string   // Routes under this prefix are gated by the engine
	UpstreamURL      string   // Optional: protected requests are proxied here
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// AuditConfig holds decision audit trail settings
type AuditConfig struct {
	BufferSize        int
	WorkerCount       int
	BatchSize         int
	Retention         time.Duration // 0 keeps records forever
	RetentionInterval time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
	MetricsPath    string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Policy: PolicyConfig{
			File:             getEnv("POLICY_FILE", "data/policies.yaml"),
			Timeout:          getEnvAsDuration("POLICY_TIMEOUT", 2*time.Second),
			MaxSteps:         getEnvAsUint("POLICY_MAX_STEPS", 0),
			ReloadInterval:   getEnvAsDuration("POLICY_RELOAD_INTERVAL", 0),
			CredentialHeader: getEnv("CREDENTIAL_HEADER", "X-Verifiable-Credential"),
			ResourceHeader:   getEnv("PROTECTED_RESOURCE_HEADER", ""),
			TrustedProxies:   getEnvAsList("TRUSTED_PROXIES", nil),
			PublicOrigin:     getEnv("PUBLIC_ORIGIN", ""),
			ProtectedPrefix:  getEnv("PROTECTED_PREFIX", "/protected"),
			UpstreamURL:      getEnv("UPSTREAM_URL", ""),
		},
		Database: loadDatabaseConfig(),
		Audit: AuditConfig{
			BufferSize:        getEnvAsInt("AUDIT_BUFFER_SIZE", 10000),
			WorkerCount:       getEnvAsInt("AUDIT_WORKERS", 4),
			BatchSize:         getEnvAsInt("AUDIT_BATCH_SIZE", 50),
			Retention:         getEnvAsDuration("AUDIT_RETENTION", 0),
			RetentionInterval: getEnvAsDuration("AUDIT_RETENTION_INTERVAL", time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	if cfg.Policy.PublicOrigin == "" {
		cfg.Policy.PublicOrigin = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Policy.File == "" {
		return fmt.Errorf("policy file is required")
	}
	if c.Policy.Timeout <= 0 {
		return fmt.Errorf("policy timeout must be positive, got %v", c.Policy.Timeout)
	}
	if c.Policy.ReloadInterval < 0 {
		return fmt.Errorf("policy reload interval must not be negative")
	}
	if c.Policy.CredentialHeader == "" {
		return fmt.Errorf("credential header is required")
	}
	if c.Policy.PublicOrigin != "" {
		u, err := url.Parse(c.Policy.PublicOrigin)
		if err != nil || u.Scheme == "" || u.Host == "" || strings.Trim(u.Path, "/") != "" {
			return fmt.Errorf("public origin must be scheme://host: %q", c.Policy.PublicOrigin)
		}
	}
	if _, err := c.Policy.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if c.Policy.ResourceHeader != "" && len(c.Policy.TrustedProxies) == 0 {
		return fmt.Errorf("resource header %s requires trusted proxies", c.Policy.ResourceHeader)
	}
	if c.Policy.UpstreamURL != "" {
		u, err := url.Parse(c.Policy.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream URL must be absolute: %q", c.Policy.UpstreamURL)
		}
	}

	if db := c.Database; db != nil && db.ConnectionString == "" {
		if db.User == "" {
			return fmt.Errorf("database user is required")
		}
		if db.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Audit.Retention < 0 {
		return fmt.Errorf("audit retention must not be negative")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if _, err := observability.ParseLevel(c.Observability.LogLevel); err != nil {
		return err
	}

	if c.IsProduction() && c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS certificate and key are required when TLS is enabled")
		}
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (p PolicyConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(p.TrustedProxies))
	for _, entry := range p.TrustedProxies {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// AuditEnabled reports whether a database is configured for the audit trail
func (c *Config) AuditEnabled() bool {
	return c.Database != nil
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars.
// Returns nil when neither DATABASE_URL nor DB_HOST is set.
func loadDatabaseConfig() *DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
	}

	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return &pool
	}
	if getEnv("DB_HOST", "") == "" {
		return nil
	}

	pool.Host = getEnv("DB_HOST", "")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "pdp")
	pool.Password = getEnv("DB_PASSWORD", "")
	pool.Database = getEnv("DB_NAME", "pdp_audit")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return &pool
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsUint(key string, defaultValue uint64) uint64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Package config loads the portal's service configuration.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML file
// named by PORTAL_CONFIG_FILE, then environment variables (a .env file in the
// working directory is loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the optional YAML config file.
const ConfigFileEnv = "PORTAL_CONFIG_FILE"

const (
	DefaultPort            = 3000
	DefaultFrontendBaseURL = "http://localhost:3000"
	DefaultDBName          = "ticketPortal"
	DefaultStaticIndex     = "index.html"
	DefaultTLSMinVersion   = "1.2"
	DefaultQuotaRPS        = 10.0
	DefaultQuotaBurst      = 20
	DefaultQuotaLimit      = 600
	DefaultQuotaWindow     = time.Minute
	DefaultQuotaCleanup    = "@every 10m"
	DefaultBodyLimit       = 100 * 1024
	DefaultShutdownTimeout = 30 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
)

// ServiceConfig is everything read from the environment at startup.
//
// MongoURI has no default: DatastoreURI reports its absence so startup can fail fast.
type ServiceConfig struct {
	Port            int    `env:"PORT" yaml:"port"`
	FrontendBaseURL string `env:"FRONTEND_BASE_URL" yaml:"frontend_base_url"`
	MongoURI        string `env:"MONGODB_URI" yaml:"mongodb_uri"`
	DBName          string `env:"MONGODB_DB_NAME" yaml:"db_name"`

	StaticDir   string `env:"STATIC_DIR" yaml:"static_dir"`
	StaticIndex string `env:"STATIC_INDEX" yaml:"static_index"`

	TLSMinVersion string `env:"TLS_MIN_VERSION" yaml:"tls_min_version"`

	JWTSecret    string `env:"JWT_SECRET" yaml:"jwt_secret"`
	JWTPublicKey string `env:"JWT_PUBLIC_KEY" yaml:"jwt_public_key"`

	QuotaRPS      float64       `env:"QUOTA_RPS" yaml:"quota_rps"`
	QuotaBurst    int           `env:"QUOTA_BURST" yaml:"quota_burst"`
	QuotaRedisURL string        `env:"QUOTA_REDIS_URL" yaml:"quota_redis_url"`
	QuotaLimit    int64         `env:"QUOTA_LIMIT" yaml:"quota_limit"`
	QuotaWindow   time.Duration `env:"QUOTA_WINDOW" yaml:"quota_window"`
	QuotaCleanup  string        `env:"QUOTA_CLEANUP" yaml:"quota_cleanup"`

	BodyLimit       int64         `env:"BODY_LIMIT" yaml:"body_limit"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" yaml:"connect_timeout"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
	MetricsDisabled bool          `env:"METRICS_DISABLED" yaml:"metrics_disabled"`

	LogLevel  string `env:"LOG_LEVEL" yaml:"log_level"`
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format"`
}

// Load reads .env, the optional YAML file and the environment, then applies defaults.
func Load() (*ServiceConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &ServiceConfig{}
	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		fileCfg, err := LoadFromPath(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := decodeEnv(cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeEnv overlays environment variables onto cfg. Malformed values are
// errors; an environment that sets none of the fields is not.
func decodeEnv(cfg *ServiceConfig) error {
	err := envdecode.StrictDecode(cfg)
	if err == nil || errors.Is(err, envdecode.ErrInvalidTarget) || errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil
	}
	return fmt.Errorf("failed to decode environment: %w", err)
}

// LoadFromPath reads a YAML config file without applying environment overrides or defaults.
func LoadFromPath(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every optional field left at its zero value.
func (c *ServiceConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.FrontendBaseURL) == "" {
		c.FrontendBaseURL = DefaultFrontendBaseURL
	}
	if c.DBName == "" {
		c.DBName = DefaultDBName
	}
	if c.StaticIndex == "" {
		c.StaticIndex = DefaultStaticIndex
	}
	if c.TLSMinVersion == "" {
		c.TLSMinVersion = DefaultTLSMinVersion
	}
	if c.QuotaRPS == 0 {
		c.QuotaRPS = DefaultQuotaRPS
	}
	if c.QuotaBurst == 0 {
		c.QuotaBurst = DefaultQuotaBurst
	}
	if c.QuotaLimit == 0 {
		c.QuotaLimit = DefaultQuotaLimit
	}
	if c.QuotaWindow == 0 {
		c.QuotaWindow = DefaultQuotaWindow
	}
	if c.QuotaCleanup == "" {
		c.QuotaCleanup = DefaultQuotaCleanup
	}
	if c.BodyLimit == 0 {
		c.BodyLimit = DefaultBodyLimit
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}

// Validate rejects values no component can work with. A missing datastore
// URI is not checked here; startup reports it.
func (c *ServiceConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.QuotaRPS < 0 || c.QuotaBurst < 0 || c.QuotaLimit < 0 {
		return fmt.Errorf("quota settings must not be negative")
	}
	if c.QuotaWindow < 0 {
		return fmt.Errorf("quota window must not be negative")
	}
	if c.BodyLimit < 0 {
		return fmt.Errorf("body limit must not be negative")
	}
	if c.ConnectTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// DatastoreURI returns the datastore connection string and whether it was provided.
func (c *ServiceConfig) DatastoreURI() (string, bool) {
	uri := strings.TrimSpace(c.MongoURI)
	return uri, uri != ""
}

// AllowedOrigins splits FrontendBaseURL on commas.
func (c *ServiceConfig) AllowedOrigins() []string {
	parts := strings.Split(c.FrontendBaseURL, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimRight(strings.TrimSpace(part), "/"); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// ListenAddr is the address the HTTP listener binds.
func (c *ServiceConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// StaticEnabled reports whether the SPA fallback variant is configured.
func (c *ServiceConfig) StaticEnabled() bool {
	return strings.TrimSpace(c.StaticDir) != ""
}

// Package config loads the application configuration from config files,
// environment variables (prefix PALMINSIGHT_), a .env file and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information, set at build time.
var (
	version = "dev"
	commit  = "none"
)

// GetVersionInfo returns a formatted version string.
func GetVersionInfo() string {
	return fmt.Sprintf("palminsight version %s, commit %s", version, commit)
}

// ErrMissing marks a configuration value that a feature cannot run without.
var ErrMissing = errors.New("missing configuration")

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Provider ProviderConfig `mapstructure:"provider"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cookie   CookieConfig   `mapstructure:"cookie"`
	Routes   RoutesConfig   `mapstructure:"routes"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	DisableConsole    bool   `mapstructure:"disable_console"`

	// Rotation of the output file.
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ProviderKind selects the auth provider implementation.
type ProviderKind string

const (
	ProviderGoTrue ProviderKind = "gotrue"
	ProviderOIDC   ProviderKind = "oidc"
)

type ProviderConfig struct {
	Kind      ProviderKind  `mapstructure:"kind"`
	URL       string        `mapstructure:"url"`
	AnonKey   string        `mapstructure:"anon_key"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
	OIDC      OIDCConfig    `mapstructure:"oidc"`
}

type OIDCConfig struct {
	Name         string   `mapstructure:"name"`
	Issuer       string   `mapstructure:"issuer"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// StorageBackend selects where device state lives.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageRedis  StorageBackend = "redis"
	StorageFile   StorageBackend = "file"
)

type StorageConfig struct {
	Backend   StorageBackend `mapstructure:"backend"`
	RedisURL  string         `mapstructure:"redis_url"`
	KeyPrefix string         `mapstructure:"key_prefix"`
	TTL       time.Duration  `mapstructure:"ttl"`
	FilePath  string         `mapstructure:"file_path"`
}

type CookieConfig struct {
	Name   string            `mapstructure:"name"`
	KeyID  string            `mapstructure:"key_id"`
	Keys   map[string]string `mapstructure:"keys"` // key id -> base64url key
	Secure bool              `mapstructure:"secure"`
}

type RoutesConfig struct {
	Dashboard     string `mapstructure:"dashboard"`
	ResetPassword string `mapstructure:"reset_password"`
	Login         string `mapstructure:"login"`
	Callback      string `mapstructure:"callback"`
}

type AuthConfig struct {
	FreshVerifierFallback bool          `mapstructure:"fresh_verifier_fallback"`
	ConsumedCodeHistory   int           `mapstructure:"consumed_code_history"`
	ResetFlagTTL          time.Duration `mapstructure:"reset_flag_ttl"`
	IdleTTL               time.Duration `mapstructure:"idle_ttl"`
}

// InitFlags registers command line flags (without parsing).
func InitFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file")
	fs.String("provider.url", "", "Auth provider base URL")
	fs.String("storage.backend", "", "Storage backend (memory|redis|file)")
	fs.String("logging.level", "", "Log level")
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 7)
	v.SetDefault("logging.compress", true)

	v.SetDefault("provider.kind", string(ProviderGoTrue))
	v.SetDefault("provider.url", "")
	v.SetDefault("provider.anon_key", "")
	v.SetDefault("provider.jwt_secret", "")
	v.SetDefault("provider.oidc.issuer", "")
	v.SetDefault("provider.oidc.client_id", "")
	v.SetDefault("provider.oidc.client_secret", "")
	v.SetDefault("provider.timeout", 10*time.Second)
	v.SetDefault("provider.oidc.name", "oidc")
	v.SetDefault("provider.oidc.scopes", []string{"openid", "profile", "email"})

	v.SetDefault("storage.backend", string(StorageMemory))
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.key_prefix", "palminsight:")
	v.SetDefault("storage.ttl", 30*24*time.Hour)
	v.SetDefault("storage.file_path", home+"/.palminsight/state.cbor")

	v.SetDefault("cookie.name", "palm_device")
	v.SetDefault("cookie.key_id", "")
	v.SetDefault("cookie.secure", true)

	v.SetDefault("routes.dashboard", "/dashboard")
	v.SetDefault("routes.reset_password", "/reset-password")
	v.SetDefault("routes.login", "/login")
	v.SetDefault("routes.callback", "/auth/callback")

	v.SetDefault("auth.fresh_verifier_fallback", true)
	v.SetDefault("auth.consumed_code_history", 20)
	v.SetDefault("auth.reset_flag_ttl", time.Hour)
	v.SetDefault("auth.idle_ttl", 30*time.Minute)
}

// Load reads the configuration. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PALMINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/palminsight")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values every entry point needs. Secrets are never
// defaulted: a missing provider URL or key is an error, not a silent no-op.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderGoTrue:
		if c.Provider.URL == "" {
			return fmt.Errorf("%w: provider.url (PALMINSIGHT_PROVIDER_URL)", ErrMissing)
		}
		if c.Provider.AnonKey == "" {
			return fmt.Errorf("%w: provider.anon_key (PALMINSIGHT_PROVIDER_ANON_KEY)", ErrMissing)
		}
	case ProviderOIDC:
		if c.Provider.OIDC.Issuer == "" || c.Provider.OIDC.ClientID == "" {
			return fmt.Errorf("%w: provider.oidc.issuer and provider.oidc.client_id", ErrMissing)
		}
	default:
		return fmt.Errorf("unsupported provider kind %q", c.Provider.Kind)
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageFile:
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("%w: storage.redis_url", ErrMissing)
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	if c.Auth.ConsumedCodeHistory <= 0 {
		c.Auth.ConsumedCodeHistory = 20
	}
	return nil
}

// ValidateServer checks the values only the HTTP server needs.
func (c *Config) ValidateServer() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("%w: server.public_url", ErrMissing)
	}
	if c.Cookie.KeyID == "" || len(c.Cookie.Keys) == 0 {
		return fmt.Errorf("%w: cookie.key_id and cookie.keys", ErrMissing)
	}
	if _, ok := c.Cookie.Keys[c.Cookie.KeyID]; !ok {
		return fmt.Errorf("%w: cookie.keys[%s]", ErrMissing, c.Cookie.KeyID)
	}
	return nil
}

// Package config provides configuration management for the labeler service.
// Values come from defaults, an optional config file, an optional .env file
// and LABELER_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// Default values
	DefaultPort       = 8080
	DefaultHost       = "0.0.0.0"
	DefaultLogLevel   = "info"
	DefaultDataDir    = ".labeler"
	DefaultURLTTLSecs = 3600

	EnvPrefix  = "LABELER"
	DBFilename = "labeler.db"

	// Config keys
	KeyPort               = "port"
	KeyHost               = "host"
	KeyLogLevel           = "log_level"
	KeyDataDir            = "data_dir"
	KeyDBPath             = "db_path"
	KeyAuthToken          = "auth_token"
	KeyGCSSignURLs        = "gcs_sign_urls"
	KeyGCSURLTTLSeconds   = "gcs_url_ttl_seconds"
	KeyGCSCredentialsFile = "gcs_credentials_file"
	KeyMediaDir           = "media_dir"
	KeyNamespace          = "namespace"
	KeyDomain             = "domain"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	Host() string
	Addr() string
	LogLevel() string
	DataDir() string
	DBPath() string
	AuthToken() string
	GCSSignURLs() bool
	GCSURLTTL() time.Duration
	GCSCredentialsFile() string
	MediaDir() string
	Namespace() string
	Domain() string
}

// Options control where Load looks for optional sources.
type Options struct {
	// ConfigFile is an explicit YAML/TOML/JSON config file.
	ConfigFile string
	// EnvFile is a dotenv file; a missing file is ignored.
	EnvFile string
}

// ViperConfig reads configuration through a viper instance
type ViperConfig struct {
	v *viper.Viper
}

// Load builds a ViperConfig and validates it.
func Load(opts Options) (*ViperConfig, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyHost, DefaultHost)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyDataDir, defaultDataDir())
	v.SetDefault(KeyGCSSignURLs, false)
	v.SetDefault(KeyGCSURLTTLSeconds, DefaultURLTTLSecs)
	for _, key := range []string{KeyDBPath, KeyAuthToken, KeyGCSCredentialsFile, KeyMediaDir, KeyNamespace, KeyDomain} {
		v.SetDefault(key, "")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	cfg := &ViperConfig{v: v}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ViperConfig) validate() error {
	if port := c.v.GetInt(KeyPort); port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s: port must be between 1 and 65535", KeyPort)
	}
	if ttl := c.v.GetInt(KeyGCSURLTTLSeconds); ttl <= 0 {
		return fmt.Errorf("invalid %s: must be positive", KeyGCSURLTTLSeconds)
	}
	if c.GCSSignURLs() && c.GCSCredentialsFile() == "" {
		return fmt.Errorf("%s requires %s", KeyGCSSignURLs, KeyGCSCredentialsFile)
	}
	return nil
}

// Port returns the HTTP server port
func (c *ViperConfig) Port() int {
	return c.v.GetInt(KeyPort)
}

func (c *ViperConfig) Host() string {
	return c.v.GetString(KeyHost)
}

// Addr returns host:port for the HTTP listener
func (c *ViperConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host(), c.Port())
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *ViperConfig) LogLevel() string {
	return c.v.GetString(KeyLogLevel)
}

// DataDir returns the data directory path
func (c *ViperConfig) DataDir() string {
	return c.v.GetString(KeyDataDir)
}

// DBPath returns the full path to the SQLite database file
func (c *ViperConfig) DBPath() string {
	if p := c.v.GetString(KeyDBPath); p != "" {
		return p
	}
	return filepath.Join(c.DataDir(), DBFilename)
}

// AuthToken is the bearer token required by the API; empty disables the check.
func (c *ViperConfig) AuthToken() string {
	return c.v.GetString(KeyAuthToken)
}

func (c *ViperConfig) GCSSignURLs() bool {
	return c.v.GetBool(KeyGCSSignURLs)
}

func (c *ViperConfig) GCSURLTTL() time.Duration {
	return time.Duration(c.v.GetInt(KeyGCSURLTTLSeconds)) * time.Second
}

func (c *ViperConfig) GCSCredentialsFile() string {
	return c.v.GetString(KeyGCSCredentialsFile)
}

// MediaDir is a local directory served under /media; empty disables it.
func (c *ViperConfig) MediaDir() string {
	return c.v.GetString(KeyMediaDir)
}

func (c *ViperConfig) Namespace() string {
	return c.v.GetString(KeyNamespace)
}

func (c *ViperConfig) Domain() string {
	return c.v.GetString(KeyDomain)
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

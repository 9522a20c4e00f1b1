package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Cache  CacheConfig  `yaml:"cache"`
	Worker WorkerConfig `yaml:"worker"`
	Rules  RulesConfig  `yaml:"rules"`
	Loader LoaderConfig `yaml:"loader"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains proxy server configuration
type ServerConfig struct {
	Port            int         `yaml:"port" env:"RESILIENT_PORT"`
	UpstreamTimeout string      `yaml:"upstream_timeout" env:"RESILIENT_UPSTREAM_TIMEOUT"`
	HTTPS           HTTPSConfig `yaml:"https"`
}

// HTTPSConfig contains TLS interception settings
type HTTPSConfig struct {
	Enabled    bool   `yaml:"enabled" env:"RESILIENT_HTTPS_ENABLED"`
	CACertFile string `yaml:"ca_cert_file" env:"RESILIENT_HTTPS_CA_CERT"`
	CAKeyFile  string `yaml:"ca_key_file" env:"RESILIENT_HTTPS_CA_KEY"`
}

// CacheConfig selects the storage backing every cache
type CacheConfig struct {
	Driver string `yaml:"driver" env:"RESILIENT_CACHE_DRIVER"` // "disk", "sqlite" or "memory"
	Folder string `yaml:"folder" env:"RESILIENT_CACHE_FOLDER"`
	Path   string `yaml:"path" env:"RESILIENT_CACHE_PATH"`
}

// WorkerConfig describes the interception worker and its cache generations
type WorkerConfig struct {
	Origin          string   `yaml:"origin" env:"RESILIENT_ORIGIN"`
	Prefix          string   `yaml:"prefix" env:"RESILIENT_GENERATION_PREFIX"`
	Version         string   `yaml:"version" env:"RESILIENT_GENERATION_VERSION"`
	APIMarker       string   `yaml:"api_marker" env:"RESILIENT_API_MARKER"`
	OfflineDocument string   `yaml:"offline_document" env:"RESILIENT_OFFLINE_DOCUMENT"`
	Precache        []string `yaml:"precache" env:"RESILIENT_PRECACHE" envSeparator:","`
	ExcludedSchemes []string `yaml:"excluded_schemes" env:"RESILIENT_EXCLUDED_SCHEMES" envSeparator:","`
	InstallAttempts int      `yaml:"install_attempts" env:"RESILIENT_INSTALL_ATTEMPTS"`
}

// RulesConfig scopes which URLs the worker intercepts
type RulesConfig struct {
	Mode  string      `yaml:"mode" env:"RESILIENT_RULES_MODE"` // "whitelist" or "blacklist"
	Rules []CacheRule `yaml:"rules"`
}

// CacheRule defines an interception scope rule
type CacheRule struct {
	BaseURI string   `yaml:"base_uri"`
	Methods []string `yaml:"methods"`
}

// LoaderConfig contains load controller settings
type LoaderConfig struct {
	BaseURL         string `yaml:"base_url" env:"RESILIENT_BASE_URL"`
	Namespace       string `yaml:"namespace" env:"RESILIENT_NAMESPACE"`
	MaxRetries      int    `yaml:"max_retries" env:"RESILIENT_MAX_RETRIES"`
	StalenessWindow string `yaml:"staleness_window" env:"RESILIENT_STALENESS_WINDOW"`
	DisplayDelay    string `yaml:"display_delay" env:"RESILIENT_DISPLAY_DELAY"`
	MinDelay        string `yaml:"min_delay" env:"RESILIENT_MIN_DELAY"`
	MaxDelay        string `yaml:"max_delay" env:"RESILIENT_MAX_DELAY"`
	FetchTimeout    string `yaml:"fetch_timeout" env:"RESILIENT_FETCH_TIMEOUT"`
	HealthInterval  string `yaml:"health_interval" env:"RESILIENT_HEALTH_INTERVAL"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"RESILIENT_LOG_LEVEL"`
}

// MaxDelayCap bounds the randomized pre-request delay so the UI never stalls indefinitely.
const MaxDelayCap = 10 * time.Second

// Load loads configuration from a YAML file, then applies environment overrides and defaults
func Load(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	config.SetDefaults()
	return &config, nil
}

// Default returns a configuration built only from the environment and defaults
func Default() (*Config, error) {
	var config Config
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	config.SetDefaults()
	return &config, nil
}

// SetDefaults fills every unset field
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.UpstreamTimeout == "" {
		c.Server.UpstreamTimeout = "30s"
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "disk"
	}
	if c.Cache.Folder == "" {
		c.Cache.Folder = "./cache"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "./cache.db"
	}

	if c.Worker.Prefix == "" {
		c.Worker.Prefix = "loading-app"
	}
	if c.Worker.Version == "" {
		c.Worker.Version = "v1"
	}
	if c.Worker.APIMarker == "" {
		c.Worker.APIMarker = "/api/"
	}
	if c.Worker.OfflineDocument == "" {
		c.Worker.OfflineDocument = "/index.html"
	}
	if c.Worker.Precache == nil {
		c.Worker.Precache = []string{"/", "/index.html", "/static/css/main.css", "/static/js/bundle.js"}
	}
	if c.Worker.ExcludedSchemes == nil {
		c.Worker.ExcludedSchemes = []string{"chrome-extension", "moz-extension", "safari-web-extension", "data", "blob"}
	}
	if c.Worker.InstallAttempts == 0 {
		c.Worker.InstallAttempts = 3
	}

	if c.Rules.Mode == "" {
		c.Rules.Mode = "blacklist"
	}

	if c.Loader.BaseURL == "" {
		c.Loader.BaseURL = "http://localhost:8080"
	}
	if c.Loader.Namespace == "" {
		c.Loader.Namespace = "loading-app-cache-v1"
	}
	if c.Loader.MaxRetries == 0 {
		c.Loader.MaxRetries = 3
	}
	if c.Loader.StalenessWindow == "" {
		c.Loader.StalenessWindow = "5m"
	}
	if c.Loader.DisplayDelay == "" {
		c.Loader.DisplayDelay = "1s"
	}
	if c.Loader.MinDelay == "" {
		c.Loader.MinDelay = "2s"
	}
	if c.Loader.MaxDelay == "" {
		c.Loader.MaxDelay = "4s"
	}
	if c.Loader.FetchTimeout == "" {
		c.Loader.FetchTimeout = "15s"
	}
	if c.Loader.HealthInterval == "" {
		c.Loader.HealthInterval = "5s"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// GetUpstreamTimeout parses and returns the proxy's upstream request timeout
func (c *Config) GetUpstreamTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Server.UpstreamTimeout)
}

// StaticGeneration is the name of the current static-asset cache generation
func (w WorkerConfig) StaticGeneration() string {
	return w.Prefix + "-static-" + w.Version
}

// DynamicGeneration is the name of the current API response cache generation
func (w WorkerConfig) DynamicGeneration() string {
	return w.Prefix + "-dynamic-" + w.Version
}

// LoaderTimings holds the parsed durations of LoaderConfig
type LoaderTimings struct {
	StalenessWindow time.Duration
	DisplayDelay    time.Duration
	MinDelay        time.Duration
	MaxDelay        time.Duration
	FetchTimeout    time.Duration
	HealthInterval  time.Duration
}

// Timings parses every duration of the loader section
func (l LoaderConfig) Timings() (LoaderTimings, error) {
	var t LoaderTimings
	fields := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"staleness_window", l.StalenessWindow, &t.StalenessWindow},
		{"display_delay", l.DisplayDelay, &t.DisplayDelay},
		{"min_delay", l.MinDelay, &t.MinDelay},
		{"max_delay", l.MaxDelay, &t.MaxDelay},
		{"fetch_timeout", l.FetchTimeout, &t.FetchTimeout},
		{"health_interval", l.HealthInterval, &t.HealthInterval},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return t, fmt.Errorf("invalid loader %s: %w", f.name, err)
		}
		*f.dest = d
	}
	return t, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if _, err := c.GetUpstreamTimeout(); err != nil {
		return fmt.Errorf("invalid upstream timeout format: %w", err)
	}

	if c.Server.HTTPS.Enabled && (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("https CA certificate and key must be set together")
	}

	switch c.Cache.Driver {
	case "disk":
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required")
		}
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("cache driver must be 'disk', 'sqlite' or 'memory', got: %s", c.Cache.Driver)
	}

	if c.Worker.Origin != "" {
		if _, err := url.Parse(c.Worker.Origin); err != nil {
			return fmt.Errorf("invalid worker origin: %w", err)
		}
	}
	if c.Worker.Version == "" {
		return fmt.Errorf("worker version is required")
	}
	if c.Worker.InstallAttempts < 1 {
		return fmt.Errorf("worker install attempts must be positive, got: %d", c.Worker.InstallAttempts)
	}

	if c.Rules.Mode != "whitelist" && c.Rules.Mode != "blacklist" {
		return fmt.Errorf("rules mode must be 'whitelist' or 'blacklist', got: %s", c.Rules.Mode)
	}

	if c.Loader.MaxRetries < 1 {
		return fmt.Errorf("loader max retries must be positive, got: %d", c.Loader.MaxRetries)
	}
	timings, err := c.Loader.Timings()
	if err != nil {
		return err
	}
	if timings.MinDelay > timings.MaxDelay {
		return fmt.Errorf("loader min delay %s exceeds max delay %s", timings.MinDelay, timings.MaxDelay)
	}
	if timings.MaxDelay > MaxDelayCap {
		return fmt.Errorf("loader max delay %s exceeds cap %s", timings.MaxDelay, MaxDelayCap)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

// Apply configures the global logger
func (l LogConfig) Apply() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

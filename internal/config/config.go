// Package config holds the typed application configuration loaded by viper
// from pagesaver.yaml, PAGESAVER_* environment variables and command flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pagesaver/navguard"
)

// EnvPrefix is the prefix of environment overrides: capture.timeout is read
// from PAGESAVER_CAPTURE_TIMEOUT.
const EnvPrefix = "PAGESAVER"

// Config is the root configuration structure.
type Config struct {
	Logger  LoggerConfig    `mapstructure:"logger"`
	Capture CaptureConfig   `mapstructure:"capture"`
	Browser BrowserConfig   `mapstructure:"browser"`
	Server  ServerConfig    `mapstructure:"server"`
	Guard   navguard.Policy `mapstructure:"guard"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// CaptureConfig tunes the capture pipeline.
type CaptureConfig struct {
	Renderer             string            `mapstructure:"renderer"`
	OutDir               string            `mapstructure:"out_dir"`
	RulesFile            string            `mapstructure:"rules_file"`
	Timeout              time.Duration     `mapstructure:"timeout"`
	FetchTimeout         time.Duration     `mapstructure:"fetch_timeout"`
	MaxConcurrentFetches int               `mapstructure:"max_concurrent_fetches"`
	MaxImageWidth        int               `mapstructure:"max_image_width"`
	MaxImageBytes        int64             `mapstructure:"max_image_bytes"`
	ScreenWidth          int               `mapstructure:"screen_width"`
	ScreenHeight         int               `mapstructure:"screen_height"`
	UserAgent            string            `mapstructure:"user_agent"`
	Headers              map[string]string `mapstructure:"headers"`
}

// BrowserConfig holds settings for the headless browser renderer.
type BrowserConfig struct {
	ExecPath     string        `mapstructure:"exec_path"`
	WaitSelector string        `mapstructure:"wait_selector"`
	NetworkIdle  time.Duration `mapstructure:"network_idle"`
	Settle       time.Duration `mapstructure:"settle"`
}

// ServerConfig holds settings for the HTTP server.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	SitesDir    string `mapstructure:"sites_dir"`
	MaxParallel int64  `mapstructure:"max_parallel"`
}

// Renderers understood by the capture commands.
const (
	RendererHTTP   = "http"
	RendererChrome = "chrome"
)

// SetDefaults registers the default value of every key so that environment
// overrides work without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagesaver")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", false)

	v.SetDefault("capture.renderer", RendererHTTP)
	v.SetDefault("capture.out_dir", ".")
	v.SetDefault("capture.rules_file", "")
	v.SetDefault("capture.timeout", 30*time.Second)
	v.SetDefault("capture.fetch_timeout", 8*time.Second)
	v.SetDefault("capture.max_concurrent_fetches", 8)
	v.SetDefault("capture.max_image_width", 0)
	v.SetDefault("capture.max_image_bytes", 0)
	v.SetDefault("capture.screen_width", 1280)
	v.SetDefault("capture.screen_height", 800)
	v.SetDefault("capture.user_agent", "")
	v.SetDefault("capture.headers", map[string]string{})

	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.wait_selector", "")
	v.SetDefault("browser.network_idle", 500*time.Millisecond)
	v.SetDefault("browser.settle", time.Duration(0))

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.sites_dir", "config/sites")
	v.SetDefault("server.max_parallel", 4)

	def := navguard.DefaultPolicy()
	v.SetDefault("guard.timer_tokens", def.TimerTokens)
	v.SetDefault("guard.script_tokens", def.ScriptTokens)
	v.SetDefault("guard.scan_interval", def.ScanInterval)
}

// NewViper returns a viper instance with defaults and environment overrides.
// When file is empty pagesaver.yaml is looked up in the working directory
// and in $HOME/.config/pagesaver; a missing file is not an error.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Short names kept from the standalone server.
	_ = v.BindEnv("server.sites_dir", "PAGESAVER_SERVER_SITES_DIR", "PAGESAVER_SITES_DIR")
	_ = v.BindEnv("server.max_parallel", "PAGESAVER_SERVER_MAX_PARALLEL", "PAGESAVER_MAX_PARALLEL")

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pagesaver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/pagesaver")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Capture.Renderer = strings.ToLower(strings.TrimSpace(cfg.Capture.Renderer))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Capture.Renderer {
	case RendererHTTP, RendererChrome:
	default:
		return fmt.Errorf("config: capture.renderer must be %q or %q, got %q", RendererHTTP, RendererChrome, c.Capture.Renderer)
	}
	if c.Capture.Timeout <= 0 {
		return errors.New("config: capture.timeout must be positive")
	}
	if c.Capture.FetchTimeout <= 0 {
		return errors.New("config: capture.fetch_timeout must be positive")
	}
	if c.Capture.MaxConcurrentFetches <= 0 {
		return errors.New("config: capture.max_concurrent_fetches must be positive")
	}
	if c.Capture.MaxImageWidth < 0 || c.Capture.MaxImageBytes < 0 {
		return errors.New("config: image limits must not be negative")
	}
	if c.Server.MaxParallel <= 0 {
		return errors.New("config: server.max_parallel must be positive")
	}
	switch strings.ToLower(c.Logger.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("config: logger.format must be console or json, got %q", c.Logger.Format)
	}
	return nil
}

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, RendererHTTP, cfg.Capture.Renderer)
	assert.Equal(t, 30*time.Second, cfg.Capture.Timeout)
	assert.Equal(t, 8*time.Second, cfg.Capture.FetchTimeout)
	assert.Equal(t, 8, cfg.Capture.MaxConcurrentFetches)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(4), cfg.Server.MaxParallel)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, 100*time.Millisecond, cfg.Guard.ScanInterval)
	assert.Contains(t, cfg.Guard.TimerTokens, "location")
}

func TestLoadFromYAML(t *testing.T) {
	yamlConfig := []byte(`
capture:
  renderer: Chrome
  timeout: 45s
  max_image_width: 1600
  headers:
    Accept-Language: de-DE
browser:
  wait_selector: "#content"
  network_idle: 1s
guard:
  timer_tokens: ["location", "evil.example"]
`)
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, RendererChrome, cfg.Capture.Renderer)
	assert.Equal(t, 45*time.Second, cfg.Capture.Timeout)
	assert.Equal(t, 1600, cfg.Capture.MaxImageWidth)
	assert.Equal(t, "de-DE", cfg.Capture.Headers["accept-language"], "viper lowercases map keys")
	assert.Equal(t, "#content", cfg.Browser.WaitSelector)
	assert.Equal(t, time.Second, cfg.Browser.NetworkIdle)
	assert.Equal(t, []string{"location", "evil.example"}, cfg.Guard.TimerTokens)
	assert.Equal(t, 8*time.Second, cfg.Capture.FetchTimeout, "unset keys keep defaults")
}

func TestNewViperFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\ncapture:\n  timeout: 10s\n"), 0o644))
	t.Setenv("PAGESAVER_CAPTURE_TIMEOUT", "12s")
	t.Setenv("PAGESAVER_LOGGER_LEVEL", "debug")
	t.Setenv("PAGESAVER_SITES_DIR", "/srv/sites")

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 12*time.Second, cfg.Capture.Timeout, "environment beats the file")
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "/srv/sites", cfg.Server.SitesDir)

	_, err = NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := Load(v)
		require.NoError(t, err)
		return cfg
	}
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"renderer", func(c *Config) { c.Capture.Renderer = "lynx" }},
		{"timeout", func(c *Config) { c.Capture.Timeout = 0 }},
		{"fetch timeout", func(c *Config) { c.Capture.FetchTimeout = -time.Second }},
		{"fan out", func(c *Config) { c.Capture.MaxConcurrentFetches = 0 }},
		{"image width", func(c *Config) { c.Capture.MaxImageWidth = -1 }},
		{"parallel", func(c *Config) { c.Server.MaxParallel = 0 }},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, valid().Validate())
}

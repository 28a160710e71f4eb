package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SiteConfig overrides capture settings for a host and its subdomains.
type SiteConfig struct {
	// Renderer is "http" or "chrome". Empty keeps the server default.
	Renderer string            `json:"renderer" yaml:"renderer"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers"`
}

// siteFileExts are tried in order for every domain suffix.
var siteFileExts = []string{".json", ".yaml", ".yml"}

// siteDirectory resolves SiteConfig files named after a domain, such as
// example.com.yaml, in one directory. Lookups are memoised per host,
// misses included, for the life of the server.
type siteDirectory struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	hosts map[string]*SiteConfig
}

func newSiteDirectory(dir string, logger *zap.Logger) *siteDirectory {
	return &siteDirectory{dir: dir, logger: logger, hosts: map[string]*SiteConfig{}}
}

// Lookup returns the config of the most specific domain suffix of the
// target's host that has a file, or nil.
func (d *siteDirectory) Lookup(target string) *SiteConfig {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" || d.dir == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())

	d.mu.RLock()
	cfg, seen := d.hosts[host]
	d.mu.RUnlock()
	if seen {
		return cfg
	}

	for _, domain := range domainSuffixes(host) {
		if cfg = d.read(domain); cfg != nil {
			break
		}
	}
	d.mu.Lock()
	d.hosts[host] = cfg
	d.mu.Unlock()
	return cfg
}

// domainSuffixes lists news.example.com as news.example.com, example.com, com.
func domainSuffixes(host string) []string {
	var out []string
	for rest := host; rest != ""; {
		out = append(out, rest)
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
	}
	return out
}

func (d *siteDirectory) read(domain string) *SiteConfig {
	for _, ext := range siteFileExts {
		path := filepath.Join(d.dir, domain+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			d.logger.Warn("site config unreadable", zap.String("path", path), zap.Error(err))
			return nil
		}
		cfg, err := decodeSiteConfig(data, ext)
		if err != nil {
			d.logger.Warn("site config ignored", zap.String("path", path), zap.Error(err))
			return nil
		}
		d.logger.Debug("site config loaded", zap.String("path", path), zap.String("renderer", cfg.Renderer))
		return cfg
	}
	return nil
}

func decodeSiteConfig(data []byte, ext string) (*SiteConfig, error) {
	var cfg SiteConfig
	var err error
	if ext == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, err
	}
	cfg.Renderer = strings.ToLower(strings.TrimSpace(cfg.Renderer))
	switch cfg.Renderer {
	case "", "http", "chrome":
	default:
		return nil, fmt.Errorf("unknown renderer %q", cfg.Renderer)
	}
	return &cfg, nil
}

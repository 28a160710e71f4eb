package server

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"pagesaver/capture"
)

const defaultIndexHTML = `<!DOCTYPE html>
<html><head><meta charset="UTF-8"><title>pagesaver</title></head><body>
<h1>pagesaver</h1>
<form action="/save" method="get">
<h3>Save a page as one HTML file</h3>
URL: <input name="url" size="60"><br>
<button type="submit">Save</button>
</form>
</body></html>`

const (
	defaultSitesDir    = "config/sites"
	defaultMaxParallel = 4
)

// Config describes server wiring and runtime behaviour.
type Config struct {
	IndexHTML string
	SitesDir  string
	Logger    *zap.Logger
	// Capture is the base capture configuration. Site configs add headers
	// and pick the renderer per host.
	Capture capture.Options
	// Browser renders hosts configured with the chrome renderer. Nil makes
	// every capture use the plain HTTP source.
	Browser capture.Source
	// MaxParallel bounds the number of captures running at once.
	MaxParallel int64
}

// DefaultConfig populates configuration from environment variables.
func DefaultConfig() Config {
	cfg := Config{
		IndexHTML:   defaultIndexHTML,
		SitesDir:    strings.TrimSpace(os.Getenv("PAGESAVER_SITES_DIR")),
		MaxParallel: defaultMaxParallel,
	}
	if cfg.SitesDir == "" {
		cfg.SitesDir = defaultSitesDir
	}
	if raw := strings.TrimSpace(os.Getenv("PAGESAVER_MAX_PARALLEL")); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			cfg.MaxParallel = n
		}
	}
	return cfg
}

// Server exposes the capture pipeline over HTTP.
type Server struct {
	cfg      Config
	router   chi.Router
	logger   *zap.Logger
	sites    *siteDirectory
	inflight *inflightSet
	slots    *semaphore.Weighted
}

// New wires a server with the provided configuration.
func New(cfg Config) *Server {
	if cfg.IndexHTML == "" {
		cfg.IndexHTML = defaultIndexHTML
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.Capture.Logger == nil {
		cfg.Capture.Logger = cfg.Logger.Named("capture")
	}
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		logger:   cfg.Logger,
		sites:    newSiteDirectory(cfg.SitesDir, cfg.Logger.Named("sites")),
		inflight: newInflightSet(),
		slots:    semaphore.NewWeighted(cfg.MaxParallel),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler { return s }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(withLogging(s.logger.Named("http")))
	s.router.Get("/", s.handleRoot)
	s.router.Get("/save", s.handleSave)
	s.router.Get("/ping", s.handlePing)
}

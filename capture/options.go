package capture

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"pagesaver/navguard"
)

// DefaultUserAgent is sent with page and resource requests unless the caller
// provides its own User-Agent header.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 pagesaver/1.0"

const (
	defaultTimeout       = 30 * time.Second
	defaultFetchTimeout  = 8 * time.Second
	defaultMaxConcurrent = 8
	defaultScreenW       = 1280
	defaultScreenH       = 800
)

// Options configures one Capturer. The zero value is usable.
type Options struct {
	Logger *zap.Logger

	// Source loads the live page. Nil means HTTPSource.
	Source Source
	// Rules is the removal policy table. Nil means DefaultRules.
	Rules *RemovalRules
	// Guard controls the redirect guard embedded in the output.
	// A zero policy means navguard.DefaultPolicy.
	Guard navguard.Policy

	Header http.Header
	Jar    http.CookieJar
	Client *http.Client

	// Timeout bounds the whole capture.
	Timeout time.Duration
	// FetchTimeout bounds each page, stylesheet and image request.
	FetchTimeout time.Duration
	// MaxConcurrentFetches limits the fan-out of a single stage.
	MaxConcurrentFetches int

	// MaxImageWidth downscales wider raster images when > 0.
	MaxImageWidth int
	// MaxImageBytes leaves larger images as external references when > 0.
	MaxImageBytes int64

	// ScreenW and ScreenH drive @media evaluation in the style cascade.
	ScreenW int
	ScreenH int

	// Progress receives stage updates. It is called from the capture
	// goroutine and from image fetch goroutines, never concurrently.
	Progress func(Progress)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Source == nil {
		o.Source = HTTPSource{}
	}
	if o.Rules == nil {
		o.Rules = DefaultRules()
	}
	if o.Guard.IsZero() {
		o.Guard = navguard.DefaultPolicy()
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.MaxConcurrentFetches <= 0 {
		o.MaxConcurrentFetches = defaultMaxConcurrent
	}
	if o.ScreenW <= 0 {
		o.ScreenW = defaultScreenW
	}
	if o.ScreenH <= 0 {
		o.ScreenH = defaultScreenH
	}
	return o
}

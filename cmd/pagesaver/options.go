package main

import (
	"net/http"
	"net/http/cookiejar"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"pagesaver/capture"
	"pagesaver/internal/config"
)

// captureOptions translates the configuration into capture options. The
// source is left nil (plain HTTP) unless browser is set and the configured
// renderer asks for it.
func captureOptions(cfg *config.Config, logger *zap.Logger, browser capture.Source) (capture.Options, error) {
	hdr := http.Header{}
	for k, v := range cfg.Capture.Headers {
		hdr.Set(k, v)
	}
	if cfg.Capture.UserAgent != "" {
		hdr.Set("User-Agent", cfg.Capture.UserAgent)
	}

	opts := capture.Options{
		Logger:               logger.Named("capture"),
		Guard:                cfg.Guard,
		Header:               hdr,
		Timeout:              cfg.Capture.Timeout,
		FetchTimeout:         cfg.Capture.FetchTimeout,
		MaxConcurrentFetches: cfg.Capture.MaxConcurrentFetches,
		MaxImageWidth:        cfg.Capture.MaxImageWidth,
		MaxImageBytes:        cfg.Capture.MaxImageBytes,
		ScreenW:              cfg.Capture.ScreenWidth,
		ScreenH:              cfg.Capture.ScreenHeight,
	}
	if cfg.Capture.RulesFile != "" {
		rules, err := capture.LoadRules(cfg.Capture.RulesFile)
		if err != nil {
			return capture.Options{}, err
		}
		opts.Rules = rules
	}
	if cfg.Capture.Renderer == config.RendererChrome && browser != nil {
		opts.Source = browser
	}
	return opts, nil
}

func newCookieJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil
	}
	return jar
}

func browserOptions(cfg *config.Config) capture.BrowserOptions {
	return capture.BrowserOptions{
		ExecPath:     cfg.Browser.ExecPath,
		WaitSelector: cfg.Browser.WaitSelector,
		NetworkIdle:  cfg.Browser.NetworkIdle,
		Settle:       cfg.Browser.Settle,
	}
}

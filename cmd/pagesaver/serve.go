package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pagesaver/capture"
	"pagesaver/internal/server"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve captures over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "listen address, e.g. :80 or 0.0.0.0:8080")
	f.String("sites-dir", "", "directory of per-site JSON configs")
	f.Int64("max-parallel", 0, "captures running at once")
	f.String("renderer", "", "default page renderer: http or chrome")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	addr := a.cfg.Server.Addr
	if env := os.Getenv("PORT"); env != "" {
		addr = ":" + env
	}

	// The allocator starts Chrome lazily, so sites configured for the
	// chrome renderer cost nothing until one is requested.
	browser := capture.NewBrowserSource(a.logger, browserOptions(a.cfg))
	defer browser.Close()

	opts, err := captureOptions(a.cfg, a.logger, browser)
	if err != nil {
		return err
	}
	scfg := server.DefaultConfig()
	scfg.SitesDir = a.cfg.Server.SitesDir
	scfg.MaxParallel = a.cfg.Server.MaxParallel
	scfg.Logger = a.logger.Named("http")
	scfg.Capture = opts
	scfg.Browser = browser
	handler := server.New(scfg)

	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      a.cfg.Capture.Timeout + time.Minute,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(a.logger.Named("httperr")),
		ConnState: func(c net.Conn, s http.ConnState) {
			a.logger.Debug("conn", zap.String("state", s.String()), zap.String("remote", c.RemoteAddr().String()))
		},
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

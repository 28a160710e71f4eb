package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pagesaver/capture"
	"pagesaver/internal/config"
)

func newSaveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save URL...",
		Short: "Capture pages into the output directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.save(cmd.Context(), args, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringP("out", "o", "", "output directory")
	f.String("renderer", "", "page renderer: http or chrome")
	f.Duration("timeout", 0, "bound on one whole capture")
	f.String("rules", "", "removal rules YAML file")
	f.Int("max-image-width", 0, "downscale wider images to this width")
	f.Int64("max-image-bytes", 0, "leave larger images as external references")
	f.String("wait-selector", "", "chrome renderer: selector to wait for")
	return cmd
}

// save captures each target in turn. A failed target does not stop the
// others; the failures are reported together.
func (a *app) save(ctx context.Context, targets []string, stdout io.Writer) error {
	var browser *capture.BrowserSource
	if a.cfg.Capture.Renderer == config.RendererChrome {
		browser = capture.NewBrowserSource(a.logger, browserOptions(a.cfg))
		defer browser.Close()
	}
	outDir := a.cfg.Capture.OutDir
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}

	var errs []error
	for _, raw := range targets {
		target, err := capture.NormalizeURL(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", raw, err))
			continue
		}
		path, res, err := a.saveOne(ctx, target, outDir, browser)
		if err != nil {
			fmt.Fprintf(stdout, "failed %s: %v\n", target, err)
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Fprintf(stdout, "saved %s (%d images inlined, %d failed, %d nodes removed)\n",
			path, res.Stats.ImagesInlined, res.Stats.ImagesFailed, res.Stats.NodesRemoved)
	}
	return errors.Join(errs...)
}

func (a *app) saveOne(ctx context.Context, target, outDir string, browser *capture.BrowserSource) (string, *capture.Result, error) {
	var src capture.Source
	if browser != nil {
		src = browser
	}
	opts, err := captureOptions(a.cfg, a.logger, src)
	if err != nil {
		return "", nil, err
	}
	opts.Jar = newCookieJar()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + target
	opts.Progress = func(p capture.Progress) {
		s.Lock()
		s.Suffix = fmt.Sprintf(" %s: %s", target, p)
		s.Unlock()
	}

	c, err := capture.NewCapturer(opts)
	if err != nil {
		return "", nil, err
	}
	s.Start()
	res, err := c.Capture(ctx, target)
	s.Stop()
	if err != nil {
		return "", nil, err
	}

	path := filepath.Join(outDir, res.Filename)
	if err := os.WriteFile(path, []byte(res.HTML), 0o644); err != nil {
		return "", nil, fmt.Errorf("write %s: %w", path, err)
	}
	a.logger.Info("page saved", zap.String("url", target), zap.String("path", path), zap.Int("bytes", len(res.HTML)))
	return path, res, nil
}

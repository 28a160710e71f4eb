package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"pagesaver/internal/config"
	"pagesaver/internal/observability"
)

// Version is set at build time.
var Version = "dev"

// flagKeys maps command flags onto configuration keys. A flag given on the
// command line beats the environment, which beats the config file.
var flagKeys = map[string]string{
	"out":             "capture.out_dir",
	"renderer":        "capture.renderer",
	"timeout":         "capture.timeout",
	"rules":           "capture.rules_file",
	"max-image-width": "capture.max_image_width",
	"max-image-bytes": "capture.max_image_bytes",
	"wait-selector":   "browser.wait_selector",
	"addr":            "server.addr",
	"sites-dir":       "server.sites_dir",
	"max-parallel":    "server.max_parallel",
	"log-level":       "logger.level",
}

// app is the state shared by the subcommands once the configuration is
// loaded.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}
	root := &cobra.Command{
		Use:           "pagesaver",
		Short:         "Save web pages as single self-contained HTML files",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./pagesaver.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(newSaveCmd(a))
	root.AddCommand(newServeCmd(a))
	return root
}

// load reads the configuration, binds the flags of cmd and builds the logger.
func (a *app) load(cmd *cobra.Command) error {
	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return err
	}
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.v = v
	a.cfg = cfg
	a.logger = observability.NewLogger(cfg.Logger)
	a.logger.Debug("configuration loaded",
		zap.String("file", v.ConfigFileUsed()),
		zap.String("renderer", cfg.Capture.Renderer),
		zap.Duration("timeout", cfg.Capture.Timeout))
	return nil
}

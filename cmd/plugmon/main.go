// Command plugmon runs the plugin usage monitor against a host described by a
// YAML manifest: it serves the reporting surface, runs the background content
// scan, and offers operator commands over the same evidence database.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/usage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand shares: the bound flags and the logger.
type app struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:          "plugmon",
		Short:        "Collect evidence of which installed modules a site actually uses",
		Version:      usage.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(a.v.GetString("log-level"), a.v.GetString("log-format"), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.String("db", "", "evidence database path (overrides db_path)")
	pf.String("manifest", "", "host manifest path (overrides manifest_path)")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.String("log-format", "json", "json or text")

	a.v.SetEnvPrefix("PLUGMON")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(pf)

	root.AddCommand(
		a.serveCmd(),
		a.listCmd(),
		a.fingerprintCmd(),
		a.scanCmd(),
		a.resetCmd(),
		hashTokenCmd(),
	)
	return root
}

// config loads the config file, when given, and applies flag and
// environment overrides on top.
func (a *app) config() (*usage.Config, error) {
	cfg := &usage.Config{}
	if path := a.v.GetString("config"); path != "" {
		loaded, err := usage.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if db := a.v.GetString("db"); db != "" {
		cfg.DBPath = db
	}
	if mf := a.v.GetString("manifest"); mf != "" {
		cfg.ManifestPath = mf
	}
	if addr := a.v.GetString("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	if hash := a.v.GetString("admin-token-hash"); hash != "" {
		cfg.AdminTokenHash = hash
	}
	cfg.Defaults()
	return cfg, nil
}

// open builds the monitor over the configured manifest.
func (a *app) open() (*usage.Monitor, *bridge.Manifest, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	if cfg.ManifestPath == "" {
		return nil, nil, errors.New("no manifest: set manifest_path, --manifest or PLUGMON_MANIFEST")
	}
	host, err := bridge.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, nil, err
	}
	m, err := usage.New(cfg, host, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return m, host, nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	switch format {
	case "json", "":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "text":
		lvl, err := charmlog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		h := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           lvl,
			ReportTimestamp: true,
			Prefix:          "plugmon",
		})
		return slog.New(h), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/kwv/gpamesh/mesh"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLIApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCLIApp(out io.Writer) *cli.App {
	var logger *zap.SugaredLogger

	return &cli.App{
		Name:            "gpamesh",
		Usage:           "align groups of 3-D landmark shapes with generalized Procrustes analysis",
		Version:         Version,
		Writer:          out,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			l, err := buildLogger(c.Bool("debug"))
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "align",
				Usage: "align every shape in a directory and write the results",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "directory containing shape files"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "directory for aligned shapes"},
					&cli.StringFlag{Name: "pattern", Usage: "comma separated glob of shape files"},
					&cli.StringFlag{Name: "reference", Usage: "file name of the shape that seeds the mean"},
					&cli.StringFlag{Name: "mode", Usage: "rigid or similarity"},
					&cli.IntFlag{Name: "max-iterations", Usage: "iteration cap"},
					&cli.Float64Flag{Name: "tolerance", Usage: "relative disparity decrease that counts as converged"},
					&cli.IntFlag{Name: "workers", Usage: "parallel shape alignments, 0 for GOMAXPROCS"},
					&cli.BoolFlag{Name: "transforms", Usage: "write an ITK transform file per shape"},
					&cli.BoolFlag{Name: "geojson", Usage: "write alignment.geojson"},
				},
				Action: func(c *cli.Context) error {
					app, err := loadApp(c, logger, out)
					if err != nil {
						return err
					}
					applyAlignFlags(c, app.Config)
					if err := app.Config.Validate(); err != nil {
						return err
					}
					_, err = app.RunAlign(c.Context)
					return err
				},
			},
			{
				Name:  "inspect",
				Usage: "list shapes in a directory or summarize a saved result",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "directory containing shape files"},
					&cli.StringFlag{Name: "pattern", Usage: "comma separated glob of shape files"},
					&cli.StringFlag{Name: "result", Usage: "summarize a saved result `FILE` instead"},
				},
				Action: func(c *cli.Context) error {
					app, err := loadApp(c, logger, out)
					if err != nil {
						return err
					}
					if path := c.String("result"); path != "" {
						return app.RunSummary(path)
					}
					applyAlignFlags(c, app.Config)
					return app.RunInspect()
				},
			},
			{
				Name:  "serve",
				Usage: "serve alignment requests over HTTP and optionally MQTT",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "http-port", Usage: "HTTP server port"},
					&cli.BoolFlag{Name: "mqtt", Usage: "subscribe to alignment requests on the configured broker"},
					&cli.StringFlag{Name: "cache", Value: ".latest-result.json", Usage: "latest result cache `FILE`, empty to disable"},
				},
				Action: func(c *cli.Context) error {
					app, err := loadApp(c, logger, out)
					if err != nil {
						return err
					}
					if c.IsSet("http-port") {
						app.Config.HTTP.Port = c.Int("http-port")
					}
					app.Store = mesh.NewResultStoreWithCache(mesh.DefaultHistoryLimit, c.String("cache"), logger)
					return app.RunService(c.Context, c.Bool("mqtt"))
				},
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(out, "gpamesh version: %s\n", Version)
					return nil
				},
			},
		},
	}
}

func buildLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		l, err = cfg.Build()
	}
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

// loadApp reads the config file. A missing file is only an error when
// --config was given explicitly; otherwise defaults are used.
func loadApp(c *cli.Context, logger *zap.SugaredLogger, out io.Writer) (*App, error) {
	path := c.String("config")
	config, err := mesh.LoadConfig(path)
	if err != nil {
		if c.IsSet("config") {
			return nil, err
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, err
		}
		logger.Infof("No config at %s, using defaults", path)
		config = mesh.DefaultConfig()
		config.ApplyEnv()
	} else {
		logger.Infof("Loaded config from %s", path)
	}
	return NewApp(config, logger, out), nil
}

// applyAlignFlags lets command flags override the config file.
func applyAlignFlags(c *cli.Context, config *mesh.Config) {
	if c.IsSet("input") {
		config.Input.Dir = c.String("input")
	}
	if c.IsSet("pattern") {
		config.Input.Pattern = c.String("pattern")
	}
	if c.IsSet("reference") {
		config.Input.Reference = c.String("reference")
	}
	if c.IsSet("output") {
		config.Output.Dir = c.String("output")
	}
	if c.IsSet("mode") {
		config.Alignment.Mode = c.String("mode")
	}
	if c.IsSet("max-iterations") {
		config.Alignment.MaxIterations = c.Int("max-iterations")
	}
	if c.IsSet("tolerance") {
		config.Alignment.Tolerance = c.Float64("tolerance")
	}
	if c.IsSet("workers") {
		config.Alignment.Workers = c.Int("workers")
	}
	if c.IsSet("transforms") {
		config.Output.WriteTransforms = c.Bool("transforms")
	}
	if c.IsSet("geojson") {
		config.Output.WriteGeoJSON = c.Bool("geojson")
	}
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"

	"github.com/fxnlabs/nn-gpu/internal/app"
	"github.com/fxnlabs/nn-gpu/internal/config"
)

func main() {
	var configPath string
	var cfg *config.Config

	cliApp := &cli.App{
		Name:  "nngpu",
		Usage: "Run and tune neural-network kernels on a compute device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       filepath.Join(config.GetDefaultConfigHome(), "config.yaml"),
				Usage:       "Path to the configuration file",
				EnvVars:     []string{"NNGPU_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Override logger.verbosity",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			cfg, err = loadConfig(configPath)
			if err != nil {
				return err
			}
			if v := c.String("verbosity"); v != "" {
				cfg.Logger.Verbosity = v
			}
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(&cfg),
			runCommand(&cfg),
			tuneCommand(&cfg),
			cacheCommand(&cfg),
			serveCommand(&cfg),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to the defaults when it does not
// exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// start builds and starts the application, filling targets. The returned
// func stops it.
func start(c *cli.Context, cfg *config.Config, targets ...interface{}) (func() error, error) {
	fxApp := fx.New(app.Module(cfg), fx.NopLogger, fx.Populate(targets...))
	if err := fxApp.Err(); err != nil {
		return nil, err
	}
	if err := fxApp.Start(c.Context); err != nil {
		return nil, err
	}
	return func() error { return fxApp.Stop(c.Context) }, nil
}

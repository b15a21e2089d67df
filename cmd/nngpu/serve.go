package main

import (
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/app"
	"github.com/fxnlabs/nn-gpu/internal/config"
	"github.com/fxnlabs/nn-gpu/internal/executor"
)

func serveCommand(cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Keep the driver running and expose metrics until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "metrics", Usage: "override metrics.listenAddress", Value: ":9464"},
		},
		Action: func(c *cli.Context) error {
			conf := **cfg
			if addr := c.String("metrics"); addr != "" {
				conf.Metrics.ListenAddress = addr
			}
			fx.New(
				app.Module(&conf),
				fx.NopLogger,
				fx.Invoke(func(d *executor.Driver, log *zap.Logger) {
					caps := d.Capabilities()
					log.Info("Driver ready",
						zap.String("metrics", conf.Metrics.ListenAddress),
						zap.Float32("execTime", caps.ExecTime),
						zap.Float32("powerUsage", caps.PowerUsage))
				}),
			).Run()
			return nil
		},
	}
}

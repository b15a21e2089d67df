package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/nn-gpu/internal/config"
	"github.com/fxnlabs/nn-gpu/internal/executor"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/model"
	"github.com/fxnlabs/nn-gpu/internal/tuning"
)

func tuneCommand(cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:  "tune",
		Usage: "Tune a convolution shape and persist the winner",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "search again even when the store or defaults have the shape"},
		}, convFlags...),
		Action: func(c *cli.Context) error {
			shape, err := parseConvShape(c)
			if err != nil {
				return err
			}
			conf := **cfg
			conf.Tuning.Enabled = true
			conf.Tuning.Force = c.Bool("force")
			var driver *executor.Driver
			var tc *tuning.Context
			stop, err := start(c, &conf, &driver, &tc)
			if err != nil {
				return err
			}
			defer stop()

			m := shape.model()
			desc, err := kernel.Describe(m, m.Operations[0], model.NewValues(m, nil))
			if err != nil {
				return err
			}
			p, err := driver.Prepare(m)
			if err != nil {
				return err
			}
			defer p.Close()

			winner, ok := tc.Cache().Get(desc.Signature())
			if !ok {
				return fmt.Errorf("no tuning result for %s", desc.Signature())
			}
			fmt.Printf("%s: %s (%d searches)\n", desc.Signature(), winner, tc.Searches())
			return nil
		},
	}
}

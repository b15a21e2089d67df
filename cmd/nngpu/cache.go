package main

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/nn-gpu/internal/config"
	"github.com/fxnlabs/nn-gpu/internal/tuning"
)

func cacheCommand(cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect tuning results",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List persisted tuning results",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "defaults", Usage: "list the compiled-in table instead"},
				},
				Action: func(c *cli.Context) error {
					var store tuning.Store
					if c.Bool("defaults") {
						d, err := tuning.Defaults()
						if err != nil {
							return err
						}
						store = d
					} else {
						path := config.ExpandHome((*cfg).Tuning.StorePath)
						if path == "" {
							return fmt.Errorf("tuning.storePath is not set")
						}
						store = tuning.NewFileStore(path)
					}
					entries, err := store.All()
					if err != nil {
						return err
					}
					keys := make([]string, 0, len(entries))
					for k := range entries {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Printf("%s\t%s\n", k, entries[k])
					}
					return nil
				},
			},
		},
	}
}

package main

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/nn-gpu/internal/config"
	"github.com/fxnlabs/nn-gpu/internal/executor"
	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
)

func infoCommand(cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the device, its limits and the supported operations",
		Action: func(c *cli.Context) error {
			var devices *gpu.Manager
			var driver *executor.Driver
			stop, err := start(c, *cfg, &devices, &driver)
			if err != nil {
				return err
			}
			defer stop()

			figure.NewFigure("nn-gpu", "", true).Print()
			fmt.Println()

			info := devices.GetDeviceInfo()
			fmt.Printf("Backend:            %s\n", devices.GetBackendType())
			fmt.Printf("Device:             %s (%s)\n", info.Name, info.ComputeCapability)
			fmt.Printf("Memory:             %d MB\n", info.TotalMemory/(1024*1024))

			l := devices.Device().Limits()
			fmt.Printf("Workgroup size:     %d invocations, %v per axis\n", l.MaxWorkgroupInvocations, l.MaxWorkgroupSize)
			fmt.Printf("Workgroup count:    %v\n", l.MaxWorkgroupCount)

			caps := driver.Capabilities()
			fmt.Printf("Capabilities:       exec time %.2f, power %.2f\n", caps.ExecTime, caps.PowerUsage)

			fmt.Println("Operations:")
			for _, t := range kernel.Kinds() {
				k, _ := kernel.Lookup(t)
				tuned := ""
				if k.Tunable() {
					tuned = " (tuned)"
				}
				fmt.Printf("  %3d  %s%s\n", int(t), t, tuned)
			}
			return nil
		},
	}
}

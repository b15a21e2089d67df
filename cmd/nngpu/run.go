package main

import (
	"fmt"
	"math"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/nn-gpu/internal/config"
	"github.com/fxnlabs/nn-gpu/internal/executor"
	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/model"
	"github.com/fxnlabs/nn-gpu/internal/reference"
)

// convShape is a single-convolution model described on the command line.
type convShape struct {
	batch, height, width, channels int
	outChannels, filter, stride    int
	padding                        model.PaddingScheme
	activation                     model.FuseCode
}

var convFlags = []cli.Flag{
	&cli.IntFlag{Name: "batch", Value: 1},
	&cli.IntFlag{Name: "height", Value: 8},
	&cli.IntFlag{Name: "width", Value: 8},
	&cli.IntFlag{Name: "channels", Value: 4},
	&cli.IntFlag{Name: "out-channels", Value: 1},
	&cli.IntFlag{Name: "filter", Value: 3, Usage: "square filter size"},
	&cli.IntFlag{Name: "stride", Value: 1},
	&cli.StringFlag{Name: "padding", Value: "valid", Usage: "same or valid"},
	&cli.StringFlag{Name: "activation", Value: "none", Usage: "none, relu, relu1 or relu6"},
}

func parseConvShape(c *cli.Context) (convShape, error) {
	s := convShape{
		batch:       c.Int("batch"),
		height:      c.Int("height"),
		width:       c.Int("width"),
		channels:    c.Int("channels"),
		outChannels: c.Int("out-channels"),
		filter:      c.Int("filter"),
		stride:      c.Int("stride"),
	}
	switch c.String("padding") {
	case "same":
		s.padding = model.PaddingSame
	case "valid":
		s.padding = model.PaddingValid
	default:
		return s, fmt.Errorf("unknown padding %q", c.String("padding"))
	}
	switch c.String("activation") {
	case "none":
		s.activation = model.FuseNone
	case "relu":
		s.activation = model.FuseRelu
	case "relu1":
		s.activation = model.FuseRelu1
	case "relu6":
		s.activation = model.FuseRelu6
	default:
		return s, fmt.Errorf("unknown activation %q", c.String("activation"))
	}
	return s, nil
}

func (s convShape) outputSize(in int) int {
	if s.padding == model.PaddingSame {
		return (in + s.stride - 1) / s.stride
	}
	return (in-s.filter)/s.stride + 1
}

func wave(n int, phase float64) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(math.Sin(float64(i)*0.37 + phase))
	}
	return v
}

// model builds the single-convolution model of the shape.
func (s convShape) model() *model.Model {
	m, _, _ := s.build()
	return m
}

// build returns the model and its filter and bias values.
func (s convShape) build() (*model.Model, []float32, []float32) {
	filter := wave(s.outChannels*s.filter*s.filter*s.channels, 1)
	bias := wave(s.outChannels, 2)
	b := model.NewBuilder()
	in := b.Input(s.batch, s.height, s.width, s.channels)
	f := b.Constant(filter, s.outChannels, s.filter, s.filter, s.channels)
	bi := b.Constant(bias, s.outChannels)
	out := b.Output(s.batch, s.outputSize(s.height), s.outputSize(s.width), s.outChannels)
	b.Operation(model.Conv2D, []int{in, f, bi,
		b.Int(int(s.padding)), b.Int(s.stride), b.Int(s.stride), b.Int(int(s.activation))}, out)
	return b.Build(), filter, bias
}

func runCommand(cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a single convolution and check it against the CPU reference",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "repeat", Value: 3, Usage: "number of executions"},
		}, convFlags...),
		Action: func(c *cli.Context) error {
			shape, err := parseConvShape(c)
			if err != nil {
				return err
			}
			var driver *executor.Driver
			stop, err := start(c, *cfg, &driver)
			if err != nil {
				return err
			}
			defer stop()

			m, filter, bias := shape.build()
			p, err := driver.Prepare(m)
			if err != nil {
				return err
			}
			desc, err := kernel.Describe(m, m.Operations[0], model.NewValues(m, nil))
			if err != nil {
				return err
			}

			inLen := m.Operands[m.InputIndexes[0]].ElementCount()
			outLen := m.Operands[m.OutputIndexes[0]].ElementCount()
			pool := make([]byte, (inLen+outLen)*4)
			req := &model.Request{
				Inputs:  []model.RequestArgument{{Location: model.DataLocation{Length: inLen * 4}}},
				Outputs: []model.RequestArgument{{Location: model.DataLocation{Offset: inLen * 4, Length: outLen * 4}}},
				Pools:   []model.Memory{model.SharedMemory(pool)},
			}
			for i := 0; i < c.Int("repeat"); i++ {
				input := wave(inLen, float64(i))
				copy(pool, gpu.Float32ToBytes(input))
				begin := time.Now()
				if err := p.Execute(c.Context, req); err != nil {
					return err
				}
				elapsed := time.Since(begin)
				got := gpu.BytesToFloat32(pool[inLen*4:])
				status := "ok"
				if err := reference.Compare(got, reference.ConvBHWC(desc, input, filter, bias)); err != nil {
					status = err.Error()
				}
				fmt.Printf("execution %d: %v, %s\n", i, elapsed, status)
			}
			fmt.Printf("signature: %s\n", desc.Signature())
			fmt.Printf("programs compiled: %d\n", driver.Programs().Compiles())
			return nil
		},
	}
}

// Package app wires the driver and its dependencies into an fx application.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/config"
	"github.com/fxnlabs/nn-gpu/internal/executor"
	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/logger"
	"github.com/fxnlabs/nn-gpu/internal/tuning"
)

// Module provides the driver for cfg. Everything is torn down on stop:
// prepared models are closed, waiting for their executions, before the
// device is released.
func Module(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			NewLogger,
			NewDeviceManager,
			NewTuningContext,
			NewDriver,
		),
		fx.Invoke(RegisterMetricsServer),
	)
}

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
}

func NewDeviceManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	m, err := gpu.NewManager(cfg.Device, kernel.Templates(), log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return m.Cleanup()
		},
	})
	return m, nil
}

// NewTuningContext builds the tuning tiers from the configuration: the
// persistent file store when a path is set and the compiled-in defaults when
// enabled.
func NewTuningContext(cfg *config.Config, devices *gpu.Manager, log *zap.Logger) (*tuning.Context, error) {
	opts := tuning.Options{
		Enabled:      cfg.Tuning.Enabled,
		Force:        cfg.Tuning.Force,
		StrictLimits: cfg.Tuning.StrictDeviceLimits,
		Limits:       devices.Device().Limits(),
	}
	if cfg.Tuning.StorePath != "" {
		opts.Store = tuning.NewFileStore(config.ExpandHome(cfg.Tuning.StorePath))
	}
	if cfg.Tuning.UseDefaults {
		defaults, err := tuning.Defaults()
		if err != nil {
			return nil, err
		}
		opts.Defaults = defaults
	}
	return tuning.NewContext(opts, log), nil
}

func NewDriver(lc fx.Lifecycle, cfg *config.Config, devices *gpu.Manager, tc *tuning.Context, log *zap.Logger) *executor.Driver {
	d := executor.NewDriver(cfg.Capabilities, devices.Device(), tc, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return d.Close()
		},
	})
	return d
}

// RegisterMetricsServer serves /metrics on metrics.listenAddress. An empty
// address disables it.
func RegisterMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log = log.Named("metrics")

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			log.Info("Serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

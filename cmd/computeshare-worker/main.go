package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/computeshare/internal/config"
	"github.com/nmxmxh/computeshare/internal/coordinator"
	"github.com/nmxmxh/computeshare/internal/core"
	"github.com/nmxmxh/computeshare/internal/metrics"
	"github.com/nmxmxh/computeshare/internal/network"
	"github.com/nmxmxh/computeshare/internal/utils"
	"github.com/nmxmxh/computeshare/internal/worker"
)

type flags struct {
	coordinator string
	name        string
	listen      []string
	bootstrap   []string
	metricsAddr string
	noMDNS      bool
	logLevel    string
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "computeshare-worker",
		Short:        "Pull compute tasks from a coordinator and gossip signed results",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.coordinator, "coordinator", "c", "", "coordinator base URL (env COORDINATOR_URL)")
	fs.StringVarP(&f.name, "name", "n", "", "worker name (env WORKER_NAME)")
	fs.StringSliceVar(&f.listen, "listen", nil, "libp2p listen multiaddrs (env LISTEN_ADDRS)")
	fs.StringSliceVar(&f.bootstrap, "bootstrap", nil, "bootstrap peer multiaddrs with /p2p/ id (env BOOTSTRAP_PEERS)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (env METRICS_ADDR)")
	fs.BoolVar(&f.noMDNS, "no-mdns", false, "disable mDNS discovery")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	return cmd
}

// apply overrides environment values with explicitly set flags.
func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("coordinator") {
		cfg.CoordinatorURL = f.coordinator
	}
	if changed("name") {
		cfg.WorkerName = f.name
	}
	if changed("listen") {
		cfg.ListenAddrs = f.listen
	}
	if changed("bootstrap") {
		cfg.BootstrapPeers = f.bootstrap
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.noMDNS {
		cfg.EnableMDNS = false
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

func run(parent context.Context, cfg *config.Config) (err error) {
	logger := cfg.NewLogger()
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := utils.NewGracefulShutdown(cfg.ShutdownTimeout, logger)
	defer func() {
		if serr := shutdown.Shutdown(context.Background()); serr != nil && err == nil {
			err = serr
		}
	}()

	identity, err := core.NewIdentity()
	if err != nil {
		return err
	}
	logger.Info("identity generated",
		"peer_id", identity.PeerID().String(),
		"pub_key", identity.PublicKeyBase64())

	if cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(cfg.MetricsAddr, logger)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		shutdown.Register("metrics", func(context.Context) error { return srv.Shutdown() })
	}

	client, err := coordinator.New(cfg.Coordinator(), logger)
	if err != nil {
		return err
	}

	w, err := worker.New(cfg.Worker(), identity, client, logger)
	if err != nil {
		return err
	}
	if err := w.Register(ctx); err != nil {
		return err
	}

	mesh, err := network.StartMesh(ctx, cfg.Mesh(), identity.PrivKey(), logger)
	if err != nil {
		return core.WrapError(core.ErrCodeGossipFailed, "failed to start gossip mesh", err)
	}
	shutdown.Register("mesh", func(context.Context) error { return mesh.Close() })

	if err := w.Serve(ctx, mesh); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "computeshare-worker: %v\n", err)
		os.Exit(1)
	}
}

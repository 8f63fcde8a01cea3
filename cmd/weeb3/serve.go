package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/weeb3/internal/config"
	"github.com/WebFirstLanguage/weeb3/internal/logging"
	"github.com/WebFirstLanguage/weeb3/internal/metrics"
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/control"
	"github.com/WebFirstLanguage/weeb3/pkg/identity"
	"github.com/WebFirstLanguage/weeb3/pkg/joiner"
	"github.com/WebFirstLanguage/weeb3/pkg/node"
	"github.com/WebFirstLanguage/weeb3/pkg/retrieval"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/transport"
	"github.com/WebFirstLanguage/weeb3/pkg/transport/quic"
	"github.com/WebFirstLanguage/weeb3/pkg/transport/tcp"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a weeb3 node",
	Long: `Start a weeb3 node with the peers listed in the config file and serve
the control API until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// loadConfig reads the config file and applies the --control flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if controlAddr != "" {
		cfg.Control.Addr = controlAddr
	}
	return cfg, nil
}

// nodeOptions maps the configuration onto node options.
func nodeOptions(cfg *config.Config, id *identity.Identity, logger *zap.Logger, m *metrics.Metrics) node.Options {
	tc := transport.DefaultConfig()
	tc.ConnectTimeout = cfg.Network.ConnectTimeout.Duration
	registry := transport.NewRegistry()
	registry.Register(quic.New(tc))
	registry.Register(tcp.New(tc))

	return node.Options{
		Identity:  id,
		NetworkID: cfg.Node.NetworkID,
		Registry:  registry,
		Stream: &retrieval.StreamConfig{
			DialAttempts:   cfg.Network.DialAttempts,
			DialMinBackoff: cfg.Network.DialMinBackoff.Duration,
			DialMaxBackoff: cfg.Network.DialMaxBackoff.Duration,
			MaxFrameSize:   cfg.Network.MaxFrameSize,
			TLSConfig:      transport.ClientTLSConfig(constants.ALPN),
		},
		Retrieval: &retrieval.Config{
			MaxErrors:    cfg.Retrieval.MaxErrors,
			RoundTime:    cfg.Retrieval.RoundTime.Duration,
			FetchTimeout: cfg.Retrieval.FetchTimeout.Duration,
			RefreshRate:  cfg.Accounting.RefreshRate,
		},
		Joiner: &joiner.Config{
			MaxInFlight: cfg.Joiner.MaxInFlight,
			MaxDepth:    cfg.Joiner.MaxDepth,
		},
		CreditLimit:      cfg.Accounting.CreditLimit,
		BasePrice:        cfg.Accounting.BasePrice,
		RefreshRate:      cfg.Accounting.RefreshRate,
		RefreshBuffer:    cfg.Accounting.RefreshBuffer,
		CacheSize:        cfg.Retrieval.CacheSize,
		ProbeConcurrency: cfg.Feeds.ProbeConcurrency,
		ListenAddr:       cfg.Network.Listen,
		Logger:           logger,
		Metrics:          m,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.Node.IdentityPath), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	id, created, err := identity.LoadOrGenerate(cfg.Node.IdentityPath)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		logger.Info("generated new identity", zap.String("path", cfg.Node.IdentityPath))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	n, err := node.New(nodeOptions(cfg, id, logger, m))
	if err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		peerID := p.ID
		if peerID == "" {
			peerID = p.Overlay
		}
		if err := n.Connect(swarm.PeerID(peerID), p.Overlay, p.Underlay); err != nil {
			return fmt.Errorf("failed to add peer %s: %w", peerID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.Control.Addr)
	if err != nil {
		n.Stop(context.Background())
		return fmt.Errorf("failed to create control listener: %w", err)
	}
	logger.Info("control API listening", zap.String("addr", listener.Addr().String()))

	errs := make(chan error, 2)
	go func() {
		errs <- control.NewServer(n, logger).Serve(ctx, listener)
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
		logger.Error("server failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsServer != nil {
		runErr = multierr.Append(runErr, metricsServer.Shutdown(shutdownCtx))
	}
	return multierr.Append(runErr, n.Stop(shutdownCtx))
}

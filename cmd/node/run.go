package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/synnergy-mu/cluster/internal/config"
	"github.com/synnergy-mu/cluster/internal/node"
)

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("node: load config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("node: parse logging.level %q: %w", cfg.Logging.Level, err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	// internal/runtime's hot invocation path logs through the package-level
	// zap logger rather than taking one as a dependency; replace it here so
	// that path picks up the same level the rest of the process uses.
	zapLevel := zap.NewAtomicLevel()
	if err := zapLevel.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		zapLevel.SetLevel(zap.InfoLevel)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zapLevel
	zapLogger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("node: build zap logger: %w", err)
	}
	defer zapLogger.Sync()
	zap.ReplaceGlobals(zapLogger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("node: build: %w", err)
	}

	logrus.WithField("node_ip", cfg.Node.IP).WithField("gateway_addr", cfg.Gateway.ListenAddr).Info("node starting")
	if err := n.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("node: run: %w", err)
	}
	return nil
}

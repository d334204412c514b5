package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coremq-dev/coremq/internal/access"
	"github.com/coremq-dev/coremq/internal/broker"
	"github.com/coremq-dev/coremq/internal/cluster"
	"github.com/coremq-dev/coremq/internal/config"
	"github.com/coremq-dev/coremq/internal/logger"
	"github.com/coremq-dev/coremq/internal/metrics"
	"github.com/coremq-dev/coremq/internal/queue"
	"github.com/coremq-dev/coremq/internal/server"
	"github.com/coremq-dev/coremq/internal/session"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "coremq",
		Short: "CoreMQ message broker",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to the configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}

	root.AddCommand(serveCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.ReadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("error occured while reading config: %w", err)
	}

	loggerCallback := logger.Init()
	defer func() {
		_ = loggerCallback.Invoke(context.Background())
	}()
	logger.InfoF("CoreMQ starting up as node %s...", cfg.NodeName)

	m, promRegistry := metrics.New()
	metricsServer := metrics.StartServer(cfg.MetricsPort, promRegistry)

	registry := queue.NewRegistry()
	sessions := session.NewManager()
	gate := access.NewGate(cfg.ClusterNodes, cfg.AllowedReplicants)
	engine := cluster.NewEngine(cfg.NodeName, cfg.ClusterNodes, cfg.ListenPort, m)

	router := broker.NewRouter(broker.Config{
		NodeName:       cfg.NodeName,
		Registry:       registry,
		Sessions:       sessions,
		Engine:         engine,
		Gate:           gate,
		Metrics:        m,
		NoSelfDelivery: cfg.NoSelfDelivery,
	})

	srv := server.NewServer(router)
	engine.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("Shutting down CoreMQ...")
		srv.Close()
		engine.Stop()
		if metricsServer != nil {
			_ = metricsServer.Close()
		}
	}()

	if err := srv.Start(cfg.ListenAddress, cfg.ListenPort); err != nil {
		return fmt.Errorf("server start error: %w", err)
	}
	logger.Info("CoreMQ is now shut down")
	return nil
}

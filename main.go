package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cloudhut/kbalance/executor"
	"github.com/cloudhut/kbalance/kafka"
	"github.com/cloudhut/kbalance/logging"
	"github.com/cloudhut/kbalance/monitor"
	"github.com/cloudhut/kbalance/prometheus"
)

// logNotifier reports execution outcomes through the logger. Deployments that
// want to fan alerts out to an external system can replace it.
type logNotifier struct {
	logger *zap.Logger
}

func (n *logNotifier) SendNotification(msg string) {
	n.logger.Info(msg)
}

func (n *logNotifier) SendAlert(msg string) {
	n.logger.Warn(msg)
}

func main() {
	startupLogger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	cfg, err := newConfig(startupLogger)
	if err != nil {
		startupLogger.Fatal("failed to parse config", zap.Error(err))
	}
	logger := logging.NewLogger(cfg.Logger, cfg.Exporter.Namespace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kafkaSvc, err := kafka.NewService(cfg.Kafka, logger, nil)
	if err != nil {
		logger.Fatal("failed to create kafka service", zap.Error(err))
	}
	if err := kafkaSvc.TestConnection(ctx); err != nil {
		logger.Fatal("failed to test connectivity to kafka cluster", zap.Error(err))
	}

	metadata := kafka.NewMetadataClient(kafkaSvc, cfg.Kafka.MetadataMaxAge, logger)
	admin := kafka.NewAdminService(kafkaSvc, logger)

	monitorSvc, err := monitor.NewService(cfg.Monitor, logger, kafkaSvc, metadata)
	if err != nil {
		logger.Fatal("failed to create the load monitor", zap.Error(err))
	}
	if err := monitorSvc.Start(ctx); err != nil {
		logger.Fatal("failed to start the load monitor", zap.Error(err))
	}

	notifier := &logNotifier{logger: logger.Named("notifier")}
	exec := executor.NewExecutor(cfg.Executor, admin, metadata, monitorSvc, nil, nil, notifier, logger)
	exec.Start(ctx)

	exporter, err := prometheus.NewExporter(cfg.Exporter, logger, exec, metadata)
	if err != nil {
		logger.Fatal("failed to create the prometheus exporter", zap.Error(err))
	}
	go func() {
		if err := prometheus.Start(cfg.Exporter, exporter, logger); err != nil {
			logger.Fatal("failed to serve the metrics endpoint", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	exec.Close()
	monitorSvc.Close()
	kafkaSvc.Close()
}

package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cloudhut/kbalance/executor"
	"github.com/cloudhut/kbalance/kafka"
)

// Service is the cluster load view the executor reads. It answers broker and
// replica questions from metadata snapshots and keeps the latest resource
// metric sample per broker, ingested from the metrics topic.
type Service struct {
	cfg      Config
	logger   *zap.Logger
	metadata *kafka.MetadataClient
	client   *kgo.Client

	samplingMode *atomic.Int32
	paused       *atomic.Bool
	ready        *atomic.Bool

	mu      sync.RWMutex
	samples map[int32]brokerSample
}

type brokerSample struct {
	metrics    executor.BrokerMetrics
	observedAt time.Time
}

func NewService(cfg Config, logger *zap.Logger, kafkaSvc *kafka.Service, metadata *kafka.MetadataClient) (*Service, error) {
	client, err := kafkaSvc.NewAdditionalClient(logger, []kgo.Opt{
		kgo.ConsumeTopics(cfg.MetricsTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client for the load monitor: %w", err)
	}

	return &Service{
		cfg:          cfg,
		logger:       logger.Named("monitor"),
		metadata:     metadata,
		client:       client,
		samplingMode: atomic.NewInt32(int32(executor.SamplingModeAll)),
		paused:       atomic.NewBool(false),
		ready:        atomic.NewBool(false),
		samples:      make(map[int32]brokerSample),
	}, nil
}

// Start warms the metadata cache and begins consuming metric samples. The
// service keeps running until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.metadata.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to fetch the initial cluster metadata: %w", err)
	}
	s.ready.Store(true)

	go s.consumeMetricSamples(ctx)
	return nil
}

func (s *Service) Close() {
	s.client.Close()
}

func (s *Service) Ready() bool {
	return s.ready.Load()
}

// KafkaCluster returns a possibly cached cluster snapshot.
func (s *Service) KafkaCluster(ctx context.Context) (*kafka.ClusterSnapshot, error) {
	return s.metadata.Cluster(ctx)
}

// BrokersWithReplicas returns the brokers that hold at least one replica.
func (s *Service) BrokersWithReplicas(ctx context.Context) (map[int32]struct{}, error) {
	cluster, err := s.metadata.Cluster(ctx)
	if err != nil {
		return nil, err
	}
	brokers := make(map[int32]struct{})
	for _, partition := range cluster.Partitions {
		for _, broker := range partition.Replicas {
			brokers[broker] = struct{}{}
		}
	}
	return brokers, nil
}

// DeadBrokersWithReplicas returns the brokers that hold at least one replica
// but are absent from the cluster metadata.
func (s *Service) DeadBrokersWithReplicas(ctx context.Context) (map[int32]struct{}, error) {
	cluster, err := s.metadata.Cluster(ctx)
	if err != nil {
		return nil, err
	}
	dead := make(map[int32]struct{})
	for _, partition := range cluster.Partitions {
		for _, broker := range partition.Replicas {
			if !cluster.HasBroker(broker) {
				dead[broker] = struct{}{}
			}
		}
	}
	return dead, nil
}

// CurrentBrokerMetricValues returns the freshest metric sample per broker.
// Brokers whose last sample is older than the configured staleness are
// omitted.
func (s *Service) CurrentBrokerMetricValues() map[int32]executor.BrokerMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	values := make(map[int32]executor.BrokerMetrics, len(s.samples))
	for broker, sample := range s.samples {
		if now.Sub(sample.observedAt) > s.cfg.MetricStaleness {
			continue
		}
		values[broker] = sample.metrics
	}
	return values
}

func (s *Service) SamplingMode() executor.SamplingMode {
	return executor.SamplingMode(s.samplingMode.Load())
}

func (s *Service) SetSamplingMode(mode executor.SamplingMode) {
	previous := executor.SamplingMode(s.samplingMode.Swap(int32(mode)))
	if previous != mode {
		s.logger.Info("changed the metric sampling mode",
			zap.String("previous_mode", previous.String()),
			zap.String("mode", mode.String()))
	}
}

func (s *Service) PauseMetricSampling(reason string) {
	if s.paused.CompareAndSwap(false, true) {
		s.logger.Info("paused metric sampling", zap.String("reason", reason))
	}
}

func (s *Service) ResumeMetricSampling(reason string) {
	if s.paused.CompareAndSwap(true, false) {
		s.logger.Info("resumed metric sampling", zap.String("reason", reason))
	}
}

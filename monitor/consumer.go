package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/cloudhut/kbalance/executor"
)

// brokerMetricsSample is the wire format the brokers' metrics reporters
// produce to the metrics topic.
type brokerMetricsSample struct {
	BrokerID           int32   `json:"brokerId"`
	CPUUtilization     float64 `json:"cpuUtilization"`
	LogFlushTimeMs99th float64 `json:"logFlushTimeMs99th"`
	RequestQueueSize   float64 `json:"requestQueueSize"`
	TimestampMs        int64   `json:"timestampMs"`
}

func (s *Service) consumeMetricSamples(ctx context.Context) {
	s.logger.Info("starting to consume broker metric samples",
		zap.String("topic", s.cfg.MetricsTopic))

	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		for _, fetchErr := range fetches.Errors() {
			s.logger.Error("kafka fetch error",
				zap.String("topic", fetchErr.Topic),
				zap.Int32("partition", fetchErr.Partition),
				zap.Error(fetchErr.Err))
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			s.processMetricRecord(iter.Next())
		}
	}
}

func (s *Service) processMetricRecord(record *kgo.Record) {
	if record == nil || s.paused.Load() {
		return
	}

	var sample brokerMetricsSample
	if err := json.Unmarshal(record.Value, &sample); err != nil {
		s.logger.Warn("failed to unmarshal a broker metric sample",
			zap.Int64("offset", record.Offset), zap.Error(err))
		return
	}

	observedAt := time.UnixMilli(sample.TimestampMs)
	if sample.TimestampMs == 0 {
		observedAt = record.Timestamp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, exists := s.samples[sample.BrokerID]; exists && existing.observedAt.After(observedAt) {
		return
	}
	s.samples[sample.BrokerID] = brokerSample{
		metrics: executor.BrokerMetrics{
			CPUUtilization:     sample.CPUUtilization,
			LogFlushTimeMs99th: sample.LogFlushTimeMs99th,
			RequestQueueSize:   sample.RequestQueueSize,
		},
		observedAt: observedAt,
	}
}

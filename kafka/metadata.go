package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MetadataClient serves cluster snapshots built from Kafka metadata requests.
// Snapshots are cached for maxAge; concurrent refreshes are deduplicated.
type MetadataClient struct {
	svc    *Service
	logger *zap.Logger
	maxAge time.Duration

	requestGroup singleflight.Group
	cached       atomic.Pointer[ClusterSnapshot]
}

func NewMetadataClient(svc *Service, maxAge time.Duration, logger *zap.Logger) *MetadataClient {
	return &MetadataClient{
		svc:    svc,
		logger: logger,
		maxAge: maxAge,
	}
}

// Cluster returns the cached snapshot if it is younger than maxAge, otherwise
// it refreshes first.
func (m *MetadataClient) Cluster(ctx context.Context) (*ClusterSnapshot, error) {
	if snapshot := m.cached.Load(); snapshot != nil && time.Since(snapshot.ObservedAt) < m.maxAge {
		return snapshot, nil
	}
	return m.Refresh(ctx)
}

// Refresh fetches cluster metadata and publishes a new snapshot.
func (m *MetadataClient) Refresh(ctx context.Context) (*ClusterSnapshot, error) {
	res, err, _ := m.requestGroup.Do("metadata", func() (interface{}, error) {
		req := kmsg.NewMetadataRequest()
		req.Topics = nil

		res, err := req.RequestWith(ctx, m.svc.Client)
		if err != nil {
			return nil, fmt.Errorf("failed to request metadata: %w", err)
		}

		snapshot := snapshotFromMetadata(res)
		m.cached.Store(snapshot)

		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}

	return res.(*ClusterSnapshot), nil
}

func snapshotFromMetadata(res *kmsg.MetadataResponse) *ClusterSnapshot {
	snapshot := &ClusterSnapshot{
		ObservedAt:   time.Now(),
		ControllerID: res.ControllerID,
		Brokers:      make(map[int32]BrokerInfo, len(res.Brokers)),
		Partitions:   make(map[TopicPartition]PartitionInfo),
	}

	for _, broker := range res.Brokers {
		rack := ""
		if broker.Rack != nil {
			rack = *broker.Rack
		}
		snapshot.Brokers[broker.NodeID] = BrokerInfo{
			ID:   broker.NodeID,
			Host: broker.Host,
			Port: broker.Port,
			Rack: rack,
		}
	}

	for _, topic := range res.Topics {
		if topic.Topic == nil {
			continue
		}
		if err := kerr.ErrorForCode(topic.ErrorCode); err != nil {
			continue
		}
		for _, partition := range topic.Partitions {
			tp := TopicPartition{Topic: *topic.Topic, Partition: partition.Partition}
			snapshot.Partitions[tp] = PartitionInfo{
				Leader:   partition.Leader,
				Replicas: partition.Replicas,
				ISR:      partition.ISR,
			}
		}
	}

	return snapshot
}

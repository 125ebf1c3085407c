package executor

import (
	"context"

	"github.com/cloudhut/kbalance/kafka"
)

// AdminClient is the subset of the cluster admin surface the executor drives
// movements through. kafka.AdminService implements it.
type AdminClient interface {
	AlterPartitionReassignments(ctx context.Context, targets map[kafka.TopicPartition][]int32) (map[kafka.TopicPartition]kafka.ReassignmentOutcome, error)
	ListPartitionReassignments(ctx context.Context) (map[kafka.TopicPartition]kafka.OngoingReassignment, error)
	ElectPreferredLeaders(ctx context.Context, partitions []kafka.TopicPartition) (map[kafka.TopicPartition]kafka.ElectLeaderOutcome, error)
	AlterReplicaLogDirs(ctx context.Context, moves map[kafka.TopicPartitionReplica]string) (map[kafka.TopicPartitionReplica]error, error)
	DescribeReplicaLogDirs(ctx context.Context, replicas []kafka.TopicPartitionReplica) (map[kafka.TopicPartitionReplica]kafka.ReplicaDirInfo, error)
	HasOngoingLogDirMovements(ctx context.Context) (bool, error)
	TopicMinInsyncReplicas(ctx context.Context, topics []string) (map[string]int, error)

	SetBrokerReplicationThrottleRate(ctx context.Context, brokerIDs []int32, rateBytesPerSec int64) error
	RemoveBrokerReplicationThrottleRate(ctx context.Context, brokerIDs []int32) error
	AddTopicThrottledReplicas(ctx context.Context, topic string, leaderEntries, followerEntries []string) error
	RemoveTopicThrottledReplicas(ctx context.Context, topic string, leaderEntries, followerEntries []string) error
}

// MetadataProvider serves cluster snapshots. kafka.MetadataClient implements it.
type MetadataProvider interface {
	// Cluster returns a possibly cached snapshot.
	Cluster(ctx context.Context) (*kafka.ClusterSnapshot, error)
	// Refresh fetches fresh metadata and returns the new snapshot.
	Refresh(ctx context.Context) (*kafka.ClusterSnapshot, error)
}

// SamplingMode selects which metric samples a load monitor collects.
type SamplingMode int8

const (
	SamplingModeAll SamplingMode = iota
	SamplingModeOngoingExecution
)

func (m SamplingMode) String() string {
	switch m {
	case SamplingModeAll:
		return "all"
	case SamplingModeOngoingExecution:
		return "ongoing_execution"
	default:
		return "unknown"
	}
}

// BrokerMetrics is one broker's current resource metric values, as collected
// by the load monitor.
type BrokerMetrics struct {
	CPUUtilization     float64
	LogFlushTimeMs99th float64
	RequestQueueSize   float64
}

// LoadMonitor exposes the cluster load view the adjuster and the sanity
// checks read. Implemented outside of this package.
type LoadMonitor interface {
	BrokersWithReplicas(ctx context.Context) (map[int32]struct{}, error)
	DeadBrokersWithReplicas(ctx context.Context) (map[int32]struct{}, error)
	KafkaCluster(ctx context.Context) (*kafka.ClusterSnapshot, error)
	CurrentBrokerMetricValues() map[int32]BrokerMetrics
	Ready() bool

	SamplingMode() SamplingMode
	SetSamplingMode(mode SamplingMode)
	PauseMetricSampling(reason string)
	ResumeMetricSampling(reason string)
}

// UserTaskManager is told when the execution belonging to a user task begins
// and finishes.
type UserTaskManager interface {
	MarkTaskExecutionBegan(uuid string)
	MarkTaskExecutionFinished(uuid string, completedWithError bool)
}

// AnomalyDetectorManager is told when a self-healing execution finishes.
type AnomalyDetectorManager interface {
	MarkSelfHealingFinished(uuid string, completedWithError bool)
}

// Notifier fans execution outcomes out to the operator.
type Notifier interface {
	SendNotification(msg string)
	SendAlert(msg string)
}

package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

// ReassignmentOutcome is the per-partition result of submitting (or
// cancelling) a partition reassignment.
type ReassignmentOutcome int8

const (
	ReassignmentAccepted ReassignmentOutcome = iota
	// ReassignmentDeletedTopic means the partition's topic no longer exists.
	ReassignmentDeletedTopic
	// ReassignmentBrokerUnavailable means a target broker was rejected by the
	// controller, the movement is dead upon submission.
	ReassignmentBrokerUnavailable
	// ReassignmentNothingToCancel means a cancellation was submitted for a
	// partition that has no ongoing reassignment.
	ReassignmentNothingToCancel
)

func (o ReassignmentOutcome) String() string {
	switch o {
	case ReassignmentAccepted:
		return "accepted"
	case ReassignmentDeletedTopic:
		return "deleted_topic"
	case ReassignmentBrokerUnavailable:
		return "broker_unavailable"
	case ReassignmentNothingToCancel:
		return "nothing_to_cancel"
	default:
		return "unknown"
	}
}

// OngoingReassignment describes one in-flight partition reassignment as
// reported by the controller.
type OngoingReassignment struct {
	Replicas         []int32
	AddingReplicas   []int32
	RemovingReplicas []int32
}

// ElectLeaderOutcome is the per-partition result of a preferred leader election.
type ElectLeaderOutcome int8

const (
	ElectLeaderDone ElectLeaderOutcome = iota
	// ElectLeaderNotNeeded means the preferred leader already leads.
	ElectLeaderNotNeeded
	// ElectLeaderDeferred means the preferred replica is not available yet. The
	// election is retried on a later progress check.
	ElectLeaderDeferred
	ElectLeaderDeletedTopic
)

// ReplicaDirInfo reports where a replica currently lives on its broker and, if
// a directory move is in flight, which directory it is moving to.
type ReplicaDirInfo struct {
	CurrentDir string
	FutureDir  string
	Size       int64
}

// AdminService issues the raw admin RPCs used to move replicas and leaders.
type AdminService struct {
	svc    *Service
	logger *zap.Logger
}

func NewAdminService(svc *Service, logger *zap.Logger) *AdminService {
	return &AdminService{
		svc:    svc,
		logger: logger,
	}
}

// AlterPartitionReassignments submits the given target replica sets. A nil
// replica slice cancels the partition's ongoing reassignment.
func (a *AdminService) AlterPartitionReassignments(
	ctx context.Context,
	targets map[TopicPartition][]int32,
) (map[TopicPartition]ReassignmentOutcome, error) {
	req := kmsg.NewAlterPartitionAssignmentsRequest()
	for _, topic := range groupByTopic(targets) {
		reqTopic := kmsg.NewAlterPartitionAssignmentsRequestTopic()
		reqTopic.Topic = topic
		for _, partition := range sortedPartitions(targets, topic) {
			reqPartition := kmsg.NewAlterPartitionAssignmentsRequestTopicPartition()
			reqPartition.Partition = partition
			reqPartition.Replicas = targets[TopicPartition{Topic: topic, Partition: partition}]
			reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
		}
		req.Topics = append(req.Topics, reqTopic)
	}

	res, err := req.RequestWith(ctx, a.svc.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to alter partition reassignments: %w", err)
	}
	if err := kerr.ErrorForCode(res.ErrorCode); err != nil {
		return nil, fmt.Errorf("failed to alter partition reassignments. Inner kafka error: %w", err)
	}

	outcomes := make(map[TopicPartition]ReassignmentOutcome, len(targets))
	for _, topic := range res.Topics {
		for _, partition := range topic.Partitions {
			tp := TopicPartition{Topic: topic.Topic, Partition: partition.Partition}
			outcome, err := reassignmentOutcomeForCode(partition.ErrorCode)
			if err != nil {
				return nil, errors.Wrapf(err, "reassignment of %q failed", tp)
			}
			outcomes[tp] = outcome
		}
	}

	return outcomes, nil
}

func reassignmentOutcomeForCode(code int16) (ReassignmentOutcome, error) {
	err := kerr.ErrorForCode(code)
	switch {
	case err == nil:
		return ReassignmentAccepted, nil
	case errors.Is(err, kerr.UnknownTopicOrPartition):
		return ReassignmentDeletedTopic, nil
	case errors.Is(err, kerr.InvalidReplicaAssignment):
		return ReassignmentBrokerUnavailable, nil
	case errors.Is(err, kerr.NoReassignmentInProgress):
		return ReassignmentNothingToCancel, nil
	default:
		return 0, err
	}
}

// ListPartitionReassignments returns all reassignments the controller reports
// as ongoing.
func (a *AdminService) ListPartitionReassignments(ctx context.Context) (map[TopicPartition]OngoingReassignment, error) {
	req := kmsg.NewListPartitionReassignmentsRequest()
	req.Topics = nil // all ongoing reassignments

	res, err := req.RequestWith(ctx, a.svc.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to list partition reassignments: %w", err)
	}
	if err := kerr.ErrorForCode(res.ErrorCode); err != nil {
		return nil, fmt.Errorf("failed to list partition reassignments. Inner kafka error: %w", err)
	}

	ongoing := make(map[TopicPartition]OngoingReassignment)
	for _, topic := range res.Topics {
		for _, partition := range topic.Partitions {
			tp := TopicPartition{Topic: topic.Topic, Partition: partition.Partition}
			ongoing[tp] = OngoingReassignment{
				Replicas:         partition.Replicas,
				AddingReplicas:   partition.AddingReplicas,
				RemovingReplicas: partition.RemovingReplicas,
			}
		}
	}

	return ongoing, nil
}

// ElectPreferredLeaders triggers a preferred leader election for the given
// partitions.
func (a *AdminService) ElectPreferredLeaders(
	ctx context.Context,
	partitions []TopicPartition,
) (map[TopicPartition]ElectLeaderOutcome, error) {
	byTopic := make(map[string][]int32)
	for _, tp := range partitions {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp.Partition)
	}

	req := kmsg.NewElectLeadersRequest()
	req.ElectionType = 0 // preferred
	req.TimeoutMillis = 30000
	for topic, topicPartitions := range byTopic {
		reqTopic := kmsg.NewElectLeadersRequestTopic()
		reqTopic.Topic = topic
		reqTopic.Partitions = topicPartitions
		req.Topics = append(req.Topics, reqTopic)
	}

	res, err := req.RequestWith(ctx, a.svc.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to elect preferred leaders: %w", err)
	}
	if err := kerr.ErrorForCode(res.ErrorCode); err != nil {
		return nil, fmt.Errorf("failed to elect preferred leaders. Inner kafka error: %w", err)
	}

	outcomes := make(map[TopicPartition]ElectLeaderOutcome, len(partitions))
	for _, topic := range res.Topics {
		for _, partition := range topic.Partitions {
			tp := TopicPartition{Topic: topic.Topic, Partition: partition.Partition}
			err := kerr.ErrorForCode(partition.ErrorCode)
			switch {
			case err == nil:
				outcomes[tp] = ElectLeaderDone
			case errors.Is(err, kerr.ElectionNotNeeded):
				outcomes[tp] = ElectLeaderNotNeeded
			case errors.Is(err, kerr.PreferredLeaderNotAvailable):
				outcomes[tp] = ElectLeaderDeferred
			case errors.Is(err, kerr.UnknownTopicOrPartition):
				outcomes[tp] = ElectLeaderDeletedTopic
			default:
				return nil, errors.Wrapf(err, "leader election for %q failed", tp)
			}
		}
	}

	return outcomes, nil
}

// AlterReplicaLogDirs asks brokers to move the given replicas onto the mapped
// target log directories. The returned map holds a per-replica error, nil for
// replicas whose move was accepted.
func (a *AdminService) AlterReplicaLogDirs(
	ctx context.Context,
	moves map[TopicPartitionReplica]string,
) (map[TopicPartitionReplica]error, error) {
	// dir -> topic -> partitions, one sharded request routed per broker
	byDir := make(map[string]map[string][]int32)
	brokerByTp := make(map[TopicPartition]int32, len(moves))
	for replica, dir := range moves {
		if byDir[dir] == nil {
			byDir[dir] = make(map[string][]int32)
		}
		byDir[dir][replica.Topic] = append(byDir[dir][replica.Topic], replica.Partition)
		brokerByTp[TopicPartition{Topic: replica.Topic, Partition: replica.Partition}] = replica.BrokerID
	}

	req := kmsg.NewAlterReplicaLogDirsRequest()
	for dir, topics := range byDir {
		reqDir := kmsg.NewAlterReplicaLogDirsRequestDir()
		reqDir.Dir = dir
		for topic, topicPartitions := range topics {
			reqTopic := kmsg.NewAlterReplicaLogDirsRequestDirTopic()
			reqTopic.Topic = topic
			reqTopic.Partitions = topicPartitions
			reqDir.Topics = append(reqDir.Topics, reqTopic)
		}
		req.Dirs = append(req.Dirs, reqDir)
	}

	outcomes := make(map[TopicPartitionReplica]error, len(moves))
	shards := a.svc.Client.RequestSharded(ctx, &req)
	for _, shard := range shards {
		if shard.Err != nil {
			a.logger.Warn("alter replica log dirs request failed for broker",
				zap.Int32("broker_id", shard.Meta.NodeID), zap.Error(shard.Err))
			continue
		}
		res, ok := shard.Resp.(*kmsg.AlterReplicaLogDirsResponse)
		if !ok {
			continue
		}
		for _, topic := range res.Topics {
			for _, partition := range topic.Partitions {
				tp := TopicPartition{Topic: topic.Topic, Partition: partition.Partition}
				replica := TopicPartitionReplica{
					Topic:     tp.Topic,
					Partition: tp.Partition,
					BrokerID:  brokerByTp[tp],
				}
				outcomes[replica] = kerr.ErrorForCode(partition.ErrorCode)
			}
		}
	}

	return outcomes, nil
}

// DescribeReplicaLogDirs reports the current and, if a move is in flight, the
// future log directory of each given replica.
func (a *AdminService) DescribeReplicaLogDirs(
	ctx context.Context,
	replicas []TopicPartitionReplica,
) (map[TopicPartitionReplica]ReplicaDirInfo, error) {
	byTopic := make(map[string][]int32)
	for _, replica := range replicas {
		byTopic[replica.Topic] = append(byTopic[replica.Topic], replica.Partition)
	}

	req := kmsg.NewDescribeLogDirsRequest()
	for topic, topicPartitions := range byTopic {
		reqTopic := kmsg.NewDescribeLogDirsRequestTopic()
		reqTopic.Topic = topic
		reqTopic.Partitions = topicPartitions
		req.Topics = append(req.Topics, reqTopic)
	}

	wanted := make(map[TopicPartitionReplica]struct{}, len(replicas))
	for _, replica := range replicas {
		wanted[replica] = struct{}{}
	}

	infos := make(map[TopicPartitionReplica]ReplicaDirInfo, len(replicas))
	shards := a.svc.Client.RequestSharded(ctx, &req)
	for _, shard := range shards {
		if shard.Err != nil {
			a.logger.Warn("describe log dirs request failed for broker",
				zap.Int32("broker_id", shard.Meta.NodeID), zap.Error(shard.Err))
			continue
		}
		res, ok := shard.Resp.(*kmsg.DescribeLogDirsResponse)
		if !ok {
			continue
		}
		for _, dir := range res.Dirs {
			if err := kerr.ErrorForCode(dir.ErrorCode); err != nil {
				continue
			}
			for _, topic := range dir.Topics {
				for _, partition := range topic.Partitions {
					replica := TopicPartitionReplica{
						Topic:     topic.Topic,
						Partition: partition.Partition,
						BrokerID:  shard.Meta.NodeID,
					}
					if _, isWanted := wanted[replica]; !isWanted {
						continue
					}
					info := infos[replica]
					if partition.IsFuture {
						info.FutureDir = dir.Dir
					} else {
						info.CurrentDir = dir.Dir
						info.Size = partition.Size
					}
					infos[replica] = info
				}
			}
		}
	}

	return infos, nil
}

// HasOngoingLogDirMovements reports whether any broker holds a future replica,
// i.e. an intra-broker directory move is still in flight somewhere.
func (a *AdminService) HasOngoingLogDirMovements(ctx context.Context) (bool, error) {
	req := kmsg.NewDescribeLogDirsRequest()
	req.Topics = nil // all topics on all brokers

	var shardErr error
	shards := a.svc.Client.RequestSharded(ctx, &req)
	for _, shard := range shards {
		if shard.Err != nil {
			shardErr = shard.Err
			continue
		}
		res, ok := shard.Resp.(*kmsg.DescribeLogDirsResponse)
		if !ok {
			continue
		}
		for _, dir := range res.Dirs {
			for _, topic := range dir.Topics {
				for _, partition := range topic.Partitions {
					if partition.IsFuture {
						return true, nil
					}
				}
			}
		}
	}
	if shardErr != nil {
		return false, fmt.Errorf("failed to describe log dirs on at least one broker: %w", shardErr)
	}

	return false, nil
}

// TopicMinInsyncReplicas fetches min.insync.replicas for each given topic.
func (a *AdminService) TopicMinInsyncReplicas(ctx context.Context, topics []string) (map[string]int, error) {
	req := kmsg.NewDescribeConfigsRequest()
	for _, topic := range topics {
		resourceReq := kmsg.NewDescribeConfigsRequestResource()
		resourceReq.ResourceType = kmsg.ConfigResourceTypeTopic
		resourceReq.ResourceName = topic
		resourceReq.ConfigNames = []string{"min.insync.replicas"}
		req.Resources = append(req.Resources, resourceReq)
	}

	res, err := req.RequestWith(ctx, a.svc.Client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to describe topic configs")
	}

	minIsrByTopic := make(map[string]int, len(topics))
	for _, resource := range res.Resources {
		if err := kerr.ErrorForCode(resource.ErrorCode); err != nil {
			a.logger.Debug("failed to describe configs of topic",
				zap.String("topic", resource.ResourceName), zap.Error(err))
			continue
		}
		for _, config := range resource.Configs {
			if config.Name != "min.insync.replicas" || config.Value == nil {
				continue
			}
			var minIsr int
			if _, err := fmt.Sscanf(*config.Value, "%d", &minIsr); err == nil {
				minIsrByTopic[resource.ResourceName] = minIsr
			}
		}
	}

	return minIsrByTopic, nil
}

func groupByTopic(targets map[TopicPartition][]int32) []string {
	unique := make(map[string]struct{})
	for tp := range targets {
		unique[tp.Topic] = struct{}{}
	}
	topics := make([]string, 0, len(unique))
	for topic := range unique {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func sortedPartitions(targets map[TopicPartition][]int32, topic string) []int32 {
	var partitions []int32
	for tp := range targets {
		if tp.Topic == topic {
			partitions = append(partitions, tp.Partition)
		}
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions
}

package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudhut/kbalance/kafka"
)

func interBrokerProposal(topic string, partition int32, from, to int32, sizeBytes int64) ExecutionProposal {
	return ExecutionProposal{
		TopicPartition:     kafka.TopicPartition{Topic: topic, Partition: partition},
		OldLeader:          from,
		OldReplicas:        []ReplicaPlacement{{BrokerID: from}},
		NewReplicas:        []ReplicaPlacement{{BrokerID: to}},
		PartitionSizeBytes: sizeBytes,
	}
}

func leaderOnlyProposal(topic string, partition int32, oldLeader, newLeader int32) ExecutionProposal {
	return ExecutionProposal{
		TopicPartition: kafka.TopicPartition{Topic: topic, Partition: partition},
		OldLeader:      oldLeader,
		OldReplicas:    []ReplicaPlacement{{BrokerID: newLeader}, {BrokerID: oldLeader}},
		NewReplicas:    []ReplicaPlacement{{BrokerID: newLeader}, {BrokerID: oldLeader}},
	}
}

func newTestTracker(cfg ConcurrencyConfig, brokers []int32) (*TaskTracker, *ConcurrencyManager) {
	manager := NewConcurrencyManager(cfg)
	if brokers != nil {
		manager.Initialize(brokers, requestedConcurrency{})
	}
	return NewTaskTracker(manager, zap.NewNop()), manager
}

func TestAddProposalsExpandsIntoTasks(t *testing.T) {
	tracker, _ := newTestTracker(testConcurrencyConfig(), []int32{1, 2, 3})

	// One proposal needing all three movement kinds: the broker set changes,
	// broker 2 keeps its replica on a different disk and the leader moves.
	proposal := ExecutionProposal{
		TopicPartition: kafka.TopicPartition{Topic: "payments", Partition: 0},
		OldLeader:      1,
		OldReplicas: []ReplicaPlacement{
			{BrokerID: 1, LogDir: "/data/a"},
			{BrokerID: 2, LogDir: "/data/a"},
		},
		NewReplicas: []ReplicaPlacement{
			{BrokerID: 2, LogDir: "/data/b"},
			{BrokerID: 3, LogDir: "/data/a"},
		},
		PartitionSizeBytes: 512,
	}

	require.NoError(t, tracker.AddProposals([]ExecutionProposal{proposal}, nil, nil))

	assert.Equal(t, 1, tracker.NumRemaining(InterBrokerReplicaAction))
	assert.Equal(t, 1, tracker.NumRemaining(IntraBrokerReplicaAction))
	assert.Equal(t, 1, tracker.NumRemaining(LeaderAction))

	summary := tracker.Summary()
	assert.Equal(t, int64(512), summary.RemainingDataBytes)
	assert.Zero(t, summary.InExecutionDataBytes)
	assert.Zero(t, summary.FinishedDataBytes)
}

func TestAddProposalsRejectsInvalidProposal(t *testing.T) {
	tracker, _ := newTestTracker(testConcurrencyConfig(), []int32{1, 2})

	valid := interBrokerProposal("payments", 0, 1, 2, 100)
	invalid := ExecutionProposal{TopicPartition: kafka.TopicPartition{Topic: "payments", Partition: 1}}

	err := tracker.AddProposals([]ExecutionProposal{valid, invalid}, nil, nil)
	assert.Error(t, err)
	// Validation happens before any task is enqueued.
	assert.Zero(t, tracker.NumRemaining(InterBrokerReplicaAction))
}

func TestGetInterBrokerBatchRespectsPerBrokerCap(t *testing.T) {
	cfg := testConcurrencyConfig()
	cfg.InterBrokerPerBroker = 2
	tracker, _ := newTestTracker(cfg, []int32{1, 2, 3, 4})

	proposals := []ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
		interBrokerProposal("orders", 1, 1, 3, 100),
		interBrokerProposal("orders", 2, 1, 4, 100),
	}
	require.NoError(t, tracker.AddProposals(proposals, nil, nil))

	// All three movements leave broker 1, which only admits two at a time.
	batch := tracker.GetInterBrokerBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, kafka.TopicPartition{Topic: "orders", Partition: 0}, batch[0].Proposal.TopicPartition)
	assert.Equal(t, kafka.TopicPartition{Topic: "orders", Partition: 1}, batch[1].Proposal.TopicPartition)

	// In-execution occupancy counts against the caps of the next batch.
	require.NoError(t, tracker.MarkInProgress(batch, 1000))
	assert.Empty(t, tracker.GetInterBrokerBatch())

	// A free slot on broker 1 admits the remaining movement.
	require.NoError(t, tracker.MarkDone(batch[0], 2000))
	nextBatch := tracker.GetInterBrokerBatch()
	require.Len(t, nextBatch, 1)
	assert.Equal(t, kafka.TopicPartition{Topic: "orders", Partition: 2}, nextBatch[0].Proposal.TopicPartition)
}

func TestGetInterBrokerBatchRespectsClusterCap(t *testing.T) {
	cfg := testConcurrencyConfig()
	cfg.InterBrokerPerBroker = 5
	cfg.InterBrokerCluster = 2
	tracker, _ := newTestTracker(cfg, []int32{1, 2, 3, 4, 5, 6})

	proposals := []ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
		interBrokerProposal("orders", 1, 3, 4, 100),
		interBrokerProposal("orders", 2, 5, 6, 100),
	}
	require.NoError(t, tracker.AddProposals(proposals, nil, nil))

	// No broker is saturated but the cluster only admits two movements.
	assert.Len(t, tracker.GetInterBrokerBatch(), 2)
}

func TestGetInterBrokerBatchSkipsConcurrencyForDemotedBrokers(t *testing.T) {
	cfg := testConcurrencyConfig()
	cfg.InterBrokerPerBroker = 1
	tracker, _ := newTestTracker(cfg, []int32{1, 2, 3, 4})

	proposals := []ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
		interBrokerProposal("orders", 1, 1, 3, 100),
		interBrokerProposal("orders", 2, 1, 4, 100),
	}

	// Without the bypass broker 1 is the bottleneck.
	require.NoError(t, tracker.AddProposals(proposals, nil, nil))
	assert.Len(t, tracker.GetInterBrokerBatch(), 1)

	// With the bypass only the target brokers count.
	tracker, _ = newTestTracker(cfg, []int32{1, 2, 3, 4})
	require.NoError(t, tracker.AddProposals(proposals, []int32{1}, nil))
	assert.Len(t, tracker.GetInterBrokerBatch(), 3)
}

func TestGetLeaderBatchRespectsClusterCap(t *testing.T) {
	cfg := testConcurrencyConfig()
	cfg.LeadershipPerBroker = 100
	cfg.LeadershipCluster = 100
	tracker, _ := newTestTracker(cfg, []int32{1, 2, 3})

	// Leadership alternates between brokers 2 and 3, so no per-broker cap is
	// binding and the cluster-wide cap of 100 decides the batch size.
	var proposals []ExecutionProposal
	for partition := int32(0); partition < 120; partition++ {
		newLeader := int32(2 + partition%2)
		oldLeader := int32(1)
		proposals = append(proposals, leaderOnlyProposal("orders", partition, oldLeader, newLeader))
	}
	require.NoError(t, tracker.AddProposals(proposals, nil, nil))

	assert.Zero(t, tracker.NumRemaining(InterBrokerReplicaAction))
	assert.Equal(t, 120, tracker.NumRemaining(LeaderAction))
	assert.Len(t, tracker.GetLeaderBatch(), 100)
}

func TestGetBatchWithoutInitializedConcurrency(t *testing.T) {
	tracker, _ := newTestTracker(testConcurrencyConfig(), nil)
	require.NoError(t, tracker.AddProposals([]ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
	}, nil, nil))

	assert.Nil(t, tracker.GetInterBrokerBatch())
}

func TestTrackerDataByteBookkeeping(t *testing.T) {
	tracker, _ := newTestTracker(testConcurrencyConfig(), []int32{1, 2, 3})

	proposals := []ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
		interBrokerProposal("orders", 1, 1, 3, 250),
	}
	require.NoError(t, tracker.AddProposals(proposals, nil, nil))

	summary := tracker.Summary()
	assert.Equal(t, int64(350), summary.RemainingDataBytes)

	batch := tracker.GetInterBrokerBatch()
	require.Len(t, batch, 2)
	require.NoError(t, tracker.MarkInProgress(batch[:1], 1000))

	summary = tracker.Summary()
	assert.Equal(t, int64(250), summary.RemainingDataBytes)
	assert.Equal(t, int64(100), summary.InExecutionDataBytes)
	assert.Zero(t, summary.FinishedDataBytes)

	require.NoError(t, tracker.MarkDone(batch[0], 2000))

	summary = tracker.Summary()
	assert.Equal(t, int64(250), summary.RemainingDataBytes)
	assert.Zero(t, summary.InExecutionDataBytes)
	assert.Equal(t, int64(100), summary.FinishedDataBytes)
	assert.Equal(t, 1, summary.Completed[InterBrokerReplicaAction])
}

func TestTrackerAbortFlow(t *testing.T) {
	tracker, _ := newTestTracker(testConcurrencyConfig(), []int32{1, 2})

	require.NoError(t, tracker.AddProposals([]ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
		interBrokerProposal("orders", 1, 1, 2, 100),
	}, nil, nil))

	batch := tracker.GetInterBrokerBatch()
	require.Len(t, batch, 2)
	require.NoError(t, tracker.MarkInProgress(batch, 1000))

	// An aborting task stays in execution until it terminates.
	require.NoError(t, tracker.MarkAborting(batch[0]))
	assert.Equal(t, 2, tracker.NumInExecution(InterBrokerReplicaAction))

	require.NoError(t, tracker.MarkAborted(batch[0], 2000))
	require.NoError(t, tracker.MarkDead(batch[1], 2000))

	assert.Zero(t, tracker.NumInExecution(InterBrokerReplicaAction))
	assert.Equal(t, 2, tracker.NumFinished(InterBrokerReplicaAction))
	assert.Equal(t, 2, tracker.NumDeadOrAborted())
}

func TestTrackerStopRequested(t *testing.T) {
	tracker, _ := newTestTracker(testConcurrencyConfig(), []int32{1, 2})

	require.NoError(t, tracker.AddProposals([]ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
	}, nil, nil))

	tracker.SetStopRequested()
	assert.True(t, tracker.IsStopRequested())
	assert.Nil(t, tracker.GetInterBrokerBatch())
	assert.Error(t, tracker.AddProposals([]ExecutionProposal{
		interBrokerProposal("orders", 1, 1, 2, 100),
	}, nil, nil))
}

func TestTrackerClear(t *testing.T) {
	tracker, _ := newTestTracker(testConcurrencyConfig(), []int32{1, 2})

	require.NoError(t, tracker.AddProposals([]ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
	}, nil, nil))
	batch := tracker.GetInterBrokerBatch()
	require.Len(t, batch, 1)
	require.NoError(t, tracker.MarkInProgress(batch, 1000))

	// Tasks still in execution forbid a reset.
	assert.Error(t, tracker.Clear())

	require.NoError(t, tracker.MarkDone(batch[0], 2000))
	require.NoError(t, tracker.Clear())

	summary := tracker.Summary()
	assert.Zero(t, summary.Completed[InterBrokerReplicaAction])
	assert.Zero(t, summary.FinishedDataBytes)
	assert.False(t, tracker.IsStopRequested())
}

func TestInExecutionTasksFilter(t *testing.T) {
	tracker, _ := newTestTracker(testConcurrencyConfig(), []int32{1, 2})

	require.NoError(t, tracker.AddProposals([]ExecutionProposal{
		interBrokerProposal("orders", 0, 1, 2, 100),
		leaderOnlyProposal("orders", 1, 1, 2),
	}, nil, nil))

	interBatch := tracker.GetInterBrokerBatch()
	leaderBatch := tracker.GetLeaderBatch()
	require.NoError(t, tracker.MarkInProgress(interBatch, 1000))
	require.NoError(t, tracker.MarkInProgress(leaderBatch, 1000))

	// The inter-broker proposal moves the preferred leader from 1 to 2 as well,
	// so it contributes a leadership task next to its replica movement.
	assert.Len(t, tracker.InExecutionTasks(), 3)
	assert.Len(t, tracker.InExecutionTasks(InterBrokerReplicaAction), 1)
	assert.Len(t, tracker.InExecutionTasks(LeaderAction), 2)
	assert.Empty(t, tracker.InExecutionTasks(IntraBrokerReplicaAction))
}

package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudhut/kbalance/kafka"
)

func sizedTask(topic string, partition int32, sizeBytes int64) *ExecutionTask {
	return &ExecutionTask{
		Type: InterBrokerReplicaAction,
		Proposal: ExecutionProposal{
			TopicPartition:     kafka.TopicPartition{Topic: topic, Partition: partition},
			OldReplicas:        []ReplicaPlacement{{BrokerID: 1}},
			NewReplicas:        []ReplicaPlacement{{BrokerID: 2}},
			PartitionSizeBytes: sizeBytes,
		},
		State: TaskPending,
	}
}

func taskOrder(tasks []*ExecutionTask) []string {
	order := make([]string, len(tasks))
	for i, task := range tasks {
		order[i] = task.Proposal.TopicPartition.String()
	}
	return order
}

func TestSortTasks(t *testing.T) {
	tt := []struct {
		TestName      string
		Strategy      ReplicaMovementStrategy
		Tasks         []*ExecutionTask
		ExpectedOrder []string
	}{
		{
			TestName: "base strategy orders by topic then partition",
			Strategy: ChainStrategies(),
			Tasks: []*ExecutionTask{
				sizedTask("orders", 2, 10),
				sizedTask("payments", 0, 10),
				sizedTask("orders", 0, 10),
			},
			ExpectedOrder: []string{"orders-0", "orders-2", "payments-0"},
		},
		{
			TestName: "small movements first",
			Strategy: ChainStrategies(PrioritizeSmallReplicaMovementStrategy{}),
			Tasks: []*ExecutionTask{
				sizedTask("orders", 0, 300),
				sizedTask("orders", 1, 100),
				sizedTask("orders", 2, 200),
			},
			ExpectedOrder: []string{"orders-1", "orders-2", "orders-0"},
		},
		{
			TestName: "large movements first",
			Strategy: ChainStrategies(PrioritizeLargeReplicaMovementStrategy{}),
			Tasks: []*ExecutionTask{
				sizedTask("orders", 0, 300),
				sizedTask("orders", 1, 100),
				sizedTask("orders", 2, 200),
			},
			ExpectedOrder: []string{"orders-0", "orders-2", "orders-1"},
		},
		{
			TestName: "equal sizes fall back to the base order",
			Strategy: ChainStrategies(PrioritizeSmallReplicaMovementStrategy{}),
			Tasks: []*ExecutionTask{
				sizedTask("payments", 1, 100),
				sizedTask("orders", 7, 100),
				sizedTask("orders", 3, 100),
			},
			ExpectedOrder: []string{"orders-3", "orders-7", "payments-1"},
		},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			sortTasks(test.Tasks, test.Strategy)
			assert.Equal(t, test.ExpectedOrder, taskOrder(test.Tasks))
		})
	}
}

func TestChainStrategiesName(t *testing.T) {
	strategy := ChainStrategies(PrioritizeSmallReplicaMovementStrategy{})
	assert.Equal(t, "prioritize_small_movements,base", strategy.Name())

	assert.Equal(t, "base", ChainStrategies().Name())
}

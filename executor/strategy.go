package executor

import (
	"sort"
)

// ReplicaMovementStrategy orders pending tasks within one queue. Strategies
// can be chained, later strategies break the ties of earlier ones. The final
// ordering must be deterministic, so every chain ends with the default
// topic-partition order.
type ReplicaMovementStrategy interface {
	// Compare reports -1, 0 or +1 when a should run before, equal to or after b.
	Compare(a, b *ExecutionTask) int
	Name() string
}

// BaseReplicaMovementStrategy orders tasks by topic, then partition. It is the
// universal tie breaker.
type BaseReplicaMovementStrategy struct{}

func (BaseReplicaMovementStrategy) Name() string { return "base" }

func (BaseReplicaMovementStrategy) Compare(a, b *ExecutionTask) int {
	tpA, tpB := a.Proposal.TopicPartition, b.Proposal.TopicPartition
	switch {
	case tpA.Topic < tpB.Topic:
		return -1
	case tpA.Topic > tpB.Topic:
		return 1
	case tpA.Partition < tpB.Partition:
		return -1
	case tpA.Partition > tpB.Partition:
		return 1
	default:
		return 0
	}
}

// PrioritizeSmallReplicaMovementStrategy moves small partitions first so that
// quick wins free up concurrency slots early.
type PrioritizeSmallReplicaMovementStrategy struct{}

func (PrioritizeSmallReplicaMovementStrategy) Name() string { return "prioritize_small_movements" }

func (PrioritizeSmallReplicaMovementStrategy) Compare(a, b *ExecutionTask) int {
	switch {
	case a.Proposal.PartitionSizeBytes < b.Proposal.PartitionSizeBytes:
		return -1
	case a.Proposal.PartitionSizeBytes > b.Proposal.PartitionSizeBytes:
		return 1
	default:
		return 0
	}
}

// PrioritizeLargeReplicaMovementStrategy moves large partitions first so that
// the long pole starts as early as possible.
type PrioritizeLargeReplicaMovementStrategy struct{}

func (PrioritizeLargeReplicaMovementStrategy) Name() string { return "prioritize_large_movements" }

func (PrioritizeLargeReplicaMovementStrategy) Compare(a, b *ExecutionTask) int {
	return -PrioritizeSmallReplicaMovementStrategy{}.Compare(a, b)
}

// chainedStrategy applies strategies in order, falling through on ties.
type chainedStrategy struct {
	strategies []ReplicaMovementStrategy
}

func (c chainedStrategy) Name() string {
	name := ""
	for i, s := range c.strategies {
		if i > 0 {
			name += ","
		}
		name += s.Name()
	}
	return name
}

func (c chainedStrategy) Compare(a, b *ExecutionTask) int {
	for _, s := range c.strategies {
		if cmp := s.Compare(a, b); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// ChainStrategies combines the given strategies and guarantees determinism by
// appending the base order as the final tie breaker.
func ChainStrategies(strategies ...ReplicaMovementStrategy) ReplicaMovementStrategy {
	chained := make([]ReplicaMovementStrategy, 0, len(strategies)+1)
	chained = append(chained, strategies...)
	chained = append(chained, BaseReplicaMovementStrategy{})
	return chainedStrategy{strategies: chained}
}

func sortTasks(tasks []*ExecutionTask, strategy ReplicaMovementStrategy) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return strategy.Compare(tasks[i], tasks[j]) < 0
	})
}

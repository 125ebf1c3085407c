package executor

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// throttleHelper applies a replication rate limit to brokers participating in
// inter-broker movements and marks the moving replicas as throttled on their
// topics. It only ever removes throttle entries it added itself, so operator
// managed throttles survive an execution.
type throttleHelper struct {
	admin  AdminClient
	logger *zap.Logger

	// rateBytesPerSec <= 0 disables throttling entirely.
	rateBytesPerSec int64

	// deadBrokers at execution start are skipped, altering their configs
	// would fail the whole request.
	deadBrokers map[int32]struct{}

	throttledBrokers map[int32]struct{}
	// topic -> entries ("partition:broker") added by this execution
	leaderEntries   map[string][]string
	followerEntries map[string][]string
}

func newThrottleHelper(admin AdminClient, rateBytesPerSec int64, deadBrokers map[int32]struct{}, logger *zap.Logger) *throttleHelper {
	return &throttleHelper{
		admin:            admin,
		logger:           logger,
		rateBytesPerSec:  rateBytesPerSec,
		deadBrokers:      deadBrokers,
		throttledBrokers: make(map[int32]struct{}),
		leaderEntries:    make(map[string][]string),
		followerEntries:  make(map[string][]string),
	}
}

func (h *throttleHelper) enabled() bool {
	return h.rateBytesPerSec > 0
}

func participatingBrokers(task *ExecutionTask) []int32 {
	return brokersTouched(task)
}

// setThrottles applies the replication rate to every live broker the tasks
// touch and marks the tasks' replicas as throttled on their topics. Leader
// entries cover the current replicas, follower entries the newly added ones.
func (h *throttleHelper) setThrottles(ctx context.Context, tasks []*ExecutionTask) error {
	if !h.enabled() || len(tasks) == 0 {
		return nil
	}

	var newlyThrottled []int32
	for _, task := range tasks {
		for _, broker := range participatingBrokers(task) {
			if _, dead := h.deadBrokers[broker]; dead {
				continue
			}
			if _, throttled := h.throttledBrokers[broker]; throttled {
				continue
			}
			h.throttledBrokers[broker] = struct{}{}
			newlyThrottled = append(newlyThrottled, broker)
		}
	}
	if len(newlyThrottled) > 0 {
		sort.Slice(newlyThrottled, func(i, j int) bool { return newlyThrottled[i] < newlyThrottled[j] })
		if err := h.admin.SetBrokerReplicationThrottleRate(ctx, newlyThrottled, h.rateBytesPerSec); err != nil {
			return fmt.Errorf("failed to throttle brokers: %w", err)
		}
	}

	leaderByTopic := make(map[string][]string)
	followerByTopic := make(map[string][]string)
	for _, task := range tasks {
		topic := task.Proposal.TopicPartition.Topic
		partition := task.Proposal.TopicPartition.Partition
		for _, broker := range task.Proposal.OldReplicaBrokers() {
			leaderByTopic[topic] = append(leaderByTopic[topic], fmt.Sprintf("%d:%d", partition, broker))
		}
		for _, broker := range task.Proposal.ReplicasToAdd() {
			followerByTopic[topic] = append(followerByTopic[topic], fmt.Sprintf("%d:%d", partition, broker))
		}
	}
	for topic := range leaderByTopic {
		leaderEntries := leaderByTopic[topic]
		followerEntries := followerByTopic[topic]
		if err := h.admin.AddTopicThrottledReplicas(ctx, topic, leaderEntries, followerEntries); err != nil {
			return fmt.Errorf("failed to throttle replicas of topic %q: %w", topic, err)
		}
		h.leaderEntries[topic] = append(h.leaderEntries[topic], leaderEntries...)
		h.followerEntries[topic] = append(h.followerEntries[topic], followerEntries...)
	}

	return nil
}

// clearTaskThrottles removes the topic throttle entries of terminated tasks
// and unthrottles brokers no longer touched by any still running task. Errors
// are logged and swallowed, a leftover throttle must not fail the execution.
func (h *throttleHelper) clearTaskThrottles(ctx context.Context, finishedTasks, stillRunning []*ExecutionTask) {
	if !h.enabled() || len(finishedTasks) == 0 {
		return
	}

	leaderByTopic := make(map[string][]string)
	followerByTopic := make(map[string][]string)
	for _, task := range finishedTasks {
		topic := task.Proposal.TopicPartition.Topic
		partition := task.Proposal.TopicPartition.Partition
		for _, broker := range task.Proposal.OldReplicaBrokers() {
			leaderByTopic[topic] = append(leaderByTopic[topic], fmt.Sprintf("%d:%d", partition, broker))
		}
		for _, broker := range task.Proposal.ReplicasToAdd() {
			followerByTopic[topic] = append(followerByTopic[topic], fmt.Sprintf("%d:%d", partition, broker))
		}
	}
	for topic := range leaderByTopic {
		if err := h.admin.RemoveTopicThrottledReplicas(ctx, topic, leaderByTopic[topic], followerByTopic[topic]); err != nil {
			h.logger.Warn("failed to remove throttled replicas of topic",
				zap.String("topic", topic), zap.Error(err))
			continue
		}
		h.leaderEntries[topic] = subtractEntries(h.leaderEntries[topic], leaderByTopic[topic])
		h.followerEntries[topic] = subtractEntries(h.followerEntries[topic], followerByTopic[topic])
	}

	stillTouched := make(map[int32]struct{})
	for _, task := range stillRunning {
		for _, broker := range participatingBrokers(task) {
			stillTouched[broker] = struct{}{}
		}
	}
	var unthrottle []int32
	for broker := range h.throttledBrokers {
		if _, touched := stillTouched[broker]; !touched {
			unthrottle = append(unthrottle, broker)
		}
	}
	if len(unthrottle) > 0 {
		sort.Slice(unthrottle, func(i, j int) bool { return unthrottle[i] < unthrottle[j] })
		if err := h.admin.RemoveBrokerReplicationThrottleRate(ctx, unthrottle); err != nil {
			h.logger.Warn("failed to remove broker replication throttle rates", zap.Error(err))
			return
		}
		for _, broker := range unthrottle {
			delete(h.throttledBrokers, broker)
		}
	}
}

// clearAllThrottles removes everything this execution ever set. Called in the
// final cleanup of an execution.
func (h *throttleHelper) clearAllThrottles(ctx context.Context) {
	if !h.enabled() {
		return
	}

	for topic := range h.leaderEntries {
		leaderEntries := h.leaderEntries[topic]
		followerEntries := h.followerEntries[topic]
		if len(leaderEntries) == 0 && len(followerEntries) == 0 {
			continue
		}
		if err := h.admin.RemoveTopicThrottledReplicas(ctx, topic, leaderEntries, followerEntries); err != nil {
			h.logger.Warn("failed to remove throttled replicas of topic",
				zap.String("topic", topic), zap.Error(err))
		}
	}
	h.leaderEntries = make(map[string][]string)
	h.followerEntries = make(map[string][]string)

	if len(h.throttledBrokers) > 0 {
		brokers := make([]int32, 0, len(h.throttledBrokers))
		for broker := range h.throttledBrokers {
			brokers = append(brokers, broker)
		}
		sort.Slice(brokers, func(i, j int) bool { return brokers[i] < brokers[j] })
		if err := h.admin.RemoveBrokerReplicationThrottleRate(ctx, brokers); err != nil {
			h.logger.Warn("failed to remove broker replication throttle rates", zap.Error(err))
		}
		h.throttledBrokers = make(map[int32]struct{})
	}
}

func subtractEntries(entries, removed []string) []string {
	toRemove := make(map[string]int, len(removed))
	for _, entry := range removed {
		toRemove[entry]++
	}
	var kept []string
	for _, entry := range entries {
		if toRemove[entry] > 0 {
			toRemove[entry]--
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

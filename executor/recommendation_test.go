package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudhut/kbalance/kafka"
)

func snapshotWithPartitions(partitions map[kafka.TopicPartition]kafka.PartitionInfo) *kafka.ClusterSnapshot {
	return &kafka.ClusterSnapshot{
		Brokers: map[int32]kafka.BrokerInfo{
			1: {ID: 1}, 2: {ID: 2}, 3: {ID: 3},
		},
		Partitions: partitions,
	}
}

func TestMinIsrBasedRecommendation(t *testing.T) {
	tt := []struct {
		TestName        string
		Partitions      map[kafka.TopicPartition]kafka.PartitionInfo
		MinIsrByTopic   map[string]int
		StopThreshold   int
		WantStop        bool
		WantDecrease    []int32
		WantDecCluster  bool
		WantIncBrokers  []int32
		WantIncCluster  bool
	}{
		{
			TestName: "healthy partitions recommend no change",
			Partitions: map[kafka.TopicPartition]kafka.PartitionInfo{
				{Topic: "orders", Partition: 0}: {Leader: 1, Replicas: []int32{1, 2, 3}, ISR: []int32{1, 2, 3}},
			},
			MinIsrByTopic: map[string]int{"orders": 2},
			StopThreshold: 1,
		},
		{
			TestName: "at-min-isr partitions slow down the remaining isr members",
			Partitions: map[kafka.TopicPartition]kafka.PartitionInfo{
				{Topic: "orders", Partition: 0}: {Leader: 1, Replicas: []int32{1, 2, 3}, ISR: []int32{1, 2}},
			},
			MinIsrByTopic:  map[string]int{"orders": 2},
			StopThreshold:  1,
			WantDecrease:   []int32{1, 2},
			WantDecCluster: true,
		},
		{
			TestName: "under-min-isr partitions at the threshold stop the execution",
			Partitions: map[kafka.TopicPartition]kafka.PartitionInfo{
				{Topic: "orders", Partition: 0}: {Leader: 1, Replicas: []int32{1, 2, 3}, ISR: []int32{1}},
			},
			MinIsrByTopic: map[string]int{"orders": 2},
			StopThreshold: 1,
			WantStop:      true,
		},
		{
			TestName: "under-min-isr partitions below the threshold do not stop",
			Partitions: map[kafka.TopicPartition]kafka.PartitionInfo{
				{Topic: "orders", Partition: 0}: {Leader: 1, Replicas: []int32{1, 2, 3}, ISR: []int32{1}},
			},
			MinIsrByTopic: map[string]int{"orders": 2},
			StopThreshold: 2,
		},
		{
			TestName: "topics without a known min isr are ignored",
			Partitions: map[kafka.TopicPartition]kafka.PartitionInfo{
				{Topic: "orders", Partition: 0}: {Leader: 1, Replicas: []int32{1, 2, 3}, ISR: []int32{1}},
			},
			MinIsrByTopic: map[string]int{},
			StopThreshold: 1,
		},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			recommendation := minIsrBasedRecommendation(
				snapshotWithPartitions(test.Partitions), test.MinIsrByTopic, test.StopThreshold)

			assert.Equal(t, test.WantStop, recommendation.stopExecution)
			assert.ElementsMatch(t, test.WantDecrease, keys(recommendation.decreaseBrokers))
			assert.ElementsMatch(t, test.WantIncBrokers, keys(recommendation.increaseBrokers))
			assert.Equal(t, test.WantDecCluster, recommendation.decreaseCluster)
			assert.Equal(t, test.WantIncCluster, recommendation.increaseCluster)
		})
	}
}

func TestMetricBasedRecommendation(t *testing.T) {
	tt := []struct {
		TestName        string
		MetricsByBroker map[int32]BrokerMetrics
		WantIncrease    []int32
		WantDecrease    []int32
		WantIncCluster  bool
		WantDecCluster  bool
	}{
		{
			TestName: "all brokers healthy",
			MetricsByBroker: map[int32]BrokerMetrics{
				1: {CPUUtilization: 0.5},
				2: {CPUUtilization: 0.6, RequestQueueSize: 10},
			},
			WantIncrease:   []int32{1, 2},
			WantIncCluster: true,
		},
		{
			TestName: "one broker over the cpu threshold",
			MetricsByBroker: map[int32]BrokerMetrics{
				1: {CPUUtilization: 0.96},
				2: {CPUUtilization: 0.5},
			},
			WantIncrease:   []int32{2},
			WantDecrease:   []int32{1},
			WantDecCluster: true,
		},
		{
			TestName: "slow log flushes and long request queues both breach",
			MetricsByBroker: map[int32]BrokerMetrics{
				1: {LogFlushTimeMs99th: 1500},
				2: {RequestQueueSize: 2000},
			},
			WantDecrease:   []int32{1, 2},
			WantDecCluster: true,
		},
		{
			TestName:        "no metrics recommend no change",
			MetricsByBroker: map[int32]BrokerMetrics{},
		},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			recommendation := metricBasedRecommendation(test.MetricsByBroker, defaultMetricRules)

			assert.False(t, recommendation.stopExecution)
			assert.ElementsMatch(t, test.WantIncrease, keys(recommendation.increaseBrokers))
			assert.ElementsMatch(t, test.WantDecrease, keys(recommendation.decreaseBrokers))
			assert.Equal(t, test.WantIncCluster, recommendation.increaseCluster)
			assert.Equal(t, test.WantDecCluster, recommendation.decreaseCluster)
			assert.Equal(t,
				len(test.WantIncrease) == 0 && len(test.WantDecrease) == 0,
				recommendation.noChange())
		})
	}
}

func keys(set map[int32]struct{}) []int32 {
	brokers := make([]int32, 0, len(set))
	for broker := range set {
		brokers = append(brokers, broker)
	}
	return brokers
}

package kafka

import (
	"fmt"
	"sort"
	"time"
)

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// TopicPartitionReplica identifies one broker's copy of a partition.
type TopicPartitionReplica struct {
	Topic     string
	Partition int32
	BrokerID  int32
}

func (tpr TopicPartitionReplica) String() string {
	return fmt.Sprintf("%s-%d-%d", tpr.Topic, tpr.Partition, tpr.BrokerID)
}

type BrokerInfo struct {
	ID   int32
	Host string
	Port int32
	Rack string
}

type PartitionInfo struct {
	Leader   int32
	Replicas []int32
	ISR      []int32
}

// ClusterSnapshot is an immutable view of broker and partition metadata,
// taken at a single point in time.
type ClusterSnapshot struct {
	ObservedAt   time.Time
	ControllerID int32
	Brokers      map[int32]BrokerInfo
	Partitions   map[TopicPartition]PartitionInfo
}

func (c *ClusterSnapshot) NodeByID(id int32) (BrokerInfo, bool) {
	broker, exists := c.Brokers[id]
	return broker, exists
}

func (c *ClusterSnapshot) HasBroker(id int32) bool {
	_, exists := c.Brokers[id]
	return exists
}

func (c *ClusterSnapshot) Partition(tp TopicPartition) (PartitionInfo, bool) {
	info, exists := c.Partitions[tp]
	return info, exists
}

func (c *ClusterSnapshot) Topics() []string {
	unique := make(map[string]struct{})
	for tp := range c.Partitions {
		unique[tp.Topic] = struct{}{}
	}
	topics := make([]string, 0, len(unique))
	for topic := range unique {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

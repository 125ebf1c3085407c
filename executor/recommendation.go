package executor

import (
	"github.com/cloudhut/kbalance/kafka"
)

// adjustingRecommendation is the outcome of one health evaluation: which
// brokers should move more or less concurrently, whether the cluster-wide
// leadership cap should follow, or whether the execution should stop.
type adjustingRecommendation struct {
	stopExecution bool

	increaseBrokers map[int32]struct{}
	decreaseBrokers map[int32]struct{}

	increaseCluster bool
	decreaseCluster bool
}

func newAdjustingRecommendation() *adjustingRecommendation {
	return &adjustingRecommendation{
		increaseBrokers: make(map[int32]struct{}),
		decreaseBrokers: make(map[int32]struct{}),
	}
}

func (r *adjustingRecommendation) noChange() bool {
	return !r.stopExecution && len(r.increaseBrokers) == 0 && len(r.decreaseBrokers) == 0 &&
		!r.increaseCluster && !r.decreaseCluster
}

// minIsrBasedRecommendation inspects each partition's in-sync replica count
// against its topic's min.insync.replicas. Too many under-minISR partitions
// recommend stopping the execution, at-minISR partitions recommend slowing
// down the brokers still in the shrunk ISR. ISR health never recommends an
// increase.
func minIsrBasedRecommendation(
	cluster *kafka.ClusterSnapshot,
	minIsrByTopic map[string]int,
	underMinIsrStopThreshold int,
) *adjustingRecommendation {
	recommendation := newAdjustingRecommendation()

	numUnderMinIsr := 0
	for tp, partition := range cluster.Partitions {
		minIsr, known := minIsrByTopic[tp.Topic]
		if !known {
			continue
		}
		switch {
		case len(partition.ISR) < minIsr:
			numUnderMinIsr++
		case len(partition.ISR) == minIsr:
			for _, broker := range partition.ISR {
				recommendation.decreaseBrokers[broker] = struct{}{}
			}
		}
	}
	if numUnderMinIsr >= underMinIsrStopThreshold {
		recommendation.stopExecution = true
		return recommendation
	}
	if len(recommendation.decreaseBrokers) > 0 {
		recommendation.decreaseCluster = true
	}

	return recommendation
}

// metricRule flags a broker for a concurrency decrease when the observed
// value exceeds the threshold.
type metricRule struct {
	name      string
	threshold float64
	observe   func(BrokerMetrics) float64
}

var defaultMetricRules = []metricRule{
	{name: "cpu_utilization", threshold: 0.95, observe: func(m BrokerMetrics) float64 { return m.CPUUtilization }},
	{name: "log_flush_time_ms_99th", threshold: 1000, observe: func(m BrokerMetrics) float64 { return m.LogFlushTimeMs99th }},
	{name: "request_queue_size", threshold: 1000, observe: func(m BrokerMetrics) float64 { return m.RequestQueueSize }},
}

// metricBasedRecommendation evaluates the configured metric rules against the
// current broker metric values. A broker breaching any rule is recommended a
// decrease, a broker below every threshold an increase. The cluster-wide
// leadership recommendation follows the brokers: increase only if no broker
// decreased and at least one increased.
func metricBasedRecommendation(metricsByBroker map[int32]BrokerMetrics, rules []metricRule) *adjustingRecommendation {
	recommendation := newAdjustingRecommendation()

	for broker, metrics := range metricsByBroker {
		breached := false
		for _, rule := range rules {
			if rule.observe(metrics) > rule.threshold {
				breached = true
				break
			}
		}
		if breached {
			recommendation.decreaseBrokers[broker] = struct{}{}
		} else {
			recommendation.increaseBrokers[broker] = struct{}{}
		}
	}

	if len(recommendation.decreaseBrokers) > 0 {
		recommendation.decreaseCluster = true
	} else if len(recommendation.increaseBrokers) > 0 {
		recommendation.increaseCluster = true
	}

	return recommendation
}

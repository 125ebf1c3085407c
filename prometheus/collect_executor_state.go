package prometheus

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudhut/kbalance/executor"
)

var allTaskTypes = []executor.TaskType{
	executor.InterBrokerReplicaAction,
	executor.IntraBrokerReplicaAction,
	executor.LeaderAction,
}

func (e *Exporter) collectExecutorState(_ context.Context, ch chan<- prometheus.Metric) bool {
	state := e.executor.State()

	executing := 0.0
	if state.Phase != executor.PhaseNoTask && state.Phase != executor.PhaseGeneratingProposals {
		executing = 1.0
	}
	ch <- prometheus.MustNewConstMetric(
		e.executionInfo,
		prometheus.GaugeValue,
		executing,
		state.Phase.String(),
		state.UUID,
		state.Reason,
		strconv.FormatBool(state.TriggeredByUser),
	)

	ch <- prometheus.MustNewConstMetric(e.recentlyDemotedBrokers, prometheus.GaugeValue,
		float64(len(state.RecentlyDemotedBrokers)))
	ch <- prometheus.MustNewConstMetric(e.recentlyRemovedBrokers, prometheus.GaugeValue,
		float64(len(state.RecentlyRemovedBrokers)))

	if executing == 0.0 {
		return true
	}

	taskCounts := map[string]map[executor.TaskType]int{
		"remaining":    state.Tasks.Remaining,
		"in_execution": state.Tasks.InExecution,
		"completed":    state.Tasks.Completed,
		"dead":         state.Tasks.Dead,
		"aborted":      state.Tasks.Aborted,
	}
	for stateLabel, byType := range taskCounts {
		for _, taskType := range allTaskTypes {
			ch <- prometheus.MustNewConstMetric(
				e.executionTasks,
				prometheus.GaugeValue,
				float64(byType[taskType]),
				taskType.String(),
				stateLabel,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(e.executionDataBytes, prometheus.GaugeValue,
		float64(state.Tasks.RemainingDataBytes), "remaining")
	ch <- prometheus.MustNewConstMetric(e.executionDataBytes, prometheus.GaugeValue,
		float64(state.Tasks.InExecutionDataBytes), "in_execution")
	ch <- prometheus.MustNewConstMetric(e.executionDataBytes, prometheus.GaugeValue,
		float64(state.Tasks.FinishedDataBytes), "finished")

	concurrencies := map[string]executor.ConcurrencySummary{
		"inter_broker_replica": state.InterBrokerConcurrency,
		"intra_broker_replica": state.IntraBrokerConcurrency,
		"leadership":           state.LeadershipConcurrency,
	}
	for dimension, summary := range concurrencies {
		ch <- prometheus.MustNewConstMetric(e.movementConcurrency, prometheus.GaugeValue,
			float64(summary.Min), dimension, "min")
		ch <- prometheus.MustNewConstMetric(e.movementConcurrency, prometheus.GaugeValue,
			float64(summary.Max), dimension, "max")
		ch <- prometheus.MustNewConstMetric(e.movementConcurrency, prometheus.GaugeValue,
			summary.Avg, dimension, "avg")
	}
	ch <- prometheus.MustNewConstMetric(e.leadershipClusterCap, prometheus.GaugeValue,
		float64(state.LeadershipClusterCap))

	return true
}

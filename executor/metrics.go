package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	partitionMovementsPerSec = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kbalance",
		Subsystem: "executor",
		Name:      "ongoing_partition_movements_per_sec",
		Help:      "Inter-broker partition movements completed per second, measured over the last progress check",
	})
	dataMovementMBPerSec = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kbalance",
		Subsystem: "executor",
		Name:      "ongoing_data_movement_mb_per_sec",
		Help:      "Inter-broker data movement throughput in MB per second, measured over the last progress check",
	})
	progressCheckIntervalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kbalance",
		Subsystem: "executor",
		Name:      "progress_check_interval_seconds",
		Help:      "Current interval between two progress checks of the ongoing execution",
	})
	movementsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kbalance",
		Subsystem: "executor",
		Name:      "movements_completed_total",
		Help:      "Number of movements the executor completed successfully, partitioned by task type",
	}, []string{"task_type"})
	executionsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kbalance",
		Subsystem: "executor",
		Name:      "executions_stopped_total",
		Help:      "Number of executions that were requested to stop, partitioned by who requested it",
	}, []string{"stopped_by"})
)

func updateMovementRates(finishedTasks []*ExecutionTask, interval time.Duration) {
	seconds := interval.Seconds()
	if seconds <= 0 {
		return
	}
	var movedBytes int64
	for _, task := range finishedTasks {
		movedBytes += task.Proposal.PartitionSizeBytes
	}
	partitionMovementsPerSec.Set(float64(len(finishedTasks)) / seconds)
	dataMovementMBPerSec.Set(float64(movedBytes) / seconds / 1024 / 1024)
}

func resetMovementRates() {
	partitionMovementsPerSec.Set(0)
	dataMovementMBPerSec.Set(0)
}

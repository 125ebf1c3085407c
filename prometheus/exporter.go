package prometheus

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cloudhut/kbalance/executor"
	"github.com/cloudhut/kbalance/kafka"
)

// Exporter is the Prometheus exporter that implements the prometheus.Collector interface
type Exporter struct {
	cfg      Config
	logger   *zap.Logger
	executor *executor.Executor
	metadata *kafka.MetadataClient

	// Exporter metrics
	exporterUp            *prometheus.Desc
	failedCollectsCounter *prometheus.CounterVec

	// Kafka metrics
	clusterInfo *prometheus.Desc
	brokerInfo  *prometheus.Desc

	// Execution metrics
	executionInfo          *prometheus.Desc
	executionTasks         *prometheus.Desc
	executionDataBytes     *prometheus.Desc
	movementConcurrency    *prometheus.Desc
	leadershipClusterCap   *prometheus.Desc
	recentlyDemotedBrokers *prometheus.Desc
	recentlyRemovedBrokers *prometheus.Desc
}

func NewExporter(cfg Config, logger *zap.Logger, exec *executor.Executor, metadata *kafka.MetadataClient) (*Exporter, error) {
	return &Exporter{cfg: cfg, logger: logger, executor: exec, metadata: metadata}, nil
}

func (e *Exporter) InitializeMetrics() {
	e.exporterUp = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "exporter", "up"),
		"Build info about this Prometheus Exporter. Gauge value is 0 if one or more scrapes have failed.",
		nil,
		map[string]string{"version": os.Getenv("EXPORTER_VERSION")},
	)
	e.failedCollectsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: e.cfg.Namespace,
			Subsystem: "kafka",
			Name:      "failed_collects_total",
			Help:      "Number of collects that have failed",
		},
		[]string{"type"},
	)
	prometheus.MustRegister(e.failedCollectsCounter)

	// Kafka metrics
	e.clusterInfo = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "kafka", "cluster_info"),
		"Kafka cluster information",
		[]string{"broker_count", "controller_id"},
		nil,
	)
	e.brokerInfo = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "kafka", "broker_info"),
		"Kafka broker information",
		[]string{"broker_id", "address", "port", "rack_id", "is_controller"},
		nil,
	)

	// Execution metrics
	e.executionInfo = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "executor", "execution_info"),
		"Information about the ongoing execution. Gauge value is 1 while an execution is in flight, otherwise 0.",
		[]string{"phase", "uuid", "reason", "triggered_by_user"},
		nil,
	)
	e.executionTasks = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "executor", "execution_tasks"),
		"Number of tasks of the ongoing execution, partitioned by task type and state",
		[]string{"task_type", "state"},
		nil,
	)
	e.executionDataBytes = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "executor", "execution_data_bytes"),
		"Bytes of partition data the ongoing execution still has to move, is moving or has moved",
		[]string{"state"},
		nil,
	)
	e.movementConcurrency = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "executor", "movement_concurrency"),
		"Per-broker movement concurrency caps of the ongoing execution, aggregated across brokers",
		[]string{"dimension", "aggregate"},
		nil,
	)
	e.leadershipClusterCap = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "executor", "cluster_leadership_movement_concurrency"),
		"Cluster-wide cap on concurrent leadership movements of the ongoing execution",
		nil,
		nil,
	)
	e.recentlyDemotedBrokers = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "executor", "recently_demoted_brokers"),
		"Number of brokers that are currently considered recently demoted",
		nil,
		nil,
	)
	e.recentlyRemovedBrokers = prometheus.NewDesc(
		prometheus.BuildFQName(e.cfg.Namespace, "executor", "recently_removed_brokers"),
		"Number of brokers that are currently considered recently removed",
		nil,
		nil,
	)
}

// Describe implements the prometheus.Collector interface. It sends the
// super-set of all possible descriptors of metrics collected by this
// Collector to the provided channel and returns once the last descriptor
// has been sent. The sent descriptors fulfill the consistency and uniqueness
// requirements described in the Desc documentation.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.exporterUp
	ch <- e.clusterInfo
	ch <- e.brokerInfo
	ch <- e.executionInfo
	ch <- e.executionTasks
	ch <- e.executionDataBytes
	ch <- e.movementConcurrency
	ch <- e.leadershipClusterCap
	ch <- e.recentlyDemotedBrokers
	ch <- e.recentlyRemovedBrokers
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	ok := e.collectClusterInfo(ctx, ch)
	ok = e.collectBrokerInfo(ctx, ch) && ok
	ok = e.collectExecutorState(ctx, ch) && ok

	if ok {
		ch <- prometheus.MustNewConstMetric(e.exporterUp, prometheus.GaugeValue, 1.0)
	} else {
		ch <- prometheus.MustNewConstMetric(e.exporterUp, prometheus.GaugeValue, 0.0)
	}
}

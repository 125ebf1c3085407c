package prometheus

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func (e *Exporter) collectClusterInfo(ctx context.Context, ch chan<- prometheus.Metric) bool {
	cluster, err := e.metadata.Cluster(ctx)
	if err != nil {
		e.logger.Error("failed to get kafka metadata", zap.Error(err))
		e.failedCollectsCounter.WithLabelValues("cluster_info").Inc()
		return false
	}

	ch <- prometheus.MustNewConstMetric(
		e.clusterInfo,
		prometheus.GaugeValue,
		1,
		strconv.Itoa(len(cluster.Brokers)),
		strconv.Itoa(int(cluster.ControllerID)),
	)
	return true
}

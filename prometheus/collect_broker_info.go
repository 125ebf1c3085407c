package prometheus

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func (e *Exporter) collectBrokerInfo(ctx context.Context, ch chan<- prometheus.Metric) bool {
	cluster, err := e.metadata.Cluster(ctx)
	if err != nil {
		e.logger.Error("failed to get kafka metadata", zap.Error(err))
		e.failedCollectsCounter.WithLabelValues("broker_info").Inc()
		return false
	}

	for _, broker := range cluster.Brokers {
		isController := cluster.ControllerID == broker.ID
		ch <- prometheus.MustNewConstMetric(
			e.brokerInfo,
			prometheus.GaugeValue,
			1,
			strconv.Itoa(int(broker.ID)),
			broker.Host,
			strconv.Itoa(int(broker.Port)),
			broker.Rack,
			strconv.FormatBool(isController),
		)
	}

	return true
}

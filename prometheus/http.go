package prometheus

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Start registers the exporter and serves the metrics endpoint. It blocks
// until the listener fails.
func Start(cfg Config, exporter *Exporter, logger *zap.Logger) error {
	exporter.InitializeMetrics()
	prometheus.MustRegister(exporter)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	address := fmt.Sprintf("%v:%d", cfg.Host, cfg.Port)
	logger.Info("listening on address", zap.String("listen_address", address))

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		return http.ListenAndServeTLS(address, cfg.TLSCertFile, cfg.TLSKeyFile, mux)
	}
	return http.ListenAndServe(address, mux)
}

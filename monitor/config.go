package monitor

import (
	"fmt"
	"time"
)

type Config struct {
	// MetricsTopic is the topic the brokers' metrics reporters produce resource
	// metric samples to.
	MetricsTopic string `koanf:"metricsTopic"`

	// MetricStaleness is how long a broker's last sample stays usable. Brokers
	// without a fresh sample are left out of the current metric values.
	MetricStaleness time.Duration `koanf:"metricStaleness"`
}

func (c *Config) SetDefaults() {
	c.MetricsTopic = "__kbalance_broker_metrics"
	c.MetricStaleness = 5 * time.Minute
}

func (c *Config) Validate() error {
	if c.MetricsTopic == "" {
		return fmt.Errorf("failed to validate metricsTopic config, the topic name can't be empty")
	}
	if c.MetricStaleness <= 0 {
		return fmt.Errorf("failed to validate metricStaleness config, the duration can't be zero")
	}
	return nil
}

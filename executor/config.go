package executor

import (
	"fmt"
	"time"
)

type Config struct {
	// ProgressCheckInterval is the default time between two progress checks of
	// an ongoing execution. The effective interval adapts at runtime but never
	// leaves the range [MinProgressCheckInterval, max(ProgressCheckInterval,
	// interval requested for the execution)].
	ProgressCheckInterval    time.Duration `koanf:"progressCheckInterval"`
	MinProgressCheckInterval time.Duration `koanf:"minProgressCheckInterval"`

	// LeaderMovementTimeout is the per-task deadline for leadership movements.
	LeaderMovementTimeout time.Duration `koanf:"leaderMovementTimeout"`

	DemotionHistoryRetention time.Duration `koanf:"demotionHistoryRetention"`
	RemovalHistoryRetention  time.Duration `koanf:"removalHistoryRetention"`

	// SlowTaskAlertingBackoff rate-limits how often a single slow task may be
	// reported through the notifier.
	SlowTaskAlertingBackoff time.Duration `koanf:"slowTaskAlertingBackoff"`

	// RequestTimeout bounds every admin request issued by the executor.
	RequestTimeout time.Duration `koanf:"requestTimeout"`

	// ReplicationThrottle is the replication rate in bytes/sec applied to
	// brokers participating in inter-broker movements. 0 disables throttling.
	ReplicationThrottle int64 `koanf:"replicationThrottle"`

	ConcurrencyAdjuster AdjusterConfig    `koanf:"concurrencyAdjuster"`
	MinIsrCache         MinIsrCacheConfig `koanf:"minIsrCache"`
	Concurrency         ConcurrencyConfig `koanf:"concurrency"`
}

func (c *Config) SetDefaults() {
	c.ProgressCheckInterval = 10 * time.Second
	c.MinProgressCheckInterval = 5 * time.Second
	c.LeaderMovementTimeout = 180 * time.Second
	c.DemotionHistoryRetention = 1344 * time.Hour
	c.RemovalHistoryRetention = 336 * time.Hour
	c.SlowTaskAlertingBackoff = 60 * time.Second
	c.RequestTimeout = 30 * time.Second
	c.ReplicationThrottle = 0

	c.ConcurrencyAdjuster.SetDefaults()
	c.MinIsrCache.SetDefaults()
	c.Concurrency.SetDefaults()
}

func (c *Config) Validate() error {
	if c.MinProgressCheckInterval <= 0 {
		return fmt.Errorf("minProgressCheckInterval must be positive")
	}
	if c.ProgressCheckInterval < c.MinProgressCheckInterval {
		return fmt.Errorf("progressCheckInterval (%s) must not be below minProgressCheckInterval (%s)",
			c.ProgressCheckInterval, c.MinProgressCheckInterval)
	}
	if c.LeaderMovementTimeout <= 0 {
		return fmt.Errorf("leaderMovementTimeout must be positive")
	}
	if c.ReplicationThrottle < 0 {
		return fmt.Errorf("replicationThrottle must not be negative")
	}

	err := c.ConcurrencyAdjuster.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate concurrencyAdjuster config: %w", err)
	}

	err = c.MinIsrCache.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate minIsrCache config: %w", err)
	}

	err = c.Concurrency.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate concurrency config: %w", err)
	}

	return nil
}

type AdjusterConfig struct {
	// Interval is the tick period of the concurrency adjuster.
	Interval time.Duration `koanf:"interval"`

	// NumMinIsrChecks is the number of ISR-driven ticks between two
	// metric-driven evaluations.
	NumMinIsrChecks int `koanf:"numMinIsrChecks"`

	InterBrokerReplicaEnabled bool `koanf:"interBrokerReplicaEnabled"`
	IntraBrokerReplicaEnabled bool `koanf:"intraBrokerReplicaEnabled"`
	LeadershipBrokerEnabled   bool `koanf:"leadershipBrokerEnabled"`
	LeadershipClusterEnabled  bool `koanf:"leadershipClusterEnabled"`
	MinIsrCheckEnabled        bool `koanf:"minIsrCheckEnabled"`

	// UnderMinIsrStopThreshold is the number of under-minISR partitions at
	// which the adjuster recommends stopping the execution altogether.
	UnderMinIsrStopThreshold int `koanf:"underMinIsrStopThreshold"`
}

func (c *AdjusterConfig) SetDefaults() {
	c.Interval = 360 * time.Second
	c.NumMinIsrChecks = 6
	c.InterBrokerReplicaEnabled = true
	c.IntraBrokerReplicaEnabled = false
	c.LeadershipBrokerEnabled = true
	c.LeadershipClusterEnabled = true
	c.MinIsrCheckEnabled = true
	c.UnderMinIsrStopThreshold = 1
}

func (c *AdjusterConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.NumMinIsrChecks < 1 {
		return fmt.Errorf("numMinIsrChecks must be at least 1")
	}
	if c.IntraBrokerReplicaEnabled {
		return fmt.Errorf("the concurrency adjuster does not support intra-broker replica movements")
	}
	if c.UnderMinIsrStopThreshold < 1 {
		return fmt.Errorf("underMinIsrStopThreshold must be at least 1")
	}
	return nil
}

type MinIsrCacheConfig struct {
	Size      int           `koanf:"size"`
	Retention time.Duration `koanf:"retention"`
}

func (c *MinIsrCacheConfig) SetDefaults() {
	c.Size = 2000
	c.Retention = 360 * time.Second
}

func (c *MinIsrCacheConfig) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("size must be at least 1")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	return nil
}

// ConcurrencyConfig seeds the default movement caps of a new execution. A
// request may override them per execution, the adjuster may change them while
// the execution runs.
type ConcurrencyConfig struct {
	InterBrokerPerBroker int `koanf:"interBrokerPerBroker"`
	InterBrokerCluster   int `koanf:"interBrokerCluster"`
	IntraBrokerPerBroker int `koanf:"intraBrokerPerBroker"`
	LeadershipPerBroker  int `koanf:"leadershipPerBroker"`
	LeadershipCluster    int `koanf:"leadershipCluster"`
}

func (c *ConcurrencyConfig) SetDefaults() {
	c.InterBrokerPerBroker = 5
	c.InterBrokerCluster = 50
	c.IntraBrokerPerBroker = 2
	c.LeadershipPerBroker = 150
	c.LeadershipCluster = 1000
}

func (c *ConcurrencyConfig) Validate() error {
	for _, concurrency := range []struct {
		name  string
		value int
	}{
		{"interBrokerPerBroker", c.InterBrokerPerBroker},
		{"interBrokerCluster", c.InterBrokerCluster},
		{"intraBrokerPerBroker", c.IntraBrokerPerBroker},
		{"leadershipPerBroker", c.LeadershipPerBroker},
		{"leadershipCluster", c.LeadershipCluster},
	} {
		if concurrency.value < 1 {
			return fmt.Errorf("%s must be at least 1", concurrency.name)
		}
	}
	if c.InterBrokerPerBroker > c.InterBrokerCluster {
		return fmt.Errorf("interBrokerPerBroker must not exceed interBrokerCluster")
	}
	if c.LeadershipPerBroker > c.LeadershipCluster {
		return fmt.Errorf("leadershipPerBroker must not exceed leadershipCluster")
	}
	return nil
}

package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecutorConfigValidate(t *testing.T) {
	tt := []struct {
		TestName  string
		Mutate    func(cfg *Config)
		WantError bool
	}{
		{
			TestName: "defaults are valid",
			Mutate:   func(*Config) {},
		},
		{
			TestName: "progress check interval below the minimum",
			Mutate: func(cfg *Config) {
				cfg.ProgressCheckInterval = 2 * time.Second
				cfg.MinProgressCheckInterval = 5 * time.Second
			},
			WantError: true,
		},
		{
			TestName:  "non-positive minimum progress check interval",
			Mutate:    func(cfg *Config) { cfg.MinProgressCheckInterval = 0 },
			WantError: true,
		},
		{
			TestName:  "non-positive leader movement timeout",
			Mutate:    func(cfg *Config) { cfg.LeaderMovementTimeout = 0 },
			WantError: true,
		},
		{
			TestName:  "negative replication throttle",
			Mutate:    func(cfg *Config) { cfg.ReplicationThrottle = -1 },
			WantError: true,
		},
		{
			TestName:  "intra-broker adjustment is unsupported",
			Mutate:    func(cfg *Config) { cfg.ConcurrencyAdjuster.IntraBrokerReplicaEnabled = true },
			WantError: true,
		},
		{
			TestName:  "per-broker cap above the cluster cap",
			Mutate:    func(cfg *Config) { cfg.Concurrency.InterBrokerPerBroker = 100 },
			WantError: true,
		},
		{
			TestName:  "leadership per-broker cap above the cluster cap",
			Mutate: func(cfg *Config) {
				cfg.Concurrency.LeadershipPerBroker = 2000
			},
			WantError: true,
		},
		{
			TestName:  "zero concurrency",
			Mutate:    func(cfg *Config) { cfg.Concurrency.InterBrokerPerBroker = 0 },
			WantError: true,
		},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			test.Mutate(&cfg)

			err := cfg.Validate()
			if test.WantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

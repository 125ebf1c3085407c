package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tt := []struct {
		TestName  string
		Mutate    func(cfg *Config)
		WantError bool
	}{
		{
			TestName: "valid config",
			Mutate:   func(*Config) {},
		},
		{
			TestName:  "no seed brokers",
			Mutate:    func(cfg *Config) { cfg.Brokers = nil },
			WantError: true,
		},
		{
			TestName:  "zero metadata max age",
			Mutate:    func(cfg *Config) { cfg.MetadataMaxAge = 0 },
			WantError: true,
		},
		{
			TestName:  "negative metadata max age",
			Mutate:    func(cfg *Config) { cfg.MetadataMaxAge = -time.Second },
			WantError: true,
		},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			cfg.Brokers = []string{"localhost:9092"}
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

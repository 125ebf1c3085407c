package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testConcurrencyConfig() ConcurrencyConfig {
	var cfg ConcurrencyConfig
	cfg.SetDefaults()
	return cfg
}

func TestClampConcurrency(t *testing.T) {
	tt := []struct {
		TestName        string
		ConcurrencyType ConcurrencyType
		Value           int
		Expected        int
	}{
		{"inter-broker below minimum", ConcurrencyInterBrokerReplica, 0, 1},
		{"inter-broker within bounds", ConcurrencyInterBrokerReplica, 5, 5},
		{"inter-broker above maximum", ConcurrencyInterBrokerReplica, 100, 12},
		{"leadership broker below minimum", ConcurrencyLeadershipBroker, 10, 50},
		{"leadership broker above maximum", ConcurrencyLeadershipBroker, 500, 300},
		{"leadership cluster below minimum", ConcurrencyLeadershipCluster, 50, 100},
		{"leadership cluster above maximum", ConcurrencyLeadershipCluster, 2000, 1250},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			assert.Equal(t, test.Expected, clampConcurrency(test.ConcurrencyType, test.Value))
		})
	}
}

func TestConcurrencyManagerInitialize(t *testing.T) {
	manager := NewConcurrencyManager(testConcurrencyConfig())
	assert.False(t, manager.IsInitialized())
	assert.Equal(t, 0, manager.CapForBroker(ConcurrencyInterBrokerReplica, 1))
	assert.Equal(t, 0, manager.ClusterCap(ConcurrencyLeadershipCluster))

	manager.Initialize([]int32{1, 2, 3}, requestedConcurrency{})
	assert.True(t, manager.IsInitialized())
	assert.Equal(t, 5, manager.CapForBroker(ConcurrencyInterBrokerReplica, 1))
	assert.Equal(t, 2, manager.CapForBroker(ConcurrencyIntraBrokerReplica, 2))
	assert.Equal(t, 150, manager.CapForBroker(ConcurrencyLeadershipBroker, 3))
	assert.Equal(t, 50, manager.ClusterCap(ConcurrencyInterBrokerReplica))
	assert.Equal(t, 1000, manager.ClusterCap(ConcurrencyLeadershipCluster))

	// Brokers the manager never saw fall back to the dimension's minimum.
	assert.Equal(t, 1, manager.CapForBroker(ConcurrencyInterBrokerReplica, 99))
	assert.Equal(t, 50, manager.CapForBroker(ConcurrencyLeadershipBroker, 99))

	manager.Clear()
	assert.False(t, manager.IsInitialized())
	assert.Equal(t, 0, manager.CapForBroker(ConcurrencyInterBrokerReplica, 1))
}

func TestConcurrencyManagerInitializeWithRequestedOverrides(t *testing.T) {
	manager := NewConcurrencyManager(testConcurrencyConfig())

	interBroker := 8
	leadershipCluster := 9999
	manager.Initialize([]int32{1}, requestedConcurrency{
		InterBrokerPerBroker: &interBroker,
		LeadershipCluster:    &leadershipCluster,
	})

	assert.Equal(t, 8, manager.CapForBroker(ConcurrencyInterBrokerReplica, 1))
	// Requested values outside the bounds are clamped.
	assert.Equal(t, 1250, manager.ClusterCap(ConcurrencyLeadershipCluster))
}

func TestConcurrencyManagerSetForBroker(t *testing.T) {
	tt := []struct {
		TestName        string
		ConcurrencyType ConcurrencyType
		Concurrency     int
		Expected        int
		WantError       bool
	}{
		{
			TestName:        "value within bounds",
			ConcurrencyType: ConcurrencyInterBrokerReplica,
			Concurrency:     7,
			Expected:        7,
		},
		{
			TestName:        "value above the maximum is clamped",
			ConcurrencyType: ConcurrencyInterBrokerReplica,
			Concurrency:     200,
			Expected:        12,
		},
		{
			TestName:        "leadership cluster is not a per-broker cap",
			ConcurrencyType: ConcurrencyLeadershipCluster,
			Concurrency:     500,
			WantError:       true,
		},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			manager := NewConcurrencyManager(testConcurrencyConfig())
			manager.Initialize([]int32{1, 2}, requestedConcurrency{})

			effective, err := manager.SetForBroker(1, test.Concurrency, test.ConcurrencyType)
			if test.WantError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.Expected, effective)
			assert.Equal(t, test.Expected, manager.CapForBroker(test.ConcurrencyType, 1))
			// The other broker keeps its cap.
			assert.Equal(t, 5, manager.CapForBroker(ConcurrencyInterBrokerReplica, 2))
		})
	}
}

func TestConcurrencyManagerSetForBrokerUninitialized(t *testing.T) {
	manager := NewConcurrencyManager(testConcurrencyConfig())
	_, err := manager.SetForBroker(1, 5, ConcurrencyInterBrokerReplica)
	assert.Error(t, err)
}

func TestConcurrencyManagerSetForAllBrokersOrCluster(t *testing.T) {
	manager := NewConcurrencyManager(testConcurrencyConfig())
	manager.Initialize([]int32{1, 2, 3}, requestedConcurrency{})

	effective, err := manager.SetForAllBrokersOrCluster(9, ConcurrencyInterBrokerReplica)
	assert.NoError(t, err)
	assert.Equal(t, 9, effective)
	for _, broker := range []int32{1, 2, 3} {
		assert.Equal(t, 9, manager.CapForBroker(ConcurrencyInterBrokerReplica, broker))
	}

	effective, err = manager.SetForAllBrokersOrCluster(600, ConcurrencyLeadershipCluster)
	assert.NoError(t, err)
	assert.Equal(t, 600, effective)
	assert.Equal(t, 600, manager.ClusterCap(ConcurrencyLeadershipCluster))
}

func TestConcurrencyManagerSummary(t *testing.T) {
	manager := NewConcurrencyManager(testConcurrencyConfig())
	assert.Equal(t, ConcurrencySummary{}, manager.Summary(ConcurrencyInterBrokerReplica))

	manager.Initialize([]int32{1, 2, 3}, requestedConcurrency{})
	_, err := manager.SetForBroker(1, 2, ConcurrencyInterBrokerReplica)
	assert.NoError(t, err)
	_, err = manager.SetForBroker(2, 8, ConcurrencyInterBrokerReplica)
	assert.NoError(t, err)

	summary := manager.Summary(ConcurrencyInterBrokerReplica)
	assert.Equal(t, 2, summary.Min)
	assert.Equal(t, 8, summary.Max)
	assert.InDelta(t, 5.0, summary.Avg, 0.001)

	brokers := manager.Brokers()
	assert.ElementsMatch(t, []int32{1, 2, 3}, brokers)
}

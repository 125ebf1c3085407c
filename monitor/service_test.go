package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cloudhut/kbalance/executor"
)

func newTestService() *Service {
	var cfg Config
	cfg.SetDefaults()
	return &Service{
		cfg:          cfg,
		logger:       zap.NewNop(),
		samplingMode: atomic.NewInt32(int32(executor.SamplingModeAll)),
		paused:       atomic.NewBool(false),
		ready:        atomic.NewBool(false),
		samples:      make(map[int32]brokerSample),
	}
}

func metricRecord(value string, timestamp time.Time) *kgo.Record {
	return &kgo.Record{
		Value:     []byte(value),
		Timestamp: timestamp,
	}
}

func TestProcessMetricRecord(t *testing.T) {
	tt := []struct {
		TestName        string
		Records         []string
		ExpectedMetrics map[int32]executor.BrokerMetrics
	}{
		{
			TestName: "single sample is stored",
			Records: []string{
				`{"brokerId":1,"cpuUtilization":0.42,"logFlushTimeMs99th":12,"requestQueueSize":3,"timestampMs":1700000000000}`,
			},
			ExpectedMetrics: map[int32]executor.BrokerMetrics{
				1: {CPUUtilization: 0.42, LogFlushTimeMs99th: 12, RequestQueueSize: 3},
			},
		},
		{
			TestName: "newer sample replaces the older one",
			Records: []string{
				`{"brokerId":1,"cpuUtilization":0.42,"timestampMs":1700000000000}`,
				`{"brokerId":1,"cpuUtilization":0.9,"timestampMs":1700000001000}`,
			},
			ExpectedMetrics: map[int32]executor.BrokerMetrics{
				1: {CPUUtilization: 0.9},
			},
		},
		{
			TestName: "stale sample does not override a newer one",
			Records: []string{
				`{"brokerId":1,"cpuUtilization":0.9,"timestampMs":1700000001000}`,
				`{"brokerId":1,"cpuUtilization":0.42,"timestampMs":1700000000000}`,
			},
			ExpectedMetrics: map[int32]executor.BrokerMetrics{
				1: {CPUUtilization: 0.9},
			},
		},
		{
			TestName: "samples of different brokers coexist",
			Records: []string{
				`{"brokerId":1,"cpuUtilization":0.1,"timestampMs":1700000000000}`,
				`{"brokerId":2,"cpuUtilization":0.2,"timestampMs":1700000000000}`,
			},
			ExpectedMetrics: map[int32]executor.BrokerMetrics{
				1: {CPUUtilization: 0.1},
				2: {CPUUtilization: 0.2},
			},
		},
		{
			TestName: "malformed samples are dropped",
			Records:  []string{`not json`},
			ExpectedMetrics: map[int32]executor.BrokerMetrics{},
		},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			svc := newTestService()
			// The samples carry fixed 2023 timestamps, widen the staleness
			// window so they still count as current.
			svc.cfg.MetricStaleness = time.Since(time.UnixMilli(1700000000000)) + time.Hour
			for _, value := range test.Records {
				svc.processMetricRecord(metricRecord(value, time.Now()))
			}
			assert.Equal(t, test.ExpectedMetrics, svc.CurrentBrokerMetricValues())
		})
	}
}

func TestProcessMetricRecordFallsBackToRecordTimestamp(t *testing.T) {
	svc := newTestService()
	recordTime := time.Now().Add(-time.Minute)

	svc.processMetricRecord(metricRecord(`{"brokerId":1,"cpuUtilization":0.5}`, recordTime))

	svc.mu.RLock()
	sample, exists := svc.samples[1]
	svc.mu.RUnlock()
	assert.True(t, exists)
	assert.Equal(t, recordTime, sample.observedAt)
}

func TestProcessMetricRecordWhilePaused(t *testing.T) {
	svc := newTestService()
	// The sample carries a fixed 2023 timestamp, widen the staleness window so
	// it still counts as current.
	svc.cfg.MetricStaleness = time.Since(time.UnixMilli(1700000000000)) + time.Hour
	svc.PauseMetricSampling("executor requested only execution samples")

	svc.processMetricRecord(metricRecord(`{"brokerId":1,"cpuUtilization":0.5,"timestampMs":1700000000000}`, time.Now()))
	assert.Empty(t, svc.CurrentBrokerMetricValues())

	svc.ResumeMetricSampling("execution finished")
	svc.processMetricRecord(metricRecord(`{"brokerId":1,"cpuUtilization":0.5,"timestampMs":1700000000000}`, time.Now()))
	assert.Len(t, svc.CurrentBrokerMetricValues(), 1)
}

func TestCurrentBrokerMetricValuesOmitsStaleSamples(t *testing.T) {
	svc := newTestService()

	svc.mu.Lock()
	svc.samples[1] = brokerSample{
		metrics:    executor.BrokerMetrics{CPUUtilization: 0.5},
		observedAt: time.Now().Add(-svc.cfg.MetricStaleness - time.Second),
	}
	svc.samples[2] = brokerSample{
		metrics:    executor.BrokerMetrics{CPUUtilization: 0.6},
		observedAt: time.Now(),
	}
	svc.mu.Unlock()

	values := svc.CurrentBrokerMetricValues()
	assert.Equal(t, map[int32]executor.BrokerMetrics{2: {CPUUtilization: 0.6}}, values)
}

func TestSamplingMode(t *testing.T) {
	svc := newTestService()
	assert.Equal(t, executor.SamplingModeAll, svc.SamplingMode())

	svc.SetSamplingMode(executor.SamplingModeOngoingExecution)
	assert.Equal(t, executor.SamplingModeOngoingExecution, svc.SamplingMode())

	svc.SetSamplingMode(executor.SamplingModeAll)
	assert.Equal(t, executor.SamplingModeAll, svc.SamplingMode())
}

func TestConfigValidate(t *testing.T) {
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
			TestName:  "empty metrics topic",
			Mutate:    func(cfg *Config) { cfg.MetricsTopic = "" },
			WantError: true,
		},
		{
			TestName:  "non-positive staleness",
			Mutate:    func(cfg *Config) { cfg.MetricStaleness = 0 },
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

package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// concurrencyAdjuster is the feedback control loop of an ongoing execution.
// On every tick it evaluates the cluster's ISR health and, every numMinIsrChecks
// ticks, the brokers' resource metrics, then nudges the concurrency manager's
// caps: additive increase on healthy brokers, multiplicative decrease on
// struggling ones. Severe ISR degradation stops the execution altogether.
type concurrencyAdjuster struct {
	cfg         AdjusterConfig
	concurrency *ConcurrencyManager
	minIsrCache *MinIsrCache
	logger      *zap.Logger

	// hooks into the executor, set once at construction
	currentPhase  func() Phase
	stopRequested func() bool
	requestStop   func(reason string)

	enabled            map[ConcurrencyType]*atomic.Bool
	minIsrCheckEnabled atomic.Bool

	started atomic.Bool

	mu                        sync.Mutex
	numChecks                 int
	loadMonitor               LoadMonitor
	skipInterBrokerAdjustment bool
}

func newConcurrencyAdjuster(
	cfg AdjusterConfig,
	concurrency *ConcurrencyManager,
	minIsrCache *MinIsrCache,
	currentPhase func() Phase,
	stopRequested func() bool,
	requestStop func(reason string),
	logger *zap.Logger,
) *concurrencyAdjuster {
	adjuster := &concurrencyAdjuster{
		cfg:           cfg,
		concurrency:   concurrency,
		minIsrCache:   minIsrCache,
		logger:        logger,
		currentPhase:  currentPhase,
		stopRequested: stopRequested,
		requestStop:   requestStop,
		enabled: map[ConcurrencyType]*atomic.Bool{
			ConcurrencyInterBrokerReplica: atomic.NewBool(cfg.InterBrokerReplicaEnabled),
			ConcurrencyLeadershipBroker:   atomic.NewBool(cfg.LeadershipBrokerEnabled),
			ConcurrencyLeadershipCluster:  atomic.NewBool(cfg.LeadershipClusterEnabled),
		},
	}
	adjuster.minIsrCheckEnabled.Store(cfg.MinIsrCheckEnabled)
	return adjuster
}

// initAdjustment arms the adjuster for a starting execution: it stores the
// active load monitor, seeds the concurrency manager's caps for the brokers
// currently holding replicas and remembers whether inter-broker adjustment is
// suppressed (demotion executions pin their replica concurrency).
func (a *concurrencyAdjuster) initAdjustment(
	ctx context.Context,
	loadMonitor LoadMonitor,
	requested requestedConcurrency,
	skipInterBrokerAdjustment bool,
) error {
	brokersWithReplicas, err := loadMonitor.BrokersWithReplicas(ctx)
	if err != nil {
		return err
	}
	brokers := make([]int32, 0, len(brokersWithReplicas))
	for broker := range brokersWithReplicas {
		brokers = append(brokers, broker)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.loadMonitor = loadMonitor
	a.skipInterBrokerAdjustment = skipInterBrokerAdjustment
	a.concurrency.Initialize(brokers, requested)
	a.started.Store(true)
	return nil
}

// clearAdjustment disarms the adjuster and resets the concurrency manager.
// Called once per execution from the final cleanup.
func (a *concurrencyAdjuster) clearAdjustment() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started.Store(false)
	a.loadMonitor = nil
	a.skipInterBrokerAdjustment = false
	a.concurrency.Clear()
}

func (a *concurrencyAdjuster) isStarted() bool {
	return a.started.Load()
}

// setEnabled toggles one dimension's adjuster and returns the now-effective
// value. Setting the current value is a no-op.
func (a *concurrencyAdjuster) setEnabled(concurrencyType ConcurrencyType, enabled bool) bool {
	flag, adjustable := a.enabled[concurrencyType]
	if !adjustable {
		return false
	}
	flag.Store(enabled)
	return enabled
}

func (a *concurrencyAdjuster) isEnabled(concurrencyType ConcurrencyType) bool {
	flag, adjustable := a.enabled[concurrencyType]
	return adjustable && flag.Load()
}

func (a *concurrencyAdjuster) setMinIsrCheckEnabled(enabled bool) bool {
	a.minIsrCheckEnabled.Store(enabled)
	return enabled
}

// run ticks the adjuster until the context is cancelled.
func (a *concurrencyAdjuster) run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *concurrencyAdjuster) tick(ctx context.Context) {
	if !a.started.Load() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	canRunMetricsBasedCheck := a.numChecks%a.cfg.NumMinIsrChecks == 0
	a.numChecks++

	a.refreshConcurrency(ctx, canRunMetricsBasedCheck, ConcurrencyInterBrokerReplica)
	// The cluster leadership cap is refreshed together with the broker one.
	a.refreshConcurrency(ctx, canRunMetricsBasedCheck, ConcurrencyLeadershipBroker)
}

func (a *concurrencyAdjuster) canRefreshConcurrency(concurrencyType ConcurrencyType) bool {
	if !a.isEnabled(concurrencyType) || a.loadMonitor == nil || a.stopRequested() {
		return false
	}
	switch concurrencyType {
	case ConcurrencyLeadershipBroker, ConcurrencyLeadershipCluster:
		return a.currentPhase() == PhaseLeaderInProgress
	case ConcurrencyInterBrokerReplica:
		return a.currentPhase() == PhaseInterBrokerInProgress && !a.skipInterBrokerAdjustment
	default:
		return false
	}
}

func (a *concurrencyAdjuster) refreshConcurrency(ctx context.Context, canRunMetricsBasedCheck bool, concurrencyType ConcurrencyType) {
	if !a.canRefreshConcurrency(concurrencyType) {
		return
	}

	recommendation := a.minIsrBasedRecommendation(ctx)
	if recommendation.stopExecution {
		a.logger.Info("stopping the ongoing execution as recommended by the concurrency adjuster")
		a.requestStop("too many under-min-isr partitions")
		return
	}

	// Broker metrics are only consulted when ISR health suggests no change. An
	// ISR-driven decrease always wins over a metric-driven increase.
	if recommendation.noChange() && canRunMetricsBasedCheck {
		recommendation = metricBasedRecommendation(a.loadMonitor.CurrentBrokerMetricValues(), defaultMetricRules)
	}

	for broker := range recommendation.increaseBrokers {
		a.increaseBrokerConcurrency(broker, concurrencyType)
	}
	for broker := range recommendation.decreaseBrokers {
		a.decreaseBrokerConcurrency(broker, concurrencyType)
	}

	if concurrencyType == ConcurrencyLeadershipBroker && a.canRefreshConcurrency(ConcurrencyLeadershipCluster) {
		if recommendation.increaseCluster {
			a.adjustClusterLeadershipConcurrency(increasedConcurrency)
		} else if recommendation.decreaseCluster {
			a.adjustClusterLeadershipConcurrency(decreasedConcurrency)
		}
	}
}

func (a *concurrencyAdjuster) minIsrBasedRecommendation(ctx context.Context) *adjustingRecommendation {
	if !a.minIsrCheckEnabled.Load() {
		return newAdjustingRecommendation()
	}

	cluster, err := a.loadMonitor.KafkaCluster(ctx)
	if err != nil {
		a.logger.Warn("failed to get the cluster snapshot for the min isr check", zap.Error(err))
		return newAdjustingRecommendation()
	}
	minIsrByTopic, err := a.minIsrCache.MinIsrByTopic(ctx, cluster.Topics())
	if err != nil {
		a.logger.Warn("failed to get min insync replicas configs for the min isr check", zap.Error(err))
		return newAdjustingRecommendation()
	}

	return minIsrBasedRecommendation(cluster, minIsrByTopic, a.cfg.UnderMinIsrStopThreshold)
}

func decreasedConcurrency(current int, concurrencyType ConcurrencyType) int {
	bounds := boundsByType[concurrencyType]
	if current <= bounds.min {
		return current
	}
	decreased := current / bounds.multiplicativeDecrease
	if decreased < bounds.min {
		return bounds.min
	}
	return decreased
}

func increasedConcurrency(current int, concurrencyType ConcurrencyType) int {
	bounds := boundsByType[concurrencyType]
	if current >= bounds.max {
		return current
	}
	increased := current + bounds.additiveIncrease
	if increased > bounds.max {
		return bounds.max
	}
	return increased
}

func (a *concurrencyAdjuster) decreaseBrokerConcurrency(broker int32, concurrencyType ConcurrencyType) {
	current := a.concurrency.CapForBroker(concurrencyType, broker)
	decreased := decreasedConcurrency(current, concurrencyType)
	if decreased == current {
		return
	}
	if _, err := a.concurrency.SetForBroker(broker, decreased, concurrencyType); err != nil {
		a.logger.Warn("failed to decrease broker concurrency", zap.Int32("broker_id", broker), zap.Error(err))
		return
	}
	a.logger.Info("concurrency adjuster decreased movement concurrency for broker",
		zap.String("concurrency_type", concurrencyType.String()),
		zap.Int32("broker_id", broker),
		zap.Int("concurrency", decreased))
}

func (a *concurrencyAdjuster) increaseBrokerConcurrency(broker int32, concurrencyType ConcurrencyType) {
	current := a.concurrency.CapForBroker(concurrencyType, broker)
	increased := increasedConcurrency(current, concurrencyType)
	if increased == current {
		return
	}
	if _, err := a.concurrency.SetForBroker(broker, increased, concurrencyType); err != nil {
		a.logger.Warn("failed to increase broker concurrency", zap.Int32("broker_id", broker), zap.Error(err))
		return
	}
	a.logger.Info("concurrency adjuster increased movement concurrency for broker",
		zap.String("concurrency_type", concurrencyType.String()),
		zap.Int32("broker_id", broker),
		zap.Int("concurrency", increased))
}

func (a *concurrencyAdjuster) adjustClusterLeadershipConcurrency(adjust func(int, ConcurrencyType) int) {
	current := a.concurrency.ClusterCap(ConcurrencyLeadershipCluster)
	adjusted := adjust(current, ConcurrencyLeadershipCluster)
	if adjusted == current {
		return
	}
	if _, err := a.concurrency.SetForAllBrokersOrCluster(adjusted, ConcurrencyLeadershipCluster); err != nil {
		a.logger.Warn("failed to adjust cluster leadership concurrency", zap.Error(err))
		return
	}
	a.logger.Info("concurrency adjuster changed the cluster leadership movement concurrency",
		zap.Int("concurrency", adjusted))
}

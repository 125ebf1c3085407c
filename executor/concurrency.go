package executor

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// ConcurrencyType is one of the four dimensions the executor caps movements
// on. The first three are per-broker caps, leadership additionally carries a
// cluster-wide cap and inter-broker movements carry a fixed cluster-wide cap.
type ConcurrencyType int8

const (
	ConcurrencyInterBrokerReplica ConcurrencyType = iota
	ConcurrencyIntraBrokerReplica
	ConcurrencyLeadershipBroker
	ConcurrencyLeadershipCluster
)

var adjustableConcurrencyTypes = []ConcurrencyType{
	ConcurrencyInterBrokerReplica,
	ConcurrencyLeadershipBroker,
	ConcurrencyLeadershipCluster,
}

func (t ConcurrencyType) String() string {
	switch t {
	case ConcurrencyInterBrokerReplica:
		return "inter_broker_replica"
	case ConcurrencyIntraBrokerReplica:
		return "intra_broker_replica"
	case ConcurrencyLeadershipBroker:
		return "leadership_broker"
	case ConcurrencyLeadershipCluster:
		return "leadership_cluster"
	default:
		return "unknown"
	}
}

// AIMD bounds per concurrency type. Caps are clamped into [min, max], the
// adjuster raises them by the additive step and lowers them by the
// multiplicative factor.
type concurrencyBounds struct {
	min                    int
	max                    int
	additiveIncrease       int
	multiplicativeDecrease int
}

var boundsByType = map[ConcurrencyType]concurrencyBounds{
	ConcurrencyInterBrokerReplica: {min: 1, max: 12, additiveIncrease: 1, multiplicativeDecrease: 2},
	ConcurrencyIntraBrokerReplica: {min: 1, max: 12, additiveIncrease: 1, multiplicativeDecrease: 2},
	ConcurrencyLeadershipBroker:   {min: 50, max: 300, additiveIncrease: 50, multiplicativeDecrease: 2},
	ConcurrencyLeadershipCluster:  {min: 100, max: 1250, additiveIncrease: 100, multiplicativeDecrease: 2},
}

func clampConcurrency(concurrencyType ConcurrencyType, value int) int {
	bounds := boundsByType[concurrencyType]
	if value < bounds.min {
		return bounds.min
	}
	if value > bounds.max {
		return bounds.max
	}
	return value
}

// ConcurrencySummary aggregates the per-broker caps of one dimension.
type ConcurrencySummary struct {
	Min int
	Max int
	Avg float64
}

// capsSnapshot is the immutable cap table a reader observes. Writers build a
// new snapshot and publish it with a single pointer swap.
type capsSnapshot struct {
	interBroker      map[int32]int
	intraBroker      map[int32]int
	leadershipBroker map[int32]int

	interBrokerCluster int
	leadershipCluster  int
}

func (s *capsSnapshot) perBroker(concurrencyType ConcurrencyType) map[int32]int {
	switch concurrencyType {
	case ConcurrencyInterBrokerReplica:
		return s.interBroker
	case ConcurrencyIntraBrokerReplica:
		return s.intraBroker
	case ConcurrencyLeadershipBroker:
		return s.leadershipBroker
	default:
		return nil
	}
}

func (s *capsSnapshot) clone() *capsSnapshot {
	cloned := &capsSnapshot{
		interBroker:        make(map[int32]int, len(s.interBroker)),
		intraBroker:        make(map[int32]int, len(s.intraBroker)),
		leadershipBroker:   make(map[int32]int, len(s.leadershipBroker)),
		interBrokerCluster: s.interBrokerCluster,
		leadershipCluster:  s.leadershipCluster,
	}
	for broker, cap := range s.interBroker {
		cloned.interBroker[broker] = cap
	}
	for broker, cap := range s.intraBroker {
		cloned.intraBroker[broker] = cap
	}
	for broker, cap := range s.leadershipBroker {
		cloned.leadershipBroker[broker] = cap
	}
	return cloned
}

// ConcurrencyManager owns the movement caps of one execution. Mutations are
// serialized by a mutex, reads go through an atomically published snapshot so
// that admission decisions always see a consistent cap table.
type ConcurrencyManager struct {
	cfg ConcurrencyConfig

	writeMu sync.Mutex
	caps    atomic.Pointer[capsSnapshot]

	initialized atomic.Bool
}

func NewConcurrencyManager(cfg ConcurrencyConfig) *ConcurrencyManager {
	return &ConcurrencyManager{cfg: cfg}
}

// requestedConcurrency carries per-execution cap overrides. Nil fields fall
// back to the configured defaults.
type requestedConcurrency struct {
	InterBrokerPerBroker *int
	IntraBrokerPerBroker *int
	LeadershipPerBroker  *int
	LeadershipCluster    *int
}

func orDefault(requested *int, fallback int) int {
	if requested != nil {
		return *requested
	}
	return fallback
}

// Initialize seeds the cap table for the given brokers from the request or
// the configured defaults.
func (m *ConcurrencyManager) Initialize(brokers []int32, requested requestedConcurrency) {
	interBroker := clampConcurrency(ConcurrencyInterBrokerReplica, orDefault(requested.InterBrokerPerBroker, m.cfg.InterBrokerPerBroker))
	intraBroker := clampConcurrency(ConcurrencyIntraBrokerReplica, orDefault(requested.IntraBrokerPerBroker, m.cfg.IntraBrokerPerBroker))
	leadership := clampConcurrency(ConcurrencyLeadershipBroker, orDefault(requested.LeadershipPerBroker, m.cfg.LeadershipPerBroker))

	snapshot := &capsSnapshot{
		interBroker:        make(map[int32]int, len(brokers)),
		intraBroker:        make(map[int32]int, len(brokers)),
		leadershipBroker:   make(map[int32]int, len(brokers)),
		interBrokerCluster: m.cfg.InterBrokerCluster,
		leadershipCluster:  clampConcurrency(ConcurrencyLeadershipCluster, orDefault(requested.LeadershipCluster, m.cfg.LeadershipCluster)),
	}
	for _, broker := range brokers {
		snapshot.interBroker[broker] = interBroker
		snapshot.intraBroker[broker] = intraBroker
		snapshot.leadershipBroker[broker] = leadership
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.caps.Store(snapshot)
	m.initialized.Store(true)
}

// Clear forgets all caps. Admission is impossible until the next Initialize.
func (m *ConcurrencyManager) Clear() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.initialized.Store(false)
	m.caps.Store(nil)
}

func (m *ConcurrencyManager) IsInitialized() bool {
	return m.initialized.Load()
}

// CapForBroker returns the broker's cap in the given dimension. Unknown
// brokers fall back to the dimension's minimum so late-joining brokers are
// still admitted conservatively.
func (m *ConcurrencyManager) CapForBroker(concurrencyType ConcurrencyType, broker int32) int {
	snapshot := m.caps.Load()
	if snapshot == nil {
		return 0
	}
	if cap, exists := snapshot.perBroker(concurrencyType)[broker]; exists {
		return cap
	}
	return boundsByType[concurrencyType].min
}

// ClusterCap returns the cluster-wide cap for inter-broker movements or
// leadership movements.
func (m *ConcurrencyManager) ClusterCap(concurrencyType ConcurrencyType) int {
	snapshot := m.caps.Load()
	if snapshot == nil {
		return 0
	}
	switch concurrencyType {
	case ConcurrencyInterBrokerReplica:
		return snapshot.interBrokerCluster
	case ConcurrencyLeadershipCluster:
		return snapshot.leadershipCluster
	default:
		return 0
	}
}

// SetForBroker overwrites one broker's cap, clamped into the dimension's
// bounds. Returns the effective value.
func (m *ConcurrencyManager) SetForBroker(broker int32, concurrency int, concurrencyType ConcurrencyType) (int, error) {
	if concurrencyType == ConcurrencyLeadershipCluster {
		return 0, fmt.Errorf("leadership cluster concurrency is not a per-broker cap")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	snapshot := m.caps.Load()
	if snapshot == nil {
		return 0, fmt.Errorf("concurrency manager is not initialized")
	}

	effective := clampConcurrency(concurrencyType, concurrency)
	cloned := snapshot.clone()
	cloned.perBroker(concurrencyType)[broker] = effective
	m.caps.Store(cloned)
	return effective, nil
}

// SetForAllBrokersOrCluster writes a uniform cap for the dimension: every
// broker for the per-broker dimensions, the cluster cap for
// ConcurrencyLeadershipCluster. Returns the effective clamped value.
func (m *ConcurrencyManager) SetForAllBrokersOrCluster(concurrency int, concurrencyType ConcurrencyType) (int, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	snapshot := m.caps.Load()
	if snapshot == nil {
		return 0, fmt.Errorf("concurrency manager is not initialized")
	}

	effective := clampConcurrency(concurrencyType, concurrency)
	cloned := snapshot.clone()
	if concurrencyType == ConcurrencyLeadershipCluster {
		cloned.leadershipCluster = effective
	} else {
		perBroker := cloned.perBroker(concurrencyType)
		for broker := range perBroker {
			perBroker[broker] = effective
		}
	}
	m.caps.Store(cloned)
	return effective, nil
}

// Summary aggregates min/max/avg over the per-broker caps of one dimension.
func (m *ConcurrencyManager) Summary(concurrencyType ConcurrencyType) ConcurrencySummary {
	snapshot := m.caps.Load()
	if snapshot == nil {
		return ConcurrencySummary{}
	}
	perBroker := snapshot.perBroker(concurrencyType)
	if len(perBroker) == 0 {
		return ConcurrencySummary{}
	}

	summary := ConcurrencySummary{Min: int(^uint(0) >> 1)}
	total := 0
	for _, cap := range perBroker {
		if cap < summary.Min {
			summary.Min = cap
		}
		if cap > summary.Max {
			summary.Max = cap
		}
		total += cap
	}
	summary.Avg = float64(total) / float64(len(perBroker))
	return summary
}

// Brokers returns all brokers the manager holds caps for.
func (m *ConcurrencyManager) Brokers() []int32 {
	snapshot := m.caps.Load()
	if snapshot == nil {
		return nil
	}
	brokers := make([]int32, 0, len(snapshot.interBroker))
	for broker := range snapshot.interBroker {
		brokers = append(brokers, broker)
	}
	return brokers
}

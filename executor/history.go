package executor

import (
	"context"
	"sort"
	"strconv"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// PermanentHistory marks a broker history entry that was pinned by a user and
// never expires.
const PermanentHistory int64 = -1

// brokerHistory remembers when each broker was last demoted or removed. The
// scanner expires entries after their per-kind retention, entries pinned with
// PermanentHistory survive until they are dropped explicitly.
type brokerHistory struct {
	logger *zap.Logger

	demotionRetention time.Duration
	removalRetention  time.Duration

	// broker id (decimal string) -> start time ms, or PermanentHistory
	latestDemoteStartMs cmap.ConcurrentMap
	latestRemoveStartMs cmap.ConcurrentMap
}

func newBrokerHistory(demotionRetention, removalRetention time.Duration, logger *zap.Logger) *brokerHistory {
	return &brokerHistory{
		logger:              logger,
		demotionRetention:   demotionRetention,
		removalRetention:    removalRetention,
		latestDemoteStartMs: cmap.New(),
		latestRemoveStartMs: cmap.New(),
	}
}

func brokerKey(broker int32) string {
	return strconv.FormatInt(int64(broker), 10)
}

// recordDemoted stores the demote start time for each broker. An existing
// permanent entry stays permanent.
func (h *brokerHistory) recordDemoted(brokers []int32, startMs int64) {
	record(h.latestDemoteStartMs, brokers, startMs)
}

// recordRemoved stores the removal start time for each broker. An existing
// permanent entry stays permanent.
func (h *brokerHistory) recordRemoved(brokers []int32, startMs int64) {
	record(h.latestRemoveStartMs, brokers, startMs)
}

func record(entries cmap.ConcurrentMap, brokers []int32, startMs int64) {
	for _, broker := range brokers {
		key := brokerKey(broker)
		if value, exists := entries.Get(key); exists && value.(int64) == PermanentHistory {
			continue
		}
		entries.Set(key, startMs)
	}
}

// pinDemoted marks the brokers as permanently demoted.
func (h *brokerHistory) pinDemoted(brokers []int32) {
	pin(h.latestDemoteStartMs, brokers)
}

// pinRemoved marks the brokers as permanently removed.
func (h *brokerHistory) pinRemoved(brokers []int32) {
	pin(h.latestRemoveStartMs, brokers)
}

func pin(entries cmap.ConcurrentMap, brokers []int32) {
	for _, broker := range brokers {
		entries.Set(brokerKey(broker), PermanentHistory)
	}
}

// dropDemoted forgets the given brokers' demotion history, permanent entries
// included. Returns whether any entry was removed.
func (h *brokerHistory) dropDemoted(brokers []int32) bool {
	return drop(h.latestDemoteStartMs, brokers)
}

// dropRemoved forgets the given brokers' removal history, permanent entries
// included. Returns whether any entry was removed.
func (h *brokerHistory) dropRemoved(brokers []int32) bool {
	return drop(h.latestRemoveStartMs, brokers)
}

func drop(entries cmap.ConcurrentMap, brokers []int32) bool {
	dropped := false
	for _, broker := range brokers {
		key := brokerKey(broker)
		if _, exists := entries.Get(key); exists {
			entries.Remove(key)
			dropped = true
		}
	}
	return dropped
}

// recentlyDemotedBrokers returns all brokers with unexpired demotion history.
func (h *brokerHistory) recentlyDemotedBrokers() []int32 {
	return brokersIn(h.latestDemoteStartMs)
}

// recentlyRemovedBrokers returns all brokers with unexpired removal history.
func (h *brokerHistory) recentlyRemovedBrokers() []int32 {
	return brokersIn(h.latestRemoveStartMs)
}

func brokersIn(entries cmap.ConcurrentMap) []int32 {
	brokers := make([]int32, 0, entries.Count())
	for key := range entries.Items() {
		id, err := strconv.ParseInt(key, 10, 32)
		if err != nil {
			continue
		}
		brokers = append(brokers, int32(id))
	}
	sort.Slice(brokers, func(i, j int) bool { return brokers[i] < brokers[j] })
	return brokers
}

// runScanner periodically expires non-permanent entries whose retention has
// passed. It returns when the context is cancelled.
func (h *brokerHistory) runScanner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowMs := time.Now().UnixMilli()
			expired := expire(h.latestDemoteStartMs, nowMs, h.demotionRetention.Milliseconds())
			expired += expire(h.latestRemoveStartMs, nowMs, h.removalRetention.Milliseconds())
			if expired > 0 {
				h.logger.Debug("expired broker history entries", zap.Int("expired_entries", expired))
			}
		}
	}
}

func expire(entries cmap.ConcurrentMap, nowMs, retentionMs int64) int {
	expired := 0
	for key, value := range entries.Items() {
		startMs := value.(int64)
		if startMs == PermanentHistory {
			continue
		}
		if startMs+retentionMs < nowMs {
			entries.Remove(key)
			expired++
		}
	}
	return expired
}

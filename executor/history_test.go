package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestHistory() *brokerHistory {
	return newBrokerHistory(time.Hour, time.Hour, zap.NewNop())
}

func TestBrokerHistoryRecordAndList(t *testing.T) {
	history := newTestHistory()
	assert.Empty(t, history.recentlyDemotedBrokers())
	assert.Empty(t, history.recentlyRemovedBrokers())

	history.recordDemoted([]int32{3, 1}, 1000)
	history.recordRemoved([]int32{2}, 1000)

	assert.Equal(t, []int32{1, 3}, history.recentlyDemotedBrokers())
	assert.Equal(t, []int32{2}, history.recentlyRemovedBrokers())
}

func TestBrokerHistoryPinSurvivesRecord(t *testing.T) {
	history := newTestHistory()

	history.pinDemoted([]int32{1})
	// A later execution does not downgrade a permanent entry.
	history.recordDemoted([]int32{1}, 5000)

	value, exists := history.latestDemoteStartMs.Get(brokerKey(1))
	assert.True(t, exists)
	assert.Equal(t, PermanentHistory, value.(int64))
}

func TestBrokerHistoryDrop(t *testing.T) {
	history := newTestHistory()

	history.recordDemoted([]int32{1}, 1000)
	history.pinDemoted([]int32{2})

	assert.True(t, history.dropDemoted([]int32{1, 2}))
	assert.Empty(t, history.recentlyDemotedBrokers())

	// Dropping unknown brokers reports that nothing changed.
	assert.False(t, history.dropDemoted([]int32{1}))
	assert.False(t, history.dropRemoved([]int32{9}))
}

func TestBrokerHistoryExpire(t *testing.T) {
	history := newTestHistory()
	nowMs := time.Now().UnixMilli()
	retentionMs := time.Hour.Milliseconds()

	history.recordDemoted([]int32{1}, nowMs-retentionMs-1)
	history.recordDemoted([]int32{2}, nowMs)
	history.pinDemoted([]int32{3})

	expired := expire(history.latestDemoteStartMs, nowMs, retentionMs)
	assert.Equal(t, 1, expired)
	// The fresh and the permanent entry survive.
	assert.Equal(t, []int32{2, 3}, history.recentlyDemotedBrokers())

	// A second scan has nothing left to expire.
	assert.Zero(t, expire(history.latestDemoteStartMs, nowMs, retentionMs))
}

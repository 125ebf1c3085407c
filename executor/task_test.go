package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudhut/kbalance/kafka"
)

func newTestTask(taskType TaskType) *ExecutionTask {
	return &ExecutionTask{
		ID:   1,
		Type: taskType,
		Proposal: ExecutionProposal{
			TopicPartition: kafka.TopicPartition{Topic: "payments", Partition: 0},
			OldLeader:      1,
			OldReplicas:    []ReplicaPlacement{{BrokerID: 1}},
			NewReplicas:    []ReplicaPlacement{{BrokerID: 2}},
		},
		State: TaskPending,
	}
}

func TestTaskStateTransitions(t *testing.T) {
	tt := []struct {
		TestName  string
		Path      []TaskState
		WantError bool
	}{
		{
			TestName: "happy path to completed",
			Path:     []TaskState{TaskInProgress, TaskCompleted},
		},
		{
			TestName: "aborting ends in aborted",
			Path:     []TaskState{TaskInProgress, TaskAborting, TaskAborted},
		},
		{
			TestName: "aborting ends dead",
			Path:     []TaskState{TaskInProgress, TaskAborting, TaskDead},
		},
		{
			TestName: "aborting completes when the partition vanished",
			Path:     []TaskState{TaskInProgress, TaskAborting, TaskCompleted},
		},
		{
			TestName: "in progress dies directly",
			Path:     []TaskState{TaskInProgress, TaskDead},
		},
		{
			TestName:  "pending cannot complete directly",
			Path:      []TaskState{TaskCompleted},
			WantError: true,
		},
		{
			TestName:  "pending cannot abort",
			Path:      []TaskState{TaskAborting},
			WantError: true,
		},
		{
			TestName:  "completed is terminal",
			Path:      []TaskState{TaskInProgress, TaskCompleted, TaskAborting},
			WantError: true,
		},
		{
			TestName:  "dead is terminal",
			Path:      []TaskState{TaskInProgress, TaskDead, TaskInProgress},
			WantError: true,
		},
	}

	for _, test := range tt {
		t.Run(test.TestName, func(t *testing.T) {
			task := newTestTask(InterBrokerReplicaAction)
			var err error
			for _, target := range test.Path {
				err = task.transitionTo(target, 1000)
				if err != nil {
					break
				}
			}
			if test.WantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, test.Path[len(test.Path)-1], task.State)
			}
		})
	}
}

func TestTaskTransitionRecordsTimes(t *testing.T) {
	task := newTestTask(LeaderAction)

	assert.NoError(t, task.markInProgress(100))
	assert.Equal(t, int64(100), task.StartTimeMs)
	assert.Zero(t, task.EndTimeMs)

	assert.NoError(t, task.markCompleted(250))
	assert.Equal(t, int64(100), task.StartTimeMs)
	assert.Equal(t, int64(250), task.EndTimeMs)
	assert.True(t, task.State.IsTerminal())
}

func TestTaskMaySlowAlert(t *testing.T) {
	task := newTestTask(InterBrokerReplicaAction)
	backoffMs := int64(60_000)

	assert.True(t, task.maySlowAlert(100_000, backoffMs))
	assert.False(t, task.maySlowAlert(100_000+backoffMs-1, backoffMs))
	assert.True(t, task.maySlowAlert(100_000+backoffMs, backoffMs))
}

func TestTaskTypeAndStateStrings(t *testing.T) {
	assert.Equal(t, "inter_broker_replica_action", InterBrokerReplicaAction.String())
	assert.Equal(t, "intra_broker_replica_action", IntraBrokerReplicaAction.String())
	assert.Equal(t, "leader_action", LeaderAction.String())

	assert.Equal(t, "pending", TaskPending.String())
	assert.Equal(t, "in_progress", TaskInProgress.String())
	assert.Equal(t, "aborting", TaskAborting.String())
	assert.Equal(t, "aborted", TaskAborted.String())
	assert.Equal(t, "dead", TaskDead.String())
	assert.Equal(t, "completed", TaskCompleted.String())
}

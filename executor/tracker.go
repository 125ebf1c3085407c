package executor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// TaskSummary is a point-in-time view over the tracker's bookkeeping, grouped
// by task type and lifecycle state.
type TaskSummary struct {
	Remaining   map[TaskType]int
	InExecution map[TaskType]int
	Completed   map[TaskType]int
	Dead        map[TaskType]int
	Aborted     map[TaskType]int

	RemainingDataBytes   int64
	InExecutionDataBytes int64
	FinishedDataBytes    int64
}

// TaskTracker owns every task of the current execution: the pending queues
// per task type, the in-execution set and the terminal bookkeeping. Batch
// admission is decided against the concurrency manager's current caps. All
// methods are safe for concurrent use.
type TaskTracker struct {
	logger      *zap.Logger
	concurrency *ConcurrencyManager

	mu         sync.Mutex
	nextTaskID int64

	pending     map[TaskType][]*ExecutionTask
	inExecution map[TaskType]map[int64]*ExecutionTask
	completed   map[TaskType]int
	dead        map[TaskType]int
	aborted     map[TaskType]int

	remainingDataBytes   int64
	inExecutionDataBytes int64
	finishedDataBytes    int64

	brokersSkipConcurrency map[int32]struct{}
	stopRequested          bool
}

func NewTaskTracker(concurrency *ConcurrencyManager, logger *zap.Logger) *TaskTracker {
	tracker := &TaskTracker{
		logger:      logger,
		concurrency: concurrency,
	}
	tracker.resetLocked()
	return tracker
}

func (t *TaskTracker) resetLocked() {
	t.pending = make(map[TaskType][]*ExecutionTask)
	t.inExecution = make(map[TaskType]map[int64]*ExecutionTask)
	t.completed = make(map[TaskType]int)
	t.dead = make(map[TaskType]int)
	t.aborted = make(map[TaskType]int)
	for _, taskType := range allTaskTypes {
		t.inExecution[taskType] = make(map[int64]*ExecutionTask)
	}
	t.remainingDataBytes = 0
	t.inExecutionDataBytes = 0
	t.finishedDataBytes = 0
	t.brokersSkipConcurrency = make(map[int32]struct{})
	t.stopRequested = false
}

// AddProposals expands each proposal into its tasks: an inter-broker replica
// movement if the replica list changes (its broker set or just its order),
// one intra-broker movement per disk move and a leadership movement if the preferred leader changes. Each
// type's queue is ordered by the given strategy.
func (t *TaskTracker) AddProposals(
	proposals []ExecutionProposal,
	brokersSkipConcurrency []int32,
	strategy ReplicaMovementStrategy,
) error {
	if strategy == nil {
		strategy = ChainStrategies()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopRequested {
		return fmt.Errorf("cannot add proposals, the tracker already received a stop request")
	}

	for _, proposal := range proposals {
		if err := proposal.Validate(); err != nil {
			return fmt.Errorf("failed to validate proposal: %w", err)
		}
	}

	for _, proposal := range proposals {
		if proposal.HasReplicaAction() {
			task := t.newTaskLocked(InterBrokerReplicaAction, proposal)
			t.pending[InterBrokerReplicaAction] = append(t.pending[InterBrokerReplicaAction], task)
			t.remainingDataBytes += proposal.PartitionSizeBytes
		}
		for broker := range proposal.DiskMovesByBroker() {
			task := t.newTaskLocked(IntraBrokerReplicaAction, proposal)
			task.BrokerID = broker
			t.pending[IntraBrokerReplicaAction] = append(t.pending[IntraBrokerReplicaAction], task)
		}
		if proposal.HasLeaderAction() {
			task := t.newTaskLocked(LeaderAction, proposal)
			t.pending[LeaderAction] = append(t.pending[LeaderAction], task)
		}
	}

	for _, taskType := range allTaskTypes {
		sortTasks(t.pending[taskType], strategy)
	}

	t.brokersSkipConcurrency = make(map[int32]struct{}, len(brokersSkipConcurrency))
	for _, broker := range brokersSkipConcurrency {
		t.brokersSkipConcurrency[broker] = struct{}{}
	}

	return nil
}

func (t *TaskTracker) newTaskLocked(taskType TaskType, proposal ExecutionProposal) *ExecutionTask {
	t.nextTaskID++
	return &ExecutionTask{
		ID:       t.nextTaskID,
		Type:     taskType,
		Proposal: proposal,
		State:    TaskPending,
	}
}

// brokersTouched lists the brokers a task occupies a concurrency slot on.
func brokersTouched(task *ExecutionTask) []int32 {
	switch task.Type {
	case InterBrokerReplicaAction:
		brokers := task.Proposal.OldReplicaBrokers()
		seen := make(map[int32]struct{}, len(brokers))
		for _, broker := range brokers {
			seen[broker] = struct{}{}
		}
		for _, broker := range task.Proposal.NewReplicaBrokers() {
			if _, exists := seen[broker]; !exists {
				brokers = append(brokers, broker)
			}
		}
		return brokers
	case IntraBrokerReplicaAction:
		return []int32{task.BrokerID}
	case LeaderAction:
		return []int32{task.Proposal.NewLeader()}
	default:
		return nil
	}
}

func concurrencyTypeFor(taskType TaskType) ConcurrencyType {
	switch taskType {
	case InterBrokerReplicaAction:
		return ConcurrencyInterBrokerReplica
	case IntraBrokerReplicaAction:
		return ConcurrencyIntraBrokerReplica
	default:
		return ConcurrencyLeadershipBroker
	}
}

// GetInterBrokerBatch returns the largest admissible prefix of the pending
// inter-broker queue under the current per-broker and cluster-wide caps.
func (t *TaskTracker) GetInterBrokerBatch() []*ExecutionTask {
	return t.getBatch(InterBrokerReplicaAction)
}

// GetIntraBrokerBatch returns the largest admissible prefix of the pending
// intra-broker queue under the current per-broker caps.
func (t *TaskTracker) GetIntraBrokerBatch() []*ExecutionTask {
	return t.getBatch(IntraBrokerReplicaAction)
}

// GetLeaderBatch returns the largest admissible prefix of the pending
// leadership queue under the current per-broker and cluster-wide caps.
func (t *TaskTracker) GetLeaderBatch() []*ExecutionTask {
	return t.getBatch(LeaderAction)
}

func (t *TaskTracker) getBatch(taskType TaskType) []*ExecutionTask {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopRequested || !t.concurrency.IsInitialized() {
		return nil
	}

	concurrencyType := concurrencyTypeFor(taskType)

	// Provisional counters start at the current in-execution occupancy so
	// admitted tasks never exceed a cap together with already running ones.
	perBroker := make(map[int32]int)
	clusterWide := 0
	for _, running := range t.inExecution[taskType] {
		for _, broker := range brokersTouched(running) {
			perBroker[broker]++
		}
		clusterWide++
	}

	clusterCap := 0
	switch taskType {
	case InterBrokerReplicaAction:
		clusterCap = t.concurrency.ClusterCap(ConcurrencyInterBrokerReplica)
	case LeaderAction:
		clusterCap = t.concurrency.ClusterCap(ConcurrencyLeadershipCluster)
	}

	var batch []*ExecutionTask
	for _, task := range t.pending[taskType] {
		if clusterCap > 0 && clusterWide+1 > clusterCap {
			break
		}
		admissible := true
		touched := brokersTouched(task)
		for _, broker := range touched {
			if _, skip := t.brokersSkipConcurrency[broker]; skip {
				continue
			}
			if perBroker[broker]+1 > t.concurrency.CapForBroker(concurrencyType, broker) {
				admissible = false
				break
			}
		}
		if !admissible {
			break
		}
		for _, broker := range touched {
			perBroker[broker]++
		}
		clusterWide++
		batch = append(batch, task)
	}

	return batch
}

// MarkInProgress moves the given pending tasks into the in-execution set.
func (t *TaskTracker) MarkInProgress(tasks []*ExecutionTask, nowMs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, task := range tasks {
		if err := task.markInProgress(nowMs); err != nil {
			return err
		}
		t.removeFromPendingLocked(task)
		t.inExecution[task.Type][task.ID] = task
		if task.Type == InterBrokerReplicaAction {
			t.remainingDataBytes -= task.Proposal.PartitionSizeBytes
			t.inExecutionDataBytes += task.Proposal.PartitionSizeBytes
		}
	}
	return nil
}

func (t *TaskTracker) removeFromPendingLocked(task *ExecutionTask) {
	queue := t.pending[task.Type]
	for i, pending := range queue {
		if pending.ID == task.ID {
			t.pending[task.Type] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// MarkDone terminates an in-execution task as completed.
func (t *TaskTracker) MarkDone(task *ExecutionTask, nowMs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := task.markCompleted(nowMs); err != nil {
		return err
	}
	t.finishInExecutionLocked(task)
	t.completed[task.Type]++
	return nil
}

// MarkAborting flags an in-execution task as being cancelled. The task stays
// in the in-execution set until it terminates.
func (t *TaskTracker) MarkAborting(task *ExecutionTask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return task.markAborting()
}

// MarkAborted terminates an aborting task.
func (t *TaskTracker) MarkAborted(task *ExecutionTask, nowMs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := task.markAborted(nowMs); err != nil {
		return err
	}
	t.finishInExecutionLocked(task)
	t.aborted[task.Type]++
	return nil
}

// MarkDead terminates an in-execution task as unrecoverable.
func (t *TaskTracker) MarkDead(task *ExecutionTask, nowMs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := task.markDead(nowMs); err != nil {
		return err
	}
	t.finishInExecutionLocked(task)
	t.dead[task.Type]++
	return nil
}

func (t *TaskTracker) finishInExecutionLocked(task *ExecutionTask) {
	delete(t.inExecution[task.Type], task.ID)
	if task.Type == InterBrokerReplicaAction {
		t.inExecutionDataBytes -= task.Proposal.PartitionSizeBytes
		t.finishedDataBytes += task.Proposal.PartitionSizeBytes
	}
}

// InExecutionTasks returns every task currently in progress or aborting,
// filtered to the given types. No filter means all types.
func (t *TaskTracker) InExecutionTasks(typeFilter ...TaskType) []*ExecutionTask {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(typeFilter) == 0 {
		typeFilter = allTaskTypes
	}
	var tasks []*ExecutionTask
	for _, taskType := range typeFilter {
		for _, task := range t.inExecution[taskType] {
			tasks = append(tasks, task)
		}
	}
	sortTasks(tasks, ChainStrategies())
	return tasks
}

// NumRemaining returns the number of pending tasks of the given type.
func (t *TaskTracker) NumRemaining(taskType TaskType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[taskType])
}

// NumInExecution returns the number of in-progress or aborting tasks of the
// given type.
func (t *TaskTracker) NumInExecution(taskType TaskType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inExecution[taskType])
}

// NumFinished returns the number of terminated tasks of the given type,
// regardless of outcome.
func (t *TaskTracker) NumFinished(taskType TaskType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed[taskType] + t.dead[taskType] + t.aborted[taskType]
}

// NumDeadOrAborted returns the number of unsuccessfully terminated tasks over
// all types.
func (t *TaskTracker) NumDeadOrAborted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, taskType := range allTaskTypes {
		total += t.dead[taskType] + t.aborted[taskType]
	}
	return total
}

// Summary returns a consistent snapshot of all counters.
func (t *TaskTracker) Summary() TaskSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := TaskSummary{
		Remaining:            make(map[TaskType]int, len(allTaskTypes)),
		InExecution:          make(map[TaskType]int, len(allTaskTypes)),
		Completed:            make(map[TaskType]int, len(allTaskTypes)),
		Dead:                 make(map[TaskType]int, len(allTaskTypes)),
		Aborted:              make(map[TaskType]int, len(allTaskTypes)),
		RemainingDataBytes:   t.remainingDataBytes,
		InExecutionDataBytes: t.inExecutionDataBytes,
		FinishedDataBytes:    t.finishedDataBytes,
	}
	for _, taskType := range allTaskTypes {
		summary.Remaining[taskType] = len(t.pending[taskType])
		summary.InExecution[taskType] = len(t.inExecution[taskType])
		summary.Completed[taskType] = t.completed[taskType]
		summary.Dead[taskType] = t.dead[taskType]
		summary.Aborted[taskType] = t.aborted[taskType]
	}
	return summary
}

// SetStopRequested forbids future batch admission. Already in-execution tasks
// are untouched.
func (t *TaskTracker) SetStopRequested() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopRequested = true
}

func (t *TaskTracker) IsStopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopRequested
}

// Clear drops all tasks and counters. It must only be called when no task is
// in execution anymore.
func (t *TaskTracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, taskType := range allTaskTypes {
		if len(t.inExecution[taskType]) > 0 {
			return fmt.Errorf("cannot clear the task tracker, %d %s tasks are still in execution",
				len(t.inExecution[taskType]), taskType)
		}
	}
	t.resetLocked()
	return nil
}

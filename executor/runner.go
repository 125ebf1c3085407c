package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloudhut/kbalance/kafka"
)

const progressCheckIntervalStep = time.Second

// executionRunner drives a single execution from start to cleanup. It submits
// movement batches under the tracker's admission control, polls the cluster
// for completion on an adaptive interval and rolls back movements that died
// or were stopped. Exactly one runner exists per execution, the executor
// spawns it after the proposals were accepted.
type executionRunner struct {
	e      *Executor
	logger *zap.Logger

	uuid            string
	reason          string
	triggeredByUser bool

	loadMonitor LoadMonitor
	throttle    *throttleHelper

	// progressCheckInterval adapts during the inter-broker phase but never
	// leaves [cfg.MinProgressCheckInterval, maxProgressCheckInterval].
	progressCheckInterval    time.Duration
	maxProgressCheckInterval time.Duration

	executionErr error
}

func newExecutionRunner(
	e *Executor,
	uuid string,
	reason string,
	triggeredByUser bool,
	loadMonitor LoadMonitor,
	deadBrokers map[int32]struct{},
	requestedInterval *time.Duration,
) *executionRunner {
	maxInterval := e.cfg.ProgressCheckInterval
	if requestedInterval != nil && *requestedInterval > maxInterval {
		maxInterval = *requestedInterval
	}
	interval := e.cfg.ProgressCheckInterval
	if requestedInterval != nil {
		interval = *requestedInterval
	}
	if interval < e.cfg.MinProgressCheckInterval {
		interval = e.cfg.MinProgressCheckInterval
	}

	return &executionRunner{
		e: e,
		logger: e.logger.With(
			zap.String("uuid", uuid),
			zap.String("reason", reason)),
		uuid:                     uuid,
		reason:                   reason,
		triggeredByUser:          triggeredByUser,
		loadMonitor:              loadMonitor,
		throttle:                 newThrottleHelper(e.admin, e.cfg.ReplicationThrottle, deadBrokers, e.logger),
		progressCheckInterval:    interval,
		maxProgressCheckInterval: maxInterval,
	}
}

// run executes all phases and always cleans up, regardless of outcome.
func (r *executionRunner) run(ctx context.Context) {
	r.logger.Info("execution started", zap.Bool("triggered_by_user", r.triggeredByUser))
	r.initExecution()
	r.executionErr = r.execute(ctx)
	if r.executionErr != nil {
		r.logger.Error("execution was interrupted", zap.Error(r.executionErr))
	}
	r.finish()
}

func (r *executionRunner) initExecution() {
	if r.triggeredByUser && r.e.userTasks != nil {
		r.e.userTasks.MarkTaskExecutionBegan(r.uuid)
	}
	r.loadMonitor.PauseMetricSampling("switching the sampling mode for an execution")
	r.loadMonitor.SetSamplingMode(SamplingModeOngoingExecution)
	r.loadMonitor.ResumeMetricSampling("sampling mode switched for an execution")
}

func (r *executionRunner) execute(ctx context.Context) error {
	if !r.e.stopRequested() {
		r.e.transitionTo(PhaseInterBrokerInProgress)
		if err := r.interBrokerMoveReplicas(ctx); err != nil {
			return err
		}
	}
	if !r.e.stopRequested() {
		r.e.transitionTo(PhaseIntraBrokerInProgress)
		if err := r.intraBrokerMoveReplicas(ctx); err != nil {
			return err
		}
	}
	if !r.e.stopRequested() {
		r.progressCheckInterval = r.maxProgressCheckInterval
		r.e.transitionTo(PhaseLeaderInProgress)
		if err := r.moveLeaderships(ctx); err != nil {
			return err
		}
	}
	return nil
}

// interBrokerMoveReplicas submits inter-broker replica movements batch by
// batch until no pending task remains or a stop was requested, then drains
// the still in-flight movements.
func (r *executionRunner) interBrokerMoveReplicas(ctx context.Context) error {
	summary := r.e.tracker.Summary()
	r.logger.Info("starting inter-broker replica movements",
		zap.Int("num_tasks", summary.Remaining[InterBrokerReplicaAction]),
		zap.Int64("total_data_bytes", summary.RemainingDataBytes))

	for r.e.tracker.NumRemaining(InterBrokerReplicaAction) > 0 && !r.e.stopRequested() {
		batch := r.e.tracker.GetInterBrokerBatch()
		if len(batch) > 0 {
			if err := r.throttle.setThrottles(ctx, batch); err != nil {
				return err
			}
			if err := r.submitInterBrokerTasks(ctx, batch); err != nil {
				return err
			}
		}
		if err := r.waitForInterBrokerTasks(ctx); err != nil {
			return err
		}
	}
	for r.e.tracker.NumInExecution(InterBrokerReplicaAction) > 0 {
		r.logger.Info("waiting for the ongoing inter-broker replica movements to finish",
			zap.Int("num_in_execution", r.e.tracker.NumInExecution(InterBrokerReplicaAction)))
		if err := r.waitForInterBrokerTasks(ctx); err != nil {
			return err
		}
	}

	r.logger.Info("inter-broker replica movements finished",
		zap.Int("num_finished", r.e.tracker.NumFinished(InterBrokerReplicaAction)),
		zap.Int64("finished_data_bytes", r.e.tracker.Summary().FinishedDataBytes))
	return nil
}

func (r *executionRunner) submitInterBrokerTasks(ctx context.Context, tasks []*ExecutionTask) error {
	nowMs := time.Now().UnixMilli()
	if err := r.e.tracker.MarkInProgress(tasks, nowMs); err != nil {
		return err
	}

	targets := make(map[kafka.TopicPartition][]int32, len(tasks))
	taskByPartition := make(map[kafka.TopicPartition]*ExecutionTask, len(tasks))
	for _, task := range tasks {
		targets[task.Proposal.TopicPartition] = task.Proposal.NewReplicaBrokers()
		taskByPartition[task.Proposal.TopicPartition] = task
	}

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()
	outcomes, err := r.e.admin.AlterPartitionReassignments(reqCtx, targets)
	if err != nil {
		return fmt.Errorf("failed to submit inter-broker replica movements: %w", err)
	}

	var deadTasks []*ExecutionTask
	for tp, outcome := range outcomes {
		task, known := taskByPartition[tp]
		if !known {
			continue
		}
		switch outcome {
		case kafka.ReassignmentAccepted:
		case kafka.ReassignmentDeletedTopic:
			r.logger.Info("skipping the replica movement of a deleted partition",
				zap.String("partition", tp.String()))
			r.completeDeletedPartitionTask(task, nowMs)
		case kafka.ReassignmentBrokerUnavailable:
			r.logger.Warn("replica movement was rejected, a destination broker is unavailable",
				zap.String("task", task.String()))
			if err := r.e.tracker.MarkDead(task, nowMs); err == nil {
				deadTasks = append(deadTasks, task)
			}
		default:
			return &IllegalStateError{
				Reason: fmt.Sprintf("unexpected reassignment outcome %q for %s", outcome, task),
			}
		}
	}
	if len(deadTasks) > 0 {
		return r.handleDeadInterBrokerTasks(ctx, nil, deadTasks)
	}
	return nil
}

// waitForInterBrokerTasks polls the cluster metadata until at least one
// in-flight inter-broker movement terminated. Movements of deleted partitions
// terminate successfully, movements onto offline brokers die, in-progress
// movements abort once a stop was requested.
func (r *executionRunner) waitForInterBrokerTasks(ctx context.Context) error {
	for {
		if err := r.sleep(ctx); err != nil {
			return err
		}
		cluster, err := r.e.metadata.Refresh(ctx)
		if err != nil {
			r.logger.Warn("failed to refresh the cluster metadata during a progress check", zap.Error(err))
			continue
		}

		nowMs := time.Now().UnixMilli()
		stopRequested := r.e.stopRequested()
		inExecution := r.e.tracker.InExecutionTasks(InterBrokerReplicaAction)
		var finishedTasks, deadTasks, stoppedTasks []*ExecutionTask
		for _, task := range inExecution {
			tp := task.Proposal.TopicPartition
			partition, exists := cluster.Partition(tp)
			switch {
			case !exists:
				r.logger.Info("partition was deleted during its replica movement",
					zap.String("partition", tp.String()))
				r.completeDeletedPartitionTask(task, nowMs)
				finishedTasks = append(finishedTasks, task)
			case interBrokerMoveDone(partition, task.Proposal):
				if err := r.e.tracker.MarkDone(task, nowMs); err == nil {
					finishedTasks = append(finishedTasks, task)
				}
			case stopRequested && task.State == TaskInProgress:
				if err := r.e.tracker.MarkAborting(task); err == nil {
					stoppedTasks = append(stoppedTasks, task)
				}
			case r.interBrokerTaskDead(cluster, task):
				r.logger.Warn("inter-broker replica movement died, a destination broker is offline",
					zap.String("task", task.String()))
				if err := r.e.tracker.MarkDead(task, nowMs); err == nil {
					deadTasks = append(deadTasks, task)
				}
			default:
				r.maybeAlertSlowTask(task, nowMs)
			}
		}

		updateMovementRates(finishedTasks, r.progressCheckInterval)
		movementsCompleted.WithLabelValues(InterBrokerReplicaAction.String()).Add(float64(len(finishedTasks)))
		r.adjustProgressCheckInterval(len(finishedTasks), len(inExecution))
		r.throttle.clearTaskThrottles(ctx, finishedTasks, r.e.tracker.InExecutionTasks(InterBrokerReplicaAction))

		if len(deadTasks) > 0 || len(stoppedTasks) > 0 {
			return r.handleDeadInterBrokerTasks(ctx, stoppedTasks, deadTasks)
		}
		if len(finishedTasks) > 0 || r.e.tracker.NumInExecution(InterBrokerReplicaAction) == 0 {
			return nil
		}
		r.maybeReexecuteInterBrokerTasks(ctx)
	}
}

// handleDeadInterBrokerTasks cancels the reassignments of dead and stopped
// movements. Dead movements additionally stop the whole execution. The
// rollback is awaited only when no movement died, a dead destination broker
// can hold up its cancellation indefinitely.
func (r *executionRunner) handleDeadInterBrokerTasks(ctx context.Context, stoppedTasks, deadTasks []*ExecutionTask) error {
	if len(stoppedTasks) == 0 && len(deadTasks) == 0 {
		return nil
	}

	tasksToCancel := make([]*ExecutionTask, 0, len(stoppedTasks)+len(deadTasks))
	tasksToCancel = append(tasksToCancel, deadTasks...)
	tasksToCancel = append(tasksToCancel, stoppedTasks...)

	targets := make(map[kafka.TopicPartition][]int32, len(tasksToCancel))
	for _, task := range tasksToCancel {
		// nil replicas cancel the partition's ongoing reassignment
		targets[task.Proposal.TopicPartition] = nil
	}
	r.logger.Info("cancelling inter-broker replica movements",
		zap.Int("num_dead_tasks", len(deadTasks)),
		zap.Int("num_stopped_tasks", len(stoppedTasks)))

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()
	if _, err := r.e.admin.AlterPartitionReassignments(reqCtx, targets); err != nil {
		return fmt.Errorf("failed to cancel inter-broker replica movements: %w", err)
	}

	if len(deadTasks) > 0 && !r.e.stopRequested() {
		r.e.requestStop("inter-broker replica movements died")
	}
	if len(deadTasks) == 0 {
		r.waitForRollback(ctx, tasksToCancel)
	}

	nowMs := time.Now().UnixMilli()
	for _, task := range stoppedTasks {
		if err := r.e.tracker.MarkAborted(task, nowMs); err != nil {
			r.logger.Warn("failed to mark a stopped task as aborted",
				zap.String("task", task.String()), zap.Error(err))
		}
	}
	return nil
}

// waitForRollback polls the controller until none of the cancelled
// reassignments is reported as ongoing anymore.
func (r *executionRunner) waitForRollback(ctx context.Context, cancelledTasks []*ExecutionTask) {
	cancelled := make(map[kafka.TopicPartition]struct{}, len(cancelledTasks))
	for _, task := range cancelledTasks {
		cancelled[task.Proposal.TopicPartition] = struct{}{}
	}

	for {
		if err := r.sleep(ctx); err != nil {
			return
		}
		reqCtx, cancel := r.requestContext(ctx)
		ongoing, err := r.e.admin.ListPartitionReassignments(reqCtx)
		cancel()
		if err != nil {
			r.logger.Warn("failed to list partition reassignments during a rollback", zap.Error(err))
			continue
		}
		stillRollingBack := 0
		for tp := range cancelled {
			if _, inFlight := ongoing[tp]; inFlight {
				stillRollingBack++
			}
		}
		if stillRollingBack == 0 {
			return
		}
		r.logger.Info("waiting for cancelled replica movements to roll back",
			zap.Int("num_partitions", stillRollingBack))
	}
}

// maybeReexecuteInterBrokerTasks resubmits in-progress movements the
// controller no longer reports as ongoing. A controller failover can drop
// accepted reassignments.
func (r *executionRunner) maybeReexecuteInterBrokerTasks(ctx context.Context) {
	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()
	ongoing, err := r.e.admin.ListPartitionReassignments(reqCtx)
	if err != nil {
		r.logger.Warn("failed to list partition reassignments", zap.Error(err))
		return
	}

	targets := make(map[kafka.TopicPartition][]int32)
	for _, task := range r.e.tracker.InExecutionTasks(InterBrokerReplicaAction) {
		if task.State != TaskInProgress {
			continue
		}
		tp := task.Proposal.TopicPartition
		if _, inFlight := ongoing[tp]; inFlight {
			continue
		}
		targets[tp] = task.Proposal.NewReplicaBrokers()
	}
	if len(targets) == 0 {
		return
	}

	r.logger.Info("re-executing inter-broker replica movements no longer reported by the controller",
		zap.Int("num_tasks", len(targets)))
	resubmitCtx, cancelResubmit := r.requestContext(ctx)
	defer cancelResubmit()
	if _, err := r.e.admin.AlterPartitionReassignments(resubmitCtx, targets); err != nil {
		r.logger.Warn("failed to re-execute inter-broker replica movements", zap.Error(err))
	}
}

// intraBrokerMoveReplicas submits replica directory movements batch by batch.
// Directory movements cannot be cancelled, a stop only prevents new batches
// and the in-flight movements are drained.
func (r *executionRunner) intraBrokerMoveReplicas(ctx context.Context) error {
	if r.e.tracker.NumRemaining(IntraBrokerReplicaAction) == 0 &&
		r.e.tracker.NumInExecution(IntraBrokerReplicaAction) == 0 {
		return nil
	}
	r.logger.Info("starting intra-broker replica movements",
		zap.Int("num_tasks", r.e.tracker.NumRemaining(IntraBrokerReplicaAction)))

	for r.e.tracker.NumRemaining(IntraBrokerReplicaAction) > 0 && !r.e.stopRequested() {
		batch := r.e.tracker.GetIntraBrokerBatch()
		if len(batch) > 0 {
			if err := r.submitIntraBrokerTasks(ctx, batch); err != nil {
				return err
			}
		}
		if err := r.waitForIntraBrokerTasks(ctx); err != nil {
			return err
		}
	}
	for r.e.tracker.NumInExecution(IntraBrokerReplicaAction) > 0 {
		r.logger.Info("waiting for the ongoing intra-broker replica movements to finish",
			zap.Int("num_in_execution", r.e.tracker.NumInExecution(IntraBrokerReplicaAction)))
		if err := r.waitForIntraBrokerTasks(ctx); err != nil {
			return err
		}
	}

	r.logger.Info("intra-broker replica movements finished",
		zap.Int("num_finished", r.e.tracker.NumFinished(IntraBrokerReplicaAction)))
	return nil
}

func (r *executionRunner) submitIntraBrokerTasks(ctx context.Context, tasks []*ExecutionTask) error {
	nowMs := time.Now().UnixMilli()
	if err := r.e.tracker.MarkInProgress(tasks, nowMs); err != nil {
		return err
	}

	moves := make(map[kafka.TopicPartitionReplica]string, len(tasks))
	for _, task := range tasks {
		moves[intraBrokerReplica(task)] = intraBrokerTargetDir(task)
	}

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()
	outcomes, err := r.e.admin.AlterReplicaLogDirs(reqCtx, moves)
	if err != nil {
		return fmt.Errorf("failed to submit intra-broker replica movements: %w", err)
	}
	for replica, submitErr := range outcomes {
		if submitErr == nil {
			continue
		}
		// A replica still being created rejects the move, the progress check
		// resubmits it.
		r.logger.Warn("broker rejected a replica directory movement, it will be retried",
			zap.String("replica", replica.String()), zap.Error(submitErr))
	}
	return nil
}

// waitForIntraBrokerTasks polls the replica directory placement until at
// least one in-flight directory movement terminated.
func (r *executionRunner) waitForIntraBrokerTasks(ctx context.Context) error {
	for {
		if err := r.sleep(ctx); err != nil {
			return err
		}
		cluster, err := r.e.metadata.Refresh(ctx)
		if err != nil {
			r.logger.Warn("failed to refresh the cluster metadata during a progress check", zap.Error(err))
			continue
		}

		inExecution := r.e.tracker.InExecutionTasks(IntraBrokerReplicaAction)
		replicas := make([]kafka.TopicPartitionReplica, 0, len(inExecution))
		for _, task := range inExecution {
			replicas = append(replicas, intraBrokerReplica(task))
		}
		reqCtx, cancel := r.requestContext(ctx)
		infos, err := r.e.admin.DescribeReplicaLogDirs(reqCtx, replicas)
		cancel()
		if err != nil {
			r.logger.Warn("failed to describe replica log dirs during a progress check", zap.Error(err))
			continue
		}

		nowMs := time.Now().UnixMilli()
		numFinished := 0
		retries := make(map[kafka.TopicPartitionReplica]string)
		for _, task := range inExecution {
			tp := task.Proposal.TopicPartition
			replica := intraBrokerReplica(task)
			info, known := infos[replica]
			_, partitionExists := cluster.Partition(tp)
			switch {
			case !partitionExists:
				r.logger.Info("partition was deleted during its directory movement",
					zap.String("partition", tp.String()))
				r.completeDeletedPartitionTask(task, nowMs)
				numFinished++
			case !cluster.HasBroker(task.BrokerID) || !known:
				r.logger.Warn("intra-broker replica movement died, the replica is gone from its broker",
					zap.String("task", task.String()))
				if err := r.e.tracker.MarkDead(task, nowMs); err != nil {
					r.logger.Warn("failed to mark a task as dead",
						zap.String("task", task.String()), zap.Error(err))
				}
			case info.CurrentDir == intraBrokerTargetDir(task) && info.FutureDir == "":
				if err := r.e.tracker.MarkDone(task, nowMs); err == nil {
					numFinished++
				}
			case info.FutureDir == "":
				// the broker lost the movement, resubmit it
				retries[replica] = intraBrokerTargetDir(task)
			default:
				r.maybeAlertSlowTask(task, nowMs)
			}
		}

		movementsCompleted.WithLabelValues(IntraBrokerReplicaAction.String()).Add(float64(numFinished))
		if numFinished > 0 || r.e.tracker.NumInExecution(IntraBrokerReplicaAction) == 0 {
			return nil
		}
		if len(retries) > 0 {
			r.logger.Info("re-executing intra-broker replica movements no longer reported by their brokers",
				zap.Int("num_tasks", len(retries)))
			retryCtx, cancelRetry := r.requestContext(ctx)
			if _, err := r.e.admin.AlterReplicaLogDirs(retryCtx, retries); err != nil {
				r.logger.Warn("failed to re-execute intra-broker replica movements", zap.Error(err))
			}
			cancelRetry()
		}
	}
}

// moveLeaderships triggers preferred leader elections batch by batch until no
// pending leadership movement remains or a stop was requested.
func (r *executionRunner) moveLeaderships(ctx context.Context) error {
	if r.e.tracker.NumRemaining(LeaderAction) == 0 &&
		r.e.tracker.NumInExecution(LeaderAction) == 0 {
		return nil
	}
	r.logger.Info("starting leadership movements",
		zap.Int("num_tasks", r.e.tracker.NumRemaining(LeaderAction)))

	for r.e.tracker.NumRemaining(LeaderAction) > 0 && !r.e.stopRequested() {
		batch := r.e.tracker.GetLeaderBatch()
		if len(batch) > 0 {
			if err := r.submitLeadershipTasks(ctx, batch); err != nil {
				return err
			}
		}
		if err := r.waitForLeadershipTasks(ctx); err != nil {
			return err
		}
	}
	for r.e.tracker.NumInExecution(LeaderAction) > 0 {
		r.logger.Info("waiting for the ongoing leadership movements to finish",
			zap.Int("num_in_execution", r.e.tracker.NumInExecution(LeaderAction)))
		if err := r.waitForLeadershipTasks(ctx); err != nil {
			return err
		}
	}

	r.logger.Info("leadership movements finished",
		zap.Int("num_finished", r.e.tracker.NumFinished(LeaderAction)))
	return nil
}

func (r *executionRunner) submitLeadershipTasks(ctx context.Context, tasks []*ExecutionTask) error {
	nowMs := time.Now().UnixMilli()
	if err := r.e.tracker.MarkInProgress(tasks, nowMs); err != nil {
		return err
	}
	return r.electPreferredLeaders(ctx, tasks, nowMs)
}

func (r *executionRunner) electPreferredLeaders(ctx context.Context, tasks []*ExecutionTask, nowMs int64) error {
	partitions := make([]kafka.TopicPartition, 0, len(tasks))
	taskByPartition := make(map[kafka.TopicPartition]*ExecutionTask, len(tasks))
	for _, task := range tasks {
		partitions = append(partitions, task.Proposal.TopicPartition)
		taskByPartition[task.Proposal.TopicPartition] = task
	}

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()
	outcomes, err := r.e.admin.ElectPreferredLeaders(reqCtx, partitions)
	if err != nil {
		return fmt.Errorf("failed to elect preferred leaders: %w", err)
	}
	for tp, outcome := range outcomes {
		task, known := taskByPartition[tp]
		if !known {
			continue
		}
		switch outcome {
		case kafka.ElectLeaderDone, kafka.ElectLeaderNotNeeded:
			// completion is confirmed against the metadata on the next check
		case kafka.ElectLeaderDeferred:
			// the preferred replica is not in sync yet, the election is retried
		case kafka.ElectLeaderDeletedTopic:
			r.logger.Info("skipping the leadership movement of a deleted partition",
				zap.String("partition", tp.String()))
			r.completeDeletedPartitionTask(task, nowMs)
		}
	}
	return nil
}

// waitForLeadershipTasks polls the cluster metadata until at least one
// in-flight leadership movement terminated. A movement dies when its target
// broker is offline or the per-task timeout elapsed.
func (r *executionRunner) waitForLeadershipTasks(ctx context.Context) error {
	for {
		if err := r.sleep(ctx); err != nil {
			return err
		}
		cluster, err := r.e.metadata.Refresh(ctx)
		if err != nil {
			r.logger.Warn("failed to refresh the cluster metadata during a progress check", zap.Error(err))
			continue
		}

		nowMs := time.Now().UnixMilli()
		numFinished := 0
		for _, task := range r.e.tracker.InExecutionTasks(LeaderAction) {
			tp := task.Proposal.TopicPartition
			partition, exists := cluster.Partition(tp)
			switch {
			case !exists:
				r.logger.Info("partition was deleted during its leadership movement",
					zap.String("partition", tp.String()))
				r.completeDeletedPartitionTask(task, nowMs)
				numFinished++
			case partition.Leader == task.Proposal.NewLeader():
				if err := r.e.tracker.MarkDone(task, nowMs); err == nil {
					numFinished++
				}
			case r.leadershipTaskDead(cluster, task, nowMs):
				r.logger.Warn("leadership movement died",
					zap.String("task", task.String()),
					zap.Int64("elapsed_ms", nowMs-task.StartTimeMs))
				if err := r.e.tracker.MarkDead(task, nowMs); err != nil {
					r.logger.Warn("failed to mark a task as dead",
						zap.String("task", task.String()), zap.Error(err))
				}
			}
		}

		movementsCompleted.WithLabelValues(LeaderAction.String()).Add(float64(numFinished))
		if numFinished > 0 || r.e.tracker.NumInExecution(LeaderAction) == 0 {
			return nil
		}
		remaining := r.e.tracker.InExecutionTasks(LeaderAction)
		if err := r.electPreferredLeaders(ctx, remaining, nowMs); err != nil {
			r.logger.Warn("failed to retry preferred leader elections", zap.Error(err))
		}
	}
}

func (r *executionRunner) leadershipTaskDead(cluster *kafka.ClusterSnapshot, task *ExecutionTask, nowMs int64) bool {
	if !cluster.HasBroker(task.Proposal.NewLeader()) {
		return true
	}
	return nowMs-task.StartTimeMs > r.e.cfg.LeaderMovementTimeout.Milliseconds()
}

// finish notifies the outcome, reports back to the task owner and resets the
// executor to the no-task state. The cleanup must succeed even when the run
// context was cancelled, so it runs on its own context.
func (r *executionRunner) finish() {
	r.e.transitionTo(PhaseStopping)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), r.e.cfg.RequestTimeout)
	defer cancel()
	r.throttle.clearAllThrottles(cleanupCtx)
	r.abandonInExecutionTasks()
	resetMovementRates()
	r.notifyOutcome()

	completedWithError := r.executionErr != nil || r.e.stopRequested()
	if r.triggeredByUser {
		if r.e.userTasks != nil {
			r.e.userTasks.MarkTaskExecutionFinished(r.uuid, completedWithError)
		}
	} else if r.e.anomalyDetectors != nil {
		r.e.anomalyDetectors.MarkSelfHealingFinished(r.uuid, completedWithError)
	}

	r.e.clearCompletedExecution()
	r.logger.Info("execution finished", zap.Bool("completed_with_error", completedWithError))
}

// abandonInExecutionTasks terminates whatever an interrupted run left in
// flight so the tracker can be cleared.
func (r *executionRunner) abandonInExecutionTasks() {
	leftovers := r.e.tracker.InExecutionTasks()
	if len(leftovers) == 0 {
		return
	}
	r.logger.Warn("abandoning tasks still in execution", zap.Int("num_tasks", len(leftovers)))
	nowMs := time.Now().UnixMilli()
	for _, task := range leftovers {
		if task.State == TaskInProgress {
			_ = r.e.tracker.MarkAborting(task)
		}
		if err := r.e.tracker.MarkDead(task, nowMs); err != nil {
			r.logger.Warn("failed to mark an abandoned task as dead",
				zap.String("task", task.String()), zap.Error(err))
		}
	}
}

func (r *executionRunner) notifyOutcome() {
	if r.e.notifier == nil {
		return
	}
	summary := r.e.tracker.Summary()
	numDeadOrAborted := r.e.tracker.NumDeadOrAborted()
	switch {
	case r.executionErr != nil:
		r.e.notifier.SendAlert(fmt.Sprintf("Execution %s (%s) was interrupted: %v",
			r.uuid, r.reason, r.executionErr))
	case r.e.stoppedByUser():
		r.e.notifier.SendAlert(fmt.Sprintf("Execution %s (%s) was stopped by the user, %d tasks dead or aborted",
			r.uuid, r.reason, numDeadOrAborted))
	case r.e.stopRequested():
		r.e.notifier.SendAlert(fmt.Sprintf("Execution %s (%s) was stopped, %d tasks dead or aborted",
			r.uuid, r.reason, numDeadOrAborted))
	default:
		r.e.notifier.SendNotification(fmt.Sprintf(
			"Execution %s (%s) finished: %d inter-broker, %d intra-broker and %d leadership movements completed",
			r.uuid, r.reason,
			summary.Completed[InterBrokerReplicaAction],
			summary.Completed[IntraBrokerReplicaAction],
			summary.Completed[LeaderAction]))
	}
}

// completeDeletedPartitionTask terminates a movement whose partition no
// longer exists. Nothing remains to move, the task counts as completed.
func (r *executionRunner) completeDeletedPartitionTask(task *ExecutionTask, nowMs int64) {
	if task.State == TaskInProgress {
		if err := r.e.tracker.MarkAborting(task); err != nil {
			r.logger.Warn("failed to mark the task of a deleted partition as aborting",
				zap.String("task", task.String()), zap.Error(err))
			return
		}
	}
	if err := r.e.tracker.MarkDone(task, nowMs); err != nil {
		r.logger.Warn("failed to mark the task of a deleted partition as done",
			zap.String("task", task.String()), zap.Error(err))
	}
}

func (r *executionRunner) maybeAlertSlowTask(task *ExecutionTask, nowMs int64) {
	backoffMs := r.e.cfg.SlowTaskAlertingBackoff.Milliseconds()
	elapsedMs := nowMs - task.StartTimeMs
	if elapsedMs < backoffMs || !task.maySlowAlert(nowMs, backoffMs) {
		return
	}
	r.logger.Warn("movement task is making slow progress",
		zap.String("task", task.String()),
		zap.Int64("elapsed_ms", elapsedMs))
	if r.e.notifier != nil {
		r.e.notifier.SendAlert(fmt.Sprintf("Task %s has been in execution for %s",
			task, time.Duration(elapsedMs)*time.Millisecond))
	}
}

func (r *executionRunner) interBrokerTaskDead(cluster *kafka.ClusterSnapshot, task *ExecutionTask) bool {
	for _, broker := range task.Proposal.NewReplicaBrokers() {
		if !cluster.HasBroker(broker) {
			return true
		}
	}
	return false
}

// interBrokerMoveDone reports whether the partition's replica list reached
// the proposal's target list, order included.
func interBrokerMoveDone(partition kafka.PartitionInfo, proposal ExecutionProposal) bool {
	target := proposal.NewReplicaBrokers()
	if len(partition.Replicas) != len(target) {
		return false
	}
	for i, broker := range target {
		if partition.Replicas[i] != broker {
			return false
		}
	}
	return true
}

func intraBrokerReplica(task *ExecutionTask) kafka.TopicPartitionReplica {
	return kafka.TopicPartitionReplica{
		Topic:     task.Proposal.TopicPartition.Topic,
		Partition: task.Proposal.TopicPartition.Partition,
		BrokerID:  task.BrokerID,
	}
}

func intraBrokerTargetDir(task *ExecutionTask) string {
	return task.Proposal.DiskMovesByBroker()[task.BrokerID].TargetDir
}

// adjustProgressCheckInterval speeds the polling up only when every movement
// that was in execution at the start of the tick finished or got deleted
// within it, and backs it off otherwise.
func (r *executionRunner) adjustProgressCheckInterval(numFinished, numInExecution int) {
	if numFinished == numInExecution {
		r.progressCheckInterval -= progressCheckIntervalStep
		if r.progressCheckInterval < r.e.cfg.MinProgressCheckInterval {
			r.progressCheckInterval = r.e.cfg.MinProgressCheckInterval
		}
	} else {
		r.progressCheckInterval += progressCheckIntervalStep
		if r.progressCheckInterval > r.maxProgressCheckInterval {
			r.progressCheckInterval = r.maxProgressCheckInterval
		}
	}
	progressCheckIntervalSeconds.Set(r.progressCheckInterval.Seconds())
}

func (r *executionRunner) sleep(ctx context.Context) error {
	timer := time.NewTimer(r.progressCheckInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *executionRunner) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.e.cfg.RequestTimeout)
}
